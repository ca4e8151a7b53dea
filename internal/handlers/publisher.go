package handlers

import (
	"log/slog"
	"sync"

	"github.com/Ostabo/Spit/internal/chat"
)

// maxQueuedNotices bounds the notices waiting for a slow SSE server. The oldest ones are dropped first.
const maxQueuedNotices = 64

// publisher hands client changes over to a goroutine that publishes them, so a browser that stops reading
// never stalls the caller of Observe. Transcript, models and state changes carry a whole snapshot, only
// the latest one of each kind is kept. Notices are queued in order.
type publisher struct {
	mu      sync.Mutex
	latest  map[chat.ChangeKind]chat.Change
	notices []chat.Change

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newPublisher() *publisher {
	return &publisher{
		latest: make(map[chat.ChangeKind]chat.Change),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// put queues c and returns whether an older notice had to be dropped for it.
func (p *publisher) put(c chat.Change) (dropped bool) {
	p.mu.Lock()
	if c.Kind == chat.ChangeNotice {
		if len(p.notices) == maxQueuedNotices {
			p.notices = p.notices[1:]
			dropped = true
		}
		p.notices = append(p.notices, c)
	} else {
		p.latest[c.Kind] = c
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return dropped
}

// take returns the queued changes in publishing order and empties the queue.
func (p *publisher) take() []chat.Change {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]chat.Change, 0, len(p.latest)+len(p.notices))
	for _, kind := range []chat.ChangeKind{chat.ChangeState, chat.ChangeModels, chat.ChangeTranscript} {
		if c, ok := p.latest[kind]; ok {
			out = append(out, c)
			delete(p.latest, kind)
		}
	}
	out = append(out, p.notices...)
	p.notices = nil
	return out
}

func (p *publisher) close() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// run publishes queued changes with send until close is called.
func (p *publisher) run(send func(chat.Change), logger *slog.Logger) {
	defer close(p.done)
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}
		changes := p.take()
		logger.Debug("Publishing changes", slog.Int("count", len(changes)))
		for _, c := range changes {
			send(c)
		}
	}
}
