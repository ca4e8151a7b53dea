package chat

import (
	"fmt"
	"sync"

	"github.com/Ostabo/Spit/internal/models"
)

// Events is the event channel a backend emits stream events on. Listen registers fn for every event whose
// kind is one of kinds and returns once the registration is live, so no event published after Listen
// returns is missed. The returned function removes the registration; after it returns fn is not called
// again with new events.
type Events interface {
	Listen(fn func(models.Event), kinds ...models.EventKind) (unlisten func(), err error)
}

// Subscription is the scoped registration of one session to all stream event kinds. It is acquired as a
// whole and released as a whole.
type Subscription struct {
	once     sync.Once
	unlisten func()
}

// Subscribe registers fn for every stream event kind in a single call to events.
func Subscribe(events Events, fn func(models.Event)) (*Subscription, error) {
	unlisten, err := events.Listen(fn, models.StreamKinds...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to stream events: %w", err)
	}
	return &Subscription{unlisten: unlisten}, nil
}

// Release removes the registration. It is safe to call more than once and on a nil Subscription.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(s.unlisten)
}
