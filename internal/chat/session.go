package chat

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Attachment is an image staged for a request. Read returns the image as a data URL
// (data:<mime>;base64,<payload>) or as a bare base64 payload.
type Attachment interface {
	Name() string
	Read(ctx context.Context) (string, error)
}

// Request is one user send.
type Request struct {
	Text string
	// Attachment overrides the attachment staged with Client.Attach when set.
	Attachment Attachment
}

// session tracks one inference request from acceptance until it returns to idle.
type session struct {
	id      string
	state   State
	text    string
	model   string
	started time.Time

	attachment Attachment
	userIdx    int
	// issued is set once the backend command has been handed to the gateway. Stream events that arrive
	// before that cannot belong to this session.
	issued bool

	acc    strings.Builder
	sub    *Subscription
	cancel context.CancelFunc
}

func newSession(text, model string, att Attachment, userIdx int) *session {
	return &session{
		id:         uuid.New().String(),
		state:      StateIdle,
		text:       text,
		model:      model,
		started:    time.Now(),
		attachment: att,
		userIdx:    userIdx,
		cancel:     func() {},
	}
}

func (s *session) moveTo(next State) error {
	state, err := s.state.Transition(next)
	if err != nil {
		return err
	}
	s.state = state
	return nil
}

// ImagePayload extracts the base64 body of a data URL: the text after the first comma, or the whole
// string when there is no comma or nothing follows it.
func ImagePayload(dataURL string) string {
	_, body, found := strings.Cut(dataURL, ",")
	if !found || body == "" {
		return dataURL
	}
	return body
}

// imageTurnContent is the content a user turn is reconciled to once its image has been read.
func imageTurnContent(text, filename string) string {
	return text + "  \n " + filename
}
