package models

import (
	"strings"
	"time"
)

// Turn represents one message unit of the transcript. A turn's role and position are fixed once it is
// committed; only the content of the single open turn may grow while a response streams in.
type Turn struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// Image holds the decoded image payload of a user turn that carried an attachment.
	Image []byte `json:"image,omitempty"`
	// ModeMarker flags informational turns (greeting, model or mode changes) that are not part of the
	// conversation proper.
	ModeMarker bool `json:"mode_marker"`
}

// Role represents the role of a transcript participant.
type Role string

const (
	// RoleUser represents a turn typed by the user, optionally with an attached image.
	RoleUser Role = "user"
	// RoleAssistant represents a turn produced by the model, or a synthetic failure turn.
	RoleAssistant Role = "assistant"
	// RoleSystem represents a marker turn appended by the client itself.
	RoleSystem Role = "system"
)

// Mode selects the request shape used for text-only sends.
type Mode string

const (
	// ModeGenerate sends the prompt alone, without conversational framing.
	ModeGenerate Mode = "generate"
	// ModeChat lets the backend frame the prompt with the running conversation.
	ModeChat Mode = "chat"
)

// Label returns the human readable name of the mode, as shown in mode change markers.
func (m Mode) Label() string {
	if m == ModeChat {
		return "Chat Mode"
	}
	return "Generate Mode"
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	return m == ModeGenerate || m == ModeChat
}

// HasImage reports whether the turn carries an image payload.
func (t Turn) HasImage() bool {
	return len(t.Image) > 0
}

// RenderTranscript renders turns into a single plain-text block, one turn per paragraph, prefixed by
// their role. Marker turns are rendered without prefix.
func RenderTranscript(turns []Turn) string {
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		if t.ModeMarker {
			sb.WriteString("-- ")
			sb.WriteString(t.Content)
			sb.WriteString(" --")
			continue
		}
		sb.WriteString(string(t.Role))
		sb.WriteString(": ")
		sb.WriteString(t.Content)
	}
	return sb.String()
}
