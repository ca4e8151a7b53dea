package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/Ostabo/Spit/internal/models"
	"github.com/google/uuid"
)

// greeting is the marker turn every transcript starts with.
const greeting = "Send a message to start..."

// Store is the ordered, append-only log of turns for the lifetime of the process. At most one turn, the
// last one, is open; its content may only be extended. Store is not safe for concurrent use; the Client
// owns it and only touches it from its run loop.
type Store struct {
	turns []models.Turn
	open  int
}

// NewStore creates a Store seeded with the greeting marker turn.
func NewStore() *Store {
	s := &Store{open: -1}
	s.turns = append(s.turns, newTurn(models.RoleAssistant, greeting, true))
	return s
}

func newTurn(role models.Role, content string, marker bool) models.Turn {
	return models.Turn{
		ID:         uuid.New().String(),
		Role:       role,
		Content:    content,
		Timestamp:  time.Now(),
		ModeMarker: marker,
	}
}

// Append appends a committed turn and returns its position. It fails while a turn is open, so the open
// turn always stays last.
func (s *Store) Append(role models.Role, content string, marker bool) (int, error) {
	if s.open >= 0 {
		return -1, ErrTurnOpen
	}
	s.turns = append(s.turns, newTurn(role, content, marker))
	return len(s.turns) - 1, nil
}

// Open appends an empty turn for role and marks it open.
func (s *Store) Open(role models.Role) (int, error) {
	idx, err := s.Append(role, "", false)
	if err != nil {
		return -1, err
	}
	s.open = idx
	return idx, nil
}

// ReplaceOpen sets the content of the open turn. The new content must extend the current one.
func (s *Store) ReplaceOpen(content string) error {
	if s.open < 0 {
		return ErrNoOpenTurn
	}
	if !strings.HasPrefix(content, s.turns[s.open].Content) {
		return fmt.Errorf("open turn content can only grow: %q does not extend %q",
			content, s.turns[s.open].Content)
	}
	s.turns[s.open].Content = content
	return nil
}

// Commit closes the open turn and returns it.
func (s *Store) Commit() (models.Turn, error) {
	if s.open < 0 {
		return models.Turn{}, ErrNoOpenTurn
	}
	t := s.turns[s.open]
	s.open = -1
	return t, nil
}

// AttachImage reconciles a committed user turn with the image read for it.
func (s *Store) AttachImage(idx int, image []byte, content string) error {
	if idx < 0 || idx >= len(s.turns) {
		return fmt.Errorf("turn %d out of range", idx)
	}
	if s.turns[idx].Role != models.RoleUser {
		return fmt.Errorf("turn %d is a %s turn, images attach to user turns", idx, s.turns[idx].Role)
	}
	s.turns[idx].Image = image
	s.turns[idx].Content = content
	return nil
}

// Turn returns the turn at idx.
func (s *Store) Turn(idx int) (models.Turn, bool) {
	if idx < 0 || idx >= len(s.turns) {
		return models.Turn{}, false
	}
	return s.turns[idx], true
}

// OpenIndex returns the position of the open turn, or -1.
func (s *Store) OpenIndex() int {
	return s.open
}

// Turns returns a copy of all turns.
func (s *Store) Turns() []models.Turn {
	out := make([]models.Turn, len(s.turns))
	copy(out, s.turns)
	return out
}
