package notes

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidContent indicates a missing or malformed JSON document.
	ErrInvalidContent = errors.New("notes: invalid content")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// Document is a validated JSON value holding note content or an edit.
type Document json.RawMessage

// NewDocument validates that raw is well formed JSON.
func NewDocument(raw []byte) (Document, error) {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil, fmt.Errorf("%w: not a JSON value", ErrInvalidContent)
	}
	return Document(append([]byte(nil), raw...)), nil
}

// MarshalJSON emits the document verbatim.
func (d Document) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

// UnmarshalJSON keeps a copy of the raw value.
func (d *Document) UnmarshalJSON(data []byte) error {
	*d = append((*d)[:0], data...)
	return nil
}

// State is the durable record of one collaborative note. LastModified is unix
// milliseconds.
type State struct {
	NoteID        string   `json:"noteId"`
	Content       Document `json:"content"`
	Version       int64    `json:"version"`
	LastModified  int64    `json:"lastModified"`
	Collaborators []string `json:"collaborators"`
}

func (s *State) clone() State {
	copied := *s
	copied.Content = append(Document(nil), s.Content...)
	copied.Collaborators = append([]string(nil), s.Collaborators...)
	return copied
}

func (s *State) addCollaborator(userID string) {
	for _, existing := range s.Collaborators {
		if existing == userID {
			return
		}
	}
	s.Collaborators = append(s.Collaborators, userID)
}

// mergeContent overwrites the top-level fields of current with those of
// update. The update must be a JSON object; a current value that is not an
// object is replaced by it.
func mergeContent(current, update Document) (Document, error) {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(update, &patch); err != nil || patch == nil {
		return nil, fmt.Errorf("%w: update must be a JSON object", ErrInvalidContent)
	}
	var base map[string]json.RawMessage
	if err := json.Unmarshal(current, &base); err != nil || base == nil {
		return append(Document(nil), update...), nil
	}
	for field, value := range patch {
		base[field] = value
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	return Document(merged), nil
}
