package notes

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

const (
	typeSync       = "sync"
	typeUpdate     = "update"
	typeCursor     = "cursor"
	typeAwareness  = "awareness"
	typeUserJoined = "user-joined"
	typeUserLeft   = "user-left"
)

var errUnknownFrame = errors.New("notes: unknown message type")

type (
	updateFrame struct {
		Update json.RawMessage
	}
	cursorFrame struct {
		Position json.RawMessage
	}
	awarenessFrame struct {
		State json.RawMessage
	}
)

type rawFrame struct {
	Type     string          `json:"type"`
	Update   json.RawMessage `json:"update"`
	Position json.RawMessage `json:"position"`
	State    json.RawMessage `json:"state"`
}

func decodeFrame(data []byte) (any, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("notes: decode frame: %w", err)
	}
	switch raw.Type {
	case typeUpdate:
		return updateFrame{Update: raw.Update}, nil
	case typeCursor:
		return cursorFrame{Position: raw.Position}, nil
	case typeAwareness:
		return awarenessFrame{State: raw.State}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownFrame, raw.Type)
	}
}

// Collaborator identifies a connected editor.
type Collaborator struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

type syncEnvelope struct {
	Type    string   `json:"type"`
	State   Document `json:"state"`
	Version int64    `json:"version"`
}

type updateEnvelope struct {
	Type    string          `json:"type"`
	Update  json.RawMessage `json:"update"`
	From    string          `json:"from"`
	Version int64           `json:"version"`
}

type cursorEnvelope struct {
	Type     string          `json:"type"`
	UserID   string          `json:"userId"`
	UserName string          `json:"userName,omitempty"`
	Position json.RawMessage `json:"position,omitempty"`
}

type awarenessEnvelope struct {
	Type   string          `json:"type"`
	UserID string          `json:"userId"`
	State  json.RawMessage `json:"state,omitempty"`
}

type userJoinedEnvelope struct {
	Type          string         `json:"type"`
	UserID        string         `json:"userId"`
	UserName      string         `json:"userName,omitempty"`
	Collaborators []Collaborator `json:"collaborators"`
}

type userLeftEnvelope struct {
	Type          string         `json:"type"`
	UserID        string         `json:"userId"`
	Collaborators []Collaborator `json:"collaborators"`
}
