package signaling

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

const (
	typePeers            = "peers"
	typePeerJoined       = "peer-joined"
	typePeerLeft         = "peer-left"
	typeOffer            = "offer"
	typeAnswer           = "answer"
	typeICECandidate     = "ice-candidate"
	typeChat             = "chat"
	typeScreenShareStart = "screen-share-start"
	typeScreenShareStop  = "screen-share-stop"
)

var errUnknownType = errors.New("signaling: unknown message type")

// inbound frames, one variant per type.
type (
	offerFrame struct {
		TargetID string
		Offer    json.RawMessage
	}
	answerFrame struct {
		TargetID string
		Answer   json.RawMessage
	}
	iceCandidateFrame struct {
		TargetID  string
		Candidate json.RawMessage
	}
	chatFrame struct {
		Message json.RawMessage
	}
	screenShareStartFrame struct{}
	screenShareStopFrame  struct{}
)

type rawFrame struct {
	Type      string          `json:"type"`
	TargetID  string          `json:"targetId"`
	Offer     json.RawMessage `json:"offer"`
	Answer    json.RawMessage `json:"answer"`
	Candidate json.RawMessage `json:"candidate"`
	Message   json.RawMessage `json:"message"`
}

func decodeFrame(data []byte) (any, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("signaling: decode frame: %w", err)
	}
	switch raw.Type {
	case typeOffer:
		return offerFrame{TargetID: raw.TargetID, Offer: raw.Offer}, nil
	case typeAnswer:
		return answerFrame{TargetID: raw.TargetID, Answer: raw.Answer}, nil
	case typeICECandidate:
		return iceCandidateFrame{TargetID: raw.TargetID, Candidate: raw.Candidate}, nil
	case typeChat:
		return chatFrame{Message: raw.Message}, nil
	case typeScreenShareStart:
		return screenShareStartFrame{}, nil
	case typeScreenShareStop:
		return screenShareStopFrame{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownType, raw.Type)
	}
}

// PeerInfo identifies a peer in snapshots and join notices.
type PeerInfo struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type peersEnvelope struct {
	Type  string     `json:"type"`
	Peers []PeerInfo `json:"peers"`
}

type peerJoinedEnvelope struct {
	Type string   `json:"type"`
	Peer PeerInfo `json:"peer"`
}

type peerLeftEnvelope struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type offerEnvelope struct {
	Type     string          `json:"type"`
	From     string          `json:"from"`
	FromName string          `json:"fromName"`
	Offer    json.RawMessage `json:"offer,omitempty"`
}

type answerEnvelope struct {
	Type   string          `json:"type"`
	From   string          `json:"from"`
	Answer json.RawMessage `json:"answer,omitempty"`
}

type iceCandidateEnvelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type chatEnvelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	FromName  string          `json:"fromName"`
	Message   json.RawMessage `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type screenShareEnvelope struct {
	Type     string `json:"type"`
	From     string `json:"from"`
	FromName string `json:"fromName,omitempty"`
}
