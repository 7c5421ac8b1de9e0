// Package signaling relays WebRTC negotiation between the peers of a
// classroom. Peer bookkeeping lives only in memory.
package signaling

import (
	"context"
	"fmt"

	"github.com/ilai-app/edge/internal/actor"
	"github.com/ilai-app/edge/internal/logging"
	"go.uber.org/zap"
)

// Kind addresses classroom signaling actors.
const Kind actor.Kind = "classroom"

// CloseReplaced is sent to a socket superseded by a newer one for the same user.
const CloseReplaced = 4000

const (
	defaultUserID   = "anonymous"
	defaultUserName = "Anonymous"

	paramUserID   = "userId"
	paramUserName = "userName"
)

// ListParticipants returns the live peer directory.
type ListParticipants struct{}

// Join acknowledges a participant registered through the control plane.
type Join struct {
	UserID string
}

// Leave disconnects a participant.
type Leave struct {
	UserID string
}

// Participant describes a connected peer.
type Participant struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	JoinedAt int64  `json:"joinedAt"`
}

// Participants is the reply to ListParticipants.
type Participants struct {
	Count        int           `json:"count"`
	Participants []Participant `json:"participants"`
}

// JoinResult is the reply to Join.
type JoinResult struct {
	Success     bool `json:"success"`
	PeersOnline int  `json:"peersOnline"`
}

// LeaveResult is the reply to Leave.
type LeaveResult struct {
	Success bool `json:"success"`
}

type peer struct {
	conn     actor.Conn
	userID   string
	userName string
	joinedAt int64
}

func (p *peer) info() PeerInfo {
	return PeerInfo{UserID: p.userID, UserName: p.userName}
}

// Grain is the signaling actor of one classroom. Peers are kept in join order
// and a user id maps to at most one socket.
type Grain struct {
	peers []*peer
}

// NewFactory builds signaling grains.
func NewFactory() actor.Factory {
	return func(string) actor.Grain {
		return &Grain{}
	}
}

// OnActivate has nothing to hydrate.
func (g *Grain) OnActivate(context.Context, *actor.Context) error {
	return nil
}

// Receive handles control calls and socket events.
func (g *Grain) Receive(_ context.Context, actx *actor.Context, message any) (any, error) {
	switch typed := message.(type) {
	case ListParticipants:
		return g.participants(), nil
	case Join:
		return JoinResult{Success: true, PeersOnline: len(g.peers)}, nil
	case Leave:
		g.leave(actx, typed.UserID)
		return LeaveResult{Success: true}, nil
	case actor.SocketOpened:
		g.open(actx, typed)
		return nil, nil
	case actor.SocketMessage:
		g.message(actx, typed)
		return nil, nil
	case actor.SocketClosed:
		g.drop(actx, typed.Conn)
		return nil, nil
	case actor.SocketErrored:
		actx.Logger().Warn("signaling socket error", zap.String(logging.FieldConnID, typed.Conn.ID()), zap.Error(typed.Err))
		g.drop(actx, typed.Conn)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %T", actor.ErrUnhandledMessage, message)
	}
}

func (g *Grain) participants() Participants {
	participants := make([]Participant, 0, len(g.peers))
	for _, current := range g.peers {
		participants = append(participants, Participant{
			UserID:   current.userID,
			UserName: current.userName,
			JoinedAt: current.joinedAt,
		})
	}
	return Participants{Count: len(participants), Participants: participants}
}

func (g *Grain) open(actx *actor.Context, opened actor.SocketOpened) {
	userID := opened.Params.Get(paramUserID)
	if userID == "" {
		userID = defaultUserID
	}
	userName := opened.Params.Get(paramUserName)
	if userName == "" {
		userName = defaultUserName
	}

	if stale := g.remove(g.indexByUser(userID)); stale != nil {
		if err := stale.conn.Close(CloseReplaced, "replaced"); err != nil {
			actx.Logger().Debug("closing replaced socket failed", zap.Error(err))
		}
	}

	joined := &peer{
		conn:     opened.Conn,
		userID:   userID,
		userName: userName,
		joinedAt: actx.Now().UnixMilli(),
	}
	existing := make([]PeerInfo, 0, len(g.peers))
	for _, current := range g.peers {
		existing = append(existing, current.info())
	}
	g.peers = append(g.peers, joined)

	g.send(actx, joined, peersEnvelope{Type: typePeers, Peers: existing})
	g.broadcast(actx, peerJoinedEnvelope{Type: typePeerJoined, Peer: joined.info()}, joined)
	actx.Logger().Debug("peer joined", zap.String("user_id", userID), zap.Int("peers", len(g.peers)))
}

func (g *Grain) message(actx *actor.Context, inbound actor.SocketMessage) {
	index := g.indexByConn(inbound.Conn)
	if index < 0 {
		return
	}
	sender := g.peers[index]
	frame, err := decodeFrame(inbound.Data)
	if err != nil {
		actx.Logger().Debug("dropping signaling frame", zap.String("user_id", sender.userID), zap.Error(err))
		return
	}

	switch typed := frame.(type) {
	case offerFrame:
		g.relay(actx, typed.TargetID, offerEnvelope{
			Type: typeOffer, From: sender.userID, FromName: sender.userName, Offer: typed.Offer,
		})
	case answerFrame:
		g.relay(actx, typed.TargetID, answerEnvelope{
			Type: typeAnswer, From: sender.userID, Answer: typed.Answer,
		})
	case iceCandidateFrame:
		g.relay(actx, typed.TargetID, iceCandidateEnvelope{
			Type: typeICECandidate, From: sender.userID, Candidate: typed.Candidate,
		})
	case chatFrame:
		g.broadcast(actx, chatEnvelope{
			Type:      typeChat,
			From:      sender.userID,
			FromName:  sender.userName,
			Message:   typed.Message,
			Timestamp: actx.Now().UnixMilli(),
		}, nil)
	case screenShareStartFrame:
		g.broadcast(actx, screenShareEnvelope{
			Type: typeScreenShareStart, From: sender.userID, FromName: sender.userName,
		}, sender)
	case screenShareStopFrame:
		g.broadcast(actx, screenShareEnvelope{Type: typeScreenShareStop, From: sender.userID}, sender)
	}
}

// relay delivers to the target's socket only. Absent targets drop the frame.
func (g *Grain) relay(actx *actor.Context, targetID string, envelope any) {
	index := g.indexByUser(targetID)
	if index < 0 {
		return
	}
	g.send(actx, g.peers[index], envelope)
}

func (g *Grain) leave(actx *actor.Context, userID string) {
	departed := g.remove(g.indexByUser(userID))
	if departed == nil {
		return
	}
	if err := departed.conn.Close(actor.CloseNormal, "Left classroom"); err != nil {
		actx.Logger().Debug("closing departed socket failed", zap.Error(err))
	}
	g.broadcast(actx, peerLeftEnvelope{Type: typePeerLeft, UserID: userID}, nil)
}

// drop forgets the socket's peer. Sockets already replaced are not in the
// directory and produce no notice.
func (g *Grain) drop(actx *actor.Context, conn actor.Conn) {
	departed := g.remove(g.indexByConn(conn))
	if departed == nil {
		return
	}
	g.broadcast(actx, peerLeftEnvelope{Type: typePeerLeft, UserID: departed.userID}, nil)
}

func (g *Grain) broadcast(actx *actor.Context, envelope any, exclude *peer) {
	payload, err := actor.Encode(envelope)
	if err != nil {
		actx.Logger().Error("encoding signaling envelope failed", zap.Error(err))
		return
	}
	for _, current := range g.peers {
		if current == exclude {
			continue
		}
		if err := current.conn.Send(payload); err != nil {
			actx.Logger().Debug("signaling send failed", zap.String("user_id", current.userID), zap.Error(err))
		}
	}
}

func (g *Grain) send(actx *actor.Context, target *peer, envelope any) {
	if err := actor.SendJSON(target.conn, envelope); err != nil {
		actx.Logger().Debug("signaling send failed", zap.String("user_id", target.userID), zap.Error(err))
	}
}

func (g *Grain) indexByUser(userID string) int {
	for index, current := range g.peers {
		if current.userID == userID {
			return index
		}
	}
	return -1
}

func (g *Grain) indexByConn(conn actor.Conn) int {
	for index, current := range g.peers {
		if current.conn.ID() == conn.ID() {
			return index
		}
	}
	return -1
}

func (g *Grain) remove(index int) *peer {
	if index < 0 {
		return nil
	}
	removed := g.peers[index]
	g.peers = append(g.peers[:index], g.peers[index+1:]...)
	return removed
}
