// Package signaling maps transport events onto presence, session and relay
// operations for one authenticated connection.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"peerconnect-server/internal/hub"
	"peerconnect-server/internal/model"
	"peerconnect-server/internal/presence"
	"peerconnect-server/internal/session"
	"peerconnect-server/internal/socketio"
)

type Presence interface {
	MarkOnline(ctx context.Context, identity model.Identity, connectionRef string) error
	SetAvailable(ctx context.Context, identityID string, available bool) error
	Release(ctx context.Context, identityID, connectionRef string) error
	ListAvailable(ctx context.Context, excluding string) ([]model.PresenceRecord, error)
}

type Sessions interface {
	RequestCall(ctx context.Context, callerID, calleeID string) (model.CallSession, error)
	AcceptCall(ctx context.Context, sessionID, accepterID string) (model.CallSession, error)
	RejectCall(ctx context.Context, sessionID, rejecterID string) (model.CallSession, error)
	EndCall(ctx context.Context, sessionID, enderID string) error
	Requests(ctx context.Context, identityID string) (session.Queues, error)
}

type Relay interface {
	Forward(ctx context.Context, senderID string, kind model.SignalKind, sessionID string, payload json.RawMessage) error
}

type Deps struct {
	Hub      *hub.Hub
	Presence Presence
	Sessions Sessions
	Relay    Relay
	Log      zerolog.Logger
}

type Service struct {
	hub      *hub.Hub
	presence Presence
	sessions Sessions
	relay    Relay
	log      zerolog.Logger
}

var _ socketio.Handler = (*Service)(nil)

func New(deps Deps) *Service {
	return &Service{
		hub:      deps.Hub,
		presence: deps.Presence,
		sessions: deps.Sessions,
		relay:    deps.Relay,
		log:      deps.Log.With().Str("component", "signaling").Logger(),
	}
}

type availableArgs struct {
	Available *bool `json:"available"`
}

type targetArgs struct {
	TargetID string `json:"targetId"`
}

type sessionArgs struct {
	SessionID string `json:"sessionId"`
}

type signalArgs struct {
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

type sessionReply struct {
	SessionID string `json:"sessionId"`
}

type unavailableBody struct {
	SessionID string `json:"sessionId,omitempty"`
	TargetID  string `json:"targetId,omitempty"`
	Reason    string `json:"reason"`
}

type errorBody struct {
	Message string `json:"message"`
}

// client is the part of a transport connection the service needs.
type client interface {
	hub.Sink
	ID() string
	Identity() model.Identity
}

func (s *Service) Connected(ctx context.Context, c *socketio.Conn) error {
	return s.connect(ctx, c)
}

// Disconnected releases the identity's presence before returning so peers
// are told about ended calls as part of the connection teardown.
func (s *Service) Disconnected(ctx context.Context, c *socketio.Conn) {
	s.disconnect(ctx, c)
}

func (s *Service) HandleEvent(ctx context.Context, c *socketio.Conn, event string, args []json.RawMessage) (any, error) {
	return s.handle(ctx, c, event, args)
}

func (s *Service) connect(ctx context.Context, c client) error {
	identity := c.Identity()
	s.hub.Register(&hub.Connection{ID: c.ID(), IdentityID: identity.ID, Sink: c})
	if err := s.presence.MarkOnline(ctx, identity, c.ID()); err != nil {
		return err
	}
	s.emit(c, model.EventUserOnline, identity.Peer())
	return nil
}

func (s *Service) disconnect(ctx context.Context, c client) {
	identity := c.Identity()
	s.hub.Unregister(&hub.Connection{ID: c.ID(), IdentityID: identity.ID})
	if err := s.presence.Release(ctx, identity.ID, c.ID()); err != nil {
		s.log.Error().Err(err).Str("identity", identity.ID).Msg("release failed")
	}
}

func (s *Service) handle(ctx context.Context, c client, event string, args []json.RawMessage) (any, error) {
	identity := c.Identity()
	data, err := s.dispatch(ctx, c, identity, event, args)
	if err == nil {
		return data, nil
	}

	log := s.log.With().Str("identity", identity.ID).Str("event", event).Logger()
	switch {
	case model.Expected(err):
		log.Debug().Err(err).Msg("event refused")
	case errors.Is(err, model.ErrStoreUnavailable):
		log.Error().Err(err).Msg("event failed")
		s.emit(c, model.EventError, errorBody{Message: "Internal error"})
	default:
		log.Error().Err(err).Msg("event failed")
	}
	return nil, err
}

func (s *Service) dispatch(ctx context.Context, c client, identity model.Identity, event string, args []json.RawMessage) (any, error) {
	switch event {
	case model.EventSetAvailable:
		var in availableArgs
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		if in.Available == nil {
			return nil, fmt.Errorf("%s without available: %w", event, model.ErrBadRequest)
		}
		return nil, s.presence.SetAvailable(ctx, identity.ID, *in.Available)

	case model.EventListPresence:
		list, err := s.presence.ListAvailable(ctx, identity.ID)
		if err != nil {
			return nil, err
		}
		return presence.Peers(list), nil

	case model.EventCallRequest:
		var in targetArgs
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		if in.TargetID == "" {
			return nil, fmt.Errorf("%s without targetId: %w", event, model.ErrBadRequest)
		}
		sess, err := s.sessions.RequestCall(ctx, identity.ID, in.TargetID)
		if err != nil {
			if errors.Is(err, model.ErrNotAvailable) || errors.Is(err, model.ErrInvalidTarget) {
				s.emit(c, model.EventCallUnavailable, unavailableBody{TargetID: in.TargetID, Reason: model.Code(err)})
			}
			return nil, err
		}
		return sessionReply{SessionID: sess.ID}, nil

	case model.EventCallAccept, model.EventCallReject:
		var in sessionArgs
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		if in.SessionID == "" {
			return nil, fmt.Errorf("%s without sessionId: %w", event, model.ErrBadRequest)
		}
		var err error
		if event == model.EventCallAccept {
			_, err = s.sessions.AcceptCall(ctx, in.SessionID, identity.ID)
		} else {
			_, err = s.sessions.RejectCall(ctx, in.SessionID, identity.ID)
		}
		if err != nil {
			if errors.Is(err, model.ErrSessionNotFound) || errors.Is(err, model.ErrNotAuthorized) {
				s.emit(c, model.EventCallUnavailable, unavailableBody{SessionID: in.SessionID, Reason: model.Code(err)})
			}
			return nil, err
		}
		return sessionReply{SessionID: in.SessionID}, nil

	case model.EventCallEnd:
		var in sessionArgs
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		if in.SessionID == "" {
			return nil, fmt.Errorf("%s without sessionId: %w", event, model.ErrBadRequest)
		}
		return nil, s.sessions.EndCall(ctx, in.SessionID, identity.ID)

	case model.EventCallRequests:
		return s.sessions.Requests(ctx, identity.ID)

	case model.EventSignalOffer, model.EventSignalAnswer, model.EventSignalICE:
		var in signalArgs
		if err := decode(args, &in); err != nil {
			return nil, err
		}
		kind := model.SignalKind(event[len("signal."):])
		return nil, s.relay.Forward(ctx, identity.ID, kind, in.SessionID, in.Payload)

	default:
		return nil, fmt.Errorf("unknown event %q: %w", event, model.ErrBadRequest)
	}
}

func (s *Service) emit(c client, event string, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("encode failed")
		return
	}
	if err := c.Emit(event, raw); err != nil {
		s.log.Debug().Err(err).Str("event", event).Msg("emit to sender failed")
	}
}

func decode(args []json.RawMessage, v any) error {
	if len(args) == 0 {
		return fmt.Errorf("missing argument: %w", model.ErrBadRequest)
	}
	if err := json.Unmarshal(args[0], v); err != nil {
		return fmt.Errorf("invalid argument: %v: %w", err, model.ErrBadRequest)
	}
	return nil
}
