// Package session owns the lifecycle of a call between two identities:
// pending request, active call, and teardown. Each transition is a single
// script against the shared store so concurrent requests, accepts and ends
// from either side settle on one outcome.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"peerconnect-server/internal/model"
	"peerconnect-server/internal/store"
)

// Notifier delivers an event to one identity wherever it is connected.
type Notifier interface {
	Send(ctx context.Context, identityID, event string, body any) error
}

// Presence refreshes the available list after a transition.
type Presence interface {
	Broadcast(ctx context.Context)
}

type Queues struct {
	Incoming []model.Peer `json:"incoming"`
	Outgoing []model.Peer `json:"outgoing"`
}

type incomingBody struct {
	SessionID string     `json:"sessionId"`
	Caller    model.Peer `json:"caller"`
}

type acceptedBody struct {
	SessionID string     `json:"sessionId"`
	Peer      model.Peer `json:"peer"`
	Initiator bool       `json:"initiator"`
}

type rejectedBody struct {
	SessionID string `json:"sessionId"`
	CalleeID  string `json:"calleeId"`
}

type endedBody struct {
	SessionID string `json:"sessionId"`
}

type Registry struct {
	store    *store.Store
	notifier Notifier
	presence Presence
	log      zerolog.Logger
	now      func() time.Time
	newID    func() string
}

func New(st *store.Store, notifier Notifier, presence Presence, log zerolog.Logger) *Registry {
	return &Registry{
		store:    st,
		notifier: notifier,
		presence: presence,
		log:      log.With().Str("component", "session").Logger(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// RequestCall creates a pending session from callerID to calleeID. It fails
// with model.ErrNotAvailable when either side is offline, busy or already
// paired with the other.
func (r *Registry) RequestCall(ctx context.Context, callerID, calleeID string) (model.CallSession, error) {
	if callerID == calleeID {
		return model.CallSession{}, fmt.Errorf("request %s -> %s: %w", callerID, calleeID, model.ErrInvalidTarget)
	}

	sess := model.CallSession{
		ID:        r.newID(),
		CallerID:  callerID,
		CalleeID:  calleeID,
		State:     model.StatePending,
		CreatedAt: time.UnixMilli(r.now().UnixMilli()),
	}
	out, err := r.store.Eval(ctx, "request call", requestScript,
		sess.ID, callerID, calleeID, sess.CreatedAt.UnixMilli())
	if err != nil {
		return model.CallSession{}, err
	}
	switch out[0] {
	case "ok":
	case "conflict":
		return model.CallSession{}, fmt.Errorf("request %s -> %s: pair held by session %s: %w",
			callerID, calleeID, field(out, 1), model.ErrNotAvailable)
	case "not_available":
		return model.CallSession{}, fmt.Errorf("request %s -> %s: %s: %w",
			callerID, calleeID, field(out, 1), model.ErrNotAvailable)
	default:
		return model.CallSession{}, unexpected("request call", out)
	}

	r.log.Info().Str("session", sess.ID).Str("caller", callerID).Str("callee", calleeID).Msg("call requested")
	r.send(ctx, calleeID, model.EventCallIncoming, incomingBody{
		SessionID: sess.ID,
		Caller:    model.Peer{ID: callerID, DisplayName: field(out, 1)},
	})
	r.pushQueues(ctx, callerID, calleeID)
	r.presence.Broadcast(ctx)
	return sess, nil
}

// AcceptCall makes a pending session active. Only the callee may accept.
func (r *Registry) AcceptCall(ctx context.Context, sessionID, accepterID string) (model.CallSession, error) {
	out, err := r.store.Eval(ctx, "accept call", acceptScript, sessionID, accepterID)
	if err != nil {
		return model.CallSession{}, err
	}
	if err := statusErr("accept", sessionID, out); err != nil {
		return model.CallSession{}, err
	}
	sess := parseSession(out[1:])
	callerName, calleeName := field(out, 6), field(out, 7)

	r.log.Info().Str("session", sess.ID).Msg("call accepted")
	r.send(ctx, sess.CallerID, model.EventCallAccepted, acceptedBody{
		SessionID: sess.ID,
		Peer:      model.Peer{ID: sess.CalleeID, DisplayName: calleeName},
		Initiator: true,
	})
	r.send(ctx, sess.CalleeID, model.EventCallAccepted, acceptedBody{
		SessionID: sess.ID,
		Peer:      model.Peer{ID: sess.CallerID, DisplayName: callerName},
		Initiator: false,
	})
	r.pushQueues(ctx, sess.CallerID, sess.CalleeID)
	r.presence.Broadcast(ctx)
	return sess, nil
}

// RejectCall deletes a pending session. Only the callee may reject. Both
// participants are told.
func (r *Registry) RejectCall(ctx context.Context, sessionID, rejecterID string) (model.CallSession, error) {
	out, err := r.store.Eval(ctx, "reject call", rejectScript, sessionID, rejecterID)
	if err != nil {
		return model.CallSession{}, err
	}
	if err := statusErr("reject", sessionID, out); err != nil {
		return model.CallSession{}, err
	}
	sess := parseSession(out[1:])

	r.log.Info().Str("session", sess.ID).Msg("call rejected")
	body := rejectedBody{SessionID: sess.ID, CalleeID: sess.CalleeID}
	r.send(ctx, sess.CallerID, model.EventCallRejected, body)
	r.send(ctx, sess.CalleeID, model.EventCallRejected, body)
	r.pushQueues(ctx, sess.CallerID, sess.CalleeID)
	r.presence.Broadcast(ctx)
	return sess, nil
}

// EndCall deletes a pending or active session on behalf of either
// participant. A session that no longer exists has already ended, so that
// case succeeds without doing anything.
func (r *Registry) EndCall(ctx context.Context, sessionID, enderID string) error {
	out, err := r.store.Eval(ctx, "end call", endScript, sessionID, enderID)
	if err != nil {
		return err
	}
	if err := statusErr("end", sessionID, out); err != nil {
		if errors.Is(err, model.ErrSessionNotFound) {
			r.log.Debug().Str("session", sessionID).Str("identity", enderID).Msg("end of unknown session ignored")
			return nil
		}
		return err
	}
	sess := parseSession(out[1:])

	r.log.Info().Str("session", sess.ID).Str("by", enderID).Msg("call ended")
	r.notifyEnded(ctx, sess, sess.CallerID, sess.CalleeID)
	r.presence.Broadcast(ctx)
	return nil
}

// EndAllFor tears down every session identityID takes part in and leaves it
// unavailable. The other participant of each is told the call ended. It does
// not broadcast presence; the caller does once the identity's record is gone.
func (r *Registry) EndAllFor(ctx context.Context, identityID string) error {
	out, err := r.store.Eval(ctx, "end all", endAllScript, identityID)
	if err != nil {
		return err
	}
	if field(out, 0) != "ok" {
		return unexpected("end all", out)
	}
	for i := 1; i+5 <= len(out); i += 5 {
		sess := parseSession(out[i : i+5])
		r.log.Info().Str("session", sess.ID).Str("identity", identityID).Msg("call ended by disconnect")
		r.notifyEnded(ctx, sess, sess.Peer(identityID))
	}
	return nil
}

// Get returns the pending or active session sessionID.
func (r *Registry) Get(ctx context.Context, sessionID string) (model.CallSession, error) {
	var fields []any
	err := r.store.Do(ctx, "get session", func(ctx context.Context, rdb redis.Cmdable) error {
		var err error
		fields, err = rdb.HMGet(ctx, r.store.SessionKey(sessionID), "id", "callerId", "calleeId", "state", "createdAt").Result()
		return err
	})
	if err != nil {
		return model.CallSession{}, err
	}
	strs := make([]string, len(fields))
	for i, f := range fields {
		strs[i], _ = f.(string)
	}
	if strs[0] == "" {
		return model.CallSession{}, fmt.Errorf("session %s: %w", sessionID, model.ErrSessionNotFound)
	}
	return parseSession(strs), nil
}

// Requests returns the pending requests addressed to and sent by identityID.
func (r *Registry) Requests(ctx context.Context, identityID string) (Queues, error) {
	var incoming, outgoing []string
	names := map[string]*redis.StringCmd{}
	err := r.store.Do(ctx, "request queues", func(ctx context.Context, rdb redis.Cmdable) error {
		var err error
		if incoming, err = rdb.SMembers(ctx, r.store.IncomingKey(identityID)).Result(); err != nil {
			return err
		}
		if outgoing, err = rdb.SMembers(ctx, r.store.OutgoingKey(identityID)).Result(); err != nil {
			return err
		}
		if len(incoming)+len(outgoing) == 0 {
			return nil
		}
		pipe := rdb.Pipeline()
		for _, id := range append(append([]string{}, incoming...), outgoing...) {
			names[id] = pipe.HGet(ctx, r.store.PresenceKey(id), "displayName")
		}
		_, err = pipe.Exec(ctx)
		if errors.Is(err, redis.Nil) {
			err = nil
		}
		return err
	})
	if err != nil {
		return Queues{}, err
	}

	peers := func(ids []string) []model.Peer {
		out := make([]model.Peer, 0, len(ids))
		for _, id := range ids {
			out = append(out, model.Peer{ID: id, DisplayName: names[id].Val()})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out
	}
	return Queues{Incoming: peers(incoming), Outgoing: peers(outgoing)}, nil
}

// notifyEnded tells each of ids that sess is over and, for a request that
// never got answered, refreshes their queues.
func (r *Registry) notifyEnded(ctx context.Context, sess model.CallSession, ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		r.send(ctx, id, model.EventCallEnded, endedBody{SessionID: sess.ID})
	}
	if sess.State == model.StatePending {
		r.pushQueues(ctx, ids...)
	}
}

func (r *Registry) pushQueues(ctx context.Context, ids ...string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		q, err := r.Requests(ctx, id)
		if err != nil {
			r.log.Error().Err(err).Str("identity", id).Msg("request queues not pushed")
			continue
		}
		r.send(ctx, id, model.EventCallRequests, q)
	}
}

func (r *Registry) send(ctx context.Context, identityID, event string, body any) {
	err := r.notifier.Send(ctx, identityID, event, body)
	switch {
	case err == nil:
	case model.Expected(err):
		r.log.Debug().Err(err).Str("identity", identityID).Str("event", event).Msg("notification dropped")
	default:
		r.log.Error().Err(err).Str("identity", identityID).Str("event", event).Msg("notification failed")
	}
}

func statusErr(op, sessionID string, out []string) error {
	switch field(out, 0) {
	case "ok":
		return nil
	case "not_found":
		return fmt.Errorf("%s %s: %w", op, sessionID, model.ErrSessionNotFound)
	case "not_authorized":
		return fmt.Errorf("%s %s: %w", op, sessionID, model.ErrNotAuthorized)
	default:
		return unexpected(op, out)
	}
}

func unexpected(op string, out []string) error {
	return fmt.Errorf("%w: %s: unexpected reply %q", model.ErrStoreUnavailable, op, out)
}

func field(out []string, i int) string {
	if i < len(out) {
		return out[i]
	}
	return ""
}

// parseSession reads id, callerId, calleeId, state, createdAt.
func parseSession(f []string) model.CallSession {
	return model.CallSession{
		ID:        field(f, 0),
		CallerID:  field(f, 1),
		CalleeID:  field(f, 2),
		State:     model.SessionState(field(f, 3)),
		CreatedAt: store.Millis(field(f, 4)),
	}
}
