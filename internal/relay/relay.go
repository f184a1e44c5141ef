// Package relay forwards negotiation payloads between the two participants
// of a call session. Payloads are opaque and are copied byte for byte.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"peerconnect-server/internal/model"
)

type Sessions interface {
	Get(ctx context.Context, sessionID string) (model.CallSession, error)
}

type Notifier interface {
	Send(ctx context.Context, identityID, event string, body any) error
}

type Relay struct {
	sessions Sessions
	notifier Notifier
	log      zerolog.Logger
}

func New(sessions Sessions, notifier Notifier, log zerolog.Logger) *Relay {
	return &Relay{
		sessions: sessions,
		notifier: notifier,
		log:      log.With().Str("component", "relay").Logger(),
	}
}

// Forward delivers payload from senderID to the other participant of
// sessionID as a signal.<kind> event. A missing session, a sender outside
// the session and an offline recipient are all normal under races; they are
// logged and the message is dropped.
func (r *Relay) Forward(ctx context.Context, senderID string, kind model.SignalKind, sessionID string, payload json.RawMessage) error {
	switch kind {
	case model.SignalOffer, model.SignalAnswer, model.SignalICE:
	default:
		return fmt.Errorf("signal kind %q: %w", kind, model.ErrBadRequest)
	}
	if sessionID == "" || len(bytes.TrimSpace(payload)) == 0 {
		return fmt.Errorf("signal.%s without session or payload: %w", kind, model.ErrBadRequest)
	}

	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return r.drop(err, senderID, kind, sessionID)
	}
	recipient := sess.Peer(senderID)
	if recipient == "" {
		return r.drop(fmt.Errorf("%s in %s: %w", senderID, sessionID, model.ErrNotAuthorized), senderID, kind, sessionID)
	}

	body, err := Body(sessionID, payload)
	if err != nil {
		return err
	}
	if err := r.notifier.Send(ctx, recipient, kind.Event(), body); err != nil {
		return r.drop(err, senderID, kind, sessionID)
	}
	return nil
}

func (r *Relay) drop(err error, senderID string, kind model.SignalKind, sessionID string) error {
	if errors.Is(err, model.ErrStoreUnavailable) {
		return err
	}
	r.log.Debug().Err(err).
		Str("sender", senderID).
		Str("session", sessionID).
		Str("kind", string(kind)).
		Msg("signal dropped")
	return nil
}

// Body builds {"sessionId":...,"payload":...} around payload without
// re-encoding it.
func Body(sessionID string, payload json.RawMessage) (json.RawMessage, error) {
	id, err := json.Marshal(sessionID)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.Grow(len(id) + len(payload) + 26)
	b.WriteString(`{"sessionId":`)
	b.Write(id)
	b.WriteString(`,"payload":`)
	b.Write(payload)
	b.WriteByte('}')
	return b.Bytes(), nil
}
