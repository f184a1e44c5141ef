// Package routing delivers events to identities wherever their connection
// lives. A target owned by this process is written straight into the local
// hub; any other target is published to the owning process's channel and
// delivered by that process's subscription loop. Delivery is best effort and
// at most once.
package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"peerconnect-server/internal/hub"
	"peerconnect-server/internal/model"
	"peerconnect-server/internal/store"
)

const broadcastChannel = "broadcast"

type Target struct {
	IdentityID   string
	ProcessID    string
	ConnectionID string
	Local        bool
}

// envelope is the cross-process message. Body is carried as a byte string so
// the encoded JSON arrives byte for byte.
type envelope struct {
	Origin       string `cbor:"o"`
	IdentityID   string `cbor:"i,omitempty"`
	ConnectionID string `cbor:"c,omitempty"`
	Event        string `cbor:"e"`
	Body         []byte `cbor:"b"`
}

type Router struct {
	processID string
	store     *store.Store
	hub       *hub.Hub
	log       zerolog.Logger

	mu   sync.Mutex
	ps   *redis.PubSub
	done chan struct{}
}

func New(processID string, st *store.Store, h *hub.Hub, log zerolog.Logger) *Router {
	return &Router{
		processID: processID,
		store:     st,
		hub:       h,
		log:       log.With().Str("component", "router").Str("process", processID).Logger(),
	}
}

func (r *Router) ProcessID() string { return r.processID }

func (r *Router) Hub() *hub.Hub { return r.hub }

// Resolve finds where identityID is connected. It returns model.ErrRoutingMiss
// if the identity has no presence record.
func (r *Router) Resolve(ctx context.Context, identityID string) (Target, error) {
	var fields []any
	err := r.store.Do(ctx, "resolve", func(ctx context.Context, rdb redis.Cmdable) error {
		var err error
		fields, err = rdb.HMGet(ctx, r.store.PresenceKey(identityID), "processId", "connectionId").Result()
		return err
	})
	if err != nil {
		return Target{}, err
	}
	processID, _ := fields[0].(string)
	connectionID, _ := fields[1].(string)
	if processID == "" {
		return Target{}, fmt.Errorf("resolve %s: %w", identityID, model.ErrRoutingMiss)
	}
	return Target{
		IdentityID:   identityID,
		ProcessID:    processID,
		ConnectionID: connectionID,
		Local:        processID == r.processID,
	}, nil
}

// Send delivers event to identityID. body may be a json.RawMessage, which is
// passed through untouched, or any value encoding/json can marshal.
func (r *Router) Send(ctx context.Context, identityID, event string, body any) error {
	raw, err := encodeBody(body)
	if err != nil {
		return err
	}
	target, err := r.Resolve(ctx, identityID)
	if err != nil {
		return err
	}
	if target.Local {
		if err := r.hub.Emit(target.IdentityID, target.ConnectionID, event, raw); err != nil {
			return fmt.Errorf("deliver %s to %s: %w", event, identityID, model.ErrRoutingMiss)
		}
		return nil
	}
	return r.publish(ctx, r.store.Channel("proc:"+target.ProcessID), envelope{
		Origin:       r.processID,
		IdentityID:   target.IdentityID,
		ConnectionID: target.ConnectionID,
		Event:        event,
		Body:         raw,
	})
}

// Broadcast delivers event to every connection on every process, this one
// included.
func (r *Router) Broadcast(ctx context.Context, event string, body any) error {
	raw, err := encodeBody(body)
	if err != nil {
		return err
	}
	return r.publish(ctx, r.store.Channel(broadcastChannel), envelope{
		Origin: r.processID,
		Event:  event,
		Body:   raw,
	})
}

func (r *Router) publish(ctx context.Context, channel string, env envelope) error {
	data, err := cbor.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return r.store.Publish(ctx, channel, data)
}

// Start subscribes to this process's channel and the broadcast channel and
// delivers incoming envelopes until Stop is called.
func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ps != nil {
		return errors.New("router already started")
	}

	ps, err := r.store.Subscribe(ctx, r.store.Channel("proc:"+r.processID), r.store.Channel(broadcastChannel))
	if err != nil {
		return err
	}
	r.ps = ps
	r.done = make(chan struct{})
	go r.loop(ps, r.done)
	r.log.Info().Msg("router subscribed")
	return nil
}

func (r *Router) Stop() {
	r.mu.Lock()
	ps, done := r.ps, r.done
	r.ps, r.done = nil, nil
	r.mu.Unlock()
	if ps == nil {
		return
	}
	_ = ps.Close()
	<-done
}

func (r *Router) loop(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	for msg := range ps.Channel() {
		r.dispatch([]byte(msg.Payload))
	}
}

func (r *Router) dispatch(data []byte) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		r.log.Warn().Err(err).Msg("dropping undecodable envelope")
		return
	}
	if env.IdentityID == "" {
		r.hub.EmitAll(env.Event, env.Body)
		return
	}
	if err := r.hub.Emit(env.IdentityID, env.ConnectionID, env.Event, env.Body); err != nil {
		r.log.Debug().
			Str("identity", env.IdentityID).
			Str("event", env.Event).
			Str("origin", env.Origin).
			Msg("routing miss, dropped")
	}
}

func encodeBody(body any) (json.RawMessage, error) {
	switch v := body.(type) {
	case json.RawMessage:
		return v, nil
	case nil:
		return json.RawMessage("{}"), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		return raw, nil
	}
}
