// Package presence keeps the shared directory of online identities: which
// process and connection own each one and whether it can currently take a
// call.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"peerconnect-server/internal/model"
	"peerconnect-server/internal/store"
)

// Notifier fans an event out to every connected client.
type Notifier interface {
	Broadcast(ctx context.Context, event string, body any) error
}

// SessionEnder tears down every session an identity takes part in. It is run
// before the identity's record is removed.
type SessionEnder interface {
	EndAllFor(ctx context.Context, identityID string) error
}

// ARGV[2] identity, ARGV[3] '1' or '0', ARGV[4] now in ms.
var setAvailableScript = redis.NewScript(`
local p = ARGV[1]
local key = p .. 'presence:' .. ARGV[2]
if redis.call('EXISTS', key) == 0 then
  return {'offline'}
end
if ARGV[3] == '1' then
  if redis.call('SCARD', p .. 'sessions:' .. ARGV[2]) > 0 then
    return {'busy'}
  end
  redis.call('HSET', key, 'available', '1', 'lastSeen', ARGV[4])
  redis.call('SADD', p .. 'available', ARGV[2])
else
  redis.call('HSET', key, 'available', '0', 'lastSeen', ARGV[4])
  redis.call('SREM', p .. 'available', ARGV[2])
end
return {'ok'}
`)

// ARGV[2] identity, ARGV[3] closing ConnRef or '' for any. With a ref the
// record is only removed while that ref still owns it and no other
// connection has registered since.
var markOfflineScript = redis.NewScript(`
local p, id, ref = ARGV[1], ARGV[2], ARGV[3]
local key = p .. 'presence:' .. id
local conns = p .. 'conns:' .. id
if redis.call('EXISTS', key) == 0 then
  return {'offline'}
end
if ref ~= '' then
  local owner = redis.call('HMGET', key, 'processId', 'connectionId')
  if (owner[1] or '') .. '|' .. (owner[2] or '') ~= ref or redis.call('ZCARD', conns) > 0 then
    return {'stale'}
  end
end
redis.call('DEL', key, conns)
redis.call('SREM', p .. 'online', id)
redis.call('SREM', p .. 'available', id)
return {'ok'}
`)

// ARGV[2] identity, ARGV[3] closing ConnRef, ARGV[4] now in ms.
// The record moves to the newest surviving connection on any process.
var releaseScript = redis.NewScript(`
local p, id, ref = ARGV[1], ARGV[2], ARGV[3]
local key = p .. 'presence:' .. id
local conns = p .. 'conns:' .. id
redis.call('ZREM', conns, ref)
if redis.call('EXISTS', key) == 0 then
  return {'stale'}
end
local owner = redis.call('HMGET', key, 'processId', 'connectionId')
if (owner[1] or '') .. '|' .. (owner[2] or '') ~= ref then
  return {'stale'}
end
local succ = redis.call('ZREVRANGE', conns, 0, 0)[1]
if not succ then
  return {'last'}
end
local sep = string.find(succ, '|', 1, true)
redis.call('HSET', key,
  'processId', string.sub(succ, 1, sep - 1),
  'connectionId', string.sub(succ, sep + 1),
  'lastSeen', ARGV[4])
return {'repointed', succ}
`)

var recordFields = []string{"id", "email", "displayName", "processId", "connectionId", "available", "lastSeen"}

type Directory struct {
	store     *store.Store
	processID string
	notifier  Notifier
	ender     SessionEnder
	log       zerolog.Logger
	now       func() time.Time
}

func New(st *store.Store, processID string, notifier Notifier, log zerolog.Logger) *Directory {
	return &Directory{
		store:     st,
		processID: processID,
		notifier:  notifier,
		log:       log.With().Str("component", "presence").Logger(),
		now:       time.Now,
	}
}

// SetSessionEnder installs the cascade run by MarkOffline. It must be called
// before the directory is used.
func (d *Directory) SetSessionEnder(ender SessionEnder) {
	d.ender = ender
}

// MarkOnline writes the record for identity owned by connectionRef on this
// process. A fresh connection is never available until it says so.
func (d *Directory) MarkOnline(ctx context.Context, identity model.Identity, connectionRef string) error {
	now := strconv.FormatInt(d.now().UnixMilli(), 10)
	err := d.store.Do(ctx, "mark online", func(ctx context.Context, rdb redis.Cmdable) error {
		_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, d.store.PresenceKey(identity.ID),
				"id", identity.ID,
				"email", identity.Email,
				"displayName", identity.DisplayName,
				"processId", d.processID,
				"connectionId", connectionRef,
				"available", "0",
				"lastSeen", now,
			)
			pipe.ZAdd(ctx, d.store.ConnsKey(identity.ID), redis.Z{
				Score:  float64(d.now().UnixMilli()),
				Member: store.ConnRef(d.processID, connectionRef),
			})
			pipe.SAdd(ctx, d.store.OnlineKey(), identity.ID)
			pipe.SRem(ctx, d.store.AvailableKey(), identity.ID)
			return nil
		})
		return err
	})
	if err != nil {
		return err
	}
	d.log.Info().Str("identity", identity.ID).Str("connection", connectionRef).Msg("online")
	d.Broadcast(ctx)
	return nil
}

// SetAvailable flips the available flag. Unknown identities and a request to
// become available while still in a call are ignored.
func (d *Directory) SetAvailable(ctx context.Context, identityID string, available bool) error {
	flag := "0"
	if available {
		flag = "1"
	}
	out, err := d.store.Eval(ctx, "set available", setAvailableScript,
		identityID, flag, d.now().UnixMilli())
	if err != nil {
		return err
	}
	switch out[0] {
	case "ok":
		d.Broadcast(ctx)
	case "offline":
		d.log.Debug().Str("identity", identityID).Msg("set available ignored, identity offline")
	case "busy":
		d.log.Debug().Str("identity", identityID).Msg("set available ignored, identity in a call")
	}
	return nil
}

// MarkOffline ends every session the identity takes part in and then deletes
// its record.
func (d *Directory) MarkOffline(ctx context.Context, identityID string) error {
	return d.markOffline(ctx, identityID, "")
}

// Release is the disconnect path for connectionRef on this process. The
// identity stays online while any of its connections on any process is
// open; the record then moves to the newest of them. The last release runs
// the offline cascade.
func (d *Directory) Release(ctx context.Context, identityID, connectionRef string) error {
	return d.release(ctx, identityID, store.ConnRef(d.processID, connectionRef))
}

func (d *Directory) release(ctx context.Context, identityID, ref string) error {
	out, err := d.store.Eval(ctx, "release", releaseScript, identityID, ref, d.now().UnixMilli())
	if err != nil {
		return err
	}
	switch out[0] {
	case "last":
		return d.markOffline(ctx, identityID, ref)
	case "repointed":
		d.log.Debug().Str("identity", identityID).Str("owner", out[1]).Msg("presence moved to surviving connection")
	default:
		d.log.Debug().Str("identity", identityID).Str("connection", ref).Msg("release of non-owning connection")
	}
	return nil
}

func (d *Directory) markOffline(ctx context.Context, identityID, ref string) error {
	if d.ender != nil {
		if err := d.ender.EndAllFor(ctx, identityID); err != nil {
			return fmt.Errorf("end sessions for %s: %w", identityID, err)
		}
	}
	out, err := d.store.Eval(ctx, "mark offline", markOfflineScript, identityID, ref)
	if err != nil {
		return err
	}
	switch out[0] {
	case "ok":
		d.log.Info().Str("identity", identityID).Msg("offline")
	case "stale":
		// a newer connection took the record over while the sessions were ended
		d.log.Debug().Str("identity", identityID).Msg("record owned by newer connection, kept")
	}
	d.Broadcast(ctx)
	return nil
}

// Heartbeat marks this process alive for ttl. Connections of a process
// whose heartbeat has lapsed are reclaimed by Sweep on any other process.
func (d *Directory) Heartbeat(ctx context.Context, ttl time.Duration) error {
	return d.store.Do(ctx, "heartbeat", func(ctx context.Context, rdb redis.Cmdable) error {
		return rdb.Set(ctx, d.store.ProcessKey(d.processID), d.now().UnixMilli(), ttl).Err()
	})
}

// Sweep releases every connection registered by a process other than this
// one that no longer heartbeats, and reports how many it released.
func (d *Directory) Sweep(ctx context.Context) (int, error) {
	var ids []string
	var refs []*redis.StringSliceCmd
	err := d.store.Do(ctx, "sweep", func(ctx context.Context, rdb redis.Cmdable) error {
		var err error
		ids, err = rdb.SMembers(ctx, d.store.OnlineKey()).Result()
		if err != nil || len(ids) == 0 {
			return err
		}
		pipe := rdb.Pipeline()
		for _, id := range ids {
			refs = append(refs, pipe.ZRange(ctx, d.store.ConnsKey(id), 0, -1))
		}
		_, err = pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	alive := map[string]bool{d.processID: true}
	released := 0
	for i, cmd := range refs {
		for _, ref := range cmd.Val() {
			pid, _, ok := strings.Cut(ref, "|")
			if !ok {
				continue
			}
			live, seen := alive[pid]
			if !seen {
				if live, err = d.processAlive(ctx, pid); err != nil {
					return released, err
				}
				alive[pid] = live
			}
			if live {
				continue
			}
			if err := d.release(ctx, ids[i], ref); err != nil {
				return released, err
			}
			d.log.Info().Str("identity", ids[i]).Str("process", pid).Msg("reclaimed connection of dead process")
			released++
		}
	}
	return released, nil
}

func (d *Directory) processAlive(ctx context.Context, processID string) (bool, error) {
	var n int64
	err := d.store.Do(ctx, "process alive", func(ctx context.Context, rdb redis.Cmdable) error {
		var err error
		n, err = rdb.Exists(ctx, d.store.ProcessKey(processID)).Result()
		return err
	})
	return n > 0, err
}

// Maintain heartbeats every interval and sweeps dead processes until ctx is
// done. The heartbeat lives for three intervals.
func (d *Directory) Maintain(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := d.Heartbeat(ctx, 3*interval); err != nil {
			d.log.Error().Err(err).Msg("heartbeat failed")
			continue
		}
		if _, err := d.Sweep(ctx); err != nil {
			d.log.Error().Err(err).Msg("sweep failed")
		}
	}
}

// Lookup returns the record for identityID; ok is false when it is offline.
func (d *Directory) Lookup(ctx context.Context, identityID string) (model.PresenceRecord, bool, error) {
	var fields []any
	err := d.store.Do(ctx, "lookup", func(ctx context.Context, rdb redis.Cmdable) error {
		var err error
		fields, err = rdb.HMGet(ctx, d.store.PresenceKey(identityID), recordFields...).Result()
		return err
	})
	if err != nil {
		return model.PresenceRecord{}, false, err
	}
	rec, ok := parseRecord(fields)
	return rec, ok, nil
}

// ListAvailable returns the available identities except excluding, ordered
// by id. The result may be slightly stale.
func (d *Directory) ListAvailable(ctx context.Context, excluding string) ([]model.PresenceRecord, error) {
	var cmds []*redis.SliceCmd
	err := d.store.Do(ctx, "list available", func(ctx context.Context, rdb redis.Cmdable) error {
		ids, err := rdb.SMembers(ctx, d.store.AvailableKey()).Result()
		if err != nil || len(ids) == 0 {
			return err
		}
		pipe := rdb.Pipeline()
		for _, id := range ids {
			if id == excluding {
				continue
			}
			cmds = append(cmds, pipe.HMGet(ctx, d.store.PresenceKey(id), recordFields...))
		}
		if len(cmds) == 0 {
			return nil
		}
		_, err = pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.PresenceRecord, 0, len(cmds))
	for _, cmd := range cmds {
		rec, ok := parseRecord(cmd.Val())
		if !ok || !rec.Available {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.ID < out[j].Identity.ID })
	return out, nil
}

// Broadcast pushes the current available list to every client. Failures are
// logged; the next mutation sends a fresh list.
func (d *Directory) Broadcast(ctx context.Context) {
	list, err := d.ListAvailable(ctx, "")
	if err != nil {
		d.log.Error().Err(err).Msg("presence broadcast skipped")
		return
	}
	if err := d.notifier.Broadcast(ctx, model.EventListPresence, Peers(list)); err != nil {
		d.log.Error().Err(err).Msg("presence broadcast failed")
	}
}

// Peers projects records onto the identities shown to clients. The result is
// never nil so it encodes as [].
func Peers(records []model.PresenceRecord) []model.Peer {
	out := make([]model.Peer, 0, len(records))
	for _, r := range records {
		out = append(out, r.Identity.Peer())
	}
	return out
}

func parseRecord(fields []any) (model.PresenceRecord, bool) {
	str := func(i int) string {
		if i >= len(fields) {
			return ""
		}
		s, _ := fields[i].(string)
		return s
	}
	if str(0) == "" {
		return model.PresenceRecord{}, false
	}
	return model.PresenceRecord{
		Identity: model.Identity{
			ID:          str(0),
			Email:       str(1),
			DisplayName: str(2),
		},
		ProcessID:    str(3),
		ConnectionID: str(4),
		Available:    str(5) == "1",
		LastSeen:     store.Millis(str(6)),
	}, true
}
