// Package store wraps the shared Redis instance that every server process
// uses for presence, call sessions and cross-process fan-out.
//
// All calls are bounded by Options.Timeout. A timeout or transport error is
// reported as model.ErrStoreUnavailable; redis.Nil is passed through so
// callers can tell "missing" from "failed".
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"peerconnect-server/internal/model"
)

const defaultTimeout = 2 * time.Second

type Options struct {
	Prefix  string
	Timeout time.Duration
}

type Store struct {
	rdb     redis.UniversalClient
	prefix  string
	timeout time.Duration
}

func New(rdb redis.UniversalClient, opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &Store{rdb: rdb, prefix: opts.Prefix, timeout: opts.Timeout}
}

// Open connects to the Redis instance at rawURL and checks it is reachable.
func Open(ctx context.Context, rawURL string, opts Options) (*Store, error) {
	ropts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	s := New(redis.NewClient(ropts), opts)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func (s *Store) Prefix() string { return s.prefix }

func (s *Store) Key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

func (s *Store) Channel(name string) string {
	return s.prefix + "chan:" + name
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Do(ctx, "ping", func(ctx context.Context, rdb redis.Cmdable) error {
		return rdb.Ping(ctx).Err()
	})
}

// Do runs fn against the client under the store timeout.
func (s *Store) Do(ctx context.Context, op string, fn func(ctx context.Context, rdb redis.Cmdable) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.wrap(op, fn(ctx, s.rdb))
}

// Eval runs script atomically with the key prefix as ARGV[1] followed by args.
// Scripts reply with a flat array; each element is returned as a string.
func (s *Store) Eval(ctx context.Context, op string, script *redis.Script, args ...any) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	argv := make([]any, 0, len(args)+1)
	argv = append(argv, s.prefix)
	argv = append(argv, args...)

	res, err := script.Run(ctx, s.rdb, nil, argv...).Result()
	if err != nil {
		return nil, s.wrap(op, err)
	}
	return toStrings(res)
}

func (s *Store) Publish(ctx context.Context, channel string, payload []byte) error {
	return s.Do(ctx, "publish", func(ctx context.Context, rdb redis.Cmdable) error {
		return rdb.Publish(ctx, channel, payload).Err()
	})
}

// Subscribe opens a subscription and waits until Redis confirms it, so that
// messages published after Subscribe returns are not missed.
func (s *Store) Subscribe(ctx context.Context, channels ...string) (*redis.PubSub, error) {
	ps := s.rdb.Subscribe(ctx, channels...)

	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	for range channels {
		if _, err := ps.Receive(waitCtx); err != nil {
			_ = ps.Close()
			return nil, s.wrap("subscribe", err)
		}
	}
	return ps, nil
}

func (s *Store) wrap(op string, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", model.ErrStoreUnavailable, op, err)
}

func toStrings(res any) ([]string, error) {
	items, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected script reply %T", model.ErrStoreUnavailable, res)
	}
	out := make([]string, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case string:
			out[i] = v
		case int64:
			out[i] = strconv.FormatInt(v, 10)
		case nil:
			out[i] = ""
		default:
			return nil, fmt.Errorf("%w: unexpected script reply element %T", model.ErrStoreUnavailable, item)
		}
	}
	return out, nil
}

// Millis parses a millisecond timestamp written by the scripts.
func Millis(raw string) time.Time {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
