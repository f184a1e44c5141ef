package server

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"peerconnect-server/internal/auth"
	"peerconnect-server/internal/hub"
	"peerconnect-server/internal/middleware"
	"peerconnect-server/internal/presence"
	"peerconnect-server/internal/relay"
	"peerconnect-server/internal/routing"
	"peerconnect-server/internal/session"
	"peerconnect-server/internal/signaling"
	"peerconnect-server/internal/socketio"
	"peerconnect-server/internal/store"
)

type Options struct {
	ProcessID          string
	Verifier           auth.Verifier
	AllowedOrigins     []string
	HandshakeRateLimit int
	HeartbeatInterval  time.Duration
}

const defaultHeartbeat = 5 * time.Second

// App is one server process wired onto a shared store.
type App struct {
	ProcessID string
	Router    *routing.Router
	Presence  *presence.Directory
	Sessions  *session.Registry
	Socket    *socketio.Server
	Handler   *gin.Engine

	limiter   *middleware.RateLimiter
	heartbeat time.Duration
	stopBeat  context.CancelFunc
	log       zerolog.Logger
}

func NewApp(st *store.Store, opts Options, log zerolog.Logger) *App {
	h := hub.New()
	router := routing.New(opts.ProcessID, st, h, log)
	dir := presence.New(st, opts.ProcessID, router, log)
	reg := session.New(st, router, dir, log)
	dir.SetSessionEnder(reg)

	svc := signaling.New(signaling.Deps{
		Hub:      h,
		Presence: dir,
		Sessions: reg,
		Relay:    relay.New(reg, router, log),
		Log:      log,
	})
	socket := socketio.NewServer(socketio.Deps{
		Verifier:       opts.Verifier,
		Handler:        svc,
		AllowedOrigins: opts.AllowedOrigins,
		Log:            log,
	})
	limiter := middleware.NewRateLimiter(opts.HandshakeRateLimit, time.Minute)
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}

	return &App{
		ProcessID: opts.ProcessID,
		Router:    router,
		Presence:  dir,
		Sessions:  reg,
		Socket:    socket,
		Handler: NewRouter(Deps{
			Verifier:         opts.Verifier,
			Store:            st,
			Presence:         dir,
			Sessions:         reg,
			Socket:           socket,
			HandshakeLimiter: limiter,
			ProcessID:        opts.ProcessID,
			Log:              log,
		}),
		limiter:   limiter,
		heartbeat: opts.HeartbeatInterval,
		log:       log,
	}
}

// Start marks the process alive and subscribes it to cross-process
// deliveries. It must succeed before clients are accepted.
func (a *App) Start(ctx context.Context) error {
	if err := a.Presence.Heartbeat(ctx, 3*a.heartbeat); err != nil {
		return err
	}
	if err := a.Router.Start(ctx); err != nil {
		return err
	}
	beatCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopBeat = cancel
	go a.Presence.Maintain(beatCtx, a.heartbeat)
	return nil
}

// Stop disconnects every client, which releases their presence, and then
// stops cross-process delivery and the heartbeat.
func (a *App) Stop(ctx context.Context) error {
	err := a.Socket.Shutdown(ctx)
	a.Router.Stop()
	if a.stopBeat != nil {
		a.stopBeat()
	}
	a.limiter.Stop()
	return err
}
