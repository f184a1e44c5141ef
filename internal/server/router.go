package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"peerconnect-server/internal/auth"
	"peerconnect-server/internal/handler"
	"peerconnect-server/internal/middleware"
)

type Deps struct {
	Verifier         auth.Verifier
	Store            handler.Pinger
	Presence         handler.PresenceLister
	Sessions         handler.RequestQueues
	Socket           http.Handler
	HandshakeLimiter *middleware.RateLimiter
	ProcessID        string
	Log              zerolog.Logger
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger(deps.Log))

	healthHandler := &handler.HealthHandler{Store: deps.Store, ProcessID: deps.ProcessID}
	r.GET("/health", healthHandler.Check)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.Verifier))

	presenceHandler := &handler.PresenceHandler{Presence: deps.Presence}
	protected.GET("/presence", presenceHandler.List)

	callHandler := &handler.CallHandler{Sessions: deps.Sessions}
	protected.GET("/calls/requests", callHandler.Requests)

	socket := gin.WrapH(deps.Socket)
	if deps.HandshakeLimiter != nil {
		r.GET("/socket.io/", middleware.RateLimit(deps.HandshakeLimiter, deps.Log), socket)
	} else {
		r.GET("/socket.io/", socket)
	}

	return r
}
