// Package api exposes the HTTP surface: the websocket endpoint and the history queries around it.
package api

import (
	"chat-relay/contract"
	"chat-relay/repositories"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const identityKey = "identity"

type Server struct {
	log         *slog.Logger
	registry    contract.IRegistry
	resolver    contract.IdentityResolver
	messages    repositories.IMessageRepository
	users       repositories.IUserRepository
	live        http.Handler
	pageSize    int
	started     time.Time
	httpRouter  *gin.Engine
	corsOrigins []string
}

func NewServer(log *slog.Logger, registry contract.IRegistry, resolver contract.IdentityResolver,
	messages repositories.IMessageRepository, users repositories.IUserRepository,
	live http.Handler, pageSize int, corsOrigins []string) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		log:         log.With("component", "api"),
		registry:    registry,
		resolver:    resolver,
		messages:    messages,
		users:       users,
		live:        live,
		pageSize:    max(pageSize, 1),
		started:     time.Now(),
		httpRouter:  gin.New(),
		corsOrigins: corsOrigins,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

func (s *Server) registerRoutes() {
	s.httpRouter.Use(gin.Recovery(), RequestLogger(s.log), RequestMetrics())
	s.httpRouter.Use(cors.New(s.corsConfig()))

	s.httpRouter.GET("/health", s.health)
	s.httpRouter.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.httpRouter.GET("/ws", gin.WrapH(s.live))

	authed := s.httpRouter.Group("/", s.authenticate)
	authed.GET("/msgs/:username", s.getMessages)
	authed.GET("/unread", s.getUnread)
	authed.POST("/read/:username", s.read)
	authed.GET("/lastseen/:username", s.lastSeen)
}

func (s *Server) corsConfig() cors.Config {
	config := cors.DefaultConfig()
	config.AllowCredentials = true
	config.AllowHeaders = append(config.AllowHeaders, "Authorization")
	if len(s.corsOrigins) == 0 || (len(s.corsOrigins) == 1 && s.corsOrigins[0] == "*") {
		config.AllowCredentials = false
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = s.corsOrigins
	}
	return config
}

func (s *Server) authenticate(c *gin.Context) {
	identity, err := s.resolver.Resolve(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityKey, identity)
	c.Next()
}
