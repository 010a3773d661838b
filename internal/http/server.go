package http

import (
	"context"
	"github.com/gin-gonic/gin"
	"moff.io/moff-connect/internal/chains"
	"moff.io/moff-connect/internal/config"
	"moff.io/moff-connect/pkg/log"
	"moff.io/moff-connect/pkg/log/middleware"
	"net/http"
	"time"
)

// Limiter decides whether a client may open another websocket.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Pages is the websocket endpoint.
type Pages interface {
	http.Handler
	Pages() int64
}

type Server struct {
	listen    string
	pages     Pages
	validator *chains.Validator
	limiter   Limiter
	engine    *gin.Engine
	srv       *http.Server
}

// NewServer builds the router. limiter may be nil.
func NewServer(pages Pages, validator *chains.Validator, limiter Limiter) *Server {
	s := &Server{
		listen:    defaultListen,
		pages:     pages,
		validator: validator,
		limiter:   limiter,
	}
	router := gin.New()
	router.Use(middleware.RecoveredHTTPLog())
	// the websocket outlives any request timeout
	router.GET("/ws", s.limitHandshake, s.serveWS)
	api := router.Group("/", middleware.TimeoutHTTP())
	api.GET("/networks", s.networks)
	api.GET("/healthz", s.healthz)
	s.engine = router
	return s
}

const defaultListen = ":8080"

// Apply takes the listen address from conf.
func (s *Server) Apply(conf *config.Configuration) {
	if conf.HTTP.Listen != "" {
		s.listen = conf.HTTP.Listen
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) limitHandshake(ctx *gin.Context) {
	if s.limiter == nil {
		ctx.Next()
		return
	}
	allowed, err := s.limiter.Allow(ctx.Request.Context(), ctx.ClientIP())
	if err != nil {
		log.Warnf("handshake limiter:%v", err)
	}
	if !allowed {
		ctx.AbortWithStatusJSON(http.StatusTooManyRequests, map[string]interface{}{
			"code": 4290,
			"msg":  "too many connections",
		})
		return
	}
	ctx.Next()
}

func (s *Server) serveWS(ctx *gin.Context) {
	s.pages.ServeHTTP(ctx.Writer, ctx.Request)
}

func (s *Server) networks(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, map[string]interface{}{
		"code":     0,
		"networks": s.validator.Networks(),
	})
}

func (s *Server) healthz(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, map[string]interface{}{
		"code":  0,
		"msg":   "ok",
		"pages": s.pages.Pages(),
	})
}

// Start serves until ctx ends.
func (s *Server) Start(ctx context.Context) {
	s.srv = &http.Server{Addr: s.listen, Handler: s.engine}
	go func() {
		log.Infof("http server listening on %s", s.listen)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown http server:%v", err)
	}
}
