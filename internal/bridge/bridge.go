package bridge

import (
	"context"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"moff.io/moff-connect/internal/chains"
	"moff.io/moff-connect/internal/connect"
	"moff.io/moff-connect/internal/identity"
	"moff.io/moff-connect/internal/provider"
	"moff.io/moff-connect/internal/session"
	"moff.io/moff-connect/pkg/log"
	"net/http"
	"time"
)

const (
	writeTimeout       = 10 * time.Second
	defaultReadTimeout = time.Minute
	sendQueueSize      = 256
	// anonymousOrigin keys the session of clients that send no Origin header.
	anonymousOrigin = "null"
	// clientParam and clientCookie carry the id a browser keeps across reloads.
	clientParam     = "client"
	clientCookie    = "moff_client"
	clientCookieAge = 365 * 24 * 60 * 60
)

type Options struct {
	Validator *chains.Validator
	// Resolver is shared by every page so the identity cache is process wide.
	Resolver *identity.Resolver
	Store    session.Store
	// Emitter receives the events of every page besides the page itself.
	Emitter        connect.Emitter
	RequestTimeout time.Duration
	// AllowedOrigins limits upgrades; empty accepts any origin.
	AllowedOrigins []string
	// ReadTimeout closes a page that sends nothing, pongs included.
	ReadTimeout time.Duration
}

// Bridge serves the page side shim over websocket. Every connection gets its
// own registry and controller.
type Bridge struct {
	opts     Options
	upgrader websocket.Upgrader
	pages    atomic.Int64
}

func New(opts Options) *Bridge {
	if opts.Store == nil {
		opts.Store = session.NewMemoryStore()
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultReadTimeout
	}
	b := &Bridge{opts: opts}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     b.checkOrigin,
	}
	return b
}

func (b *Bridge) checkOrigin(r *http.Request) bool {
	if len(b.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range b.opts.AllowedOrigins {
		if allowed == origin {
			return true
		}
	}
	log.Warnf("websocket upgrade from origin %q refused", origin)
	return false
}

// Pages is the number of connected pages.
func (b *Bridge) Pages() int64 {
	return b.pages.Load()
}

// clientID returns the browser's id from the query or the cookie. fresh is
// true when neither held a valid one and a new id was made.
func clientID(r *http.Request) (id string, fresh bool) {
	if u, err := uuid.Parse(r.URL.Query().Get(clientParam)); err == nil {
		return u.String(), false
	}
	if c, err := r.Cookie(clientCookie); err == nil {
		if u, err := uuid.Parse(c.Value); err == nil {
			return u.String(), false
		}
	}
	return uuid.NewString(), true
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client, fresh := clientID(r)
	header := http.Header{}
	if fresh {
		cookie := &http.Cookie{
			Name:     clientCookie,
			Value:    client,
			Path:     "/",
			MaxAge:   clientCookieAge,
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
		}
		header.Add("Set-Cookie", cookie.String())
	}
	conn, err := b.upgrader.Upgrade(w, r, header)
	if err != nil {
		// the upgrader already wrote the error response
		log.Debugf("websocket upgrade:%v", err)
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = anonymousOrigin
	}
	p := b.newPage(conn, origin, client)
	b.pages.Inc()
	defer b.pages.Dec()
	p.log.Infof("page connected")
	p.run(context.Background())
	p.log.Infof("page disconnected")
}

func (b *Bridge) newPage(conn *websocket.Conn, origin, client string) *page {
	id := uuid.NewString()
	p := &page{
		id:          id,
		origin:      origin,
		client:      client,
		conn:        conn,
		registry:    provider.NewRegistry(),
		log:         log.WithFields(log.Fields{"origin": origin, "client": client, "page": id}),
		readTimeout: b.opts.ReadTimeout,
		send:        make(chan []byte, sendQueueSize),
		closed:      make(chan struct{}),
		pending:     make(map[string]chan reply),
	}
	p.ctrl = connect.New(connect.Options{
		Origin:         origin,
		Registry:       p.registry,
		Validator:      b.opts.Validator,
		Resolver:       b.opts.Resolver,
		Session:        session.NewMirror(b.opts.Store, session.Key(origin, client)),
		Emitter:        connect.Emitters(p, b.opts.Emitter),
		RequestTimeout: b.opts.RequestTimeout,
	})
	return p
}
