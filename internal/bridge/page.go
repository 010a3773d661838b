package bridge

import (
	"context"
	"encoding/json"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/atomic"
	"moff.io/moff-connect/internal/connect"
	"moff.io/moff-connect/internal/provider"
	"moff.io/moff-connect/pkg/errors"
	"moff.io/moff-connect/pkg/log"
	"strconv"
	"sync"
	"time"
)

var errPageClosed = errors.New("page closed")

type reply struct {
	result json.RawMessage
	err    error
}

// page is one websocket connection, the lifetime of one loaded page.
type page struct {
	id       string
	origin   string
	client   string
	conn     *websocket.Conn
	registry *provider.Registry
	ctrl     *connect.Controller
	log      *log.Entry

	readTimeout time.Duration
	send        chan []byte
	closed      chan struct{}
	closeOnce   sync.Once
	nextID      atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan reply
}

func (p *page) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer p.close()

	go p.writeLoop(ctx, cancel)
	p.ctrl.Start(ctx)
	defer p.ctrl.Close()

	if err := p.sendFrame(ctx, requestProvidersFrame{Type: TypeRequestProviders, Client: p.client}); err != nil {
		return
	}
	go func() {
		if err := p.ctrl.ReconnectFromSession(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warnf("reconnect from stored session:%v", err)
		}
	}()
	p.readLoop(ctx)
}

func (p *page) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
}

func (p *page) readLoop(ctx context.Context) {
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
	})
	for {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
			p.log.Warnf("set websocket read timeout:%v", err)
			return
		}
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Warnf("read page message:%v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			p.log.Debugf("ignoring message type %d", msgType)
			continue
		}
		p.handleFrame(ctx, data)
	}
}

func (p *page) writeLoop(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(p.readTimeout / 2)
	defer ticker.Stop()
	defer cancel()
	for {
		select {
		case data := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.log.Warnf("write page message:%v", err)
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				p.log.Debugf("ping page:%v", err)
				return
			}
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			_ = p.conn.Close()
			return
		}
	}
}

func (p *page) sendFrame(ctx context.Context, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.WrapAndReport(err, "marshal frame")
	}
	select {
	case p.send <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return errPageClosed
	}
}

// Emit forwards controller events to the page. It runs on the controller
// loop, so a page that stops reading loses events instead of stalling it.
func (p *page) Emit(e connect.Event) {
	data, err := json.Marshal(eventFrame{Type: TypeEvent, Name: string(e.Type), Payload: e})
	if err != nil {
		p.log.Errorf("marshal event:%v", err)
		return
	}
	select {
	case p.send <- data:
	default:
		p.log.Warnf("page send queue full, dropping %s event", e.Type)
	}
}

func (p *page) handleFrame(ctx context.Context, data []byte) {
	if !gjson.ValidBytes(data) {
		p.log.Warnf("invalid frame from page")
		return
	}
	frame := gjson.ParseBytes(data)
	switch typ := frame.Get("type").String(); typ {
	case TypeAnnounce:
		p.announce(frame.Get("info"))
	case TypeResponse:
		p.respond(frame)
	case TypePush:
		p.push(frame)
	case TypeCommand:
		go p.command(ctx, frame)
	default:
		p.log.Debugf("ignoring frame type %q", typ)
	}
}

func (p *page) announce(info gjson.Result) {
	rec := &provider.Record{Info: parseInfo(info)}
	if rec.ID() == "" {
		p.log.Warnf("announcement without rdns or uuid ignored")
		return
	}
	rec.Handle = newRemoteHandle(p, rec.ID())
	if p.registry.Register(rec) {
		p.log.Infof("provider %s announced", rec)
	}
}

func (p *page) respond(frame gjson.Result) {
	id := frame.Get("id").String()
	p.mu.Lock()
	ch, found := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if !found {
		p.log.Debugf("response %s has no pending request", id)
		return
	}
	result, err := parseReply(frame)
	ch <- reply{result: result, err: err}
}

func (p *page) push(frame gjson.Result) {
	id := frame.Get("provider").String()
	rec, found := p.registry.Find(id)
	if !found {
		p.log.Debugf("push from unannounced provider %s", id)
		return
	}
	handle, ok := rec.Handle.(*remoteHandle)
	if !ok {
		return
	}
	payload := frame.Get("payload")
	raw := json.RawMessage("null")
	if payload.Exists() {
		raw = json.RawMessage(payload.Raw)
	}
	handle.dispatch(provider.EventKind(frame.Get("event").String()), raw)
}

func (p *page) command(ctx context.Context, frame gjson.Result) {
	id := frame.Get("id").String()
	var err error
	switch action := frame.Get("action").String(); action {
	case ActionSelect:
		err = p.ctrl.SelectProvider(ctx, frame.Get("provider").String())
	case ActionDisconnect:
		err = p.ctrl.Disconnect(ctx)
	case ActionSwitch:
		err = p.ctrl.SwitchNetwork(ctx, frame.Get("network").String())
	default:
		err = &connect.Error{Kind: KindInvalidCommand, Detail: "unknown action " + strconv.Quote(action)}
	}
	if err := p.sendFrame(ctx, newResultFrame(id, err)); err != nil {
		p.log.Debugf("send command result:%v", err)
	}
}

// call sends a request frame for a wallet and waits for its response.
func (p *page) call(ctx context.Context, providerID, method string, params []interface{}) (json.RawMessage, error) {
	id := strconv.FormatUint(p.nextID.Inc(), 10)
	ch := make(chan reply, 1)
	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if params == nil {
		params = []interface{}{}
	}
	frame := requestFrame{Type: TypeRequest, ID: id, Provider: providerID, Method: method, Params: params}
	if err := p.sendFrame(ctx, frame); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, errPageClosed
	}
}

// remoteHandle is a wallet living in the page, reached through request frames.
type remoteHandle struct {
	page *page
	id   string

	mu        sync.Mutex
	listeners map[provider.EventKind][]provider.Listener
}

func newRemoteHandle(p *page, id string) *remoteHandle {
	return &remoteHandle{page: p, id: id, listeners: make(map[provider.EventKind][]provider.Listener)}
}

func (h *remoteHandle) Request(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	return h.page.call(ctx, h.id, method, params)
}

func (h *remoteHandle) Subscribe(kind provider.EventKind, l provider.Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[kind] = append(h.listeners[kind], l)
}

func (h *remoteHandle) Unsubscribe(kind provider.EventKind, l provider.Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ls := h.listeners[kind]
	for i := range ls {
		if ls[i] == l {
			h.listeners[kind] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

// dispatch delivers a push on the read goroutine, keeping emission order.
func (h *remoteHandle) dispatch(kind provider.EventKind, payload json.RawMessage) {
	h.mu.Lock()
	ls := append([]provider.Listener(nil), h.listeners[kind]...)
	h.mu.Unlock()
	for _, l := range ls {
		l.OnProviderEvent(kind, payload)
	}
}
