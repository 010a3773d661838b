package bridge

import (
	"context"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"moff.io/moff-connect/internal/connect"
	"moff.io/moff-connect/internal/session"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

const (
	testOrigin  = "https://app.example"
	testClient  = "0b7e2f7c-3a57-4c7e-9d5e-1f0a6c1e2b01"
	otherClient = "5d0c8e1a-77b2-4f3e-8a19-c4e2b6d9f302"
)

type testPage struct {
	t       *testing.T
	conn    *websocket.Conn
	resp    *http.Response
	frames  chan gjson.Result
	skipped []gjson.Result
}

func serve(t *testing.T, b *Bridge) string {
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, origin string) *testPage {
	return dialAs(t, url+"?client="+testClient, origin)
}

func dialAs(t *testing.T, url, origin string) *testPage {
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {origin}})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	tp := &testPage{t: t, conn: conn, resp: resp, frames: make(chan gjson.Result, 64)}
	go func() {
		defer close(tp.frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			tp.frames <- gjson.ParseBytes(data)
		}
	}()
	return tp
}

func (tp *testPage) send(v interface{}) {
	require.NoError(tp.t, tp.conn.WriteJSON(v))
}

// expect returns the first frame matching typ and, when given, the event or
// method name. Frames read past are kept for later calls.
func (tp *testPage) expect(typ, name string) gjson.Result {
	match := func(f gjson.Result) bool {
		if f.Get("type").String() != typ {
			return false
		}
		switch typ {
		case TypeEvent:
			return name == "" || f.Get("name").String() == name
		case TypeRequest:
			return name == "" || f.Get("method").String() == name
		case TypeResult:
			return name == "" || f.Get("id").String() == name
		}
		return true
	}
	for i, f := range tp.skipped {
		if match(f) {
			tp.skipped = append(tp.skipped[:i], tp.skipped[i+1:]...)
			return f
		}
	}
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-tp.frames:
			require.True(tp.t, ok, "connection closed waiting for %s %s", typ, name)
			if match(f) {
				return f
			}
			tp.skipped = append(tp.skipped, f)
		case <-timeout:
			require.FailNow(tp.t, "timed out waiting for "+typ+" "+name)
		}
	}
}

// announce sends id as the rdns with a uuid that is new on every call, the
// way wallets announce themselves after each page load.
func (tp *testPage) announce(id string) {
	tp.announceInfo(uuid.NewString(), id)
}

func (tp *testPage) announceInfo(walletUUID, rdns string) {
	tp.send(map[string]interface{}{
		"type": TypeAnnounce,
		"info": map[string]string{"uuid": walletUUID, "name": "Wallet " + rdns, "icon": "data:image/svg+xml,", "rdns": rdns},
	})
}

func (tp *testPage) respond(req gjson.Result, result interface{}) {
	tp.send(map[string]interface{}{"type": TypeResponse, "id": req.Get("id").String(), "result": result})
}

func (tp *testPage) reject(req gjson.Result, code int, message string) {
	tp.send(map[string]interface{}{
		"type":  TypeResponse,
		"id":    req.Get("id").String(),
		"error": map[string]interface{}{"code": code, "message": message},
	})
}

func (tp *testPage) command(id, action string, fields map[string]string) {
	frame := map[string]interface{}{"type": TypeCommand, "id": id, "action": action}
	for k, v := range fields {
		frame[k] = v
	}
	tp.send(frame)
}

func TestConnectThroughBridge(t *testing.T) {
	recorder := &connect.Recorder{}
	url := serve(t, New(Options{Emitter: recorder}))
	tp := dial(t, url, testOrigin)

	tp.expect(TypeRequestProviders, "")
	tp.announce("walletA")
	tp.command("c1", ActionSelect, map[string]string{"provider": "walletA"})

	req := tp.expect(TypeRequest, "eth_requestAccounts")
	assert.Equal(t, "walletA", req.Get("provider").String())
	tp.respond(req, []string{"0xAAA1"})
	tp.respond(tp.expect(TypeRequest, "eth_chainId"), "0x1")

	ev := tp.expect(TypeEvent, "connected")
	assert.Equal(t, "0xAAA1", ev.Get("payload.address").String())
	assert.Equal(t, "0x1", ev.Get("payload.chainId").String())
	assert.True(t, ev.Get("payload.allowed").Bool())
	res := tp.expect(TypeResult, "c1")
	assert.True(t, res.Get("ok").Bool())

	tp.send(map[string]interface{}{"type": TypePush, "provider": "walletA", "event": "chainChanged", "payload": "0x89"})
	ev = tp.expect(TypeEvent, "chainChanged")
	assert.Equal(t, "0x89", ev.Get("payload.chainId").String())
	assert.False(t, ev.Get("payload.allowed").Bool())

	tp.command("c2", ActionDisconnect, nil)
	tp.expect(TypeEvent, "disconnected")
	tp.reject(tp.expect(TypeRequest, "wallet_revokePermissions"), 4200, "unsupported method")
	assert.True(t, tp.expect(TypeResult, "c2").Get("ok").Bool())
	ev = tp.expect(TypeEvent, "error")
	assert.Equal(t, string(connect.KindRevocationFailed), ev.Get("payload.kind").String())

	require.Eventually(t, func() bool {
		return len(recorder.Events()) >= 4
	}, time.Second, time.Millisecond)
	assert.Equal(t, testOrigin, recorder.Events()[0].Origin)
}

func TestUserRejectedThroughBridge(t *testing.T) {
	url := serve(t, New(Options{}))
	tp := dial(t, url, testOrigin)

	tp.expect(TypeRequestProviders, "")
	tp.announce("walletA")
	tp.command("c1", ActionSelect, map[string]string{"provider": "walletA"})
	tp.reject(tp.expect(TypeRequest, "eth_requestAccounts"), 4001, "User rejected the request.")

	res := tp.expect(TypeResult, "c1")
	assert.False(t, res.Get("ok").Bool())
	assert.Equal(t, string(connect.KindUserRejected), res.Get("error.kind").String())
}

func TestUnknownProviderAndCommand(t *testing.T) {
	url := serve(t, New(Options{}))
	tp := dial(t, url, testOrigin)
	tp.expect(TypeRequestProviders, "")

	tp.command("c1", ActionSelect, map[string]string{"provider": "walletZ"})
	res := tp.expect(TypeResult, "c1")
	assert.Equal(t, string(connect.KindProviderNotFound), res.Get("error.kind").String())

	tp.command("c2", "dance", nil)
	res = tp.expect(TypeResult, "c2")
	assert.Equal(t, string(KindInvalidCommand), res.Get("error.kind").String())

	tp.send(map[string]interface{}{"type": "gossip"})
	tp.command("c3", ActionSwitch, map[string]string{"network": "optimism"})
	res = tp.expect(TypeResult, "c3")
	assert.Equal(t, string(connect.KindProviderNotFound), res.Get("error.kind").String())
}

func TestReconnectOnNextPage(t *testing.T) {
	store := session.NewMemoryStore()
	b := New(Options{Store: store})
	url := serve(t, b)

	first := dial(t, url, testOrigin)
	first.expect(TypeRequestProviders, "")
	first.announce("walletA")
	first.command("c1", ActionSelect, map[string]string{"provider": "walletA"})
	first.respond(first.expect(TypeRequest, "eth_requestAccounts"), []string{"0xAAA1"})
	first.respond(first.expect(TypeRequest, "eth_chainId"), "0xa")
	first.expect(TypeResult, "c1")
	first.conn.Close()

	second := dial(t, url, testOrigin)
	second.expect(TypeRequestProviders, "")
	second.announce("walletA")
	req := second.expect(TypeRequest, "eth_accounts")
	second.respond(req, []string{"0xAAA1"})
	second.respond(second.expect(TypeRequest, "eth_chainId"), "0xa")
	ev := second.expect(TypeEvent, "connected")
	assert.Equal(t, "0xa", ev.Get("payload.chainId").String())
	assert.Equal(t, "Optimism", ev.Get("payload.network").String())

	other := dial(t, url, "https://other.example")
	other.expect(TypeRequestProviders, "")
	other.announce("walletA")
	other.command("c1", ActionDisconnect, nil)
	other.expect(TypeResult, "c1")
	for _, f := range other.skipped {
		assert.NotEqual(t, TypeRequest, f.Get("type").String())
	}
}

func TestReconnectAfterWalletReload(t *testing.T) {
	store := session.NewMemoryStore()
	url := serve(t, New(Options{Store: store}))

	first := dial(t, url, testOrigin)
	first.expect(TypeRequestProviders, "")
	first.announceInfo("6a1e0c55-1111-4a4a-9b9b-000000000001", "io.metamask")
	first.command("c1", ActionSelect, map[string]string{"provider": "io.metamask"})
	first.respond(first.expect(TypeRequest, "eth_requestAccounts"), []string{"0xAAA1"})
	first.respond(first.expect(TypeRequest, "eth_chainId"), "0x1")
	require.True(t, first.expect(TypeResult, "c1").Get("ok").Bool())
	first.conn.Close()

	stored, err := store.Load(context.Background(), session.Key(testOrigin, testClient))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "io.metamask", stored.ProviderID)

	second := dial(t, url, testOrigin)
	second.expect(TypeRequestProviders, "")
	second.announceInfo("6a1e0c55-2222-4a4a-9b9b-000000000002", "io.metamask")
	req := second.expect(TypeRequest, "eth_accounts")
	assert.Equal(t, "io.metamask", req.Get("provider").String())
	second.respond(req, []string{"0xAAA1"})
	second.respond(second.expect(TypeRequest, "eth_chainId"), "0x1")
	ev := second.expect(TypeEvent, "connected")
	assert.Equal(t, "io.metamask", ev.Get("payload.provider").String())
}

func TestClientsOfOneOriginKeepSeparateSessions(t *testing.T) {
	store := session.NewMemoryStore()
	url := serve(t, New(Options{Store: store}))

	a := dial(t, url, testOrigin)
	a.expect(TypeRequestProviders, "")
	a.announce("walletX")
	a.command("c1", ActionSelect, map[string]string{"provider": "walletX"})
	a.respond(a.expect(TypeRequest, "eth_requestAccounts"), []string{"0xAAA1"})
	a.respond(a.expect(TypeRequest, "eth_chainId"), "0x1")
	require.True(t, a.expect(TypeResult, "c1").Get("ok").Bool())

	b := dialAs(t, url+"?client="+otherClient, testOrigin)
	assert.Equal(t, otherClient, b.expect(TypeRequestProviders, "").Get("client").String())
	b.announce("walletX")
	b.command("c1", ActionDisconnect, nil)
	b.expect(TypeResult, "c1")
	for _, f := range b.skipped {
		assert.NotEqual(t, TypeRequest, f.Get("type").String())
	}

	stored, err := store.Load(context.Background(), session.Key(testOrigin, testClient))
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "walletX", stored.ProviderID)
	other, err := store.Load(context.Background(), session.Key(testOrigin, otherClient))
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestNewClientGetsCookie(t *testing.T) {
	url := serve(t, New(Options{}))
	tp := dialAs(t, url, testOrigin)
	client := tp.expect(TypeRequestProviders, "").Get("client").String()
	_, err := uuid.Parse(client)
	require.NoError(t, err)

	var cookie *http.Cookie
	for _, c := range tp.resp.Cookies() {
		if c.Name == clientCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, client, cookie.Value)

	known := dial(t, url, testOrigin)
	assert.Equal(t, testClient, known.expect(TypeRequestProviders, "").Get("client").String())
	assert.Empty(t, known.resp.Cookies())
}

func TestOriginRefused(t *testing.T) {
	url := serve(t, New(Options{AllowedOrigins: []string{testOrigin}}))
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	tp := dial(t, url, testOrigin)
	tp.expect(TypeRequestProviders, "")
}
