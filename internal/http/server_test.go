package http

import (
	"context"
	"encoding/json"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"moff.io/moff-connect/internal/chains"
	"moff.io/moff-connect/internal/config"
	"net/http"
	"net/http/httptest"
	"testing"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePages struct {
	served int
}

func (f *fakePages) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	f.served++
	w.WriteHeader(http.StatusSwitchingProtocols)
}

func (f *fakePages) Pages() int64 {
	return 3
}

type fakeLimiter struct {
	allow bool
	keys  []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string) (bool, error) {
	f.keys = append(f.keys, key)
	return f.allow, nil
}

func newTestServer(t *testing.T, limiter Limiter) (*Server, *fakePages) {
	v, err := chains.NewValidator(chains.Defaults())
	require.NoError(t, err)
	pages := &fakePages{}
	return NewServer(pages, v, limiter), pages
}

func TestApply(t *testing.T) {
	s, _ := newTestServer(t, nil)
	assert.Equal(t, ":8080", s.listen)
	conf := config.Default()
	conf.HTTP.Listen = ":9090"
	s.Apply(&conf)
	assert.Equal(t, ":9090", s.listen)
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.7:4242"
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestNetworks(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := get(s, "/networks")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Networks []chains.NetworkConfig `json:"networks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Networks, 8)
	assert.Equal(t, "ethereum", body.Networks[0].Key)
	assert.Equal(t, "0x1", body.Networks[0].ChainID)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	w := get(s, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"code":0,"msg":"ok","pages":3}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("x-request-id"))
}

func TestHandshakeLimited(t *testing.T) {
	limiter := &fakeLimiter{allow: false}
	s, pages := newTestServer(t, limiter)
	w := get(s, "/ws")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 0, pages.served)
	assert.Equal(t, []string{"10.0.0.7"}, limiter.keys)

	limiter.allow = true
	w = get(s, "/ws")
	assert.Equal(t, http.StatusSwitchingProtocols, w.Code)
	assert.Equal(t, 1, pages.served)
}
