package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type fakeApp struct{}

func (fakeApp) Add(a, b int) int { return a + b }
func (fakeApp) Count(ids []int) (int, error) { return len(ids), nil }
func (fakeApp) Move(p point, dx int) point { return point{X: p.X + dx, Y: p.Y} }
func (fakeApp) Fail() error { return errors.New("boom") }
func (fakeApp) Pair() (string, int, error) { return "a", 1, nil }
func (fakeApp) Named(name string) (string, error) { return "hi " + name, nil }

func raw(t *testing.T, vs ...interface{}) []json.RawMessage {
	t.Helper()
	out := make([]json.RawMessage, len(vs))
	for i, v := range vs {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		out[i] = b
	}
	return out
}

func TestRouter_Call(t *testing.T) {
	r := NewRouter(fakeApp{})

	got, err := r.Call("Add", raw(t, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, 5, got)

	got, err = r.Call("Count", raw(t, []int{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, 3, got)

	got, err = r.Call("Move", raw(t, point{X: 1, Y: 2}, 4))
	require.NoError(t, err)
	assert.Equal(t, point{X: 5, Y: 2}, got)

	got, err = r.Call("Pair", nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", 1}, got)

	_, err = r.Call("Fail", nil)
	assert.EqualError(t, err, "boom")

	_, err = r.Call("Missing", nil)
	assert.Error(t, err)

	_, err = r.Call("Add", raw(t, 1))
	assert.Error(t, err)

	_, err = r.Call("Add", raw(t, "x", 1))
	assert.Error(t, err)

	assert.Contains(t, r.Methods(), "Move")
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestServer_RPCAndBroadcast(t *testing.T) {
	s := NewServer(fakeApp{}, Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Stop(context.Background())

	conn := dial(t, srv, nil)

	req := WSMessage{Kind: KindRequest, Request: &RPCRequest{ID: "1", Method: "Named", Params: raw(t, "ann")}}
	require.NoError(t, conn.WriteJSON(req))

	msg := readMessage(t, conn)
	require.Equal(t, KindResponse, msg.Kind)
	assert.Equal(t, "1", msg.Response.ID)
	assert.Equal(t, "hi ann", msg.Response.Result)
	assert.Empty(t, msg.Response.Error)

	require.NoError(t, conn.WriteJSON(WSMessage{Kind: KindRequest, Request: &RPCRequest{ID: "2", Method: "Fail"}}))
	msg = readMessage(t, conn)
	assert.Equal(t, "boom", msg.Response.Error)

	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
	s.BroadcastEvent("cells:edited", map[string]int{"edit": 3})
	msg = readMessage(t, conn)
	require.Equal(t, KindEvent, msg.Kind)
	assert.Equal(t, "cells:edited", msg.Event.Type)
	assert.Equal(t, map[string]interface{}{"edit": float64(3)}, msg.Event.Payload)
}

func TestServer_AuthKey(t *testing.T) {
	s := NewServer(fakeApp{}, Config{AuthKey: "secret"})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	defer s.Stop(context.Background())

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	dial(t, srv, http.Header{"X-Auth-Key": {"secret"}})

	conn, _, err := websocket.DefaultDialer.Dial(url+"?key=secret", nil)
	require.NoError(t, err)
	conn.Close()
}

func TestServer_HealthAndMetrics(t *testing.T) {
	s := NewServer(fakeApp{}, Config{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(fakeApp{}, Config{Addr: "127.0.0.1:0"})
	addr, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c := NewClient("id", nil)
	c.Close()
	c.Close()
	assert.ErrorIs(t, c.SendEvent("x", nil), ErrClientClosed)
}
