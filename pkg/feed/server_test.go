package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFeedFixture(t *testing.T, opts Options) (*Server, string) {
	t.Helper()

	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server := NewServer(hub, nil, opts)
	ts := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	t.Cleanup(ts.Close)

	return server, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dialFeed(url, origin string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func TestServer_SnapshotOnSubscribe(t *testing.T) {
	server, url := newFeedFixture(t, Options{})
	server.SetSnapshotSource(func() (Message, bool) {
		return NewSnapshotMessage([]map[string]interface{}{{"kind": "STALE_ORDER"}}), true
	})

	conn, _, err := dialFeed(url, "http://localhost")
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// First frame is the catch-up snapshot
	var first Message
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, TypeSnapshot, first.Type)
	assert.NotNil(t, first.Data)

	// Live broadcasts follow
	server.BroadcastMessage(TypeDiscrepancy, map[string]interface{}{"kind": "ORPHAN_ORDER"})

	var second Message
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, TypeDiscrepancy, second.Type)
}

func TestServer_NoSnapshotSourceStreamsDirectly(t *testing.T) {
	server, url := newFeedFixture(t, Options{})

	conn, _, err := dialFeed(url, "http://localhost")
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	server.BroadcastMessage(TypeCycleStatus, map[string]interface{}{"state": "COMPLETED"})

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeCycleStatus, msg.Type)
}

func TestServer_ConnectionLimit(t *testing.T) {
	_, url := newFeedFixture(t, Options{MaxConnections: 2})

	conn1, _, err := dialFeed(url, "http://localhost")
	require.NoError(t, err)
	defer conn1.Close()

	conn2, _, err := dialFeed(url, "http://localhost")
	require.NoError(t, err)
	defer conn2.Close()

	conn3, resp, err := dialFeed(url, "http://localhost")
	assert.Error(t, err)
	if conn3 != nil {
		conn3.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_IPRateLimit(t *testing.T) {
	_, url := newFeedFixture(t, Options{MaxConnections: 100, RateLimit: 1.0, RateBurst: 1})

	conn1, _, err := dialFeed(url, "http://localhost")
	require.NoError(t, err)
	defer conn1.Close()

	conn2, resp, err := dialFeed(url, "http://localhost")
	assert.Error(t, err)
	if conn2 != nil {
		conn2.Close()
	}
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_OriginChecks(t *testing.T) {
	_, url := newFeedFixture(t, Options{AllowedOrigins: []string{"http://dashboard.internal"}})

	// Whitelisted origin connects
	conn, _, err := dialFeed(url, "http://dashboard.internal")
	require.NoError(t, err)
	conn.Close()

	// Unknown origin is refused at the handshake
	_, _, err = dialFeed(url, "http://evil.example")
	assert.Error(t, err)

	// Missing origin is refused too
	_, _, err = dialFeed(url, "")
	assert.Error(t, err)
}

func TestServer_ProductionRejectsWildcard(t *testing.T) {
	_, url := newFeedFixture(t, Options{AllowedOrigins: []string{"*"}, Production: true})

	_, resp, err := dialFeed(url, "http://anywhere.example")
	assert.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
