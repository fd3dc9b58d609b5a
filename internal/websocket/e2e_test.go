package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/platnet"
	"github.com/luciancaetano/platnet/envelope"
	"github.com/luciancaetano/platnet/logger"
)

// startServer runs a server on an OS-assigned loopback port and returns it
// with its ws:// URL.
func startServer(t *testing.T, mutate func(cfg *ServerConfig)) (*Server, string) {
	t.Helper()

	cfg := NewServerConfig("127.0.0.1", 0)
	cfg.Logger = logger.Nop()
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := NewServer(cfg)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	return srv, fmt.Sprintf("ws://%s%s", srv.Addr(), cfg.Path)
}

// dialRaw opens a bare gorilla connection with the given credentials, outside
// the client library, so server behavior is observed directly.
func dialRaw(t *testing.T, url, apiKey, platform string) *gorilla.Conn {
	t.Helper()

	conn, resp, err := gorilla.DefaultDialer.Dial(
		fmt.Sprintf("%s?api_key=%s&platform=%s", url, apiKey, platform), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

func testMessage(apiKey, platform string) *envelope.APIMessageBase {
	return &envelope.APIMessageBase{
		MessageInfo:    envelope.MessageInfo{Platform: platform, MessageID: "m-1", Time: 42},
		MessageSegment: envelope.TextSeg("hello"),
		MessageDim:     envelope.MessageDim{APIKey: apiKey, Platform: platform},
	}
}

// readFrame reads one text frame within the timeout.
func readFrame(t *testing.T, conn *gorilla.Conn, timeout time.Duration) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

// expectSilence asserts no frame arrives within the window.
func expectSilence(t *testing.T, conn *gorilla.Conn, window time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(window)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	netErr, ok := err.(interface{ Timeout() bool })
	require.True(t, ok && netErr.Timeout(), "expected read timeout, got %v", err)
}

// TestConnectAndRoute covers the basic loop: one client connects, the server
// counts it, and an inbound envelope reaches on_message exactly once.
func TestConnectAndRoute(t *testing.T) {
	t.Parallel()

	received := make(chan *envelope.APIMessageBase, 4)
	srv, url := startServer(t, func(cfg *ServerConfig) {
		cfg.OnMessage = func(msg *envelope.APIMessageBase, meta platnet.Metadata) {
			received <- msg
		}
	})

	conn := dialRaw(t, url, "kA", "wechat")
	waitFor(t, 2*time.Second, func() bool {
		return srv.Stats().Connections == 1
	}, "connection registered")

	stats := srv.Stats()
	assert.Equal(t, 1, stats.Users)
	assert.Equal(t, 1, stats.Connections)

	want := testMessage("kA", "wechat")
	frame, err := envelope.Encode(want)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, frame))

	select {
	case got := <-received:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("on_message did not fire")
	}
	assert.Empty(t, received, "on_message fired more than once")
}

// TestRoutingExactness drives three clients on distinct (api_key, platform)
// coordinates and checks SendMessage reaches exactly the matching one.
func TestRoutingExactness(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, nil)

	connA := dialRaw(t, url, "kA", "wechat")
	connB := dialRaw(t, url, "kA", "qq")
	connC := dialRaw(t, url, "kB", "wechat")

	waitFor(t, 2*time.Second, func() bool {
		return srv.Stats().Connections == 3
	}, "three connections registered")
	assert.Equal(t, 2, srv.Stats().Users)

	tests := []struct {
		name   string
		apiKey string
		plat   string
		hit    *gorilla.Conn
	}{
		{"A only", "kA", "wechat", connA},
		{"B only", "kA", "qq", connB},
		{"C only", "kB", "wechat", connC},
	}

	// Each send produces exactly one result entry and exactly one delivery,
	// on the matching connection.
	for _, tt := range tests {
		results := srv.SendMessage(context.Background(), testMessage(tt.apiKey, tt.plat))
		require.Len(t, results, 1, tt.name)
		for _, ok := range results {
			assert.True(t, ok, tt.name)
		}

		got, err := envelope.Decode(readFrame(t, tt.hit, 2*time.Second))
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.apiKey, got.GetAPIKey(), tt.name)
		assert.Equal(t, tt.plat, got.GetPlatform(), tt.name)
	}
}

// TestPlatformOverride reroutes an envelope onto another platform without
// touching its dimensions.
func TestPlatformOverride(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, nil)

	connA := dialRaw(t, url, "kA", "wechat")
	connB := dialRaw(t, url, "kA", "qq")
	waitFor(t, 2*time.Second, func() bool {
		return srv.Stats().Connections == 2
	}, "two connections registered")

	results := srv.SendMessage(context.Background(), testMessage("kA", "wechat"), "qq")
	require.Len(t, results, 1)

	got, err := envelope.Decode(readFrame(t, connB, 2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "wechat", got.GetPlatform(), "dimensions travel unchanged")
	expectSilence(t, connA, 150*time.Millisecond)
}

// TestBroadcast covers full and platform-filtered fan-out.
func TestBroadcast(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, nil)

	connA := dialRaw(t, url, "kA", "wechat")
	connB := dialRaw(t, url, "kA", "qq")
	connC := dialRaw(t, url, "kB", "wechat")
	waitFor(t, 2*time.Second, func() bool {
		return srv.Stats().Connections == 3
	}, "three connections registered")

	results := srv.BroadcastMessage(context.Background(), testMessage("kZ", "anything"))
	assert.Len(t, results, 3)
	for _, conn := range []*gorilla.Conn{connA, connB, connC} {
		readFrame(t, conn, 2*time.Second)
	}

	results = srv.BroadcastMessage(context.Background(), testMessage("kZ", "anything"), "wechat")
	assert.Len(t, results, 2)
	readFrame(t, connA, 2*time.Second)
	readFrame(t, connC, 2*time.Second)
	expectSilence(t, connB, 150*time.Millisecond)
}

// TestSendCustomMessageTargets covers custom-message fan-out across the
// omitted dimensions.
func TestSendCustomMessageTargets(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, nil)

	connA := dialRaw(t, url, "kA", "wechat")
	connB := dialRaw(t, url, "kA", "qq")
	connC := dialRaw(t, url, "kB", "wechat")
	waitFor(t, 2*time.Second, func() bool {
		return srv.Stats().Connections == 3
	}, "three connections registered")

	// Both targets: exactly (kA, qq).
	results := srv.SendCustomMessage(context.Background(), "room_event", map[string]int{"n": 1}, "kA", "qq")
	assert.Len(t, results, 1)
	cm, err := envelope.DecodeCustom(readFrame(t, connB, 2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "room_event", cm.Type)

	// User only: both kA connections.
	results = srv.SendCustomMessage(context.Background(), "room_event", nil, "kA", "")
	assert.Len(t, results, 2)
	readFrame(t, connA, 2*time.Second)
	readFrame(t, connB, 2*time.Second)

	// Platform only: both wechat connections.
	results = srv.SendCustomMessage(context.Background(), "room_event", nil, "", "wechat")
	assert.Len(t, results, 2)
	readFrame(t, connA, 2*time.Second)
	readFrame(t, connC, 2*time.Second)

	// Neither: everybody.
	results = srv.SendCustomMessage(context.Background(), "room_event", nil, "", "")
	assert.Len(t, results, 3)
}

// TestUnroutableEnvelope verifies an empty routing dimension yields an empty
// result and transmits nothing.
func TestUnroutableEnvelope(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, nil)
	conn := dialRaw(t, url, "kA", "wechat")
	waitFor(t, 2*time.Second, func() bool {
		return srv.Stats().Connections == 1
	}, "connection registered")

	msg := testMessage("", "wechat")
	results := srv.SendMessage(context.Background(), msg)
	assert.Empty(t, results)
	expectSilence(t, conn, 150*time.Millisecond)
}

// TestAuthRejection verifies a handshake without credentials is closed with
// the policy-violation code and never touches the registry.
func TestAuthRejection(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, nil)

	conn, resp, err := gorilla.DefaultDialer.Dial(url, nil) // no api_key
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*gorilla.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, platnet.ClosePolicyViolation, closeErr.Code)

	assert.Equal(t, 0, srv.Stats().Connections)
	assert.EqualValues(t, 1, srv.Stats().AuthFailures)
}

// TestExtractUserFailure closes the handshake with the internal-error code.
func TestExtractUserFailure(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, func(cfg *ServerConfig) {
		cfg.OnAuthExtractUser = func(meta platnet.Metadata) (string, error) {
			return "", fmt.Errorf("directory unavailable")
		}
	})

	conn, resp, err := gorilla.DefaultDialer.Dial(url+"?api_key=kA&platform=wechat", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*gorilla.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, platnet.CloseInternalError, closeErr.Code)
	assert.Equal(t, 0, srv.Stats().Connections)
}

// TestMalformedFramePreservesConnection verifies bad JSON is skipped and the
// connection keeps working.
func TestMalformedFramePreservesConnection(t *testing.T) {
	t.Parallel()

	received := make(chan *envelope.APIMessageBase, 1)
	srv, url := startServer(t, func(cfg *ServerConfig) {
		cfg.OnMessage = func(msg *envelope.APIMessageBase, meta platnet.Metadata) {
			received <- msg
		}
	})

	conn := dialRaw(t, url, "kA", "wechat")
	waitFor(t, 2*time.Second, func() bool {
		return srv.Stats().Connections == 1
	}, "connection registered")

	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte("{{not json")))
	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte(`{"payload": "orphan"}`)))

	frame, err := envelope.Encode(testMessage("kA", "wechat"))
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, frame))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive malformed frames")
	}
	assert.Equal(t, 1, srv.Stats().Connections)
}

// TestCustomHandlerDispatch routes a custom frame to the registered handler
// with the connection's metadata.
func TestCustomHandlerDispatch(t *testing.T) {
	t.Parallel()

	type event struct {
		payload string
		meta    platnet.Metadata
	}
	events := make(chan event, 1)

	srv, url := startServer(t, nil)
	srv.RegisterCustomHandler("room_event", func(payload json.RawMessage, meta platnet.Metadata) {
		events <- event{payload: string(payload), meta: meta}
	})

	conn := dialRaw(t, url, "kA", "wechat")
	waitFor(t, 2*time.Second, func() bool {
		return srv.Stats().Connections == 1
	}, "connection registered")

	require.NoError(t, conn.WriteMessage(gorilla.TextMessage,
		[]byte(`{"type": "room_event", "payload": {"room": 7}}`)))

	select {
	case got := <-events:
		assert.JSONEq(t, `{"room": 7}`, got.payload)
		assert.Equal(t, "kA", got.meta.APIKey)
		assert.Equal(t, "wechat", got.meta.Platform)
	case <-time.After(2 * time.Second):
		t.Fatal("custom handler not invoked")
	}
}

// TestDisconnectCleanup verifies closed sockets leave no dangling registry
// entries.
func TestDisconnectCleanup(t *testing.T) {
	t.Parallel()

	disconnected := make(chan string, 4)
	srv, url := startServer(t, func(cfg *ServerConfig) {
		cfg.OnDisconnect = func(uuid string, meta platnet.Metadata) {
			disconnected <- uuid
		}
	})

	connA := dialRaw(t, url, "kA", "wechat")
	connB := dialRaw(t, url, "kA", "wechat") // duplicate coordinates are allowed
	waitFor(t, 2*time.Second, func() bool {
		return srv.Stats().Connections == 2
	}, "two connections registered")
	assert.Equal(t, 1, srv.Stats().Users)

	require.NoError(t, connA.Close())
	require.NoError(t, connB.Close())

	waitFor(t, 2*time.Second, func() bool {
		stats := srv.Stats()
		return stats.Connections == 0 && stats.Users == 0
	}, "registry drained")

	for i := 0; i < 2; i++ {
		select {
		case <-disconnected:
		case <-time.After(2 * time.Second):
			t.Fatal("on_disconnect not fired")
		}
	}
}

// TestDuplicateCoordinatesFanOut verifies two connections on the same
// (user, platform) both receive a routed envelope.
func TestDuplicateCoordinatesFanOut(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, nil)

	connA := dialRaw(t, url, "kA", "wechat")
	connB := dialRaw(t, url, "kA", "wechat")
	waitFor(t, 2*time.Second, func() bool {
		return srv.Stats().Connections == 2
	}, "two connections registered")

	results := srv.SendMessage(context.Background(), testMessage("kA", "wechat"))
	assert.Len(t, results, 2)
	for uuid, ok := range results {
		assert.True(t, ok, uuid)
	}
	readFrame(t, connA, 2*time.Second)
	readFrame(t, connB, 2*time.Second)
}

// TestClientSupervisorEndToEnd exercises best-match routing through real
// sockets: the server observes which connection carried each envelope.
func TestClientSupervisorEndToEnd(t *testing.T) {
	t.Parallel()

	type arrival struct {
		apiKey   string
		platform string
	}
	arrivals := make(chan arrival, 4)
	_, url := startServer(t, func(cfg *ServerConfig) {
		cfg.OnMessage = func(msg *envelope.APIMessageBase, meta platnet.Metadata) {
			arrivals <- arrival{apiKey: meta.APIKey, platform: meta.Platform}
		}
	})

	clientCfg := NewClientConfig()
	clientCfg.Logger = logger.Nop()
	client := NewClient(clientCfg)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Stop(context.Background()) })

	for _, coords := range []arrival{
		{"kA", "wechat"},
		{"kA", "qq"},
		{"kB", "wechat"},
	} {
		id, err := client.AddConnection(url, coords.apiKey, coords.platform)
		require.NoError(t, err)
		require.NoError(t, client.ConnectTo(context.Background(), id))
	}

	waitFor(t, 3*time.Second, func() bool {
		return len(client.GetActiveConnections()) == 3
	}, "all supervisor connections connected")

	recv := func() arrival {
		select {
		case got := <-arrivals:
			return got
		case <-time.After(2 * time.Second):
			t.Fatal("server did not observe the envelope")
			return arrival{}
		}
	}

	// Exact match rides the (kA, wechat) connection.
	require.True(t, client.SendMessage(context.Background(), testMessage("kA", "wechat")))
	assert.Equal(t, arrival{"kA", "wechat"}, recv())

	// No telegram connection exists: api-key match falls back to the
	// earliest-added kA connection.
	require.True(t, client.SendMessage(context.Background(), testMessage("kA", "telegram")))
	assert.Equal(t, arrival{"kA", "wechat"}, recv())

	// Nothing matches at all.
	assert.False(t, client.SendMessage(context.Background(), testMessage("kZ", "telegram")))
}

// TestServerPushToSupervisor sends a routed envelope from the server into the
// supervisor's on_message.
func TestServerPushToSupervisor(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, nil)

	received := make(chan *envelope.APIMessageBase, 1)
	clientCfg := NewClientConfig()
	clientCfg.Logger = logger.Nop()
	clientCfg.OnMessage = func(msg *envelope.APIMessageBase, meta platnet.Metadata) {
		received <- msg
	}
	client := NewClient(clientCfg)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Stop(context.Background()) })

	id, err := client.AddConnection(url, "kA", "wechat")
	require.NoError(t, err)
	require.NoError(t, client.ConnectTo(context.Background(), id))
	waitFor(t, 3*time.Second, func() bool {
		return len(client.GetActiveConnections()) == 1
	}, "supervisor connection connected")

	want := testMessage("kA", "wechat")
	results := srv.SendMessage(context.Background(), want)
	require.Len(t, results, 1)

	select {
	case got := <-received:
		assert.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor on_message not fired")
	}
}

// TestReconnectExhaustion kills the server under a client with a short
// backoff schedule and expects the connection to stop after the configured
// attempts.
func TestReconnectExhaustion(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, nil)

	clientCfg := NewClientConfig()
	clientCfg.Logger = logger.Nop()
	clientCfg.ReconnectDelay = 100 * time.Millisecond
	clientCfg.MaxReconnectDelay = time.Second
	clientCfg.MaxReconnectAttempts = 3
	client := NewClient(clientCfg)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Stop(context.Background()) })

	id, err := client.AddConnection(url, "kA", "wechat")
	require.NoError(t, err)
	require.NoError(t, client.ConnectTo(context.Background(), id))
	waitFor(t, 3*time.Second, func() bool {
		return len(client.GetActiveConnections()) == 1
	}, "connected before shutdown")

	require.NoError(t, srv.Stop(context.Background()))

	// Three attempts at ~0.1s, 0.2s, 0.4s; well under the deadline below.
	waitFor(t, 5*time.Second, func() bool {
		conns := client.GetConnections()
		return len(conns) == 1 && conns[0].State == platnet.StateStopped
	}, "connection stopped after exhausting reconnects")
}

// TestClientDisconnectIsIdle verifies a deliberate disconnect does not enter
// the reconnect path.
func TestClientDisconnectIsIdle(t *testing.T) {
	t.Parallel()

	_, url := startServer(t, nil)

	clientCfg := NewClientConfig()
	clientCfg.Logger = logger.Nop()
	client := NewClient(clientCfg)
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Stop(context.Background()) })

	id, err := client.AddConnection(url, "kA", "wechat")
	require.NoError(t, err)
	require.NoError(t, client.ConnectTo(context.Background(), id))
	waitFor(t, 3*time.Second, func() bool {
		return len(client.GetActiveConnections()) == 1
	}, "connected")

	require.NoError(t, client.Disconnect(id))
	waitFor(t, 2*time.Second, func() bool {
		conns := client.GetConnections()
		return len(conns) == 1 && conns[0].State == platnet.StateIdle
	}, "idle after deliberate disconnect")
}

// TestServerShutdownClosesClients verifies Stop sends close code 1001.
func TestServerShutdownClosesClients(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, nil)
	conn := dialRaw(t, url, "kA", "wechat")
	waitFor(t, 2*time.Second, func() bool {
		return srv.Stats().Connections == 1
	}, "connection registered")

	require.NoError(t, srv.Stop(context.Background()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*gorilla.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, platnet.CloseGoingAway, closeErr.Code)

	// Sends after stop fail fast.
	results := srv.SendMessage(context.Background(), testMessage("kA", "wechat"))
	assert.Empty(t, results)
}

// TestHeaderCredentials connects with credentials in headers instead of the
// query string.
func TestHeaderCredentials(t *testing.T) {
	t.Parallel()

	srv, url := startServer(t, nil)

	header := http.Header{}
	header.Set(platnet.MetaHeaderAPIKey, "kH")
	header.Set(platnet.MetaHeaderPlatform, "qq")
	conn, resp, err := gorilla.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	waitFor(t, 2*time.Second, func() bool {
		return srv.Stats().Connections == 1
	}, "header-authenticated connection registered")

	results := srv.SendMessage(context.Background(), testMessage("kH", "qq"))
	assert.Len(t, results, 1)
	readFrame(t, conn, 2*time.Second)
}
