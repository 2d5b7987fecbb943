package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wagermesh/wagerd/internal/domain"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// frameServer is a test WebSocket endpoint that feeds canned frames to each
// connection.
type frameServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	conns    int
	onAccept func(conn *websocket.Conn, connNumber int)
}

func newFrameServer(t *testing.T, onAccept func(conn *websocket.Conn, connNumber int)) *frameServer {
	t.Helper()
	fs := &frameServer{onAccept: onAccept}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.mu.Lock()
		fs.conns++
		n := fs.conns
		fs.mu.Unlock()
		fs.onAccept(conn, n)
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *frameServer) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *frameServer) connCount() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.conns
}

func sendFrame(conn *websocket.Conn, frame domain.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	cfg.HeartbeatTimeout = time.Second
	cfg.CircuitCooldown = 100 * time.Millisecond
	return cfg
}

func TestClient_ReceivesFrames(t *testing.T) {
	fs := newFrameServer(t, func(conn *websocket.Conn, _ int) {
		sendFrame(conn, domain.NewHeartbeatFrame("mkt-1", time.Now().UTC()))
		sendFrame(conn, domain.NewPoolUpdateFrame(domain.PoolSnapshot{
			MarketID: "mkt-1", YesPool: 200, NoPool: 100, TotalBets: 3,
		}, time.Now().UTC()))
		time.Sleep(time.Second)
		conn.Close()
	})

	c := NewClient(testConfig(fs.url()), testLogger(t))

	frames := make(chan domain.Frame, 16)
	c.OnFrame(func(f domain.Frame) { frames <- f })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	var got []domain.Frame
	for len(got) < 2 {
		select {
		case f := <-frames:
			got = append(got, f)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}

	assert.Equal(t, domain.FrameHeartbeat, got[0].Type)
	assert.Equal(t, domain.FramePoolUpdate, got[1].Type)

	var upd domain.PoolUpdate
	require.NoError(t, json.Unmarshal(got[1].Payload, &upd))
	assert.Equal(t, int64(200), upd.YesPool)
}

func TestClient_TypedSubscription(t *testing.T) {
	fs := newFrameServer(t, func(conn *websocket.Conn, _ int) {
		sendFrame(conn, domain.NewHeartbeatFrame("mkt-1", time.Now().UTC()))
		sendFrame(conn, domain.NewPoolUpdateFrame(domain.PoolSnapshot{
			MarketID: "mkt-1", YesPool: 200, NoPool: 100, TotalBets: 3,
		}, time.Now().UTC()))
		sendFrame(conn, domain.NewPoolUpdateFrame(domain.PoolSnapshot{
			MarketID: "mkt-1", YesPool: 300, NoPool: 100, TotalBets: 4,
		}, time.Now().UTC()))
		time.Sleep(time.Second)
		conn.Close()
	})

	c := NewClient(testConfig(fs.url()), testLogger(t))

	pools := make(chan domain.Frame, 16)
	id := c.Subscribe(domain.FramePoolUpdate, func(f domain.Frame) { pools <- f })

	heartbeats := make(chan domain.Frame, 16)
	c.Subscribe(domain.FrameHeartbeat, func(f domain.Frame) { heartbeats <- f })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	select {
	case f := <-pools:
		assert.Equal(t, domain.FramePoolUpdate, f.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pool update")
	}
	select {
	case f := <-heartbeats:
		assert.Equal(t, domain.FrameHeartbeat, f.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}

	// After unsubscribing the pool listener only heartbeats arrive. The
	// second pool update may already be buffered, so just verify removal
	// does not panic and the client keeps running.
	c.Unsubscribe(domain.FramePoolUpdate, id)
	assert.NotEqual(t, StateCircuitOpen, c.State())
}

func TestClient_StateTransitions(t *testing.T) {
	fs := newFrameServer(t, func(conn *websocket.Conn, _ int) {
		time.Sleep(time.Second)
		conn.Close()
	})

	c := NewClient(testConfig(fs.url()), testLogger(t))

	var mu sync.Mutex
	var transitions []State
	c.OnStateChange(func(_, to State) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateConnecting, StateConnected}, transitions)
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	fs := newFrameServer(t, func(conn *websocket.Conn, n int) {
		if n == 1 {
			// First connection dies immediately.
			conn.Close()
			return
		}
		sendFrame(conn, domain.NewHeartbeatFrame("mkt-1", time.Now().UTC()))
		time.Sleep(time.Second)
		conn.Close()
	})

	c := NewClient(testConfig(fs.url()), testLogger(t))

	frames := make(chan domain.Frame, 1)
	c.OnFrame(func(f domain.Frame) {
		select {
		case frames <- f:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	select {
	case <-frames:
	case <-time.After(3 * time.Second):
		t.Fatal("never received a frame after reconnect")
	}

	assert.GreaterOrEqual(t, fs.connCount(), 2)
}

func TestClient_HeartbeatTimeoutForcesReconnect(t *testing.T) {
	fs := newFrameServer(t, func(conn *websocket.Conn, _ int) {
		// Send nothing: the client must give up on its own.
		time.Sleep(2 * time.Second)
		conn.Close()
	})

	cfg := testConfig(fs.url())
	cfg.HeartbeatTimeout = 50 * time.Millisecond
	c := NewClient(cfg, testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	require.Eventually(t, func() bool {
		return fs.connCount() >= 2
	}, 3*time.Second, 10*time.Millisecond, "silent connection should be torn down and redialed")
}

func TestClient_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	// A server that refuses the upgrade entirely.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	cfg.FailureThreshold = 2
	cfg.CircuitCooldown = 10 * time.Second // long enough to observe the state
	c := NewClient(cfg, testLogger(t))

	sawCircuitOpen := make(chan struct{}, 1)
	c.OnStateChange(func(_, to State) {
		if to == StateCircuitOpen {
			select {
			case sawCircuitOpen <- struct{}{}:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	select {
	case <-sawCircuitOpen:
	case <-time.After(3 * time.Second):
		t.Fatal("circuit never opened")
	}
	assert.Equal(t, StateCircuitOpen, c.State())
}

func TestClient_EstablishedSessionResetsFailureCount(t *testing.T) {
	// Every dial succeeds, delivers one frame, and drops shortly after.
	// That is the normal life of a long-running subscriber; with the
	// failure count reset on each established session, it must never trip
	// the circuit no matter how many sessions come and go.
	fs := newFrameServer(t, func(conn *websocket.Conn, _ int) {
		sendFrame(conn, domain.NewHeartbeatFrame("mkt-1", time.Now().UTC()))
		time.Sleep(20 * time.Millisecond)
		conn.Close()
	})

	cfg := testConfig(fs.url())
	cfg.FailureThreshold = 2
	cfg.CircuitCooldown = 10 * time.Second
	c := NewClient(cfg, testLogger(t))

	sawCircuitOpen := make(chan struct{}, 1)
	c.OnStateChange(func(_, to State) {
		if to == StateCircuitOpen {
			select {
			case sawCircuitOpen <- struct{}{}:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	// Wait until well past FailureThreshold sessions have cycled.
	deadline := time.Now().Add(2 * time.Second)
	for fs.connCount() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.GreaterOrEqual(t, fs.connCount(), 5)

	select {
	case <-sawCircuitOpen:
		t.Fatal("circuit opened on drops of established sessions")
	default:
	}
	assert.NotEqual(t, StateCircuitOpen, c.State())
}

func TestClient_ListenerPanicIsContained(t *testing.T) {
	fs := newFrameServer(t, func(conn *websocket.Conn, _ int) {
		sendFrame(conn, domain.NewHeartbeatFrame("mkt-1", time.Now().UTC()))
		time.Sleep(time.Second)
		conn.Close()
	})

	c := NewClient(testConfig(fs.url()), testLogger(t))
	c.OnFrame(func(domain.Frame) { panic("boom") })

	survived := make(chan struct{}, 1)
	c.OnFrame(func(domain.Frame) {
		select {
		case survived <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	select {
	case <-survived:
	case <-time.After(2 * time.Second):
		t.Fatal("second listener never ran after first panicked")
	}
}

func TestClient_CloseStopsRun(t *testing.T) {
	fs := newFrameServer(t, func(conn *websocket.Conn, _ int) {
		time.Sleep(time.Second)
		conn.Close()
	})

	c := NewClient(testConfig(fs.url()), testLogger(t))

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	c.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	cfg := DefaultConfig("ws://unused")
	cfg.InitialBackoff = 100 * time.Millisecond
	cfg.MaxBackoff = time.Second
	cfg.BackoffMultiplier = 2.0
	c := NewClient(cfg, testLogger(t))

	// With ±10% jitter the n-th delay stays within [0.9, 1.1] of the
	// exponential schedule.
	within := func(d time.Duration, base time.Duration) bool {
		lo := time.Duration(float64(base) * 0.9)
		hi := time.Duration(float64(base) * 1.1)
		return d >= lo && d <= hi
	}

	assert.True(t, within(c.backoff(1), 100*time.Millisecond))
	assert.True(t, within(c.backoff(2), 200*time.Millisecond))
	assert.True(t, within(c.backoff(3), 400*time.Millisecond))

	// Far past the cap.
	d := c.backoff(20)
	assert.LessOrEqual(t, d, time.Second)
	assert.GreaterOrEqual(t, d, 890*time.Millisecond)
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.DiscardHandler)
}
