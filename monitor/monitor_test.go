package monitor

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nodeplane/fleetcore/cache"
	"github.com/nodeplane/fleetcore/domain"
	"github.com/nodeplane/fleetcore/httpcore"
	"github.com/nodeplane/fleetcore/infrastructure/resilience"
	"github.com/nodeplane/fleetcore/panel"
	"github.com/nodeplane/fleetcore/tokenstore"
)

// testToken is an unsigned JWT expiring in an hour; the token store reads
// its exp claim and rejects a token it cannot decode.
var testToken = func() string {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "admin",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		panic(err)
	}
	return tok
}()

func loginHandler(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"access_token":"` + testToken + `","token_type":"bearer"}`))
}

func newTestPanel(t *testing.T, nodesJSON string) *panel.Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/admin/token", loginHandler)
	mux.HandleFunc("/api/nodes", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(nodesJSON))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	tokens := tokenstore.New(nil)
	t.Cleanup(tokens.Stop)

	return panel.NewClient(httpcore.Config{
		Service: "panel",
		BaseURL: srv.URL,
		Retry: resilience.RetryConfig{
			MaxAttempts:  1,
			InitialDelay: time.Millisecond,
			MaxDelay:     time.Millisecond,
			Multiplier:   1,
		},
	}, panel.Credentials{Username: "admin", Password: "secret"}, tokens)
}

func newTestCache(t *testing.T) *cache.Store {
	t.Helper()
	cfg := cache.DefaultConfig(filepath.Join(t.TempDir(), "cache.db"))
	cfg.CleanupInterval = time.Hour
	s, err := cache.New(cfg)
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// reachableAddr starts a TCP listener that accepts and immediately closes
// connections, standing in for a reachable node's API port.
func reachableAddr(t *testing.T) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return host, port
}

type recordingSubscriber struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSubscriber) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestEngine_ForceUpdate_HealthyNode(t *testing.T) {
	host, port := reachableAddr(t)
	nodesJSON := `[{"id":1,"name":"n1","address":"` + host + `","port":443,"api_port":` + strconv.Itoa(port) + `,"status":"connected","usage_coefficient":1}]`

	p := newTestPanel(t, nodesJSON)
	c := newTestCache(t)
	e := New(p, c, DefaultConfig())

	event, err := e.ForceUpdate(context.Background())
	if err != nil {
		t.Fatalf("ForceUpdate() error = %v", err)
	}
	if event.Type != EventForcedUpdate {
		t.Errorf("Type = %q, want %q", event.Type, EventForcedUpdate)
	}
	if len(event.Nodes) != 1 {
		t.Fatalf("Nodes = %+v, want 1 entry", event.Nodes)
	}
	if event.Nodes[0].HealthStatus != domain.HealthHealthy {
		t.Errorf("HealthStatus = %v, want healthy", event.Nodes[0].HealthStatus)
	}
	if event.System.TotalNodes != 1 || event.System.HealthyNodes != 1 {
		t.Errorf("System = %+v, want 1 total / 1 healthy", event.System)
	}

	hist := e.History(1)
	if len(hist) != 1 {
		t.Fatalf("History(1) = %+v, want 1 entry", hist)
	}
}

func TestEngine_ForceUpdate_UnreachableNodeIsCritical(t *testing.T) {
	nodesJSON := `[{"id":2,"name":"n2","address":"127.0.0.1","port":443,"api_port":1,"status":"connected","usage_coefficient":1}]`
	p := newTestPanel(t, nodesJSON)
	c := newTestCache(t)
	e := New(p, c, DefaultConfig())

	event, err := e.ForceUpdate(context.Background())
	if err != nil {
		t.Fatalf("ForceUpdate() error = %v", err)
	}
	if event.Nodes[0].HealthStatus != domain.HealthCritical {
		t.Errorf("HealthStatus = %v, want critical", event.Nodes[0].HealthStatus)
	}
	if event.Nodes[0].ResponseTimeMs != nil {
		t.Errorf("ResponseTimeMs = %v, want nil", event.Nodes[0].ResponseTimeMs)
	}
}

func TestEngine_ForceUpdate_DispatchesToSubscribersInOrder(t *testing.T) {
	nodesJSON := `[]`
	p := newTestPanel(t, nodesJSON)
	c := newTestCache(t)
	e := New(p, c, DefaultConfig())

	var order []int
	var mu sync.Mutex
	e.Subscribe(SubscriberFunc(func(Event) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	}))
	e.Subscribe(SubscriberFunc(func(Event) {
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
	}))

	if _, err := e.ForceUpdate(context.Background()); err != nil {
		t.Fatalf("ForceUpdate() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("dispatch order = %v, want [1 2]", order)
	}
}

func TestEngine_Alerts_SystemCriticalBelow50Percent(t *testing.T) {
	nodesJSON := `[
		{"id":1,"name":"n1","address":"127.0.0.1","port":443,"api_port":1,"status":"error","usage_coefficient":1},
		{"id":2,"name":"n2","address":"127.0.0.1","port":443,"api_port":1,"status":"disconnected","usage_coefficient":1}
	]`
	p := newTestPanel(t, nodesJSON)
	c := newTestCache(t)
	e := New(p, c, DefaultConfig())

	if _, err := e.ForceUpdate(context.Background()); err != nil {
		t.Fatalf("ForceUpdate() error = %v", err)
	}

	alerts := e.Alerts(time.Now())
	var sawSystemCritical bool
	for _, a := range alerts {
		if a.Kind == domain.AlertSystemCritical {
			sawSystemCritical = true
		}
	}
	if !sawSystemCritical {
		t.Errorf("alerts = %+v, want a system_critical alert", alerts)
	}
}

func TestEngine_StartStop(t *testing.T) {
	p := newTestPanel(t, `[]`)
	c := newTestCache(t)
	cfg := DefaultConfig()
	cfg.Interval = MinInterval
	e := New(p, c, cfg)

	sub := &recordingSubscriber{}
	e.Subscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	e.Start(ctx) // second Start is a no-op

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sub.count() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	e.Stop()

	if sub.count() == 0 {
		t.Error("expected at least one tick to have run before Stop")
	}
}
