// Package monitor is the monitoring engine from spec §4.I: a ticking loop
// that polls the panel's node list, probes each node's reachability, derives
// health, keeps a bounded per-node history, and fans out metrics updates to
// subscribers (an in-process ordered-slice dispatch plus, optionally, a
// websocket transport).
package monitor

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nodeplane/fleetcore/cache"
	"github.com/nodeplane/fleetcore/domain"
	"github.com/nodeplane/fleetcore/infrastructure/logging"
	"github.com/nodeplane/fleetcore/panel"
)

// DefaultInterval is the tick period used when Config.Interval is unset.
const DefaultInterval = 30 * time.Second

// MinInterval is the floor spec §4.I imposes on the tick period.
const MinInterval = 10 * time.Second

// DefaultHistorySize is the per-node ring buffer capacity used when
// Config.HistorySize is unset.
const DefaultHistorySize = 100

// CacheTTL is how long a tick's metrics snapshot lives in the cache before
// the next tick would refresh it anyway.
const CacheTTL = 60 * time.Second

// ProbeTimeout bounds the per-node TCP connect probe used to derive
// reachability and response time.
const ProbeTimeout = 3 * time.Second

const (
	nodeMetricsCacheKey   = "monitoring:node_metrics"
	systemMetricsCacheKey = "monitoring:system_metrics"
	cacheTag              = "monitoring"
)

// Event is what a tick (or a forced update) hands to every Subscriber.
type Event struct {
	Type    string              `json:"type"`
	Nodes   []domain.NodeMetrics `json:"nodes"`
	System  domain.SystemMetrics `json:"system"`
	Alerts  []domain.Alert       `json:"alerts,omitempty"`
}

const (
	EventMetricsUpdate = "metrics_update"
	EventForcedUpdate  = "forced_update"
)

// Subscriber receives every Event the engine emits, in subscription order.
// An ordered slice (not a map) drives dispatch, since spec's fan-out must
// preserve the order subscribers registered in.
type Subscriber interface {
	Notify(Event)
}

// SubscriberFunc adapts a plain function to the Subscriber interface.
type SubscriberFunc func(Event)

func (f SubscriberFunc) Notify(e Event) { f(e) }

// Config configures an Engine.
type Config struct {
	Interval    time.Duration
	HistorySize int
	Logger      *logging.Logger
}

// DefaultConfig applies spec's documented defaults.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, HistorySize: DefaultHistorySize}
}

// Engine is the monitoring engine described in spec §4.I.
type Engine struct {
	panel *panel.Client
	cache *cache.Store
	cfg   Config
	logger *logging.Logger

	mu          sync.RWMutex
	history     map[int]*domain.History
	subscribers []Subscriber

	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds an Engine over the given panel client and cache. An unset
// Interval becomes DefaultInterval and a positive one is clamped to
// MinInterval; HistorySize defaults to DefaultHistorySize.
func New(p *panel.Client, c *cache.Store, cfg Config) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	} else if cfg.Interval < MinInterval {
		cfg.Interval = MinInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	return &Engine{
		panel:   p,
		cache:   c,
		cfg:     cfg,
		logger:  cfg.Logger,
		history: make(map[int]*domain.History),
	}
}

// Subscribe registers s to receive every future Event, appended to the end
// of the dispatch order.
func (e *Engine) Subscribe(s Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, s)
}

// Start begins ticking in a background goroutine. Calling Start twice is a
// no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.mu.Unlock()

	e.wg.Add(1)
	go e.loop(ctx)
}

// Stop halts the tick loop and waits for the in-flight tick, if any, to
// finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
}

// ForceUpdate runs a single synchronous tick outside the regular schedule
// and emits it tagged "forced_update" rather than "metrics_update".
func (e *Engine) ForceUpdate(ctx context.Context) (Event, error) {
	return e.tick(ctx, EventForcedUpdate)
}

// Alerts derives the current alert set on demand from the latest observed
// per-node metrics, per spec's "alerts are derived, not stored" rule.
func (e *Engine) Alerts(now time.Time) []domain.Alert {
	e.mu.RLock()
	defer e.mu.RUnlock()
	nodeMetrics := e.latestLocked()
	system := domain.ComputeSystemMetrics(nodeMetrics, now)
	return domain.DeriveAlerts(nodeMetrics, system, now)
}

// History returns the observed ring buffer for a node, oldest first. Empty
// if the node has never been observed.
func (e *Engine) History(nodeID int) []domain.NodeMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.history[nodeID]
	if !ok {
		return nil
	}
	return h.Slice()
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		start := time.Now()
		if _, err := e.tick(ctx, EventMetricsUpdate); err != nil && e.logger != nil {
			e.logger.Error(ctx, "monitoring tick failed", err, nil)
		}

		elapsed := time.Since(start)
		wait := e.cfg.Interval - elapsed
		if wait < 0 {
			wait = 0
		}

		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// tick implements the 7-step protocol: list nodes bypassing the cache,
// probe each for reachability/response time, push per-node history, fold
// into system metrics, cache both under CacheTTL tagged "monitoring", and
// fan out the resulting Event to every subscriber in order.
func (e *Engine) tick(ctx context.Context, eventType string) (Event, error) {
	nodes, err := e.panel.ListNodes(ctx)
	if err != nil {
		return Event{}, err
	}

	now := time.Now()
	observations := make([]domain.NodeMetrics, 0, len(nodes))
	for _, n := range nodes {
		observations = append(observations, e.observe(n, now))
	}

	e.mu.Lock()
	for _, m := range observations {
		h, ok := e.history[m.NodeID]
		if !ok {
			h = domain.NewHistory(e.cfg.HistorySize)
			e.history[m.NodeID] = h
		}
		h.Push(m)
	}
	e.mu.Unlock()

	system := domain.ComputeSystemMetrics(observations, now)

	if e.cache != nil {
		_ = e.cache.SetValue(ctx, nodeMetricsCacheKey, observations, CacheTTL, []string{cacheTag})
		_ = e.cache.SetValue(ctx, systemMetricsCacheKey, system, CacheTTL, []string{cacheTag})
	}

	alerts := domain.DeriveAlerts(observations, system, now)
	event := Event{Type: eventType, Nodes: observations, System: system, Alerts: alerts}
	e.dispatch(event)
	return event, nil
}

// observe performs the bounded-time TCP connect probe against a node's API
// port and derives its health status from the panel-reported status and the
// measured response time.
func (e *Engine) observe(n domain.Node, now time.Time) domain.NodeMetrics {
	var responseMs *int64
	if n.Status == domain.StatusConnected {
		if d, ok := probe(n.Address, n.APIPort); ok {
			ms := d.Milliseconds()
			responseMs = &ms
		}
	}

	health := domain.DeriveHealthStatus(n.Status, responseMs)
	return domain.NodeMetrics{
		NodeID:         n.ID,
		NodeName:       n.Name,
		Status:         n.Status,
		ResponseTimeMs: responseMs,
		HealthStatus:   health,
		LastSeen:       now,
	}
}

// probe attempts a TCP connection within ProbeTimeout and reports the
// elapsed dial time on success.
func probe(address string, port int) (time.Duration, bool) {
	start := time.Now()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), ProbeTimeout)
	if err != nil {
		return 0, false
	}
	_ = conn.Close()
	return time.Since(start), true
}

func (e *Engine) dispatch(event Event) {
	e.mu.RLock()
	subs := make([]Subscriber, len(e.subscribers))
	copy(subs, e.subscribers)
	e.mu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil && e.logger != nil {
					e.logger.Error(context.Background(), "monitoring subscriber panicked", fmt.Errorf("%v", r), nil)
				}
			}()
			s.Notify(event)
		}()
	}
}

func (e *Engine) latestLocked() []domain.NodeMetrics {
	out := make([]domain.NodeMetrics, 0, len(e.history))
	for _, h := range e.history {
		if latest, ok := h.Latest(); ok {
			out = append(out, latest)
		}
	}
	return out
}
