package conn

import (
	"context"
	"sync"
	"time"

	"github.com/opd-ai/peerconnect/peerid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// maintenanceInterval is the bandwidth watcher's per-process sweep cadence
// (spec.md §4.9: "maintenance loop every 1 s").
const maintenanceInterval = time.Second

// Watcher tracks every open (peer, connection -> socket) tuple in the
// process and evicts idle ones once the total count reaches the configured
// cap (spec.md §4.9).
type Watcher struct {
	maxTotal int
	maxIdle  time.Duration

	mu    sync.Mutex
	conns map[*Connection]peerid.ID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	openGauge    prometheus.Gauge
	evictedTotal prometheus.Counter
}

// NewWatcher constructs a bandwidth watcher and starts its maintenance
// loop. reg may be nil, in which case the watcher's gauges are created but
// never registered — callers that don't care about exposing metrics can
// pass nil instead of standing up a registry.
func NewWatcher(ctx context.Context, maxTotal int, maxIdle time.Duration, reg prometheus.Registerer) *Watcher {
	cctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		maxTotal: maxTotal,
		maxIdle:  maxIdle,
		conns:    make(map[*Connection]peerid.ID),
		ctx:      cctx,
		cancel:   cancel,
		openGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerconnect_open_connections",
			Help: "Number of open TCP connections tracked by the bandwidth watcher.",
		}),
		evictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerconnect_connections_evicted_total",
			Help: "Total connections closed by the bandwidth watcher for idleness.",
		}),
	}
	if reg != nil {
		reg.MustRegister(w.openGauge, w.evictedTotal)
	}

	w.wg.Add(1)
	go w.maintenanceLoop()

	return w
}

// Register adds a connection to the tracked set, e.g. right after the
// acceptor or connector brings one up (spec.md §4.7/§4.8).
func (w *Watcher) Register(c *Connection) {
	w.mu.Lock()
	w.conns[c] = c.Peer()
	count := len(w.conns)
	w.mu.Unlock()
	w.openGauge.Set(float64(count))
}

// unregister drops c from the tracked set without closing it (Close is the
// caller's responsibility, since some callers already hold the socket).
func (w *Watcher) unregister(c *Connection) {
	w.mu.Lock()
	delete(w.conns, c)
	count := len(w.conns)
	w.mu.Unlock()
	w.openGauge.Set(float64(count))
}

// RequestClosing forcibly closes c regardless of idleness (spec.md §4.9).
func (w *Watcher) RequestClosing(c *Connection) {
	w.unregister(c)
	if err := c.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Watcher.RequestClosing",
			"peer_id":  c.Peer().String(),
		}).WithError(err).Debug("error closing connection")
	}
}

// Refresh probes liveness for conns belonging to peer. Go's net.Conn has no
// portable non-consuming peek, so "is_socket_connected" is approximated by
// whether Close has already run on it — a cheap, non-blocking check that
// matches the spec's intent (distinguish sockets that are already dead from
// ones that merely look idle) without risking consuming transfer bytes.
func (w *Watcher) Refresh(peer peerid.ID, conns ...*Connection) (active, closed int) {
	for _, c := range conns {
		select {
		case <-c.Closed():
			closed++
		default:
			active++
		}
	}
	return active, closed
}

// Count returns the number of currently tracked connections.
func (w *Watcher) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.conns)
}

// Close stops the maintenance loop. It does not close tracked sockets;
// callers own their own shutdown order for those.
func (w *Watcher) Close() {
	w.cancel()
	w.wg.Wait()
}

func (w *Watcher) maintenanceLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep implements spec.md §4.9's eviction rule: below the cap it closes
// nothing; once the total open count reaches the cap it closes every
// tracked socket idle for longer than maxIdle, in no particular order,
// even if that takes the count well under the cap.
func (w *Watcher) sweep() {
	w.mu.Lock()
	if len(w.conns) < w.maxTotal {
		w.mu.Unlock()
		return
	}
	candidates := make([]*Connection, 0, len(w.conns))
	for c := range w.conns {
		if c.IdleSince() > w.maxIdle {
			candidates = append(candidates, c)
		}
	}
	w.mu.Unlock()

	for _, c := range candidates {
		w.RequestClosing(c)
		w.evictedTotal.Inc()
		logrus.WithFields(logrus.Fields{
			"function": "Watcher.sweep",
			"peer_id":  c.Peer().String(),
		}).Info("evicted idle connection")
	}
}
