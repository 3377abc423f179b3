// Package latency tracks round-trip latency to VPN gateway candidates and
// selects the best-performing one.
//
// The tracker drives a Prober: it schedules periodic echo requests to every
// candidate, records send times, and matches reply events by source
// address. Round-trip time is computed from the recorded send time, not
// from the echo payload.
package latency

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veloq/gwprobe/internal/logging"
	"github.com/veloq/gwprobe/internal/metrics"
)

// EchoSender is the prober surface the tracker drives.
type EchoSender interface {
	SendEchoRequest(addr netip.Addr, payloadSize int, allowFragment bool) bool
}

// Gateway is one candidate to probe.
type Gateway struct {
	Name string
	Addr netip.Addr
}

// Config tunes probing behavior.
type Config struct {
	// Interval between probe rounds.
	Interval time.Duration

	// Timeout after which a reply no longer counts toward latency.
	Timeout time.Duration

	// PayloadSize is the ICMP payload size in bytes.
	PayloadSize int

	// AllowFragment clears the DF flag on outgoing probes.
	AllowFragment bool

	// Rate caps echo requests per second across all gateways.
	Rate float64
}

// DefaultConfig returns sensible probing defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		Timeout:     2 * time.Second,
		PayloadSize: 56,
		Rate:        50,
	}
}

// Measurement is a point-in-time snapshot of one gateway's state.
type Measurement struct {
	Name      string        `json:"name"`
	Address   string        `json:"address"`
	Sent      uint64        `json:"sent"`
	Received  uint64        `json:"received"`
	Loss      float64       `json:"loss"`
	LastRTT   time.Duration `json:"last_rtt_ns"`
	BestRTT   time.Duration `json:"best_rtt_ns"`
	SmoothRTT time.Duration `json:"smooth_rtt_ns"`
	LastReply time.Time     `json:"last_reply"`
}

type gatewayState struct {
	name string
	addr netip.Addr

	sent      uint64
	received  uint64
	lastRTT   time.Duration
	bestRTT   time.Duration
	smoothRTT time.Duration
	lastReply time.Time

	// pendingSince is the send time of the outstanding probe, zero when
	// none is in flight.
	pendingSince time.Time
}

// Tracker probes a fixed set of gateways and tracks their latency.
type Tracker struct {
	mu       sync.Mutex
	gateways map[netip.Addr]*gatewayState
	order    []netip.Addr
	best     netip.Addr

	cfg     Config
	sender  EchoSender
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger

	now func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewTracker creates a tracker for the given gateway candidates.
func NewTracker(cfg Config, sender EchoSender, gateways []Gateway, m *metrics.Metrics, logger *slog.Logger) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())

	t := &Tracker{
		gateways: make(map[netip.Addr]*gatewayState, len(gateways)),
		cfg:      cfg,
		sender:   sender,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), max(1, len(gateways))),
		metrics:  m,
		logger:   logger.With(slog.String(logging.KeyComponent, "latency")),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, g := range gateways {
		addr := g.Addr.Unmap()
		t.gateways[addr] = &gatewayState{name: g.Name, addr: addr}
		t.order = append(t.order, addr)
	}
	m.GatewaysTracked.Set(float64(len(t.order)))

	return t
}

// Start launches the probing loop. The first round runs immediately.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run()
}

// Stop halts probing and waits for the loop to exit. Replies delivered
// after Stop are still accepted; only scheduling stops.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
}

// IsRunning reports whether the probing loop has been started and not yet
// stopped.
func (t *Tracker) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started && t.ctx.Err() == nil
}

func (t *Tracker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	t.probeRound()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.probeRound()
		}
	}
}

// probeRound sends one echo request to every gateway, paced by the rate
// limiter. An unanswered previous probe is simply superseded; loss shows
// up as the gap between sent and received counts.
func (t *Tracker) probeRound() {
	for _, addr := range t.order {
		if err := t.limiter.Wait(t.ctx); err != nil {
			return
		}

		t.mu.Lock()
		gw := t.gateways[addr]
		gw.pendingSince = t.now()
		gw.sent++
		t.mu.Unlock()

		if t.sender.SendEchoRequest(addr, t.cfg.PayloadSize, t.cfg.AllowFragment) {
			t.metrics.ProbesSent.Inc()
			continue
		}

		t.metrics.ProbeSendFailures.WithLabelValues(gw.name).Inc()
		t.mu.Lock()
		gw.pendingSince = time.Time{}
		gw.sent--
		t.mu.Unlock()
	}
}

// HandleReply records an echo reply from src. It is safe to call from the
// prober's read goroutine.
func (t *Tracker) HandleReply(src netip.Addr) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	gw := t.gateways[src.Unmap()]
	if gw == nil {
		// A reply we never asked for; possible when another prober shares
		// the host.
		t.metrics.RepliesDiscarded.WithLabelValues(metrics.ReasonUnknownSource).Inc()
		return
	}
	if gw.pendingSince.IsZero() {
		t.metrics.RepliesDiscarded.WithLabelValues(metrics.ReasonNoPending).Inc()
		return
	}

	rtt := now.Sub(gw.pendingSince)
	gw.pendingSince = time.Time{}

	if rtt > t.cfg.Timeout {
		t.metrics.RepliesDiscarded.WithLabelValues(metrics.ReasonLate).Inc()
		t.logger.Debug("discarding late reply",
			logging.KeyGateway, gw.name,
			logging.KeyDuration, rtt)
		return
	}

	gw.received++
	gw.lastRTT = rtt
	gw.lastReply = now
	if gw.bestRTT == 0 || rtt < gw.bestRTT {
		gw.bestRTT = rtt
	}
	if gw.smoothRTT == 0 {
		gw.smoothRTT = rtt
	} else {
		// EWMA with gain 1/8, as TCP smooths its RTT estimate.
		gw.smoothRTT += (rtt - gw.smoothRTT) / 8
	}

	t.metrics.RepliesReceived.Inc()
	t.metrics.ProbeRTT.Observe(rtt.Seconds())
	t.metrics.GatewayRTT.WithLabelValues(gw.name).Set(gw.smoothRTT.Seconds())

	t.logger.Debug("reply received",
		logging.KeyGateway, gw.name,
		logging.KeyAddress, gw.addr.String(),
		logging.KeyDuration, rtt)

	t.updateBestLocked(now)
}

// updateBestLocked re-evaluates the best gateway. A candidate is eligible
// while its last reply is fresh; the lowest smoothed RTT wins.
func (t *Tracker) updateBestLocked(now time.Time) {
	staleAfter := 3 * t.cfg.Interval

	var best *gatewayState
	for _, addr := range t.order {
		gw := t.gateways[addr]
		if gw.smoothRTT == 0 || now.Sub(gw.lastReply) > staleAfter {
			continue
		}
		if best == nil || gw.smoothRTT < best.smoothRTT {
			best = gw
		}
	}

	if best == nil || best.addr == t.best {
		return
	}

	t.best = best.addr
	t.metrics.BestGatewayChanges.Inc()
	t.logger.Info("best gateway changed",
		logging.KeyGateway, best.name,
		logging.KeyAddress, best.addr.String(),
		logging.KeyDuration, best.smoothRTT)
}

// Best returns the current best gateway, if any candidate has a fresh
// measurement.
func (t *Tracker) Best() (Measurement, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	gw := t.gateways[t.best]
	if gw == nil || gw.smoothRTT == 0 {
		return Measurement{}, false
	}
	return gw.snapshot(), true
}

// Measurements returns a snapshot of every gateway in configuration order.
func (t *Tracker) Measurements() []Measurement {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Measurement, 0, len(t.order))
	for _, addr := range t.order {
		out = append(out, t.gateways[addr].snapshot())
	}
	return out
}

// Totals returns aggregate sent/received counts across all gateways.
func (t *Tracker) Totals() (sent, received uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, gw := range t.gateways {
		sent += gw.sent
		received += gw.received
	}
	return sent, received
}

func (g *gatewayState) snapshot() Measurement {
	m := Measurement{
		Name:      g.name,
		Address:   g.addr.String(),
		Sent:      g.sent,
		Received:  g.received,
		LastRTT:   g.lastRTT,
		BestRTT:   g.bestRTT,
		SmoothRTT: g.smoothRTT,
		LastReply: g.lastReply,
	}
	if g.sent > 0 {
		m.Loss = 1 - float64(g.received)/float64(g.sent)
	}
	return m
}
