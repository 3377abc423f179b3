package latency

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/veloq/gwprobe/internal/logging"
	"github.com/veloq/gwprobe/internal/metrics"
)

type fakeSender struct {
	mu    sync.Mutex
	sends []netip.Addr
	fail  map[netip.Addr]bool
}

func (f *fakeSender) SendEchoRequest(addr netip.Addr, payloadSize int, allowFragment bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[addr] {
		return false
	}
	f.sends = append(f.sends, addr)
	return true
}

func (f *fakeSender) sent() []netip.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]netip.Addr(nil), f.sends...)
}

var (
	gwA = netip.MustParseAddr("10.0.0.1")
	gwB = netip.MustParseAddr("10.0.0.2")
)

// testConfig raises the send rate so multi-round tests do not stall on the
// limiter.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Rate = 10000
	return cfg
}

func newTestTracker(t *testing.T, cfg Config, sender EchoSender) (*Tracker, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	tr := NewTracker(cfg, sender, []Gateway{
		{Name: "alpha", Addr: gwA},
		{Name: "beta", Addr: gwB},
	}, m, logging.NopLogger())
	t.Cleanup(tr.Stop)
	return tr, m
}

// clock is a manually advanced time source for the tracker.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestProbeRoundSendsToAllGateways(t *testing.T) {
	sender := &fakeSender{}
	tr, m := newTestTracker(t, testConfig(), sender)

	tr.probeRound()

	got := sender.sent()
	if len(got) != 2 || got[0] != gwA || got[1] != gwB {
		t.Fatalf("sent to %v, want [%v %v]", got, gwA, gwB)
	}
	if v := testutil.ToFloat64(m.ProbesSent); v != 2 {
		t.Errorf("probes sent metric = %v, want 2", v)
	}

	for _, ms := range tr.Measurements() {
		if ms.Sent != 1 {
			t.Errorf("%s: sent = %d, want 1", ms.Name, ms.Sent)
		}
	}
}

func TestProbeRoundSendFailureRollsBack(t *testing.T) {
	sender := &fakeSender{fail: map[netip.Addr]bool{gwA: true}}
	tr, m := newTestTracker(t, testConfig(), sender)

	tr.probeRound()

	ms := tr.Measurements()
	if ms[0].Sent != 0 {
		t.Errorf("alpha sent = %d, want 0 after failed send", ms[0].Sent)
	}
	if ms[1].Sent != 1 {
		t.Errorf("beta sent = %d, want 1", ms[1].Sent)
	}
	if v := testutil.ToFloat64(m.ProbeSendFailures.WithLabelValues("alpha")); v != 1 {
		t.Errorf("send failures for alpha = %v, want 1", v)
	}

	// A reply from the failed gateway has no outstanding probe.
	tr.HandleReply(gwA)
	if v := testutil.ToFloat64(m.RepliesDiscarded.WithLabelValues(metrics.ReasonNoPending)); v != 1 {
		t.Errorf("discarded no_pending = %v, want 1", v)
	}
}

func TestHandleReplyComputesRTT(t *testing.T) {
	sender := &fakeSender{}
	tr, m := newTestTracker(t, testConfig(), sender)

	clk := &clock{now: time.Unix(1700000000, 0)}
	tr.now = clk.Now

	tr.probeRound()
	clk.Advance(30 * time.Millisecond)
	tr.HandleReply(gwA)

	ms := tr.Measurements()[0]
	if ms.Received != 1 {
		t.Fatalf("received = %d, want 1", ms.Received)
	}
	if ms.LastRTT != 30*time.Millisecond {
		t.Errorf("last rtt = %v, want 30ms", ms.LastRTT)
	}
	if ms.BestRTT != 30*time.Millisecond || ms.SmoothRTT != 30*time.Millisecond {
		t.Errorf("best = %v smooth = %v, want 30ms for first sample", ms.BestRTT, ms.SmoothRTT)
	}
	if ms.Loss != 0 {
		t.Errorf("loss = %v, want 0", ms.Loss)
	}
	if v := testutil.ToFloat64(m.RepliesReceived); v != 1 {
		t.Errorf("replies received metric = %v, want 1", v)
	}
}

func TestHandleReplySmoothsRTT(t *testing.T) {
	sender := &fakeSender{}
	tr, _ := newTestTracker(t, testConfig(), sender)

	clk := &clock{now: time.Unix(1700000000, 0)}
	tr.now = clk.Now

	tr.probeRound()
	clk.Advance(80 * time.Millisecond)
	tr.HandleReply(gwA)

	tr.probeRound()
	clk.Advance(160 * time.Millisecond)
	tr.HandleReply(gwA)

	ms := tr.Measurements()[0]
	// 80 + (160-80)/8 = 90ms
	if ms.SmoothRTT != 90*time.Millisecond {
		t.Errorf("smooth rtt = %v, want 90ms", ms.SmoothRTT)
	}
	if ms.BestRTT != 80*time.Millisecond {
		t.Errorf("best rtt = %v, want 80ms", ms.BestRTT)
	}
	if ms.LastRTT != 160*time.Millisecond {
		t.Errorf("last rtt = %v, want 160ms", ms.LastRTT)
	}
}

func TestHandleReplyUnknownSource(t *testing.T) {
	sender := &fakeSender{}
	tr, m := newTestTracker(t, testConfig(), sender)

	tr.probeRound()
	tr.HandleReply(netip.MustParseAddr("192.0.2.99"))

	if v := testutil.ToFloat64(m.RepliesDiscarded.WithLabelValues(metrics.ReasonUnknownSource)); v != 1 {
		t.Errorf("discarded unknown_source = %v, want 1", v)
	}
	sent, received := tr.Totals()
	if sent != 2 || received != 0 {
		t.Errorf("totals = %d/%d, want 2/0", sent, received)
	}
}

func TestHandleReplyLate(t *testing.T) {
	sender := &fakeSender{}
	cfg := testConfig()
	cfg.Timeout = 100 * time.Millisecond
	tr, m := newTestTracker(t, cfg, sender)

	clk := &clock{now: time.Unix(1700000000, 0)}
	tr.now = clk.Now

	tr.probeRound()
	clk.Advance(150 * time.Millisecond)
	tr.HandleReply(gwA)

	if v := testutil.ToFloat64(m.RepliesDiscarded.WithLabelValues(metrics.ReasonLate)); v != 1 {
		t.Errorf("discarded late = %v, want 1", v)
	}
	ms := tr.Measurements()[0]
	if ms.Received != 0 {
		t.Errorf("received = %d, want 0 for late reply", ms.Received)
	}
	// The late reply still consumes the outstanding probe.
	tr.HandleReply(gwA)
	if v := testutil.ToFloat64(m.RepliesDiscarded.WithLabelValues(metrics.ReasonNoPending)); v != 1 {
		t.Errorf("discarded no_pending = %v, want 1", v)
	}
}

func TestBestGatewaySelection(t *testing.T) {
	sender := &fakeSender{}
	tr, m := newTestTracker(t, testConfig(), sender)

	clk := &clock{now: time.Unix(1700000000, 0)}
	tr.now = clk.Now

	if _, ok := tr.Best(); ok {
		t.Fatal("Best() reported a gateway before any replies")
	}

	// alpha answers in 50ms, beta in 20ms.
	tr.probeRound()
	clk.Advance(20 * time.Millisecond)
	tr.HandleReply(gwB)
	clk.Advance(30 * time.Millisecond)
	tr.HandleReply(gwA)

	best, ok := tr.Best()
	if !ok || best.Name != "beta" {
		t.Fatalf("best = %+v ok=%v, want beta", best, ok)
	}
	if v := testutil.ToFloat64(m.BestGatewayChanges); v != 1 {
		t.Errorf("best changes = %v, want 1", v)
	}

	// alpha speeds up well past beta's EWMA and takes over.
	for i := 0; i < 20; i++ {
		tr.probeRound()
		clk.Advance(time.Millisecond)
		tr.HandleReply(gwA)
		clk.Advance(19 * time.Millisecond)
		tr.HandleReply(gwB)
	}

	best, ok = tr.Best()
	if !ok || best.Name != "alpha" {
		t.Fatalf("best = %+v ok=%v, want alpha after improvement", best, ok)
	}
	if v := testutil.ToFloat64(m.BestGatewayChanges); v != 2 {
		t.Errorf("best changes = %v, want 2", v)
	}
}

func TestBestIgnoresStaleGateways(t *testing.T) {
	sender := &fakeSender{}
	cfg := testConfig()
	cfg.Interval = time.Second
	tr, _ := newTestTracker(t, cfg, sender)

	clk := &clock{now: time.Unix(1700000000, 0)}
	tr.now = clk.Now

	tr.probeRound()
	clk.Advance(10 * time.Millisecond)
	tr.HandleReply(gwA)

	// Alpha's only reply ages beyond three intervals; once beta answers,
	// it is the only fresh candidate regardless of its higher RTT.
	clk.Advance(10 * time.Second)
	tr.probeRound()
	clk.Advance(5 * time.Millisecond)
	tr.HandleReply(gwB)

	best, ok := tr.Best()
	if !ok || best.Name != "beta" {
		t.Fatalf("best = %+v ok=%v, want beta as only fresh gateway", best, ok)
	}
}

func TestLossRatio(t *testing.T) {
	sender := &fakeSender{}
	tr, _ := newTestTracker(t, testConfig(), sender)

	for i := 0; i < 4; i++ {
		tr.probeRound()
		if i%2 == 0 {
			tr.HandleReply(gwA)
		}
	}

	ms := tr.Measurements()[0]
	if ms.Sent != 4 || ms.Received != 2 {
		t.Fatalf("sent/received = %d/%d, want 4/2", ms.Sent, ms.Received)
	}
	if ms.Loss != 0.5 {
		t.Errorf("loss = %v, want 0.5", ms.Loss)
	}
}

func TestStartStop(t *testing.T) {
	sender := &fakeSender{}
	cfg := testConfig()
	cfg.Interval = 10 * time.Millisecond
	tr, _ := newTestTracker(t, cfg, sender)

	tr.Start()
	if !tr.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	tr.Start() // second Start is a no-op

	deadline := time.Now().Add(time.Second)
	for len(sender.sent()) < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(sender.sent()); n < 4 {
		t.Fatalf("got %d sends before deadline, want at least 4", n)
	}

	tr.Stop()
	if tr.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}

	n := len(sender.sent())
	time.Sleep(30 * time.Millisecond)
	if got := len(sender.sent()); got != n {
		t.Errorf("sends continued after Stop: %d -> %d", n, got)
	}
}
