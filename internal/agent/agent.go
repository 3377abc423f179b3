// Package agent wires the prober, latency tracker, and health server into
// a single runnable unit.
package agent

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync/atomic"

	"github.com/veloq/gwprobe/internal/config"
	"github.com/veloq/gwprobe/internal/health"
	"github.com/veloq/gwprobe/internal/latency"
	"github.com/veloq/gwprobe/internal/logging"
	"github.com/veloq/gwprobe/internal/metrics"
	"github.com/veloq/gwprobe/internal/probe"
)

// Agent runs the gateway prober.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	prober  *probe.Prober
	tracker *latency.Tracker
	health  *health.Server
	running atomic.Bool
}

// New creates an agent from the given configuration. The raw socket is
// opened here; without sufficient privileges the prober runs degraded and
// every probe send fails.
func New(cfg *config.Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:    cfg,
		logger: logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat),
	}

	gateways := make([]latency.Gateway, 0, len(cfg.Gateways))
	for _, g := range cfg.Gateways {
		gateways = append(gateways, latency.Gateway{Name: g.Name, Addr: g.Addr()})
	}

	// The tracker sends through the agent so it can be wired before the
	// prober exists. The prober is created last: its read goroutine may
	// deliver a reply as soon as it starts, and by then the tracker must
	// already be in place.
	a.tracker = latency.NewTracker(latency.Config{
		Interval:      cfg.Probe.Interval,
		Timeout:       cfg.Probe.Timeout,
		PayloadSize:   cfg.Probe.PayloadSize,
		AllowFragment: cfg.Probe.AllowFragment,
		Rate:          cfg.Probe.Rate,
	}, a, gateways, metrics.Default(), a.logger)

	a.prober = probe.New(a.handleReply, a.logger)

	if cfg.Health.Enabled {
		a.health = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
		}, a.tracker)
	}

	return a, nil
}

var _ latency.EchoSender = (*Agent)(nil)

// SendEchoRequest forwards a probe send to the prober. The prober is
// assigned in New before the tracker's probing loop can start, so the
// field is stable by the time this is called.
func (a *Agent) SendEchoRequest(addr netip.Addr, payloadSize int, allowFragment bool) bool {
	return a.prober.SendEchoRequest(addr, payloadSize, allowFragment)
}

func (a *Agent) handleReply(src netip.Addr) {
	a.tracker.HandleReply(src)
}

// Start begins probing and serving health endpoints.
func (a *Agent) Start() error {
	if a.running.Swap(true) {
		return fmt.Errorf("agent already started")
	}

	if a.health != nil {
		if err := a.health.Start(); err != nil {
			a.running.Store(false)
			return fmt.Errorf("failed to start health server: %w", err)
		}
		a.logger.Info("health server listening",
			logging.KeyAddress, a.health.Address().String())
	}

	a.tracker.Start()
	a.logger.Info("probing started",
		logging.KeyCount, len(a.cfg.Gateways),
		logging.KeyDuration, a.cfg.Probe.Interval)

	return nil
}

// Stop halts probing and shuts everything down.
func (a *Agent) Stop() error {
	if !a.running.Swap(false) {
		return nil
	}

	a.tracker.Stop()

	var firstErr error
	if a.health != nil {
		if err := a.health.Stop(); err != nil {
			firstErr = err
		}
	}
	if err := a.prober.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	a.logger.Info("agent stopped")
	return firstErr
}

// IsRunning reports whether Start has been called without a matching Stop.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Tracker exposes the latency tracker for status queries.
func (a *Agent) Tracker() *latency.Tracker {
	return a.tracker
}

// HealthAddress returns the bound health listener address, or empty when
// the health server is disabled or not started.
func (a *Agent) HealthAddress() string {
	if a.health == nil || a.health.Address() == nil {
		return ""
	}
	return a.health.Address().String()
}
