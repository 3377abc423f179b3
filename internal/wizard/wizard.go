// Package wizard provides an interactive setup wizard for gwprobe.
package wizard

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/veloq/gwprobe/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	// Step 1: Config path
	configPath, err := w.askConfigPath()
	if err != nil {
		return nil, err
	}

	// Step 2: Gateway candidates
	gateways, err := w.askGateways()
	if err != nil {
		return nil, err
	}

	// Step 3: Probing behavior
	probe, err := w.askProbeConfig()
	if err != nil {
		return nil, err
	}

	// Step 4: Health endpoint and logging
	health, logLevel, err := w.askAdvancedOptions()
	if err != nil {
		return nil, err
	}

	cfg := w.buildConfig(gateways, probe, health, logLevel)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration invalid: %w", err)
	}

	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	w.printSummary(configPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: configPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
                           _
   __ ___      ___ __ _ __ ___ | |__   ___
  / _` + "`" + ` \ \ /\ / / '_ \| '__/ _ \| '_ \ / _ \
 | (_| |\ V  V /| |_) | | | (_) | |_) |  __/
  \__, | \_/\_/ | .__/|_|  \___/|_.__/ \___|
  |___/         |_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  VPN Gateway Latency Prober - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askConfigPath() (configPath string, err error) {
	configPath = "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure where to write the configuration file."),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askGateways() ([]config.GatewayConfig, error) {
	var gatewaysStr string

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Gateway Candidates").
				Description("List the VPN gateways to probe.\nOne per line, as \"name address\" or just \"address\"."),

			huh.NewText().
				Title("Gateways").
				Placeholder("chicago 10.8.0.1\nfrankfurt 10.8.1.1").
				Value(&gatewaysStr).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("at least one gateway is required")
					}
					for _, line := range strings.Split(s, "\n") {
						line = strings.TrimSpace(line)
						if line == "" {
							continue
						}
						fields := strings.Fields(line)
						addr, err := netip.ParseAddr(fields[len(fields)-1])
						if err != nil || !addr.Is4() {
							return fmt.Errorf("invalid IPv4 address: %s", fields[len(fields)-1])
						}
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return nil, err
	}

	return parseGatewayLines(gatewaysStr), nil
}

// parseGatewayLines converts "name address" lines into gateway entries.
// Lines with no name use the address as the label.
func parseGatewayLines(s string) []config.GatewayConfig {
	var gateways []config.GatewayConfig
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		gw := config.GatewayConfig{Address: fields[len(fields)-1]}
		if len(fields) > 1 {
			gw.Name = strings.Join(fields[:len(fields)-1], " ")
		} else {
			gw.Name = gw.Address
		}
		gateways = append(gateways, gw)
	}
	return gateways
}

func (w *Wizard) askProbeConfig() (config.ProbeConfig, error) {
	probe := config.Default().Probe
	interval := probe.Interval.String()
	payloadSize := strconv.Itoa(probe.PayloadSize)
	allowFragment := probe.AllowFragment

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Probing Behavior").
				Description("How often and how heavily to probe."),

			huh.NewInput().
				Title("Probe Interval").
				Description("Time between probe rounds (e.g., 5s, 1m)").
				Placeholder("5s").
				Value(&interval).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					d, err := time.ParseDuration(s)
					if err != nil || d <= 0 {
						return fmt.Errorf("must be a positive duration")
					}
					return nil
				}),

			huh.NewInput().
				Title("Payload Size (bytes)").
				Description("ICMP payload per probe, 0-1024").
				Placeholder("56").
				Value(&payloadSize).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					n, err := strconv.Atoi(s)
					if err != nil || n < 0 || n > 1024 {
						return fmt.Errorf("must be between 0 and 1024")
					}
					return nil
				}),

			huh.NewConfirm().
				Title("Allow fragmentation?").
				Description("Clear the Don't Fragment flag on probes").
				Value(&allowFragment),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return probe, err
	}

	if interval != "" {
		probe.Interval, _ = time.ParseDuration(interval)
	}
	if payloadSize != "" {
		probe.PayloadSize, _ = strconv.Atoi(payloadSize)
	}
	probe.AllowFragment = allowFragment
	if probe.Timeout >= probe.Interval {
		probe.Timeout = probe.Interval / 2
	}

	return probe, nil
}

func (w *Wizard) askAdvancedOptions() (health config.HealthConfig, logLevel string, err error) {
	health = config.Default().Health
	logLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),

			huh.NewConfirm().
				Title("Enable health endpoint?").
				Description("HTTP endpoint for status and metrics (/healthz, /gateways)").
				Value(&health.Enabled),

			huh.NewInput().
				Title("Health Listen Address").
				Placeholder("127.0.0.1:9120").
				Value(&health.Address).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					_, _, err := net.SplitHostPort(s)
					if err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) buildConfig(
	gateways []config.GatewayConfig,
	probe config.ProbeConfig,
	health config.HealthConfig,
	logLevel string,
) *config.Config {
	cfg := config.Default()

	cfg.Agent.LogLevel = logLevel
	cfg.Agent.LogFormat = "text"
	cfg.Gateways = gateways
	cfg.Probe = probe
	cfg.Health = health

	return cfg
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := `# gwprobe Configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Gateways:     %d\n", len(cfg.Gateways))
	for _, gw := range cfg.Gateways {
		fmt.Printf("    - %s (%s)\n", gw.Name, gw.Address)
	}
	fmt.Printf("  Interval:     %s\n", cfg.Probe.Interval)

	if cfg.Health.Enabled {
		fmt.Printf("  Health:       http://%s/healthz\n", cfg.Health.Address)
	}

	fmt.Println()
	fmt.Println("  Probing raw ICMP requires elevated privileges.")
	fmt.Println("  To start the prober:")
	fmt.Printf("    sudo gwprobe run -c %s\n", configPath)
	fmt.Println()
}
