// Package main provides the CLI entry point for the gwprobe gateway prober.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/veloq/gwprobe/internal/agent"
	"github.com/veloq/gwprobe/internal/config"
	"github.com/veloq/gwprobe/internal/latency"
	"github.com/veloq/gwprobe/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gwprobe",
		Short: "gwprobe - VPN gateway latency prober",
		Long: `gwprobe measures round-trip latency to a set of VPN gateway
candidates using raw ICMP echo requests and tracks which gateway
currently responds fastest.

Raw ICMP sockets require elevated privileges; without them the
prober runs degraded and reports no measurements.`,
		Version: Version,
	}

	// Add subcommands
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup wizard",
		Long:  "Create a configuration file through an interactive setup wizard.",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := wizard.New()
			if _, err := w.Run(); err != nil {
				return fmt.Errorf("setup failed: %w", err)
			}
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway prober",
		Long:  "Start probing the configured gateways until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			a, err := agent.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			if err := a.Start(); err != nil {
				return fmt.Errorf("failed to start agent: %w", err)
			}

			fmt.Printf("Probing %d gateways every %s\n", len(cfg.Gateways), cfg.Probe.Interval)
			if addr := a.HealthAddress(); addr != "" {
				fmt.Printf("Status: http://%s/gateways\n", addr)
			}

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			if err := a.Stop(); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Prober stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func statusCmd() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway measurements",
		Long:  "Query a running prober's health endpoint and display per-gateway latency.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := &http.Client{Timeout: 5 * time.Second}

			resp, err := client.Get("http://" + address + "/gateways")
			if err != nil {
				return fmt.Errorf("failed to reach prober at %s: %w", address, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("prober returned status %s", resp.Status)
			}

			var gateways []latency.Measurement
			if err := json.NewDecoder(resp.Body).Decode(&gateways); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}

			printMeasurements(os.Stdout, gateways)
			return nil
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "127.0.0.1:9120", "Health endpoint of the running prober")

	return cmd
}

func printMeasurements(out *os.File, gateways []latency.Measurement) {
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GATEWAY\tADDRESS\tLAST\tBEST\tSMOOTH\tLOSS\tLAST REPLY")
	for _, g := range gateways {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.0f%%\t%s\n",
			g.Name,
			g.Address,
			formatRTT(g.LastRTT),
			formatRTT(g.BestRTT),
			formatRTT(g.SmoothRTT),
			g.Loss*100,
			formatLastReply(g.LastReply),
		)
	}
	w.Flush()
}

func formatRTT(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Round(100 * time.Microsecond).String()
}

func formatLastReply(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}
