// fleetlink reference agent: connects a device and executes its commands.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/markus-barta/fleetlink/internal/agent"
	"github.com/markus-barta/fleetlink/internal/config"
	"github.com/rs/zerolog"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and test connectivity")

	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("fleetlink-agent %s\n", agent.Version)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Timestamp().
		Logger()

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	log.Info().
		Str("version", agent.Version).
		Str("device", cfg.DeviceID).
		Str("url", cfg.URL).
		Msg("fleetlink agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.New(cfg, log).Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("agent failed")
	}
}

func printUsage() {
	fmt.Printf(`Usage: fleetlink-agent [options]

fleetlink agent %s - connects a device to fleetlink and executes its commands.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config and test connectivity

Environment variables:
  FLEETLINK_AGENT_URL              Device WebSocket URL, e.g. wss://host/ws/device (required)
  FLEETLINK_AGENT_TOKEN            Device token from provisioning (required)
  FLEETLINK_AGENT_DEVICE_ID        Device ID (default: hostname)
  FLEETLINK_AGENT_STATUS_INTERVAL  Status frame interval (default: 30s)
  FLEETLINK_AGENT_LOG_LEVEL        Log level: debug, info, warn, error
  FLEETLINK_AGENT_CONFIG           Optional config file
`, agent.Version)
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.LoadAgent()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Device:      %s\n", cfg.DeviceID)
	fmt.Printf("  URL:         %s\n", cfg.URL)
	fmt.Printf("  Interval:    %s\n", cfg.StatusInterval)
	fmt.Println()

	fmt.Print("Testing server connectivity... ")

	httpURL := cfg.URL
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	httpURL = strings.TrimSuffix(httpURL, "/ws/device") + "/health"

	client := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := client.Get(httpURL)
	latency := time.Since(start)

	if err != nil {
		fmt.Printf("❌ Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		fmt.Printf("❌ Failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	fmt.Printf("✓ OK (latency: %dms)\n", latency.Milliseconds())
	return 0
}
