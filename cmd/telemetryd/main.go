// Package main is the entry point for the telemetryd client.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/openfleet/telemetryd/internal/buildinfo"
	"github.com/openfleet/telemetryd/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			os.Exit(runServe(logger, *configPath, false))
		case "upload":
			// Trigger one upload cycle and exit.
			os.Exit(runServe(logger, *configPath, true))
		case "info":
			os.Exit(runInfo(logger, *configPath))
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.Info() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("telemetryd - device telemetry client")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Run the client")
	fmt.Println("  upload   Trigger one upload cycle and exit")
	fmt.Println("  info     Print device and build info and exit")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// loadConfig resolves and loads the config file. It logs and returns
// false on fatal problems (missing file, validation failure); callers
// then exit non-zero.
func loadConfig(logger *slog.Logger, explicit string) (*config.Config, bool) {
	path, err := config.FindConfig(explicit)
	if err != nil {
		logger.Error("config", "error", err)
		return nil, false
	}
	cfg, err := config.Load(path)
	if err != nil {
		logger.Error("failed to load config", "path", path, "error", err)
		return nil, false
	}
	return cfg, true
}

// newLogger rebuilds the process logger at the configured level.
func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

func runInfo(logger *slog.Logger, configPath string) int {
	cfg, ok := loadConfig(logger, configPath)
	if !ok {
		return 1
	}
	fmt.Println(buildinfo.String())
	for k, v := range buildinfo.RuntimeInfo() {
		fmt.Printf("  %-12s %s\n", k+":", v)
	}
	fmt.Printf("  %-12s %s\n", "device_id:", cfg.Device.ID)
	fmt.Printf("  %-12s %s\n", "serial:", cfg.Device.Serial)
	fmt.Printf("  %-12s %s\n", "vin:", cfg.Device.VIN)
	fmt.Printf("  %-12s %s\n", "sw_version:", cfg.Device.SWVersion)
	fmt.Printf("  %-12s %s\n", "broker:", cfg.MQTT.Broker)
	return 0
}
