// Package main is the entry point for the role-splitting gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/compresr/role-splitter/internal/config"
	"github.com/compresr/role-splitter/internal/gateway"
	"github.com/compresr/role-splitter/internal/monitoring"
)

// Version is set at build time via ldflags.
var Version = "v0.1.0"

// loadEnvFiles loads .env from standard locations
func loadEnvFiles() {
	if homeDir, err := os.UserHomeDir(); err == nil {
		configEnv := filepath.Join(homeDir, ".config", "role-splitter", ".env")
		if _, err := os.Stat(configEnv); err == nil {
			_ = godotenv.Load(configEnv)
		}
	}
	// Local .env can override
	_ = godotenv.Load()
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve", "start":
			runGatewayServer(os.Args[2:])
			return
		case "config":
			printDefaultConfig()
			return
		case "version", "-v", "--version":
			fmt.Println("role-splitter", Version)
			return
		case "help", "-h", "--help":
			printHelp()
			return
		}
	}
	runGatewayServer(os.Args[1:])
}

// resolveConfig returns the raw config and where it came from.
// Checks: user flag -> filesystem locations -> embedded default.
func resolveConfig(userConfig string) ([]byte, string, error) {
	if userConfig != "" {
		data, err := os.ReadFile(userConfig)
		if err != nil {
			return nil, "", fmt.Errorf("config file not found: %s", userConfig)
		}
		return data, userConfig, nil
	}

	var searchPaths []string
	if homeDir, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(homeDir, ".config", "role-splitter", "gateway.yaml"))
	}
	searchPaths = append(searchPaths, "configs/gateway.yaml", "gateway.yaml")

	for _, path := range searchPaths {
		if data, err := os.ReadFile(path); err == nil {
			return data, path, nil
		}
	}

	data, err := getEmbeddedConfig("gateway")
	if err != nil {
		return nil, "", fmt.Errorf("no config file found, specify --config path: %w", err)
	}
	return data, "(embedded) gateway.yaml", nil
}

func runGatewayServer(args []string) {
	loadEnvFiles()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	debug := fs.Bool("debug", false, "enable debug logging")
	port := fs.Int("port", 0, "override server.port")
	_ = fs.Parse(args) // ExitOnError handles errors

	configData, configSource, err := resolveConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.LoadFromBytes(configData)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configSource, err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	setupLogging(cfg, *debug)

	log.Info().
		Str("version", Version).
		Str("config", configSource).
		Int("port", cfg.Server.Port).
		Str("upstream", cfg.Upstream.URL).
		Str("custom_url", cfg.Endpoint.CustomURL).
		Msg("configuration loaded")

	gw, err := gateway.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create gateway")
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := gw.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("gateway shutdown error")
		}
	}()

	if err := gw.Start(); err != nil {
		log.Fatal().Err(err).Msg("gateway error")
	}

	log.Info().Msg("role splitter stopped")
}

// setupLogging installs the global logger. Format "auto" (or empty) picks
// console output on a terminal and JSON otherwise.
func setupLogging(cfg *config.Config, debug bool) {
	lc := cfg.Monitoring.Logger()
	if debug {
		lc.Level = "debug"
	}
	if lc.Format == "" || lc.Format == "auto" {
		lc.Format = "json"
		if (lc.Output == "" || lc.Output == "stdout") && term.IsTerminal(int(os.Stdout.Fd())) {
			lc.Format = "console"
		}
	}
	monitoring.Global(lc)
}

func printDefaultConfig() {
	data, err := getEmbeddedConfig("gateway")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	_, _ = os.Stdout.Write(data)
}

func printHelp() {
	fmt.Println("role-splitter - splits single-block prompts into instruction and data roles")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  role-splitter [serve] [--config FILE] [--port PORT] [--debug]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve        Start the gateway (default)")
	fmt.Println("  config       Print the embedded default configuration")
	fmt.Println("  version      Print version information")
	fmt.Println("  help         Show this help message")
	fmt.Println()
	fmt.Println("Config search order:")
	fmt.Println("  --config FILE, ~/.config/role-splitter/gateway.yaml, configs/gateway.yaml,")
	fmt.Println("  ./gateway.yaml, then the embedded default.")
}
