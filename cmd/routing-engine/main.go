package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ccmesh/routing-engine/internal/engine"
	"github.com/ccmesh/routing-engine/internal/hotreload"
	"github.com/ccmesh/routing-engine/pkg/config"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "routing.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("routing-engine v%s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}

	// Override with environment variables if set
	if dsn := os.Getenv("ROUTING_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
		log.Printf("Using database DSN from environment")
	}
	if natsURL := os.Getenv("ROUTING_NATS_URL"); natsURL != "" {
		cfg.Nats.URL = natsURL
		log.Printf("Using NATS URL from environment: %s", natsURL)
	}
	if redisAddr := os.Getenv("ROUTING_REDIS_ADDR"); redisAddr != "" {
		cfg.Redis.Addr = redisAddr
		log.Printf("Using redis address from environment: %s", redisAddr)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(cfg)
	if err := eng.Initialize(runCtx); err != nil {
		log.Fatalf("failed to initialize routing engine: %v", err)
	}
	defer eng.Shutdown()

	watcher, err := hotreload.New(*configPath, eng.ApplyTunables)
	if err != nil {
		log.Printf("config hot reload unavailable: %v", err)
	} else {
		watcher.Start()
		defer watcher.Stop()
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received %s, shutting down", sig)
}

// loadConfig falls back to defaults when the file does not exist, so the
// engine can start against local collaborators with no file at all.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfigFromFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("no config file at %s, using defaults", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func serveMetrics(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	log.Printf("metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("metrics server stopped: %v", err)
	}
}
