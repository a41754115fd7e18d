package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"pricehub/internal/api"
	"pricehub/internal/config"
	"pricehub/internal/ipfs"
	"pricehub/internal/manager"
	"pricehub/internal/monitoring"
	"pricehub/internal/store"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Println("Initializing pricehub...")
	log.Printf("API Port: %d", cfg.APIPort)
	if cfg.DatabaseURL != "" {
		log.Printf("DB: %s", redactDatabaseURL(cfg.DatabaseURL))
	} else {
		log.Println("DB: none (in-memory store)")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to DB: %v", err)
		}
		st = pg
	} else {
		st = store.NewMemory()
	}
	defer st.Close()

	var collector *monitoring.Collector
	if cfg.Monitoring.Enabled {
		collector = monitoring.NewCollector(monitoring.NewHTTPUplink(cfg.Monitoring.Endpoint))
	} else {
		collector = monitoring.NewCollector(monitoring.NopUplink{})
	}

	fetcher := ipfs.New(cfg.IPFS.Endpoint)

	mgr, err := manager.New(ctx, cfg, st, fetcher, collector)
	if err != nil {
		log.Fatalf("Failed to start manager: %v", err)
	}

	if cfg.Monitoring.Enabled {
		go collector.RunHeartbeat(ctx, cfg.Monitoring.HeartbeatInterval.Std(), mgr.ActiveSignalIDs)
	}

	api.BuildCommit = BuildCommit
	server := api.NewServer(cfg.APIPort, mgr, collector, cfg.AdminJWTSecret)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received %v, shutting down...", sig)
		cancel()
		if err := <-serverErr; err != nil {
			log.Printf("API server: %v", err)
		}
	case err := <-serverErr:
		if err != nil {
			log.Printf("API server failed: %v", err)
		}
		cancel()
	}

	mgr.Shutdown()
	log.Println("Shutdown complete.")
}

// redactDatabaseURL hides the password in connection strings for logs.
func redactDatabaseURL(dbURL string) string {
	at := strings.LastIndex(dbURL, "@")
	scheme := strings.Index(dbURL, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return dbURL
	}
	creds := dbURL[scheme+3 : at]
	if colon := strings.Index(creds, ":"); colon != -1 {
		creds = creds[:colon] + ":****"
	}
	return dbURL[:scheme+3] + creds + dbURL[at:]
}
