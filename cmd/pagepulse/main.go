package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shehryarbajwa/pagepulse/internal/api"
	"github.com/shehryarbajwa/pagepulse/internal/artifacts"
	"github.com/shehryarbajwa/pagepulse/internal/browser"
	"github.com/shehryarbajwa/pagepulse/internal/config"
	"github.com/shehryarbajwa/pagepulse/internal/harness"
	"github.com/shehryarbajwa/pagepulse/internal/ratelimit"
)

func main() {
	// pagepulse unpack <bundle.tar.gz> [dir]
	if len(os.Args) > 1 && os.Args[1] == "unpack" {
		unpack(os.Args[2:])
		return
	}

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	log.Println("Starting pagepulse...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.Printf("✓ Configuration loaded (%d thresholds, %d pages, device %s)", len(cfg.Thresholds), len(cfg.Pages), cfg.Device.Label)

	runID := uuid.New().String()

	// Launch a browser container when no endpoint is given
	var launcher *browser.Launcher
	var instance *browser.Instance
	if cfg.CDPEndpoint == "" {
		if !cfg.LaunchContainer {
			log.Fatal("Set PAGEPULSE_CDP_ENDPOINT or PAGEPULSE_LAUNCH=true")
		}

		launcher, err = browser.NewLauncher(browser.Options{})
		if err != nil {
			log.Fatalf("Failed to create browser launcher: %v", err)
		}
		defer launcher.Close()

		log.Println("⏳ Launching browser container...")
		launchCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		instance, err = launcher.Launch(launchCtx, runID)
		cancel()
		if err != nil {
			log.Fatalf("Failed to launch browser: %v", err)
		}
		cfg.CDPEndpoint = instance.Endpoint
	}

	stopBrowser := func() {
		if instance == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := launcher.Stop(ctx, instance.ContainerID); err != nil {
			log.Printf("⚠️  %v", err)
		}
	}

	store, err := artifacts.NewStore(cfg.ArtifactsDir, runID)
	if err != nil {
		stopBrowser()
		log.Fatalf("Failed to create artifact store: %v", err)
	}
	log.Printf("✓ Artifacts will be written to %s", store.Dir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := harness.Attach(ctx, cfg, store)
	if err != nil {
		stopBrowser()
		log.Fatalf("Failed to attach to browser: %v", err)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := api.NewCollector(h, registry)
	collector.Start(ctx)
	log.Println("✓ Metrics collector initialized")

	rateLimiter := ratelimit.NewLimiter(api.ControlRequestsPerMinute, 20, 10*time.Minute)
	router := api.NewHandler(h).SetupRoutes(registry, rateLimiter)
	log.Println("✓ HTTP routes configured")

	srv := &http.Server{
		Addr:        cfg.DashboardAddr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Dashboard on http://localhost%s/v1 (run %s)", cfg.DashboardAddr, runID[:8])
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	// Visit configured pages unless interrupted
	visited := make(chan struct{})
	go func() {
		defer close(visited)
		for _, p := range cfg.Pages {
			if ctx.Err() != nil {
				return
			}
			log.Printf("⏳ Visiting %s (%s)", p.Name, p.URL)
			h.Visit(ctx, p.Name, p.URL)
		}
	}()

	select {
	case <-visited:
		if len(cfg.Pages) == 0 || cfg.Hold {
			log.Println("✓ Holding dashboard open, press Ctrl+C to finish the run")
			<-quit
		}
	case <-quit:
		cancel()
		<-visited
	}

	log.Println("⏳ Finishing run...")

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer closeCancel()

	if err := h.Close(closeCtx); err != nil {
		log.Printf("⚠️  Failed to close inspection channel: %v", err)
	}
	cancel()
	collector.Wait()

	if path, err := h.WriteReport(); err != nil {
		log.Printf("⚠️  Failed to write report: %v", err)
	} else {
		log.Printf("✓ Report written to %s", path)
	}

	if bundle, err := store.Bundle(); err != nil {
		log.Printf("⚠️  Failed to bundle artifacts: %v", err)
	} else {
		log.Printf("✓ Evidence bundle written to %s", bundle)
	}

	if err := srv.Shutdown(closeCtx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}
	stopBrowser()

	violations := h.GetViolations()
	log.Printf("✅ Run %s finished: %d pages, %d violations", runID[:8], len(h.GetPageRecords()), len(violations))
}

// unpack restores an evidence bundle written by a previous run
func unpack(args []string) {
	if len(args) == 0 {
		log.Fatal("Usage: pagepulse unpack <bundle.tar.gz> [dir]")
	}
	target := strings.TrimSuffix(args[0], ".tar.gz")
	if len(args) > 1 {
		target = args[1]
	}
	if target == args[0] {
		log.Fatalf("Refusing to unpack %s over itself, pass a target directory", args[0])
	}

	if err := artifacts.Extract(args[0], target); err != nil {
		log.Fatalf("Failed to unpack bundle: %v", err)
	}
	log.Printf("✓ Bundle unpacked to %s", target)
}
