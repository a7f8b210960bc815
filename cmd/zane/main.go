package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zane-ops/zane/pkg/cache"
	"github.com/zane-ops/zane/pkg/config"
	"github.com/zane-ops/zane/pkg/events"
	"github.com/zane-ops/zane/pkg/gitapp"
	"github.com/zane-ops/zane/pkg/health"
	"github.com/zane-ops/zane/pkg/log"
	"github.com/zane-ops/zane/pkg/manager"
	"github.com/zane-ops/zane/pkg/metrics"
	"github.com/zane-ops/zane/pkg/proxy"
	"github.com/zane-ops/zane/pkg/reconciler"
	"github.com/zane-ops/zane/pkg/runtime"
	"github.com/zane-ops/zane/pkg/security"
	"github.com/zane-ops/zane/pkg/storage"
	"github.com/zane-ops/zane/pkg/webhook"
	"github.com/zane-ops/zane/pkg/workflows"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "zane",
	Short: "Zane - self-hosted deployment platform",
	Long: `Zane deploys services from container images and git repositories
onto a single Docker host, with zero-downtime promotion, pull request
preview environments and webhook-driven automatic deploys.

One binary runs the whole control plane.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Zane version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")

	// Add subcommands
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Zane version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// Server command: the full control plane in one process.
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Zane control plane",
	Long: `Run the full control plane in one process: the webhook HTTP
surface, the deployment workflow worker, the route reconciler and the
metrics collector.

Requires a reachable Temporal service, Redis, a Docker engine in Swarm
mode and the reverse proxy's admin API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Secrets.EncryptionKey == "" {
			return fmt.Errorf("secrets.encryption_key is required (64 hex characters; generate one with `openssl rand -hex 32`)")
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
		metrics.SetVersion(Version)

		fmt.Println("Starting Zane server...")
		fmt.Printf("  Listen Address: %s\n", cfg.ListenAddr)
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		fmt.Printf("  Root Domain: %s\n", cfg.RootDomain)
		fmt.Printf("  Temporal: %s (queue %s)\n", cfg.Temporal.Address, cfg.Temporal.TaskQueue)
		fmt.Println()

		store, err := storage.NewBoltStore(cfg.StorePath())
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()
		metrics.RegisterComponent("store", true, true, "")
		fmt.Println("✓ Store opened")

		secrets, err := security.NewSecretsManagerFromHex(cfg.Secrets.EncryptionKey)
		if err != nil {
			return fmt.Errorf("failed to initialize secrets manager: %v", err)
		}

		redisCache := cache.New(cfg.Redis.Addr, cfg.Redis.DB)
		if err := redisCache.Ping(cmd.Context()); err != nil {
			metrics.RegisterComponent("redis", true, false, err.Error())
			fmt.Printf("⚠ Redis unreachable at %s: %v\n", cfg.Redis.Addr, err)
		} else {
			metrics.RegisterComponent("redis", true, true, "")
			fmt.Println("✓ Connected to Redis")
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		gitapps := gitapp.New(store, redisCache, secrets)

		tc, err := workflows.Dial(cfg.Temporal)
		if err != nil {
			return fmt.Errorf("failed to connect to Temporal: %v", err)
		}
		defer tc.Close()
		metrics.RegisterComponent("temporal", true, true, "")
		fmt.Println("✓ Connected to Temporal")

		mgr := manager.New(manager.Options{
			Store:   store,
			Cache:   redisCache,
			Broker:  broker,
			Runner:  workflows.NewRunner(tc, cfg.Temporal),
			GitApps: gitapps,
			Secrets: secrets,
			Config:  cfg,
		})

		// The server hosts the workflow worker too, so a single-node
		// install needs no second process.
		rt, err := runtime.NewSwarmAdapter(cfg.Docker.Host)
		if err != nil {
			return fmt.Errorf("failed to connect to Docker: %v", err)
		}
		metrics.RegisterComponent("docker", true, true, "")

		proxyClient := proxy.NewClient(cfg.Proxy.AdminURL)
		if err := proxyClient.Ping(cmd.Context()); err != nil {
			metrics.RegisterComponent("proxy", false, false, err.Error())
			fmt.Printf("⚠ Proxy admin API unreachable at %s: %v\n", cfg.Proxy.AdminURL, err)
		} else {
			metrics.RegisterComponent("proxy", false, true, "")
		}

		acts := workflows.NewActivities(workflows.Options{
			Store:   store,
			Runtime: rt,
			Proxy:   proxyClient,
			Prober:  health.NewProber(rt),
			Cache:   redisCache,
			GitApps: gitapps,
			Broker:  broker,
			Config:  cfg,
		})
		w := workflows.NewWorker(tc, cfg.Temporal.TaskQueue, acts)
		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to start workflow worker: %v", err)
		}
		fmt.Println("✓ Workflow worker started")

		collector := metrics.NewCollector(store)
		collector.Start()

		recon := reconciler.New(reconciler.Options{
			Store: store,
			Proxy: proxyClient,
			Cache: redisCache,
		})
		recon.Start()
		fmt.Println("✓ Route reconciler started")

		srv := webhook.New(webhook.Options{
			Store:   store,
			Manager: mgr,
			GitApps: gitapps,
			Broker:  broker,
			Addr:    cfg.ListenAddr,
		})
		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil {
				errCh <- fmt.Errorf("webhook server error: %v", err)
			}
		}()
		fmt.Printf("✓ Webhook server listening on %s\n", cfg.ListenAddr)

		fmt.Println()
		fmt.Println("Server is running. Press Ctrl+C to stop.")

		// Wait for interrupt signal or server error
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		// Shutdown in dependency order: stop the broker so event streams
		// drain, stop taking webhooks, stop the background loops, then
		// drain the worker.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		broker.Stop()
		if err := srv.Stop(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "webhook server shutdown: %v\n", err)
		}
		recon.Stop()
		collector.Stop()
		w.Stop()

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

// Worker command: the workflow worker alone, for installs that keep
// the HTTP surface and the deploy engine on separate processes.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a deployment workflow worker",
	Long: `Run only the workflow worker. Deployments queued by a separate
'zane server' process are picked up from the shared Temporal task queue
and executed against the local Docker engine.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Secrets.EncryptionKey == "" {
			return fmt.Errorf("secrets.encryption_key is required (64 hex characters; generate one with `openssl rand -hex 32`)")
		}

		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		fmt.Println("Starting Zane worker...")
		fmt.Printf("  Temporal: %s (queue %s)\n", cfg.Temporal.Address, cfg.Temporal.TaskQueue)
		fmt.Println()

		store, err := storage.NewBoltStore(cfg.StorePath())
		if err != nil {
			return fmt.Errorf("failed to open store: %v", err)
		}
		defer store.Close()
		fmt.Println("✓ Store opened")

		secrets, err := security.NewSecretsManagerFromHex(cfg.Secrets.EncryptionKey)
		if err != nil {
			return fmt.Errorf("failed to initialize secrets manager: %v", err)
		}

		redisCache := cache.New(cfg.Redis.Addr, cfg.Redis.DB)
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		rt, err := runtime.NewSwarmAdapter(cfg.Docker.Host)
		if err != nil {
			return fmt.Errorf("failed to connect to Docker: %v", err)
		}
		fmt.Println("✓ Connected to Docker")

		tc, err := workflows.Dial(cfg.Temporal)
		if err != nil {
			return fmt.Errorf("failed to connect to Temporal: %v", err)
		}
		defer tc.Close()
		fmt.Println("✓ Connected to Temporal")

		acts := workflows.NewActivities(workflows.Options{
			Store:   store,
			Runtime: rt,
			Proxy:   proxy.NewClient(cfg.Proxy.AdminURL),
			Prober:  health.NewProber(rt),
			Cache:   redisCache,
			GitApps: gitapp.New(store, redisCache, secrets),
			Broker:  broker,
			Config:  cfg,
		})
		w := workflows.NewWorker(tc, cfg.Temporal.TaskQueue, acts)
		if err := w.Start(); err != nil {
			return fmt.Errorf("failed to start workflow worker: %v", err)
		}
		fmt.Println("✓ Workflow worker started")

		fmt.Println()
		fmt.Println("Worker is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		w.Stop()
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}
