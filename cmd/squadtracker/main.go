// squadtracker - Squad telemetry ingestion and player stats
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/ernie/squad-tracker/internal/api"
	"github.com/ernie/squad-tracker/internal/auth"
	"github.com/ernie/squad-tracker/internal/buffer"
	"github.com/ernie/squad-tracker/internal/collector"
	"github.com/ernie/squad-tracker/internal/config"
	"github.com/ernie/squad-tracker/internal/deadletter"
	"github.com/ernie/squad-tracker/internal/logging"
	"github.com/ernie/squad-tracker/internal/metrics"
	"github.com/ernie/squad-tracker/internal/notify"
	"github.com/ernie/squad-tracker/internal/persist"
	"github.com/ernie/squad-tracker/internal/retention"
	"github.com/ernie/squad-tracker/internal/storage"
	"github.com/ernie/squad-tracker/internal/verify"
)

var version = "dev"

const (
	defaultConfigPath = "/etc/squad-tracker/config.yml"
	shutdownTimeout   = 30 * time.Second
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "leaderboard":
		cmdLeaderboard(os.Args[2:])
	case "player":
		cmdPlayer(os.Args[2:])
	case "deadletter":
		cmdDeadLetter(os.Args[2:])
	case "link":
		cmdLink(os.Args[2:])
	case "prune":
		cmdPrune(os.Args[2:])
	case "hash-secret":
		cmdHashSecret(os.Args[2:])
	case "version":
		fmt.Printf("squadtracker %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: squadtracker <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Connect to game servers and ingest events")
	fmt.Println("  status                              Show connection state of every server")
	fmt.Println("  leaderboard [--window 24h] [--top N]")
	fmt.Println("                                      Show top killers and revivers")
	fmt.Println("  player <steam or eos id> [--since 24h]")
	fmt.Println("                                      Show stats for one player")
	fmt.Println("  deadletter list                     List dead-letter files")
	fmt.Println("  deadletter show <file>              Print one dead-letter file")
	fmt.Println("  link issue --requester <id> [--target <t>] [--ttl 10m]")
	fmt.Println("                                      Issue a verification code")
	fmt.Println("  link cancel <code>                  Withdraw a pending verification code")
	fmt.Println("  prune                               Delete stale wounds and expired codes now")
	fmt.Println("  hash-secret                         Hash a bot client secret for http.auth.clients")
	fmt.Println("  version                             Show version")
	fmt.Println("  help                                Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/squad-tracker/config.yml)")
	fmt.Println("  --url <url>        Base URL of the squadtracker API (default: derived from config)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  squadtracker serve --config ./config.yml")
	fmt.Println("  squadtracker leaderboard --window 7d --top 20")
	fmt.Println("  squadtracker link issue --requester discord:1234")
}

// cmdServe runs the ingestion pipeline until SIGINT or SIGTERM
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfgPath := *configPath
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err != nil {
			fmt.Fprintf(os.Stderr, "No config file found at %s. Use --config to specify a config file.\n", defaultConfigPath)
			os.Exit(1)
		}
		cfgPath = defaultConfigPath
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err := serve(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("squadtracker stopped")
	}
}

func serve(cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("version", version).Int("servers", len(cfg.Servers)).Msg("squadtracker starting")

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close()

	// run outlives the signal so shutdown can still flush through it
	run, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	if err := store.LoadWeapons(run); err != nil {
		return fmt.Errorf("loading weapons: %w", err)
	}
	log.Info().Str("driver", cfg.Database.Driver).Int("weapons", store.Weapons().Len()).Msg("database initialized")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	publisher, err := notify.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logging.Component(log, "notify"))
	if err != nil {
		return err
	}
	defer publisher.Close()

	relay := verify.New(store, verify.Options{
		TTL:           cfg.Verification.CodeTTL,
		Cooldown:      cfg.Verification.RequestCooldown,
		NotifyTimeout: cfg.Verification.WebhookTimeout,
		Notifier:      verify.NewWebhookNotifier(cfg.Verification.WebhookTimeout, logging.Component(log, "webhook")),
		Publisher:     publisher,
		Metrics:       m,
		Logger:        logging.Component(log, "verify"),
	})

	sink, err := deadletter.New(cfg.DeadLetter.Path, cfg.DeadLetter.Compress)
	if err != nil {
		return fmt.Errorf("initializing dead-letter sink: %w", err)
	}

	buf := buffer.New(buffer.Options{
		Config: buffer.Config{
			FlushInterval:  cfg.Buffer.FlushInterval,
			MaxSize:        cfg.Buffer.MaxSize,
			MaxAge:         cfg.Buffer.MaxAge,
			MaxRetries:     cfg.Buffer.MaxRetries,
			RetryBaseDelay: cfg.Buffer.RetryBaseDelay,
			RetryMaxDelay:  cfg.Buffer.RetryMaxDelay,
			DeathDelay:     cfg.Buffer.DeathDelay,
		},
		Persister: persist.New(store, persist.Options{
			WoundTTL:  cfg.Retention.WoundTTL,
			Relay:     relay,
			Publisher: publisher,
			Metrics:   m,
			Logger:    logging.Component(log, "persist"),
		}),
		DeadLetter: sink,
		Metrics:    m,
		Logger:     logging.Component(log, "buffer"),
	})
	buf.Start(run)

	hub := api.NewHub(logging.Component(log, "feed"))
	go hub.Run()

	manager := collector.NewServerManager(collector.Options{
		Servers:   cfg.Servers,
		Reconnect: cfg.Reconnect,
		Buffer:    buf,
		Relay:     relay,
		Publisher: publisher,
		Metrics:   m,
		Logger:    logging.Component(log, "collector"),
	})
	manager.OnEvent(hub.PublishEvent)
	manager.OnStateChange(hub.PublishState)

	janitor := retention.New(retention.Options{
		Wounds:        store,
		Sweeper:       relay,
		WoundTTL:      cfg.Retention.WoundTTL,
		PruneInterval: cfg.Retention.PruneInterval,
		SweepInterval: cfg.Verification.SweepInterval,
		Metrics:       m,
		Logger:        logging.Component(log, "retention"),
	})
	janitor.Start(run)

	var authService *auth.Service
	if cfg.HTTP.Auth.Enabled() {
		authService = auth.NewService(cfg.HTTP.Auth.JWTSecret, cfg.HTTP.Auth.TokenTTL, cfg.HTTP.Auth.Clients)
		log.Info().Int("clients", len(cfg.HTTP.Auth.Clients)).Msg("bot client authentication enabled")
	} else {
		log.Warn().Msg("no bot clients configured, verification routes are unauthenticated")
	}

	router := api.NewRouter(api.Options{
		Store:    store,
		Servers:  manager,
		Buffer:   buf,
		Relay:    relay,
		Auth:     authService,
		Hub:      hub,
		Gatherer: reg,
		CodeTTL:  cfg.Verification.CodeTTL,
		Logger:   logging.Component(log, "api"),
	})

	addr := net.JoinHostPort(cfg.HTTP.ListenAddr, strconv.Itoa(cfg.HTTP.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(run); err != nil {
		return fmt.Errorf("starting server manager: %w", err)
	}

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown")
		}
		if err := buf.FlushAll(ctx); err != nil {
			log.Warn().Err(err).Msg("flushing buffers before disconnect")
		}
		manager.DisconnectAll()
		// catch what arrived while the sockets were closing
		if err := buf.FlushAll(ctx); err != nil {
			log.Warn().Err(err).Msg("flushing buffers after disconnect")
		}
		buf.Stop()
		janitor.Stop()
		relay.Wait()
		hub.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("shutdown complete")
	return nil
}

// openStore opens the configured backend
func openStore(cfg *config.Config) (*storage.Store, error) {
	target := cfg.Database.Path
	if cfg.Database.Driver == "postgres" {
		target = cfg.Database.DSN
	}
	return storage.Open(cfg.Database.Driver, target)
}
