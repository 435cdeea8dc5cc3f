// Reportsync keeps a local SQLite mirror of a reporting backend (Supabase or
// Backendless) in sync, remote-first for writes and tolerant for reads.
//
// Usage:
//
//	reportsync sync-once [--config <path>]   # single full sync pass then exit
//	reportsync pull [--config <path>]        # pull remote snapshot into the mirror
//	reportsync push [--config <path>]        # push local pending records
//	reportsync daemon [--config <path>]      # poll (and listen for changes) continuously
//	reportsync login --email ... --password ...  # authenticate and persist the session
//	reportsync logout                        # end the session and clear persisted state
//	reportsync status [--config <path>]      # show config and mirror state
//	reportsync version                       # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/iravin/reportsync/internal/auth"
	"github.com/iravin/reportsync/internal/backendless"
	"github.com/iravin/reportsync/internal/config"
	"github.com/iravin/reportsync/internal/localstore"
	"github.com/iravin/reportsync/internal/model"
	"github.com/iravin/reportsync/internal/remote"
	"github.com/iravin/reportsync/internal/supabase"
	syncp "github.com/iravin/reportsync/internal/sync"
	"github.com/iravin/reportsync/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "sync-once":
		return runSync(os.Args[2:], modeOnce)
	case "pull":
		return runSync(os.Args[2:], modePull)
	case "push":
		return runSync(os.Args[2:], modePush)
	case "daemon":
		return runSync(os.Args[2:], modeDaemon)
	case "login":
		return runLogin(os.Args[2:])
	case "logout":
		return runLogout(os.Args[2:])
	case "status":
		return runStatus(os.Args[2:])
	case "version":
		fmt.Println("reportsync", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'reportsync' for usage", cmd)
	}
}

func printUsage() error {
	fmt.Fprintln(os.Stderr, "Reportsync — sync reporting data between a remote backend and a local mirror")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  reportsync sync-once [--config ...]  Single full sync pass then exit")
	fmt.Fprintln(os.Stderr, "  reportsync pull [--config ...]       Pull remote snapshot into the mirror")
	fmt.Fprintln(os.Stderr, "  reportsync push [--config ...]       Push local pending records")
	fmt.Fprintln(os.Stderr, "  reportsync daemon [--config ...]     Run continuously")
	fmt.Fprintln(os.Stderr, "  reportsync login --email ... --password ...  Authenticate against the configured backend")
	fmt.Fprintln(os.Stderr, "  reportsync logout                    End the session and clear persisted state")
	fmt.Fprintln(os.Stderr, "  reportsync status [--config ...]     Show config and mirror state")
	fmt.Fprintln(os.Stderr, "  reportsync version                   Print version")
	fmt.Fprintln(os.Stderr, "")
	os.Exit(1)
	return nil // unreachable
}

type runMode int

const (
	modeOnce runMode = iota
	modePull
	modePush
	modeDaemon
)

func runSync(args []string, mode runMode) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	logger.Info("config loaded",
		"backend", cfg.Backend,
		"poll_interval", cfg.PollInterval,
		"realtime", cfg.Realtime,
	)

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	store, err := openMirror(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing mirror", "error", closeErr)
		}
	}()
	logger.Info("mirror opened", "path", cfg.DatabasePath)

	data, files, err := buildBackend(cfg, logger)
	if err != nil {
		return err
	}

	mgr := syncp.NewManager(store, data, files, logger)
	mgr.OnRefresh(func(r syncp.Refresh) {
		logger.Debug("data refreshed", "at", r.Timestamp)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := mgr.Init(ctx); err != nil {
		return fmt.Errorf("initialising sync manager: %w", err)
	}
	for table := range mgr.AbsentTables() {
		logger.Info("remote table not provisioned, skipping", "table", table)
	}

	switch mode {
	case modePull:
		if err := mgr.SyncFromRemote(ctx); err != nil {
			return fmt.Errorf("pulling remote snapshot: %w", err)
		}
		logger.Info("pull complete", "last_sync", mgr.LastSync())
		return nil

	case modePush:
		outcomes, err := mgr.SyncToRemote(ctx)
		if err != nil {
			return fmt.Errorf("pushing local records: %w", err)
		}
		for _, o := range outcomes {
			if o.Err != nil {
				logger.Error("push failed for table", "table", o.Collection, "error", o.Err)
				continue
			}
			logger.Info("table pushed", "table", o.Collection, "synced", o.Result.Synced, "total", o.Result.Total)
		}
		return nil

	case modeOnce:
		results, err := mgr.FullSync(ctx)
		if err != nil {
			return fmt.Errorf("full sync: %w", err)
		}
		logger.Info("sync complete", "synced", results.Synced())
		return nil

	case modeDaemon:
		return runDaemon(ctx, cfg, mgr, logger)
	}
	return nil
}

// runDaemon performs a full sync immediately, then pulls on every poll tick.
// With realtime enabled a Supabase change-feed subscription triggers an early
// pull whenever a watched table changes.
func runDaemon(ctx context.Context, cfg *config.Config, mgr *syncp.Manager, logger *slog.Logger) error {
	if _, err := mgr.FullSync(ctx); err != nil {
		logger.Error("initial full sync failed, continuing with polling", "error", err)
	}

	// Buffered so a notification during an in-flight sync is not lost.
	kick := make(chan struct{}, 1)

	if cfg.Realtime && cfg.Backend == "supabase" {
		rt := supabase.NewRealtime(cfg.Supabase.URL, cfg.Supabase.AnonKey, logger)
		if err := rt.Connect(ctx); err != nil {
			logger.Error("realtime connect failed, falling back to polling only", "error", err)
		} else {
			defer rt.Close()
			tables := make([]string, 0, len(model.All()))
			for _, m := range model.All() {
				tables = append(tables, m.RemoteName)
			}
			go func() {
				err := rt.SubscribeChanges(ctx, tables, func(table string) {
					logger.Debug("remote change notification", "table", table)
					select {
					case kick <- struct{}{}:
					default:
					}
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("realtime subscription ended", "error", err)
				}
			}()
			logger.Info("realtime change feed subscribed", "tables", len(tables))
		}
	}

	logger.Info("daemon started", "poll_interval", cfg.PollInterval)
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown complete")
			return nil
		case <-ticker.C:
		case <-kick:
		}

		if err := mgr.SyncFromRemote(ctx); err != nil {
			if errors.Is(err, syncp.ErrSyncInProgress) {
				continue
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			logger.Error("pull failed", "error", err)
		}
	}
}

// runLogin authenticates against the configured backend and persists the
// session in the mirror's key-value area, so later runs (and logout) find it.
func runLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" || *password == "" {
		return fmt.Errorf("login requires --email and --password")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	store, err := openMirror(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sel := buildAuth(cfg, store, logger)
	if err := sel.Load(ctx); err != nil {
		return fmt.Errorf("restoring session state: %w", err)
	}
	if err := sel.Use(ctx, auth.ProviderName(cfg.Backend)); err != nil {
		return err
	}
	u, err := sel.Login(ctx, *email, *password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	fmt.Printf("Logged in as %s <%s> (%s) via %s\n", u.Name, u.Email, u.Role, sel.ActiveName())
	return nil
}

// runLogout ends the persisted session, clearing every auth key together.
func runLogout(args []string) error {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	store, err := openMirror(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	sel := buildAuth(cfg, store, logger)
	if err := sel.Load(ctx); err != nil {
		return fmt.Errorf("restoring session state: %w", err)
	}
	if !sel.IsLoggedIn() {
		fmt.Println("No active session.")
		return nil
	}
	if err := sel.Logout(ctx); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	fmt.Println("Logged out.")
	return nil
}

// buildAuth wires the auth selector over both providers, backed by the
// mirror's key-value area for session persistence. The provider matching the
// configured backend is the one callers select; the other is constructed from
// whatever (possibly empty) credentials the config carries and is never used.
func buildAuth(cfg *config.Config, store *localstore.Store, logger *slog.Logger) *auth.Selector {
	var sbURL, sbKey string
	if cfg.Supabase != nil {
		sbURL, sbKey = cfg.Supabase.URL, cfg.Supabase.AnonKey
	}
	var blURL, blApp, blKey string
	if cfg.Backendless != nil {
		blURL, blApp, blKey = cfg.Backendless.URL, cfg.Backendless.AppID, cfg.Backendless.APIKey
	}
	return auth.NewSelector(store,
		auth.NewSupabaseProvider(sbURL, sbKey, logger),
		auth.NewBackendlessProvider(blURL, blApp, blKey, logger),
		logger,
	)
}

// openMirror ensures the mirror's directory exists and opens the store.
func openMirror(cfg *config.Config) (*localstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("creating mirror directory: %w", err)
	}
	store, err := localstore.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening mirror at %q: %w", cfg.DatabasePath, err)
	}
	return store, nil
}

// runStatus prints configuration and mirror state.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("Reportsync Status")
	fmt.Println("─────────────────")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Printf("  Config:   %s (invalid: %v)\n", *cfgPath, err)
		return nil
	}
	fmt.Printf("  Config:   %s ✓\n", *cfgPath)
	fmt.Printf("  Backend:  %s\n", cfg.Backend)
	fmt.Printf("  Poll:     %s\n", cfg.PollInterval)

	info, err := os.Stat(cfg.DatabasePath)
	if err != nil {
		fmt.Printf("  Mirror:   not found (%s)\n", cfg.DatabasePath)
		return nil
	}
	fmt.Printf("  Mirror:   %s (%s)\n", cfg.DatabasePath, humanSize(info.Size()))

	store, err := localstore.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Printf("  Mirror:   unreadable (%v)\n", err)
		return nil
	}
	defer store.Close()

	ctx := context.Background()
	collections, err := store.Collections(ctx)
	if err != nil {
		return fmt.Errorf("listing collections: %w", err)
	}
	for _, name := range collections {
		records, err := store.Get(ctx, name)
		if err != nil {
			continue
		}
		updated, _ := store.UpdatedAt(ctx, name)
		fmt.Printf("  %-18s %4d record(s), updated %s\n", name+":", len(records), updated.Format(time.RFC3339))
	}
	return nil
}

// buildBackend constructs the data and file clients for the configured
// backend.
func buildBackend(cfg *config.Config, logger *slog.Logger) (remote.DataClient, remote.FileClient, error) {
	switch cfg.Backend {
	case "supabase":
		data, err := supabase.NewClient(cfg.Supabase.URL, cfg.Supabase.AnonKey, cfg.Supabase.ServiceKey, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("building supabase client: %w", err)
		}
		files, err := supabase.NewStorage(cfg.Supabase.URL, cfg.Supabase.AnonKey, cfg.Supabase.Bucket, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("building supabase storage client: %w", err)
		}
		return data, files, nil
	case "backendless":
		data, err := backendless.NewClient(cfg.Backendless.URL, cfg.Backendless.AppID, cfg.Backendless.APIKey, cfg.Backendless.AdminKey, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("building backendless client: %w", err)
		}
		files, err := backendless.NewFiles(cfg.Backendless.URL, cfg.Backendless.AppID, cfg.Backendless.APIKey, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("building backendless files client: %w", err)
		}
		return data, files, nil
	}
	return nil, nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
