// Command sessiond is the admin CLI for the session store. It opens the
// configured backend (postgres, sqlite, or memory), applies the schema, and
// exposes the session operations for inspection and maintenance without
// going through the web application:
//
//	sessiond [-config sessiond.yaml] create -app myapp -user alice [-session id] [-state '{"k":"v"}']
//	sessiond get -app myapp -user alice -session id [-recent 10] [-after 2026-03-01T12:00:00Z]
//	sessiond list -app myapp -user alice
//	sessiond delete -app myapp -user alice -session id
//	sessiond append -session id -event '{"id":"e1","author":"agent",...}'
//	sessiond init
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/scrypster/sessiond/internal/config"
	"github.com/scrypster/sessiond/internal/storage"
	"github.com/scrypster/sessiond/internal/storage/memory"
	"github.com/scrypster/sessiond/internal/storage/postgres"
	"github.com/scrypster/sessiond/internal/storage/sqlite"
	"github.com/scrypster/sessiond/pkg/types"
)

var configPath = flag.String("config", "", "Path to YAML config file (optional, uses env vars by default)")

func main() {
	log.SetOutput(os.Stderr)
	log.SetPrefix("sessiond: ")
	log.SetFlags(log.LstdFlags)

	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: sessiond [flags] <init|create|get|list|delete|append> [args]")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	svc, err := buildService(cfg)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, svc, flag.Arg(0), flag.Args()[1:]); err != nil {
		log.Fatalf("%s failed: %v", flag.Arg(0), err)
	}
}

// buildService constructs the configured backend and wraps it in the enabled
// decorators. The rate limiter sits outside the breaker so rejected-by-limit
// calls never count as backend failures.
func buildService(cfg *config.Config) (storage.SessionService, error) {
	var (
		svc storage.SessionService
		err error
	)
	switch cfg.Storage.Engine {
	case config.EnginePostgres:
		svc, err = postgres.NewSessionStore(cfg.Storage.PostgresDSN)
	case config.EngineSQLite:
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory %q: %w", cfg.Storage.DataPath, err)
		}
		svc, err = sqlite.NewSessionStore(filepath.Join(cfg.Storage.DataPath, "sessions.db"))
	case config.EngineMemory:
		svc = memory.NewSessionStore()
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
	if err != nil {
		return nil, err
	}

	if cfg.Limits.BreakerEnabled {
		svc = storage.NewCircuitBreakerService(svc, storage.CircuitBreakerConfig{
			MaxFailures: uint32(cfg.Limits.BreakerMaxFailures),
		})
	}
	if cfg.Limits.RateLimitPerSec > 0 {
		svc = storage.NewRateLimitedService(svc, cfg.Limits.RateLimitPerSec, cfg.Limits.RateLimitBurst)
	}
	return svc, nil
}

func run(ctx context.Context, svc storage.SessionService, command string, args []string) error {
	switch command {
	case "init":
		// Opening the backend already applied the schema.
		log.Printf("storage initialized")
		return nil
	case "create":
		return runCreate(ctx, svc, args)
	case "get":
		return runGet(ctx, svc, args)
	case "list":
		return runList(ctx, svc, args)
	case "delete":
		return runDelete(ctx, svc, args)
	case "append":
		return runAppend(ctx, svc, args)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func runCreate(ctx context.Context, svc storage.SessionService, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	app := fs.String("app", "", "Application name (required)")
	user := fs.String("user", "", "User id (required)")
	session := fs.String("session", "", "Session id (generated when omitted)")
	stateJSON := fs.String("state", "", "Initial state delta as JSON")
	fs.Parse(args)

	var state map[string]any
	if *stateJSON != "" {
		if err := json.Unmarshal([]byte(*stateJSON), &state); err != nil {
			return fmt.Errorf("invalid -state JSON: %w", err)
		}
	}

	sess, err := svc.Create(ctx, *app, *user, *session, state)
	if err != nil {
		return err
	}
	return printJSON(sess)
}

func runGet(ctx context.Context, svc storage.SessionService, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	app := fs.String("app", "", "Application name (required)")
	user := fs.String("user", "", "User id (required)")
	session := fs.String("session", "", "Session id (required)")
	recent := fs.Int("recent", 0, "Keep only the last N events")
	after := fs.String("after", "", "Keep only events at or after this RFC3339 timestamp")
	fs.Parse(args)

	opts := storage.GetOptions{NumRecentEvents: *recent}
	if *after != "" {
		ts, err := time.Parse(time.RFC3339, *after)
		if err != nil {
			return fmt.Errorf("invalid -after timestamp: %w", err)
		}
		opts.After = ts
	}

	sess, err := svc.Get(ctx, *app, *user, *session, opts)
	if err != nil {
		return err
	}
	return printJSON(sess)
}

func runList(ctx context.Context, svc storage.SessionService, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	app := fs.String("app", "", "Application name (required)")
	user := fs.String("user", "", "User id (required)")
	fs.Parse(args)

	sessions, err := svc.List(ctx, *app, *user)
	if err != nil {
		return err
	}
	return printJSON(sessions)
}

func runDelete(ctx context.Context, svc storage.SessionService, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	app := fs.String("app", "", "Application name (required)")
	user := fs.String("user", "", "User id (required)")
	session := fs.String("session", "", "Session id (required)")
	fs.Parse(args)

	return svc.Delete(ctx, *app, *user, *session)
}

func runAppend(ctx context.Context, svc storage.SessionService, args []string) error {
	fs := flag.NewFlagSet("append", flag.ExitOnError)
	session := fs.String("session", "", "Session id (required)")
	eventJSON := fs.String("event", "", "Event as JSON (required)")
	fs.Parse(args)

	var ev types.Event
	if err := json.Unmarshal([]byte(*eventJSON), &ev); err != nil {
		return fmt.Errorf("invalid -event JSON: %w", err)
	}
	if err := svc.AppendEvent(ctx, *session, &ev); err != nil {
		return err
	}
	return printJSON(&ev)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
