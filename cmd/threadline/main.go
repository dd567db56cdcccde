package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/floegence/threadline/internal/ai"
	"github.com/floegence/threadline/internal/config"
	"github.com/floegence/threadline/internal/lockfile"
	"github.com/floegence/threadline/internal/settings"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	args := os.Args[2:]
	switch os.Args[1] {
	case "send":
		sendCmd(args)
	case "threads":
		threadsCmd(args)
	case "show":
		showCmd(args)
	case "rename":
		renameCmd(args)
	case "delete":
		deleteCmd(args)
	case "share":
		shareCmd(args)
	case "open-shared":
		openSharedCmd(args)
	case "pull":
		pullCmd(args)
	case "whoami":
		whoamiCmd(args)
	case "activity":
		activityCmd(args)
	case "set-key":
		setKeyCmd(args)
	case "version":
		fmt.Printf("threadline %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `threadline

Usage:
  threadline send [flags] <text>
  threadline threads [flags]
  threadline show [flags] <thread-id>
  threadline rename <thread-id> <name>
  threadline delete <thread-id>
  threadline share <thread-id>
  threadline open-shared <code>
  threadline pull [--all] [thread-id]
  threadline whoami
  threadline activity [--limit N]
  threadline set-key [--clear] <name>
  threadline version

Commands:
  send         Send a turn to a new or existing thread and print the reply.
  threads      List local threads, newest first.
  show         Print the messages of a thread.
  rename       Rename a thread.
  delete       Delete a thread from the local store.
  share        Publish a thread to the remote store and print its share code.
  open-shared  Fetch a shared thread into the local store.
  pull         Merge remote copies of threads into the local store.
  whoami       Print the identity behind the remote store token.
  activity     Print recent request, sync and share activity.
  set-key      Store an API key or token in secrets.json (%s).
  version      Print build information.

Every command accepts --config-path (default: %s).

`, strings.Join(settings.KnownSecretNames(), ", "), config.DefaultConfigPath())
}

// env is the per-process wiring shared by all commands.
type env struct {
	cfgPath  string
	cfg      *config.Config
	stateDir string
	secrets  *settings.SecretsStore
	log      *slog.Logger
	lock     *lockfile.Lock
	svc      *ai.Service
}

// loadConfig reads the config at path. A missing file yields (and writes) the defaults so a clean
// machine only needs `threadline set-key agent_api_key` before the first `send`.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg = config.Default()
	if err := config.Save(path, cfg); err != nil {
		return nil, fmt.Errorf("init default config: %w", err)
	}
	return cfg, nil
}

func resolveConfigPath(raw string) string {
	if p := strings.TrimSpace(raw); p != "" {
		return p
	}
	return config.DefaultConfigPath()
}

// openEnv loads config and secrets. With withService it also takes the state-dir lock and starts the engine.
func openEnv(configPath string, withService bool) (*env, error) {
	cfgPath := resolveConfigPath(configPath)
	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := newLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	stateDir := cfg.ResolveStateDir(cfgPath)
	e := &env{
		cfgPath:  cfgPath,
		cfg:      cfg,
		stateDir: stateDir,
		secrets:  settings.NewSecretsStore(settings.DefaultSecretsPath(stateDir)),
		log:      logger,
	}
	if !withService {
		return e, nil
	}

	lk, err := lockfile.AcquireStateDir(stateDir)
	if err != nil {
		return nil, err
	}
	e.lock = lk
	svc, err := ai.NewService(ai.Options{
		Logger:        logger,
		StateDir:      stateDir,
		Config:        cfg,
		ResolveSecret: e.secrets.Get,
	})
	if err != nil {
		_ = lk.Release()
		return nil, fmt.Errorf("init engine: %w", err)
	}
	e.svc = svc
	return e, nil
}

func (e *env) close() {
	if e == nil {
		return
	}
	if e.svc != nil {
		if err := e.svc.Close(); err != nil {
			e.log.Warn("close engine failed", "error", err)
		}
	}
	if e.lock != nil {
		_ = e.lock.Release()
	}
}

// newLogger writes to stderr so command output on stdout stays clean.
func newLogger(format string, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}
	return slog.New(h), nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// explain adds a hint for errors a user can fix from the command line.
func explain(err error) string {
	switch {
	case errors.Is(err, ai.ErrNotConfigured):
		return err.Error() + "\nHint: run `threadline set-key <name>` or edit " + config.DefaultConfigPath() + "."
	case errors.Is(err, lockfile.ErrAlreadyLocked):
		return err.Error() + "\nHint: wait for the other threadline command to finish."
	case errors.Is(err, ai.ErrThreadBusy):
		return err.Error() + "\nHint: wait for the pending reply or cancel it."
	default:
		return err.Error()
	}
}
