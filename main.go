package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vaxllo/calls"
)

var lockFd *os.File

func getLockFile(config *Config) string {
	if config.LockFile != "" {
		return config.LockFile
	}
	if home := os.Getenv("HOME"); home != "" {
		return home + "/.vaxllo.lock"
	}
	if tmpDir := os.Getenv("TMPDIR"); tmpDir != "" {
		return tmpDir + "/vaxllo.lock"
	}
	return "/tmp/vaxllo.lock"
}

// acquireLock uses flock to ensure only one instance of vaxllo serves at a
// time; call sessions live in memory and cannot be shared.
func acquireLock(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("cannot open lock file %s: %w", path, err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		// Lock held by another process; read the PID for a clear error message
		data, _ := io.ReadAll(f)
		f.Close()
		pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
		if pid > 0 {
			return fmt.Errorf("another instance is already running (PID %d, lock file: %s)", pid, path)
		}
		return fmt.Errorf("another instance is already running (lock file: %s)", path)
	}

	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	lockFd = f // keep open so the flock is held for the process lifetime
	return nil
}

// releaseLock releases the flock and removes the lock file.
func releaseLock() {
	if lockFd != nil {
		syscall.Flock(int(lockFd.Fd()), syscall.LOCK_UN)
		os.Remove(lockFd.Name())
		lockFd.Close()
	}
}

// newLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func main() {
	cmd := "serve"
	var args []string
	if len(os.Args) > 1 {
		cmd = os.Args[1]
		args = os.Args[2:]
	}

	if cmd == "help" || cmd == "--help" || cmd == "-h" {
		printUsage()
		return
	}

	config, err := LoadConfig()
	if err != nil {
		fatalf("failed to load config: %v", err)
	}
	logger := newLogger(os.Stderr, config.LogLevel, config.LogFormat)
	slog.SetDefault(logger)

	if cmd == "serve" {
		runServe(config, logger)
		return
	}
	runCLI(config, cmd, args)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func printUsage() {
	fmt.Println(`Vaxllo - AI phone receptionist

Usage:
  vaxllo [serve]                                   Run the Telnyx webhook server
  vaxllo migrate                                   Apply database migrations
  vaxllo owner add <virtual_number> [--mobile <number>] [--mode all|whitelist|owner]
                   [--greeting "text"] [--telegram <chat_id>]
  vaxllo owner list                                List owners
  vaxllo whitelist add <owner_id> <number>         Forward calls from number to the owner
  vaxllo calls list [--owner <owner_id>] [--limit n]  List classified calls
  vaxllo help                                      Show this help message`)
}

// runServe runs the webhook server until SIGINT or SIGTERM.
func runServe(config *Config, logger *slog.Logger) {
	if err := acquireLock(getLockFile(config)); err != nil {
		fatalf("failed to start: %v", err)
	}
	defer releaseLock()

	logger.Info("configuration loaded",
		"port", config.WebhookPort,
		"database", config.DatabaseDriver,
		"model", config.GeminiModel,
		"classify_workers", config.Classify.Workers)

	if err := StartServer(context.Background(), config, logger); err != nil {
		releaseLock()
		fatalf("failed to start server: %v", err)
	}

	WaitForShutdown(logger)
	StopServer()
}

// runCLI handles the administrative subcommands
func runCLI(config *Config, cmd string, args []string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	open := InitDB
	if cmd == "migrate" {
		open = OpenDB
	}
	db, err := open(ctx, config.DatabaseDriver, config.DatabaseURL)
	if err != nil {
		fatalf("failed to initialize database: %v", err)
	}
	defer db.Close()

	switch cmd {
	case "migrate":
		var n int
		if n, err = db.Migrate(ctx); err == nil {
			printJSON(map[string]any{"success": true, "applied": n})
		}
	case "owner":
		err = handleOwnerCLI(ctx, db, args)
	case "whitelist":
		err = handleWhitelistCLI(ctx, db, args)
	case "calls":
		err = handleCallsCLI(ctx, db, args)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		db.Close()
		fatalf("%v", err)
	}
}

func printJSON(v any) {
	out, _ := json.Marshal(v)
	fmt.Println(string(out))
}

// flagValue returns the argument after name, or "".
func flagValue(args []string, name string) string {
	for i, arg := range args {
		if arg == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func handleOwnerCLI(ctx context.Context, db *DB, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("owner subcommand required (add, list)")
	}

	switch args[0] {
	case "add":
		if len(args) < 2 || strings.HasPrefix(args[1], "--") {
			return fmt.Errorf("usage: vaxllo owner add <virtual_number> [--mobile <number>] [--mode all|whitelist|owner] [--greeting \"text\"] [--telegram <chat_id>]")
		}
		mode := flagValue(args, "--mode")
		switch mode {
		case "", calls.ModeAll, calls.ModeWhitelist, calls.ModeOwner:
		default:
			return fmt.Errorf("mode must be one of: %s, %s, %s", calls.ModeAll, calls.ModeWhitelist, calls.ModeOwner)
		}
		var chatID int64
		if v := flagValue(args, "--telegram"); v != "" {
			id, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid telegram chat id: %w", err)
			}
			chatID = id
		}
		owner, err := db.AddOwner(ctx, calls.Owner{
			VirtualNumber:  args[1],
			Greeting:       flagValue(args, "--greeting"),
			TelegramChatID: chatID,
			Forwarding: calls.ForwardingPolicy{
				Mode:        mode,
				OwnerMobile: flagValue(args, "--mobile"),
			},
		})
		if err != nil {
			return err
		}
		printJSON(map[string]any{"success": true, "owner": ownerJSON(owner)})

	case "list":
		owners, err := db.ListOwners(ctx)
		if err != nil {
			return err
		}
		out := make([]map[string]any, 0, len(owners))
		for _, o := range owners {
			out = append(out, ownerJSON(o))
		}
		printJSON(map[string]any{"success": true, "owners": out, "count": len(out)})

	default:
		return fmt.Errorf("unknown owner subcommand: %s", args[0])
	}
	return nil
}

func ownerJSON(o calls.Owner) map[string]any {
	return map[string]any{
		"id":               o.ID,
		"virtual_number":   o.VirtualNumber,
		"owner_mobile":     o.Forwarding.OwnerMobile,
		"answer_mode":      o.Forwarding.Mode,
		"greeting":         o.Greeting,
		"telegram_chat_id": o.TelegramChatID,
	}
}

func handleWhitelistCLI(ctx context.Context, db *DB, args []string) error {
	if len(args) < 3 || args[0] != "add" {
		return fmt.Errorf("usage: vaxllo whitelist add <owner_id> <number>")
	}
	if _, err := db.OwnerByID(ctx, args[1]); err != nil {
		return err
	}
	if err := db.AddWhitelist(ctx, args[1], args[2]); err != nil {
		return err
	}
	printJSON(map[string]any{"success": true, "owner_id": args[1], "number": calls.NormalizeNumber(args[2])})
	return nil
}

func handleCallsCLI(ctx context.Context, db *DB, args []string) error {
	if len(args) < 1 || args[0] != "list" {
		return fmt.Errorf("usage: vaxllo calls list [--owner <owner_id>] [--limit n]")
	}
	limit := 20
	if v := flagValue(args, "--limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid --limit %q", v)
		}
		limit = n
	}
	records, err := db.ListCalls(ctx, flagValue(args, "--owner"), limit)
	if err != nil {
		return err
	}

	type callResult struct {
		ID           string `json:"id"`
		OwnerID      string `json:"owner_id"`
		CallerNumber string `json:"from_number"`
		Summary      string `json:"summary"`
		Tag          string `json:"tag"`
		Urgency      string `json:"urgency"`
		CreatedAt    string `json:"created_at"`
	}
	results := make([]callResult, 0, len(records))
	for _, r := range records {
		results = append(results, callResult{
			ID:           r.ID,
			OwnerID:      r.OwnerID,
			CallerNumber: r.CallerNumber,
			Summary:      r.Summary,
			Tag:          r.Tag,
			Urgency:      r.Urgency,
			CreatedAt:    r.CreatedAt.Format(time.RFC3339),
		})
	}
	printJSON(map[string]any{"success": true, "calls": results, "count": len(results)})
	return nil
}
