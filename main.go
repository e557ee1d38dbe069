package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"chatsync/internal/record"
	"chatsync/internal/session"
	"chatsync/internal/sync"
)

var (
	serverFlag   = flag.String("server", "http://localhost:4000", "Sync server base URL")
	wsFlag       = flag.String("ws", "", "Change notification websocket URL (empty to disable)")
	dataFlag     = flag.String("data", "", "Custom data directory (for testing multiple instances)")
	userFlag     = flag.String("user", "", "Sign in as this user id")
	tokenFlag    = flag.String("token", "", "API token for the sync server")
	intervalFlag = flag.Duration("interval", sync.DefaultInterval, "Periodic sync interval")
	debugFlag    = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	level := slog.LevelInfo
	if *debugFlag {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	dataDir := *dataFlag
	if dataDir == "" {
		var err error
		dataDir, err = getDataDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create data directory: %v\n", err)
		os.Exit(1)
	}

	sess, err := session.Open(filepath.Join(dataDir, "session.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session store: %v\n", err)
		os.Exit(1)
	}
	defer sess.Close()

	if *userFlag != "" {
		if err := sess.SaveAuth(session.Auth{UserID: *userFlag, Token: *tokenFlag}); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save credentials: %v\n", err)
			os.Exit(1)
		}
	}
	auth, ok, err := sess.Auth()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credentials: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Fprintln(os.Stderr, "Not signed in: pass -user and -token once")
		os.Exit(1)
	}

	store, err := record.Open(filepath.Join(dataDir, "chat.db"), log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	client := sync.NewClient(*serverFlag, auth.Token)
	engine := sync.NewEngine(store, sess, client, auth.UserID, log)
	runner := sync.NewRunner(engine, *intervalFlag, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *wsFlag != "" {
		sub := sync.NewSubscriber(*wsFlag, auth.Token, runner, log)
		go sub.Run(ctx)
	}

	runner.Run(ctx)

	// Give an in-flight cycle a moment to wind down before closing stores.
	time.Sleep(100 * time.Millisecond)
}

func getDataDir() (string, error) {
	var dataDir string

	switch runtime.GOOS {
	case "windows":
		dataDir = os.Getenv("APPDATA")
		if dataDir == "" {
			dataDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dataDir = filepath.Join(home, "Library", "Application Support")
	default:
		dataDir = os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			dataDir = filepath.Join(home, ".local", "share")
		}
	}

	return filepath.Join(dataDir, "chatsync"), nil
}
