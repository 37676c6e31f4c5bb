package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/portalchat/chatsync/internal/auth"
	"github.com/portalchat/chatsync/internal/config"
	"github.com/portalchat/chatsync/internal/mdns"
	"github.com/portalchat/chatsync/internal/server"
	"github.com/portalchat/chatsync/internal/storage"
)

// ServeConfig holds the serve command's flag values. Set flags override the
// config file.
type ServeConfig struct {
	ConfigPath  string
	Addr        string
	DBPath      string
	RequireAuth bool
	Mdns        bool
}

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)

	sc := &ServeConfig{}
	fs.StringVar(&sc.ConfigPath, "config", "", "Path to config file (default: ~/.chatsync/config.toml)")
	fs.StringVar(&sc.Addr, "addr", "", "Address to listen on (default: 127.0.0.1:8000)")
	fs.StringVar(&sc.DBPath, "db", "", "Path to SQLite database (default: ~/.chatsync/chatsync.db)")
	fs.BoolVar(&sc.RequireAuth, "require-auth", false, "Require a bearer token on every request")
	fs.BoolVar(&sc.Mdns, "mdns", false, "Advertise the backend on the LAN via mDNS")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatsync serve [options]\n\nRun the dev backend: REST, WebSocket push, and SQLite storage.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := config.Load(sc.ConfigPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	if setFlags["addr"] {
		cfg.Addr = sc.Addr
	}
	if setFlags["db"] {
		cfg.DBPath = sc.DBPath
	}
	if setFlags["require-auth"] {
		cfg.RequireAuth = sc.RequireAuth
	}
	if setFlags["mdns"] {
		cfg.MdnsEnabled = sc.Mdns
	}
	cfg.ApplyDefaults()

	restoreLog, err := setupLogging(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer restoreLog()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0700); err != nil {
		fmt.Fprintf(stderr, "Error: failed to create data directory: %v\n", err)
		return 1
	}
	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	validator := auth.NewTokenValidator(store)
	srv := server.NewServer(server.Options{
		Addr:        cfg.Addr,
		Store:       store,
		RequireAuth: cfg.RequireAuth,
		TokenValidator: func(token string) (string, error) {
			rec, err := validator.ValidateToken(token)
			if err != nil {
				return "", err
			}
			return rec.UserID, nil
		},
		InboundRate:  cfg.InboundRate,
		InboundBurst: cfg.InboundBurst,
	})

	if err := <-srv.StartAsync(); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer srv.Stop()

	addr := srv.Addr()
	fmt.Fprintf(stdout, "chatsync backend listening on http://%s\n", addr)
	if cfg.RequireAuth {
		fmt.Fprintln(stdout, "Authentication: REQUIRED (issue tokens with 'chatsync token create')")
	} else {
		fmt.Fprintln(stdout, "Authentication: off")
	}

	if cfg.MdnsEnabled {
		advertiser := mdns.NewAdvertiser(mdns.Config{
			Port:        advertisedPort(addr),
			RequireAuth: cfg.RequireAuth,
		})
		if err := advertiser.Start(); err != nil {
			fmt.Fprintf(stderr, "Warning: failed to start mDNS discovery: %v\n", err)
		} else {
			fmt.Fprintln(stdout, "mDNS discovery: ENABLED (visible on LAN)")
			defer advertiser.Stop()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	sig := <-sigCh
	fmt.Fprintf(stdout, "\nReceived signal %v, stopping...\n", sig)
	return 0
}

// advertisedPort extracts the port from a listen address, falling back to
// the default port.
func advertisedPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err == nil {
		if p, err := strconv.Atoi(portStr); err == nil && p > 0 {
			return p
		}
	}
	_, portStr, _ = net.SplitHostPort(config.DefaultAddr)
	p, _ := strconv.Atoi(portStr)
	return p
}
