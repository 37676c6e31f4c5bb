package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/portalchat/chatsync/internal/auth"
	"github.com/portalchat/chatsync/internal/config"
	"github.com/portalchat/chatsync/internal/storage"
)

// StoreConfig holds the flags of the commands that edit the backend
// database directly.
type StoreConfig struct {
	ConfigPath string
	DBPath     string
}

func addStoreFlags(fs *flag.FlagSet) *StoreConfig {
	sc := &StoreConfig{}
	fs.StringVar(&sc.ConfigPath, "config", "", "Path to config file (default: ~/.chatsync/config.toml)")
	fs.StringVar(&sc.DBPath, "db", "", "Path to SQLite database (default: db_path from config)")
	return sc
}

// resolve returns the database path and the loaded config.
func (sc *StoreConfig) resolve() (string, *config.Config, error) {
	cfg, err := config.Load(sc.ConfigPath)
	if err != nil {
		return "", nil, err
	}
	if sc.DBPath != "" {
		cfg.DBPath = sc.DBPath
	}
	cfg.ApplyDefaults()
	if cfg.DBPath == "" {
		return "", nil, errors.New("no database path: set db_path in the config or pass --db")
	}
	return cfg.DBPath, cfg, nil
}

// open opens the backend database, creating it if needed.
func (sc *StoreConfig) open() (*storage.SQLiteStore, *config.Config, error) {
	path, cfg, err := sc.resolve()
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewSQLiteStore(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return store, cfg, nil
}

// formatDuration formats a duration in a human-readable way.
// Examples: "just now", "5m ago", "2h ago", "3d ago"
func formatDuration(d time.Duration) string {
	if d < 0 {
		return "in the future"
	}
	if d < time.Minute {
		return "just now"
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(d.Hours()/24))
}

func runTokenCreate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token create", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sc := addStoreFlags(fs)
	showQR := fs.Bool("qr", false, "Display the connect string as a QR code")
	serverURL := fs.String("server", "", "Backend URL to embed in the connect string (default: http://<addr>)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatsync token create <user-id> [options]\n\nIssue an access token for a user.\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nThe raw token is shown once. Only its bcrypt hash is stored.\n")
	}

	positional, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(positional) != 1 {
		fmt.Fprintln(stderr, "Error: user-id is required")
		fs.Usage()
		return 1
	}
	userID := positional[0]

	store, cfg, err := sc.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	if _, err := store.GetUser(userID); errors.Is(err, storage.ErrUserNotFound) {
		fmt.Fprintf(stderr, "Warning: user %s is not in the directory; add them with 'chatsync user add'\n", userID)
	}

	raw, record, err := auth.IssueToken(store, userID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	base := *serverURL
	if base == "" {
		base = "http://" + cfg.Addr
	}
	connect := connectString(base, userID, raw)

	fmt.Fprintf(stdout, "Token ID: %s\n", record.ID)
	fmt.Fprintf(stdout, "User:     %s\n", userID)
	fmt.Fprintf(stdout, "Token:    %s\n", raw)
	if *showQR {
		displayQRCode(stdout, connect)
	} else {
		fmt.Fprintf(stdout, "Connect:  %s\n", connect)
	}
	return 0
}

// connectString bundles what a client needs to sign in.
func connectString(serverURL, userID, token string) string {
	q := url.Values{}
	q.Set("server", serverURL)
	q.Set("user", userID)
	q.Set("token", token)
	return "chatsync://connect?" + q.Encode()
}

// displayQRCode prints payload as a terminal QR code, falling back to text.
func displayQRCode(w io.Writer, payload string) {
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		fmt.Fprintf(w, "Connect:  %s\n", payload)
		return
	}

	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "         SCAN TO CONNECT")
	fmt.Fprintln(w, "===========================================")
	fmt.Fprintln(w, "")
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintln(w, "-------------------------------------------")
	fmt.Fprintf(w, "Connect:  %s\n", payload)
}

func runTokenList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sc := addStoreFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatsync token list [options]\n\nList issued tokens.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	path, _, err := sc.resolve()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(stdout, "No tokens found.")
		return 0
	}

	store, err := storage.NewSQLiteStore(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	tokens, err := store.ListTokens()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list tokens: %v\n", err)
		return 1
	}
	if len(tokens) == 0 {
		fmt.Fprintln(stdout, "No tokens found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOKEN ID\tUSER\tCREATED\tLAST SEEN")
	fmt.Fprintln(w, "--------\t----\t-------\t---------")

	now := time.Now()
	for _, tok := range tokens {
		lastSeen := "never"
		if !tok.LastSeen.IsZero() {
			lastSeen = formatDuration(now.Sub(tok.LastSeen))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			tok.ID,
			tok.UserID,
			formatDuration(now.Sub(tok.CreatedAt)),
			lastSeen,
		)
	}
	w.Flush()

	return 0
}

func runTokenRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sc := addStoreFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatsync token revoke <token-id> [options]\n\nRevoke an access token. Open sockets keep working until they reconnect.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	positional, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(positional) != 1 {
		fmt.Fprintln(stderr, "Error: token-id is required")
		fs.Usage()
		return 1
	}
	tokenID := positional[0]

	path, _, err := sc.resolve()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintf(stderr, "Error: token %s not found\n", tokenID)
		return 1
	}

	store, err := storage.NewSQLiteStore(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open storage: %v\n", err)
		return 1
	}
	defer store.Close()

	tokens, err := store.ListTokens()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list tokens: %v\n", err)
		return 1
	}
	found := false
	for _, tok := range tokens {
		if tok.ID == tokenID {
			found = true
			break
		}
	}
	if !found {
		fmt.Fprintf(stderr, "Error: token %s not found\n", tokenID)
		return 1
	}

	if err := store.DeleteToken(tokenID); err != nil {
		fmt.Fprintf(stderr, "Error: failed to revoke token: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Revoked token: %s\n", tokenID)
	return 0
}
