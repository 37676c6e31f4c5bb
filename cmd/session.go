package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/portalchat/chatsync/internal/api"
	"github.com/portalchat/chatsync/internal/chat"
	"github.com/portalchat/chatsync/internal/config"
	"github.com/portalchat/chatsync/internal/conn"
	"github.com/portalchat/chatsync/internal/controller"
	"github.com/portalchat/chatsync/internal/delivery"
	apperrors "github.com/portalchat/chatsync/internal/errors"
	"github.com/portalchat/chatsync/internal/logx"
	"github.com/portalchat/chatsync/internal/store"
)

// clientFlags are the connection flags shared by the client commands.
// Non-empty values override the config file.
type clientFlags struct {
	ConfigPath string
	ServerURL  string
	Token      string
	UserID     string
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	f := &clientFlags{}
	fs.StringVar(&f.ConfigPath, "config", "", "Path to config file (default: ~/.chatsync/config.toml)")
	fs.StringVar(&f.ServerURL, "server", "", "Backend base URL (e.g., http://127.0.0.1:8000)")
	fs.StringVar(&f.Token, "token", "", "Access token")
	fs.StringVar(&f.UserID, "user", "", "Your user id")
	return f
}

// load reads the config file, applies the flag overrides, and fills defaults.
func (f *clientFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.ConfigPath)
	if err != nil {
		return nil, err
	}
	if f.ServerURL != "" {
		cfg.ServerURL = f.ServerURL
	}
	if f.Token != "" {
		cfg.Token = f.Token
	}
	if f.UserID != "" {
		cfg.UserID = f.UserID
	}
	cfg.ApplyDefaults()

	if cfg.ServerURL == "" {
		return nil, errors.New("no server URL: set server_url in the config or pass --server")
	}
	if cfg.UserID == "" {
		return nil, errors.New("no user id: set user_id in the config or pass --user")
	}
	return cfg, nil
}

// setupLogging points the standard logger at log_file, or at fallback when
// no file is configured. The returned func restores stderr and closes the file.
func setupLogging(cfg *config.Config, fallback io.Writer) (func(), error) {
	logx.SetLevel(cfg.LogLevel)
	if cfg.LogFile == "" {
		log.SetOutput(fallback)
		return func() { log.SetOutput(os.Stderr) }, nil
	}

	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}, nil
}

// session is a signed-in client: the REST client, the optional push
// manager, and the delivery coordinator over a fresh message store.
type session struct {
	cfg       *config.Config
	api       *api.Client
	conns     *conn.Manager
	coord     *delivery.Coordinator
	directory *chat.StaticDirectory
}

// newSession connects to the backend. With push off, every send takes the
// REST path and no live updates arrive, which suits one-shot commands.
func newSession(ctx context.Context, cfg *config.Config, push bool) (*session, error) {
	client, err := api.NewClient(cfg.ServerURL, cfg.Token, cfg.HTTPTimeout())
	if err != nil {
		return nil, err
	}
	client.OnUnauthorized(func() {
		log.Printf("cmd: backend rejected the access token; issue a new one with 'chatsync token create'")
	})

	s := &session{
		cfg:       cfg,
		api:       client,
		directory: chat.NewStaticDirectory(nil),
	}

	var connector delivery.Connector
	if push {
		s.conns = conn.NewManager(conn.Options{
			ServerURL:         cfg.ServerURL,
			Token:             cfg.Token,
			ReconnectInterval: cfg.ReconnectInterval(),
			ReconnectRate:     cfg.ReconnectRate,
			ReconnectBurst:    cfg.ReconnectBurst,
		})
		connector = s.conns
	}

	s.coord = delivery.New(store.New(0), client, connector, nil, delivery.Options{
		UserID:             cfg.UserID,
		MaxAttachmentBytes: cfg.MaxAttachmentBytes,
	})

	// Author names are cosmetic; a failed directory load only costs names.
	users, err := client.Users(ctx)
	if err != nil {
		log.Printf("cmd: failed to load users: %v", err)
	} else {
		s.directory.Replace(users)
	}
	return s, nil
}

// pxPerRow converts scroll_threshold_px to terminal rows.
const pxPerRow = 16

// controller builds a thread controller on the session. The scroll
// threshold is measured in terminal rows.
func (s *session) controller(notifier controller.Notifier, pageSize int) *controller.Controller {
	if pageSize <= 0 {
		pageSize = s.cfg.PageSize
	}
	rows := s.cfg.ScrollThreshold / pxPerRow
	if rows < 1 {
		rows = 1
	}
	return controller.New(s.coord, s.coord.Store(), s.directory, notifier, s.cfg.UserID, controller.Options{
		PageSize:        pageSize,
		PageIncrement:   s.cfg.PageIncrement,
		ScrollThreshold: rows,
	})
}

// Close releases the coordinator and every push channel.
func (s *session) Close() {
	s.coord.Close()
	if s.conns != nil {
		s.conns.CloseAll()
	}
}

// parseThread builds a thread key from the <type> <id> arguments.
func parseThread(typ, id string) (chat.ThreadKey, error) {
	rt, err := chat.ParseResourceType(typ)
	if err != nil {
		return chat.ThreadKey{}, err
	}
	key := chat.ThreadKey{Type: rt, ID: id}
	if err := key.Validate(); err != nil {
		return chat.ThreadKey{}, err
	}
	return key, nil
}

// parseArgs parses fs from args while allowing flags after positional
// arguments, and returns the positionals in order.
func parseArgs(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

// printError reports err on w. Coded errors show their message and code.
func printError(w io.Writer, err error) {
	code, msg := apperrors.ToCodeAndMessage(err)
	if code == "" || code == apperrors.CodeUnknown {
		fmt.Fprintf(w, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(w, "Error: %s [%s]\n", msg, code)
}

// parseFlags wraps parseArgs with the --help convention: help exits 0.
func parseFlags(fs *flag.FlagSet, args []string) ([]string, int, bool) {
	positional, err := parseArgs(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, 0, false
		}
		return nil, 1, false
	}
	return positional, 0, true
}
