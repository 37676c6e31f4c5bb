package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/portalchat/chatsync/internal/chat"
	"github.com/portalchat/chatsync/internal/tui"
)

func runChat(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("chat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	flags := addClientFlags(fs)
	readOnly := fs.Bool("read-only", false, "Open the thread without chat permission")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatsync chat <story|project> <id> [options]\n\nOpen a thread in the terminal UI.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	positional, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(positional) != 2 {
		fs.Usage()
		return 1
	}

	key, err := parseThread(positional[0], positional[1])
	if err != nil {
		printError(stderr, err)
		return 1
	}
	cfg, err := flags.load()
	if err != nil {
		printError(stderr, err)
		return 1
	}
	if !isTerminal(os.Stdout) {
		fmt.Fprintln(stderr, "Error: chat needs a terminal; use 'chatsync history' for scripts")
		return 1
	}

	// The UI owns the screen, so logs only go to log_file.
	restoreLog, err := setupLogging(cfg, io.Discard)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	defer restoreLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := newSession(ctx, cfg, true)
	if err != nil {
		printError(stderr, err)
		return 1
	}
	defer s.Close()

	perms := chat.FullAccess
	if *readOnly {
		perms.CanChat = false
	}

	toasts := tui.NewToasts()
	err = tui.Run(ctx, tui.Options{
		Controller: s.controller(toasts, 0),
		Toasts:     toasts,
		Changes:    s.coord.Changes(),
		Key:        key,
		Perms:      perms,
	})
	if err != nil && ctx.Err() == nil {
		printError(stderr, err)
		return 1
	}
	return 0
}
