package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/portalchat/chatsync/internal/config"
	"github.com/portalchat/chatsync/internal/mdns"
)

// discoverFunc is swapped in tests.
var discoverFunc = mdns.Discover

func runDiscover(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("discover", flag.ContinueOnError)
	fs.SetOutput(stderr)
	timeout := fs.Duration("timeout", 3*time.Second, "How long to browse")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatsync discover [options]\n\nFind chatsync dev backends on the LAN via mDNS.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	hosts, err := discoverFunc(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(hosts) == 0 {
		fmt.Fprintln(stdout, "No backends found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tURL\tAUTH\tVERSION")
	for _, h := range hosts {
		authMode := "off"
		if h.RequireAuth {
			authMode = "token"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.Name, h.URL(), authMode, h.Version)
	}
	w.Flush()
	return 0
}

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("config", "", "Where to write the config (default: ~/.chatsync/config.toml)")
	serverURL := fs.String("server", "http://"+config.DefaultAddr, "Backend base URL")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatsync init [options]\n\nWrite a starter config file. An existing file is left alone.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	target := *path
	if target == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		target = p
	}

	if err := config.WriteDefault(target, *serverURL); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Wrote %s\n", target)
	return 0
}
