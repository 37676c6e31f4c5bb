package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/portalchat/chatsync/internal/chat"
)

func runUserAdd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("user add", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sc := addStoreFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatsync user add <id> <first> <last> [role] [options]\n\nAdd or update a user in the backend directory.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	positional, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(positional) < 3 || len(positional) > 4 {
		fs.Usage()
		return 1
	}

	u := chat.User{ID: positional[0], FirstName: positional[1], LastName: positional[2]}
	if len(positional) == 4 {
		u.Role = positional[3]
	}

	store, _, err := sc.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.SaveUser(u); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Saved user %s (%s)\n", u.ID, u.FullName())
	return 0
}

func runUserList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("user list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sc := addStoreFlags(fs)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatsync user list [options]\n\nList the backend directory.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	store, _, err := sc.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer store.Close()

	users, err := store.ListUsers()
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list users: %v\n", err)
		return 1
	}
	if len(users) == 0 {
		fmt.Fprintln(stdout, "No users found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROLE")
	fmt.Fprintln(w, "--\t----\t----")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\n", u.ID, u.FullName(), u.Role)
	}
	w.Flush()
	return 0
}
