package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `chatsync - real-time chat threads for stories and projects

Usage:
  chatsync <command> [options]

Commands:
  serve                                Run the dev backend
  chat <story|project> <id>            Open a thread in the terminal UI
  history <type> <id>                  Print a thread's messages
  send <type> <id> <text>              Send a message (--file to attach)
  rm <type> <id> <msg-id>...           Delete your messages
  edit <type> <id> <msg-id> <text>     Edit one of your messages
  token create <user-id> [--qr]        Issue an access token
  token list                           List issued tokens
  token revoke <token-id>              Revoke a token
  user add <id> <first> <last> [role]  Add a user to the directory
  user list                            List users
  discover                             Find dev backends on the LAN
  init                                 Write a starter config file
  version                              Print the version
Run 'chatsync <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "chat":
		return runChat(args[2:], stdout, stderr)
	case "history":
		return runHistory(args[2:], stdout, stderr)
	case "send":
		return runSend(args[2:], stdout, stderr)
	case "rm":
		return runRemove(args[2:], stdout, stderr)
	case "edit":
		return runEdit(args[2:], stdout, stderr)
	case "token":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: chatsync token <create|list|revoke>")
			return 1
		}
		switch args[2] {
		case "create":
			return runTokenCreate(args[3:], stdout, stderr)
		case "list":
			return runTokenList(args[3:], stdout, stderr)
		case "revoke":
			return runTokenRevoke(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown token command: %s\n", args[2])
			return 1
		}
	case "user":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: chatsync user <add|list>")
			return 1
		}
		switch args[2] {
		case "add":
			return runUserAdd(args[3:], stdout, stderr)
		case "list":
			return runUserList(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown user command: %s\n", args[2])
			return 1
		}
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "chatsync %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
