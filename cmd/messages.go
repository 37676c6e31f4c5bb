package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/portalchat/chatsync/internal/attachment"
	"github.com/portalchat/chatsync/internal/chat"
	"github.com/portalchat/chatsync/internal/controller"
	"github.com/portalchat/chatsync/internal/delivery"
	apperrors "github.com/portalchat/chatsync/internal/errors"
)

// openThread loads the config, connects without push, and activates key.
// The caller must run the returned cleanup.
func openThread(flags *clientFlags, typ, id string) (*session, chat.ThreadKey, func(), error) {
	key, err := parseThread(typ, id)
	if err != nil {
		return nil, chat.ThreadKey{}, nil, err
	}
	cfg, err := flags.load()
	if err != nil {
		return nil, chat.ThreadKey{}, nil, err
	}
	restoreLog, err := setupLogging(cfg, io.Discard)
	if err != nil {
		return nil, chat.ThreadKey{}, nil, err
	}

	ctx := context.Background()
	s, err := newSession(ctx, cfg, false)
	if err != nil {
		restoreLog()
		return nil, chat.ThreadKey{}, nil, err
	}
	cleanup := func() {
		s.Close()
		restoreLog()
	}
	if err := s.coord.Activate(ctx, key, chat.FullAccess); err != nil {
		cleanup()
		return nil, chat.ThreadKey{}, nil, err
	}
	return s, key, cleanup, nil
}

// stderrNotifier prints controller toasts on the terminal.
func stderrNotifier(w io.Writer) controller.Notifier {
	return controller.NotifierFunc(func(kind controller.ToastKind, text string) {
		if kind == controller.ToastError {
			fmt.Fprintf(w, "Error: %s\n", text)
			return
		}
		fmt.Fprintln(w, text)
	})
}

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)
	flags := addClientFlags(fs)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	filter := fs.String("filter", "", "Only show messages whose text or author matches")
	count := fs.Int("count", 0, "Number of most recent messages to show (default: page_size)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatsync history <story|project> <id> [options]\n\nPrint a thread's messages.\n\nOptions:\n")
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

	s, key, cleanup, err := openThread(flags, positional[0], positional[1])
	if err != nil {
		printError(stderr, err)
		return 1
	}
	defer cleanup()

	ctrl := s.controller(stderrNotifier(stderr), *count)
	if err := ctrl.Switch(context.Background(), key, chat.FullAccess); err != nil {
		return 1
	}
	defer ctrl.Close()
	ctrl.SetFilter(*filter)
	vs := ctrl.View()

	if *jsonOutput {
		msgs := make([]chat.ChatMessage, 0, len(vs.Messages))
		for _, mv := range vs.Messages {
			msgs = append(msgs, mv.Message)
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(msgs)
		return 0
	}

	if len(vs.Messages) == 0 {
		fmt.Fprintln(stdout, "No messages.")
		return 0
	}
	if vs.More {
		fmt.Fprintln(stdout, "(older messages not shown; use --count)")
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	for _, mv := range vs.Messages {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", mv.Message.ID, formatStamp(mv.Message), mv.AuthorName, messageSummary(mv))
	}
	w.Flush()
	return 0
}

func formatStamp(m chat.ChatMessage) string {
	if t := m.Time(); !t.IsZero() {
		return t.Local().Format(time.DateTime)
	}
	return m.Timestamp
}

// messageSummary is the one-line body shown by history.
func messageSummary(mv controller.MessageView) string {
	text := strings.ReplaceAll(mv.Message.Text, "\n", " ")
	if a := mv.Message.Attachment; a != nil {
		label := "[file " + a.Name + "]"
		if mv.IsImage {
			label = "[image " + a.Name + "]"
		}
		if text == "" {
			return label
		}
		text += " " + label
	}
	return text
}

func runSend(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	flags := addClientFlags(fs)
	file := fs.String("file", "", "Attach a file (max 10 MiB)")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatsync send <story|project> <id> [text] [--file path]\n\nSend a message.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	positional, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(positional) < 2 {
		fs.Usage()
		return 1
	}
	text := strings.Join(positional[2:], " ")

	var src *attachment.Source
	if *file != "" {
		s, err := attachment.FromPath(*file)
		if err != nil {
			printError(stderr, apperrors.AttachmentReadFailed(*file, err))
			return 1
		}
		src = &s
	}

	s, key, cleanup, err := openThread(flags, positional[0], positional[1])
	if err != nil {
		printError(stderr, err)
		return 1
	}
	defer cleanup()

	msg, err := s.coord.SendMessage(context.Background(), key, delivery.Draft{Text: text, File: src})
	if err != nil {
		printError(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "Sent %s\n", msg.ID)
	return 0
}

func runRemove(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	flags := addClientFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatsync rm <story|project> <id> <msg-id>... [options]\n\nDelete your messages.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	positional, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(positional) < 3 {
		fs.Usage()
		return 1
	}

	s, key, cleanup, err := openThread(flags, positional[0], positional[1])
	if err != nil {
		printError(stderr, err)
		return 1
	}
	defer cleanup()

	ids := positional[2:]
	if len(ids) == 1 {
		if err := s.coord.DeleteMessage(context.Background(), key, ids[0]); err != nil {
			printError(stderr, err)
			return 1
		}
		fmt.Fprintf(stdout, "Deleted %s\n", ids[0])
		return 0
	}

	result, err := s.coord.BulkDelete(context.Background(), key, ids)
	fmt.Fprintf(stdout, "Deleted %d of %d message(s).\n", result.Succeeded, len(ids))
	if err != nil {
		for _, id := range result.FailedIDs {
			fmt.Fprintf(stderr, "Failed: %s\n", id)
		}
		printError(stderr, err)
		return 1
	}
	return 0
}

func runEdit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("edit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	flags := addClientFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: chatsync edit <story|project> <id> <msg-id> <text> [options]\n\nEdit one of your messages. The edited copy gets a new id.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	positional, code, ok := parseFlags(fs, args)
	if !ok {
		return code
	}
	if len(positional) < 4 {
		fs.Usage()
		return 1
	}

	s, key, cleanup, err := openThread(flags, positional[0], positional[1])
	if err != nil {
		printError(stderr, err)
		return 1
	}
	defer cleanup()

	msg, err := s.coord.EditMessage(context.Background(), key, positional[2], strings.Join(positional[3:], " "))
	if err != nil {
		printError(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "Edited %s -> %s\n", positional[2], msg.ID)
	return 0
}

// isTerminal reports whether f is a character device.
func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
