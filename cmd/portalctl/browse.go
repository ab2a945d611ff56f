package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"finitefield.org/campus-portal/internal/portal/guard"
	"finitefield.org/campus-portal/internal/portal/session"
)

const browseHelp = `commands:
  go <path>     navigate to path
  back          go back one entry
  forward       go forward one entry
  hash <frag>   change the location hash
  status        print session state and location
  history       print the history stack
  quit          leave`

func browseCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "Navigate portal routes interactively through the route guard",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			out := &lockedWriter{w: cmd.OutOrStdout()}
			var mu sync.Mutex
			last := a.tab.Snapshot().State
			cancel := a.tab.Session().Subscribe(func(s session.Snapshot) {
				mu.Lock()
				defer mu.Unlock()
				if s.State != last {
					last = s.State
					fmt.Fprintf(out, "session: %s\n", s.State)
				}
			})
			defer cancel()

			return a.repl(cmd, cmd.InOrStdin(), out)
		},
	}
}

func (a *app) repl(cmd *cobra.Command, in io.Reader, out io.Writer) error {
	ctx := cmd.Context()
	scanner := bufio.NewScanner(in)
	fmt.Fprintf(out, "at %s\n", a.window.URL())
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		arg := ""
		if len(fields) > 1 {
			arg = fields[1]
		}

		switch fields[0] {
		case "go", "open":
			if arg == "" {
				fmt.Fprintln(out, "usage: go <path>")
				continue
			}
			printDecision(out, a.tab.Navigate(ctx, arg), a.window.URL())
		case "back":
			d, ok := a.tab.Back(ctx)
			if !ok {
				fmt.Fprintln(out, "no earlier entry")
				continue
			}
			printDecision(out, d, a.window.URL())
		case "forward":
			if !a.window.Forward() {
				fmt.Fprintln(out, "no later entry")
				continue
			}
			printDecision(out, a.tab.Check(ctx, a.window.URL()), a.window.URL())
		case "hash":
			a.window.SetHash(arg)
			fmt.Fprintf(out, "at %s\n", a.window.URL())
		case "status":
			snap := a.tab.Snapshot()
			fmt.Fprintf(out, "session: %s\nat %s\n", snap.State, a.window.URL())
		case "history":
			entries, index := a.window.Entries()
			for i, entry := range entries {
				marker := " "
				if i == index {
					marker = ">"
				}
				fmt.Fprintf(out, "%s %s\n", marker, entry)
			}
		case "help":
			fmt.Fprintln(out, browseHelp)
		case "quit", "exit":
			return nil
		default:
			fmt.Fprintf(out, "unknown command %q; try help\n", fields[0])
		}
	}
	return scanner.Err()
}

func printDecision(out io.Writer, d guard.Decision, at string) {
	fmt.Fprintf(out, "%s (%s)\nat %s\n", d.Kind, d.Reason, at)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
