package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/QXIP/stenoscope/pkg/catalog"
	"github.com/QXIP/stenoscope/pkg/packets"
	"github.com/QXIP/stenoscope/pkg/result"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".stats"),
	readline.PcItem(".files"),
	readline.PcItem(".exit"),
	readline.PcItem("range"),
	readline.PcItem("summary"),
)

const shellHelp = `
Commands:
  range FROM TO           - List entries with FROM <= time < TO (Unix seconds)
  summary FROM TO [EXPR]  - Aggregate the packets in [FROM, TO), optionally filtered
  .files                  - List the index files of the directory
  .stats                  - Show query statistics for this session
  .help                   - Show this help message
  .exit                   - Exit the shell
`

func newShellCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell [dir]",
		Short: "Query an index directory interactively",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := a.cfg.DataDir
			if len(args) > 0 {
				dir = args[0]
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          fmt.Sprintf("stenoscope:%s> ", dir),
				HistoryFile:     filepath.Join(os.TempDir(), ".stenoscope_history"),
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
				AutoComplete:    completer,
				Stdin:           io.NopCloser(cmd.InOrStdin()),
				Stdout:          cmd.OutOrStdout(),
				Stderr:          cmd.ErrOrStderr(),
			})
			if err != nil {
				return fmt.Errorf("failed to initialize readline: %w", err)
			}
			defer rl.Close()

			sh := &shell{app: a, cat: a.catalog(dir), out: cmd.OutOrStdout()}
			fmt.Fprintf(sh.out, "stenoscope %s on %s\nEnter .help for usage hints.\n", Version, dir)

			for {
				line, err := rl.Readline()
				if err != nil {
					if errors.Is(err, readline.ErrInterrupt) {
						if len(line) == 0 {
							return nil
						}
						continue
					}
					if errors.Is(err, io.EOF) {
						return nil
					}
					return err
				}
				if sh.exec(cmd.Context(), line) {
					return nil
				}
			}
		},
	}
	addQueryFlags(cmd)
	return cmd
}

// shell runs one REPL line at a time against a catalog
type shell struct {
	app *app
	cat *catalog.Catalog
	out io.Writer
}

// exec runs one line and reports whether the shell should exit. Errors are
// printed and the shell keeps running.
func (s *shell) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}

	var err error
	switch cmd := strings.ToLower(parts[0]); cmd {
	case ".help":
		fmt.Fprint(s.out, shellHelp)
	case ".exit", ".quit":
		fmt.Fprintln(s.out, "Goodbye!")
		return true
	case ".stats":
		s.printStats()
	case ".files":
		err = s.files()
	case "range":
		err = s.rangeQuery(ctx, parts[1:])
	case "summary":
		err = s.summary(ctx, parts[1:])
	default:
		err = fmt.Errorf("unknown command %q, enter .help for usage hints", cmd)
	}

	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return false
}

func (s *shell) files() error {
	files, err := s.cat.Files()
	if err != nil {
		return err
	}
	for _, f := range files {
		fmt.Fprintf(s.out, "%s  %s\n", f.Name, time.Unix(f.Second, 0).UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(s.out, "%d index files\n", len(files))
	return nil
}

func (s *shell) rangeQuery(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: range FROM TO")
	}
	_, w, err := s.app.window(append([]string{s.cat.Dir()}, args...))
	if err != nil {
		return err
	}

	start := time.Now()
	res, err := s.cat.Query(ctx, w)
	if err != nil {
		return err
	}
	if err := (&result.TextEncoder{}).Encode(s.out, result.FromCatalog(res)); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "(%s)\n", time.Since(start).Round(time.Microsecond))
	return nil
}

func (s *shell) summary(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: summary FROM TO [EXPR]")
	}
	_, w, err := s.app.window(append([]string{s.cat.Dir()}, args[:2]...))
	if err != nil {
		return err
	}
	f, err := packets.CompileFilter(strings.Join(args[2:], " "))
	if err != nil {
		return err
	}

	r, err := s.app.summarize(ctx, s.cat, w, f)
	if err != nil {
		return err
	}
	return (&result.TextEncoder{}).Encode(s.out, r)
}

func (s *shell) printStats() {
	stats := s.app.stats.GetStats()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintln(s.out, "Session Statistics:")
	for _, k := range keys {
		switch v := stats[k].(type) {
		case map[string]uint64:
			if len(v) == 0 {
				continue
			}
			fmt.Fprintf(s.out, "  • %s:\n", k)
			for name, count := range v {
				fmt.Fprintf(s.out, "      %s: %d\n", name, count)
			}
		case map[string]interface{}:
			fmt.Fprintf(s.out, "  • %s: count=%v avg=%vns\n", k, v["count"], v["avg_ns"])
		default:
			fmt.Fprintf(s.out, "  • %s: %v\n", k, v)
		}
	}
}
