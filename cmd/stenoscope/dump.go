package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/QXIP/stenoscope/pkg/query"
	"github.com/QXIP/stenoscope/pkg/result"
	"github.com/QXIP/stenoscope/pkg/sstable"
	"github.com/QXIP/stenoscope/pkg/stats"
)

func newDumpCmd(a *app) *cobra.Command {
	var verify, entries bool
	var from, to string

	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Show the footer and block index of one index file",
		Long: `Dump prints the footer and block index of one index file. With --verify
every block is read and checksummed; with --from and --to the entries of
that window are listed using only this file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var w *query.Window
			if from != "" || to != "" {
				rw, err := rangeWindow(from, to)
				if err != nil {
					return err
				}
				w = &rw
			}

			table, err := sstable.Open(args[0])
			if err != nil {
				return err
			}
			defer table.Close()

			var buf bytes.Buffer
			if err := a.dump(&buf, table, verify, entries); err != nil {
				return err
			}
			if w != nil {
				if err := a.dumpRange(cmd.Context(), &buf, table, *w); err != nil {
					return err
				}
			}
			_, err = cmd.OutOrStdout().Write(buf.Bytes())
			return err
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "Read and checksum every block")
	cmd.Flags().BoolVar(&entries, "entries", false, "Print every entry")
	cmd.Flags().StringVar(&from, "from", "", "List entries from this Unix time (requires --to)")
	cmd.Flags().StringVar(&to, "to", "", "List entries before this Unix time (requires --from)")
	return cmd
}

func rangeWindow(from, to string) (query.Window, error) {
	if from == "" || to == "" {
		return query.Window{}, fmt.Errorf("%w: --from and --to must be given together", query.ErrInvalidWindow)
	}
	var w query.Window
	var err error
	if w.From, err = parseTime("--from", from); err != nil {
		return query.Window{}, err
	}
	if w.To, err = parseTime("--to", to); err != nil {
		return query.Window{}, err
	}
	return w, w.Validate()
}

// dumpRange queries one table directly, without the directory catalog
func (a *app) dumpRange(ctx context.Context, w io.Writer, table *sstable.Table, win query.Window) error {
	res, err := a.engine().Query(ctx, table, win)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	return (&result.TextEncoder{}).Encode(w, result.FromQuery(win, table.Path(), res))
}

// keyTime renders the time of an encoded key, or "-" for a foreign key
func keyTime(k []byte) string {
	t, ok := sstable.KeyTime(k)
	if !ok {
		return "-"
	}
	return time.Unix(t, 0).UTC().Format(time.RFC3339)
}

func formatKey(k []byte) string {
	key, err := sstable.DecodeKey(k)
	if err != nil {
		return hex.EncodeToString(k)
	}
	return key.String()
}

func (a *app) dump(w io.Writer, table *sstable.Table, verify, entries bool) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)

	fmt.Fprintf(tw, "file\t%s\n", table.Path())
	fmt.Fprintf(tw, "size\t%d\n", table.FileSize())
	fmt.Fprintf(tw, "version\t%d\n", table.Version())
	fmt.Fprintf(tw, "blocks\t%d\n", table.BlockCount())
	if table.BlockCount() > 0 {
		last, err := table.LastKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "first key\t%s\t%s\n", formatKey(table.FirstKey()), keyTime(table.FirstKey()))
		fmt.Fprintf(tw, "last key\t%s\t%s\n", formatKey(last), keyTime(last))
	}

	fmt.Fprintf(tw, "\nBLOCK\tOFFSET\tSIZE\tFIRST KEY\tTIME")
	if verify {
		fmt.Fprintf(tw, "\tENTRIES\tCODEC")
	}
	fmt.Fprintln(tw)

	var total int
	for i, e := range table.Index() {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%s\t%s", i, e.BlockOffset, e.BlockSize, formatKey(e.FirstKey), keyTime(e.FirstKey))
		if verify {
			reader, err := table.ReadBlock(i)
			if err != nil {
				a.stats.TrackError("verify")
				return err
			}
			a.stats.TrackOperation(stats.OpBlockRead)
			total += reader.NumEntries()
			fmt.Fprintf(tw, "\t%d\t%s", reader.NumEntries(), reader.Compression())
		}
		fmt.Fprintln(tw)
	}
	if verify {
		fmt.Fprintf(tw, "\nverified\t%d entries in %d blocks\n", total, table.BlockCount())
	}

	if entries {
		fmt.Fprintf(tw, "\nKEY\tVALUE\n")
		iter := table.NewIterator()
		for iter.SeekToFirst(); iter.Valid(); iter.Next() {
			fmt.Fprintf(tw, "%s\t%s\n", formatKey(iter.Key()), hex.EncodeToString(iter.Value()))
		}
		if err := iter.Error(); err != nil {
			return err
		}
	}
	return tw.Flush()
}
