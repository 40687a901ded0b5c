package result

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
)

// json sorts map keys so summaries render deterministically
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONEncoder writes a report as a single JSON document followed by a newline
type JSONEncoder struct {
	// Indent pretty-prints with the given indent when non-empty
	Indent string
}

// Encode implements Encoder
func (e *JSONEncoder) Encode(w io.Writer, r *Report) error {
	var data []byte
	var err error
	if e.Indent != "" {
		data, err = json.MarshalIndent(r.view(), "", e.Indent)
	} else {
		data, err = json.Marshal(r.view())
	}
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// TextEncoder writes a report as aligned columns for terminals
type TextEncoder struct{}

// Encode implements Encoder
func (e *TextEncoder) Encode(w io.Writer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)

	if r.Summary != nil {
		e.summary(tw, r)
	} else {
		e.matches(tw, r)
	}

	for _, s := range r.Skipped {
		if s.Block != nil {
			fmt.Fprintf(tw, "skipped\t%s\tblock %d\t%s\n", s.File, *s.Block, s.Error)
		} else {
			fmt.Fprintf(tw, "skipped\t%s\t\t%s\n", s.File, s.Error)
		}
	}
	return tw.Flush()
}

func (e *TextEncoder) matches(tw *tabwriter.Writer, r *Report) {
	fmt.Fprintf(tw, "TIME\tSEQ\tFILE\tVALUE\n")
	for _, m := range r.Matches {
		value := m.Value
		if m.Offset != nil && m.Length != nil {
			value = fmt.Sprintf("@%d+%d", *m.Offset, *m.Length)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", m.Time, m.Seq, m.File, value)
	}
	fmt.Fprintf(tw, "\n%d matches in %s from %d files, %d warnings, %d packet bytes\n",
		len(r.Matches), r.Window, len(r.Files), r.Warnings, r.TotalSize)
}

func (e *TextEncoder) summary(tw *tabwriter.Writer, r *Report) {
	s := r.Summary
	fmt.Fprintf(tw, "window\t%s\n", r.Window)
	fmt.Fprintf(tw, "files\t%d\n", len(r.Files))
	fmt.Fprintf(tw, "totalSize\t%d\n", r.TotalSize)
	fmt.Fprintf(tw, "packets\t%d\n", s.Packets)
	fmt.Fprintf(tw, "bytes\t%d\n", s.Bytes)
	fmt.Fprintf(tw, "unresolved\t%d\n", s.Unresolved)
	fmt.Fprintf(tw, "filtered\t%d\n", s.Filtered)
	fmt.Fprintf(tw, "warnings\t%d\n", r.Warnings)

	section := func(name string, counts map[string]int64) {
		if len(counts) == 0 {
			return
		}
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintf(tw, "\n%s\n", strings.ToUpper(name))
		for _, k := range keys {
			fmt.Fprintf(tw, "%s\t%d\n", k, counts[k])
		}
	}
	section("protocols", intKeys(s.Protocols))
	section("ports", intKeys(s.Ports))
	section("ipv4", s.IPv4)
	section("ipv6", s.IPv6)
}

// intKeys renders numeric keys right-aligned so they sort numerically
func intKeys(m map[int]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[fmt.Sprintf("%5d", k)] = v
	}
	return out
}
