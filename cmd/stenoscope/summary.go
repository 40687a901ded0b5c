package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/QXIP/stenoscope/pkg/catalog"
	"github.com/QXIP/stenoscope/pkg/packets"
	"github.com/QXIP/stenoscope/pkg/query"
	"github.com/QXIP/stenoscope/pkg/result"
)

func newSummaryCmd(a *app) *cobra.Command {
	var filter string

	cmd := &cobra.Command{
		Use:   "summary [dir] [fromtime] [totime]",
		Short: "Count protocols, ports and addresses of the packets in a time window",
		Long: `Summary resolves every index entry in the window to its frame in the paired
packet file and aggregates the decoded packets.

The optional filter is a boolean expression over proto, src, dst, sport,
dport, len, tcp, udp and ipv6, for example:
  tcp && dport in [80, 443]
  src == "10.0.0.1" || dst == "10.0.0.1"`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, w, err := a.window(args)
			if err != nil {
				return err
			}
			f, err := packets.CompileFilter(filter)
			if err != nil {
				return err
			}
			r, err := a.summarize(cmd.Context(), a.catalog(dir), w, f)
			if err != nil {
				return err
			}
			return a.render(cmd, r)
		},
	}
	addQueryFlags(cmd)
	cmd.Flags().StringVar(&filter, "filter", "", "Only count packets matching this expression")
	return cmd
}

// summarize runs a catalog query and aggregates the packets it points to
func (a *app) summarize(ctx context.Context, c *catalog.Catalog, w query.Window, f *packets.Filter) (*result.Report, error) {
	res, err := c.Query(ctx, w)
	if err != nil {
		return nil, err
	}

	resolver := packets.NewResolver()
	defer resolver.Close()

	s := packets.NewSummarizer(
		packets.WithFilter(f),
		packets.WithLogger(a.logger),
		packets.WithTelemetry(a.tel),
		packets.WithStats(a.stats),
	)
	if err := s.AddMatches(ctx, resolver, res.Matches, c.PacketPath); err != nil {
		return nil, err
	}

	r := result.FromCatalog(res)
	r.Matches = nil
	r.Summary = s.Summary()
	return r, nil
}
