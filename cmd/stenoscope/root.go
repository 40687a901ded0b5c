package main

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/QXIP/stenoscope/pkg/catalog"
	"github.com/QXIP/stenoscope/pkg/common/log"
	"github.com/QXIP/stenoscope/pkg/config"
	"github.com/QXIP/stenoscope/pkg/query"
	"github.com/QXIP/stenoscope/pkg/result"
	"github.com/QXIP/stenoscope/pkg/stats"
	"github.com/QXIP/stenoscope/pkg/telemetry"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// flagKeys maps command-line flags onto configuration keys
var flagKeys = map[string]string{
	"log-level":  "log_level",
	"packet-dir": "packet_dir",
	"format":     "format",
	"workers":    "query.workers",
	"lenient":    "query.lenient",
	"slack":      "catalog.slack",
}

// app carries what every command needs once configuration is loaded
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *log.StandardLogger
	stats   *stats.AtomicCollector
	tel     telemetry.Telemetry
	now     func() time.Time
}

func newApp() *app {
	return &app{
		stats: stats.NewAtomicCollector(),
		tel:   telemetry.NewNoop(),
		now:   time.Now,
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "stenoscope [dir] [fromtime] [totime]",
		Short: "Query stenographer index files by time",
		Long: `Stenoscope reads the time-indexed sstables a packet capture writes into its
index directory and prints every entry recorded in [fromtime, totime).

Times are Unix seconds. Without arguments the default index directory is
queried for the last minute.

Examples:
  stenoscope                                         # Last minute, JSON
  stenoscope /data/IDX0 1700000000 1700000060        # Explicit window
  stenoscope query --format text --lenient /data/IDX0
  stenoscope summary --filter 'tcp && dport == 443' /data/IDX0
  stenoscope dump --verify /data/IDX0/1700000000000000`,
		Version:           Version,
		Args:              cobra.MaximumNArgs(3),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.tel.Shutdown(cmd.Context())
		},
		RunE: a.runQuery,
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "Configuration file (yaml, json or toml)")
	root.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("packet-dir", "", "Packet file directory (default: PKT0 sibling of the index directory)")
	root.PersistentFlags().Duration("slack", catalog.DefaultSlack, "How far outside the window an index file name may fall")
	addQueryFlags(root)

	root.AddCommand(newQueryCmd(a))
	root.AddCommand(newSummaryCmd(a))
	root.AddCommand(newDumpCmd(a))
	root.AddCommand(newShellCmd(a))
	root.AddCommand(newGenCmd(a))
	return root
}

func addQueryFlags(cmd *cobra.Command) {
	cmd.Flags().String("format", "json", "Output format: json or text")
	cmd.Flags().Bool("lenient", false, "Skip corrupt blocks and unreadable index files with a warning")
	cmd.Flags().Int("workers", 1, "Concurrent block reads per index file")
}

// setup loads configuration from defaults, the config file, the
// environment and flags, in increasing precedence
func (a *app) setup(cmd *cobra.Command, args []string) error {
	v := viper.New()
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return err
	}

	cfg, err := config.LoadWith(v, a.cfgFile)
	if err != nil {
		return err
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	tel, err := telemetry.New(cfg.Telemetry, telemetry.WithWriter(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.tel = tel
	a.logger = log.NewStandardLogger(log.WithLevel(level), log.WithOutput(cmd.ErrOrStderr()))
	a.logger.WithField("config", a.cfgFile).Debug("configuration loaded")
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// window resolves the [dir] [fromtime] [totime] arguments against the
// configured defaults
func (a *app) window(args []string) (string, query.Window, error) {
	dir := a.cfg.DataDir
	if len(args) > 0 && args[0] != "" {
		dir = args[0]
	}

	now := a.now().Unix()
	w := query.Window{From: now - int64(a.cfg.Window/time.Second), To: now}

	var err error
	if len(args) > 1 {
		if w.From, err = parseTime("fromtime", args[1]); err != nil {
			return "", query.Window{}, err
		}
	}
	if len(args) > 2 {
		if w.To, err = parseTime("totime", args[2]); err != nil {
			return "", query.Window{}, err
		}
	}
	if err := w.Validate(); err != nil {
		return "", query.Window{}, err
	}
	return dir, w, nil
}

func parseTime(name, s string) (int64, error) {
	t, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not a Unix time in seconds", query.ErrInvalidWindow, name, s)
	}
	return t, nil
}

func (a *app) engine() *query.Engine {
	policy := query.PolicyAbort
	if a.cfg.Query.Lenient {
		policy = query.PolicySkip
	}
	return query.NewEngine(
		query.WithPolicy(policy),
		query.WithWorkers(a.cfg.Query.Workers),
		query.WithTelemetry(a.tel),
		query.WithStats(a.stats),
		query.WithLogger(a.logger),
	)
}

func (a *app) catalog(dir string) *catalog.Catalog {
	return catalog.New(dir,
		catalog.WithEngine(a.engine()),
		catalog.WithWorkers(a.cfg.Catalog.Workers),
		catalog.WithSlack(a.cfg.Catalog.Slack),
		catalog.WithPacketDir(a.cfg.PacketDir),
		catalog.WithLogger(a.logger),
		catalog.WithStats(a.stats),
		catalog.WithTelemetry(a.tel),
	)
}

// render encodes r completely before writing, so a failure leaves stdout
// untouched
func (a *app) render(cmd *cobra.Command, r *result.Report) error {
	enc, err := result.NewEncoder(result.Format(a.cfg.Format))
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := enc.Encode(&buf, r); err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(buf.Bytes())
	return err
}

func (a *app) runQuery(cmd *cobra.Command, args []string) error {
	dir, w, err := a.window(args)
	if err != nil {
		return err
	}

	res, err := a.catalog(dir).Query(cmd.Context(), w)
	if err != nil {
		return err
	}
	return a.render(cmd, result.FromCatalog(res))
}

func newQueryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [dir] [fromtime] [totime]",
		Short: "List index entries in a time window",
		Args:  cobra.MaximumNArgs(3),
		RunE:  a.runQuery,
	}
	addQueryFlags(cmd)
	return cmd
}
