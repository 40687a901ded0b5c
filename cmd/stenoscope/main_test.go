package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QXIP/stenoscope/pkg/common/log"
	"github.com/QXIP/stenoscope/pkg/config"
	"github.com/QXIP/stenoscope/pkg/query"
	"github.com/QXIP/stenoscope/pkg/sstable"
)

const base = int64(1_700_000_000)

func indexName(sec int64) string {
	return fmt.Sprintf("%016d", sec*1_000_000)
}

// setupIndex generates one minute of index entries, two per second, in
// root/IDX0 and returns the index directory. With withPackets the paired
// packet file is written to root/PKT0.
func setupIndex(t *testing.T, withPackets bool) string {
	t.Helper()

	root := t.TempDir()
	idx := filepath.Join(root, "IDX0")
	require.NoError(t, os.Mkdir(idx, 0755))

	opts := genOptions{start: base, seconds: 60, perSecond: 2, blockSize: sstable.DefaultBlockSize, seed: 7}
	if withPackets {
		opts.packetFile = filepath.Join(root, "PKT0", indexName(base))
	}
	n, err := generate(filepath.Join(idx, indexName(base)), opts)
	require.NoError(t, err)
	require.Equal(t, 120, n)
	return idx
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	a := newApp()
	a.now = func() time.Time { return time.Unix(base+60, 0) }
	cmd := newRootCmd(a)

	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

type queryOutput struct {
	From     int64                    `json:"from"`
	To       int64                    `json:"to"`
	Count    int                      `json:"count"`
	Matches  []map[string]interface{} `json:"matches"`
	Files    []string                 `json:"files"`
	Warnings int                      `json:"warnings"`
}

func decodeQuery(t *testing.T, out string) queryOutput {
	t.Helper()

	var q queryOutput
	require.NoError(t, jsoniter.UnmarshalFromString(out, &q))
	return q
}

func TestRootQuery(t *testing.T) {
	idx := setupIndex(t, false)

	stdout, _, err := run(t, idx, fmt.Sprint(base+10), fmt.Sprint(base+20))
	require.NoError(t, err)

	q := decodeQuery(t, stdout)
	assert.Equal(t, base+10, q.From)
	assert.Equal(t, base+20, q.To)
	assert.Equal(t, 20, q.Count)
	require.Len(t, q.Matches, 20)
	assert.Equal(t, float64(base+10), q.Matches[0]["time"])
	assert.Equal(t, float64(base+19), q.Matches[19]["time"])
	assert.Equal(t, []string{indexName(base)}, q.Files)
}

func TestRootDefaultWindow(t *testing.T) {
	idx := setupIndex(t, false)

	// now is base+60, so the default window is the whole generated minute
	stdout, _, err := run(t, idx)
	require.NoError(t, err)

	q := decodeQuery(t, stdout)
	assert.Equal(t, base, q.From)
	assert.Equal(t, base+60, q.To)
	assert.Equal(t, 120, q.Count)
}

func TestQueryCommandText(t *testing.T) {
	idx := setupIndex(t, false)

	stdout, _, err := run(t, "query", "--format", "text", "--workers", "4", idx, fmt.Sprint(base), fmt.Sprint(base+5))
	require.NoError(t, err)
	assert.Contains(t, stdout, "TIME")
	assert.Contains(t, stdout, fmt.Sprintf("10 matches in [%d, %d)", base, base+5))
}

func TestEmptyWindow(t *testing.T) {
	idx := setupIndex(t, false)

	stdout, _, err := run(t, idx, fmt.Sprint(base+5), fmt.Sprint(base+5))
	require.NoError(t, err)
	q := decodeQuery(t, stdout)
	assert.Equal(t, 0, q.Count)
	assert.Empty(t, q.Matches)

	// An empty window never looks at the directory
	stdout, _, err = run(t, filepath.Join(idx, "missing"), "90", "90")
	require.NoError(t, err)
	assert.Equal(t, 0, decodeQuery(t, stdout).Count)
}

func TestErrorsPrintNothing(t *testing.T) {
	idx := setupIndex(t, false)

	tests := []struct {
		name string
		args []string
		is   error
	}{
		{"BadFrom", []string{idx, "yesterday", "10"}, query.ErrInvalidWindow},
		{"Inverted", []string{idx, "20", "10"}, query.ErrInvalidWindow},
		{"MissingDir", []string{filepath.Join(idx, "missing"), "0", "10"}, sstable.ErrNotFound},
		{"BadFormat", []string{"--format", "xml", idx}, config.ErrInvalidConfig},
		{"BadFilter", []string{"summary", "--filter", "sport +", idx}, nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			stdout, _, err := run(t, tc.args...)
			require.Error(t, err)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
			assert.Empty(t, stdout)
		})
	}
}

func TestLenient(t *testing.T) {
	idx := setupIndex(t, false)
	require.NoError(t, os.WriteFile(filepath.Join(idx, indexName(base+1)), []byte("garbage"), 0644))

	stdout, _, err := run(t, idx, fmt.Sprint(base), fmt.Sprint(base+10))
	require.ErrorIs(t, err, sstable.ErrInvalidFormat)
	assert.Empty(t, stdout)

	stdout, stderr, err := run(t, "--lenient", idx, fmt.Sprint(base), fmt.Sprint(base+10))
	require.NoError(t, err)
	q := decodeQuery(t, stdout)
	assert.Equal(t, 20, q.Count)
	assert.Equal(t, 1, q.Warnings)
	assert.Contains(t, stderr, "skipping index file")
}

func TestConfigFileAndEnv(t *testing.T) {
	idx := setupIndex(t, false)

	cfgFile := filepath.Join(t.TempDir(), "stenoscope.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(fmt.Sprintf("data_dir: %s\nformat: text\n", idx)), 0644))

	// The data directory comes from the file when no dir argument is given
	stdout, _, err := run(t, "--config", cfgFile)
	require.NoError(t, err)
	assert.Contains(t, stdout, "120 matches")

	// Flags win over the file
	stdout, _, err = run(t, "--config", cfgFile, "--format", "json")
	require.NoError(t, err)
	assert.Equal(t, 120, decodeQuery(t, stdout).Count)

	t.Setenv("STENOSCOPE_FORMAT", "text")
	stdout, _, err = run(t, idx)
	require.NoError(t, err)
	assert.Contains(t, stdout, "120 matches")
}

func TestTelemetryGoesToStderr(t *testing.T) {
	idx := setupIndex(t, false)
	t.Setenv("STENOSCOPE_TELEMETRY_ENABLED", "true")
	t.Setenv("STENOSCOPE_TELEMETRY_EXPORTER", "stdout")

	stdout, stderr, err := run(t, idx, fmt.Sprint(base), fmt.Sprint(base+10))
	require.NoError(t, err)
	assert.Equal(t, 20, decodeQuery(t, stdout).Count)
	assert.Contains(t, stderr, "catalog.query")
	assert.Contains(t, stderr, "stenoscope.catalog.files_queried")
}

func TestSummaryCommand(t *testing.T) {
	idx := setupIndex(t, true)
	info, err := os.Stat(filepath.Join(filepath.Dir(idx), "PKT0", indexName(base)))
	require.NoError(t, err)

	stdout, _, err := run(t, "summary", idx, fmt.Sprint(base), fmt.Sprint(base+60))
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, jsoniter.UnmarshalFromString(stdout, &got))
	assert.Equal(t, float64(info.Size()), got["totalSize"])
	assert.Equal(t, float64(120), got["packets"])
	assert.Equal(t, float64(0), got["unresolved"])
	assert.NotEmpty(t, got["protocols"])
	assert.NotEmpty(t, got["ports"])
	assert.NotEmpty(t, got["ipv4"])

	stdout, _, err = run(t, "summary", "--filter", "udp", idx, fmt.Sprint(base), fmt.Sprint(base+60))
	require.NoError(t, err)
	got = nil
	require.NoError(t, jsoniter.UnmarshalFromString(stdout, &got))
	assert.Equal(t, float64(120), got["packets"].(float64)+got["filtered"].(float64))
	ports, _ := got["ports"].(map[string]interface{})
	if len(ports) > 0 {
		assert.Contains(t, ports, "53")
	}
}

func TestDumpCommand(t *testing.T) {
	idx := setupIndex(t, false)
	file := filepath.Join(idx, indexName(base))

	stdout, _, err := run(t, "dump", "--verify", "--entries", file)
	require.NoError(t, err)
	assert.Contains(t, stdout, "verified")
	assert.Contains(t, stdout, "120 entries")
	assert.Contains(t, stdout, fmt.Sprintf("%d/0", base))
	assert.Contains(t, stdout, fmt.Sprintf("%d/119", base+59))

	stdout, _, err = run(t, "dump", "--from", fmt.Sprint(base+1), "--to", fmt.Sprint(base+3), file)
	require.NoError(t, err)
	assert.Contains(t, stdout, "TIME")
	assert.Contains(t, stdout, fmt.Sprintf("4 matches in [%d, %d)", base+1, base+3))

	stdout, _, err = run(t, "dump", "--from", fmt.Sprint(base), file)
	require.ErrorIs(t, err, query.ErrInvalidWindow)
	assert.Empty(t, stdout)

	stdout, _, err = run(t, "dump", filepath.Join(idx, "missing"))
	require.ErrorIs(t, err, sstable.ErrNotFound)
	assert.Empty(t, stdout)
}

func TestGenCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), indexName(base))

	_, _, err := run(t, "gen", "--start", fmt.Sprint(base), "--seconds", "3", "--per-second", "4", "--compression", "zstd", path)
	require.NoError(t, err)

	table, err := sstable.Open(path)
	require.NoError(t, err)
	defer table.Close()

	count := 0
	iter := table.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		count++
	}
	assert.Equal(t, 12, count)

	_, _, err = run(t, "gen", "--compression", "brotli", path+"x")
	assert.Error(t, err)

	plain := filepath.Join(t.TempDir(), indexName(base))
	_, _, err = run(t, "gen", "--start", fmt.Sprint(base), "--seconds", "2", "--format-version", "2", plain)
	require.NoError(t, err)
	enveloped, err := sstable.Open(plain)
	require.NoError(t, err)
	defer enveloped.Close()
	assert.Equal(t, uint32(2), enveloped.Version())

	_, _, err = run(t, "gen", "--format-version", "1", "--compression", "lz4", path+"y")
	assert.Error(t, err)
}

func TestShellExec(t *testing.T) {
	idx := setupIndex(t, true)

	a := newApp()
	a.cfg = config.NewDefaultConfig()
	a.logger = log.NewDiscardLogger()

	var out bytes.Buffer
	sh := &shell{app: a, cat: a.catalog(idx), out: &out}
	ctx := context.Background()

	assert.False(t, sh.exec(ctx, ""))
	assert.False(t, sh.exec(ctx, ".help"))
	assert.Contains(t, out.String(), "range FROM TO")

	out.Reset()
	assert.False(t, sh.exec(ctx, fmt.Sprintf("range %d %d", base, base+3)))
	assert.Contains(t, out.String(), "6 matches")

	out.Reset()
	assert.False(t, sh.exec(ctx, fmt.Sprintf("summary %d %d tcp", base, base+60)))
	assert.Contains(t, out.String(), "packets")

	out.Reset()
	assert.False(t, sh.exec(ctx, ".files"))
	assert.Contains(t, out.String(), indexName(base))

	out.Reset()
	assert.False(t, sh.exec(ctx, ".stats"))
	assert.Contains(t, out.String(), "catalog_ops")

	out.Reset()
	assert.False(t, sh.exec(ctx, "range 5"))
	assert.Contains(t, out.String(), "usage: range FROM TO")

	out.Reset()
	assert.False(t, sh.exec(ctx, "bogus"))
	assert.True(t, strings.HasPrefix(out.String(), "Error: unknown command"))

	assert.True(t, sh.exec(ctx, ".exit"))
}
