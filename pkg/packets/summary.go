package packets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.opentelemetry.io/otel/attribute"

	"github.com/QXIP/stenoscope/pkg/catalog"
	"github.com/QXIP/stenoscope/pkg/common/log"
	"github.com/QXIP/stenoscope/pkg/stats"
	"github.com/QXIP/stenoscope/pkg/telemetry"
)

// Summary aggregates a set of packets. Map keys follow the stenographer
// index types: IP protocol numbers, TCP/UDP ports and IP addresses.
type Summary struct {
	Packets int64 `json:"packets"`
	Bytes   int64 `json:"bytes"`
	// Unresolved counts matches whose value was not a pointer or whose
	// packet file or frame was missing
	Unresolved int64 `json:"unresolved"`
	// Filtered counts packets rejected by the filter
	Filtered  int64            `json:"filtered"`
	Protocols map[int]int64    `json:"protocols"`
	Ports     map[int]int64    `json:"ports"`
	IPv4      map[string]int64 `json:"ipv4"`
	IPv6      map[string]int64 `json:"ipv6"`
}

// NewSummary returns an empty summary with its maps allocated
func NewSummary() *Summary {
	return &Summary{
		Protocols: make(map[int]int64),
		Ports:     make(map[int]int64),
		IPv4:      make(map[string]int64),
		IPv6:      make(map[string]int64),
	}
}

// Option configures a Summarizer
type Option func(*Summarizer)

// WithFilter counts only packets matching f
func WithFilter(f *Filter) Option {
	return func(s *Summarizer) {
		s.filter = f
	}
}

// WithLogger sets the logger
func WithLogger(l log.Logger) Option {
	return func(s *Summarizer) {
		s.logger = l
	}
}

// WithTelemetry records a span and a packet counter per summary
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(s *Summarizer) {
		s.tel = tel
	}
}

// WithStats records summary operations
func WithStats(c stats.Collector) Option {
	return func(s *Summarizer) {
		s.stats = c
	}
}

// Summarizer decodes frames and accumulates a Summary. It is safe for
// concurrent use.
type Summarizer struct {
	mu      sync.Mutex
	summary *Summary

	filter *Filter
	logger log.Logger
	tel    telemetry.Telemetry
	stats  stats.Collector
}

// NewSummarizer creates a summarizer with an empty summary
func NewSummarizer(opts ...Option) *Summarizer {
	s := &Summarizer{
		summary: NewSummary(),
		logger:  log.GetDefaultLogger(),
		tel:     telemetry.NewNoop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// decode extracts the filter environment of an Ethernet frame
func decode(data []byte) PacketEnv {
	env := PacketEnv{Len: len(data)}
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	if ipLayer := packet.Layer(layers.LayerTypeIPv4); ipLayer != nil {
		ip := ipLayer.(*layers.IPv4)
		env.Proto = int(ip.Protocol)
		env.Src = ip.SrcIP.String()
		env.Dst = ip.DstIP.String()
	} else if ipLayer := packet.Layer(layers.LayerTypeIPv6); ipLayer != nil {
		ip := ipLayer.(*layers.IPv6)
		env.Proto = int(ip.NextHeader)
		env.Src = ip.SrcIP.String()
		env.Dst = ip.DstIP.String()
		env.IPv6 = true
	}

	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		env.Sport = int(tcp.SrcPort)
		env.Dport = int(tcp.DstPort)
		env.TCP = true
	} else if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		env.Sport = int(udp.SrcPort)
		env.Dport = int(udp.DstPort)
		env.UDP = true
	}
	return env
}

// Add decodes one Ethernet frame and counts it if it passes the filter.
// A packet is counted once per distinct port and address it carries.
func (s *Summarizer) Add(data []byte) error {
	env := decode(data)
	ok, err := s.filter.Match(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sum := s.summary
	if !ok {
		sum.Filtered++
		return nil
	}
	sum.Packets++
	sum.Bytes += int64(len(data))

	if env.Src == "" {
		return nil
	}
	sum.Protocols[env.Proto]++

	addrs := sum.IPv4
	if env.IPv6 {
		addrs = sum.IPv6
	}
	addrs[env.Src]++
	if env.Dst != env.Src {
		addrs[env.Dst]++
	}

	if env.TCP || env.UDP {
		sum.Ports[env.Sport]++
		if env.Dport != env.Sport {
			sum.Ports[env.Dport]++
		}
	}
	return nil
}

// AddMatches resolves each match to its frame and adds it. packetPath maps
// an index file name to its packet file; an empty path leaves the match
// unresolved. Missing files and frames are counted as unresolved.
func (s *Summarizer) AddMatches(ctx context.Context, r *Resolver, matches []catalog.Match, packetPath func(string) string) error {
	start := time.Now()
	ctx, span := s.tel.StartSpan(ctx, "packets.summarize",
		attribute.String(telemetry.AttrComponent, telemetry.ComponentPackets))
	defer span.End()

	before := s.Summary().Packets
	err := s.addMatches(ctx, r, matches, packetPath)

	status := telemetry.StatusSuccess
	if err != nil {
		status = telemetry.StatusError
		span.RecordError(err)
	}
	attrs := []attribute.KeyValue{
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeSummary),
		attribute.String(telemetry.AttrStatus, status),
	}
	telemetry.RecordDuration(ctx, s.tel, telemetry.MetricQueryDuration, start, attrs...)
	s.tel.RecordCounter(ctx, telemetry.MetricPacketsCounted, s.Summary().Packets-before, attrs...)
	if s.stats != nil {
		s.stats.TrackOperationWithLatency(stats.OpSummary, uint64(time.Since(start).Nanoseconds()))
		if err != nil {
			s.stats.TrackError("summary")
		}
	}
	return err
}

func (s *Summarizer) addMatches(ctx context.Context, r *Resolver, matches []catalog.Match, packetPath func(string) string) error {
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return err
		}

		ptr, ok := ParsePointer(m.Value)
		path := packetPath(m.File)
		if !ok || path == "" {
			s.unresolved()
			continue
		}

		data, err := r.Read(path, ptr)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrBadPointer) {
				s.logger.WithFields(map[string]interface{}{
					"file": path,
					"key":  m.Key.String(),
				}).Debug("unresolved packet: %v", err)
				s.unresolved()
				continue
			}
			return fmt.Errorf("packet for %s in %s: %w", m.Key, m.File, err)
		}

		if err := s.Add(data); err != nil {
			return err
		}
	}
	return nil
}

func (s *Summarizer) unresolved() {
	s.mu.Lock()
	s.summary.Unresolved++
	s.mu.Unlock()
}

// Summary returns a copy of the current summary
func (s *Summarizer) Summary() *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := NewSummary()
	*out = Summary{
		Packets:    s.summary.Packets,
		Bytes:      s.summary.Bytes,
		Unresolved: s.summary.Unresolved,
		Filtered:   s.summary.Filtered,
		Protocols:  out.Protocols,
		Ports:      out.Ports,
		IPv4:       out.IPv4,
		IPv6:       out.IPv6,
	}
	for k, v := range s.summary.Protocols {
		out.Protocols[k] = v
	}
	for k, v := range s.summary.Ports {
		out.Ports[k] = v
	}
	for k, v := range s.summary.IPv4 {
		out.IPv4[k] = v
	}
	for k, v := range s.summary.IPv6 {
		out.IPv6[k] = v
	}
	return out
}
