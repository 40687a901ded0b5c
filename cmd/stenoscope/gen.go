package main

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"

	"github.com/QXIP/stenoscope/pkg/packets"
	"github.com/QXIP/stenoscope/pkg/sstable"
	"github.com/QXIP/stenoscope/pkg/sstable/block"
)

type genOptions struct {
	start       int64
	seconds     int
	perSecond   int
	blockSize   int
	compression string
	version     uint32
	packetFile  string
	seed        int64
}

func newGenCmd(a *app) *cobra.Command {
	var opts genOptions

	cmd := &cobra.Command{
		Use:   "gen <file>",
		Short: "Write a synthetic index file for testing",
		Long: `Gen writes an index file with perSecond entries for each second starting
at --start. With --packets, a packet file of synthetic TCP and UDP frames is
written alongside and every entry points at one of its frames.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.start == 0 {
				opts.start = a.now().Unix() - int64(opts.seconds)
			}
			n, err := generate(args[0], opts)
			if err != nil {
				return err
			}
			a.logger.WithFields(map[string]interface{}{
				"file":    args[0],
				"entries": n,
			}).Info("index file written")
			return nil
		},
	}
	cmd.Flags().Int64Var(&opts.start, "start", 0, "First second, Unix time (default: now minus --seconds)")
	cmd.Flags().IntVar(&opts.seconds, "seconds", 60, "Number of seconds to cover")
	cmd.Flags().IntVar(&opts.perSecond, "per-second", 10, "Entries per second")
	cmd.Flags().IntVar(&opts.blockSize, "block-size", sstable.DefaultBlockSize, "Target block size in bytes")
	cmd.Flags().StringVar(&opts.compression, "compression", "none", "Block compression: none, snappy, zstd, lz4")
	cmd.Flags().Uint32Var(&opts.version, "format-version", 0, "Table format version, 1 or 2 (default: 1, or 2 when compressed)")
	cmd.Flags().StringVar(&opts.packetFile, "packets", "", "Also write a packet file and store pointers into it")
	cmd.Flags().Int64Var(&opts.seed, "seed", 1, "Random seed for synthetic packets")
	return cmd
}

// generate writes the index file and, when requested, its packet file. It
// returns the number of entries written.
func generate(path string, opts genOptions) (int, error) {
	if opts.seconds <= 0 || opts.perSecond <= 0 {
		return 0, fmt.Errorf("--seconds and --per-second must be positive")
	}
	codec, err := block.ParseCompression(opts.compression)
	if err != nil {
		return 0, err
	}

	wopts := []sstable.WriterOption{sstable.WithBlockSize(opts.blockSize), sstable.WithCompression(codec)}
	if opts.version != 0 {
		wopts = append(wopts, sstable.WithVersion(opts.version))
	}
	w, err := sstable.NewWriter(path, wopts...)
	if err != nil {
		return 0, err
	}

	var pkt *os.File
	if opts.packetFile != "" {
		if err := os.MkdirAll(filepath.Dir(opts.packetFile), 0755); err != nil {
			w.Abort()
			return 0, err
		}
		if pkt, err = os.Create(opts.packetFile); err != nil {
			w.Abort()
			return 0, err
		}
		defer pkt.Close()
	}

	rng := rand.New(rand.NewSource(opts.seed))
	var offset uint64
	var seq uint64
	for s := 0; s < opts.seconds; s++ {
		for i := 0; i < opts.perSecond; i++ {
			value := []byte(fmt.Sprintf("entry-%d", seq))
			if pkt != nil {
				frame, err := syntheticFrame(rng)
				if err != nil {
					w.Abort()
					return 0, err
				}
				if _, err := pkt.Write(frame); err != nil {
					w.Abort()
					return 0, err
				}
				value = packets.Pointer{Offset: offset, Length: uint32(len(frame))}.Encode()
				offset += uint64(len(frame))
			}

			if err := w.AddKey(sstable.Key{Time: opts.start + int64(s), Seq: seq}, value); err != nil {
				w.Abort()
				return 0, err
			}
			seq++
		}
	}

	if pkt != nil {
		if err := pkt.Sync(); err != nil {
			w.Abort()
			return 0, err
		}
	}
	if err := w.Finish(); err != nil {
		return 0, err
	}
	return int(seq), nil
}

var genPorts = []int{22, 53, 80, 443, 8080}

// syntheticFrame builds an Ethernet/IPv4 frame carrying TCP or UDP between
// random hosts of 10.0.0.0/24
func syntheticFrame(rng *rand.Rand) ([]byte, error) {
	src := net.IPv4(10, 0, 0, byte(1+rng.Intn(254)))
	dst := net.IPv4(10, 0, 0, byte(1+rng.Intn(254)))
	sport := 1024 + rng.Intn(60000)
	dport := genPorts[rng.Intn(len(genPorts))]

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 64, SrcIP: src, DstIP: dst}
	payload := gopacket.Payload(make([]byte, rng.Intn(512)))

	var transport gopacket.SerializableLayer
	if dport == 53 {
		ip.Protocol = layers.IPProtocolUDP
		udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		transport = udp
	} else {
		ip.Protocol = layers.IPProtocolTCP
		tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), ACK: true, Window: 65535}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		transport = tcp
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, transport, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
