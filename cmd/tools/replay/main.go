// Command replay resends recorded telemetry traffic from a pcap capture to
// a running ingestion service.
//
// It extracts UDP payloads on the telemetry port and replays them to the
// target address, preserving the original inter-packet timing (optionally
// scaled for faster-than-realtime replays).
//
// Usage:
//
//	go run ./cmd/tools/replay -pcap session.pcap -target 127.0.0.1:9507
package main

import (
	"flag"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

func main() {
	pcapFile := flag.String("pcap", "", "Path to pcap file (required)")
	target := flag.String("target", "127.0.0.1:9507", "UDP address to replay to")
	port := flag.Int("port", 9507, "Telemetry UDP port to filter on")
	speed := flag.Float64("speed", 1.0, "Replay speed multiplier (2 = twice realtime)")
	flag.Parse()

	if *pcapFile == "" {
		log.Fatal("Error: -pcap flag is required")
	}
	if *speed <= 0 {
		log.Fatal("Error: -speed must be positive")
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("Failed to open pcap file: %v", err)
	}
	defer f.Close()

	reader, err := pcapgo.NewReader(f)
	if err != nil {
		log.Fatalf("Failed to read pcap header: %v", err)
	}

	conn, err := net.Dial("udp", *target)
	if err != nil {
		log.Fatalf("Failed to dial target: %v", err)
	}
	defer conn.Close()

	log.Printf("Replaying %s to %s (port filter %d, speed %.1fx)", *pcapFile, *target, *port, *speed)

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	var lastTS time.Time
	sent, skipped := 0, 0
	start := time.Now()

	for packet := range source.Packets() {
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			skipped++
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || int(udp.DstPort) != *port || len(udp.Payload) == 0 {
			skipped++
			continue
		}

		// Pace by capture timestamps so the ingestion side sees the same
		// cadence the sim produced.
		ts := packet.Metadata().Timestamp
		if !lastTS.IsZero() && ts.After(lastTS) {
			time.Sleep(time.Duration(float64(ts.Sub(lastTS)) / *speed))
		}
		lastTS = ts

		if _, err := conn.Write(udp.Payload); err != nil {
			log.Printf("Failed to send packet %d: %v", sent, err)
			continue
		}
		sent++
		if sent%5000 == 0 {
			log.Printf("Replayed %d packets...", sent)
		}
	}

	log.Printf("Replay complete: %d packets sent, %d skipped in %v", sent, skipped, time.Since(start))
}
