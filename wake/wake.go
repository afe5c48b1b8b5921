// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package wake brings a sleeping host online and waits for its agent.
//
// [Waker] broadcasts Wake-on-LAN magic packets over UDP. [Poller]
// polls the agent's readiness endpoint until it reports ready.
package wake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/voxlink/voxlink/audit"
	"github.com/voxlink/voxlink/lib/clock"
)

// PacketSize is the length of a magic packet: six 0xFF bytes followed
// by the MAC address sixteen times.
const PacketSize = 6 + 16*6

// ErrInvalidMAC is returned for addresses that are not 48-bit MACs.
var ErrInvalidMAC = errors.New("invalid MAC address")

// ParseMAC accepts colon or hyphen separated 48-bit addresses.
func ParseMAC(text string) (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMAC, text)
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("%w: %q is not 48 bits", ErrInvalidMAC, text)
	}
	return mac, nil
}

// MagicPacket builds the Wake-on-LAN payload for mac.
func MagicPacket(mac net.HardwareAddr) ([]byte, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidMAC, len(mac))
	}
	packet := make([]byte, 0, PacketSize)
	for range 6 {
		packet = append(packet, 0xFF)
	}
	for range 16 {
		packet = append(packet, mac...)
	}
	return packet, nil
}

// DirectedBroadcast returns the /24 broadcast address of ip, the
// address a router will forward to the sleeping host's subnet.
func DirectedBroadcast(ip string) (string, error) {
	parsed := net.ParseIP(ip).To4()
	if parsed == nil {
		return "", fmt.Errorf("%q is not an IPv4 address", ip)
	}
	return net.IPv4(parsed[0], parsed[1], parsed[2], 255).String(), nil
}

// Target identifies the host to wake.
type Target struct {
	MAC string

	// Broadcast is the destination address. Empty means the limited
	// broadcast 255.255.255.255.
	Broadcast string

	// Port defaults to 9.
	Port int
}

// Config tunes a Waker.
type Config struct {
	// Repeat is how many copies of the packet are sent. Default 3.
	Repeat int

	// Interval spaces the copies. Default 100ms.
	Interval time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
	Audit  audit.Sink
}

// Waker sends magic packets. Delivery is fire-and-forget: success means
// the packets left this host, not that the target woke.
type Waker struct {
	config Config
}

// NewWaker returns a Waker.
func NewWaker(config Config) *Waker {
	if config.Repeat <= 0 {
		config.Repeat = 3
	}
	if config.Interval <= 0 {
		config.Interval = 100 * time.Millisecond
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Audit == nil {
		config.Audit = audit.Discard
	}
	return &Waker{config: config}
}

// Wake sends the magic packet for target. Returns the number of copies
// sent; an error only if none could be sent.
func (w *Waker) Wake(ctx context.Context, target Target) (int, error) {
	mac, err := ParseMAC(target.MAC)
	if err != nil {
		return 0, err
	}
	packet, err := MagicPacket(mac)
	if err != nil {
		return 0, err
	}
	broadcast := target.Broadcast
	if broadcast == "" {
		broadcast = net.IPv4bcast.String()
	}
	port := target.Port
	if port == 0 {
		port = 9
	}
	destination, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(broadcast, strconv.Itoa(port)))
	if err != nil {
		return 0, fmt.Errorf("resolving broadcast address: %w", err)
	}

	listener := net.ListenConfig{Control: enableBroadcast}
	conn, err := listener.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return 0, fmt.Errorf("opening broadcast socket: %w", err)
	}
	defer conn.Close()

	sent := 0
	var lastErr error
	for i := range w.config.Repeat {
		if i > 0 {
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case <-w.config.Clock.After(w.config.Interval):
			}
		}
		if _, err := conn.WriteTo(packet, destination); err != nil {
			lastErr = err
			w.config.Logger.Warn("sending magic packet", "mac", mac.String(), "destination", destination.String(), "error", err)
			continue
		}
		sent++
	}
	if sent == 0 {
		return 0, fmt.Errorf("sending magic packet to %s: %w", destination, lastErr)
	}

	w.config.Logger.Info("magic packet sent", "mac", mac.String(), "destination", destination.String(), "copies", sent)
	event := audit.Event{
		Time:     w.config.Clock.Now(),
		Type:     audit.TypeWakeSent,
		Severity: audit.SeverityInfo,
		Fields:   map[string]string{"mac": mac.String(), "destination": destination.String()},
	}
	if err := w.config.Audit.Record(ctx, event); err != nil {
		w.config.Logger.Error("recording wake event", "error", err)
	}
	return sent, nil
}
