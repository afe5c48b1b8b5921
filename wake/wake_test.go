// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package wake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxlink/voxlink/lib/clock"
)

func TestMagicPacket(t *testing.T) {
	mac, err := ParseMAC("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatal(err)
	}
	packet, err := MagicPacket(mac)
	if err != nil {
		t.Fatal(err)
	}
	if len(packet) != PacketSize || PacketSize != 102 {
		t.Fatalf("packet length = %d, want 102", len(packet))
	}
	if !bytes.Equal(packet[:6], bytes.Repeat([]byte{0xFF}, 6)) {
		t.Errorf("header = %x", packet[:6])
	}
	for i := range 16 {
		chunk := packet[6+i*6 : 12+i*6]
		if !bytes.Equal(chunk, mac) {
			t.Fatalf("repetition %d = %x, want %x", i, chunk, []byte(mac))
		}
	}
}

func TestParseMAC(t *testing.T) {
	for _, text := range []string{"aa-bb-cc-dd-ee-ff", "AA:BB:CC:DD:EE:FF"} {
		if _, err := ParseMAC(text); err != nil {
			t.Errorf("ParseMAC(%q): %v", text, err)
		}
	}
	for _, text := range []string{"", "AA:BB:CC", "00:00:5e:00:53:01:02:03", "zz:bb:cc:dd:ee:ff"} {
		if _, err := ParseMAC(text); !errors.Is(err, ErrInvalidMAC) {
			t.Errorf("ParseMAC(%q) = %v, want ErrInvalidMAC", text, err)
		}
	}
}

func TestDirectedBroadcast(t *testing.T) {
	got, err := DirectedBroadcast("192.168.1.42")
	if err != nil || got != "192.168.1.255" {
		t.Fatalf("DirectedBroadcast = %q, %v", got, err)
	}
	if _, err := DirectedBroadcast("fe80::1"); err == nil {
		t.Error("IPv6 address accepted")
	}
}

func TestWakeSendsCopies(t *testing.T) {
	listener, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer listener.Close()
	port := listener.LocalAddr().(*net.UDPAddr).Port

	waker := NewWaker(Config{Interval: time.Millisecond})
	sent, err := waker.Wake(context.Background(), Target{MAC: "aa:bb:cc:dd:ee:ff", Broadcast: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatalf("Wake: %v", err)
	}
	if sent != 3 {
		t.Fatalf("sent = %d, want 3", sent)
	}

	buffer := make([]byte, 512)
	listener.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := range 3 {
		n, _, err := listener.ReadFrom(buffer)
		if err != nil {
			t.Fatalf("reading copy %d: %v", i, err)
		}
		if n != PacketSize {
			t.Errorf("copy %d has %d bytes", i, n)
		}
	}
}

func TestWakeRejectsBadMAC(t *testing.T) {
	_, err := NewWaker(Config{}).Wake(context.Background(), Target{MAC: "not-a-mac"})
	if !errors.Is(err, ErrInvalidMAC) {
		t.Fatalf("Wake = %v, want ErrInvalidMAC", err)
	}
}

func readinessServer(t *testing.T, readyAfter int64) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var calls atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status" {
			http.NotFound(w, r)
			return
		}
		n := calls.Add(1)
		if n == 1 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Readiness{Ready: n >= readyAfter, Version: "test"})
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestAwaitReady(t *testing.T) {
	server, calls := readinessServer(t, 3)
	poller := NewPoller()
	poller.Interval = 5 * time.Millisecond

	ready, err := poller.AwaitReady(context.Background(), server.URL+"/", 5*time.Second)
	if err != nil || !ready {
		t.Fatalf("AwaitReady = %v, %v", ready, err)
	}
	if calls.Load() != 3 {
		t.Errorf("polled %d times, want 3", calls.Load())
	}
}

func TestAwaitReadyTimesOut(t *testing.T) {
	server, _ := readinessServer(t, 1<<40)
	fake := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	poller := NewPoller()
	poller.Clock = fake

	result := make(chan bool, 1)
	go func() {
		ready, _ := poller.AwaitReady(context.Background(), server.URL, 15*time.Second)
		result <- ready
	}()
	fake.WaitForTimers(2)
	fake.Advance(15 * time.Second)

	select {
	case ready := <-result:
		if ready {
			t.Fatal("AwaitReady reported ready")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AwaitReady did not return after the timeout")
	}
}

func TestAwaitReadyUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	poller := NewPoller()
	poller.Interval = 5 * time.Millisecond
	ready, err := poller.AwaitReady(ctx, "http://127.0.0.1:"+strconv.Itoa(port), time.Minute)
	if ready || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AwaitReady = %v, %v; want false, deadline exceeded", ready, err)
	}
}
