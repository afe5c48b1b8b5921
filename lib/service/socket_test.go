// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxlink/voxlink/lib/codec"
	"github.com/voxlink/voxlink/lib/logging"
	"github.com/voxlink/voxlink/lib/testutil"
	"github.com/voxlink/voxlink/protocol"
)

func startServer(t *testing.T, register func(*SocketServer)) *SocketClient {
	t.Helper()
	socketPath := filepath.Join(testutil.SocketDir(t), "admin.sock")
	server := NewSocketServer(socketPath, logging.Discard())
	register(server)

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, ready) }()
	testutil.RequireClosed(t, ready, 5*time.Second, "admin socket ready")
	t.Cleanup(func() {
		cancel()
		if err := testutil.RequireReceive(t, done, 5*time.Second, "server shutdown"); err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return NewSocketClient(socketPath)
}

func TestCallRoundTrip(t *testing.T) {
	client := startServer(t, func(server *SocketServer) {
		server.Handle("revoke-device", func(ctx context.Context, raw []byte) (any, error) {
			var request struct {
				DeviceID string `cbor:"device_id"`
			}
			if err := codec.Unmarshal(raw, &request); err != nil {
				return nil, err
			}
			return map[string]string{"revoked": request.DeviceID}, nil
		})
	})

	var result struct {
		Revoked string `cbor:"revoked"`
	}
	err := client.Call(context.Background(), "revoke-device", map[string]any{"device_id": "dev-1"}, &result)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.Revoked != "dev-1" {
		t.Errorf("result = %+v", result)
	}
}

func TestCallCarriesProtocolCode(t *testing.T) {
	client := startServer(t, func(server *SocketServer) {
		server.Handle("create-pairing-ticket", func(ctx context.Context, raw []byte) (any, error) {
			return nil, protocol.Errorf(protocol.CodeDeviceLimitReached, "device_limit_reached", "3 devices already paired")
		})
	})

	err := client.Call(context.Background(), "create-pairing-ticket", nil, nil)
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("Call error = %v, want *ServiceError", err)
	}
	if serviceErr.Code != protocol.CodeDeviceLimitReached {
		t.Errorf("code = %d", serviceErr.Code)
	}
	if !errors.Is(err, protocol.ErrDeviceLimitReached) {
		t.Error("errors.Is should match the protocol sentinel")
	}
}

func TestUnknownAction(t *testing.T) {
	client := startServer(t, func(*SocketServer) {})
	err := client.Call(context.Background(), "reboot", nil, nil)
	if !errors.Is(err, protocol.ErrUnknownAction) {
		t.Errorf("Call(reboot) = %v, want UnknownAction", err)
	}
}

func TestDuplicateHandlePanics(t *testing.T) {
	server := NewSocketServer("/unused", logging.Discard())
	server.Handle("status", func(context.Context, []byte) (any, error) { return nil, nil })
	defer func() {
		if recover() == nil {
			t.Error("duplicate Handle should panic")
		}
	}()
	server.Handle("status", func(context.Context, []byte) (any, error) { return nil, nil })
}
