// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"io"
	"maps"
	"net"
	"time"

	"github.com/voxlink/voxlink/lib/codec"
	"github.com/voxlink/voxlink/protocol"
)

const (
	dialTimeout         = 5 * time.Second
	responseReadTimeout = 20 * time.Second
	maxResponseSize     = 1024 * 1024
)

// ServiceError is an ok=false reply.
type ServiceError struct {
	Action  string
	Code    protocol.Code
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("admin %q failed: %s", e.Action, e.Message)
}

// Unwrap exposes a *protocol.Error when the reply carried a code, so
// callers can errors.Is against the protocol sentinels.
func (e *ServiceError) Unwrap() error {
	if e.Code == 0 {
		return nil
	}
	return &protocol.Error{Code: e.Code, Message: e.Message}
}

// SocketClient sends admin requests. Each Call uses a fresh connection.
type SocketClient struct {
	socketPath string
}

// NewSocketClient returns a client for socketPath.
func NewSocketClient(socketPath string) *SocketClient {
	return &SocketClient{socketPath: socketPath}
}

// Call sends action with fields and decodes the reply data into result
// (which may be nil). The client adds "action"; fields must not.
func (c *SocketClient) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	maps.Copy(request, fields)
	request["action"] = action

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}
	if !response.OK {
		return &ServiceError{Action: action, Code: response.Code, Message: response.Error}
	}
	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

func (c *SocketClient) send(ctx context.Context, request any) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
