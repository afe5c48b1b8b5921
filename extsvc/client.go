// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package extsvc adapts the agent's external collaborators, served
// over HTTP, to the interfaces the pipeline and router consume.
//
// Every service answers errors with a JSON body of the form
// {"error":{"reason":"...","message":"...","retryable":bool}}.
// Unreachable services and 408/429/5xx replies are reported as
// transient so the pipeline's retry policy applies.
package extsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/voxlink/voxlink/lib/netutil"
)

// ServiceError is a non-2xx reply from a collaborator.
type ServiceError struct {
	Service    string
	StatusCode int
	Reason     string
	Message    string
	Retryable  bool
}

func (e *ServiceError) Error() string {
	text := fmt.Sprintf("%s: HTTP %d", e.Service, e.StatusCode)
	if e.Reason != "" {
		text += ": " + e.Reason
	}
	if e.Message != "" {
		text += ": " + e.Message
	}
	return text
}

// Temporary reports whether the same request may succeed later.
func (e *ServiceError) Temporary() bool {
	if e.Retryable {
		return true
	}
	return (&netutil.StatusError{StatusCode: e.StatusCode}).Temporary()
}

// client is the shared request plumbing.
type client struct {
	httpClient *http.Client
	baseURL    string
	service    string
}

func newClient(httpClient *http.Client, baseURL, service string) client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return client{httpClient: httpClient, baseURL: strings.TrimSuffix(baseURL, "/"), service: service}
}

// post sends body to path and decodes a 2xx JSON reply into result.
// Transport failures come back wrapped in *transportError.
func (c client) post(ctx context.Context, path, contentType string, body []byte, result any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: creating request: %w", c.service, err)
	}
	request.Header.Set("Content-Type", contentType)
	request.Header.Set("Accept", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transportError{service: c.service, err: err}
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return c.readError(response)
	}
	if result == nil {
		return nil
	}
	if err := netutil.DecodeResponse(response.Body, result); err != nil {
		return fmt.Errorf("%s: decoding response: %w", c.service, err)
	}
	return nil
}

func (c client) postJSON(ctx context.Context, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshaling request: %w", c.service, err)
	}
	return c.post(ctx, path, "application/json", body, result)
}

func (c client) readError(response *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
	serviceErr := &ServiceError{Service: c.service, StatusCode: response.StatusCode}
	var wire struct {
		Error struct {
			Reason    string `json:"reason"`
			Message   string `json:"message"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wire) == nil && (wire.Error.Reason != "" || wire.Error.Message != "") {
		serviceErr.Reason = wire.Error.Reason
		serviceErr.Message = wire.Error.Message
		serviceErr.Retryable = wire.Error.Retryable
	} else {
		serviceErr.Message = strings.TrimSpace(string(body))
	}
	return serviceErr
}

// transportError is a request that never got an HTTP reply.
type transportError struct {
	service string
	err     error
}

func (e *transportError) Error() string { return e.service + ": " + e.err.Error() }

func (e *transportError) Unwrap() error { return e.err }

// transient reports whether err is a reply or connection failure
// worth retrying.
func transient(err error) bool {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Temporary()
	}
	var transportErr *transportError
	return errors.As(err, &transportErr)
}
