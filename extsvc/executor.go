// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package extsvc

import (
	"context"
	"errors"
	"net/http"

	"github.com/voxlink/voxlink/router"
)

// Executor forwards tool calls to POST /invoke. Tool failures arrive
// as error replies and become *router.ToolError carrying the service's
// message and retryable flag.
type Executor struct {
	client client
}

// NewExecutor returns an Executor for the service at baseURL.
func NewExecutor(httpClient *http.Client, baseURL string) *Executor {
	return &Executor{client: newClient(httpClient, baseURL, "executor")}
}

// Invoke implements router.Executor.
func (e *Executor) Invoke(ctx context.Context, call router.Call) (router.Result, error) {
	var result router.Result
	err := e.client.postJSON(ctx, "/invoke", call, &result)
	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return router.Result{}, ctx.Err()
	}
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		message := serviceErr.Message
		if message == "" {
			message = serviceErr.Error()
		}
		return router.Result{}, &router.ToolError{Message: message, Retryable: serviceErr.Temporary(), Err: err}
	}
	return router.Result{}, &router.ToolError{Message: err.Error(), Retryable: transient(err), Err: err}
}
