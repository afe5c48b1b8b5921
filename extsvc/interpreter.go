// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package extsvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/voxlink/voxlink/pipeline"
	"github.com/voxlink/voxlink/protocol"
	"github.com/voxlink/voxlink/router"
)

// Interpreter calls POST /interpret with {text, history} and reads an
// intent {family, action, parameters}.
type Interpreter struct {
	client client
}

// NewInterpreter returns an Interpreter for the service at baseURL.
func NewInterpreter(httpClient *http.Client, baseURL string) *Interpreter {
	return &Interpreter{client: newClient(httpClient, baseURL, "interpreter")}
}

type interpretRequest struct {
	Text    string             `json:"text"`
	History []pipeline.Summary `json:"history"`
}

// Interpret implements pipeline.Interpreter. A reply with reason
// "ambiguous_intent" maps to pipeline.ErrAmbiguousIntent; transient
// failures wrap pipeline.ErrServiceUnavailable; an intent outside the
// catalog or with bad parameters is a protocol error.
func (i *Interpreter) Interpret(ctx context.Context, text string, history []pipeline.Summary) (router.Intent, error) {
	if history == nil {
		history = []pipeline.Summary{}
	}
	var raw json.RawMessage
	err := i.client.postJSON(ctx, "/interpret", interpretRequest{Text: text, History: history}, &raw)
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) && serviceErr.Reason == "ambiguous_intent" {
			return router.Intent{}, fmt.Errorf("%w: %s", pipeline.ErrAmbiguousIntent, serviceErr.Message)
		}
		if transient(err) {
			return router.Intent{}, fmt.Errorf("%w: %w", pipeline.ErrServiceUnavailable, err)
		}
		return router.Intent{}, err
	}

	var intent router.Intent
	if err := json.Unmarshal(raw, &intent); err != nil {
		if protocol.CodeOf(err) == protocol.CodeInternal {
			return router.Intent{}, protocol.Wrap(protocol.CodeInvalidParameters, "invalid_parameters", err)
		}
		return router.Intent{}, err
	}
	return intent, nil
}
