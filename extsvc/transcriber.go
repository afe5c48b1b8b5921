// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package extsvc

import (
	"context"
	"fmt"
	"net/http"

	"github.com/voxlink/voxlink/pipeline"
)

// Transcriber calls POST /transcribe with the raw segment audio and
// reads {text, confidence, language}.
type Transcriber struct {
	client client
}

// NewTranscriber returns a Transcriber for the service at baseURL.
func NewTranscriber(httpClient *http.Client, baseURL string) *Transcriber {
	return &Transcriber{client: newClient(httpClient, baseURL, "transcriber")}
}

// Transcribe implements pipeline.Transcriber. Transient failures wrap
// pipeline.ErrModelUnavailable.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) (pipeline.Transcription, error) {
	var result pipeline.Transcription
	err := t.client.post(ctx, "/transcribe", "application/octet-stream", audio, &result)
	if err != nil {
		if transient(err) {
			return pipeline.Transcription{}, fmt.Errorf("%w: %w", pipeline.ErrModelUnavailable, err)
		}
		return pipeline.Transcription{}, err
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return pipeline.Transcription{}, fmt.Errorf("transcriber: confidence %v outside [0, 1]", result.Confidence)
	}
	return result, nil
}
