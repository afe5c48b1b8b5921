// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
)

// Mixer controls the host's output volume. Levels are 0-100.
type Mixer interface {
	Volume(ctx context.Context) (int, error)
	SetVolume(ctx context.Context, level int) error
	SetMute(ctx context.Context, muted bool) error
}

// AmixerMixer drives the ALSA Master control through amixer.
type AmixerMixer struct {
	// Control defaults to "Master".
	Control string
}

var amixerLevel = regexp.MustCompile(`\[(\d{1,3})%\]`)

func (m AmixerMixer) control() string {
	if m.Control == "" {
		return "Master"
	}
	return m.Control
}

func (m AmixerMixer) Volume(ctx context.Context) (int, error) {
	output, err := exec.CommandContext(ctx, "amixer", "-M", "get", m.control()).Output()
	if err != nil {
		return 0, fmt.Errorf("amixer get: %w", err)
	}
	match := amixerLevel.FindSubmatch(output)
	if match == nil {
		return 0, fmt.Errorf("amixer get: no level in output")
	}
	return strconv.Atoi(string(match[1]))
}

func (m AmixerMixer) SetVolume(ctx context.Context, level int) error {
	if err := exec.CommandContext(ctx, "amixer", "-q", "-M", "set", m.control(), strconv.Itoa(level)+"%").Run(); err != nil {
		return fmt.Errorf("amixer set: %w", err)
	}
	return nil
}

func (m AmixerMixer) SetMute(ctx context.Context, muted bool) error {
	state := "unmute"
	if muted {
		state = "mute"
	}
	if err := exec.CommandContext(ctx, "amixer", "-q", "set", m.control(), state).Run(); err != nil {
		return fmt.Errorf("amixer %s: %w", state, err)
	}
	return nil
}
