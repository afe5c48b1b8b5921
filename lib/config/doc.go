// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the voxlink
// agent and CLI.
//
// Configuration is loaded from a single file named by either the
// VOXLINK_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no discovery and no fallback search path;
// a binary either gets an explicit file or runs on [Default].
//
// The file may carry development, staging, and production sections.
// The section matching [Config].Environment is decoded on top of the
// base values, so it only needs to name the keys it changes.
//
// Path fields support ${VAR} and ${VAR:-default} expansion, with
// ${VOXLINK_STATE} resolving to the configured state directory.
// Duration fields accept Go duration strings ("30s", "10m").
//
// [Config.Validate] reports every problem at once via errors.Join.
package config
