// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package local executes tool calls on the agent's own host.
//
// [System] handles the system family: launching applications, the
// output volume, file search, file writes and deletes, and host facts
// from gopsutil. [Browser] handles the browser family by opening URLs
// in the user's default browser and reading pages over HTTP. Both
// report tool failures as *router.ToolError so the router's retry
// policy sees the tool's own verdict.
package local
