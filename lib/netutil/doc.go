// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides network and HTTP I/O helpers shared by the
// collaborator clients, the wake poller, and the session transport.
//
// Response helpers ([ReadResponse], [DecodeResponse], [ErrorBody]) bound
// body reads at [MaxResponseSize]. [CheckStatus] turns non-2xx replies
// into a [StatusError] that records whether a retry could help.
//
// [IsExpectedCloseError] classifies errors produced by normal connection
// teardown so they are not logged as failures.
package netutil
