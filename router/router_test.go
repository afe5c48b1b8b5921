// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/voxlink/voxlink/protocol"
)

func requireCode(t *testing.T, err error, want protocol.Code) {
	t.Helper()
	if got := protocol.CodeOf(err); got != want {
		t.Fatalf("error = %v (code %d), want code %d", err, got, want)
	}
}

func TestDecodeIntent(t *testing.T) {
	tests := []struct {
		name       string
		family     string
		action     string
		parameters string
		code       protocol.Code
	}{
		{"open application", "system", "open_application", `{"name":"chrome"}`, 0},
		{"system info without params", "system", "system_info", ``, 0},
		{"system info null params", "system", "system_info", `null`, 0},
		{"unknown action", "system", "reboot", `{}`, protocol.CodeUnknownAction},
		{"wrong family", "browser", "delete_file", `{"path":"/tmp/x"}`, protocol.CodeUnknownAction},
		{"unknown parameter", "system", "open_application", `{"name":"chrome","sudo":true}`, protocol.CodeInvalidParameters},
		{"wrong type", "system", "adjust_volume", `{"level":"loud"}`, protocol.CodeInvalidParameters},
		{"invalid value", "system", "adjust_volume", `{"level":150}`, protocol.CodeInvalidParameters},
		{"two volume fields", "system", "adjust_volume", `{"level":10,"mute":true}`, protocol.CodeInvalidParameters},
		{"missing required", "system", "open_application", `{}`, protocol.CodeInvalidParameters},
		{"bad url scheme", "browser", "navigate", `{"url":"file:///etc/passwd"}`, protocol.CodeInvalidParameters},
		{"unknown interaction", "browser", "interact", `{"kind":"hover","selector":"#a"}`, protocol.CodeInvalidParameters},
		{"trailing data", "system", "delete_file", `{"path":"/tmp/x"} {"path":"/"}`, protocol.CodeInvalidParameters},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			intent, err := DecodeIntent(test.family, test.action, []byte(test.parameters))
			if test.code == 0 {
				if err != nil {
					t.Fatalf("DecodeIntent: %v", err)
				}
				if string(intent.Action) != test.action || string(intent.Family) != test.family {
					t.Errorf("intent = %v", intent)
				}
				return
			}
			requireCode(t, err, test.code)
		})
	}
}

func TestIntentWireFormat(t *testing.T) {
	intent := NewIntent(OpenApplication{Name: "chrome"})
	if intent.Family != FamilySystem {
		t.Fatalf("NewIntent family = %s", intent.Family)
	}
	encoded, err := json.Marshal(intent)
	if err != nil {
		t.Fatal(err)
	}
	if string(encoded) != `{"family":"system","action":"open_application","parameters":{"name":"chrome"}}` {
		t.Errorf("encoded = %s", encoded)
	}
	var decoded Intent
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatal(err)
	}
	if params, ok := decoded.Params.(OpenApplication); !ok || params.Name != "chrome" {
		t.Errorf("decoded params = %#v", decoded.Params)
	}

	err = json.Unmarshal([]byte(`{"family":"system","action":"format_disk"}`), &decoded)
	requireCode(t, err, protocol.CodeUnknownAction)
}

func TestRequiresConfirmation(t *testing.T) {
	catalog := DefaultCatalog()
	catalog.home = "/home/ana"
	catalog.SetProtectedPaths(DefaultProtectedPaths)

	tests := []struct {
		params Params
		want   bool
	}{
		{DeleteFile{Path: "/tmp/scratch.txt"}, true},
		{WriteFile{Path: "/etc/hosts", Content: "x"}, true},
		{WriteFile{Path: "/etc", Content: "x"}, true},
		{WriteFile{Path: "/etcetera/notes", Content: "x"}, false},
		{WriteFile{Path: "/tmp/../etc/passwd", Content: "x"}, true},
		{WriteFile{Path: "~/.ssh/authorized_keys", Content: "x"}, true},
		{WriteFile{Path: "/home/ana/.ssh/config", Content: "x"}, true},
		{WriteFile{Path: "/home/ana/notes.txt", Content: "x"}, false},
		{WriteFile{Path: "../../etc/cron.d/backup", Content: "x"}, true},
		{WriteFile{Path: ".ssh/authorized_keys", Content: "x"}, true},
		{WriteFile{Path: "notes/../.ssh/config", Content: "x"}, true},
		{WriteFile{Path: "notes/todo.txt", Content: "x"}, false},
		{Interact{Kind: InteractSubmit, Selector: "form"}, true},
		{Interact{Kind: InteractClick, Selector: "a"}, false},
		{OpenApplication{Name: "chrome"}, false},
		{Navigate{URL: "https://example.com"}, false},
	}
	for _, test := range tests {
		intent := NewIntent(test.params)
		if got := catalog.RequiresConfirmation(intent); got != test.want {
			t.Errorf("RequiresConfirmation(%s) = %v, want %v", intent, got, test.want)
		}
	}
}

func TestProtectedRelativeWithoutHome(t *testing.T) {
	catalog := DefaultCatalog()
	catalog.home = ""
	catalog.SetProtectedPaths([]string{"/etc"})

	if !catalog.Protected("notes.txt") {
		t.Error("relative path with no home directory is not protected")
	}
	if catalog.Protected("/tmp/notes.txt") {
		t.Error("absolute path outside the prefixes is protected")
	}
	if !catalog.RequiresConfirmation(NewIntent(WriteFile{Path: "../etc/hosts", Content: "x"})) {
		t.Error("relative write with no home directory runs unconfirmed")
	}
}

func TestCatalogOverrides(t *testing.T) {
	catalog := DefaultCatalog()
	err := catalog.ApplyOverrides([]byte(`{
		// slow disks
		"actions": {
			"find_files": {"timeout": "25s"},
			"open_application": {"always_confirm": true},
		},
		"protected_paths": ["/srv"],
	}`))
	if err != nil {
		t.Fatal(err)
	}
	spec, _ := catalog.Lookup(ActionFindFiles)
	if spec.Timeout != 25*time.Second || !spec.Idempotent {
		t.Errorf("find_files spec = %+v", spec)
	}
	if !catalog.RequiresConfirmation(NewIntent(OpenApplication{Name: "chrome"})) {
		t.Error("always_confirm override not applied")
	}
	if !catalog.Protected("/srv/www/index.html") || catalog.Protected("/etc/hosts") {
		t.Error("protected_paths override not applied")
	}

	if err := catalog.ApplyOverrides([]byte(`{"actions":{"launch_missiles":{}}}`)); err == nil {
		t.Error("override for an unknown action was accepted")
	}
	if err := catalog.ApplyOverrides([]byte(`{"actions":{"search":{"timeout":"soon"}}}`)); err == nil {
		t.Error("invalid timeout was accepted")
	}
}

// fastCatalog shortens every timeout so timeout paths run quickly.
func fastCatalog(t *testing.T, timeout string) *Catalog {
	t.Helper()
	catalog := DefaultCatalog()
	overrides := `{"actions":{`
	for i, spec := range catalog.Actions() {
		if i > 0 {
			overrides += ","
		}
		overrides += `"` + string(spec.Action) + `":{"timeout":"` + timeout + `"}`
	}
	overrides += `}}`
	if err := catalog.ApplyOverrides([]byte(overrides)); err != nil {
		t.Fatal(err)
	}
	return catalog
}

func newRouter(t *testing.T, system, browser Executor) *Router {
	t.Helper()
	executors := map[Family]Executor{}
	if system != nil {
		executors[FamilySystem] = system
	}
	if browser != nil {
		executors[FamilyBrowser] = browser
	}
	return New(fastCatalog(t, "50ms"), executors, "session-1", Config{RetryBackoff: time.Millisecond})
}

func route(t *testing.T, r *Router, params Params) *Invocation {
	t.Helper()
	invocation, err := r.Route("command-1", NewIntent(params))
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if invocation.State != InvocationQueued {
		t.Fatalf("new invocation state = %s", invocation.State)
	}
	return invocation
}

func TestExecuteSucceeds(t *testing.T) {
	var calls atomic.Int32
	system := ExecutorFunc(func(ctx context.Context, call Call) (Result, error) {
		calls.Add(1)
		if _, ok := ctx.Deadline(); !ok {
			t.Error("attempt context has no deadline")
		}
		return Result{Summary: "opened " + call.Intent.Params.(OpenApplication).Name}, nil
	})
	r := newRouter(t, system, nil)
	invocation := route(t, r, OpenApplication{Name: "chrome"})

	result, err := r.Execute(context.Background(), invocation)
	if err != nil {
		t.Fatal(err)
	}
	if result.Summary != "opened chrome" || invocation.State != InvocationSucceeded || invocation.Attempts != 1 {
		t.Errorf("result %+v, state %s, attempts %d", result, invocation.State, invocation.Attempts)
	}
	if invocation.Deadline.IsZero() {
		t.Error("invocation has no deadline")
	}
}

func TestRetryBoundForIdempotentAction(t *testing.T) {
	var calls atomic.Int32
	system := ExecutorFunc(func(ctx context.Context, call Call) (Result, error) {
		calls.Add(1)
		return Result{}, &ToolError{Message: "index busy", Retryable: true}
	})
	r := newRouter(t, system, nil)
	invocation := route(t, r, FindFiles{Pattern: "*.pdf"})

	_, err := r.Execute(context.Background(), invocation)
	requireCode(t, err, protocol.CodeToolFailed)
	if calls.Load() != 3 || invocation.Attempts != 3 {
		t.Errorf("calls = %d, attempts = %d, want 3 (1 + 2 retries)", calls.Load(), invocation.Attempts)
	}
	if invocation.State != InvocationFailedTerminal {
		t.Errorf("state = %s", invocation.State)
	}
	var protocolErr *protocol.Error
	if errors.As(err, &protocolErr) && protocolErr.Message != "index busy" {
		t.Errorf("tool message not surfaced verbatim: %q", protocolErr.Message)
	}
}

func TestDestructiveActionNeverRetried(t *testing.T) {
	var calls atomic.Int32
	system := ExecutorFunc(func(ctx context.Context, call Call) (Result, error) {
		calls.Add(1)
		return Result{}, &ToolError{Message: "device busy", Retryable: true}
	})
	r := newRouter(t, system, nil)
	invocation := route(t, r, DeleteFile{Path: "/tmp/a"})
	if invocation.MaxRetries != 0 {
		t.Errorf("delete_file MaxRetries = %d, want 0", invocation.MaxRetries)
	}

	_, err := r.Execute(context.Background(), invocation)
	requireCode(t, err, protocol.CodeToolFailed)
	if calls.Load() != 1 {
		t.Errorf("delete_file called %d times, want 1", calls.Load())
	}
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	browser := ExecutorFunc(func(ctx context.Context, call Call) (Result, error) {
		calls.Add(1)
		return Result{}, &ToolError{Message: "404 not found"}
	})
	r := newRouter(t, nil, browser)
	_, err := r.Execute(context.Background(), route(t, r, Navigate{URL: "https://example.com/missing"}))
	requireCode(t, err, protocol.CodeToolFailed)
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	browser := ExecutorFunc(func(ctx context.Context, call Call) (Result, error) {
		calls.Add(1)
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	r := newRouter(t, nil, browser)
	invocation := route(t, r, Search{Query: "weather"})

	_, err := r.Execute(context.Background(), invocation)
	requireCode(t, err, protocol.CodeToolTimeout)
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestMissingExecutor(t *testing.T) {
	r := newRouter(t, nil, nil)
	_, err := r.Execute(context.Background(), route(t, r, SystemInfo{}))
	requireCode(t, err, protocol.CodeToolFailed)
}

func TestExecuteHonoursCancellation(t *testing.T) {
	started := make(chan struct{})
	system := ExecutorFunc(func(ctx context.Context, call Call) (Result, error) {
		close(started)
		<-ctx.Done()
		return Result{}, ctx.Err()
	})
	r := New(DefaultCatalog(), map[Family]Executor{FamilySystem: system}, "session-1", Config{})
	invocation := route(t, r, OpenApplication{Name: "editor"})

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := r.Execute(ctx, invocation)
		errs <- err
	}()
	<-started
	cancel()
	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Execute = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
}

func TestConcurrencyCap(t *testing.T) {
	var (
		running atomic.Int32
		peak    atomic.Int32
		release = make(chan struct{})
	)
	system := ExecutorFunc(func(ctx context.Context, call Call) (Result, error) {
		now := running.Add(1)
		for {
			previous := peak.Load()
			if now <= previous || peak.CompareAndSwap(previous, now) {
				break
			}
		}
		<-release
		running.Add(-1)
		return Result{Summary: "ok"}, nil
	})
	r := New(DefaultCatalog(), map[Family]Executor{FamilySystem: system}, "session-1", Config{MaxConcurrent: 3})

	var wait sync.WaitGroup
	for range 7 {
		invocation := route(t, r, OpenApplication{Name: "terminal"})
		wait.Add(1)
		go func() {
			defer wait.Done()
			if _, err := r.Execute(context.Background(), invocation); err != nil {
				t.Errorf("Execute: %v", err)
			}
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for running.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if running.Load() != 3 {
		t.Errorf("running = %d with 7 queued, want 3", running.Load())
	}
	close(release)
	wait.Wait()
	if peak.Load() != 3 {
		t.Errorf("peak concurrency = %d, want 3", peak.Load())
	}
}
