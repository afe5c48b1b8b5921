// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/voxlink/voxlink/router"
)

type fakeMixer struct {
	level int
	muted bool
}

func (m *fakeMixer) Volume(context.Context) (int, error) { return m.level, nil }

func (m *fakeMixer) SetVolume(_ context.Context, level int) error {
	m.level = level
	return nil
}

func (m *fakeMixer) SetMute(_ context.Context, muted bool) error {
	m.muted = muted
	return nil
}

func newTestSystem(t *testing.T) (*System, *fakeMixer, *[]string) {
	t.Helper()
	mixer := &fakeMixer{level: 50}
	var launched []string
	system := NewSystem(nil)
	system.Home = t.TempDir()
	system.Mixer = mixer
	system.Launch = func(_ context.Context, name string) error {
		if name == "missing" {
			return &exec.Error{Name: name, Err: exec.ErrNotFound}
		}
		launched = append(launched, name)
		return nil
	}
	return system, mixer, &launched
}

func invoke(t *testing.T, executor router.Executor, params router.Params) (router.Result, error) {
	t.Helper()
	return executor.Invoke(context.Background(), router.Call{InvocationID: "i-1", CommandID: "c-1", Attempt: 1, Intent: router.NewIntent(params)})
}

func intPointer(v int) *int    { return &v }
func boolPointer(v bool) *bool { return &v }

func TestOpenApplication(t *testing.T) {
	system, _, launched := newTestSystem(t)
	if _, err := invoke(t, system, router.OpenApplication{Name: "firefox"}); err != nil {
		t.Fatal(err)
	}
	if len(*launched) != 1 || (*launched)[0] != "firefox" {
		t.Fatalf("launched = %v", *launched)
	}
	_, err := invoke(t, system, router.OpenApplication{Name: "missing"})
	var toolErr *router.ToolError
	if !errors.As(err, &toolErr) || toolErr.Retryable || !strings.Contains(toolErr.Message, "not found") {
		t.Fatalf("missing app = %v", err)
	}
}

func TestAdjustVolume(t *testing.T) {
	system, mixer, _ := newTestSystem(t)
	if _, err := invoke(t, system, router.AdjustVolume{Delta: intPointer(70)}); err != nil {
		t.Fatal(err)
	}
	if mixer.level != 100 {
		t.Errorf("level after +70 = %d, want clamped 100", mixer.level)
	}
	if _, err := invoke(t, system, router.AdjustVolume{Level: intPointer(30)}); err != nil {
		t.Fatal(err)
	}
	if mixer.level != 30 {
		t.Errorf("level = %d, want 30", mixer.level)
	}
	if _, err := invoke(t, system, router.AdjustVolume{Mute: boolPointer(true)}); err != nil || !mixer.muted {
		t.Errorf("mute: err=%v muted=%v", err, mixer.muted)
	}
}

func TestFindFiles(t *testing.T) {
	system, _, _ := newTestSystem(t)
	for _, name := range []string{"docs/Report.pdf", "docs/notes.txt", "music/report-old.pdf", ".cache/report.pdf"} {
		path := filepath.Join(system.Home, name)
		os.MkdirAll(filepath.Dir(path), 0o755)
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	result, err := invoke(t, system, router.FindFiles{Pattern: "report*.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	matches := result.Data["matches"].([]string)
	if len(matches) != 2 {
		t.Fatalf("matches = %v, want two outside hidden directories", matches)
	}

	result, err = invoke(t, system, router.FindFiles{Pattern: "*.pdf", Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Data["matches"].([]string)) != 1 || result.Data["truncated"] != true {
		t.Fatalf("limited result = %+v", result.Data)
	}

	if _, err := invoke(t, system, router.FindFiles{Pattern: "[", Root: "docs"}); err == nil {
		t.Error("malformed pattern accepted")
	}
}

func TestWriteAndDeleteFile(t *testing.T) {
	system, _, _ := newTestSystem(t)
	if _, err := invoke(t, system, router.WriteFile{Path: "~/todo.txt", Content: "milk\n"}); err != nil {
		t.Fatal(err)
	}
	if _, err := invoke(t, system, router.WriteFile{Path: "todo.txt", Content: "eggs\n", Append: true}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(system.Home, "todo.txt"))
	if err != nil || string(data) != "milk\neggs\n" {
		t.Fatalf("file = %q, %v", data, err)
	}

	if _, err := invoke(t, system, router.DeleteFile{Path: "todo.txt"}); err != nil {
		t.Fatal(err)
	}
	_, err = invoke(t, system, router.DeleteFile{Path: "todo.txt"})
	var toolErr *router.ToolError
	if !errors.As(err, &toolErr) || !strings.Contains(toolErr.Message, "no such file") {
		t.Fatalf("second delete = %v", err)
	}
	if _, err := invoke(t, system, router.DeleteFile{Path: system.Home}); err == nil {
		t.Error("deleted a directory")
	}
}

func TestSystemRejectsBrowserActions(t *testing.T) {
	system, _, _ := newTestSystem(t)
	if _, err := invoke(t, system, router.Navigate{URL: "https://example.com"}); err == nil {
		t.Fatal("system executor accepted navigate")
	}
}

func TestBrowserNavigateAndSearch(t *testing.T) {
	var opened []string
	browser := NewBrowser(nil)
	browser.Open = func(url string) error {
		opened = append(opened, url)
		return nil
	}
	if _, err := invoke(t, browser, router.Navigate{URL: "https://example.com/a"}); err != nil {
		t.Fatal(err)
	}
	if _, err := invoke(t, browser, router.Search{Query: "go generics", Engine: "bing"}); err != nil {
		t.Fatal(err)
	}
	want := []string{"https://example.com/a", "https://www.bing.com/search?q=go+generics"}
	if len(opened) != 2 || opened[0] != want[0] || opened[1] != want[1] {
		t.Fatalf("opened = %v, want %v", opened, want)
	}
}

func TestExtractContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.Error(w, "gone", http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, `<html><head><title>Forecast</title><style>p{}</style></head>
<body><nav>menu</nav><div id="today"><p>Sunny,</p> <p>21 degrees</p></div>
<script>var x = 1;</script></body></html>`)
	}))
	defer server.Close()
	browser := NewBrowser(nil)

	result, err := invoke(t, browser, router.ExtractContent{URL: server.URL + "/weather", Selector: "#today"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Data["title"] != "Forecast" || result.Data["text"] != "Sunny, 21 degrees" {
		t.Fatalf("extracted %+v", result.Data)
	}

	result, err = invoke(t, browser, router.ExtractContent{URL: server.URL + "/weather"})
	if err != nil {
		t.Fatal(err)
	}
	if text := result.Data["text"].(string); strings.Contains(text, "var x") || !strings.Contains(text, "menu") {
		t.Fatalf("body text = %q", text)
	}

	_, err = invoke(t, browser, router.ExtractContent{URL: server.URL + "/gone"})
	var toolErr *router.ToolError
	if !errors.As(err, &toolErr) || !toolErr.Retryable {
		t.Fatalf("503 page = %v, want retryable ToolError", err)
	}
	_, err = invoke(t, browser, router.ExtractContent{URL: server.URL + "/weather", Selector: ".missing"})
	if !errors.As(err, &toolErr) || toolErr.Retryable {
		t.Fatalf("missing selector = %v, want terminal ToolError", err)
	}
}

func TestSystemInfoHost(t *testing.T) {
	result, err := invoke(t, NewSystem(nil), router.SystemInfo{Kinds: []string{"memory", "uptime"}})
	if err != nil {
		t.Skipf("host information unavailable here: %v", err)
	}
	if _, ok := result.Data["memory"]; !ok {
		t.Errorf("data = %+v, want memory", result.Data)
	}
	if _, ok := result.Data["uptime"]; !ok {
		t.Errorf("data = %+v, want uptime", result.Data)
	}
}
