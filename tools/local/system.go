// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/voxlink/voxlink/router"
)

// Launcher starts a program without waiting for it to exit.
type Launcher func(ctx context.Context, name string) error

// System executes system-family actions.
type System struct {
	// Home is the default root for find_files and the base for
	// relative paths.
	Home string

	Launch Launcher
	Mixer  Mixer
	Logger *slog.Logger
}

// NewSystem returns a System using the real host.
func NewSystem(logger *slog.Logger) *System {
	home, _ := os.UserHomeDir()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &System{Home: home, Launch: execLauncher, Mixer: AmixerMixer{}, Logger: logger}
}

// Invoke implements router.Executor.
func (s *System) Invoke(ctx context.Context, call router.Call) (router.Result, error) {
	switch params := call.Intent.Params.(type) {
	case router.OpenApplication:
		return s.openApplication(ctx, params)
	case router.AdjustVolume:
		return s.adjustVolume(ctx, params)
	case router.FindFiles:
		return s.findFiles(ctx, params)
	case router.DeleteFile:
		return s.deleteFile(params)
	case router.WriteFile:
		return s.writeFile(params)
	case router.SystemInfo:
		return systemInfo(ctx, params)
	default:
		return router.Result{}, &router.ToolError{Message: fmt.Sprintf("%s is not a system action", call.Intent.Action)}
	}
}

func execLauncher(_ context.Context, name string) error {
	path, err := exec.LookPath(name)
	if err != nil {
		return err
	}
	command := exec.Command(path)
	if err := command.Start(); err != nil {
		return err
	}
	// Reap the child when it exits; the agent does not wait on it.
	go command.Wait()
	return nil
}

func (s *System) openApplication(ctx context.Context, params router.OpenApplication) (router.Result, error) {
	if err := s.Launch(ctx, params.Name); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return router.Result{}, &router.ToolError{Message: fmt.Sprintf("application %q not found", params.Name), Err: err}
		}
		return router.Result{}, &router.ToolError{Message: fmt.Sprintf("launching %q failed", params.Name), Err: err}
	}
	s.Logger.Info("launched application", "name", params.Name)
	return router.Result{Summary: "opened " + params.Name}, nil
}

func (s *System) adjustVolume(ctx context.Context, params router.AdjustVolume) (router.Result, error) {
	switch {
	case params.Mute != nil:
		if err := s.Mixer.SetMute(ctx, *params.Mute); err != nil {
			return router.Result{}, mixerError(err)
		}
		if *params.Mute {
			return router.Result{Summary: "muted"}, nil
		}
		return router.Result{Summary: "unmuted"}, nil
	case params.Level != nil:
		if err := s.Mixer.SetVolume(ctx, *params.Level); err != nil {
			return router.Result{}, mixerError(err)
		}
		return volumeResult(*params.Level), nil
	default:
		current, err := s.Mixer.Volume(ctx)
		if err != nil {
			return router.Result{}, mixerError(err)
		}
		level := min(max(current+*params.Delta, 0), 100)
		if err := s.Mixer.SetVolume(ctx, level); err != nil {
			return router.Result{}, mixerError(err)
		}
		return volumeResult(level), nil
	}
}

func volumeResult(level int) router.Result {
	return router.Result{Summary: fmt.Sprintf("volume %d%%", level), Data: map[string]any{"level": level}}
}

func mixerError(err error) error {
	return &router.ToolError{Message: "volume control failed", Retryable: true, Err: err}
}

const defaultFindLimit = 50

func (s *System) findFiles(ctx context.Context, params router.FindFiles) (router.Result, error) {
	root := s.resolve(params.Root)
	if root == "" {
		root = s.Home
	}
	limit := params.Limit
	if limit == 0 {
		limit = defaultFindLimit
	}
	pattern := strings.ToLower(params.Pattern)
	if _, err := filepath.Match(pattern, ""); err != nil {
		return router.Result{}, &router.ToolError{Message: fmt.Sprintf("invalid pattern %q", params.Pattern), Err: err}
	}

	var matches []string
	truncated := false
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			// Unreadable directories are skipped, not fatal.
			if entry != nil && entry.IsDir() && path != root {
				return fs.SkipDir
			}
			if path == root {
				return err
			}
			return nil
		}
		if entry.IsDir() && path != root && strings.HasPrefix(entry.Name(), ".") {
			return fs.SkipDir
		}
		if matched, _ := filepath.Match(pattern, strings.ToLower(entry.Name())); matched {
			if len(matches) == limit {
				truncated = true
				return fs.SkipAll
			}
			matches = append(matches, path)
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return router.Result{}, ctx.Err()
		}
		return router.Result{}, &router.ToolError{Message: fmt.Sprintf("cannot search %s", root), Err: err}
	}
	if matches == nil {
		matches = []string{}
	}
	return router.Result{
		Summary: fmt.Sprintf("found %d files matching %q", len(matches), params.Pattern),
		Data:    map[string]any{"matches": matches, "truncated": truncated},
	}, nil
}

func (s *System) deleteFile(params router.DeleteFile) (router.Result, error) {
	path := s.resolve(params.Path)
	info, err := os.Lstat(path)
	if err != nil {
		return router.Result{}, &router.ToolError{Message: fmt.Sprintf("cannot delete %s: %s", path, describe(err)), Err: err}
	}
	if info.IsDir() {
		return router.Result{}, &router.ToolError{Message: fmt.Sprintf("%s is a directory", path)}
	}
	if err := os.Remove(path); err != nil {
		return router.Result{}, &router.ToolError{Message: fmt.Sprintf("cannot delete %s: %s", path, describe(err)), Err: err}
	}
	s.Logger.Info("deleted file", "path", path)
	return router.Result{Summary: "deleted " + path}, nil
}

func (s *System) writeFile(params router.WriteFile) (router.Result, error) {
	path := s.resolve(params.Path)
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if params.Append {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return router.Result{}, &router.ToolError{Message: fmt.Sprintf("cannot write %s: %s", path, describe(err)), Err: err}
	}
	written, err := file.WriteString(params.Content)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return router.Result{}, &router.ToolError{Message: fmt.Sprintf("cannot write %s: %s", path, describe(err)), Err: err}
	}
	s.Logger.Info("wrote file", "path", path, "bytes", written, "append", params.Append)
	return router.Result{Summary: fmt.Sprintf("wrote %d bytes to %s", written, path), Data: map[string]any{"bytes": written}}, nil
}

// resolve expands ~ and makes relative paths relative to Home.
func (s *System) resolve(path string) string {
	if path == "" {
		return ""
	}
	if path == "~" {
		return s.Home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(s.Home, path[2:])
	}
	if !filepath.IsAbs(path) {
		return filepath.Join(s.Home, path)
	}
	return filepath.Clean(path)
}

func describe(err error) string {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return "no such file"
	case errors.Is(err, fs.ErrPermission):
		return "permission denied"
	default:
		return err.Error()
	}
}
