// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
)

// ActionSpec describes how one action is run.
type ActionSpec struct {
	Family  Family
	Action  Action
	Timeout time.Duration

	// Idempotent actions may be retried after a timeout or a retryable
	// failure. Everything else fails on its first error.
	Idempotent bool

	// AlwaysConfirm actions wait for the user before running.
	AlwaysConfirm bool
}

// DefaultProtectedPaths are the prefixes under which a write needs
// confirmation.
var DefaultProtectedPaths = []string{"/etc", "/usr", "/bin", "/sbin", "/boot", "/var", "~/.ssh"}

// Catalog is the table of known actions plus the confirmation policy.
type Catalog struct {
	actions        map[Action]ActionSpec
	protectedPaths []string
	home           string
}

// DefaultCatalog returns the built-in action table.
func DefaultCatalog() *Catalog {
	actions := []ActionSpec{
		{Family: FamilySystem, Action: ActionOpenApplication, Timeout: 10 * time.Second},
		{Family: FamilySystem, Action: ActionAdjustVolume, Timeout: 5 * time.Second},
		{Family: FamilySystem, Action: ActionFindFiles, Timeout: 10 * time.Second, Idempotent: true},
		{Family: FamilySystem, Action: ActionDeleteFile, Timeout: 10 * time.Second, AlwaysConfirm: true},
		{Family: FamilySystem, Action: ActionWriteFile, Timeout: 10 * time.Second},
		{Family: FamilySystem, Action: ActionSystemInfo, Timeout: 5 * time.Second, Idempotent: true},
		{Family: FamilyBrowser, Action: ActionNavigate, Timeout: 15 * time.Second, Idempotent: true},
		{Family: FamilyBrowser, Action: ActionSearch, Timeout: 15 * time.Second, Idempotent: true},
		{Family: FamilyBrowser, Action: ActionExtractContent, Timeout: 20 * time.Second, Idempotent: true},
		{Family: FamilyBrowser, Action: ActionInteract, Timeout: 15 * time.Second},
	}
	catalog := &Catalog{actions: make(map[Action]ActionSpec, len(actions))}
	for _, spec := range actions {
		catalog.actions[spec.Action] = spec
	}
	home, _ := os.UserHomeDir()
	catalog.home = home
	catalog.SetProtectedPaths(DefaultProtectedPaths)
	return catalog
}

// SetProtectedPaths replaces the protected prefixes. A leading "~" is
// the agent user's home directory.
func (c *Catalog) SetProtectedPaths(paths []string) {
	c.protectedPaths = c.protectedPaths[:0]
	for _, path := range paths {
		c.protectedPaths = append(c.protectedPaths, c.expandHome(path))
	}
}

func (c *Catalog) expandHome(path string) string {
	if c.home != "" && (path == "~" || strings.HasPrefix(path, "~/")) {
		return filepath.Join(c.home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// Lookup returns how an action is run.
func (c *Catalog) Lookup(action Action) (ActionSpec, bool) {
	spec, ok := c.actions[action]
	return spec, ok
}

// Actions lists every action, sorted.
func (c *Catalog) Actions() []ActionSpec {
	actions := make([]ActionSpec, 0, len(c.actions))
	for _, spec := range c.actions {
		actions = append(actions, spec)
	}
	slices.SortFunc(actions, func(x, y ActionSpec) int { return strings.Compare(string(x.Action), string(y.Action)) })
	return actions
}

// RequiresConfirmation reports whether intent is destructive: a file
// deletion, a write under a protected path, or a form submission.
func (c *Catalog) RequiresConfirmation(intent Intent) bool {
	if spec, ok := c.actions[intent.Action]; ok && spec.AlwaysConfirm {
		return true
	}
	switch params := intent.Params.(type) {
	case WriteFile:
		return c.Protected(params.Path)
	case Interact:
		return params.Kind == InteractSubmit
	}
	return false
}

// Protected reports whether path lies under a protected prefix. Paths
// resolve the way the system executor resolves them: "~" and relative
// paths are taken from the agent user's home directory. A relative path
// with no known home is protected.
func (c *Catalog) Protected(path string) bool {
	resolved := c.expandHome(path)
	if !filepath.IsAbs(resolved) {
		if c.home == "" {
			return true
		}
		resolved = filepath.Join(c.home, resolved)
	}
	resolved = filepath.Clean(resolved)
	for _, prefix := range c.protectedPaths {
		prefix = filepath.Clean(prefix)
		if resolved == prefix || strings.HasPrefix(resolved, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// catalogOverrides is the JSONC override file format:
//
//	{
//	  // per-action changes
//	  "actions": {"find_files": {"timeout": "20s"}},
//	  "protected_paths": ["/etc", "~/.ssh", "/srv"],
//	}
type catalogOverrides struct {
	Actions map[string]struct {
		Timeout       string `json:"timeout,omitempty"`
		Idempotent    *bool  `json:"idempotent,omitempty"`
		AlwaysConfirm *bool  `json:"always_confirm,omitempty"`
	} `json:"actions"`
	ProtectedPaths []string `json:"protected_paths"`
}

// ApplyOverrides parses JSONC override data onto the catalog. Actions
// cannot be added, only tuned.
func (c *Catalog) ApplyOverrides(data []byte) error {
	var overrides catalogOverrides
	if err := json.Unmarshal(jsonc.ToJSON(data), &overrides); err != nil {
		return fmt.Errorf("parsing catalog overrides: %w", err)
	}
	for name, override := range overrides.Actions {
		spec, ok := c.actions[Action(name)]
		if !ok {
			return fmt.Errorf("catalog overrides: unknown action %q", name)
		}
		if override.Timeout != "" {
			timeout, err := time.ParseDuration(override.Timeout)
			if err != nil || timeout <= 0 {
				return fmt.Errorf("catalog overrides: %s: invalid timeout %q", name, override.Timeout)
			}
			spec.Timeout = timeout
		}
		if override.Idempotent != nil {
			spec.Idempotent = *override.Idempotent
		}
		if override.AlwaysConfirm != nil {
			spec.AlwaysConfirm = *override.AlwaysConfirm
		}
		c.actions[spec.Action] = spec
	}
	if overrides.ProtectedPaths != nil {
		c.SetProtectedPaths(overrides.ProtectedPaths)
	}
	return nil
}

// LoadCatalog returns the default catalog with protected paths and
// the optional override file applied.
func LoadCatalog(overridePath string, protectedPaths []string) (*Catalog, error) {
	catalog := DefaultCatalog()
	if len(protectedPaths) > 0 {
		catalog.SetProtectedPaths(protectedPaths)
	}
	if overridePath == "" {
		return catalog, nil
	}
	data, err := os.ReadFile(overridePath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", overridePath, err)
	}
	if err := catalog.ApplyOverrides(data); err != nil {
		return nil, fmt.Errorf("%s: %w", overridePath, err)
	}
	return catalog, nil
}
