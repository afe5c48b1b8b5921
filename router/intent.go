// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/voxlink/voxlink/protocol"
)

// Family is the tool domain an action belongs to.
type Family string

const (
	FamilySystem  Family = "system"
	FamilyBrowser Family = "browser"
)

// Action names one operation within a family.
type Action string

const (
	ActionOpenApplication Action = "open_application"
	ActionAdjustVolume    Action = "adjust_volume"
	ActionFindFiles       Action = "find_files"
	ActionDeleteFile      Action = "delete_file"
	ActionWriteFile       Action = "write_file"
	ActionSystemInfo      Action = "system_info"

	ActionNavigate       Action = "navigate"
	ActionSearch         Action = "search"
	ActionExtractContent Action = "extract_content"
	ActionInteract       Action = "interact"
)

// Params is the typed parameter record of one action. Each action has
// exactly one Params type.
type Params interface {
	Action() Action
	Validate() error
}

// OpenApplication launches a program by name.
type OpenApplication struct {
	Name string `json:"name"`
}

func (OpenApplication) Action() Action { return ActionOpenApplication }

func (p OpenApplication) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	return nil
}

// AdjustVolume sets, shifts, or mutes the output volume. Exactly one
// field is set.
type AdjustVolume struct {
	Level *int  `json:"level,omitempty"`
	Delta *int  `json:"delta,omitempty"`
	Mute  *bool `json:"mute,omitempty"`
}

func (AdjustVolume) Action() Action { return ActionAdjustVolume }

func (p AdjustVolume) Validate() error {
	set := 0
	if p.Level != nil {
		set++
		if *p.Level < 0 || *p.Level > 100 {
			return fmt.Errorf("level %d is outside 0-100", *p.Level)
		}
	}
	if p.Delta != nil {
		set++
		if *p.Delta < -100 || *p.Delta > 100 || *p.Delta == 0 {
			return fmt.Errorf("delta %d is outside -100..100 or zero", *p.Delta)
		}
	}
	if p.Mute != nil {
		set++
	}
	if set != 1 {
		return errors.New("exactly one of level, delta, mute is required")
	}
	return nil
}

// FindFiles searches for files whose names match Pattern.
type FindFiles struct {
	Pattern string `json:"pattern"`
	Root    string `json:"root,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (FindFiles) Action() Action { return ActionFindFiles }

func (p FindFiles) Validate() error {
	if p.Pattern == "" {
		return errors.New("pattern is required")
	}
	if p.Limit < 0 || p.Limit > 1000 {
		return fmt.Errorf("limit %d is outside 0-1000", p.Limit)
	}
	return nil
}

// DeleteFile removes one file.
type DeleteFile struct {
	Path string `json:"path"`
}

func (DeleteFile) Action() Action { return ActionDeleteFile }

func (p DeleteFile) Validate() error {
	return requirePath(p.Path)
}

// WriteFile writes or appends text to a file.
type WriteFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Append  bool   `json:"append,omitempty"`
}

func (WriteFile) Action() Action { return ActionWriteFile }

func (p WriteFile) Validate() error {
	return requirePath(p.Path)
}

// SystemInfo reports host facts.
type SystemInfo struct {
	Kinds []string `json:"kinds,omitempty"`
}

// InfoKinds are the facts system_info can report.
var InfoKinds = []string{"cpu", "memory", "disk", "host", "uptime"}

func (SystemInfo) Action() Action { return ActionSystemInfo }

func (p SystemInfo) Validate() error {
	for _, kind := range p.Kinds {
		known := false
		for _, candidate := range InfoKinds {
			if kind == candidate {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown kind %q (want one of %s)", kind, strings.Join(InfoKinds, ", "))
		}
	}
	return nil
}

// Navigate opens a URL.
type Navigate struct {
	URL string `json:"url"`
}

func (Navigate) Action() Action { return ActionNavigate }

func (p Navigate) Validate() error {
	return requireWebURL(p.URL)
}

// Search runs a web search.
type Search struct {
	Query  string `json:"query"`
	Engine string `json:"engine,omitempty"`
}

func (Search) Action() Action { return ActionSearch }

func (p Search) Validate() error {
	if strings.TrimSpace(p.Query) == "" {
		return errors.New("query is required")
	}
	switch p.Engine {
	case "", "duckduckgo", "google", "bing":
		return nil
	}
	return fmt.Errorf("unknown engine %q", p.Engine)
}

// ExtractContent reads text from a page.
type ExtractContent struct {
	URL      string `json:"url"`
	Selector string `json:"selector,omitempty"`
}

func (ExtractContent) Action() Action { return ActionExtractContent }

func (p ExtractContent) Validate() error {
	return requireWebURL(p.URL)
}

// Interaction kinds.
const (
	InteractClick  = "click"
	InteractType   = "type"
	InteractScroll = "scroll"
	InteractSubmit = "submit"
)

// Interact acts on the current page.
type Interact struct {
	Kind     string `json:"kind"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
}

func (Interact) Action() Action { return ActionInteract }

func (p Interact) Validate() error {
	switch p.Kind {
	case InteractClick, InteractSubmit:
		if p.Selector == "" {
			return fmt.Errorf("%s requires selector", p.Kind)
		}
	case InteractType:
		if p.Selector == "" || p.Text == "" {
			return errors.New("type requires selector and text")
		}
	case InteractScroll:
	default:
		return fmt.Errorf("unknown kind %q", p.Kind)
	}
	return nil
}

func requirePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("path is required")
	}
	if strings.ContainsRune(path, 0) {
		return errors.New("path contains NUL")
	}
	return nil
}

func requireWebURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("url scheme %q is not http or https", parsed.Scheme)
	}
	if parsed.Host == "" {
		return errors.New("url has no host")
	}
	return nil
}

// actionFamilies maps each action to its family and a constructor for
// its parameter record.
var actionFamilies = map[Action]struct {
	family Family
	params func() Params
}{
	ActionOpenApplication: {FamilySystem, func() Params { return &OpenApplication{} }},
	ActionAdjustVolume:    {FamilySystem, func() Params { return &AdjustVolume{} }},
	ActionFindFiles:       {FamilySystem, func() Params { return &FindFiles{} }},
	ActionDeleteFile:      {FamilySystem, func() Params { return &DeleteFile{} }},
	ActionWriteFile:       {FamilySystem, func() Params { return &WriteFile{} }},
	ActionSystemInfo:      {FamilySystem, func() Params { return &SystemInfo{} }},
	ActionNavigate:        {FamilyBrowser, func() Params { return &Navigate{} }},
	ActionSearch:          {FamilyBrowser, func() Params { return &Search{} }},
	ActionExtractContent:  {FamilyBrowser, func() Params { return &ExtractContent{} }},
	ActionInteract:        {FamilyBrowser, func() Params { return &Interact{} }},
}

// Intent is a resolved command: a family, an action, and the action's
// typed parameters.
type Intent struct {
	Family Family
	Action Action
	Params Params
}

// NewIntent builds an Intent from typed parameters.
func NewIntent(params Params) Intent {
	action := params.Action()
	return Intent{Family: actionFamilies[action].family, Action: action, Params: params}
}

// Validate checks the family/action pairing and the parameters.
func (i Intent) Validate() error {
	entry, ok := actionFamilies[i.Action]
	if !ok || entry.family != i.Family {
		return protocol.Errorf(protocol.CodeUnknownAction, "unknown_action", "%s/%s is not a known action", i.Family, i.Action)
	}
	if i.Params == nil || i.Params.Action() != i.Action {
		return protocol.Errorf(protocol.CodeInvalidParameters, "invalid_parameters", "%s: parameters are missing or of the wrong type", i.Action)
	}
	if err := i.Params.Validate(); err != nil {
		return protocol.Errorf(protocol.CodeInvalidParameters, "invalid_parameters", "%s: %v", i.Action, err)
	}
	return nil
}

// String renders the intent for logs and the context window.
func (i Intent) String() string {
	if i.Params == nil {
		return fmt.Sprintf("%s/%s", i.Family, i.Action)
	}
	encoded, err := json.Marshal(i.Params)
	if err != nil {
		return fmt.Sprintf("%s/%s", i.Family, i.Action)
	}
	return fmt.Sprintf("%s/%s %s", i.Family, i.Action, encoded)
}

// DecodeIntent parses interpreter output. Unknown actions, actions in
// the wrong family, unknown parameter fields, and invalid values are
// all rejected here.
func DecodeIntent(family, action string, parameters []byte) (Intent, error) {
	entry, ok := actionFamilies[Action(action)]
	if !ok || entry.family != Family(family) {
		return Intent{}, protocol.Errorf(protocol.CodeUnknownAction, "unknown_action", "%s/%s is not a known action", family, action)
	}
	params := entry.params()
	if len(bytes.TrimSpace(parameters)) > 0 && !bytes.Equal(bytes.TrimSpace(parameters), []byte("null")) {
		decoder := json.NewDecoder(bytes.NewReader(parameters))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(params); err != nil {
			return Intent{}, protocol.Errorf(protocol.CodeInvalidParameters, "invalid_parameters", "%s: %v", action, err)
		}
		if decoder.More() {
			return Intent{}, protocol.Errorf(protocol.CodeInvalidParameters, "invalid_parameters", "%s: trailing data after parameters", action)
		}
	}
	intent := Intent{Family: entry.family, Action: Action(action), Params: deref(params)}
	if err := intent.Validate(); err != nil {
		return Intent{}, err
	}
	return intent, nil
}

// deref turns the decoding pointer back into the value type so that
// Params always holds values.
func deref(params Params) Params {
	switch p := params.(type) {
	case *OpenApplication:
		return *p
	case *AdjustVolume:
		return *p
	case *FindFiles:
		return *p
	case *DeleteFile:
		return *p
	case *WriteFile:
		return *p
	case *SystemInfo:
		return *p
	case *Navigate:
		return *p
	case *Search:
		return *p
	case *ExtractContent:
		return *p
	case *Interact:
		return *p
	}
	return params
}

type wireIntent struct {
	Family     string          `json:"family"`
	Action     string          `json:"action"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// MarshalJSON encodes {family, action, parameters}.
func (i Intent) MarshalJSON() ([]byte, error) {
	var parameters json.RawMessage
	if i.Params != nil {
		encoded, err := json.Marshal(i.Params)
		if err != nil {
			return nil, err
		}
		parameters = encoded
	}
	return json.Marshal(wireIntent{Family: string(i.Family), Action: string(i.Action), Parameters: parameters})
}

// UnmarshalJSON decodes {family, action, parameters} through
// DecodeIntent.
func (i *Intent) UnmarshalJSON(data []byte) error {
	var wire wireIntent
	if err := json.Unmarshal(data, &wire); err != nil {
		return protocol.Errorf(protocol.CodeInvalidParameters, "invalid_parameters", "intent: %v", err)
	}
	decoded, err := DecodeIntent(wire.Family, wire.Action, wire.Parameters)
	if err != nil {
		return err
	}
	*i = decoded
	return nil
}
