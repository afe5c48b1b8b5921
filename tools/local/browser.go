// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/net/html"

	"github.com/voxlink/voxlink/lib/netutil"
	"github.com/voxlink/voxlink/router"
)

// maxPageBytes bounds extract_content downloads.
const maxPageBytes = 2 << 20

// maxExtractRunes bounds the text returned by extract_content.
const maxExtractRunes = 4000

var searchEngines = map[string]string{
	"":           "https://duckduckgo.com/?q=",
	"duckduckgo": "https://duckduckgo.com/?q=",
	"google":     "https://www.google.com/search?q=",
	"bing":       "https://www.bing.com/search?q=",
}

// Browser executes browser-family actions.
type Browser struct {
	// Open shows a URL to the user. Defaults to the desktop browser.
	Open   func(url string) error
	Client *http.Client
	Logger *slog.Logger
}

// NewBrowser returns a Browser using the desktop's default browser.
func NewBrowser(logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Browser{
		Open:   browser.OpenURL,
		Client: &http.Client{Timeout: 15 * time.Second},
		Logger: logger,
	}
}

// Invoke implements router.Executor.
func (b *Browser) Invoke(ctx context.Context, call router.Call) (router.Result, error) {
	switch params := call.Intent.Params.(type) {
	case router.Navigate:
		return b.open(params.URL, "opened "+params.URL)
	case router.Search:
		target := searchEngines[params.Engine] + url.QueryEscape(params.Query)
		return b.open(target, fmt.Sprintf("searched for %q", params.Query))
	case router.ExtractContent:
		return b.extract(ctx, params)
	case router.Interact:
		return router.Result{}, &router.ToolError{Message: "page interaction needs a remote browser executor"}
	default:
		return router.Result{}, &router.ToolError{Message: fmt.Sprintf("%s is not a browser action", call.Intent.Action)}
	}
}

func (b *Browser) open(target, summary string) (router.Result, error) {
	if err := b.Open(target); err != nil {
		return router.Result{}, &router.ToolError{Message: "could not open the browser", Err: err}
	}
	b.Logger.Info("opened url", "url", target)
	return router.Result{Summary: summary, Data: map[string]any{"url": target}}, nil
}

func (b *Browser) extract(ctx context.Context, params router.ExtractContent) (router.Result, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return router.Result{}, &router.ToolError{Message: "invalid url", Err: err}
	}
	response, err := b.Client.Do(request)
	if err != nil {
		if ctx.Err() != nil {
			return router.Result{}, ctx.Err()
		}
		return router.Result{}, &router.ToolError{Message: "could not fetch " + params.URL, Retryable: true, Err: err}
	}
	defer response.Body.Close()
	if err := netutil.CheckStatus(response); err != nil {
		statusErr := err.(*netutil.StatusError)
		return router.Result{}, &router.ToolError{Message: fmt.Sprintf("%s returned %d", params.URL, statusErr.StatusCode), Retryable: statusErr.Temporary(), Err: err}
	}

	document, err := html.Parse(io.LimitReader(response.Body, maxPageBytes))
	if err != nil {
		return router.Result{}, &router.ToolError{Message: "could not parse " + params.URL, Err: err}
	}
	title := strings.TrimSpace(textOf(find(document, selector{tag: "title"})))
	scope := document
	if params.Selector != "" {
		scope = find(document, parseSelector(params.Selector))
		if scope == nil {
			return router.Result{}, &router.ToolError{Message: fmt.Sprintf("nothing on the page matches %q", params.Selector)}
		}
	} else if body := find(document, selector{tag: "body"}); body != nil {
		scope = body
	}

	text := truncateRunes(strings.Join(strings.Fields(textOf(scope)), " "), maxExtractRunes)
	summary := title
	if summary == "" {
		summary = params.URL
	}
	return router.Result{Summary: summary, Data: map[string]any{"title": title, "text": text}}, nil
}

// selector is the subset of CSS extract_content understands: a tag
// name, #id, or .class.
type selector struct {
	tag, id, class string
}

func parseSelector(text string) selector {
	switch {
	case strings.HasPrefix(text, "#"):
		return selector{id: text[1:]}
	case strings.HasPrefix(text, "."):
		return selector{class: text[1:]}
	default:
		return selector{tag: strings.ToLower(text)}
	}
}

func (s selector) matches(node *html.Node) bool {
	if node.Type != html.ElementNode {
		return false
	}
	if s.tag != "" {
		return node.Data == s.tag
	}
	for _, attribute := range node.Attr {
		switch {
		case s.id != "" && attribute.Key == "id" && attribute.Val == s.id:
			return true
		case s.class != "" && attribute.Key == "class":
			for _, class := range strings.Fields(attribute.Val) {
				if class == s.class {
					return true
				}
			}
		}
	}
	return false
}

// find returns the first node in document order matching s.
func find(node *html.Node, s selector) *html.Node {
	if s.matches(node) {
		return node
	}
	for child := node.FirstChild; child != nil; child = child.NextSibling {
		if found := find(child, s); found != nil {
			return found
		}
	}
	return nil
}

// textOf concatenates the visible text under node.
func textOf(node *html.Node) string {
	if node == nil {
		return ""
	}
	var builder strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
			return
		}
		if n.Type == html.TextNode {
			builder.WriteString(n.Data)
			builder.WriteByte(' ')
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(node)
	return builder.String()
}

func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
