package tooling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

// FetchURLTool downloads a web page and returns a cleaned JSON summary of it.
type FetchURLTool struct {
	client   *http.Client
	maxBytes int64
	limit    int
}

func NewFetchURLTool(timeout time.Duration, limit int) *FetchURLTool {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FetchURLTool{
		client:   &http.Client{Timeout: timeout},
		maxBytes: 2 << 20, // 2MB
		limit:    limit,
	}
}

func (t *FetchURLTool) Definition() ToolDefinition {
	return ToolDefinition{
		Type: "function",
		Function: ToolFunction{
			Name:        "fetch_url",
			Description: "Fetch a web page (for example library documentation) and return its title, description, headings and main paragraphs as JSON.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{
						"type":        "string",
						"description": "Absolute http or https URL.",
					},
					"max_paragraphs": map[string]any{
						"type":        "integer",
						"description": "Maximum number of paragraphs to include (default 20).",
					},
				},
				"required": []string{"url"},
			},
		},
	}
}

func (t *FetchURLTool) Call(ctx context.Context, args map[string]any) (string, error) {
	rawURL, ok := stringArg(args, "url")
	if !ok || strings.TrimSpace(rawURL) == "" {
		return "", errors.New("url is required")
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid url %q: must be absolute http or https", rawURL)
	}
	maxParagraphs := intArg(args, "max_paragraphs", 20)
	if maxParagraphs <= 0 {
		maxParagraphs = 20
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "pprog/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch %s: HTTP %d", u, resp.StatusCode)
	}

	limited := &io.LimitedReader{R: resp.Body, N: t.maxBytes}
	body, err := io.ReadAll(limited)
	if err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript").Remove()

	var headings []string
	doc.Find("h1, h2, h3").Each(func(_ int, sel *goquery.Selection) {
		if text := normalizeWhitespace(sel.Text()); text != "" {
			headings = append(headings, text)
		}
	})

	paragraphs := make([]string, 0, maxParagraphs)
	doc.Find("p, pre, li").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if len(paragraphs) >= maxParagraphs {
			return false
		}
		text := normalizeWhitespace(sel.Text())
		if goquery.NodeName(sel) == "pre" {
			text = strings.TrimSpace(sel.Text())
		}
		if len(text) < 40 && goquery.NodeName(sel) != "pre" {
			return true
		}
		paragraphs = append(paragraphs, text)
		return true
	})

	payload := map[string]any{
		"url":         resp.Request.URL.String(),
		"status":      resp.StatusCode,
		"truncated":   limited.N == 0,
		"title":       strings.TrimSpace(doc.Find("title").First().Text()),
		"description": strings.TrimSpace(doc.Find(`meta[name="description"]`).AttrOr("content", "")),
		"headings":    headings,
		"paragraphs":  paragraphs,
	}
	data, err := jsonMarshalNoEscape(payload)
	if err != nil {
		return "", err
	}
	return TruncateOutput(string(data), t.limit), nil
}

func normalizeWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

func jsonMarshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
