package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultMaxChars = 2000

var allowedMethods = map[string]struct{}{
	"GET": {}, "POST": {}, "PUT": {}, "PATCH": {},
	"DELETE": {}, "HEAD": {}, "OPTIONS": {},
}

type browserParams struct {
	URL             string         `json:"url" jsonschema:"description=URL to request"`
	Method          string         `json:"method,omitempty" jsonschema:"description=HTTP method (GET POST PUT PATCH DELETE HEAD OPTIONS)"`
	Headers         map[string]any `json:"headers,omitempty" jsonschema:"description=Optional request headers"`
	Params          map[string]any `json:"params,omitempty" jsonschema:"description=Optional query parameters"`
	JSONBody        map[string]any `json:"json,omitempty" jsonschema:"description=Optional JSON body"`
	Data            string         `json:"data,omitempty" jsonschema:"description=Optional form/body payload as a string"`
	Timeout         float64        `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds"`
	FollowRedirects *bool          `json:"follow_redirects,omitempty" jsonschema:"description=Follow HTTP redirects"`
	MaxChars        int            `json:"max_chars,omitempty" jsonschema:"description=Max response characters to return"`
}

// BrowserTool issues HTTP requests against web endpoints. Response bodies
// are truncated to max_chars and JSON payloads are decoded when the
// content type says so. HTTP-level failures (status >= 400, transport
// errors) are reported in-band so the model can react to them.
type BrowserTool struct {
	// transport overrides the default transport in tests.
	transport http.RoundTripper
}

// NewBrowserTool creates a browser tool using the default HTTP transport.
func NewBrowserTool() *BrowserTool {
	return &BrowserTool{}
}

func (t *BrowserTool) Name() string { return "browser" }

func (t *BrowserTool) Description() string {
	return "Issue HTTP requests against web endpoints."
}

func (t *BrowserTool) Schema() json.RawMessage { return mustSchema(&browserParams{}) }

func (t *BrowserTool) Sandboxed() bool { return true }

func (t *BrowserTool) Execute(ctx context.Context, params json.RawMessage) (map[string]any, error) {
	var p browserParams
	if err := decode(params, &p); err != nil {
		return errResult("invalid parameters: %v", err), nil
	}
	if p.URL == "" {
		return errResult("url is required"), nil
	}

	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodGet
	}
	if _, ok := allowedMethods[method]; !ok {
		return errResult("unsupported method %s", method), nil
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10
	}
	maxChars := p.MaxChars
	if maxChars == 0 {
		maxChars = defaultMaxChars
	}

	target := p.URL
	if len(p.Params) > 0 {
		parsed, err := url.Parse(p.URL)
		if err != nil {
			return map[string]any{"url": p.URL, "error": err.Error()}, nil
		}
		query := parsed.Query()
		for key, value := range p.Params {
			query.Set(key, fmt.Sprint(value))
		}
		parsed.RawQuery = query.Encode()
		target = parsed.String()
	}

	var body io.Reader
	contentType := ""
	switch {
	case p.JSONBody != nil:
		encoded, err := json.Marshal(p.JSONBody)
		if err != nil {
			return errResult("invalid json body: %v", err), nil
		}
		body = bytes.NewReader(encoded)
		contentType = "application/json"
	case p.Data != "":
		body = strings.NewReader(p.Data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return map[string]any{"url": p.URL, "error": err.Error()}, nil
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for key, value := range p.Headers {
		req.Header.Set(key, fmt.Sprint(value))
	}

	client := &http.Client{
		Timeout:   time.Duration(timeout * float64(time.Second)),
		Transport: t.transport,
	}
	if p.FollowRedirects != nil && !*p.FollowRedirects {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return map[string]any{"url": p.URL, "error": err.Error()}, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return map[string]any{"url": p.URL, "error": err.Error()}, nil
	}

	respContentType := resp.Header.Get("Content-Type")
	text := string(raw)
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars] + "...(truncated)"
	}

	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	result := map[string]any{
		"url":          p.URL,
		"status_code":  resp.StatusCode,
		"content_type": respContentType,
		"headers":      headers,
		"text":         text,
	}
	if strings.Contains(respContentType, "application/json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			result["json"] = decoded
		}
	}
	if resp.StatusCode >= 400 {
		result["error"] = fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return result, nil
}
