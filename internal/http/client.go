// Package http is the API client actors use to talk to the platform.
package http

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

	"github.com/tidwall/gjson"

	"stagehand/internal/core"
)

const (
	// maxDebugBodySize limits response body logged in verbose mode.
	maxDebugBodySize = 4096
	// maxResponseBodySize limits response body read for extraction.
	maxResponseBodySize = 10 * 1024 * 1024 // 10MB
)

// Client sends requests to one base URL on behalf of one actor.
type Client struct {
	Actor   string
	BaseURL string
	Headers map[string]string
	HTTP    *http.Client
	Debug   *DebugLogger
}

// Request describes one API call. Body is JSON-encoded unless it is a
// string or []byte. An empty Expect accepts any status below 400.
type Request struct {
	Name    string
	Method  string
	Path    string
	Query   url.Values
	Body    any
	Headers map[string]string
	Expect  []int
}

// Response is a fully read API response.
type Response struct {
	StatusCode int
	Body       []byte
	Duration   time.Duration
	BytesSent  int64
	BytesRecv  int64
}

// Get returns the value at a gjson path in the response body.
func (r *Response) Get(path string) gjson.Result {
	return gjson.GetBytes(r.Body, path)
}

// Decode unmarshals the response body into v.
func (r *Response) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// WithHeader returns a copy of the client that sends an additional header.
func (c *Client) WithHeader(name, value string) *Client {
	cp := *c
	cp.Headers = make(map[string]string, len(c.Headers)+1)
	for k, v := range c.Headers {
		cp.Headers[k] = v
	}
	cp.Headers[name] = value
	return &cp
}

// Do sends the request and reads the whole body. A status outside Expect is
// returned as *core.UnexpectedResponseError together with the response.
// Every call is reported as an http event to the reporter attached to ctx.
func (c *Client) Do(ctx context.Context, r Request) (*Response, error) {
	vu := core.VUFromContext(ctx)
	rep := core.ReporterFromContext(ctx)
	start := time.Now()

	resp, err := c.do(ctx, r, vu)
	ev := core.Event{
		VU:        vu,
		Actor:     c.Actor,
		Timestamp: time.Now(),
		Step:      r.Name,
		Kind:      core.KindHTTP,
		Duration:  time.Since(start),
		Success:   err == nil,
	}
	if resp != nil {
		ev.StatusCode = resp.StatusCode
		ev.BytesSent = resp.BytesSent
		ev.BytesRecv = resp.BytesRecv
		ev.Duration = resp.Duration
	}
	if err != nil {
		ev.Error = err.Error()
	}
	rep.Report(ev)
	return resp, err
}

func (c *Client) do(ctx context.Context, r Request, vu int) (*Response, error) {
	call := Call{VU: vu, Actor: c.Actor, Step: r.Name}
	target, err := c.resolve(r)
	if err != nil {
		c.Debug.LogError(call, err, 0)
		return nil, err
	}

	body, err := encodeBody(r.Body)
	if err != nil {
		c.Debug.LogError(call, err, 0)
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	c.Debug.LogRequest(call, req)

	start := time.Now()
	resp, err := c.httpClient().Do(req)
	duration := time.Since(start)
	if err != nil {
		c.Debug.LogError(call, err, duration)
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	_, _ = io.Copy(io.Discard, resp.Body)
	if err != nil {
		c.Debug.LogError(call, err, duration)
		return nil, fmt.Errorf("reading %s response: %w", r.Name, err)
	}

	debugBody := respBody
	if len(debugBody) > maxDebugBodySize {
		debugBody = debugBody[:maxDebugBodySize]
	}
	c.Debug.LogResponse(call, resp, debugBody, duration)

	out := &Response{
		StatusCode: resp.StatusCode,
		Body:       respBody,
		Duration:   duration,
		BytesSent:  int64(len(body)),
		BytesRecv:  int64(len(respBody)),
	}
	if !accepts(r.Expect, resp.StatusCode) {
		return out, &core.UnexpectedResponseError{
			Method:   r.Method,
			URL:      target,
			Expected: r.Expect,
			Actual:   resp.StatusCode,
			Body:     string(respBody),
		}
	}
	return out, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) resolve(r Request) (string, error) {
	if r.Method == "" {
		return "", fmt.Errorf("request %q without a method", r.Name)
	}
	target := r.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = strings.TrimSuffix(c.BaseURL, "/") + "/" + strings.TrimPrefix(r.Path, "/")
	}
	if len(r.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + r.Query.Encode()
	}
	return target, nil
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case json.RawMessage:
		return b, nil
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		return data, nil
	}
}

func accepts(expect []int, status int) bool {
	if len(expect) == 0 {
		return status < 400
	}
	for _, s := range expect {
		if s == status {
			return true
		}
	}
	return false
}
