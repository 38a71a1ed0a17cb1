package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// maxTracedBody bounds every body written to a trace.
const maxTracedBody = 1024

// sensitiveHeaders never appear in traces.
var sensitiveHeaders = map[string]bool{
	"authorization":   true,
	"apikey":          true,
	"x-admin-api-key": true,
	"cookie":          true,
}

// DebugLogger writes request/response traces for verbose runs. A nil
// DebugLogger traces nothing. Each trace is written in one piece so the
// output of concurrent VUs does not interleave.
type DebugLogger struct {
	mu  sync.Mutex
	out io.Writer
}

func NewDebugLogger(out io.Writer) *DebugLogger {
	return &DebugLogger{out: out}
}

// Call identifies the API call being traced.
type Call struct {
	VU    int
	Actor string
	Step  string
}

func (c Call) prefix() string {
	return fmt.Sprintf("[VU %d %s]", c.VU, c.Actor)
}

func (d *DebugLogger) LogRequest(c Call, req *http.Request) {
	if d == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n%s >>> REQUEST: %s\n  %s %s\n", c.prefix(), c.Step, req.Method, req.URL)
	writeHeaders(&b, req.Header)
	if req.Body != nil && req.Body != http.NoBody {
		if body, err := io.ReadAll(req.Body); err == nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
			writeBody(&b, body)
		}
	}
	d.write(b.String())
}

func (d *DebugLogger) LogResponse(c Call, resp *http.Response, body []byte, took time.Duration) {
	if d == nil {
		return
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s <<< RESPONSE: %s (%s)\n  Status: %d %s\n", c.prefix(), c.Step,
		took.Round(time.Millisecond), resp.StatusCode, http.StatusText(resp.StatusCode))
	writeHeaders(&b, resp.Header)
	writeBody(&b, body)
	d.write(b.String())
}

func (d *DebugLogger) LogError(c Call, err error, took time.Duration) {
	if d == nil {
		return
	}
	d.write(fmt.Sprintf("%s !!! ERROR: %s (%s)\n  %v\n", c.prefix(), c.Step, took.Round(time.Millisecond), err))
}

func (d *DebugLogger) write(s string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = io.WriteString(d.out, s)
}

func writeHeaders(b *strings.Builder, h http.Header) {
	if len(h) == 0 {
		return
	}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	b.WriteString("  Headers:\n")
	for _, name := range names {
		value := strings.Join(h[name], ", ")
		if sensitiveHeaders[strings.ToLower(name)] {
			value = "[redacted]"
		}
		fmt.Fprintf(b, "    %s: %s\n", name, value)
	}
}

// writeBody writes JSON bodies compacted, and any body longer than
// maxTracedBody cut short with its full size noted.
func writeBody(b *strings.Builder, body []byte) {
	if len(body) == 0 {
		return
	}
	var compact bytes.Buffer
	if json.Compact(&compact, body) == nil {
		body = compact.Bytes()
	}
	if len(body) > maxTracedBody {
		fmt.Fprintf(b, "  Body: %s... (truncated, %d bytes total)\n", body[:maxTracedBody], len(body))
		return
	}
	fmt.Fprintf(b, "  Body: %s\n", body)
}
