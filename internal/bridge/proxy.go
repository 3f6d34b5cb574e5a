package bridge

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/vitaliisemenov/xregistry-bridge/internal/metrics"
	"github.com/vitaliisemenov/xregistry-bridge/internal/resilience"
	"github.com/vitaliisemenov/xregistry-bridge/internal/xregistry"
)

// rewriteSniffLen is how much of the response body is inspected for the
// downstream's own URL before deciding whether a rewrite pass is needed.
const rewriteSniffLen = 8192

// hopByHop headers are connection-scoped and never forwarded either way.
var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// proxy forwards one request to the owning downstream with the bridge's
// effective base URL injected, streaming the response back. A textual URL
// rewrite runs only when the downstream demonstrably ignored x-base-url.
func (b *Bridge) proxy(w http.ResponseWriter, r *http.Request, d *Downstream, baseURL string) {
	start := time.Now()

	ctx, cancel := context.WithTimeout(r.Context(), b.cfg.Proxy.Timeout)
	defer cancel()

	outURL := d.URL() + r.URL.Path
	if r.URL.RawQuery != "" {
		outURL += "?" + r.URL.RawQuery
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, outURL, nil)
	if err != nil {
		xregistry.WriteError(w, r, err)
		return
	}
	copyHeaders(out.Header, r.Header, b.cfg.Server.BaseURLHeader)
	out.Header.Set(b.cfg.Server.BaseURLHeader, baseURL)

	resp, err := d.client.Do(out)
	if err != nil {
		problem := resilience.ClassifyTransport(err)
		metrics.ProxyRequestsTotal.WithLabelValues(d.URL(), string(problem.Code())).Inc()
		xregistry.WriteProblem(w, r, problem)
		return
	}
	defer resp.Body.Close()

	metrics.ProxyRequestsTotal.WithLabelValues(d.URL(), strconv.Itoa(resp.StatusCode)).Inc()
	metrics.ProxyDuration.WithLabelValues(d.URL()).Observe(time.Since(start).Seconds())

	copyHeaders(w.Header(), resp.Header, "")

	if r.Method == http.MethodHead || resp.StatusCode == http.StatusNotModified {
		w.WriteHeader(resp.StatusCode)
		return
	}

	// Sniff the head of the body for the downstream's configured URL. If it
	// appears, the downstream ignored x-base-url and the body needs the
	// single-pass substitution fallback.
	head := make([]byte, rewriteSniffLen)
	n, readErr := io.ReadFull(resp.Body, head)
	head = head[:n]

	if bytes.Contains(head, []byte(d.URL())) {
		b.rewriteAndSend(w, resp, d, baseURL, head, readErr == nil)
		return
	}

	w.WriteHeader(resp.StatusCode)
	if n > 0 {
		if _, err := w.Write(head); err != nil {
			return
		}
	}
	if readErr == nil {
		_, _ = io.Copy(w, resp.Body)
	}
}

// rewriteAndSend buffers the remaining body and substitutes every
// occurrence of the downstream URL with the bridge base URL. Documented as
// a fallback: x-base-url injection is the preferred mechanism and
// well-behaved downstreams never take this path.
func (b *Bridge) rewriteAndSend(w http.ResponseWriter, resp *http.Response, d *Downstream, baseURL string, head []byte, more bool) {
	metrics.ProxyRewrites.WithLabelValues(d.URL()).Inc()

	body := head
	if more {
		rest, err := io.ReadAll(resp.Body)
		if err != nil {
			xregistry.WriteProblem(w, nil, xregistry.NewProblem(
				xregistry.CodeServiceUnavailable, "downstream response truncated during rewrite"))
			return
		}
		body = append(body, rest...)
	}

	rewritten := bytes.ReplaceAll(body, []byte(d.URL()), []byte(baseURL))
	w.Header().Set("Content-Length", strconv.Itoa(len(rewritten)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(rewritten)
}

// copyHeaders copies all non-hop-by-hop headers. skip drops one extra
// header by canonical name (the inbound base-URL header, which the bridge
// replaces with its own).
func copyHeaders(dst, src http.Header, skip string) {
	skipCanonical := http.CanonicalHeaderKey(skip)
	for key, values := range src {
		if hopByHop[key] {
			continue
		}
		if skip != "" && key == skipCanonical {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
