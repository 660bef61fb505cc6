package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/yansir/codex-pool/internal/logsink"
	"github.com/yansir/codex-pool/internal/pool"
)

// errorBodyCap bounds how much of an upstream error body is read for ban
// detection and passthrough.
const errorBodyCap = 64 * 1024

func (d *Dispatcher) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !d.authenticate(r) {
		writeJSONError(w, http.StatusUnauthorized, "invalid_api_key")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(d.Status())
}

func (d *Dispatcher) handleProxy(w http.ResponseWriter, r *http.Request) {
	if !d.authenticate(r) {
		writeJSONError(w, http.StatusUnauthorized, "invalid_api_key")
		return
	}

	body, err := bufferRequestBody(r.Body)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request")
		return
	}
	defer body.Close()

	rec := &logsink.Record{
		CreatedAt: time.Now().UTC(),
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
	}
	if d.sink.Enabled() {
		rec.RequestHeaders = r.Header.Clone()
		rec.RequestBody = body.Prefix(logsink.BodyCap)
	}
	if model := gjson.GetBytes(body.Prefix(logsink.BodyCap), "model"); model.Exists() {
		rec.Model = model.String()
	}

	start := time.Now()
	defer func() {
		rec.DurationMs = time.Since(start).Milliseconds()
		if err := d.sink.Append(context.Background(), rec); err != nil {
			slog.Error("append request log failed", "error", err)
		}
	}()

	// At most two attempts: the second only after a 401 whose refresh
	// succeeded, replaying the buffered body on a fresh lease.
	for attempt := 0; ; attempt++ {
		lease, err := d.pool.Pick(r.Context())
		if err != nil {
			rec.Status = http.StatusServiceUnavailable
			rec.Error = err.Error()
			writeJSONError(w, http.StatusServiceUnavailable, "no_healthy_account")
			return
		}
		rec.AccountID = lease.AccountID

		resp, err := d.forward(r, lease, body)
		if err != nil {
			d.pool.Report(lease, pool.Outcome{Err: err})
			rec.Error = err.Error()
			switch {
			case r.Context().Err() != nil:
				// Client went away before upstream headers arrived.
				rec.Error = "client disconnected"
				return
			case isTimeout(err):
				rec.Status = http.StatusGatewayTimeout
				writeJSONError(w, http.StatusGatewayTimeout, "upstream_timeout")
			default:
				rec.Status = http.StatusBadGateway
				writeJSONError(w, http.StatusBadGateway, "upstream_unreachable")
			}
			return
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyCap))
			resp.Body.Close()
			d.pool.Report(lease, pool.Outcome{Status: resp.StatusCode})

			if !body.replayable {
				// Too large to replay: surface the 401 verbatim, refresh in
				// the background so the account recovers for later requests.
				go func(id string) {
					if _, err := d.pool.RefreshAccount(context.Background(), id); err != nil {
						slog.Warn("background refresh failed", "accountId", id, "error", err)
					}
				}(lease.AccountID)
				d.passthrough(w, resp, errBody, rec)
				return
			}

			if _, err := d.pool.RefreshAccount(r.Context(), lease.AccountID); err != nil {
				rec.Status = http.StatusBadGateway
				rec.Error = err.Error()
				writeJSONError(w, http.StatusBadGateway, "refresh_failed")
				return
			}
			slog.Info("retrying after refresh", "accountId", lease.AccountID, "path", rec.Path)
			continue
		}

		if resp.StatusCode >= 400 {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyCap))
			resp.Body.Close()
			d.pool.Report(lease, pool.Outcome{
				Status:    resp.StatusCode,
				BanSignal: resp.StatusCode == http.StatusForbidden && banSignalPattern.Match(errBody),
			})
			d.passthrough(w, resp, errBody, rec)
			return
		}

		d.relay(w, r, resp, lease, rec)
		return
	}
}

// forward builds and sends one upstream attempt on the leased account.
func (d *Dispatcher) forward(r *http.Request, lease *pool.Lease, body *requestBody) (*http.Response, error) {
	target := *d.upstream
	target.Path = joinPath(d.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), body.NewReader())
	if err != nil {
		return nil, err
	}

	copyHeaders(req.Header, r.Header)
	stripHopByHop(req.Header)
	req.Header.Del("Authorization")
	req.Header.Del("X-Api-Key")
	req.Header.Set("Authorization", "Bearer "+lease.AccessToken)
	if lease.UpstreamID != "" {
		req.Header.Set("Chatgpt-Account-Id", lease.UpstreamID)
	}
	req.Host = d.upstream.Host

	return d.client.Do(req)
}

// relay streams a successful upstream response back to the client, teeing a
// capped prefix for the log when capture is on, and reports the outcome once
// the body finishes.
func (d *Dispatcher) relay(w http.ResponseWriter, r *http.Request, resp *http.Response, lease *pool.Lease, rec *logsink.Record) {
	defer resp.Body.Close()

	rec.Status = resp.StatusCode
	if d.sink.Enabled() {
		rec.ResponseHeaders = resp.Header.Clone()
	}

	hdr := w.Header()
	copyHeaders(hdr, resp.Header)
	stripHopByHop(hdr)
	w.WriteHeader(resp.StatusCode)

	var capture *capWriter
	var dst io.Writer = w
	if d.sink.Enabled() {
		capture = newCapWriter(logsink.BodyCap)
		dst = io.MultiWriter(w, capture)
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	var copyErr error
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				copyErr = werr
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				copyErr = rerr
			}
			break
		}
	}

	// Headers already arrived, so the account is judged on the observed
	// status even when the client hung up mid-stream.
	d.pool.Report(lease, pool.Outcome{Status: resp.StatusCode})

	if copyErr != nil {
		if r.Context().Err() != nil {
			rec.Error = "client disconnected"
		} else {
			rec.Error = copyErr.Error()
		}
	}
	if capture != nil {
		rec.ResponseBody = capture.Bytes()
		fillUsage(rec, capture.Bytes())
	}
}

// passthrough relays an already-read upstream error response verbatim.
func (d *Dispatcher) passthrough(w http.ResponseWriter, resp *http.Response, body []byte, rec *logsink.Record) {
	rec.Status = resp.StatusCode
	if d.sink.Enabled() {
		rec.ResponseHeaders = resp.Header.Clone()
		rec.ResponseBody = body
	}

	hdr := w.Header()
	copyHeaders(hdr, resp.Header)
	stripHopByHop(hdr)
	hdr.Del("Content-Length")
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

func fillUsage(rec *logsink.Record, body []byte) {
	usage := gjson.GetBytes(body, "usage")
	if !usage.Exists() {
		return
	}
	rec.InputTokens = int(usage.Get("input_tokens").Int())
	rec.OutputTokens = int(usage.Get("output_tokens").Int())
}

func (d *Dispatcher) authenticate(r *http.Request) bool {
	if d.cfg.APIKey == "" {
		return true
	}
	token := r.Header.Get("X-Api-Key")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(d.cfg.APIKey)) == 1
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func joinPath(base, path string) string {
	if base == "" || base == "/" {
		return path
	}
	return strings.TrimSuffix(base, "/") + path
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, code)
}
