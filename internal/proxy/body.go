package proxy

import (
	"bytes"
	"io"
	"net/http"
	"regexp"
)

// ReplayThreshold bounds the request body buffer kept for the 401 retry.
// Larger bodies forward as a straight stream and the retry is disabled.
const ReplayThreshold = 1 << 20

// banSignalPattern matches 403 bodies that indicate the account itself has
// been rejected rather than the request.
var banSignalPattern = regexp.MustCompile(`(?i)(account.{0,20}(deactivated|disabled|banned)|access.{0,10}terminated|usage policy violation)`)

// hop-by-hop headers are stripped in both directions.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// requestBody holds the inbound body after the replay-buffering read.
// When replayable is true the whole body fit under ReplayThreshold and
// NewReader may be called any number of times; otherwise reader yields the
// buffered prefix followed by the remaining stream, exactly once.
type requestBody struct {
	buf        []byte
	rest       io.ReadCloser
	replayable bool
}

// bufferRequestBody reads up to ReplayThreshold+1 bytes of the inbound body.
func bufferRequestBody(r io.ReadCloser) (*requestBody, error) {
	if r == nil || r == http.NoBody {
		return &requestBody{replayable: true}, nil
	}

	buf := make([]byte, ReplayThreshold+1)
	n, err := io.ReadFull(r, buf)
	switch err {
	case nil:
		// More than the threshold: too big to replay.
		return &requestBody{buf: buf[:n], rest: r, replayable: false}, nil
	case io.ErrUnexpectedEOF, io.EOF:
		r.Close()
		return &requestBody{buf: buf[:n], replayable: true}, nil
	default:
		r.Close()
		return nil, err
	}
}

// NewReader returns the body for one forwarding attempt.
func (b *requestBody) NewReader() io.Reader {
	if b.rest != nil {
		r := io.MultiReader(bytes.NewReader(b.buf), b.rest)
		b.rest = nil
		return r
	}
	return bytes.NewReader(b.buf)
}

// Prefix returns up to n buffered bytes for telemetry capture.
func (b *requestBody) Prefix(n int) []byte {
	if len(b.buf) > n {
		return b.buf[:n]
	}
	return b.buf
}

func (b *requestBody) Close() {
	if b.rest != nil {
		b.rest.Close()
		b.rest = nil
	}
}

// capWriter tees a bounded prefix of everything written through it.
type capWriter struct {
	buf   bytes.Buffer
	limit int
}

func newCapWriter(limit int) *capWriter { return &capWriter{limit: limit} }

func (c *capWriter) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *capWriter) Bytes() []byte { return c.buf.Bytes() }

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}
