package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/wudi/edgeway/internal/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Target is one concrete upstream address plus how to reach it.
type Target struct {
	Scheme   string // http or https
	Address  string // host:port
	BasePath string // prefixed to the request path
}

// Executor sends requests to upstream addresses. It never buffers bodies:
// the request body is streamed out and the response body is handed back
// unread.
type Executor struct {
	transport http.RoundTripper
	pool      *Pool
}

// NewExecutor creates an executor. pool may be nil.
func NewExecutor(transport http.RoundTripper, pool *Pool) *Executor {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Executor{transport: transport, pool: pool}
}

// Forward sends r to t. Transport failures come back as classified gateway
// errors; any upstream HTTP status, including 5xx, is a normal response.
// The caller must close the response body, which also frees the
// connection slot.
func (e *Executor) Forward(ctx context.Context, r *http.Request, t Target) (*http.Response, error) {
	release, err := e.pool.Checkout(ctx, t.Address)
	if err != nil {
		return nil, err
	}

	outreq, err := outbound(ctx, r, t)
	if err != nil {
		release()
		return nil, errors.Wrap(errors.ErrInternal, err)
	}

	resp, err := e.transport.RoundTrip(outreq)
	if err != nil {
		release()
		return nil, Classify(ctx, err)
	}

	removeHopHeaders(resp.Header)
	resp.Body = &releaseBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

// outbound builds the upstream request directly instead of cloning r.
func outbound(ctx context.Context, r *http.Request, t Target) (*http.Request, error) {
	scheme := t.Scheme
	if scheme == "" {
		scheme = "http"
	}

	body := r.Body
	if r.GetBody != nil {
		var err error
		if body, err = r.GetBody(); err != nil {
			return nil, err
		}
	}
	if r.ContentLength == 0 {
		body = nil
	}

	outreq := (&http.Request{
		Method: r.Method,
		URL: &url.URL{
			Scheme:   scheme,
			Host:     t.Address,
			Path:     singleJoiningSlash(t.BasePath, r.URL.Path),
			RawQuery: r.URL.RawQuery,
		},
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header, len(r.Header)+3),
		Body:          body,
		ContentLength: r.ContentLength,
		Host:          t.Address,
	}).WithContext(ctx)

	for k, vv := range r.Header {
		outreq.Header[k] = append(vv[:0:0], vv...)
	}
	removeHopHeaders(outreq.Header)

	if clientIP := ClientIP(r); clientIP != "" {
		if prior := strings.Join(outreq.Header.Values("X-Forwarded-For"), ", "); prior != "" {
			outreq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			outreq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		outreq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		outreq.Header.Set("X-Forwarded-Proto", "http")
	}
	outreq.Header.Set("X-Forwarded-Host", r.Host)

	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(outreq.Header))

	return outreq, nil
}

// Classify maps a transport error to a gateway error kind. ctx is the
// context the call ran under.
func Classify(ctx context.Context, err error) error {
	if _, ok := errors.As(err); ok {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if stderrors.Is(ctxErr, context.Canceled) {
			return errors.Wrap(errors.ErrCanceled, err)
		}
		return errors.Wrap(errors.ErrUpstreamTimeout, err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrUpstreamTimeout, err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(errors.ErrUpstreamTimeout, err)
	}
	return errors.Wrap(errors.ErrUpstreamConnectionFailure, err)
}

// ClientIP returns the peer address of r.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WriteResponse copies resp to w, streaming the body. Streaming responses
// (server-sent events, unknown length) are flushed after every write;
// others every flushInterval. A negative interval always flushes.
func WriteResponse(w http.ResponseWriter, resp *http.Response, flushInterval time.Duration) (int64, error) {
	h := w.Header()
	for k, vv := range resp.Header {
		h[k] = append(vv[:0:0], vv...)
	}
	removeHopHeaders(h)
	if len(resp.Trailer) > 0 {
		names := make([]string, 0, len(resp.Trailer))
		for k := range resp.Trailer {
			names = append(names, k)
		}
		h.Add("Trailer", strings.Join(names, ", "))
	}

	w.WriteHeader(resp.StatusCode)
	if resp.Body == nil {
		return 0, nil
	}

	if flushInterval >= 0 && (resp.ContentLength == -1 || isEventStream(resp.Header)) {
		flushInterval = -1
	}
	n, err := copyBody(w, resp.Body, flushInterval)

	for k, vv := range resp.Trailer {
		h[k] = append(vv[:0:0], vv...)
	}
	return n, err
}

func isEventStream(h http.Header) bool {
	ct, _, _ := strings.Cut(h.Get("Content-Type"), ";")
	return strings.EqualFold(strings.TrimSpace(ct), "text/event-stream")
}

var bufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

func copyBody(w http.ResponseWriter, body io.Reader, flushInterval time.Duration) (int64, error) {
	bp := bufPool.Get().(*[]byte)
	defer bufPool.Put(bp)
	buf := *bp

	rc := http.NewResponseController(w)
	var written int64
	lastFlush := time.Now()
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if flushInterval < 0 || (flushInterval > 0 && time.Since(lastFlush) >= flushInterval) {
				rc.Flush()
				lastFlush = time.Now()
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders drops the fixed hop-by-hop set and every header named in
// Connection.
func removeHopHeaders(header http.Header) {
	for _, f := range header["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = textproto.TrimString(sf); sf != "" {
				header.Del(sf)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	if a == "" {
		if b == "" {
			return "/"
		}
		return b
	}
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// releaseBody frees the connection slot when the response body is closed.
type releaseBody struct {
	io.ReadCloser
	release func()
}

func (b *releaseBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
