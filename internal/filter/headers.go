package filter

import (
	"fmt"
	"net/http"
	"net/textproto"
	"regexp"
	"strconv"
	"strings"
)

// funcFilter is a filter defined by a single function.
type funcFilter struct {
	name string
	caps Capability
	fn   func(ex *Exchange, next Handler) (*http.Response, error)
}

func (f *funcFilter) Name() string             { return f.name }
func (f *funcFilter) Capabilities() Capability { return f.caps }
func (f *funcFilter) Filter(ex *Exchange, next Handler) (*http.Response, error) {
	return f.fn(ex, next)
}

// requestFilter mutates the request and continues.
func requestFilter(name string, mutate func(ex *Exchange)) Filter {
	return &funcFilter{name: name, caps: MutateRequest, fn: func(ex *Exchange, next Handler) (*http.Response, error) {
		mutate(ex)
		return next.Handle(ex)
	}}
}

// responseFilter continues and mutates the response on the way back.
func responseFilter(name string, mutate func(resp *http.Response)) Filter {
	return &funcFilter{name: name, caps: MutateResponse, fn: func(ex *Exchange, next Handler) (*http.Response, error) {
		resp, err := next.Handle(ex)
		if err != nil {
			return nil, err
		}
		mutate(resp)
		return resp, nil
	}}
}

func headerArgs(args Args, withValue bool) (name, value string, err error) {
	keys := []string{"name"}
	if withValue {
		keys = append(keys, "value")
	}
	if err = args.Only(keys...); err != nil {
		return "", "", err
	}
	if name, err = args.RequiredString("name"); err != nil {
		return "", "", err
	}
	if withValue {
		if value, err = args.String("value", ""); err != nil {
			return "", "", err
		}
	}
	return textproto.CanonicalMIMEHeaderKey(name), value, nil
}

func newAddRequestHeader(_ string, args Args, _ *Deps) (Filter, error) {
	name, value, err := headerArgs(args, true)
	if err != nil {
		return nil, err
	}
	return requestFilter("add_request_header", func(ex *Exchange) {
		ex.Request.Header.Add(name, value)
	}), nil
}

func newSetRequestHeader(_ string, args Args, _ *Deps) (Filter, error) {
	name, value, err := headerArgs(args, true)
	if err != nil {
		return nil, err
	}
	return requestFilter("set_request_header", func(ex *Exchange) {
		ex.Request.Header.Set(name, value)
	}), nil
}

func newRemoveRequestHeader(_ string, args Args, _ *Deps) (Filter, error) {
	name, _, err := headerArgs(args, false)
	if err != nil {
		return nil, err
	}
	return requestFilter("remove_request_header", func(ex *Exchange) {
		ex.Request.Header.Del(name)
	}), nil
}

func newAddResponseHeader(_ string, args Args, _ *Deps) (Filter, error) {
	name, value, err := headerArgs(args, true)
	if err != nil {
		return nil, err
	}
	return responseFilter("add_response_header", func(resp *http.Response) {
		resp.Header.Add(name, value)
	}), nil
}

func newRemoveResponseHeader(_ string, args Args, _ *Deps) (Filter, error) {
	name, _, err := headerArgs(args, false)
	if err != nil {
		return nil, err
	}
	return responseFilter("remove_response_header", func(resp *http.Response) {
		resp.Header.Del(name)
	}), nil
}

func newSetStatus(_ string, args Args, _ *Deps) (Filter, error) {
	if err := args.Only("status"); err != nil {
		return nil, err
	}
	status, err := args.Int("status", 0)
	if err != nil {
		return nil, err
	}
	if status < 100 || status > 599 {
		return nil, fmt.Errorf("status %d out of range", status)
	}
	return responseFilter("set_status", func(resp *http.Response) {
		resp.StatusCode = status
		resp.Status = strconv.Itoa(status) + " " + http.StatusText(status)
	}), nil
}

// setPath replaces the request path, dropping any stale escaped form.
func setPath(r *http.Request, path string) {
	if path == "" || path[0] != '/' {
		path = "/" + path
	}
	r.URL.Path = path
	r.URL.RawPath = ""
}

func newStripPrefix(_ string, args Args, _ *Deps) (Filter, error) {
	if err := args.Only("parts"); err != nil {
		return nil, err
	}
	parts, err := args.Int("parts", 1)
	if err != nil {
		return nil, err
	}
	if parts < 1 {
		return nil, fmt.Errorf("parts must be at least 1, got %d", parts)
	}
	return requestFilter("strip_prefix", func(ex *Exchange) {
		setPath(ex.Request, stripSegments(ex.Request.URL.Path, parts))
	}), nil
}

// stripSegments removes the first n segments of path. A trailing slash
// survives.
func stripSegments(path string, n int) string {
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(segs) <= n {
		return "/"
	}
	return "/" + strings.Join(segs[n:], "/")
}

func newPrefixPath(_ string, args Args, _ *Deps) (Filter, error) {
	if err := args.Only("prefix"); err != nil {
		return nil, err
	}
	prefix, err := args.RequiredString("prefix")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(prefix, "/") {
		return nil, fmt.Errorf("prefix %q must start with /", prefix)
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return requestFilter("prefix_path", func(ex *Exchange) {
		setPath(ex.Request, prefix+ex.Request.URL.Path)
	}), nil
}

func newRewritePath(_ string, args Args, _ *Deps) (Filter, error) {
	if err := args.Only("regex", "replacement"); err != nil {
		return nil, err
	}
	expr, err := args.RequiredString("regex")
	if err != nil {
		return nil, err
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("regex: %w", err)
	}
	replacement, err := args.String("replacement", "")
	if err != nil {
		return nil, err
	}
	return requestFilter("rewrite_path", func(ex *Exchange) {
		setPath(ex.Request, re.ReplaceAllString(ex.Request.URL.Path, replacement))
	}), nil
}
