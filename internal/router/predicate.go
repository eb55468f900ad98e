package router

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/wudi/edgeway/internal/config"
)

// Descriptor is the normalized view of a request that predicates see.
type Descriptor struct {
	Method string
	Path   string // decoded
	Host   string // lowercase, without port
	Header http.Header
	Query  url.Values
}

// Describe builds the descriptor of r.
func Describe(r *http.Request) *Descriptor {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	return &Descriptor{
		Method: r.Method,
		Path:   path,
		Host:   strings.ToLower(host),
		Header: r.Header,
		Query:  r.URL.Query(),
	}
}

// Predicate is one compiled match condition. Match is pure.
type Predicate interface {
	Match(d *Descriptor) bool
	String() string
}

// pathPredicate matches the decoded path with a glob where * spans one
// segment and ** any number of them. Matching is case-sensitive.
type pathPredicate struct {
	pattern string
}

func (p pathPredicate) Match(d *Descriptor) bool {
	ok, _ := doublestar.Match(p.pattern, d.Path)
	return ok
}

func (p pathPredicate) String() string { return "path=" + p.pattern }

type methodPredicate struct {
	methods map[string]bool
}

func (p methodPredicate) Match(d *Descriptor) bool {
	return p.methods[d.Method]
}

func (p methodPredicate) String() string {
	names := make([]string, 0, len(p.methods))
	for m := range p.methods {
		names = append(names, m)
	}
	sort.Strings(names)
	return "methods=" + strings.Join(names, ",")
}

// valueMatcher checks one named value by exact string, regular expression,
// or presence alone.
type valueMatcher struct {
	name  string
	exact string
	regex *regexp.Regexp
}

func (m valueMatcher) match(values []string) bool {
	if len(values) == 0 {
		return false
	}
	if m.exact == "" && m.regex == nil {
		return true
	}
	for _, v := range values {
		if m.regex != nil && m.regex.MatchString(v) {
			return true
		}
		if m.regex == nil && v == m.exact {
			return true
		}
	}
	return false
}

func (m valueMatcher) describe(kind string) string {
	switch {
	case m.regex != nil:
		return fmt.Sprintf("%s[%s]~%s", kind, m.name, m.regex)
	case m.exact != "":
		return fmt.Sprintf("%s[%s]=%s", kind, m.name, m.exact)
	}
	return fmt.Sprintf("%s[%s]", kind, m.name)
}

// headerPredicate names are canonicalized, so they match case-insensitively.
type headerPredicate struct{ valueMatcher }

func (p headerPredicate) Match(d *Descriptor) bool { return p.match(d.Header[p.name]) }
func (p headerPredicate) String() string           { return p.describe("header") }

type queryPredicate struct{ valueMatcher }

func (p queryPredicate) Match(d *Descriptor) bool { return p.match(d.Query[p.name]) }
func (p queryPredicate) String() string           { return p.describe("query") }

// hostPredicate matches the Host header case-insensitively. Labels are
// globbed like path segments: *.example.com matches one label.
type hostPredicate struct {
	raw     string
	pattern string
}

func (p hostPredicate) Match(d *Descriptor) bool {
	ok, _ := doublestar.Match(p.pattern, hostPath(d.Host))
	return ok
}

func (p hostPredicate) String() string { return "host=" + p.raw }

func hostPath(host string) string {
	return strings.ReplaceAll(strings.ToLower(host), ".", "/")
}

// CompilePredicates compiles a route's predicate list. Each entry must set
// exactly one condition.
func CompilePredicates(cfgs []config.PredicateConfig) ([]Predicate, error) {
	preds := make([]Predicate, 0, len(cfgs))
	for i, c := range cfgs {
		p, err := compilePredicate(c)
		if err != nil {
			return nil, fmt.Errorf("predicates[%d]: %w", i, err)
		}
		preds = append(preds, p)
	}
	return preds, nil
}

func compilePredicate(c config.PredicateConfig) (Predicate, error) {
	set := 0
	for _, ok := range []bool{c.Path != "", len(c.Methods) > 0, c.Header != nil, c.Query != nil, c.Host != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of path, methods, header, query or host must be set")
	}

	switch {
	case c.Path != "":
		if !strings.HasPrefix(c.Path, "/") {
			return nil, fmt.Errorf("path %q must start with /", c.Path)
		}
		if !doublestar.ValidatePattern(c.Path) {
			return nil, fmt.Errorf("invalid path pattern %q", c.Path)
		}
		return pathPredicate{pattern: c.Path}, nil

	case len(c.Methods) > 0:
		methods := make(map[string]bool, len(c.Methods))
		for _, m := range c.Methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m == "" {
				return nil, fmt.Errorf("empty method")
			}
			methods[m] = true
		}
		return methodPredicate{methods: methods}, nil

	case c.Header != nil:
		m, err := compileValueMatcher(c.Header)
		if err != nil {
			return nil, fmt.Errorf("header: %w", err)
		}
		m.name = http.CanonicalHeaderKey(m.name)
		return headerPredicate{m}, nil

	case c.Query != nil:
		m, err := compileValueMatcher(c.Query)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		return queryPredicate{m}, nil

	default:
		pattern := hostPath(c.Host)
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid host pattern %q", c.Host)
		}
		return hostPredicate{raw: c.Host, pattern: pattern}, nil
	}
}

func compileValueMatcher(mc *config.MatchConfig) (valueMatcher, error) {
	if mc.Name == "" {
		return valueMatcher{}, fmt.Errorf("name is required")
	}
	if mc.Value != "" && mc.Regex != "" {
		return valueMatcher{}, fmt.Errorf("value and regex are mutually exclusive")
	}
	m := valueMatcher{name: mc.Name, exact: mc.Value}
	if mc.Regex != "" {
		re, err := regexp.Compile(mc.Regex)
		if err != nil {
			return valueMatcher{}, fmt.Errorf("regex: %w", err)
		}
		m.regex = re
	}
	return m, nil
}
