package network

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/shehryarbajwa/pagepulse/internal/config"
)

// RequestInfo is what the interest filter sees of a request
type RequestInfo struct {
	URL          string `expr:"url"`
	Method       string `expr:"method"`
	ResourceType string `expr:"type"`
}

// Matcher decides whether a request passes the URL filter
type Matcher func(RequestInfo) bool

// Contains matches a URL substring
func Contains(substr string) Matcher {
	return func(r RequestInfo) bool {
		return strings.Contains(r.URL, substr)
	}
}

// Pattern matches a regular expression against the URL
func Pattern(re *regexp.Regexp) Matcher {
	return func(r RequestInfo) bool {
		return re.MatchString(r.URL)
	}
}

// Expression compiles a boolean expr-lang program over url, method and type
func Expression(src string) (Matcher, error) {
	program, err := expr.Compile(src, expr.Env(RequestInfo{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("invalid url filter expression %q: %w", src, err)
	}
	return func(r RequestInfo) bool {
		return runBool(program, r)
	}, nil
}

func runBool(program *vm.Program, r RequestInfo) bool {
	out, err := expr.Run(program, r)
	if err != nil {
		return false
	}
	b, _ := out.(bool)
	return b
}

// Filter classifies requests as "of interest"
type Filter struct {
	types    map[string]bool
	excluded []string

	mu       sync.RWMutex
	matchers []Matcher
}

// NewFilter builds a filter from configuration
func NewFilter(cfg config.NetworkConfig) (*Filter, error) {
	f := &Filter{types: make(map[string]bool)}

	for _, t := range cfg.ResourceTypeFilter {
		f.types[strings.ToLower(t)] = true
	}
	for _, ext := range cfg.ExcludeExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		f.excluded = append(f.excluded, ext)
	}

	for _, rule := range cfg.URLFilter {
		switch {
		case rule.Contains != "":
			f.matchers = append(f.matchers, Contains(rule.Contains))
		case rule.Pattern != "":
			re, err := regexp.Compile(rule.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid url filter pattern %q: %w", rule.Pattern, err)
			}
			f.matchers = append(f.matchers, Pattern(re))
		case rule.Expr != "":
			m, err := Expression(rule.Expr)
			if err != nil {
				return nil, err
			}
			f.matchers = append(f.matchers, m)
		}
	}

	return f, nil
}

// AddMatcher appends a programmatic predicate to the URL filter. It is safe
// to call while the recorder is running; requests already started keep the
// verdict they got.
func (f *Filter) AddMatcher(m Matcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.matchers = append(f.matchers, m)
}

// Interesting applies the type allow-list, the extension deny-list and the URL filter
func (f *Filter) Interesting(r RequestInfo) bool {
	if len(f.types) > 0 && !f.types[strings.ToLower(r.ResourceType)] {
		return false
	}
	if f.excludedExtension(r.URL) {
		return false
	}
	return f.matchURL(r)
}

// matchURL returns true on the first matching rule; with no rules everything passes
func (f *Filter) matchURL(r RequestInfo) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.matchers) == 0 {
		return true
	}
	for _, m := range f.matchers {
		if m(r) {
			return true
		}
	}
	return false
}

func (f *Filter) excludedExtension(raw string) bool {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range f.excluded {
		if e == ext {
			return true
		}
	}
	return false
}
