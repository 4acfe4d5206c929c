package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher is tested against a relativized request URL.
type Matcher interface {
	MatchString(string) bool
}

// StripPattern is an ordered list of matchers. The first match wins.
type StripPattern []Matcher

// Compile builds a StripPattern from regular expression sources. Every expression is case-insensitive.
func Compile(sources []string) (StripPattern, error) {
	p := make(StripPattern, 0, len(sources))
	for _, src := range sources {
		re, err := regexp.Compile("(?i)" + src)
		if err != nil {
			return nil, fmt.Errorf("invalid strip pattern %q: %w", src, err)
		}
		p = append(p, re)
	}
	return p, nil
}

// Match reports the index of the first matching pattern, or -1.
func (p StripPattern) Match(url string) int {
	for i, m := range p {
		if m.MatchString(url) {
			return i
		}
	}
	return -1
}

// Reporter receives the filter's observations. *telemetry.Record satisfies it.
type Reporter interface {
	Request(url string)
	Stripped(url string)
}

type Decision int

const (
	Continue Decision = iota
	Abort
)

func (d Decision) String() string {
	return [...]string{"continue", "abort"}[d]
}

// Request is an intercepted network fetch.
type Request struct {
	URL      string
	Relative string
}

// Filter decides whether requests issued while the page loads may reach the network.
type Filter struct {
	base     string
	patterns StripPattern
	reporter Reporter
}

// New creates a filter relative to base. A nil reporter disables diagnostics.
func New(base string, patterns StripPattern, reporter Reporter) *Filter {
	return &Filter{
		base:     base,
		patterns: patterns,
		reporter: reporter,
	}
}

// Relativize strips the page's base URL from url when url starts with it.
func (f *Filter) Relativize(url string) Request {
	rel := url
	if f.base != "" && strings.HasPrefix(url, f.base) {
		rel = url[len(f.base):]
	}
	return Request{URL: url, Relative: rel}
}

func (f *Filter) Decide(url string) (Request, Decision) {
	req := f.Relativize(url)
	if f.reporter != nil {
		f.reporter.Request(req.Relative)
	}
	if f.patterns.Match(req.Relative) >= 0 {
		if f.reporter != nil {
			f.reporter.Stripped(req.Relative)
		}
		return req, Abort
	}
	return req, Continue
}
