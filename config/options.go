package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	numericRe     = regexp.MustCompile(`^\d+$`)
	fakeURLEndRe  = regexp.MustCompile(`(/|\.[^./]+)$`)
	quotedRe      = regexp.MustCompile(`^(?:".*"|'.*')$`)
	objectRe      = regexp.MustCompile(`^\{.*\}$`)
	arrayRe       = regexp.MustCompile(`^\[.*\]$`)
	selectorSepRe = regexp.MustCompile(`\s*,\s*`)
)

// Options is the validated, immutable configuration of one extraction run.
type Options struct {
	URL          string
	FakeURL      string
	Width        int64
	Height       int64
	MatchMQ      bool
	Required     []string
	Expose       string
	Prefetch     bool
	Token        string
	CSSID        string
	Strip        []string
	LocalStorage map[string]any
	CSSOnly      bool
	Output       string
	Debug        bool
	// Diagnostics collects request telemetry without appending it to the output.
	Diagnostics bool
	Script      string
	Timeout     time.Duration
	UserAgent   string
}

// BaseURL is the URL request URLs are relativized against.
func (o *Options) BaseURL() string {
	if o.URL != "" {
		return o.URL
	}
	return o.FakeURL
}

// ParseOptions validates cfg for a run against target. An empty target selects synthetic mode.
func ParseOptions(cfg *ExtractConfig, target string) (*Options, error) {
	o := &Options{
		URL:       target,
		MatchMQ:   cfg.MatchMediaQueries,
		Expose:    cfg.ExposeStylesheets,
		Prefetch:  cfg.Prefetch,
		CSSID:     cfg.CSSID,
		CSSOnly:   cfg.CSSOnly,
		Output:    cfg.Output,
		Debug:     cfg.Debug,
		Script:    cfg.Script,
		Timeout:   cfg.Timeout,
		UserAgent: cfg.UserAgent,
	}

	var err error
	if o.Width, err = parseNumber(cfg.Width, "width", 1200); err != nil {
		return nil, err
	}
	if o.Height, err = parseNumber(cfg.Height, "height", 0); err != nil {
		return nil, err
	}

	if cfg.FakeURL != "" {
		o.FakeURL = NormalizeFakeURL(cfg.FakeURL)
	}

	if cfg.RequiredSelectors != "" {
		if o.Required, err = parseRequired(cfg.RequiredSelectors); err != nil {
			return nil, err
		}
	}

	if cfg.StripResources != "" {
		if o.Strip, err = parseStringList(cfg.StripResources, "strip-resources"); err != nil {
			return nil, err
		}
	}

	if cfg.InsertionToken != "" {
		v, err := ParseValue(cfg.InsertionToken)
		if err != nil {
			return nil, fmt.Errorf("invalid '--insertion-token' option: %w", err)
		}
		token, ok := v.(string)
		if !ok || token == "" {
			return nil, fmt.Errorf("expected a string for '--insertion-token' option")
		}
		o.Token = token
	}

	if cfg.LocalStorage != "" {
		v, err := ParseValue(cfg.LocalStorage)
		if err != nil {
			return nil, fmt.Errorf("invalid '--local-storage' option: %w", err)
		}
		data, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected a JSON object for '--local-storage' option")
		}
		o.LocalStorage = data
	}

	return o, nil
}

// ParseValue decodes option values the way the command line accepts them: a value wrapped in quotes
// is a JSON string, a value wrapped in braces or brackets is a JSON object or array. Anything else
// is returned as is.
func ParseValue(value string) (any, error) {
	var v any = value
	if quotedRe.MatchString(value) && len(value) >= 2 {
		var s any
		if err := json.UnmarshalFromString(value, &s); err != nil {
			return nil, err
		}
		v = s
	}
	if s, ok := v.(string); ok && (objectRe.MatchString(s) || arrayRe.MatchString(s)) {
		var decoded any
		if err := json.UnmarshalFromString(s, &decoded); err != nil {
			return nil, err
		}
		v = decoded
	}
	return v, nil
}

// NormalizeFakeURL appends a trailing slash unless the URL already ends with one or with a file extension.
// A URL without a path always gets the slash: its host name is not a file.
func NormalizeFakeURL(u string) string {
	if parsed, err := url.Parse(u); err == nil && parsed.Host != "" && parsed.Path == "" &&
		parsed.RawQuery == "" && parsed.Fragment == "" {
		return u + "/"
	}
	if !fakeURLEndRe.MatchString(u) {
		return u + "/"
	}
	return u
}

// RequiredPattern turns a comma separated selector list into a single alternation of literal patterns.
func RequiredPattern(selectors string) string {
	parts := selectorSepRe.Split(selectors, -1)
	for i, p := range parts {
		parts[i] = "(?:" + escapeSelector(p) + ")"
	}
	return strings.Join(parts, "|")
}

func escapeSelector(s string) string {
	b := strings.Builder{}
	for _, r := range s {
		if strings.ContainsRune(`.*+?=^!:${}()|[]/\`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseRequired(value string) ([]string, error) {
	v, err := ParseValue(value)
	if err != nil {
		return nil, fmt.Errorf("invalid '--required-selectors' option: %w", err)
	}
	if s, ok := v.(string); ok {
		return []string{RequiredPattern(s)}, nil
	}
	return toStrings(v, "required-selectors")
}

func parseStringList(value, name string) ([]string, error) {
	v, err := ParseValue(value)
	if err != nil {
		return nil, fmt.Errorf("invalid '--%s' option: %w", name, err)
	}
	if s, ok := v.(string); ok {
		return []string{s}, nil
	}
	return toStrings(v, name)
}

func toStrings(v any, name string) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a string or an array of strings for '--%s' option", name)
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string or an array of strings for '--%s' option", name)
		}
		out = append(out, s)
	}
	return out, nil
}

func parseNumber(value, name string, def int64) (int64, error) {
	if value == "" {
		return def, nil
	}
	if !numericRe.MatchString(value) {
		return 0, fmt.Errorf("expected numeric value for '--%s' option", name)
	}
	return strconv.ParseInt(value, 10, 64)
}
