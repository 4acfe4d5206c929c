package inliner

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultToken marks the position of the first removed stylesheet link when no token is configured.
const DefaultToken = "<!-- inline CSS insertion token -->"

var ErrTokenNotFound = errors.New("token not found")

var (
	linkRe  = regexp.MustCompile(`[ \t]*<link [^>]*rel=["']?stylesheet["']?[^>]*/>[ \t]*(?:\n|\r\n)?`)
	hrefRe  = regexp.MustCompile(`href="([^"]+)"`)
	mediaRe = regexp.MustCompile(`media="([^"]+)"`)
)

type Options struct {
	// Token is an insertion marker that must already exist in the document. Empty enables auto-insertion
	// at the first stylesheet link.
	Token string
	// ID is set on the inline style element when not empty.
	ID string
	// Expose is the variable the stylesheet list is assigned to. Names without a dot are declared with var.
	Expose string
	// Prefetch emits a prefetch link per original stylesheet.
	Prefetch bool
}

// Stylesheet describes one removed <link rel="stylesheet">.
type Stylesheet struct {
	Href     string
	HasHref  bool
	Media    string
	HasMedia bool
}

// Inline replaces the stylesheet links of html with a single inline style block holding css.
// Empty css leaves the document untouched.
func Inline(html, css string, opts Options) (string, error) {
	if css == "" {
		return html, nil
	}

	token := opts.Token
	auto := token == ""
	if auto {
		token = DefaultToken
	}

	stripped, sheets := removeLinks(html, token, auto)

	index := strings.Index(stripped, token)
	if index == -1 {
		return "", fmt.Errorf("%w:\n%s", ErrTokenNotFound, token)
	}

	return stripped[:index] + replacement(css, sheets, opts) + stripped[index+len(token):], nil
}

// Stylesheets lists the stylesheet links of html in document order.
func Stylesheets(html string) []Stylesheet {
	_, sheets := removeLinks(html, "", false)
	return sheets
}

func removeLinks(html, token string, auto bool) (string, []Stylesheet) {
	var sheets []Stylesheet
	pending := auto
	out := linkRe.ReplaceAllStringFunc(html, func(m string) string {
		sheets = append(sheets, describe(m))
		if !pending {
			return ""
		}
		pending = false
		return leadingWhitespace(m) + token
	})
	return out, sheets
}

func leadingWhitespace(m string) string {
	i := strings.IndexByte(m, '<')
	if i < 0 {
		return ""
	}
	return m[:i]
}

func describe(link string) Stylesheet {
	s := Stylesheet{}
	if m := hrefRe.FindStringSubmatch(link); m != nil {
		s.Href, s.HasHref = m[1], true
	}
	if m := mediaRe.FindStringSubmatch(link); m != nil {
		s.Media, s.HasMedia = m[1], true
	}
	return s
}

func replacement(css string, sheets []Stylesheet, opts Options) string {
	b := strings.Builder{}
	b.WriteString("<style ")
	if opts.ID != "" {
		b.WriteString(`id="` + opts.ID + `" `)
	}
	b.WriteString("media=\"screen\">\n\t\t\t")
	b.WriteString(css)
	b.WriteString("\n\t\t</style>\n")

	if opts.Expose != "" {
		entries := make([]string, 0, len(sheets))
		for _, s := range sheets {
			entries = append(entries, `{href:"`+orNull(s.Href, s.HasHref)+`", media:"`+orNull(s.Media, s.HasMedia)+`"}`)
		}
		b.WriteString("\t\t<script>\n\t\t\t")
		b.WriteString(ExposeTarget(opts.Expose))
		b.WriteString(" = [" + strings.Join(entries, ",") + "];\n\t\t</script>\n")
	}

	if opts.Prefetch {
		for _, s := range sheets {
			b.WriteString("\t\t<link rel=\"prefetch\" href=\"" + orNull(s.Href, s.HasHref) + "\" />\n")
		}
	}
	return b.String()
}

// ExposeTarget returns the assignment target for an exposed stylesheet list.
func ExposeTarget(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return "var " + name
}

// Absent attributes are rendered the way a null value is stringified in the page.
func orNull(v string, ok bool) string {
	if !ok {
		return "null"
	}
	return v
}
