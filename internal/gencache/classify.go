package gencache

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// Classifier maps requests to categories. It is a pure function of the
// request: the same request always yields the same category.
type Classifier struct {
	images []pathPrefixMatcher
	exts   map[string]struct{}
}

func NewClassifier(cfg Config) *Classifier {
	return &Classifier{images: cfg.imageMatchers, exts: cfg.imageExts}
}

// Classify checks, in order: navigation or HTML accept, image under the images
// namespace, stylesheet or script destination, everything else.
func (c *Classifier) Classify(r *http.Request) Category {
	if isNavigation(r) || acceptsHTML(r.Header) {
		return CategoryNavigation
	}
	if c.isImage(r.URL.Path) {
		return CategoryImage
	}
	switch destination(r) {
	case "style", "script":
		return CategoryStyleScript
	}
	return CategoryOther
}

func (c *Classifier) isImage(p string) bool {
	inNamespace := false
	for _, m := range c.images {
		if m.Match(p) {
			inNamespace = true
			break
		}
	}
	if !inNamespace {
		return false
	}
	_, ok := c.exts[extension(p)]
	return ok
}

func isNavigation(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Sec-Fetch-Mode"), "navigate") ||
		strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "document")
}

func acceptsHTML(h http.Header) bool {
	for _, v := range h.Values("Accept") {
		for _, part := range strings.Split(v, ",") {
			mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			switch mt {
			case "text/html", "application/xhtml+xml":
				return true
			}
		}
	}
	return false
}

// destination is the Fetch destination of the request. Clients that do not
// send Sec-Fetch-Dest get one inferred from the file extension.
func destination(r *http.Request) string {
	if d := strings.ToLower(strings.TrimSpace(r.Header.Get("Sec-Fetch-Dest"))); d != "" {
		return d
	}
	switch extension(r.URL.Path) {
	case "css":
		return "style"
	case "js", "mjs":
		return "script"
	}
	return ""
}

func extension(p string) string {
	return strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
}
