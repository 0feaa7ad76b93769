// Package extension defines the narrow ABI for built-in server extensions.
// Extensions are compiled into the binary and registered by name; the
// configuration lists which ones are enabled and in what order. An enabled
// extension may intercept requests before built-in routing, contribute main
// menu entries, and append page footers.
package extension

import (
	"net/url"
	"sort"
	"sync"

	"github.com/phoebewiki/phoebe/internal/config"
)

// Request describes an incoming request as seen by extensions, after host
// and space resolution but before built-in routing.
type Request struct {
	// Scheme is "gemini", "titan" or "http".
	Scheme string

	// URL is the parsed request URL.
	URL *url.URL

	// Host is the resolved virtual host.
	Host string

	// Space is the resolved wiki space; empty for the root space.
	Space string

	// Path is the in-space path remainder, percent-decoded.
	Path string
}

// ResponseWriter writes a Gemini response on behalf of an extension.
type ResponseWriter interface {
	WriteHeader(status int, meta string) error
	Write(p []byte) (int, error)
}

// MenuItem is one entry contributed to the main menu.
type MenuItem struct {
	Label string
	URL   string
}

// Initializer runs once at startup and on every reload, before the
// configuration value is sealed.
type Initializer interface {
	Init(cfg *config.Config) error
}

// RequestHandler is offered each request before built-in routing. Returning
// true claims the request; the first claimant wins.
type RequestHandler interface {
	HandleRequest(w ResponseWriter, r *Request) bool
}

// MenuContributor adds entries to the main menu of a space.
type MenuContributor interface {
	MenuItems(space string) []MenuItem
}

// FooterContributor appends a gemtext fragment to page footers.
type FooterContributor interface {
	Footer(space, page string) string
}

// CSSProvider overrides the stylesheet served at /default.css.
type CSSProvider interface {
	CSS() string
}

// FaviconProvider supplies the favicon served over HTTP, which is otherwise
// answered with 404.
type FaviconProvider interface {
	Favicon() (data []byte, mime string)
}

var (
	registryMu sync.Mutex
	registry   = map[string]any{}
)

// Register adds a named extension to the compile-time registry. It is meant
// to be called from init functions and panics on duplicates.
func Register(name string, ext any) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("extension: duplicate registration of " + name)
	}
	registry[name] = ext
}

// Enabled resolves the configured extension names against the registry,
// preserving the configured order. Unknown names are skipped.
func Enabled(names []string) []any {
	registryMu.Lock()
	defer registryMu.Unlock()
	var out []any
	for _, name := range names {
		if ext, ok := registry[name]; ok {
			out = append(out, ext)
		}
	}
	return out
}

// Names lists the registered extension names, sorted.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
