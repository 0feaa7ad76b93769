package server

import (
	"strings"
)

// robotPaths are the crawl-hostile paths disallowed by the synthesised
// robots policy, relative to a space root.
var robotPaths = []string{
	"raw/*",
	"html/*",
	"diff/*",
	"history/*",
	"do/changes*",
	"do/all/changes*",
	"do/rss",
	"do/atom",
	"do/all/atom",
	"do/new",
	"do/more/*",
	"do/match",
	"do/search",
}

// robotsBody serves the robots policy for a host. A robots page in the root
// space replaces the whole document; a robots page in a named space replaces
// that space's stanza only. Concatenation may produce several User-agent
// lines; that mirrors the upstream behavior.
func (s *Server) robotsBody(st *state, host string) string {
	if text, _, err := s.store.ReadPage("", "robots"); err == nil {
		return text
	}

	var b strings.Builder
	spaces := append([]string{""}, st.cfg.SpaceNames(host)...)
	for i, space := range spaces {
		if i > 0 {
			b.WriteString("\n")
		}
		if space != "" {
			if text, _, err := s.store.ReadPage(space, "robots"); err == nil {
				b.WriteString(strings.TrimRight(text, "\n") + "\n")
				continue
			}
		}
		b.WriteString("User-agent: *\n")
		prefix := "/"
		if space != "" {
			prefix = "/" + space + "/"
		}
		for _, p := range robotPaths {
			b.WriteString("Disallow: " + prefix + p + "\n")
		}
		b.WriteString("Crawl-delay: 10\n")
	}
	return b.String()
}
