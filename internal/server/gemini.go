package server

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/phoebewiki/phoebe/internal/gemtext"
	"github.com/phoebewiki/phoebe/internal/wiki"
)

const (
	plainMIME = "text/plain; charset=UTF-8"
	htmlMIME  = "text/html; charset=UTF-8"

	changesPerPage = 30
	blogStripSize  = 10
	maxSearchHits  = 100
)

// datedPageRe matches ISO-dated page names used for the blog strip.
var datedPageRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)

// viewContext carries what the view builders need to construct in-space
// links and canonical URLs.
type viewContext struct {
	st    *state
	host  string
	port  int
	space string
}

func (v viewContext) path(rest string) string {
	if v.space == "" {
		return "/" + rest
	}
	return "/" + url.PathEscape(v.space) + "/" + rest
}

func (v viewContext) base() string {
	return "gemini://" + v.host + ":" + strconv.Itoa(v.port)
}

func (s *Server) serveGemini(w *geminiWriter, line, remoteAddr, fingerprint string) {
	st := s.state.Load()
	req, serr := resolveRequest(st.cfg, "gemini", line)
	if serr != nil {
		log.Warnf("gemini request rejected: %s (%q)", serr.meta, line)
		_ = w.WriteHeader(serr.status, serr.meta)
		return
	}
	req.remoteAddr = remoteAddr
	req.fingerprint = fingerprint

	if s.offerExtensions(st, w, req) {
		return
	}
	s.routeGemini(st, w, req)
}

func (s *Server) routeGemini(st *state, w *geminiWriter, req *request) {
	v := viewContext{st: st, host: req.host, port: req.port, space: req.space}
	seg := req.segments
	query := req.u.RawQuery
	log.Tracef("gemini route: host=%s space=%q segments=%v query=%q", req.host, req.space, seg, query)

	switch {
	case len(seg) == 0:
		s.writeGemtext(w, s.menuBody(v))
	case seg[0] == "page" && len(seg) == 2:
		s.geminiPage(w, v, seg[1], 0)
	case seg[0] == "page" && len(seg) == 3:
		s.geminiPage(w, v, seg[1], parseRev(seg[2]))
	case seg[0] == "raw" && (len(seg) == 2 || len(seg) == 3):
		text, serr := s.pageText(v.space, seg[1], revOf(seg))
		if serr != nil {
			_ = w.WriteHeader(serr.status, serr.meta)
			return
		}
		_ = w.WriteHeader(StatusSuccess, plainMIME)
		_, _ = io.WriteString(w, text)
	case seg[0] == "html" && (len(seg) == 2 || len(seg) == 3):
		text, serr := s.pageText(v.space, seg[1], revOf(seg))
		if serr != nil {
			_ = w.WriteHeader(serr.status, serr.meta)
			return
		}
		_ = w.WriteHeader(StatusSuccess, htmlMIME)
		_, _ = io.WriteString(w, s.htmlDocument(v, seg[1], text))
	case seg[0] == "history" && len(seg) == 2:
		s.writeGemtext(w, s.historyBody(v, seg[1]))
	case seg[0] == "diff" && len(seg) == 3:
		body, serr := s.diffBody(v, seg[1], parseRev(seg[2]))
		if serr != nil {
			_ = w.WriteHeader(serr.status, serr.meta)
			return
		}
		s.writeGemtext(w, body)
	case seg[0] == "file" && len(seg) == 2:
		data, mime, err := s.store.ReadFile(v.space, seg[1])
		if err != nil {
			_ = w.WriteHeader(StatusNotFound, "file not found")
			return
		}
		_ = w.WriteHeader(StatusSuccess, mime)
		_, _ = w.Write(data)
	case seg[0] == "robots.txt" && len(seg) == 1 && req.space == "":
		_ = w.WriteHeader(StatusSuccess, plainMIME)
		_, _ = io.WriteString(w, s.robotsBody(st, req.host))
	case seg[0] == "do":
		s.routeDo(st, w, v, seg[1:], query)
	default:
		_ = w.WriteHeader(StatusNotFound, "path not found")
	}
}

func (s *Server) routeDo(st *state, w *geminiWriter, v viewContext, seg []string, rawQuery string) {
	query, _ := url.QueryUnescape(rawQuery)

	switch {
	case len(seg) == 1 && seg[0] == "index":
		s.writeGemtext(w, s.indexBody(v))
	case len(seg) == 1 && seg[0] == "match":
		if query == "" {
			_ = w.WriteHeader(StatusInput, "Search page titles for:")
			return
		}
		s.writeGemtext(w, s.matchBody(v, query))
	case len(seg) == 1 && seg[0] == "search":
		if query == "" {
			_ = w.WriteHeader(StatusInput, "Search page text for:")
			return
		}
		s.writeGemtext(w, s.searchBody(v, query))
	case len(seg) == 1 && seg[0] == "changes":
		s.writeGemtext(w, s.changesBody(v, 1, false))
	case len(seg) == 2 && seg[0] == "more":
		page := parseRev(seg[1])
		if page < 1 {
			page = 1
		}
		s.writeGemtext(w, s.changesBody(v, page, false))
	case len(seg) == 2 && seg[0] == "all" && seg[1] == "changes":
		s.writeGemtext(w, s.changesBody(v, 1, true))
	case len(seg) == 1 && seg[0] == "rss":
		s.serveFeed(w, v, feedRSS, false)
	case len(seg) == 1 && seg[0] == "atom":
		s.serveFeed(w, v, feedAtom, false)
	case len(seg) == 2 && seg[0] == "all" && seg[1] == "atom":
		s.serveFeed(w, v, feedAtom, true)
	case len(seg) == 2 && seg[0] == "all" && seg[1] == "rss":
		s.serveFeed(w, v, feedRSS, true)
	case len(seg) == 1 && seg[0] == "new":
		if query == "" {
			_ = w.WriteHeader(StatusInput, "Name of the new page:")
			return
		}
		_ = w.WriteHeader(StatusRedirect, v.base()+v.path("raw/"+url.PathEscape(query)))
	default:
		_ = w.WriteHeader(StatusNotFound, "path not found")
	}
}

func (s *Server) geminiPage(w *geminiWriter, v viewContext, name string, rev int) {
	text, serr := s.pageText(v.space, name, rev)
	if serr != nil {
		_ = w.WriteHeader(serr.status, serr.meta)
		return
	}
	s.writeGemtext(w, s.pageBody(v, name, rev, text))
}

// pageText loads a page, current or historical. rev 0 means current.
func (s *Server) pageText(space, name string, rev int) (string, *statusError) {
	if rev < 0 {
		return "", failf(StatusBadRequest, "invalid revision")
	}
	if rev == 0 {
		text, _, err := s.store.ReadPage(space, name)
		if errors.Is(err, wiki.ErrNotFound) {
			return "", failf(StatusNotFound, "page not found")
		}
		if err != nil {
			return "", failf(StatusTemporaryFailure, "store error")
		}
		return text, nil
	}
	text, err := s.store.ReadPageRevision(space, name, rev)
	if errors.Is(err, wiki.ErrNotFound) {
		return "", failf(StatusNotFound, "revision not found")
	}
	if err != nil {
		return "", failf(StatusTemporaryFailure, "store error")
	}
	return text, nil
}

func revOf(seg []string) int {
	if len(seg) == 3 {
		return parseRev(seg[2])
	}
	return 0
}

func parseRev(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}

func (s *Server) writeGemtext(w *geminiWriter, body string) {
	if err := w.WriteHeader(StatusSuccess, gemtext.MIMEType); err != nil {
		return
	}
	_, _ = io.WriteString(w, body)
}

// menuBody renders the main menu: greeting, optional transcluded main page,
// configured extra pages, the blog strip of ISO-dated pages, extension
// entries, and the standard links.
func (s *Server) menuBody(v viewContext) string {
	var b strings.Builder
	b.WriteString("Welcome to Phoebe!\n\n")

	if main := v.st.cfg.MainPage; main != "" {
		if text, _, err := s.store.ReadPage(v.space, main); err == nil {
			b.WriteString(text)
			if !strings.HasSuffix(text, "\n") {
				b.WriteString("\n")
			}
			b.WriteString("\n")
		}
	}

	for _, page := range v.st.cfg.ExtraPages {
		fmt.Fprintf(&b, "=> %s %s\n", v.path("page/"+url.PathEscape(page)), page)
	}

	if blog := s.blogStrip(v.space); len(blog) > 0 {
		b.WriteString("\n## Blog\n")
		for _, page := range blog {
			fmt.Fprintf(&b, "=> %s %s\n", v.path("page/"+url.PathEscape(page)), page)
		}
	}

	for _, m := range v.st.menus {
		for _, item := range m.MenuItems(v.space) {
			fmt.Fprintf(&b, "=> %s %s\n", item.URL, item.Label)
		}
	}

	b.WriteString("\n")
	fmt.Fprintf(&b, "=> %s All pages\n", v.path("do/index"))
	fmt.Fprintf(&b, "=> %s Recent changes\n", v.path("do/changes"))
	fmt.Fprintf(&b, "=> %s RSS\n", v.path("do/rss"))
	fmt.Fprintf(&b, "=> %s Atom\n", v.path("do/atom"))
	return b.String()
}

// blogStrip returns up to blogStripSize ISO-dated page names, newest first.
func (s *Server) blogStrip(space string) []string {
	names, err := s.store.ListPages(space)
	if err != nil {
		return nil
	}
	var dated []string
	for _, name := range names {
		if datedPageRe.MatchString(name) {
			dated = append(dated, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dated)))
	if len(dated) > blogStripSize {
		dated = dated[:blogStripSize]
	}
	return dated
}

// pageBody renders a page with its footer. Historical revisions omit the
// edit-oriented affordances and link back to the current page instead.
func (s *Server) pageBody(v viewContext, name string, rev int, text string) string {
	var b strings.Builder
	b.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		b.WriteString("\n")
	}
	esc := url.PathEscape(name)
	b.WriteString("\n\n")
	if rev == 0 {
		fmt.Fprintf(&b, "=> %s History\n", v.path("history/"+esc))
		fmt.Fprintf(&b, "=> %s Raw text\n", v.path("raw/"+esc))
		fmt.Fprintf(&b, "=> %s HTML\n", v.path("html/"+esc))
		for _, f := range v.st.footers {
			if footer := f.Footer(v.space, name); footer != "" {
				b.WriteString(footer)
				if !strings.HasSuffix(footer, "\n") {
					b.WriteString("\n")
				}
			}
		}
	} else {
		fmt.Fprintf(&b, "=> %s Current revision\n", v.path("page/"+esc))
		fmt.Fprintf(&b, "=> %s History\n", v.path("history/"+esc))
		fmt.Fprintf(&b, "=> %s Raw text\n", v.path("raw/"+esc+"/"+strconv.Itoa(rev)))
	}
	return b.String()
}

// historyBody lists the revisions of a page, newest first, from the change
// log.
func (s *Server) historyBody(v viewContext, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Page history for %s\n", name)
	esc := url.PathEscape(name)

	entries, err := s.store.Changes(v.space, 0, -1)
	if err != nil {
		return b.String()
	}
	first := true
	for _, c := range entries {
		if c.Name != name || c.Revision == 0 {
			continue
		}
		when := c.Time.Format("2006-01-02 15:04 MST")
		if first {
			fmt.Fprintf(&b, "=> %s Revision %d (%s) by %s\n", v.path("page/"+esc), c.Revision, when, c.Code)
			first = false
		} else {
			fmt.Fprintf(&b, "=> %s Revision %d (%s) by %s\n",
				v.path("page/"+esc+"/"+strconv.Itoa(c.Revision)), c.Revision, when, c.Code)
		}
		if c.Revision > 1 {
			fmt.Fprintf(&b, "=> %s Differences\n", v.path("diff/"+esc+"/"+strconv.Itoa(c.Revision)))
		}
	}
	return b.String()
}

// diffBody renders the unified-style diff between rev-1 and rev.
func (s *Server) diffBody(v viewContext, name string, rev int) (string, *statusError) {
	if rev < 1 {
		return "", failf(StatusBadRequest, "invalid revision")
	}
	newText, serr := s.pageText(v.space, name, rev)
	if serr != nil {
		return "", serr
	}
	oldText := ""
	if rev > 1 {
		if oldText, serr = s.pageText(v.space, name, rev-1); serr != nil {
			return "", serr
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Differences for %s\n", name)
	fmt.Fprintf(&b, "Changes between revision %d and %d:\n\n", rev-1, rev)
	diff := wiki.Diff(oldText, newText)
	if diff == "" {
		b.WriteString("The two revisions are identical.\n")
		return b.String(), nil
	}
	b.WriteString("```\n")
	b.WriteString(diff)
	b.WriteString("```\n")
	return b.String(), nil
}

func (s *Server) indexBody(v viewContext) string {
	var b strings.Builder
	b.WriteString("# All pages\n")
	names, err := s.store.ListPages(v.space)
	if err != nil {
		log.Warnf("failed to list pages: %v", err)
		return b.String()
	}
	for _, name := range names {
		fmt.Fprintf(&b, "=> %s %s\n", v.path("page/"+url.PathEscape(name)), name)
	}
	return b.String()
}

// matchBody filters page names by a case-insensitive substring.
func (s *Server) matchBody(v viewContext, query string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Pages matching %s\n", query)
	names, _ := s.store.ListPages(v.space)
	hits := 0
	needle := strings.ToLower(query)
	for _, name := range names {
		if !strings.Contains(strings.ToLower(name), needle) {
			continue
		}
		hits++
		if hits > maxSearchHits {
			b.WriteString("\nThe list was truncated after 100 matches.\n")
			break
		}
		fmt.Fprintf(&b, "=> %s %s\n", v.path("page/"+url.PathEscape(name)), name)
	}
	return b.String()
}

// searchBody filters pages whose text contains the query, case-insensitive.
func (s *Server) searchBody(v viewContext, query string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Search results for %s\n", query)
	names, _ := s.store.ListPages(v.space)
	hits := 0
	needle := strings.ToLower(query)
	for _, name := range names {
		text, _, err := s.store.ReadPage(v.space, name)
		if err != nil {
			continue
		}
		if !strings.Contains(strings.ToLower(text), needle) &&
			!strings.Contains(strings.ToLower(name), needle) {
			continue
		}
		hits++
		if hits > maxSearchHits {
			b.WriteString("\nThe list was truncated after 100 matches.\n")
			break
		}
		fmt.Fprintf(&b, "=> %s %s\n", v.path("page/"+url.PathEscape(name)), name)
	}
	return b.String()
}

// changesBody renders one page of the change log, newest first. With all
// set, the logs of every space of the host are merged.
func (s *Server) changesBody(v viewContext, page int, all bool) string {
	var b strings.Builder
	b.WriteString("# Recent changes\n")

	type spaceChange struct {
		space string
		wiki.Change
	}
	var entries []spaceChange
	if all {
		spaces := append([]string{""}, v.st.cfg.SpaceNames(v.host)...)
		for _, space := range spaces {
			cs, _ := s.store.Changes(space, 0, -1)
			for _, c := range cs {
				entries = append(entries, spaceChange{space: space, Change: c})
			}
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Time.After(entries[j].Time)
		})
	} else {
		cs, _ := s.store.Changes(v.space, 0, -1)
		for _, c := range cs {
			entries = append(entries, spaceChange{space: v.space, Change: c})
		}
	}

	offset := (page - 1) * changesPerPage
	if offset >= len(entries) {
		b.WriteString("No more changes.\n")
		return b.String()
	}
	window := entries[offset:]
	more := len(window) > changesPerPage
	if more {
		window = window[:changesPerPage]
	}

	lastDay := ""
	for _, c := range window {
		day := c.Time.Format("2006-01-02")
		if day != lastDay {
			fmt.Fprintf(&b, "## %s\n", day)
			lastDay = day
		}
		sv := viewContext{st: v.st, host: v.host, port: v.port, space: c.space}
		esc := url.PathEscape(c.Name)
		when := c.Time.Format("15:04 MST")
		if c.Revision == 0 {
			fmt.Fprintf(&b, "=> %s %s %s (file) by %s\n", sv.path("file/"+esc), when, c.Name, c.Code)
		} else {
			fmt.Fprintf(&b, "=> %s %s %s (revision %d) by %s\n", sv.path("page/"+esc), when, c.Name, c.Revision, c.Code)
		}
	}
	if more && !all {
		fmt.Fprintf(&b, "\n=> %s More changes\n", v.path("do/more/"+strconv.Itoa(page+1)))
	}
	return b.String()
}
