package server

import (
	"context"
	"html"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/phoebewiki/phoebe/internal/config"
	"github.com/phoebewiki/phoebe/internal/gemtext"
)

// connListener feeds sniffed HTTP connections from the TLS dispatcher into
// the shared net/http server.
type connListener struct {
	ch        chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func newConnListener() *connListener {
	return &connListener{
		ch:   make(chan net.Conn),
		done: make(chan struct{}),
	}
}

func (l *connListener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.ch:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *connListener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}

func (l *connListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4zero, Port: 0}
}

// deliver hands a connection to the HTTP server. It reports false when the
// listener is already closed; the caller then still owns the connection.
func (l *connListener) deliver(conn net.Conn) bool {
	select {
	case l.ch <- conn:
		return true
	case <-l.done:
		return false
	}
}

// splicedConn replays the request line consumed during protocol sniffing,
// then continues reading from the buffered connection.
type splicedConn struct {
	net.Conn
	r io.Reader
}

func newSplicedConn(conn net.Conn, consumed string, rest io.Reader) *splicedConn {
	return &splicedConn{
		Conn: conn,
		r:    io.MultiReader(strings.NewReader(consumed), rest),
	}
}

func (c *splicedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// httpView carries the resolved host, port and space through the request
// context into the gin handlers.
type httpViewKey struct{}

// serveHTTP resolves virtual host and space, strips the space prefix from
// the path, and forwards to the engine of the current snapshot.
func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	st := s.state.Load()

	host := r.Host
	port := config.DefaultPort
	if h, p, err := net.SplitHostPort(r.Host); err == nil {
		host = h
		if n, errAtoi := strconv.Atoi(p); errAtoi == nil {
			port = n
		}
	}
	if !st.cfg.IsKnownHost(host) {
		http.Error(w, "unknown host", http.StatusNotFound)
		return
	}

	space := ""
	rawPath := r.URL.EscapedPath()
	trimmed := strings.TrimPrefix(rawPath, "/")
	if first, rest, _ := strings.Cut(trimmed, "/"); first != "" {
		if name, err := url.PathUnescape(first); err == nil && isDeclaredSpace(st.cfg, host, name) {
			space = name
			rawPath = "/" + rest
		}
	}
	// Route on the escaped path; handlers decode each segment exactly once.
	r.URL.Path = rawPath
	r.URL.RawPath = ""

	v := viewContext{st: st, host: host, port: port, space: space}
	ctx := context.WithValue(r.Context(), httpViewKey{}, v)
	st.engine.ServeHTTP(w, r.WithContext(ctx))
}

// isDeclaredSpace reports whether name is an explicitly declared space, as
// opposed to the implicit root space.
func isDeclaredSpace(cfg *config.Config, host, name string) bool {
	for _, s := range cfg.SpaceNames(host) {
		if s == name {
			return true
		}
	}
	return false
}

func viewFrom(c *gin.Context) viewContext {
	v, _ := c.Request.Context().Value(httpViewKey{}).(viewContext)
	return v
}

// buildEngine assembles the read-only HTTP mirror of the Gemini routes.
func (s *Server) buildEngine(st *state) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery())
	engine.HandleMethodNotAllowed = true

	route := func(path string, h gin.HandlerFunc) {
		engine.GET(path, h)
		engine.HEAD(path, h)
	}

	route("/", func(c *gin.Context) {
		v := viewFrom(c)
		s.htmlPage(c, v, "Phoebe", s.menuBody(v))
	})

	route("/page/:name", func(c *gin.Context) { s.httpPage(c, 0) })
	route("/page/:name/:rev", func(c *gin.Context) { s.httpPage(c, -1) })

	route("/raw/:name", func(c *gin.Context) { s.httpRaw(c, 0) })
	route("/raw/:name/:rev", func(c *gin.Context) { s.httpRaw(c, -1) })

	route("/html/:name", func(c *gin.Context) { s.httpHTML(c, 0) })
	route("/html/:name/:rev", func(c *gin.Context) { s.httpHTML(c, -1) })

	route("/history/:name", func(c *gin.Context) {
		v := viewFrom(c)
		name := pathParam(c, "name")
		s.htmlPage(c, v, "History of "+name, s.historyBody(v, name))
	})

	route("/diff/:name/:rev", func(c *gin.Context) {
		v := viewFrom(c)
		name := pathParam(c, "name")
		body, serr := s.diffBody(v, name, parseRev(c.Param("rev")))
		if serr != nil {
			c.String(httpStatus(serr), "%s", serr.meta)
			return
		}
		s.htmlPage(c, v, "Differences for "+name, body)
	})

	route("/file/:name", func(c *gin.Context) {
		v := viewFrom(c)
		data, mime, err := s.store.ReadFile(v.space, pathParam(c, "name"))
		if err != nil {
			c.String(http.StatusNotFound, "file not found")
			return
		}
		c.Data(http.StatusOK, mime, data)
	})

	route("/do/index", func(c *gin.Context) {
		v := viewFrom(c)
		s.htmlPage(c, v, "All pages", s.indexBody(v))
	})
	route("/do/match", func(c *gin.Context) {
		v := viewFrom(c)
		query, _ := url.QueryUnescape(c.Request.URL.RawQuery)
		if query == "" {
			c.String(http.StatusBadRequest, "query expected")
			return
		}
		s.htmlPage(c, v, "Matching pages", s.matchBody(v, query))
	})
	route("/do/search", func(c *gin.Context) {
		v := viewFrom(c)
		query, _ := url.QueryUnescape(c.Request.URL.RawQuery)
		if query == "" {
			c.String(http.StatusBadRequest, "query expected")
			return
		}
		s.htmlPage(c, v, "Search results", s.searchBody(v, query))
	})
	route("/do/changes", func(c *gin.Context) {
		v := viewFrom(c)
		s.htmlPage(c, v, "Recent changes", s.changesBody(v, 1, false))
	})
	route("/do/more/:n", func(c *gin.Context) {
		v := viewFrom(c)
		page := parseRev(c.Param("n"))
		if page < 1 {
			page = 1
		}
		s.htmlPage(c, v, "Recent changes", s.changesBody(v, page, false))
	})
	route("/do/all/changes", func(c *gin.Context) {
		v := viewFrom(c)
		s.htmlPage(c, v, "Recent changes", s.changesBody(v, 1, true))
	})
	route("/do/rss", func(c *gin.Context) { s.httpFeed(c, feedRSS, false) })
	route("/do/atom", func(c *gin.Context) { s.httpFeed(c, feedAtom, false) })
	route("/do/all/rss", func(c *gin.Context) { s.httpFeed(c, feedRSS, true) })
	route("/do/all/atom", func(c *gin.Context) { s.httpFeed(c, feedAtom, true) })

	route("/robots.txt", func(c *gin.Context) {
		v := viewFrom(c)
		c.Data(http.StatusOK, plainMIME, []byte(s.robotsBody(v.st, v.host)))
	})
	route("/default.css", func(c *gin.Context) {
		c.Header("Cache-Control", "public, max-age=86400, immutable")
		c.Data(http.StatusOK, "text/css; charset=UTF-8", []byte(st.css))
	})
	route("/favicon.ico", func(c *gin.Context) {
		if st.favicon == nil {
			c.String(http.StatusNotFound, "no favicon")
			return
		}
		c.Header("Cache-Control", "public, max-age=86400, immutable")
		c.Data(http.StatusOK, st.faviconMIME, st.favicon)
	})

	return engine
}

func pathParam(c *gin.Context, key string) string {
	name, err := url.PathUnescape(c.Param(key))
	if err != nil {
		return c.Param(key)
	}
	return name
}

func (s *Server) httpPage(c *gin.Context, rev int) {
	v := viewFrom(c)
	name := pathParam(c, "name")
	if rev < 0 {
		rev = parseRev(c.Param("rev"))
	}
	text, serr := s.pageText(v.space, name, rev)
	if serr != nil {
		c.String(httpStatus(serr), "%s", serr.meta)
		return
	}
	s.htmlPage(c, v, pageTitle(name, text), s.pageBody(v, name, rev, text))
}

func (s *Server) httpRaw(c *gin.Context, rev int) {
	v := viewFrom(c)
	name := pathParam(c, "name")
	if rev < 0 {
		rev = parseRev(c.Param("rev"))
	}
	text, serr := s.pageText(v.space, name, rev)
	if serr != nil {
		c.String(httpStatus(serr), "%s", serr.meta)
		return
	}
	c.Data(http.StatusOK, plainMIME, []byte(text))
}

func (s *Server) httpHTML(c *gin.Context, rev int) {
	v := viewFrom(c)
	name := pathParam(c, "name")
	if rev < 0 {
		rev = parseRev(c.Param("rev"))
	}
	text, serr := s.pageText(v.space, name, rev)
	if serr != nil {
		c.String(httpStatus(serr), "%s", serr.meta)
		return
	}
	s.htmlPage(c, v, pageTitle(name, text), text)
}

func (s *Server) httpFeed(c *gin.Context, kind feedKind, all bool) {
	v := viewFrom(c)
	feed := s.buildFeed(v, all)
	var out string
	var err error
	mime := rssMIME
	if kind == feedAtom {
		mime = atomMIME
		out, err = feed.ToAtom()
	} else {
		out, err = feed.ToRss()
	}
	if err != nil {
		c.String(http.StatusInternalServerError, "feed rendering failed")
		return
	}
	c.Data(http.StatusOK, mime, []byte(out))
}

// pageTitle derives the HTML document title from the first level-one heading
// of the page, falling back to the page name.
func pageTitle(name, text string) string {
	if t := gemtext.Title(gemtext.Parse(text)); t != "" {
		return t
	}
	return name
}

// htmlPage renders a gemtext body as a full HTML document.
func (s *Server) htmlPage(c *gin.Context, v viewContext, title, body string) {
	c.Data(http.StatusOK, htmlMIME, []byte(s.htmlDocumentTitled(v, title, body)))
}

// htmlDocument renders the raw text of a page as an HTML document.
func (s *Server) htmlDocument(v viewContext, name, text string) string {
	return s.htmlDocumentTitled(v, pageTitle(name, text), text)
}

func (s *Server) htmlDocumentTitled(v viewContext, title, body string) string {
	resolve := func(target string) string {
		if strings.Contains(target, "://") || strings.HasPrefix(target, "/") {
			return target
		}
		return v.path("page/" + target)
	}
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<link rel=\"stylesheet\" href=\"/default.css\">\n")
	b.WriteString("<title>" + html.EscapeString(title) + "</title>\n</head>\n<body>\n")
	b.WriteString(gemtext.RenderHTML(body, resolve))
	b.WriteString("</body>\n</html>\n")
	return b.String()
}

// httpStatus maps a Gemini status error onto the closest HTTP status.
func httpStatus(serr *statusError) int {
	switch serr.status {
	case StatusNotFound:
		return http.StatusNotFound
	case StatusBadRequest:
		return http.StatusBadRequest
	case StatusProxyRequestRefused:
		return http.StatusMisdirectedRequest
	default:
		return http.StatusInternalServerError
	}
}

// defaultCSS is the stylesheet served at /default.css unless an extension
// overrides it.
const defaultCSS = `html { max-width: 70ch; padding: 2ch; margin: auto; }
body { font-family: serif; line-height: 1.5; color: #111; background: #fffff8; }
h1, h2, h3 { font-family: sans-serif; }
a { color: #0366d6; text-decoration: none; }
a:hover { text-decoration: underline; }
pre { background: #f6f8fa; padding: 1ch; overflow-x: auto; }
blockquote { border-left: 0.5ch solid #ccc; margin-left: 0; padding-left: 1.5ch; color: #444; }
`
