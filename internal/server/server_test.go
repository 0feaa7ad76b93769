package server

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phoebewiki/phoebe/internal/config"
	"github.com/phoebewiki/phoebe/internal/wiki"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := &config.Config{
		Hosts:   []config.Host{{Name: "localhost"}},
		DataDir: t.TempDir(),
		Spaces:  []config.Space{{Name: "team"}},
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Finalize())

	store, err := wiki.NewStore(cfg.DataDir)
	require.NoError(t, err)
	srv, err := New(store, cfg)
	require.NoError(t, err)
	return srv
}

func gemini(s *Server, rawURL string) string {
	var b strings.Builder
	s.serveGemini(newGeminiWriter(&b), rawURL, "192.0.2.1:40000", "")
	return b.String()
}

func titan(s *Server, rawURL, body string) string {
	var b strings.Builder
	s.serveTitan(newGeminiWriter(&b), bufio.NewReader(strings.NewReader(body)),
		rawURL, "192.0.2.1:40000", "")
	return b.String()
}

func TestGeminiMenu(t *testing.T) {
	s := newTestServer(t, nil)
	out := gemini(s, "gemini://localhost/")
	assert.True(t, strings.HasPrefix(out, "20 text/gemini; charset=UTF-8\r\n"))
	assert.Contains(t, out, "Welcome to Phoebe!")
	assert.Contains(t, out, "=> /do/index All pages")
	assert.Contains(t, out, "=> /do/changes Recent changes")
}

func TestGeminiPageLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	out := gemini(s, "gemini://localhost/page/Alex")
	assert.True(t, strings.HasPrefix(out, "51 "), out)

	resp := titan(s, "titan://localhost/page/Alex;token=hello;size=6", "first\n")
	assert.True(t, strings.HasPrefix(resp, "30 gemini://localhost:1965/page/Alex\r\n"), resp)

	out = gemini(s, "gemini://localhost/page/Alex")
	assert.Contains(t, out, "first\n")
	assert.Contains(t, out, "=> /history/Alex History")
	assert.Contains(t, out, "=> /raw/Alex Raw text")

	out = gemini(s, "gemini://localhost/raw/Alex")
	assert.True(t, strings.HasPrefix(out, "20 text/plain; charset=UTF-8\r\nfirst\n"), out)

	// Second write, then the old revision stays reachable.
	_ = titan(s, "titan://localhost/page/Alex;token=hello;size=7", "second\n")
	out = gemini(s, "gemini://localhost/page/Alex/1")
	assert.Contains(t, out, "first\n")
	assert.Contains(t, out, "Current revision")

	out = gemini(s, "gemini://localhost/diff/Alex/2")
	assert.Contains(t, out, "< first")
	assert.Contains(t, out, "> second")

	out = gemini(s, "gemini://localhost/history/Alex")
	assert.Contains(t, out, "Revision 2")
	assert.Contains(t, out, "Revision 1")
}

func TestGeminiUnknownHostAndPath(t *testing.T) {
	s := newTestServer(t, nil)
	assert.True(t, strings.HasPrefix(gemini(s, "gemini://evil.example/"), "53 "))
	assert.True(t, strings.HasPrefix(gemini(s, "gemini://localhost/nonsense/path/here"), "51 "))
}

func TestGeminiDoNewPrompt(t *testing.T) {
	s := newTestServer(t, nil)
	assert.True(t, strings.HasPrefix(gemini(s, "gemini://localhost/do/new"), "10 "))

	out := gemini(s, "gemini://localhost/do/new?New%20Page")
	assert.True(t, strings.HasPrefix(out, "30 gemini://localhost:1965/raw/New%20Page\r\n"), out)
}

func TestGeminiSearchAndMatch(t *testing.T) {
	s := newTestServer(t, nil)
	_ = titan(s, "titan://localhost/page/Haiku;token=hello;size=14", "old pond\nfrog\n")

	assert.True(t, strings.HasPrefix(gemini(s, "gemini://localhost/do/match"), "10 "))
	out := gemini(s, "gemini://localhost/do/match?hai")
	assert.Contains(t, out, "=> /page/Haiku Haiku")

	out = gemini(s, "gemini://localhost/do/search?frog")
	assert.Contains(t, out, "=> /page/Haiku Haiku")

	out = gemini(s, "gemini://localhost/do/search?heron")
	assert.NotContains(t, out, "Haiku")
}

func TestGeminiRobotsOnlyAtRoot(t *testing.T) {
	s := newTestServer(t, nil)
	out := gemini(s, "gemini://localhost/robots.txt")
	assert.True(t, strings.HasPrefix(out, "20 text/plain; charset=UTF-8\r\n"), out)
	assert.Contains(t, out, "User-agent: *")
	assert.Contains(t, out, "Disallow: /raw/*")
	assert.Contains(t, out, "Disallow: /team/raw/*")
	assert.Contains(t, out, "Crawl-delay: 10")
}

func TestRobotsSpaceOverride(t *testing.T) {
	s := newTestServer(t, nil)
	_ = titan(s, "titan://localhost/team/page/robots;token=hello;size=17", "Disallow: /team/\n")

	out := gemini(s, "gemini://localhost/robots.txt")
	assert.Contains(t, out, "Disallow: /team/\n")
	assert.NotContains(t, out, "Disallow: /team/raw/*")
	// The root stanza is still synthesised.
	assert.Contains(t, out, "Disallow: /raw/*")

	// A robots page in the root space replaces the whole document.
	_ = titan(s, "titan://localhost/page/robots;token=hello;size=26", "User-agent: *\nDisallow: /\n")
	out = gemini(s, "gemini://localhost/robots.txt")
	assert.Contains(t, out, "User-agent: *\nDisallow: /\n")
	assert.NotContains(t, out, "Crawl-delay")
}

func TestGeminiSpaceRouting(t *testing.T) {
	s := newTestServer(t, nil)
	resp := titan(s, "titan://localhost/team/page/Notes;token=hello;size=5", "team\n")
	assert.True(t, strings.HasPrefix(resp, "30 gemini://localhost:1965/team/page/Notes\r\n"), resp)

	out := gemini(s, "gemini://localhost/team/page/Notes")
	assert.Contains(t, out, "team\n")
	assert.Contains(t, out, "=> /team/history/Notes History")

	// The root space does not see it.
	assert.True(t, strings.HasPrefix(gemini(s, "gemini://localhost/page/Notes"), "51 "))
}

func TestTitanRejections(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.PageSizeLimit = 10
		cfg.MIMETypes = []string{"image"}
	})

	resp := titan(s, "titan://localhost/page/Alex;token=wrong;size=2", "hi")
	assert.True(t, strings.HasPrefix(resp, "59 Your token is the wrong token"), resp)

	resp = titan(s, "titan://localhost/page/Alex;token=hello;size=11", strings.Repeat("a", 11))
	assert.True(t, strings.HasPrefix(resp, "59 This wiki does not allow more than 10 bytes"), resp)

	resp = titan(s, "titan://localhost/page/Alex;token=hello;size=2;mime=text%2Fhtml", "hi")
	assert.True(t, strings.HasPrefix(resp, "59 This wiki does not allow text/html"), resp)

	// Declared size larger than the delivered body.
	resp = titan(s, "titan://localhost/page/Alex;token=hello;size=9", "short")
	assert.True(t, strings.HasPrefix(resp, "59 short read"), resp)

	resp = titan(s, "titan://localhost/history/Alex;token=hello;size=2", "hi")
	assert.True(t, strings.HasPrefix(resp, "59 "), resp)
}

func TestTitanRequiresSize(t *testing.T) {
	s := newTestServer(t, nil)
	_ = titan(s, "titan://localhost/page/Alex;token=hello;size=3", "hi\n")

	// A request without a size must not be treated as a zero-byte upload,
	// which would delete the page.
	resp := titan(s, "titan://localhost/page/Alex;token=hello", "")
	assert.True(t, strings.HasPrefix(resp, "59 missing size parameter"), resp)

	resp = titan(s, "titan://localhost/page/Alex", "")
	assert.True(t, strings.HasPrefix(resp, "59 missing size parameter"), resp)

	out := gemini(s, "gemini://localhost/page/Alex")
	assert.Contains(t, out, "hi\n")
}

func TestTitanFileUpload(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.MIMETypes = []string{"image"}
	})

	resp := titan(s, "titan://localhost/file/logo.png;token=hello;size=4;mime=image%2Fpng", "\x89PNG")
	assert.True(t, strings.HasPrefix(resp, "30 gemini://localhost:1965/file/logo.png\r\n"), resp)

	out := gemini(s, "gemini://localhost/file/logo.png")
	assert.True(t, strings.HasPrefix(out, "20 image/png\r\n"), out)

	// Without an allow-list entry the type is refused.
	resp = titan(s, "titan://localhost/file/doc.pdf;token=hello;size=1;mime=application%2Fpdf", "x")
	assert.True(t, strings.HasPrefix(resp, "59 This wiki does not allow application/pdf"), resp)
}

func TestTitanDeleteTombstone(t *testing.T) {
	s := newTestServer(t, nil)
	_ = titan(s, "titan://localhost/page/Gone;token=hello;size=4", "hi\n\n")

	resp := titan(s, "titan://localhost/page/Gone;token=hello;size=0", "")
	assert.True(t, strings.HasPrefix(resp, "30 "), resp)

	assert.True(t, strings.HasPrefix(gemini(s, "gemini://localhost/page/Gone"), "51 "))
	out := gemini(s, "gemini://localhost/page/Gone/1")
	assert.Contains(t, out, "hi\n")
}

func TestGeminiFeeds(t *testing.T) {
	s := newTestServer(t, nil)
	_ = titan(s, "titan://localhost/page/Alex;token=hello;size=3", "hi\n")

	out := gemini(s, "gemini://localhost/do/rss")
	assert.True(t, strings.HasPrefix(out, "20 application/rss+xml\r\n"), out)
	assert.Contains(t, out, "Alex (revision 1)")
	assert.Contains(t, out, "tag:localhost,")

	out = gemini(s, "gemini://localhost/do/atom")
	assert.True(t, strings.HasPrefix(out, "20 application/atom+xml\r\n"), out)
}

func httpGet(s *Server, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.serveHTTP(rec, req)
	return rec
}

func TestHTTPMirror(t *testing.T) {
	s := newTestServer(t, nil)
	_ = titan(s, "titan://localhost/page/Alex;token=hello;size=10", "# Alex\nhi\n")

	rec := httpGet(s, http.MethodGet, "http://localhost/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "Welcome to Phoebe!")

	rec = httpGet(s, http.MethodGet, "http://localhost/page/Alex")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<h1>Alex</h1>")
	assert.Contains(t, rec.Body.String(), `href="/default.css"`)

	// The first level-one heading becomes the document title; a page
	// without one falls back to its name.
	_ = titan(s, "titan://localhost/page/2026-08;token=hello;size=17", "# August notes\nx\n")
	rec = httpGet(s, http.MethodGet, "http://localhost/page/2026-08")
	assert.Contains(t, rec.Body.String(), "<title>August notes</title>")

	_ = titan(s, "titan://localhost/page/Plain;token=hello;size=3", "hi\n")
	rec = httpGet(s, http.MethodGet, "http://localhost/page/Plain")
	assert.Contains(t, rec.Body.String(), "<title>Plain</title>")

	rec = httpGet(s, http.MethodGet, "http://localhost/raw/Alex")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Equal(t, "# Alex\nhi\n", rec.Body.String())

	rec = httpGet(s, http.MethodGet, "http://localhost/page/Missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPMirrorIsReadOnly(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httpGet(s, http.MethodPost, "http://localhost/page/Alex")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httpGet(s, http.MethodPut, "http://localhost/raw/Alex")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTPUnknownHost(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httpGet(s, http.MethodGet, "http://evil.example/")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPDefaultCSSCaching(t *testing.T) {
	s := newTestServer(t, nil)
	rec := httpGet(s, http.MethodGet, "http://localhost/default.css")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/css")
	assert.Equal(t, "public, max-age=86400, immutable", rec.Header().Get("Cache-Control"))
}

func TestHTTPSpacePrefix(t *testing.T) {
	s := newTestServer(t, nil)
	_ = titan(s, "titan://localhost/team/page/Notes;token=hello;size=5", "team\n")

	rec := httpGet(s, http.MethodGet, "http://localhost/team/page/Notes")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "team")

	rec = httpGet(s, http.MethodGet, "http://localhost/page/Notes")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSelfSignedCertificatePersists(t *testing.T) {
	dir := t.TempDir()
	h := config.Host{Name: "localhost"}

	first, err := loadHostCertificate(dir, h)
	require.NoError(t, err)
	second, err := loadHostCertificate(dir, h)
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])
}
