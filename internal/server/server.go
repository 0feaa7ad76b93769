// Package server implements the multi-protocol wiki server: a single TLS
// listener that speaks Gemini (read), Titan (write) and HTTP (read-only
// mirror), dispatching on the first request line.
package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/phoebewiki/phoebe/internal/auth"
	"github.com/phoebewiki/phoebe/internal/config"
	"github.com/phoebewiki/phoebe/internal/extension"
	"github.com/phoebewiki/phoebe/internal/wiki"
)

const (
	// maxRequestLine caps the first request line, CRLF excluded.
	maxRequestLine = 1024

	// requestTimeout bounds the TLS handshake plus the request line read.
	requestTimeout = 30 * time.Second

	// titanBodyTimeout bounds the Titan body read.
	titanBodyTimeout = 60 * time.Second

	// maxOpenConns limits concurrently served connections per listener.
	maxOpenConns = 256
)

// ErrServerClosed is returned after Shutdown.
var ErrServerClosed = errors.New("server: closed")

var errLineTooLong = errors.New("server: request line too long")

// httpLineRe matches the request line of an HTTP/1.x request. Any method is
// accepted here; the HTTP engine answers 405 for everything but GET/HEAD.
var httpLineRe = regexp.MustCompile(`^[A-Z]+ \S+ HTTP/1\.[01]$`)

// state is one immutable configuration snapshot. Handlers load it once per
// request; reloads build a fresh state and swap the pointer, so in-flight
// connections keep the configuration they started with.
type state struct {
	cfg         *config.Config
	certs       map[string]*tls.Certificate
	defaultCert *tls.Certificate
	engine      http.Handler
	css         string
	handlers    []extension.RequestHandler
	menus       []extension.MenuContributor
	footers     []extension.FooterContributor
	favicon     []byte
	faviconMIME string
}

// Server is the wiki protocol server.
type Server struct {
	store      *wiki.Store
	authorizer *auth.Authorizer
	state      atomic.Pointer[state]

	mu        sync.Mutex
	listeners []net.Listener
	httpLn    *connListener
	httpSrv   *http.Server
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// New builds a Server over the given store with an initial configuration.
func New(store *wiki.Store, cfg *config.Config) (*Server, error) {
	s := &Server{store: store}
	st, err := s.buildState(cfg)
	if err != nil {
		return nil, err
	}
	s.state.Store(st)
	return s, nil
}

// buildState assembles the immutable per-configuration state: certificates,
// enabled extensions, and the HTTP engine.
func (s *Server) buildState(cfg *config.Config) (*state, error) {
	st := &state{cfg: cfg, certs: make(map[string]*tls.Certificate), css: defaultCSS}

	for _, h := range cfg.Hosts {
		cert, err := loadHostCertificate(cfg.DataDir, h)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate for %s: %w", h.Name, err)
		}
		st.certs[h.Name] = cert
		if st.defaultCert == nil {
			st.defaultCert = cert
		}
	}

	var checkers []auth.FingerprintChecker
	for _, ext := range extension.Enabled(cfg.Extensions) {
		if init, ok := ext.(extension.Initializer); ok {
			if err := init.Init(cfg); err != nil {
				return nil, fmt.Errorf("extension init failed: %w", err)
			}
		}
		if h, ok := ext.(extension.RequestHandler); ok {
			st.handlers = append(st.handlers, h)
		}
		if m, ok := ext.(extension.MenuContributor); ok {
			st.menus = append(st.menus, m)
		}
		if f, ok := ext.(extension.FooterContributor); ok {
			st.footers = append(st.footers, f)
		}
		if c, ok := ext.(extension.CSSProvider); ok {
			st.css = c.CSS()
		}
		if f, ok := ext.(extension.FaviconProvider); ok {
			st.favicon, st.faviconMIME = f.Favicon()
		}
		if c, ok := ext.(auth.FingerprintChecker); ok {
			checkers = append(checkers, c)
		}
	}
	s.authorizer = auth.NewAuthorizer(checkers...)

	st.engine = s.buildEngine(st)
	return st, nil
}

// Reload swaps in a new configuration. In-flight connections continue with
// the previous snapshot.
func (s *Server) Reload(cfg *config.Config) error {
	st, err := s.buildState(cfg)
	if err != nil {
		return err
	}
	s.state.Store(st)
	log.Infof("configuration reloaded: %d host(s), %d space(s)", len(cfg.Hosts), len(cfg.Spaces))
	return nil
}

func (s *Server) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	st := s.state.Load()
	if cert, ok := st.certs[hello.ServerName]; ok {
		return cert, nil
	}
	return st.defaultCert, nil
}

// Start binds every configured port and begins accepting connections. It
// returns immediately; use Shutdown to stop.
func (s *Server) Start() error {
	st := s.state.Load()

	s.httpLn = newConnListener()
	s.httpSrv = &http.Server{
		Handler:           http.HandlerFunc(s.serveHTTP),
		ReadHeaderTimeout: requestTimeout,
	}
	go func() {
		if err := s.httpSrv.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			log.Errorf("http server terminated: %v", err)
		}
	}()

	tlsConf := &tls.Config{
		MinVersion:     tls.VersionTLS12,
		GetCertificate: s.getCertificate,
		ClientAuth:     tls.RequestClientCert,
	}

	for _, port := range st.cfg.Ports {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on port %d: %w", port, err)
		}
		tln := tls.NewListener(netutil.LimitListener(ln, maxOpenConns), tlsConf)
		s.mu.Lock()
		s.listeners = append(s.listeners, tln)
		s.mu.Unlock()
		log.Infof("listening on port %d", port)
		go s.acceptLoop(tln)
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			log.Errorf("accept error: %v", err)
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Shutdown stops accepting connections and waits for in-flight handlers
// until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.closeListeners()
	if s.httpSrv != nil {
		_ = s.httpSrv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	s.listeners = nil
}

// handleConn performs the TLS handshake, reads the first request line, and
// dispatches by protocol. HTTP connections are handed to the shared HTTP
// server with the consumed bytes replayed.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	connID := uuid.NewString()[:8]
	handedOff := false
	defer func() {
		if !handedOff {
			_ = conn.Close()
		}
	}()

	_ = conn.SetDeadline(time.Now().Add(requestTimeout))

	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		log.Errorf("[%s] plaintext connection on TLS listener", connID)
		return
	}
	if err := tlsConn.Handshake(); err != nil {
		log.Debugf("[%s] TLS handshake failed from %s: %v", connID, conn.RemoteAddr(), err)
		return
	}

	fingerprint := ""
	if peers := tlsConn.ConnectionState().PeerCertificates; len(peers) > 0 {
		fingerprint = auth.Fingerprint(peers[0].Raw)
	}

	br := bufio.NewReader(tlsConn)
	raw, err := readRequestLine(br)
	if err != nil {
		if errors.Is(err, errLineTooLong) {
			_ = newGeminiWriter(tlsConn).WriteHeader(StatusBadRequest, "request line too long")
		}
		log.Debugf("[%s] request line read failed from %s: %v", connID, conn.RemoteAddr(), err)
		return
	}
	line := strings.TrimRight(raw, "\r\n")
	log.Debugf("[%s] %s %q", connID, conn.RemoteAddr(), line)

	switch {
	case strings.HasPrefix(line, "gemini://"):
		s.serveGemini(newGeminiWriter(tlsConn), line, conn.RemoteAddr().String(), fingerprint)
	case strings.HasPrefix(line, "titan://"):
		_ = conn.SetDeadline(time.Now().Add(titanBodyTimeout))
		s.serveTitan(newGeminiWriter(tlsConn), br, line, conn.RemoteAddr().String(), fingerprint)
	case httpLineRe.MatchString(line):
		_ = conn.SetDeadline(time.Time{})
		if s.httpLn.deliver(newSplicedConn(tlsConn, raw, br)) {
			handedOff = true
		}
	default:
		_ = newGeminiWriter(tlsConn).WriteHeader(StatusBadRequest, "unknown protocol")
	}
}

// readRequestLine reads one LF-terminated line, returning it with its
// terminator so HTTP connections can replay the exact bytes. Lines whose
// payload exceeds maxRequestLine bytes yield errLineTooLong.
func readRequestLine(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		c, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		b.WriteByte(c)
		if c == '\n' {
			return b.String(), nil
		}
		if b.Len() > maxRequestLine+1 {
			return "", errLineTooLong
		}
	}
}

// offerExtensions runs the request past registered extension handlers in
// registration order. The first handler to claim the request wins.
func (s *Server) offerExtensions(st *state, w *geminiWriter, req *request) bool {
	if len(st.handlers) == 0 {
		return false
	}
	extReq := &extension.Request{
		Scheme: req.scheme,
		URL:    req.u,
		Host:   req.host,
		Space:  req.space,
		Path:   strings.Join(req.segments, "/"),
	}
	for _, h := range st.handlers {
		if h.HandleRequest(w, extReq) {
			return true
		}
	}
	return false
}
