package server

import (
	"fmt"
	"io"

	"github.com/phoebewiki/phoebe/internal/gemtext"
)

// Gemini status codes used by the wiki.
const (
	StatusInput               = 10
	StatusSuccess             = 20
	StatusRedirect            = 30
	StatusTemporaryFailure    = 40
	StatusPermanentFailure    = 50
	StatusNotFound            = 51
	StatusProxyRequestRefused = 53
	StatusBadRequest          = 59
	StatusClientCertRequired  = 60
	StatusCertNotAuthorized   = 61
)

// geminiWriter frames a Gemini response: one status line, then the body for
// 2x statuses. The header is written at most once; a body write without a
// prior header implies success with the gemtext MIME type.
type geminiWriter struct {
	w      io.Writer
	wrote  bool
	status int
}

func newGeminiWriter(w io.Writer) *geminiWriter {
	return &geminiWriter{w: w}
}

// WriteHeader writes the <STATUS><SPACE><META><CR><LF> line. Repeated calls
// are ignored.
func (g *geminiWriter) WriteHeader(status int, meta string) error {
	if g.wrote {
		return nil
	}
	g.wrote = true
	g.status = status
	_, err := fmt.Fprintf(g.w, "%d %s\r\n", status, meta)
	return err
}

func (g *geminiWriter) Write(p []byte) (int, error) {
	if !g.wrote {
		if err := g.WriteHeader(StatusSuccess, gemtext.MIMEType); err != nil {
			return 0, err
		}
	}
	return g.w.Write(p)
}

// statusError carries a Gemini status alongside the human-readable meta.
type statusError struct {
	status int
	meta   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%d %s", e.status, e.meta)
}

func failf(status int, format string, args ...any) *statusError {
	return &statusError{status: status, meta: fmt.Sprintf(format, args...)}
}
