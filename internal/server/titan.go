package server

import (
	"bufio"
	"io"
	"net/url"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/phoebewiki/phoebe/internal/wiki"
)

// serveTitan handles one Titan upload: parameter validation, authorization,
// reading exactly the declared number of body bytes, and the store commit.
// Bytes beyond the declared size are never consumed.
func (s *Server) serveTitan(w *geminiWriter, body *bufio.Reader, line, remoteAddr, fingerprint string) {
	st := s.state.Load()
	req, serr := resolveRequest(st.cfg, "titan", line)
	if serr != nil {
		log.Warnf("titan request rejected: %s (%q)", serr.meta, line)
		_ = w.WriteHeader(serr.status, serr.meta)
		return
	}
	req.remoteAddr = remoteAddr
	req.fingerprint = fingerprint

	if s.offerExtensions(st, w, req) {
		return
	}

	name, isFile, serr := titanTarget(req.segments)
	if serr != nil {
		_ = w.WriteHeader(serr.status, serr.meta)
		return
	}
	if err := wiki.ValidateName(name); err != nil {
		_ = w.WriteHeader(StatusBadRequest, "invalid name")
		return
	}

	params := req.titan
	if params.size < 0 {
		// Without an explicit size a zero-byte body would be assumed, and an
		// empty write is a deletion. Refuse instead of guessing.
		_ = w.WriteHeader(StatusBadRequest, "missing size parameter")
		return
	}
	if params.size > st.cfg.PageSizeLimit {
		_ = w.WriteHeader(StatusBadRequest,
			"This wiki does not allow more than "+strconv.Itoa(st.cfg.PageSizeLimit)+" bytes per page")
		return
	}

	mime := params.mime
	if mime == "" {
		mime = "text/plain"
	}
	if isFile {
		if !st.cfg.MIMEAllowed(mime) {
			_ = w.WriteHeader(StatusBadRequest, "This wiki does not allow "+mime)
			return
		}
	} else if mime != "text/plain" {
		// Pages only ever accept plain text.
		_ = w.WriteHeader(StatusBadRequest, "This wiki does not allow "+mime)
		return
	}

	if !s.authorizer.AuthorizeWrite(st.cfg, req.space, params.token, fingerprint) {
		log.Warnf("titan write to %q denied", name)
		_ = w.WriteHeader(StatusBadRequest, "Your token is the wrong token")
		return
	}

	buf := make([]byte, params.size)
	if _, err := io.ReadFull(body, buf); err != nil {
		log.Warnf("titan body short read for %q: %v", name, err)
		_ = w.WriteHeader(StatusBadRequest, "short read: body smaller than the declared size")
		return
	}

	code := wiki.ContributorCode(remoteAddr)
	v := viewContext{st: st, host: req.host, port: req.port, space: req.space}
	esc := url.PathEscape(name)

	if isFile {
		if err := s.store.WriteFile(req.space, name, buf, mime, code); err != nil {
			log.Errorf("titan file write failed for %q: %v", name, err)
			_ = w.WriteHeader(StatusTemporaryFailure, "write failed")
			return
		}
		log.Infof("titan: wrote file %q (%d bytes, %s) by %s", name, len(buf), mime, code)
		_ = w.WriteHeader(StatusRedirect, v.base()+v.path("file/"+esc))
		return
	}

	rev, err := s.store.WritePage(req.space, name, string(buf), code)
	if err != nil {
		log.Errorf("titan page write failed for %q: %v", name, err)
		_ = w.WriteHeader(StatusTemporaryFailure, "write failed")
		return
	}
	log.Infof("titan: wrote page %q revision %d by %s", name, rev, code)
	_ = w.WriteHeader(StatusRedirect, v.base()+v.path("page/"+esc))
}

// titanTarget resolves the in-space path of a Titan URL to a page or file
// name. Uploads address pages as raw/<name>, page/<name> or a bare <name>,
// and files as file/<name>.
func titanTarget(seg []string) (name string, isFile bool, serr *statusError) {
	switch {
	case len(seg) == 1:
		return seg[0], false, nil
	case len(seg) == 2 && (seg[0] == "raw" || seg[0] == "page"):
		return seg[1], false, nil
	case len(seg) == 2 && seg[0] == "file":
		return seg[1], true, nil
	default:
		return "", false, failf(StatusBadRequest, "cannot write there")
	}
}
