package server

import (
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/phoebewiki/phoebe/internal/config"
)

// request is a resolved Gemini or Titan request: parsed URL, authoritative
// host, wiki space, and the decoded in-space path segments.
type request struct {
	scheme      string
	u           *url.URL
	host        string
	port        int
	space       string
	segments    []string
	remoteAddr  string
	fingerprint string
	titan       *titanParams
}

// titanParams are the semicolon-delimited upload parameters of a Titan URL.
// A size of -1 means the mandatory size parameter was absent.
type titanParams struct {
	mime  string
	size  int
	token string
}

// resolveRequest parses a raw request URL, validates the authority against
// the declared hosts, and resolves the wiki space from the first path
// segment. Each path segment is percent-decoded exactly once.
func resolveRequest(cfg *config.Config, scheme, rawURL string) (*request, *statusError) {
	if !utf8.ValidString(rawURL) {
		return nil, failf(StatusBadRequest, "URL is not valid UTF-8")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, failf(StatusBadRequest, "URL parse error")
	}
	if u.Scheme != scheme {
		return nil, failf(StatusBadRequest, "unexpected URL scheme %s", u.Scheme)
	}
	host := u.Hostname()
	if !cfg.IsKnownHost(host) {
		return nil, failf(StatusProxyRequestRefused, "this server does not serve %s", host)
	}
	port := config.DefaultPort
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return nil, failf(StatusBadRequest, "invalid port")
		}
	}

	rawPath := u.EscapedPath()
	var titan *titanParams
	if scheme == "titan" {
		var errTitan *statusError
		rawPath, titan, errTitan = splitTitanParams(rawPath)
		if errTitan != nil {
			return nil, errTitan
		}
	}

	segments, errDecode := decodePath(rawPath)
	if errDecode != nil {
		return nil, errDecode
	}

	space := ""
	if len(segments) > 0 && cfg.HasSpace(host, segments[0]) && segments[0] != "" {
		space = segments[0]
		segments = segments[1:]
	}

	return &request{
		scheme:   scheme,
		u:        u,
		host:     host,
		port:     port,
		space:    space,
		segments: segments,
		titan:    titan,
	}, nil
}

// decodePath splits an escaped URL path and percent-decodes every segment
// exactly once. Empty segments from duplicate or trailing slashes are
// dropped.
func decodePath(rawPath string) ([]string, *statusError) {
	var segments []string
	for _, raw := range strings.Split(strings.TrimPrefix(rawPath, "/"), "/") {
		if raw == "" {
			continue
		}
		seg, err := url.PathUnescape(raw)
		if err != nil {
			return nil, failf(StatusBadRequest, "bad percent encoding in path")
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// splitTitanParams strips the ;mime=...;size=...;token=... parameters from a
// Titan path. Parameters may appear in any order.
func splitTitanParams(rawPath string) (string, *titanParams, *statusError) {
	path, paramPart, found := strings.Cut(rawPath, ";")
	params := &titanParams{size: -1}
	if !found {
		return path, params, nil
	}
	for _, kv := range strings.Split(paramPart, ";") {
		key, rawValue, ok := strings.Cut(kv, "=")
		if !ok {
			return "", nil, failf(StatusBadRequest, "malformed parameter %q", kv)
		}
		value, err := url.PathUnescape(rawValue)
		if err != nil {
			return "", nil, failf(StatusBadRequest, "bad percent encoding in parameter %s", key)
		}
		switch key {
		case "mime":
			params.mime = value
		case "size":
			size, errAtoi := strconv.Atoi(value)
			if errAtoi != nil || size < 0 {
				return "", nil, failf(StatusBadRequest, "invalid size")
			}
			params.size = size
		case "token":
			params.token = value
		default:
			// Unknown parameters are ignored for forward compatibility.
		}
	}
	return path, params, nil
}
