package engine

import (
	"bytes"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// bodyFraming is how the request body is delimited on the wire
type bodyFraming int

const (
	bodyNone bodyFraming = iota
	bodyLength
	bodyChunked
)

// head is a parsed request line plus header block
type head struct {
	method string
	path   string
	query  string
	proto  string
	header map[string]string

	framing       bodyFraming
	contentLength int64
	keepAlive     bool
	expect100     bool
}

// parseHead parses the request head. data excludes the terminating blank line.
func parseHead(data []byte) (*head, error) {
	lineEnd := bytes.IndexByte(data, '\n')
	if lineEnd == -1 {
		lineEnd = len(data)
	}
	line := trimCR(data[:lineEnd])

	// METHOD SP TARGET SP PROTO
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return nil, badRequest("malformed request line")
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 == -1 {
		return nil, badRequest("malformed request line")
	}
	sp2 += sp1 + 1

	h := &head{
		method: string(line[:sp1]),
		proto:  string(line[sp2+1:]),
		header: make(map[string]string, 8),
	}
	if !httpguts.ValidHeaderFieldName(h.method) {
		return nil, badRequest("invalid method")
	}

	switch h.proto {
	case "HTTP/1.1":
		h.keepAlive = true
	case "HTTP/1.0":
	default:
		return nil, badRequest("unsupported protocol " + strconv.Quote(h.proto))
	}

	if err := h.parseTarget(string(line[sp1+1 : sp2])); err != nil {
		return nil, err
	}

	if lineEnd < len(data) {
		if err := h.parseHeaders(data[lineEnd+1:]); err != nil {
			return nil, err
		}
	}

	if err := h.parseFraming(); err != nil {
		return nil, err
	}

	return h, nil
}

// parseTarget splits the origin-form target into unescaped path and raw query
func (h *head) parseTarget(target string) error {
	if target == "" || target[0] != '/' {
		if target != "*" || h.method != "OPTIONS" {
			return badRequest("invalid request target")
		}
	}

	rawPath, query, _ := strings.Cut(target, "?")
	path, err := url.PathUnescape(rawPath)
	if err != nil {
		return badRequest("invalid path escape")
	}

	h.path = path
	h.query = query
	return nil
}

func (h *head) parseHeaders(data []byte) error {
	for len(data) > 0 {
		lineEnd := bytes.IndexByte(data, '\n')
		if lineEnd == -1 {
			lineEnd = len(data)
		}
		line := trimCR(data[:lineEnd])

		if lineEnd == len(data) {
			data = nil
		} else {
			data = data[lineEnd+1:]
		}

		if len(line) == 0 {
			continue
		}
		// obsolete line folding
		if line[0] == ' ' || line[0] == '\t' {
			return badRequest("folded header line")
		}

		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return badRequest("malformed header line")
		}

		name := string(line[:colon])
		value := string(bytes.TrimSpace(line[colon+1:]))
		if !httpguts.ValidHeaderFieldName(name) {
			return badRequest("invalid header name")
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return badRequest("invalid header value")
		}

		key := textproto.CanonicalMIMEHeaderKey(name)
		if prev, ok := h.header[key]; ok {
			value = prev + ", " + value
		}
		h.header[key] = value
	}

	return nil
}

func (h *head) parseFraming() error {
	if te, ok := h.header["Transfer-Encoding"]; ok {
		if !strings.EqualFold(strings.TrimSpace(te), "chunked") {
			return &protocolError{status: 501, reason: "unsupported transfer encoding"}
		}
		if h.proto == "HTTP/1.0" {
			return badRequest("chunked body on HTTP/1.0")
		}
		h.framing = bodyChunked
	} else if cl, ok := h.header["Content-Length"]; ok {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return badRequest("invalid content length")
		}
		if n > 0 {
			h.framing = bodyLength
			h.contentLength = n
		}
	}

	conn := h.header["Connection"]
	switch {
	case httpguts.HeaderValuesContainsToken([]string{conn}, "close"):
		h.keepAlive = false
	case h.proto == "HTTP/1.0" && httpguts.HeaderValuesContainsToken([]string{conn}, "keep-alive"):
		h.keepAlive = true
	}

	if h.proto == "HTTP/1.1" && strings.EqualFold(h.header["Expect"], "100-continue") {
		h.expect100 = true
	}

	return nil
}

func trimCR(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}
	return line
}
