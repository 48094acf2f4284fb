package http

import (
	"context"
	"net/textproto"
	"net/url"

	"github.com/searchktools/mu/core/codec"
)

// Request is the read-only view of one logical request handed to a Handler.
// It is valid only for the duration of the handler call.
type Request struct {
	Method string
	// URL is the unescaped path, without the query string
	URL   string
	Proto string
	// Query is the raw query string, without the leading '?'
	Query      string
	RemoteAddr string

	// Header keys are in canonical MIME form
	Header map[string]string

	Body []byte

	ctx context.Context
}

// Context returns the request context, carrying the dispatch span
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext returns a shallow copy of r with its context set to ctx
func (r *Request) WithContext(ctx context.Context) *Request {
	r2 := *r
	r2.ctx = ctx
	return &r2
}

// BodySize returns the length of the accumulated body
func (r *Request) BodySize() int {
	return len(r.Body)
}

// GetHeader returns a header value, matching the key case-insensitively
func (r *Request) GetHeader(key string) string {
	if r.Header == nil {
		return ""
	}
	return r.Header[textproto.CanonicalMIMEHeaderKey(key)]
}

// QueryValue returns the first value for key in the query string
func (r *Request) QueryValue(key string) string {
	values, err := url.ParseQuery(r.Query)
	if err != nil {
		return ""
	}
	return values.Get(key)
}

// Bind decodes the body into v using the codec selected by Content-Type
func (r *Request) Bind(v any) error {
	c, err := codec.ForContentType(r.GetHeader(HeaderContentType))
	if err != nil {
		return err
	}
	return c.Decode(r.Body, v)
}
