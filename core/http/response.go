package http

import (
	"google.golang.org/protobuf/proto"

	"github.com/searchktools/mu/core/codec"
)

// HTTP header constants
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderConnection    = "Connection"
	HeaderDate          = "Date"
)

// Response is produced by a Handler. The body belongs to the framework once
// returned; handlers must not reuse it.
type Response struct {
	Body   []byte
	Header map[string]string
}

// BodySize returns the length of the response body
func (r Response) BodySize() int {
	return len(r.Body)
}

// SetHeader sets a response header
func (r *Response) SetHeader(key, value string) {
	if r.Header == nil {
		r.Header = make(map[string]string, 1)
	}
	r.Header[key] = value
}

// Text creates a plain text response
func Text(s string) Response {
	return Data("text/plain; charset=utf-8", []byte(s))
}

// Bytes creates a raw bytes response
func Bytes(data []byte) Response {
	return Data("application/octet-stream", data)
}

// Data creates a response with a custom content type
func Data(contentType string, data []byte) Response {
	return Response{
		Body:   data,
		Header: map[string]string{HeaderContentType: contentType},
	}
}

// JSON creates a JSON response
func JSON(v any) (Response, error) {
	return encode(codec.JSON, v)
}

// Proto creates a Protocol Buffers response
func Proto(m proto.Message) (Response, error) {
	return encode(codec.Protobuf, m)
}

func encode(c codec.Codec, v any) (Response, error) {
	data, err := c.Encode(v)
	if err != nil {
		return Response{}, err
	}
	return Data(c.ContentType(), data), nil
}
