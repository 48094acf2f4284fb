package engine

import (
	"net/textproto"
	"sort"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/mu/core/http"
)

const timeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// managed headers are always written by the engine itself
var managedHeaders = map[string]bool{
	http.HeaderContentLength: true,
	http.HeaderDate:          true,
	http.HeaderConnection:    true,
	"Transfer-Encoding":      true,
}

// validateHeader rejects header fields that would corrupt the response
func validateHeader(header map[string]string) error {
	for k, v := range header {
		if !httpguts.ValidHeaderFieldName(k) || !httpguts.ValidHeaderFieldValue(v) {
			return &InvalidHeaderError{Name: k}
		}
	}
	return nil
}

// InvalidHeaderError is returned by QueueResponse for a header that is not
// a valid HTTP field
type InvalidHeaderError struct {
	Name string
}

func (e *InvalidHeaderError) Error() string {
	return "engine: invalid response header " + e.Name
}

// responseHead describes the framing of an outgoing response
type responseHead struct {
	status    int
	header    map[string]string
	bodyLen   int
	omitBody  bool
	close     bool
	keepAlive bool // explicit keep-alive for HTTP/1.0 peers
}

// appendResponse serializes a full response onto b
func appendResponse(b []byte, rh responseHead, body []byte) []byte {
	b = append(b, "HTTP/1.1 "...)
	b = appendInt(b, rh.status)
	b = append(b, ' ')
	b = append(b, http.StatusText(rh.status)...)
	b = append(b, "\r\n"...)

	b = append(b, "Date: "...)
	b = time.Now().UTC().AppendFormat(b, timeFormat)
	b = append(b, "\r\n"...)

	allowed := http.BodyAllowed(rh.status)
	if allowed {
		b = append(b, "Content-Length: "...)
		b = appendInt(b, rh.bodyLen)
		b = append(b, "\r\n"...)
	}

	switch {
	case rh.close:
		b = append(b, "Connection: close\r\n"...)
	case rh.keepAlive:
		b = append(b, "Connection: keep-alive\r\n"...)
	}

	keys := make([]string, 0, len(rh.header))
	for k := range rh.header {
		if !managedHeaders[textproto.CanonicalMIMEHeaderKey(k)] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		b = append(b, k...)
		b = append(b, ": "...)
		b = append(b, rh.header[k]...)
		b = append(b, "\r\n"...)
	}
	b = append(b, "\r\n"...)

	if allowed && !rh.omitBody {
		b = append(b, body...)
	}
	return b
}

// appendError serializes a framework-generated error response
func appendError(b []byte, status int, body string) []byte {
	return appendResponse(b, responseHead{
		status:  status,
		header:  map[string]string{http.HeaderContentType: "text/plain; charset=utf-8"},
		bodyLen: len(body),
		close:   true,
	}, []byte(body))
}

// Helper function to append int to byte slice
func appendInt(b []byte, i int) []byte {
	if i == 0 {
		return append(b, '0')
	}

	if i < 0 {
		b = append(b, '-')
		i = -i
	}

	var digits [20]byte
	n := 0
	for i > 0 {
		digits[n] = byte('0' + i%10)
		i /= 10
		n++
	}

	for n > 0 {
		n--
		b = append(b, digits[n])
	}

	return b
}
