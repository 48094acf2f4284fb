package http

// Handler maps a Request to a Response and a status code. It runs on the
// loop goroutine and must return quickly.
type Handler interface {
	Handle(req *Request) (Response, int)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(req *Request) (Response, int)

// Handle calls f(req)
func (f HandlerFunc) Handle(req *Request) (Response, int) {
	return f(req)
}
