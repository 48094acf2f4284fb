package router

import (
	"github.com/searchktools/mu/core/http"
)

// Route is a registered (method, path, handler) triple
type Route struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Table is an append-only, ordered route table.
//
// Matching is exact and case-sensitive on both method and path, and the
// earliest registration wins when several routes share a method and path.
// The table is read without locking: register everything before serving.
type Table struct {
	routes []Route
}

// NewTable creates an empty route table
func NewTable() *Table {
	return &Table{}
}

// Register appends a route. Duplicates are kept but never matched.
func (t *Table) Register(method, path string, handler http.Handler) {
	t.routes = append(t.routes, Route{Method: method, Path: path, Handler: handler})
}

// Match returns the handler of the first route equal to (method, url)
func (t *Table) Match(method, url string) (http.Handler, bool) {
	for i := range t.routes {
		r := &t.routes[i]
		if r.Method == method && r.Path == url {
			return r.Handler, true
		}
	}
	return nil, false
}

// Len returns the number of registered routes
func (t *Table) Len() int {
	return len(t.routes)
}

// Routes returns a copy of the routes in registration order
func (t *Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

// Release drops the backing storage. The table is empty afterwards.
func (t *Table) Release() {
	t.routes = nil
}
