/*
Package mu is a small HTTP server framework that runs a non-blocking
HTTP/1.1 engine inside a single-threaded event loop.

Handlers are registered against an exact method and path. Request bodies
arrive from the engine in pieces and are reassembled per connection, so a
handler always sees the whole body. Bodies above the configured limit are
answered with 413 before the handler runs.

Quick Start

	package main

	import (
		"os"

		"github.com/searchktools/mu/app"
		"github.com/searchktools/mu/config"
		"github.com/searchktools/mu/core/http"
	)

	func main() {
		cfg, err := config.Load(nil)
		if err != nil {
			panic(err)
		}

		a, err := app.New(cfg)
		if err != nil {
			panic(err)
		}

		a.Server().GET("/hello", func(*http.Request) (http.Response, int) {
			return http.Text("world"), http.StatusOK
		})

		os.Exit(a.Run(nil))
	}

SIGINT or SIGTERM stops the engine, closes the event loop, releases the
routes and exits with status 0.

Modules

  - core: Server, the event loop bridge and the shutdown coordinator
  - core/engine: listener, request parsing, body framing and responses
  - core/dispatch: per-connection body reassembly and route dispatch
  - core/router: the exact-match route table
  - core/loop, core/poller: the event loop over epoll or kqueue
  - core/http: Request, Response and handler types
  - core/middleware: recovery, access logging, CORS, rate limiting
  - core/metrics: Prometheus collectors and the /metrics handler
  - config, logging, app: configuration, zap logging and process wiring
*/
package mu
