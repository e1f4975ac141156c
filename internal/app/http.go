package app

import (
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"
)

func newServer(handler fasthttp.RequestHandler) *fasthttp.Server {
	const (
		readBufferSize       = 64 * 1024        // 64 KiB read buffer per connection
		maxRequestBodySize   = 8 * 1024 * 1024  // index uploads can be large
		readTimeout          = 10 * time.Second // timeout for reading request
		writeTimeout         = 15 * time.Second // create waits up to 10s for the partition
		idleTimeout          = 30 * time.Second // max keep-alive idle duration per connection
		maxKeepaliveDuration = 2 * time.Minute
	)
	return &fasthttp.Server{
		Name:                 "batchops",
		Handler:              handler,
		ReadBufferSize:       readBufferSize,
		MaxRequestBodySize:   maxRequestBodySize,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		IdleTimeout:          idleTimeout,
		MaxKeepaliveDuration: maxKeepaliveDuration,
		ReduceMemoryUsage:    true,
	}
}

// serve runs the server on ln until it is shut down, with TLS when a
// certificate pair is configured.
func (a *App) serve(ln net.Listener) error {
	tls := a.eff.Config.Server.TLS
	var err error
	if tls.CertFile != "" && tls.KeyFile != "" {
		err = a.srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
	} else {
		err = a.srv.Serve(ln)
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return errors.Wrap(err, "serve http")
}
