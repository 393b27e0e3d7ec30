// Package httpx lets one ingest handler be served by either fasthttp (the
// GELF HTTP input) or net/http (tests and the management mux).
package httpx

import (
	"context"
	"net"
	"net/http"
	"strconv"
)

// Request is the transport-neutral view of an inbound request. Body is
// fully read; handlers must not retain it past the call.
type Request struct {
	Ctx        context.Context
	Method     string
	Path       string
	Header     http.Header
	Body       []byte
	RemoteIP   string
	RemotePort int
}

// ResponseWriter is the subset of http.ResponseWriter handlers use.
type ResponseWriter interface {
	Header() http.Header
	Write([]byte) (int, error)
	WriteHeader(status int)
}

type HandlerFunc func(w ResponseWriter, r *Request)

// SplitRemote splits "host:port", tolerating a bare host.
func SplitRemote(addr string) (string, int) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}
