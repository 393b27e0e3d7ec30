package httpx

import (
	"context"
	"net/http"

	"github.com/valyala/fasthttp"
)

// FastHTTPAdapter serves h from fasthttp. The body is copied because
// fasthttp recycles the request after the handler returns.
func FastHTTPAdapter(base context.Context, h HandlerFunc) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		cctx, cancel := context.WithCancel(base)
		defer cancel()

		hdr := make(http.Header)
		ctx.Request.Header.VisitAll(func(k, v []byte) {
			hdr.Add(string(k), string(v))
		})

		body := append([]byte(nil), ctx.PostBody()...)
		ip, port := SplitRemote(ctx.RemoteAddr().String())
		req := &Request{
			Ctx:        cctx,
			Method:     string(ctx.Method()),
			Path:       string(ctx.Path()),
			Header:     hdr,
			Body:       body,
			RemoteIP:   ip,
			RemotePort: port,
		}
		h(&fastWriter{ctx: ctx, header: make(http.Header)}, req)
	}
}

type fastWriter struct {
	ctx         *fasthttp.RequestCtx
	header      http.Header
	wroteHeader bool
}

func (f *fastWriter) Header() http.Header { return f.header }

func (f *fastWriter) WriteHeader(status int) {
	if f.wroteHeader {
		return
	}
	f.wroteHeader = true
	for k, vals := range f.header {
		for _, v := range vals {
			f.ctx.Response.Header.Add(k, v)
		}
	}
	f.ctx.SetStatusCode(status)
}

func (f *fastWriter) Write(b []byte) (int, error) {
	if !f.wroteHeader {
		f.WriteHeader(http.StatusOK)
	}
	return f.ctx.Write(b)
}
