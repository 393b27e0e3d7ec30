package httpx

import (
	"io"
	"net/http"
)

// NetHTTPAdapter serves h from net/http. With maxBody > 0 a larger body is answered with 413 before h runs.
func NetHTTPAdapter(h HandlerFunc, maxBody int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body []byte
		if r.Body != nil {
			var src io.Reader = r.Body
			if maxBody > 0 {
				src = io.LimitReader(r.Body, maxBody+1)
			}
			var err error
			body, err = io.ReadAll(src)
			_ = r.Body.Close()
			if err != nil {
				http.Error(w, "failed to read body", http.StatusBadRequest)
				return
			}
			if maxBody > 0 && int64(len(body)) > maxBody {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
		}
		ip, port := SplitRemote(r.RemoteAddr)
		h(w, &Request{
			Ctx:        r.Context(),
			Method:     r.Method,
			Path:       r.URL.Path,
			Header:     r.Header,
			Body:       body,
			RemoteIP:   ip,
			RemotePort: port,
		})
	})
}
