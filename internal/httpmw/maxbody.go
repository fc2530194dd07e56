package httpmw

import "net/http"

// MaxBody caps request bodies at limit bytes. A declared Content-Length
// over the limit is refused up front; chunked bodies fail with
// *http.MaxBytesError when the handler reads past it. limit <= 0 disables
// the cap.
func MaxBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > limit {
				WriteError(w, r, http.StatusRequestEntityTooLarge, "payload too large")
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
			next.ServeHTTP(w, r)
		})
	}
}
