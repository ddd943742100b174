package middleware

import (
	"fmt"
	"net/http"

	"github.com/cloo-solutions/siriusdms/internal/api"
)

// LimitBody caps request bodies at limit bytes. A declared Content-Length over
// the cap is refused before the handler runs; streamed bodies fail on read.
// A non-positive limit disables the check.
func LimitBody(limit int64) func(http.Handler) http.Handler {
	tooLarge := api.ErrorResponse{
		Error: fmt.Sprintf("request body exceeds %d bytes", limit),
		Code:  api.CodePayloadTooLarge,
	}
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case r.Body == nil || r.Body == http.NoBody:
			case r.ContentLength > limit:
				api.JSON(w, http.StatusRequestEntityTooLarge, tooLarge)
				return
			default:
				r.Body = http.MaxBytesReader(w, r.Body, limit)
			}
			next.ServeHTTP(w, r)
		})
	}
}
