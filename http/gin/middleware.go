// Package gin adapts the payment channel middleware to gin
package gin

import (
	"net/http"

	"github.com/gin-gonic/gin"

	paychanhttp "github.com/x402-foundation/paychan/http"
)

// PaymentMiddleware runs the rest of the gin chain behind m. Requests that fail
// payment are answered by m and the chain is aborted.
func PaymentMiddleware(m *paychanhttp.Middleware) gin.HandlerFunc {
	return func(c *gin.Context) {
		original := c.Writer
		reached := false

		m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reached = true
			writer := &responseWriter{ResponseWriter: original, w: w, status: http.StatusOK}
			c.Writer = writer
			c.Request = r
			c.Next()
			writer.WriteHeaderNow()
		})).ServeHTTP(original, c.Request)

		c.Writer = original
		if !reached {
			c.Abort()
		}
	}
}

// responseWriter routes gin's writes through the payment writer. Like gin's
// own writer it defers the status line until the first body write.
type responseWriter struct {
	gin.ResponseWriter
	w       http.ResponseWriter
	status  int
	size    int
	written bool
}

func (rw *responseWriter) Header() http.Header {
	return rw.w.Header()
}

func (rw *responseWriter) WriteHeader(code int) {
	if code > 0 && !rw.written {
		rw.status = code
	}
}

func (rw *responseWriter) WriteHeaderNow() {
	if !rw.written {
		rw.written = true
		rw.w.WriteHeader(rw.status)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.WriteHeaderNow()
	n, err := rw.w.Write(b)
	rw.size += n
	return n, err
}

func (rw *responseWriter) WriteString(s string) (int, error) {
	return rw.Write([]byte(s))
}

func (rw *responseWriter) Status() int {
	return rw.status
}

func (rw *responseWriter) Size() int {
	if !rw.written {
		return -1
	}
	return rw.size
}

func (rw *responseWriter) Written() bool {
	return rw.written
}

func (rw *responseWriter) Flush() {
	rw.WriteHeaderNow()
	if f, ok := rw.w.(http.Flusher); ok {
		f.Flush()
	}
}
