// Package echo adapts the payment channel middleware to echo
package echo

import (
	"net/http"

	"github.com/labstack/echo/v4"

	paychanhttp "github.com/x402-foundation/paychan/http"
)

// PaymentMiddleware runs next behind m. Handler errors are rendered inside the
// paid section so the response still carries the next proposal.
func PaymentMiddleware(m *paychanhttp.Middleware) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			resp := c.Response()
			original := resp.Writer

			m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				resp.Writer = w
				c.SetRequest(r)
				if err := next(c); err != nil {
					c.Error(err)
				}
			})).ServeHTTP(original, c.Request())

			resp.Writer = original
			return nil
		}
	}
}
