package gin_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/x402-foundation/paychan"
	paychanhttp "github.com/x402-foundation/paychan/http"
	paychangin "github.com/x402-foundation/paychan/http/gin"
	"github.com/x402-foundation/paychan/internal/paychantest"
)

const pricing = `
rules:
  - route: "GET /quote"
    price: "25"
  - route: "GET /fail"
    price: "25"
`

func newServer(t *testing.T) (*paychantest.Fixture, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := paychantest.New(t)
	m := paychanhttp.NewMiddleware(f.Processor, paychantest.Rules(t, pricing))

	r := gin.New()
	r.Use(paychangin.PaymentMiddleware(m))
	r.GET("/quote", func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"quote": 42})
	})
	r.GET("/fail", func(c *gin.Context) {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "upstream"})
	})
	r.GET("/free", func(c *gin.Context) {
		c.String(http.StatusOK, "free")
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return f, server
}

func TestGinPaidRoute(t *testing.T) {
	f, server := newServer(t)
	pc := f.Client(t)
	client := paychanhttp.WrapHTTPClient(server.Client(), pc)

	for i := 1; i <= 2; i++ {
		resp, err := paychanhttp.Get(context.Background(), client, server.URL+"/quote")
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)

		require.Equal(t, http.StatusCreated, resp.StatusCode)
		require.JSONEq(t, `{"quote":42}`, string(body))
		require.NotEmpty(t, resp.Header.Get(paychanhttp.HeaderPaymentResponse))
		require.Equal(t, uint64(i), pc.Pending().Nonce)
	}
	require.Equal(t, int64(50), pc.Spent().Int64())
}

func TestGinRejectsUnpaidRequest(t *testing.T) {
	_, server := newServer(t)

	resp, err := http.Get(server.URL + "/quote")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	decoded, err := paychanhttp.DecodeResponseHeader(resp.Header.Get(paychanhttp.HeaderPaymentResponse))
	require.NoError(t, err)
	require.Equal(t, paychan.ErrCodePaymentRequired, decoded.Error.Code)
}

func TestGinHandlerErrorStillIssuesProposal(t *testing.T) {
	f, server := newServer(t)
	pc := f.Client(t)
	client := paychanhttp.WrapHTTPClient(server.Client(), pc)

	resp, err := paychanhttp.Get(context.Background(), client, server.URL+"/fail")
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	require.NotNil(t, pc.Pending())
	require.Equal(t, int64(0), pc.Spent().Int64())
}

func TestGinFreeRoute(t *testing.T) {
	_, server := newServer(t)

	resp, err := http.Get(server.URL + "/free")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get(paychanhttp.HeaderPaymentResponse))
}
