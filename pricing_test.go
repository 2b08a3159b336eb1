package paychan

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestPerUnitPricerRoundsUp(t *testing.T) {
	p := PerUnitPricer{Base: decimal.NewFromInt(100), UnitPrice: decimal.RequireFromString("12.5")}
	cost, err := p.Price(context.Background(), Usage{Units: 3})
	require.NoError(t, err)
	require.Equal(t, "138", cost.String())
	require.Equal(t, PostFlight, p.Mode())

	_, err = p.Price(context.Background(), Usage{Units: -1})
	require.Error(t, err)
}

func TestFixedPricerReturnsCopy(t *testing.T) {
	p := FixedPricer{Amount: big.NewInt(7)}
	cost, err := p.Price(context.Background(), Usage{})
	require.NoError(t, err)
	cost.SetInt64(99)
	require.Equal(t, "7", p.Amount.String())
}

func TestLoadRouteRules(t *testing.T) {
	rules, err := LoadRouteRules(strings.NewReader(`
rules:
  - route: "GET /v1/quote"
    price: "1000"
  - route: "POST /v1/chat/*"
    perUnit: "0.5"
  - route: "/v1/any"
    price: "1"
`))
	require.NoError(t, err)
	require.Len(t, rules, 3)

	require.Equal(t, FixedPricer{Amount: big.NewInt(1000)}, rules.Match("GET", "/v1/quote"))
	require.Nil(t, rules.Match("POST", "/v1/quote"))
	require.IsType(t, PerUnitPricer{}, rules.Match("post", "/v1/chat/completions"))
	require.NotNil(t, rules.Match("DELETE", "/v1/any"))
	require.Nil(t, rules.Match("GET", "/v2/quote"))
}

func TestLoadRouteRulesRejectsBadInput(t *testing.T) {
	for _, doc := range []string{
		"rules:\n  - route: \"GET /x\"\n",
		"rules:\n  - route: \"GET /x\"\n    price: \"abc\"\n",
		"rules:\n  - route: \"GET /x\"\n    price: \"1\"\n    perUnit: \"1\"\n",
		"rules:\n  - route: \"GET /x extra\"\n    price: \"1\"\n",
	} {
		_, err := LoadRouteRules(strings.NewReader(doc))
		require.Error(t, err, doc)
	}
}
