package paychan

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// BillingMode selects when the cost of a request becomes known
type BillingMode int

const (
	// PreFlight cost is known before the handler runs
	PreFlight BillingMode = iota
	// PostFlight cost is derived from usage reported by the handler
	PostFlight
)

func (m BillingMode) String() string {
	if m == PostFlight {
		return "post-flight"
	}
	return "pre-flight"
}

// Usage is reported by a handler under post-flight billing
type Usage struct {
	Units int64
}

// Pricer computes the cost of one request in the asset's smallest unit
type Pricer interface {
	Mode() BillingMode
	Price(ctx context.Context, usage Usage) (*big.Int, error)
}

// FixedPricer charges a constant amount known up front
type FixedPricer struct {
	Amount *big.Int
}

func (p FixedPricer) Mode() BillingMode { return PreFlight }

func (p FixedPricer) Price(_ context.Context, _ Usage) (*big.Int, error) {
	return new(big.Int).Set(nonNil(p.Amount)), nil
}

// PerUnitPricer charges Base plus UnitPrice for every reported unit, rounded up
type PerUnitPricer struct {
	Base      decimal.Decimal
	UnitPrice decimal.Decimal
}

func (p PerUnitPricer) Mode() BillingMode { return PostFlight }

func (p PerUnitPricer) Price(_ context.Context, usage Usage) (*big.Int, error) {
	if usage.Units < 0 {
		return nil, fmt.Errorf("negative usage %d", usage.Units)
	}
	cost := p.Base.Add(p.UnitPrice.Mul(decimal.NewFromInt(usage.Units))).Ceil()
	if cost.IsNegative() {
		return nil, fmt.Errorf("negative cost %s", cost)
	}
	return cost.BigInt(), nil
}

// RouteRule binds a "METHOD /path" pattern to a pricer. A trailing * matches any suffix
// and a method of * matches every method.
type RouteRule struct {
	Method string
	Path   string
	Pricer Pricer
}

// RouteRules is an ordered rule list; the first match wins
type RouteRules []RouteRule

// ParseRoute splits "GET /path" into its method and path
func ParseRoute(route string) (string, string, error) {
	fields := strings.Fields(route)
	switch len(fields) {
	case 1:
		return "*", fields[0], nil
	case 2:
		return strings.ToUpper(fields[0]), fields[1], nil
	default:
		return "", "", fmt.Errorf("invalid route %q", route)
	}
}

// Match returns the pricer for a request, or nil when no rule applies
func (r RouteRules) Match(method, path string) Pricer {
	for _, rule := range r {
		if rule.Method != "*" && !strings.EqualFold(rule.Method, method) {
			continue
		}
		if strings.HasSuffix(rule.Path, "*") {
			if strings.HasPrefix(path, strings.TrimSuffix(rule.Path, "*")) {
				return rule.Pricer
			}
			continue
		}
		if rule.Path == path {
			return rule.Pricer
		}
	}
	return nil
}

type pricingFile struct {
	Rules []struct {
		Route   string `yaml:"route"`
		Price   string `yaml:"price"`
		PerUnit string `yaml:"perUnit"`
		Base    string `yaml:"base"`
	} `yaml:"rules"`
}

// LoadRouteRules reads pricing rules from YAML:
//
//	rules:
//	  - route: "GET /v1/quote"
//	    price: "1000"
//	  - route: "POST /v1/chat/*"
//	    perUnit: "12.5"
//	    base: "100"
func LoadRouteRules(r io.Reader) (RouteRules, error) {
	var file pricingFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode pricing rules: %w", err)
	}

	rules := make(RouteRules, 0, len(file.Rules))
	for i, raw := range file.Rules {
		method, path, err := ParseRoute(raw.Route)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}

		var pricer Pricer
		switch {
		case raw.Price != "" && raw.PerUnit != "":
			return nil, fmt.Errorf("rule %d: price and perUnit are exclusive", i)
		case raw.Price != "":
			amount, ok := new(big.Int).SetString(raw.Price, 10)
			if !ok || amount.Sign() < 0 {
				return nil, fmt.Errorf("rule %d: invalid price %q", i, raw.Price)
			}
			pricer = FixedPricer{Amount: amount}
		case raw.PerUnit != "":
			unit, err := decimal.NewFromString(raw.PerUnit)
			if err != nil {
				return nil, fmt.Errorf("rule %d: invalid perUnit: %w", i, err)
			}
			base := decimal.Zero
			if raw.Base != "" {
				if base, err = decimal.NewFromString(raw.Base); err != nil {
					return nil, fmt.Errorf("rule %d: invalid base: %w", i, err)
				}
			}
			pricer = PerUnitPricer{Base: base, UnitPrice: unit}
		default:
			return nil, fmt.Errorf("rule %d: price or perUnit required", i)
		}

		rules = append(rules, RouteRule{Method: method, Path: path, Pricer: pricer})
	}
	return rules, nil
}
