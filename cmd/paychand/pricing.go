package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/x402-foundation/paychan"
)

var pricingCmd = &cli.Command{
	Name:      "pricing",
	Before:    before,
	Usage:     "Validates a pricing file and prints the parsed rules",
	UsageText: "paychand pricing --pricing rules.yaml",
	Flags: []cli.Flag{
		FlagPricing,
	},
	Action: pricingCommand,
}

func pricingCommand(cctx *cli.Context) error {
	rules, err := loadRules(cctx.Path("pricing"))
	if err != nil {
		return err
	}
	for _, r := range rules {
		fmt.Printf("%-7s %-40s %s\n", r.Method, r.Path, r.Pricer.Mode())
	}
	fmt.Printf("%d rules\n", len(rules))
	return nil
}

func loadRules(path string) (paychan.RouteRules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pricing file: %w", err)
	}
	defer f.Close()
	return paychan.LoadRouteRules(f)
}
