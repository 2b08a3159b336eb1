package main

import (
	"os"
	"time"

	log "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
)

// verbose logging is enabled for these subsystems when using the verbose or very-verbose flags
var verboseLoggingSubsystems = []string{
	"paychan",
	"paychan/claims",
	"paychan/http",
	"paychan/ledger",
	"paychan/storage",
	"paychan/admin",
	"paychan/mcp",
	"paychan/metrics",
	"paychand",
}

// FlagVerbose enables verbose mode, which shows info information about
// operations invoked in the CLI.
var FlagVerbose = &cli.BoolFlag{
	Name:    "verbose",
	Aliases: []string{"v"},
	Usage:   "enable verbose mode for logging",
	Action:  setLogLevel("INFO"),
}

// FlagVeryVerbose enables very verbose mode, which shows debug information about
// operations invoked in the CLI.
var FlagVeryVerbose = &cli.BoolFlag{
	Name:    "very-verbose",
	Aliases: []string{"vv"},
	Usage:   "enable very verbose mode for debugging",
	Action:  setLogLevel("DEBUG"),
}

// setLogLevel returns a CLI Action function that sets the logging level for
// the paychan subsystems. It is a no-op when GOLOG_LOG_LEVEL is set.
func setLogLevel(level string) func(*cli.Context, bool) error {
	return func(cctx *cli.Context, _ bool) error {
		if os.Getenv("GOLOG_LOG_LEVEL") != "" {
			return nil
		}
		for _, name := range verboseLoggingSubsystems {
			_ = log.SetLogLevel(name, level)
		}
		return nil
	}
}

var FlagExposeMetrics = &cli.BoolFlag{
	Name:    "expose-metrics",
	Usage:   "expose prometheus metrics on a separate listener",
	EnvVars: []string{"PAYCHAN_EXPOSE_METRICS"},
}

var FlagMetricsAddress = &cli.StringFlag{
	Name:    "metrics-address",
	Usage:   "the address the metrics server listens on",
	Value:   "127.0.0.1",
	EnvVars: []string{"PAYCHAN_METRICS_ADDRESS"},
}

var FlagMetricsPort = &cli.UintFlag{
	Name:        "metrics-port",
	Usage:       "the port the metrics server listens on",
	Value:       0,
	DefaultText: "random",
	EnvVars:     []string{"PAYCHAN_METRICS_PORT"},
}

var FlagPricing = &cli.PathFlag{
	Name:     "pricing",
	Usage:    "YAML file with the route pricing rules",
	Required: true,
	EnvVars:  []string{"PAYCHAN_PRICING_FILE"},
}

var FlagChainID = &cli.Uint64Flag{
	Name:    "chain-id",
	Usage:   "the chain every voucher must be bound to",
	Value:   84532,
	EnvVars: []string{"PAYCHAN_CHAIN_ID"},
}

var daemonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "address",
		Aliases: []string{"a"},
		Usage:   "the address the http server listens on",
		Value:   "127.0.0.1",
		EnvVars: []string{"PAYCHAN_ADDRESS"},
	},
	&cli.UintFlag{
		Name:        "port",
		Aliases:     []string{"p"},
		Usage:       "the port the http server listens on",
		Value:       0,
		DefaultText: "random",
		EnvVars:     []string{"PAYCHAN_PORT"},
	},
	&cli.StringFlag{
		Name:     "upstream",
		Aliases:  []string{"u"},
		Usage:    "base URL of the service the daemon bills for",
		Required: true,
		EnvVars:  []string{"PAYCHAN_UPSTREAM"},
	},
	FlagPricing,
	FlagChainID,
	&cli.StringFlag{
		Name:    "verifying-contract",
		Usage:   "EIP-712 verifying contract of secp256k1 vouchers",
		Value:   "0x0000000000000000000000000000000000000000",
		EnvVars: []string{"PAYCHAN_VERIFYING_CONTRACT"},
	},
	&cli.StringFlag{
		Name:    "storage",
		Usage:   "voucher storage backend: memory or mongo",
		Value:   "memory",
		EnvVars: []string{"PAYCHAN_STORAGE"},
	},
	&cli.StringFlag{
		Name:    "mongo-uri",
		Usage:   "MongoDB connection string when --storage=mongo",
		Value:   "mongodb://127.0.0.1:27017",
		EnvVars: []string{"PAYCHAN_MONGO_URI"},
	},
	&cli.StringFlag{
		Name:    "mongo-db",
		Usage:   "MongoDB database name",
		Value:   "paychan",
		EnvVars: []string{"PAYCHAN_MONGO_DB"},
	},
	&cli.StringFlag{
		Name:    "ledger",
		Usage:   "settlement ledger: memory or evm",
		Value:   "memory",
		EnvVars: []string{"PAYCHAN_LEDGER"},
	},
	&cli.StringFlag{
		Name:    "rpc-url",
		Usage:   "JSON-RPC endpoint when --ledger=evm",
		EnvVars: []string{"PAYCHAN_RPC_URL"},
	},
	&cli.StringFlag{
		Name:    "hub-contract",
		Usage:   "payment hub contract address when --ledger=evm",
		EnvVars: []string{"PAYCHAN_HUB_CONTRACT"},
	},
	&cli.StringFlag{
		Name:    "payee-key",
		Usage:   "hex private key that submits claims when --ledger=evm",
		EnvVars: []string{"PAYCHAN_PAYEE_KEY"},
	},
	&cli.Uint64Flag{
		Name:    "from-block",
		Usage:   "first block scanned for hub events",
		EnvVars: []string{"PAYCHAN_FROM_BLOCK"},
	},
	&cli.DurationFlag{
		Name:    "ledger-poll",
		Usage:   "receipt and event polling interval",
		Value:   2 * time.Second,
		EnvVars: []string{"PAYCHAN_LEDGER_POLL"},
	},
	&cli.StringFlag{
		Name:        "dev-payer-key",
		Usage:       "open and fund a channel for this secp256k1 payer key on the memory ledger",
		DefaultText: "no channel is opened",
		EnvVars:     []string{"PAYCHAN_DEV_PAYER_KEY"},
	},
	&cli.StringFlag{
		Name:    "payee-did",
		Usage:   "identifier of the payee on the memory ledger",
		Value:   "did:example:paychand",
		EnvVars: []string{"PAYCHAN_PAYEE_DID"},
	},
	&cli.StringFlag{
		Name:    "dev-asset",
		Usage:   "asset of the development channel",
		Value:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		EnvVars: []string{"PAYCHAN_DEV_ASSET"},
	},
	&cli.StringFlag{
		Name:    "dev-deposit",
		Usage:   "hub deposit of the development payer",
		Value:   "1000000000000",
		EnvVars: []string{"PAYCHAN_DEV_DEPOSIT"},
	},
	&cli.StringFlag{
		Name:    "min-claim",
		Usage:   "unsettled amount that triggers a claim",
		Value:   "500000000",
		EnvVars: []string{"PAYCHAN_MIN_CLAIM"},
	},
	&cli.Int64Flag{
		Name:    "max-concurrent-claims",
		Usage:   "claims in flight across all sub-channels",
		Value:   4,
		EnvVars: []string{"PAYCHAN_MAX_CONCURRENT_CLAIMS"},
	},
	&cli.IntFlag{
		Name:    "claim-retries",
		Usage:   "retries after a failed claim attempt",
		Value:   3,
		EnvVars: []string{"PAYCHAN_CLAIM_RETRIES"},
	},
	&cli.DurationFlag{
		Name:    "claim-retry-delay",
		Usage:   "cooldown between claim attempts",
		Value:   30 * time.Second,
		EnvVars: []string{"PAYCHAN_CLAIM_RETRY_DELAY"},
	},
	&cli.DurationFlag{
		Name:    "claim-timeout",
		Usage:   "bound on every ledger call made for a claim",
		Value:   60 * time.Second,
		EnvVars: []string{"PAYCHAN_CLAIM_TIMEOUT"},
	},
	&cli.DurationFlag{
		Name:    "claim-sweep",
		Usage:   "interval of the periodic claim sweep, 0 disables it",
		Value:   5 * time.Minute,
		EnvVars: []string{"PAYCHAN_CLAIM_SWEEP"},
	},
	&cli.BoolFlag{
		Name:    "require-hub-balance",
		Usage:   "only claim when the payer's cached hub balance covers the claim",
		EnvVars: []string{"PAYCHAN_REQUIRE_HUB_BALANCE"},
	},
	&cli.DurationFlag{
		Name:    "balance-ttl",
		Usage:   "freshness of cached hub balances",
		Value:   30 * time.Second,
		EnvVars: []string{"PAYCHAN_BALANCE_TTL"},
	},
	&cli.StringFlag{
		Name:        "admin-token",
		Usage:       "bearer token required by the admin API",
		DefaultText: "admin API is unauthenticated",
		EnvVars:     []string{"PAYCHAN_ADMIN_TOKEN"},
	},
	FlagExposeMetrics,
	FlagMetricsAddress,
	FlagMetricsPort,
	FlagVerbose,
	FlagVeryVerbose,
}
