package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"

	"github.com/x402-foundation/paychan"
	paychanhttp "github.com/x402-foundation/paychan/http"
	"github.com/x402-foundation/paychan/http/admin"
	paychangin "github.com/x402-foundation/paychan/http/gin"
	evmledger "github.com/x402-foundation/paychan/ledger/evm"
	memledger "github.com/x402-foundation/paychan/ledger/memory"
	paychanevm "github.com/x402-foundation/paychan/mechanisms/evm"
	paychansvm "github.com/x402-foundation/paychan/mechanisms/svm"
	"github.com/x402-foundation/paychan/metrics"
	evmsigner "github.com/x402-foundation/paychan/signers/evm"
	"github.com/x402-foundation/paychan/storage/memory"
	mongostore "github.com/x402-foundation/paychan/storage/mongo"
)

const shutdownTimeout = 10 * time.Second

var daemonCmd = &cli.Command{
	Name:   "daemon",
	Usage:  "Starts the payee daemon in front of an upstream service",
	Before: before,
	Flags:  daemonFlags,
	Action: daemonCommand,
}

// daemonConfig is the resolved command line of the daemon
type daemonConfig struct {
	Address  string
	Port     uint
	Upstream string
	Rules    paychan.RouteRules
	ChainID  uint64
	Domain   paychanevm.DomainConfig

	Storage  string
	MongoURI string
	MongoDB  string

	Ledger      string
	RPCURL      string
	HubContract string
	PayeeKey    string
	FromBlock   uint64
	LedgerPoll  time.Duration

	PayeeID     string
	DevPayerKey string
	DevAsset    string
	DevDeposit  *big.Int

	Claims     paychan.ClaimConfig
	BalanceTTL time.Duration
	AdminToken string
}

func configFromFlags(cctx *cli.Context) (daemonConfig, error) {
	rules, err := loadRules(cctx.Path("pricing"))
	if err != nil {
		return daemonConfig{}, err
	}

	minClaim, ok := new(big.Int).SetString(cctx.String("min-claim"), 10)
	if !ok || minClaim.Sign() < 0 {
		return daemonConfig{}, fmt.Errorf("invalid --min-claim %q", cctx.String("min-claim"))
	}
	deposit, ok := new(big.Int).SetString(cctx.String("dev-deposit"), 10)
	if !ok || deposit.Sign() < 0 {
		return daemonConfig{}, fmt.Errorf("invalid --dev-deposit %q", cctx.String("dev-deposit"))
	}

	claims := paychan.DefaultClaimConfig()
	claims.MinClaimAmount = minClaim
	claims.MaxConcurrentClaims = cctx.Int64("max-concurrent-claims")
	claims.MaxRetries = cctx.Int("claim-retries")
	claims.RetryDelay = cctx.Duration("claim-retry-delay")
	claims.ClaimTimeout = cctx.Duration("claim-timeout")
	claims.SweepInterval = cctx.Duration("claim-sweep")
	claims.RequireHubBalance = cctx.Bool("require-hub-balance")

	domain := paychanevm.DefaultDomain
	domain.VerifyingContract = cctx.String("verifying-contract")

	return daemonConfig{
		Address:     cctx.String("address"),
		Port:        cctx.Uint("port"),
		Upstream:    cctx.String("upstream"),
		Rules:       rules,
		ChainID:     cctx.Uint64("chain-id"),
		Domain:      domain,
		Storage:     cctx.String("storage"),
		MongoURI:    cctx.String("mongo-uri"),
		MongoDB:     cctx.String("mongo-db"),
		Ledger:      cctx.String("ledger"),
		RPCURL:      cctx.String("rpc-url"),
		HubContract: cctx.String("hub-contract"),
		PayeeKey:    cctx.String("payee-key"),
		FromBlock:   cctx.Uint64("from-block"),
		LedgerPoll:  cctx.Duration("ledger-poll"),
		PayeeID:     cctx.String("payee-did"),
		DevPayerKey: cctx.String("dev-payer-key"),
		DevAsset:    cctx.String("dev-asset"),
		DevDeposit:  deposit,
		Claims:      claims,
		BalanceTTL:  cctx.Duration("balance-ttl"),
		AdminToken:  cctx.String("admin-token"),
	}, nil
}

func daemonCommand(cctx *cli.Context) error {
	cfg, err := configFromFlags(cctx)
	if err != nil {
		return err
	}

	d, err := newDaemon(cctx.Context, cfg)
	if err != nil {
		return err
	}

	serverErrChan := make(chan error, 1)
	metricsServerErrChan := make(chan error, 1)
	go func() {
		fmt.Printf("paychand listening on address %s, billing %s\n", d.Addr(), cfg.Upstream)
		fmt.Println("Hit CTRL-C to stop the daemon")
		serverErrChan <- d.Start()
	}()

	var metricsServer *metrics.MetricsServer
	if cctx.Bool("expose-metrics") {
		metricsServer, err = metrics.NewHttpServer(cctx.Context, cctx.String("metrics-address"), cctx.Uint("metrics-port"))
		if err != nil {
			logger.Errorw("failed to create metrics server", "err", err)
			return multierr.Append(err, d.Close())
		}
		go func() {
			fmt.Printf("paychand metrics listening on address %s\n", metricsServer.Addr())
			metricsServerErrChan <- metricsServer.Start()
		}()
	}

	select {
	case <-cctx.Done():
	case err = <-serverErrChan:
		logger.Errorw("http server stopped", "err", err)
	case err = <-metricsServerErrChan:
		logger.Errorw("metrics server stopped", "err", err)
	}

	fmt.Println("Shutting down paychand")
	closeErr := d.Close()
	if metricsServer != nil {
		closeErr = multierr.Append(closeErr, metricsServer.Close())
	}
	if closeErr != nil {
		logger.Errorw("shutdown incomplete", "err", closeErr)
	}
	return multierr.Append(err, closeErr)
}

// repository is the storage surface the daemon needs from a backend
type repository interface {
	paychan.ChannelRepository
	paychan.VoucherRepository
	paychan.PendingVoucherStore
}

// daemon wires storage, ledger, processor and claim engine behind one http server
type daemon struct {
	cfg       daemonConfig
	store     repository
	ledger    paychan.LedgerContract
	locks     *paychan.SubChannelLocks
	processor *paychan.Processor
	claims    *paychan.ClaimEngine

	listener net.Listener
	server   *http.Server
	cancel   context.CancelFunc
	closers  []func() error
}

func newDaemon(ctx context.Context, cfg daemonConfig) (d *daemon, err error) {
	ctx, cancel := context.WithCancel(ctx)
	d = &daemon{cfg: cfg, cancel: cancel, locks: paychan.NewSubChannelLocks()}
	defer func() {
		if err != nil {
			err = multierr.Append(err, d.Close())
			d = nil
		}
	}()

	if err = d.openStore(ctx); err != nil {
		return
	}

	verifiers := paychan.NewVerifierRegistry(paychanevm.NewVerifier(cfg.Domain), paychansvm.NewVerifier())
	if err = d.openLedger(ctx, verifiers); err != nil {
		return
	}

	balances, err := paychan.NewBalanceCache(d.ledger, paychan.BalanceCacheConfig{
		TTL:                  cfg.BalanceTTL,
		NegativeTTL:          cfg.BalanceTTL / 6,
		StaleWhileRevalidate: 2 * cfg.BalanceTTL,
		MaxEntries:           paychan.DefaultBalanceCacheConfig().MaxEntries,
		RefreshTimeout:       paychan.DefaultBalanceCacheConfig().RefreshTimeout,
	})
	if err != nil {
		return
	}

	d.claims, err = paychan.NewClaimEngine(cfg.Claims, d.ledger, d.store, d.store,
		paychan.WithClaimBalanceCache(balances),
		paychan.WithClaimLocks(d.locks))
	if err != nil {
		return
	}
	d.claims.Subscribe(logClaim)

	d.processor, err = paychan.NewProcessor(paychan.ProcessorConfig{
		ChainID:   cfg.ChainID,
		Channels:  d.store,
		Vouchers:  d.store,
		Pending:   d.store,
		Verifiers: verifiers,
		Ledger:    d.ledger,
	}, paychan.WithClaimNotifier(d.claims), paychan.WithSubChannelLocks(d.locks))
	if err != nil {
		return
	}

	handler, err := d.router()
	if err != nil {
		return
	}

	addr := fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
	d.listener, err = net.Listen("tcp", addr) // assigns a port if port is 0
	if err != nil {
		return
	}
	d.server = &http.Server{
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     handler,
	}

	d.claims.Start(ctx)
	d.closers = append(d.closers, d.claims.Close)
	return d, nil
}

func (d *daemon) openStore(ctx context.Context) error {
	switch d.cfg.Storage {
	case "memory":
		d.store = memory.NewStore()
		logger.Warn("using in-memory storage, vouchers are lost on restart")
		return nil
	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(d.cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("failed to connect to mongo: %w", err)
		}
		d.closers = append(d.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return client.Disconnect(ctx)
		})
		if err := client.Ping(ctx, nil); err != nil {
			return fmt.Errorf("failed to reach mongo: %w", err)
		}
		store := mongostore.NewStore(client, d.cfg.MongoDB)
		if err := store.EnsureIndexes(ctx); err != nil {
			return err
		}
		d.store = store
		logger.Infow("using mongo storage", "db", d.cfg.MongoDB)
		return nil
	default:
		return fmt.Errorf("unknown storage %q", d.cfg.Storage)
	}
}

func (d *daemon) openLedger(ctx context.Context, verifiers *paychan.VerifierRegistry) error {
	switch d.cfg.Ledger {
	case "memory":
		l := memledger.New(d.cfg.ChainID, verifiers, memledger.WithEvents(256))
		d.ledger = l
		go d.mirrorEvents(ctx, l.Events())
		if d.cfg.DevPayerKey != "" {
			return d.openDevChannel(ctx, l)
		}
		return nil
	case "evm":
		l, err := evmledger.Dial(ctx, d.cfg.RPCURL, evmledger.Config{
			Contract:     d.cfg.HubContract,
			PrivateKey:   d.cfg.PayeeKey,
			ChainID:      d.cfg.ChainID,
			PollInterval: d.cfg.LedgerPoll,
		})
		if err != nil {
			return err
		}
		d.ledger = l
		go func() {
			err := l.Watch(ctx, d.cfg.FromBlock, d.cfg.LedgerPoll, func(e paychan.LedgerEvent) error {
				return paychan.ApplyLedgerEvent(ctx, d.store, d.locks, e)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Errorw("hub event watch stopped", "err", err)
			}
		}()
		return nil
	default:
		return fmt.Errorf("unknown ledger %q", d.cfg.Ledger)
	}
}

// mirrorEvents applies ledger events to the local channel cache until ctx ends
func (d *daemon) mirrorEvents(ctx context.Context, events <-chan paychan.LedgerEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-events:
			if err := paychan.ApplyLedgerEvent(ctx, d.store, d.locks, e); err != nil {
				logger.Warnw("failed to apply ledger event", "kind", e.Kind, "channel", e.ChannelID, "err", err)
			}
		}
	}
}

// openDevChannel opens, authorizes and funds a channel for a local payer key
func (d *daemon) openDevChannel(ctx context.Context, l *memledger.Ledger) error {
	signer, err := evmsigner.NewVoucherSignerFromPrivateKey(d.cfg.DevPayerKey, d.cfg.Domain)
	if err != nil {
		return err
	}
	payer := fmt.Sprintf("did:pkh:eip155:%d:%s", d.cfg.ChainID, signer.Address())

	ch, _, err := l.OpenChannel(ctx, paychan.OpenChannelRequest{PayerID: payer, PayeeID: d.cfg.PayeeID, AssetID: d.cfg.DevAsset})
	if err != nil {
		return err
	}
	sub := paychan.SubChannel{
		ChannelID:    ch.ChannelID,
		VMIDFragment: "key-1",
		PublicKey:    signer.PublicKey(),
		MethodType:   signer.MethodType(),
	}
	if _, err := l.AuthorizeSubChannel(ctx, ch.ChannelID, sub); err != nil {
		return err
	}
	l.Deposit(payer, d.cfg.DevAsset, d.cfg.DevDeposit)

	// mirror synchronously so the first request does not race the event loop
	if err := d.store.PutChannel(ctx, *ch); err != nil {
		return err
	}
	sub.LastClaimedAmount = new(big.Int)
	if err := d.store.PutSubChannel(ctx, sub); err != nil {
		return err
	}

	logger.Infow("development channel ready",
		"channel", ch.ChannelID,
		"payer", payer,
		"vm", sub.VMIDFragment,
		"deposit", humanize.BigComma(d.cfg.DevDeposit))
	return nil
}

func (d *daemon) router() (http.Handler, error) {
	proxy, err := newUpstreamProxy(d.cfg.Upstream)
	if err != nil {
		return nil, err
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	admin.NewServer(admin.Config{
		Claims:   d.claims,
		Vouchers: d.store,
		Pending:  d.store,
		Token:    d.cfg.AdminToken,
	}).Register(engine)

	middleware := paychanhttp.NewMiddleware(d.processor, d.cfg.Rules)
	engine.NoRoute(paychangin.PaymentMiddleware(middleware), gin.WrapH(proxy))
	return engine, nil
}

// Addr returns the listening address of the server
func (d *daemon) Addr() string {
	return d.listener.Addr().String()
}

// Start serves until Close is called
func (d *daemon) Start() error {
	logger.Infow("starting http server", "listen_addr", d.listener.Addr(), "version", version())
	err := d.server.Serve(d.listener)
	if !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the server, the claim engine and the storage backend
func (d *daemon) Close() error {
	d.cancel()

	var err error
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, d.server.Shutdown(ctx))
	} else if d.listener != nil {
		err = multierr.Append(err, d.listener.Close())
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, d.closers[i]())
	}
	d.closers = nil
	return err
}

func logClaim(rec paychan.ClaimRecord) {
	switch rec.State {
	case paychan.ClaimFailed:
		logger.Warnw("claim failed", "channel", rec.ChannelID, "vm", rec.VMIDFragment, "attempts", rec.Attempts, "err", rec.LastError)
	case paychan.ClaimIdle:
		if rec.LastTxHash == "" || rec.ClaimedAmount == nil {
			return
		}
		logger.Infow("claim settled",
			"channel", rec.ChannelID,
			"vm", rec.VMIDFragment,
			"claimed", humanize.BigComma(rec.ClaimedAmount),
			"tx", rec.LastTxHash)
	}
}
