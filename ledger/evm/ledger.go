// Package evm binds the settlement ledger to a payment hub contract on an EVM chain.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	log "github.com/ipfs/go-log/v2"

	"github.com/x402-foundation/paychan"
)

var logger = log.Logger("paychan/ledger")

// ErrReverted is returned when a ledger transaction was mined with a failed status
var ErrReverted = errors.New("transaction reverted")

const (
	defaultPollInterval = time.Second
	gasHeadroomPercent  = 120
)

// Backend is the subset of ethclient.Client the ledger needs
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config describes the hub contract and the payee account that submits claims
type Config struct {
	Contract   string
	PrivateKey string
	ChainID    uint64

	// GasLimit overrides gas estimation when non-zero
	GasLimit uint64
	// PollInterval is the receipt polling period
	PollInterval time.Duration
}

// Ledger implements paychan.LedgerContract against the hub contract
type Ledger struct {
	backend  Backend
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	poll     time.Duration

	// serializes nonce assignment and submission
	txMu sync.Mutex
}

var _ paychan.LedgerContract = (*Ledger)(nil)

// Dial connects to rpcURL and checks the node's chain against cfg.ChainID
func Dial(ctx context.Context, rpcURL string, cfg Config) (*Ledger, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if cfg.ChainID != 0 && chainID.Uint64() != cfg.ChainID {
		client.Close()
		return nil, fmt.Errorf("node is on chain %s, configured for %d", chainID, cfg.ChainID)
	}
	cfg.ChainID = chainID.Uint64()
	return New(client, cfg)
}

// New creates a ledger over an existing backend
func New(backend Backend, cfg Config) (*Ledger, error) {
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid hub contract address %q", cfg.Contract)
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("chain id is required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse payee key: %w", err)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	l := &Ledger{
		backend:  backend,
		contract: common.HexToAddress(cfg.Contract),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  new(big.Int).SetUint64(cfg.ChainID),
		gasLimit: cfg.GasLimit,
		poll:     poll,
	}
	logger.Infow("evm ledger ready", "contract", l.contract.Hex(), "payee", l.from.Hex(), "chain", cfg.ChainID)
	return l, nil
}

// Address returns the account that signs ledger transactions
func (l *Ledger) Address() common.Address {
	return l.from
}

// ============================================================================
// LedgerContract
// ============================================================================

// OpenChannel opens the channel derived from req. An already active channel
// is returned unchanged with an empty transaction hash.
func (l *Ledger) OpenChannel(ctx context.Context, req paychan.OpenChannelRequest) (*paychan.Channel, string, error) {
	if req.PayerID == "" || req.PayeeID == "" || req.AssetID == "" {
		return nil, "", errors.New("payer, payee and asset are required")
	}
	if !common.IsHexAddress(req.AssetID) {
		return nil, "", fmt.Errorf("asset %q is not an EVM address", req.AssetID)
	}

	id := paychan.DeriveChannelID(req.PayerID, req.PayeeID, req.AssetID)
	existing, err := l.GetChannelStatus(ctx, id)
	switch {
	case err == nil && existing.Usable():
		return existing, "", nil
	case err != nil && !errors.Is(err, paychan.ErrNotFound):
		return nil, "", err
	}

	receipt, err := l.transact(ctx, "openChannel", req.PayerID, req.PayeeID, common.HexToAddress(req.AssetID))
	if err != nil {
		return nil, "", err
	}
	tx := receipt.TxHash.Hex()

	for _, lg := range receipt.Logs {
		e, err := DecodeLog(*lg)
		if err == nil && e.Kind == paychan.EventChannelOpened {
			logger.Infow("channel opened", "channel", e.ChannelID, "epoch", e.Opened.Epoch, "tx", tx)
			return e.Opened, tx, nil
		}
	}

	ch, err := l.GetChannelStatus(ctx, id)
	if err != nil {
		return nil, tx, err
	}
	logger.Infow("channel opened", "channel", ch.ChannelID, "epoch", ch.Epoch, "tx", tx)
	return ch, tx, nil
}

// AuthorizeSubChannel registers a signing key under channelID
func (l *Ledger) AuthorizeSubChannel(ctx context.Context, channelID string, sub paychan.SubChannel) (string, error) {
	if sub.VMIDFragment == "" || sub.PublicKey == "" || sub.MethodType == "" {
		return "", errors.New("vmIdFragment, public key and method type are required")
	}
	id, err := channelHash(channelID)
	if err != nil {
		return "", err
	}
	receipt, err := l.transact(ctx, "authorizeSubChannel", id, sub.VMIDFragment, sub.PublicKey, sub.MethodType)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// Claim submits voucher and reports the amount it moved to the payee
func (l *Ledger) Claim(ctx context.Context, voucher paychan.SignedVoucher) (*paychan.ClaimResult, error) {
	v := voucher.Voucher
	if v.ChainID != l.chainID.Uint64() {
		return nil, fmt.Errorf("voucher for chain %d on chain %s", v.ChainID, l.chainID)
	}
	id, err := channelHash(v.ChannelID)
	if err != nil {
		return nil, err
	}

	sub, err := l.GetSubChannel(ctx, v.ChannelID, v.VMIDFragment)
	if err != nil {
		return nil, err
	}
	claimed := sub.Claimed()
	delta := new(big.Int).Sub(v.Amount(), claimed)
	if delta.Sign() <= 0 {
		return nil, fmt.Errorf("voucher amount %s does not exceed claimed %s", v.Amount(), claimed)
	}

	receipt, err := l.transact(ctx, "claimFromChannel",
		id, v.VMIDFragment, v.ChannelEpoch, v.Amount(), v.Nonce, voucher.Signature)
	if err != nil {
		return nil, err
	}
	tx := receipt.TxHash.Hex()
	logger.Infow("claim landed", "channel", v.ChannelID, "vm", v.VMIDFragment, "nonce", v.Nonce, "amount", delta, "tx", tx)
	return &paychan.ClaimResult{TxHash: tx, ClaimedAmount: delta}, nil
}

// CloseChannel claims final when it is ahead of the claimed amount, then closes the channel
func (l *Ledger) CloseChannel(ctx context.Context, channelID string, final *paychan.SignedVoucher) (string, error) {
	id, err := channelHash(channelID)
	if err != nil {
		return "", err
	}
	if final != nil {
		if _, err := l.Claim(ctx, *final); err != nil {
			logger.Warnw("final claim on close failed", "channel", channelID, "err", err)
		}
	}

	receipt, err := l.transact(ctx, "closeChannel", id)
	if err != nil {
		return "", err
	}
	tx := receipt.TxHash.Hex()
	logger.Infow("channel closed", "channel", channelID, "tx", tx)
	return tx, nil
}

// GetChannelStatus returns the channel or an error wrapping paychan.ErrNotFound
func (l *Ledger) GetChannelStatus(ctx context.Context, channelID string) (*paychan.Channel, error) {
	id, err := channelHash(channelID)
	if err != nil {
		return nil, err
	}
	out, err := l.call(ctx, "getChannelInfo", id)
	if err != nil {
		return nil, err
	}
	if len(out) != 5 {
		return nil, fmt.Errorf("getChannelInfo returned %d values", len(out))
	}

	status, ok := out[4].(uint8)
	if !ok {
		return nil, fmt.Errorf("unexpected channel status type %T", out[4])
	}
	if status == statusNone {
		return nil, fmt.Errorf("channel %s: %w", channelID, paychan.ErrNotFound)
	}
	payer, _ := out[0].(string)
	payee, _ := out[1].(string)
	asset, _ := out[2].(common.Address)
	epoch, _ := out[3].(uint64)

	ch := &paychan.Channel{
		ChannelID: common.Hash(id).Hex(),
		PayerID:   payer,
		PayeeID:   payee,
		AssetID:   asset.Hex(),
		Epoch:     epoch,
	}
	ch.Status, err = channelStatus(status)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// GetSubChannel returns the sub-channel or an error wrapping paychan.ErrNotFound
func (l *Ledger) GetSubChannel(ctx context.Context, channelID, vmIDFragment string) (*paychan.SubChannel, error) {
	id, err := channelHash(channelID)
	if err != nil {
		return nil, err
	}
	out, err := l.call(ctx, "getSubChannel", id, vmIDFragment)
	if err != nil {
		return nil, err
	}
	if len(out) != 4 {
		return nil, fmt.Errorf("getSubChannel returned %d values", len(out))
	}

	publicKey, _ := out[0].(string)
	if publicKey == "" {
		return nil, fmt.Errorf("sub-channel %s#%s: %w", channelID, vmIDFragment, paychan.ErrNotFound)
	}
	methodType, _ := out[1].(string)
	claimed, _ := out[2].(*big.Int)
	nonce, _ := out[3].(uint64)
	if claimed == nil {
		claimed = new(big.Int)
	}

	return &paychan.SubChannel{
		ChannelID:          common.Hash(id).Hex(),
		VMIDFragment:       vmIDFragment,
		PublicKey:          publicKey,
		MethodType:         methodType,
		LastClaimedAmount:  claimed,
		LastConfirmedNonce: nonce,
	}, nil
}

// GetHubBalance returns owner's hub balance for asset
func (l *Ledger) GetHubBalance(ctx context.Context, ownerID, assetID string) (*big.Int, error) {
	if !common.IsHexAddress(assetID) {
		return nil, fmt.Errorf("asset %q is not an EVM address", assetID)
	}
	out, err := l.call(ctx, "hubBalance", ownerID, common.HexToAddress(assetID))
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("hubBalance returned %d values", len(out))
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balance type %T", out[0])
	}
	return balance, nil
}

// ============================================================================
// Helpers
// ============================================================================

func (l *Ledger) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	result, err := l.backend.CallContract(ctx, ethereum.CallMsg{
		From: l.from,
		To:   &l.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	out, err := parsedABI.Methods[method].Outputs.Unpack(result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}

// transact signs and submits a hub call, then waits for it to be mined
func (l *Ledger) transact(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error) {
	data, err := parsedABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	signed, err := l.send(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	logger.Debugw("transaction sent", "method", method, "tx", signed.Hash().Hex(), "nonce", signed.Nonce())

	receipt, err := l.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s in %s: %w", method, receipt.TxHash.Hex(), ErrReverted)
	}
	return receipt, nil
}

func (l *Ledger) send(ctx context.Context, data []byte) (*types.Transaction, error) {
	l.txMu.Lock()
	defer l.txMu.Unlock()

	nonce, err := l.backend.PendingNonceAt(ctx, l.from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	gas := l.gasLimit
	if gas == 0 {
		estimated, err := l.backend.EstimateGas(ctx, ethereum.CallMsg{
			From: l.from,
			To:   &l.contract,
			Data: data,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		gas = estimated * gasHeadroomPercent / 100
	}

	tx := types.NewTransaction(nonce, l.contract, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.chainID), l.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed, nil
}

func (l *Ledger) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()

	for {
		receipt, err := l.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			logger.Debugw("receipt lookup failed", "tx", hash.Hex(), "err", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func channelHash(channelID string) ([32]byte, error) {
	raw := strings.TrimPrefix(channelID, "0x")
	if len(raw) != 64 {
		return [32]byte{}, fmt.Errorf("channel id %q is not a 32-byte hex value", channelID)
	}
	return common.HexToHash(channelID), nil
}

func channelStatus(code uint8) (paychan.ChannelStatus, error) {
	switch code {
	case statusActive:
		return paychan.ChannelActive, nil
	case statusClosing:
		return paychan.ChannelClosing, nil
	case statusClosed:
		return paychan.ChannelClosed, nil
	default:
		return "", fmt.Errorf("unknown channel status %d", code)
	}
}
