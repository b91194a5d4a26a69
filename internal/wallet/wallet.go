// Package wallet handles signing, verification, and broadcast of disputed
// trade payouts. Trade deposits sit behind a 2-of-3 scheme (buyer, seller,
// arbitrator); arbitration produces the arbitrator's signature over the
// payout terms, and exactly one trader co-signs and broadcasts.
package wallet

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/parley-trade/parley/internal/retry"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidPrivateKey  = errors.New("wallet: invalid private key")
	ErrBadArbitratorSig   = errors.New("wallet: arbitrator signature does not verify")
	ErrNotMultiSigKey     = errors.New("wallet: local key is not part of the deposit multisig")
	ErrMalformedTx        = errors.New("wallet: malformed payout transaction")
	ErrBroadcastFailed    = errors.New("wallet: broadcast failed")
	ErrTimeout            = errors.New("wallet: operation timed out")
	ErrBroadcasterUnwired = errors.New("wallet: no broadcaster configured")
	ErrDepositTerms       = errors.New("wallet: payout terms do not match deposit")
)

// BroadcastError wraps broadcast failures with context
type BroadcastError struct {
	TxID string
	Err  error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("wallet: broadcast of %s failed: %v", e.TxID, e.Err)
}

func (e *BroadcastError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Broadcaster submits a finalized transaction to the settlement network.
type Broadcaster interface {
	Submit(ctx context.Context, txID string, raw []byte) error
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	// BroadcastAttempts is the bounded number of broadcast tries.
	BroadcastAttempts = 15

	// BroadcastInterval between broadcast attempts. Fixed, not exponential:
	// either the network accepts the tx soon or the failure is structural.
	BroadcastInterval = 2 * time.Second
)

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a new wallet
type Config struct {
	PrivateKey string // Hex string, with or without 0x prefix
}

// Option configures the wallet
type Option func(*Wallet)

// WithBroadcaster sets the transaction broadcaster.
func WithBroadcaster(b Broadcaster) Option {
	return func(w *Wallet) {
		w.broadcaster = b
	}
}

// WithBroadcastPolicy overrides the broadcast attempt count and spacing.
func WithBroadcastPolicy(attempts int, interval time.Duration) Option {
	return func(w *Wallet) {
		w.broadcastAttempts = attempts
		w.broadcastInterval = interval
	}
}

// PayoutTerms is the canonical signed content of a disputed payout. Both the
// arbitrator and the co-signing trader sign the digest of this encoding; any
// field change invalidates both signatures.
type PayoutTerms struct {
	TradeID             string `json:"tradeId"`
	DepositTxHash       string `json:"depositTxHash"`
	BuyerPayoutAmount   int64  `json:"buyerPayoutAmount"`
	SellerPayoutAmount  int64  `json:"sellerPayoutAmount"`
	BuyerPayoutAddress  string `json:"buyerPayoutAddress"`
	SellerPayoutAddress string `json:"sellerPayoutAddress"`
}

// SignedPayout is the wire form of a finalized payout transaction.
type SignedPayout struct {
	Terms               PayoutTerms `json:"terms"`
	TraderSignature     []byte      `json:"traderSignature"`
	TraderPubKey        []byte      `json:"traderPubKey"`
	ArbitratorSignature []byte      `json:"arbitratorSignature"`
	ArbitratorPubKey    []byte      `json:"arbitratorPubKey"`
}

// PayoutRequest carries the inputs for co-signing a disputed payout.
type PayoutRequest struct {
	TradeID              string
	DepositTxSerialized  []byte
	ArbitratorSignature  []byte
	ArbitratorPubKey     []byte
	BuyerPayoutAmount    int64
	SellerPayoutAmount   int64
	BuyerPayoutAddress   string
	SellerPayoutAddress  string
	MyMultiSigPubKey     []byte
	BuyerMultiSigPubKey  []byte
	SellerMultiSigPubKey []byte
}

// Result is a finalized payout ready for broadcast or import.
type Result struct {
	TxID string
	Raw  []byte
}

// Wallet holds the local signing key and tracks payout transactions it has
// finalized or imported.
type Wallet struct {
	privateKey        *ecdsa.PrivateKey
	pubKey            []byte // compressed
	broadcaster       Broadcaster
	broadcastAttempts int
	broadcastInterval time.Duration

	mu    sync.Mutex
	known map[string][]byte // txID -> raw
}

// New creates a new Wallet instance
func New(cfg Config, opts ...Option) (*Wallet, error) {
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	w := &Wallet{
		privateKey:        privateKey,
		pubKey:            crypto.CompressPubkey(&privateKey.PublicKey),
		broadcastAttempts: BroadcastAttempts,
		broadcastInterval: BroadcastInterval,
		known:             make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// PubKey returns the wallet's compressed public key, used as the multisig
// participant key in trade contracts.
func (w *Wallet) PubKey() []byte {
	return append([]byte(nil), w.pubKey...)
}

// TermsDigest returns the digest both parties sign.
func TermsDigest(t PayoutTerms) ([]byte, error) {
	enc, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(enc), nil
}

// SignTerms produces this wallet's signature over the payout terms. Used by
// the arbitrator side when issuing a verdict.
func (w *Wallet) SignTerms(t PayoutTerms) ([]byte, error) {
	digest, err := TermsDigest(t)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(digest, w.privateKey)
}

// SignAndFinalizePayout verifies the arbitrator's signature over the payout
// terms, co-signs with the local key, and assembles the broadcastable
// transaction. The local key must be one of the deposit's multisig keys.
func (w *Wallet) SignAndFinalizePayout(ctx context.Context, req PayoutRequest) (*Result, error) {
	if len(req.DepositTxSerialized) == 0 {
		return nil, fmt.Errorf("%w: no deposit transaction", ErrDepositTerms)
	}
	if !bytes.Equal(w.pubKey, req.MyMultiSigPubKey) {
		return nil, ErrNotMultiSigKey
	}
	if !bytes.Equal(w.pubKey, req.BuyerMultiSigPubKey) && !bytes.Equal(w.pubKey, req.SellerMultiSigPubKey) {
		return nil, ErrNotMultiSigKey
	}

	terms := PayoutTerms{
		TradeID:             req.TradeID,
		DepositTxHash:       hexutil.Encode(crypto.Keccak256(req.DepositTxSerialized)),
		BuyerPayoutAmount:   req.BuyerPayoutAmount,
		SellerPayoutAmount:  req.SellerPayoutAmount,
		BuyerPayoutAddress:  req.BuyerPayoutAddress,
		SellerPayoutAddress: req.SellerPayoutAddress,
	}
	digest, err := TermsDigest(terms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}

	if err := verifySignature(digest, req.ArbitratorSignature, req.ArbitratorPubKey); err != nil {
		return nil, err
	}

	traderSig, err := crypto.Sign(digest, w.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing payout terms: %w", err)
	}

	sp := SignedPayout{
		Terms:               terms,
		TraderSignature:     traderSig,
		TraderPubKey:        w.pubKey,
		ArbitratorSignature: req.ArbitratorSignature,
		ArbitratorPubKey:    req.ArbitratorPubKey,
	}
	raw, err := json.Marshal(sp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}

	res := &Result{
		TxID: hexutil.Encode(crypto.Keccak256(raw)),
		Raw:  raw,
	}
	w.remember(res)
	return res, nil
}

// Broadcast submits the transaction with a bounded number of fixed-spaced
// attempts.
func (w *Wallet) Broadcast(ctx context.Context, res *Result) error {
	if w.broadcaster == nil {
		return ErrBroadcasterUnwired
	}
	err := retry.DoFixed(ctx, w.broadcastAttempts, w.broadcastInterval, func() error {
		return w.broadcaster.Submit(ctx, res.TxID, res.Raw)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: tx %s", ErrTimeout, res.TxID)
		}
		return &BroadcastError{TxID: res.TxID, Err: err}
	}
	return nil
}

// ImportTx verifies and records a payout transaction broadcast by the trade
// peer. Both signatures must verify over the embedded terms.
func (w *Wallet) ImportTx(raw []byte) (*Result, error) {
	var sp SignedPayout
	if err := json.Unmarshal(raw, &sp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	digest, err := TermsDigest(sp.Terms)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	if err := verifySignature(digest, sp.ArbitratorSignature, sp.ArbitratorPubKey); err != nil {
		return nil, err
	}
	if len(sp.TraderSignature) == 0 || !crypto.VerifySignature(sp.TraderPubKey, digest, sp.TraderSignature[:64]) {
		return nil, fmt.Errorf("%w: trader signature does not verify", ErrMalformedTx)
	}

	res := &Result{
		TxID: hexutil.Encode(crypto.Keccak256(raw)),
		Raw:  append([]byte(nil), raw...),
	}
	w.remember(res)
	return res, nil
}

// Known reports whether the wallet has seen the given transaction.
func (w *Wallet) Known(txID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.known[txID]
	return ok
}

func (w *Wallet) remember(res *Result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.known[res.TxID] = res.Raw
}

// verifySignature checks a 65-byte recoverable signature against a compressed
// public key.
func verifySignature(digest, sig, pubKey []byte) error {
	if len(sig) < 64 || len(pubKey) == 0 {
		return ErrBadArbitratorSig
	}
	if !crypto.VerifySignature(pubKey, digest, sig[:64]) {
		return ErrBadArbitratorSig
	}
	return nil
}
