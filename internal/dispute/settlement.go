package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/parley-trade/parley/internal/idgen"
	"github.com/parley-trade/parley/internal/metrics"
	"github.com/parley-trade/parley/internal/traces"
)

// Settler coordinates payout settlement after a verdict: it decides the
// unique broadcaster, signs and broadcasts the payout transaction or
// forwards an already-known one, and notifies the counterparty. Runs on the
// engine's dispatch loop.
//
// Only one side of a trade ever broadcasts: publishing from both traders
// would produce two different transactions (buyer+arbitrator signed vs
// seller+arbitrator signed) and break zero-conf handling downstream.
type Settler struct {
	keyRing   KeyRing
	wallet    WalletService
	trades    TradeLifecycle
	registry  *Registry
	transport Transport
	logger    *slog.Logger
}

// NewSettler wires the coordinator to its collaborators.
func NewSettler(keyRing KeyRing, wallet WalletService, trades TradeLifecycle,
	registry *Registry, transport Transport, logger *slog.Logger) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{
		keyRing:   keyRing,
		wallet:    wallet,
		trades:    trades,
		registry:  registry,
		transport: transport,
		logger:    logger.With("component", "settler"),
	}
}

// Settle applies a verdict's payout consequences for the local trader.
// Returns nil when this participant has nothing to broadcast (the peer is
// the publisher) or when broadcast/forward succeeded.
//
// Error semantics mirror the reference behavior deliberately:
//   - ErrDepositTxMissing: no transaction action possible; the caller must
//     leave the dispute open pending manual intervention.
//   - ErrTxVerification (wrapped): the caller force-closes the dispute
//     anyway, preferring a closed unresolved dispute over a stuck one.
//   - other errors: broadcast-level failures; the dispute stays closed.
func (s *Settler) Settle(ctx context.Context, d *Dispute, res *DisputeResult) error {
	ctx, span := traces.StartSpan(ctx, "dispute.settle",
		traces.TradeID(d.TradeID), traces.DisputeID(d.ID))
	defer span.End()

	contract := &d.Contract
	isBuyer := s.keyRing.PubKeyRing.Equals(contract.BuyerPubKeyRing)

	publisher := res.Winner
	if res.LoserPublisher {
		// A consistently-offline winner must not stall the payout; the
		// arbitrator can invert so the loser publishes and the winner
		// collects whenever it comes back.
		if publisher == WinnerBuyer {
			publisher = WinnerSeller
		} else {
			publisher = WinnerBuyer
		}
	}

	localIsBroadcaster := (isBuyer && publisher == WinnerBuyer) || (!isBuyer && publisher == WinnerSeller)
	if !localIsBroadcaster {
		s.logger.Debug("not the publishing party, waiting for peer payout tx", "tradeId", d.TradeID)
		// Clean up the tangling trade; the payout tx arrives later via
		// PeerPublishedPayoutTxMessage.
		if s.trades != nil {
			s.trades.CloseDisputedTrade(d.TradeID)
		}
		metrics.Settlements.WithLabelValues("not_broadcaster").Inc()
		return nil
	}

	// A payout tx may already exist from the normal trade flow or an
	// earlier settlement attempt: the other peer may have opened a dispute
	// without ever seeing it. Forward instead of signing a second one.
	if tx, ok := s.trades.PayoutTxFor(d.TradeID); ok && tx != nil {
		s.logger.Warn("payout tx already exists, forwarding without re-signing",
			"tradeId", d.TradeID, "txId", tx.ID)
		s.registry.SetPayoutTxID(d, tx.ID)
		s.sendPeerPublishedPayoutTx(d, tx)
		metrics.Settlements.WithLabelValues("forwarded").Inc()
		return nil
	}

	if len(d.DepositTxSerialized) == 0 {
		s.logger.Warn("deposit tx missing, cannot settle", "tradeId", d.TradeID)
		metrics.Settlements.WithLabelValues("deposit_missing").Inc()
		return ErrDepositTxMissing
	}

	myMultiSigPubKey := contract.BuyerMultiSigPubKey
	if !isBuyer {
		myMultiSigPubKey = contract.SellerMultiSigPubKey
	}
	tx, err := s.wallet.SignAndFinalizePayout(ctx, PayoutRequest{
		TradeID:              d.TradeID,
		DepositTxSerialized:  d.DepositTxSerialized,
		ArbitratorSignature:  res.ArbitratorSignature,
		ArbitratorPubKey:     res.ArbitratorPubKey,
		BuyerPayoutAmount:    res.BuyerPayoutAmount,
		SellerPayoutAmount:   res.SellerPayoutAmount,
		BuyerPayoutAddress:   contract.BuyerPayoutAddress,
		SellerPayoutAddress:  contract.SellerPayoutAddress,
		MyMultiSigPubKey:     myMultiSigPubKey,
		BuyerMultiSigPubKey:  contract.BuyerMultiSigPubKey,
		SellerMultiSigPubKey: contract.SellerMultiSigPubKey,
	})
	if err != nil {
		if errors.Is(err, ErrTxVerification) {
			s.logger.Error("payout tx verification failed", "tradeId", d.TradeID, "error", err)
			metrics.Settlements.WithLabelValues("verification_failed").Inc()
			return fmt.Errorf("sign and finalize payout: %w", err)
		}
		metrics.Settlements.WithLabelValues("broadcast_failed").Inc()
		return fmt.Errorf("sign and finalize payout: %w", err)
	}

	if err := s.wallet.Broadcast(ctx, tx); err != nil {
		s.logger.Error("payout tx broadcast failed", "tradeId", d.TradeID, "txId", tx.ID, "error", err)
		metrics.Settlements.WithLabelValues("broadcast_failed").Inc()
		return fmt.Errorf("broadcast payout tx: %w", err)
	}

	s.logger.Info("payout tx broadcast", "tradeId", d.TradeID, "txId", tx.ID)
	s.registry.SetPayoutTxID(d, tx.ID)
	s.sendPeerPublishedPayoutTx(d, tx)
	if s.trades != nil {
		s.trades.CloseDisputedTrade(d.TradeID)
	}
	metrics.Settlements.WithLabelValues("broadcast").Inc()
	return nil
}

// ImportPeerTx records a peer-broadcast payout transaction: import into the
// wallet view and note the id on the dispute. Never signs or re-broadcasts.
func (s *Settler) ImportPeerTx(d *Dispute, raw []byte) error {
	tx, err := s.wallet.ImportTx(raw)
	if err != nil {
		return fmt.Errorf("import peer payout tx: %w", err)
	}
	s.registry.SetPayoutTxID(d, tx.ID)
	s.logger.Info("peer payout tx imported", "tradeId", d.TradeID, "txId", tx.ID)
	return nil
}

// sendPeerPublishedPayoutTx tells the counterparty which transaction
// settled the trade.
func (s *Settler) sendPeerPublishedPayoutTx(d *Dispute, tx *PayoutTx) {
	contract := &d.Contract
	peerRing := contract.SellerPubKeyRing
	peerAddr := contract.SellerNodeAddress
	if !s.keyRing.PubKeyRing.Equals(contract.BuyerPubKeyRing) {
		peerRing = contract.BuyerPubKeyRing
		peerAddr = contract.BuyerNodeAddress
	}
	msg := &PeerPublishedPayoutTxMessage{
		TradeID:       d.TradeID,
		Tx:            append([]byte(nil), tx.Raw...),
		SenderAddress: s.keyRing.NodeAddress,
		UID:           idgen.New(),
	}
	s.transport.SendMailboxMessage(peerAddr, peerRing, msg, logOnlyListener{s.logger, d.TradeID})
}

// logOnlyListener is used for sends whose delivery state is not persisted
// on a chat message.
type logOnlyListener struct {
	logger  *slog.Logger
	tradeID string
}

func (l logOnlyListener) OnArrived() {
	l.logger.Info("message arrived at peer", "tradeId", l.tradeID)
}

func (l logOnlyListener) OnStoredInMailbox() {
	l.logger.Info("message stored in mailbox", "tradeId", l.tradeID)
}

func (l logOnlyListener) OnFault(reason string) {
	l.logger.Error("sending message failed", "tradeId", l.tradeID, "reason", reason)
}
