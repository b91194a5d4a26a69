package dispute

import (
	"context"
	"errors"
)

var (
	// ErrDisputeAlreadyOpen is returned to the local caller on the first
	// duplicate-open attempt for a (tradeID, traderID) key.
	ErrDisputeAlreadyOpen = errors.New("dispute: already open for this trade and trading peer")
	// ErrDuplicateDispute is the registry-level insert conflict.
	ErrDuplicateDispute = errors.New("dispute: duplicate dispute for key")
	// ErrDisputeNotFound is returned by lookups.
	ErrDisputeNotFound = errors.New("dispute: not found")
	// ErrDepositTxMissing marks a settlement attempt that found no deposit
	// transaction bytes on the dispute. The dispute stays open.
	ErrDepositTxMissing = errors.New("dispute: deposit transaction missing")
	// ErrTxVerification marks a malformed or substituted deposit/payout
	// transaction at signing time. The dispute is force-closed anyway.
	ErrTxVerification = errors.New("dispute: payout transaction verification failed")
	// ErrNotArbitrator rejects verdict application by a non-arbitrator.
	ErrNotArbitrator = errors.New("dispute: local participant is not the arbitrator")
	// ErrEngineStopped is returned by local API calls after the dispatch
	// loop has exited.
	ErrEngineStopped = errors.New("dispute: engine stopped")
)

// SendListener receives exactly one terminal delivery outcome per send
// attempt. None is guaranteed to fire promptly; mailbox delivery can be
// arbitrarily delayed.
type SendListener interface {
	OnArrived()
	OnStoredInMailbox()
	OnFault(reason string)
}

// Transport is the store-and-forward mailbox transport the engine sends
// through. Implementations deliver inbound messages by handing them to the
// engine's OnDirectMessage/OnMailboxMessage entry points.
type Transport interface {
	SendMailboxMessage(peer NodeAddress, peerRing PubKeyRing, msg Message, l SendListener)
	RemoveFromMailbox(msg Message)
}

// PayoutTx is the wallet's view of a finalized payout transaction.
type PayoutTx struct {
	ID  string
	Raw []byte
}

// PayoutRequest carries everything the wallet needs to co-sign and finalize
// a disputed payout from the 2-of-3 deposit.
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

// WalletService is the wallet/broadcast collaborator. Implementations must
// return an error satisfying errors.Is(err, ErrTxVerification) when the
// deposit transaction or arbitrator signature does not verify.
type WalletService interface {
	SignAndFinalizePayout(ctx context.Context, req PayoutRequest) (*PayoutTx, error)
	// Broadcast submits the transaction with a bounded number of
	// fixed-spaced attempts and returns once accepted for broadcast.
	Broadcast(ctx context.Context, tx *PayoutTx) error
	// ImportTx records a peer-broadcast transaction in the local wallet
	// view without signing or re-broadcasting.
	ImportTx(raw []byte) (*PayoutTx, error)
}

// TradeLifecycle is the external trade lifecycle manager owning
// non-disputed trade state.
type TradeLifecycle interface {
	NotifyDisputeOpenedByPeer(tradeID string)
	CloseDisputedTrade(tradeID string)
	// PayoutTxFor returns a payout transaction already observed through the
	// normal trade flow, guarding against double-broadcast.
	PayoutTxFor(tradeID string) (*PayoutTx, bool)
}

// Listener observes registry changes. The protocol core owns the
// collections; presentation layers subscribe here instead of reading mutable
// state. Callbacks run on the dispatch loop and must not block.
type Listener interface {
	OnDisputeAdded(d *Dispute)
	OnDisputeClosed(d *Dispute)
	OnOpenCountChanged(n int)
	OnChatMessage(d *Dispute, m *ChatMessage)
}

// Persister is the durable-store collaborator. PersistAsync must not block:
// implementations coalesce writes and flush in the background.
type Persister interface {
	PersistAsync(snapshot []*Dispute)
}

// NoopPersister discards snapshots; used when no durable store is wired.
type NoopPersister struct{}

func (NoopPersister) PersistAsync([]*Dispute) {}
