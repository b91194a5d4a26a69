package dispute

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Shared in-package test doubles for the registry, scheduler, delivery and
// settlement tests. The full protocol flows are exercised end to end in the
// external engine tests.

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	ringA = PubKeyRing{SignaturePubKey: []byte("a-sig"), EncryptionPubKey: []byte("a-enc")}
	ringB = PubKeyRing{SignaturePubKey: []byte("b-sig"), EncryptionPubKey: []byte("b-enc")}
	ringC = PubKeyRing{SignaturePubKey: []byte("c-sig"), EncryptionPubKey: []byte("c-enc")}
)

func contractAB(tradeID string) Contract {
	return Contract{
		TradeID:               tradeID,
		TradeAmount:           100_000,
		TradeDate:             time.Now().Add(-2 * time.Hour),
		BuyerNodeAddress:      "a.test:4000",
		SellerNodeAddress:     "b.test:4001",
		ArbitratorNodeAddress: "c.test:4002",
		BuyerPubKeyRing:       ringA,
		SellerPubKeyRing:      ringB,
		BuyerPayoutAddress:    "payout-a",
		SellerPayoutAddress:   "payout-b",
		BuyerMultiSigPubKey:   []byte("msig-a"),
		SellerMultiSigPubKey:  []byte("msig-b"),
	}
}

func disputeFor(tradeID string, trader PubKeyRing) *Dispute {
	d := NewDispute(tradeID, trader, true, true, ringC, contractAB(tradeID), time.Now())
	d.DepositTxSerialized = []byte("deposit-" + tradeID)
	return d
}

type stubTrades struct {
	mu       sync.Mutex
	notified []string
	closed   []string
	payouts  map[string]*PayoutTx
}

func newStubTrades() *stubTrades {
	return &stubTrades{payouts: make(map[string]*PayoutTx)}
}

func (s *stubTrades) NotifyDisputeOpenedByPeer(tradeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, tradeID)
}

func (s *stubTrades) CloseDisputedTrade(tradeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, tradeID)
}

func (s *stubTrades) PayoutTxFor(tradeID string) (*PayoutTx, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.payouts[tradeID]
	return tx, ok
}

func (s *stubTrades) closedTrades() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.closed...)
}

type stubWallet struct {
	mu           sync.Mutex
	signErr      error
	broadcastErr error
	importErr    error
	signed       []PayoutRequest
	broadcast    []string
	imported     []string
}

func (w *stubWallet) SignAndFinalizePayout(_ context.Context, req PayoutRequest) (*PayoutTx, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.signed = append(w.signed, req)
	if w.signErr != nil {
		return nil, w.signErr
	}
	return &PayoutTx{ID: "payout-" + req.TradeID, Raw: []byte("raw-" + req.TradeID)}, nil
}

func (w *stubWallet) Broadcast(_ context.Context, tx *PayoutTx) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broadcast = append(w.broadcast, tx.ID)
	return w.broadcastErr
}

func (w *stubWallet) ImportTx(raw []byte) (*PayoutTx, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.importErr != nil {
		return nil, w.importErr
	}
	w.imported = append(w.imported, string(raw))
	return &PayoutTx{ID: "imported-" + string(raw), Raw: raw}, nil
}

// sentMessage is one outbound send captured by the recording transport.
type sentMessage struct {
	to  NodeAddress
	msg Message
}

type recordingTransport struct {
	mu      sync.Mutex
	sent    []sentMessage
	removed []string
}

func (t *recordingTransport) SendMailboxMessage(peer NodeAddress, _ PubKeyRing, msg Message, _ SendListener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentMessage{to: peer, msg: msg})
}

func (t *recordingTransport) RemoveFromMailbox(msg Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = append(t.removed, msg.UIDString())
}

func (t *recordingTransport) sentTo(addr NodeAddress) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Message
	for _, s := range t.sent {
		if s.to == addr {
			out = append(out, s.msg)
		}
	}
	return out
}
