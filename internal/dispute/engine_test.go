package dispute_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-trade/parley/internal/dispute"
	"github.com/parley-trade/parley/internal/idgen"
	"github.com/parley-trade/parley/internal/transport"
)

var (
	buyerRing  = dispute.PubKeyRing{SignaturePubKey: []byte("buyer-sig"), EncryptionPubKey: []byte("buyer-enc")}
	sellerRing = dispute.PubKeyRing{SignaturePubKey: []byte("seller-sig"), EncryptionPubKey: []byte("seller-enc")}
	arbRing    = dispute.PubKeyRing{SignaturePubKey: []byte("arb-sig"), EncryptionPubKey: []byte("arb-enc")}
)

const (
	buyerAddr  = dispute.NodeAddress("buyer.test:7000")
	sellerAddr = dispute.NodeAddress("seller.test:7001")
	arbAddr    = dispute.NodeAddress("arb.test:7002")

	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWallet records signing/broadcast/import activity and can be primed to
// fail.
type fakeWallet struct {
	mu           sync.Mutex
	signErr      error
	broadcastErr error
	importErr    error
	signed       []dispute.PayoutRequest
	broadcast    []string
	imported     []string
}

func (w *fakeWallet) SignAndFinalizePayout(_ context.Context, req dispute.PayoutRequest) (*dispute.PayoutTx, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.signed = append(w.signed, req)
	if w.signErr != nil {
		return nil, w.signErr
	}
	return &dispute.PayoutTx{ID: "payout-" + req.TradeID, Raw: []byte("raw-" + req.TradeID)}, nil
}

func (w *fakeWallet) Broadcast(_ context.Context, tx *dispute.PayoutTx) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broadcast = append(w.broadcast, tx.ID)
	return w.broadcastErr
}

func (w *fakeWallet) ImportTx(raw []byte) (*dispute.PayoutTx, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.importErr != nil {
		return nil, w.importErr
	}
	w.imported = append(w.imported, string(raw))
	return &dispute.PayoutTx{ID: "imported-" + string(raw), Raw: raw}, nil
}

func (w *fakeWallet) signCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.signed)
}

func (w *fakeWallet) broadcastCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.broadcast)
}

func (w *fakeWallet) importedRaw() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.imported...)
}

// fakeTrades is the trade lifecycle collaborator.
type fakeTrades struct {
	mu       sync.Mutex
	payouts  map[string]*dispute.PayoutTx
	notified []string
	closed   []string
}

func newFakeTrades() *fakeTrades {
	return &fakeTrades{payouts: make(map[string]*dispute.PayoutTx)}
}

func (f *fakeTrades) NotifyDisputeOpenedByPeer(tradeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, tradeID)
}

func (f *fakeTrades) CloseDisputedTrade(tradeID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, tradeID)
}

func (f *fakeTrades) PayoutTxFor(tradeID string) (*dispute.PayoutTx, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.payouts[tradeID]
	return tx, ok
}

func (f *fakeTrades) setPayoutTx(tradeID string, tx *dispute.PayoutTx) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payouts[tradeID] = tx
}

func (f *fakeTrades) notifiedTrades() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notified...)
}

func (f *fakeTrades) closedTrades() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

type party struct {
	engine *dispute.Engine
	wallet *fakeWallet
	trades *fakeTrades
	addr   dispute.NodeAddress
}

func newParty(t *testing.T, net *transport.Loopback, ring dispute.PubKeyRing,
	addr dispute.NodeAddress, arbitratorKeys [][]byte) *party {
	t.Helper()
	w := &fakeWallet{}
	tr := newFakeTrades()
	e := dispute.NewEngine(dispute.EngineConfig{
		KeyRing:        dispute.KeyRing{PubKeyRing: ring, NodeAddress: addr},
		ArbitratorKeys: arbitratorKeys,
		Wallet:         w,
		Trades:         tr,
		Transport:      net.For(addr),
		Logger:         quietLogger(),
		RetryUnit:      30 * time.Millisecond,
	})
	net.Register(addr, e)
	e.Load(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.Run(ctx)
	e.OnBootstrapped()
	return &party{engine: e, wallet: w, trades: tr, addr: addr}
}

type harness struct {
	net    *transport.Loopback
	buyer  *party
	seller *party
	arb    *party
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	net := transport.NewLoopback(quietLogger())
	return &harness{
		net:    net,
		buyer:  newParty(t, net, buyerRing, buyerAddr, nil),
		seller: newParty(t, net, sellerRing, sellerAddr, nil),
		arb:    newParty(t, net, arbRing, arbAddr, nil),
	}
}

func testContract(tradeID string) dispute.Contract {
	return dispute.Contract{
		TradeID:               tradeID,
		TradeAmount:           250_000,
		TradeDate:             time.Now().Add(-time.Hour),
		BuyerNodeAddress:      buyerAddr,
		SellerNodeAddress:     sellerAddr,
		ArbitratorNodeAddress: arbAddr,
		BuyerPubKeyRing:       buyerRing,
		SellerPubKeyRing:      sellerRing,
		BuyerPayoutAddress:    "payout-addr-buyer",
		SellerPayoutAddress:   "payout-addr-seller",
		BuyerMultiSigPubKey:   []byte("msig-buyer"),
		SellerMultiSigPubKey:  []byte("msig-seller"),
	}
}

// buyerDispute builds the dispute the buyer opens, deposit tx included.
func buyerDispute(tradeID string) *dispute.Dispute {
	d := dispute.NewDispute(tradeID, buyerRing, true, true, arbRing, testContract(tradeID), time.Now())
	d.DepositTxSerialized = []byte("deposit-" + tradeID)
	return d
}

func waitDisputeCount(t *testing.T, p *party, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(p.engine.Disputes()) == n
	}, waitFor, tick, "want %d disputes at %s", n, p.addr)
}

// waitDispute polls until the dispute exists and cond holds, returning the
// final clone.
func waitDispute(t *testing.T, p *party, id string, cond func(*dispute.Dispute) bool) *dispute.Dispute {
	t.Helper()
	var got *dispute.Dispute
	require.Eventually(t, func() bool {
		d, err := p.engine.DisputeByID(id)
		if err != nil {
			return false
		}
		got = d
		return cond(d)
	}, waitFor, tick, "dispute %s at %s never reached expected state", id, p.addr)
	return got
}

func buyerDisputeID(tradeID string) string  { return dispute.DisputeID(tradeID, buyerRing.Hash()) }
func sellerDisputeID(tradeID string) string { return dispute.DisputeID(tradeID, sellerRing.Hash()) }

func TestOpenDispute_ReachesArbitratorAndPeer(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-open-1"

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))

	waitDisputeCount(t, h.buyer, 1)
	waitDisputeCount(t, h.arb, 2) // opener's copy plus the mirror
	waitDisputeCount(t, h.seller, 1)

	// The opener's system message is delivered and ACKed by the arbitrator.
	bd := waitDispute(t, h.buyer, buyerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		return len(d.Messages) == 1 && d.Messages[0].Acknowledged && d.Messages[0].Arrived
	})
	assert.True(t, bd.Messages[0].SystemMessage)
	assert.False(t, bd.Closed)

	// The mirror is keyed by the seller and carries its own system message.
	sd, err := h.seller.engine.DisputeByID(sellerDisputeID(tradeID))
	require.NoError(t, err)
	assert.Equal(t, sellerRing, sd.TraderPubKeyRing)
	assert.Equal(t, []byte("deposit-"+tradeID), sd.DepositTxSerialized)
	require.Len(t, sd.Messages, 1)
	assert.True(t, sd.Messages[0].SystemMessage)

	require.Eventually(t, func() bool {
		return len(h.seller.trades.notifiedTrades()) == 1
	}, waitFor, tick)
	assert.Equal(t, []string{tradeID}, h.seller.trades.notifiedTrades())

	assert.Equal(t, 1, h.buyer.engine.OpenCount())
	assert.Equal(t, 2, h.arb.engine.OpenCount())
	assert.Equal(t, 1, h.buyer.engine.DisputesWithPeer(sellerAddr))
	assert.Equal(t, 0, h.buyer.engine.DisputesWithPeer("stranger.test:9999"))
}

func TestOpenDispute_DuplicateRejectedLocally(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-dup-1"

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))
	err := h.buyer.engine.OpenDispute(buyerDispute(tradeID), false)
	assert.ErrorIs(t, err, dispute.ErrDisputeAlreadyOpen)
	waitDisputeCount(t, h.buyer, 1)
}

func TestEngineStop_UnblocksSubmitters(t *testing.T) {
	net := transport.NewLoopback(quietLogger())
	e := dispute.NewEngine(dispute.EngineConfig{
		KeyRing:   dispute.KeyRing{PubKeyRing: buyerRing, NodeAddress: buyerAddr},
		Wallet:    &fakeWallet{},
		Trades:    newFakeTrades(),
		Transport: net.For(buyerAddr),
		Logger:    quietLogger(),
		RetryUnit: 30 * time.Millisecond,
	})
	net.Register(buyerAddr, e)
	e.Load(nil)

	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)
	e.OnBootstrapped()
	cancel()

	// Local calls fail fast once the loop has exited instead of queueing.
	require.Eventually(t, func() bool {
		err := e.OpenDispute(buyerDispute("trade-stopped-1"), false)
		return errors.Is(err, dispute.ErrEngineStopped)
	}, waitFor, tick)

	// Transport callbacks must not wedge either, even past the task buffer.
	for i := 0; i < 1100; i++ {
		e.OnDirectMessage(&dispute.ChatMessage{
			TradeID: fmt.Sprintf("trade-stopped-%d", i),
			UID:     idgen.New(),
		})
	}
}

func TestOpenDispute_ReopenResendsOnStoredCopy(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-reopen-1"

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))
	waitDisputeCount(t, h.arb, 2)

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), true))

	// Reopen appends a second system message to the stored copy. The
	// arbitrator already holds the dispute, so the resend is NACKed.
	bd := waitDispute(t, h.buyer, buyerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		return len(d.Messages) == 2 && d.Messages[1].AckError != ""
	})
	assert.True(t, bd.Messages[1].SystemMessage)

	// The NACK must land on the reopen's message, not the original open's,
	// whose ACK state stays intact.
	assert.True(t, bd.Messages[0].Acknowledged)
	assert.Empty(t, bd.Messages[0].AckError)
	assert.False(t, bd.Messages[1].Acknowledged)

	waitDisputeCount(t, h.arb, 2)
}

func TestOpenNewDispute_DroppedByNonArbitrator(t *testing.T) {
	h := newHarness(t)

	h.seller.engine.OnDirectMessage(&dispute.OpenNewDisputeMessage{
		Dispute:       buyerDispute("trade-viol-1"),
		SenderAddress: buyerAddr,
		UID:           idgen.New(),
	})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.seller.engine.Disputes())
}

func TestArbitratorAllowList(t *testing.T) {
	net := transport.NewLoopback(quietLogger())
	buyer := newParty(t, net, buyerRing, buyerAddr, nil)
	// The seller only trusts some other arbitrator; the arbitrator trusts
	// itself.
	seller := newParty(t, net, sellerRing, sellerAddr, [][]byte{[]byte("someone-else")})
	arb := newParty(t, net, arbRing, arbAddr, [][]byte{arbRing.SignaturePubKey})

	require.NoError(t, buyer.engine.OpenDispute(buyerDispute("trade-allow-1"), false))

	waitDisputeCount(t, arb, 2)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, seller.engine.Disputes(), "mirror from an untrusted arbitrator must be dropped")
}

func TestSendChatMessage_TraderAndArbitrator(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-chat-1"
	id := buyerDisputeID(tradeID)

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))
	waitDisputeCount(t, h.arb, 2)

	echo, err := h.buyer.engine.SendChatMessage(id, "the goods never arrived",
		[]dispute.Attachment{{FileName: "receipt.png", Bytes: []byte{0x89, 0x50}}})
	require.NoError(t, err)
	assert.True(t, echo.SenderIsTrader)
	require.NotEmpty(t, echo.UID)

	// Arbitrator stores the chat on the buyer's copy; the seller never sees it.
	waitDispute(t, h.arb, id, func(d *dispute.Dispute) bool {
		return d.HasMessage(echo.UID)
	})
	ad, err := h.arb.engine.DisputeByID(id)
	require.NoError(t, err)
	got := ad.MessageByUID(echo.UID)
	require.NotNil(t, got)
	assert.Equal(t, "the goods never arrived", got.Message)
	require.Len(t, got.Attachments, 1)
	assert.Equal(t, "receipt.png", got.Attachments[0].FileName)

	// The arbitrator's ACK lands on the buyer's stored copy.
	waitDispute(t, h.buyer, id, func(d *dispute.Dispute) bool {
		m := d.MessageByUID(echo.UID)
		return m != nil && m.Acknowledged && m.Arrived
	})

	// Reply goes arbitrator → buyer, and the buyer ACKs it back.
	reply, err := h.arb.engine.SendChatMessage(id, "please upload the shipping receipt", nil)
	require.NoError(t, err)
	assert.False(t, reply.SenderIsTrader)

	waitDispute(t, h.buyer, id, func(d *dispute.Dispute) bool {
		return d.HasMessage(reply.UID)
	})
	waitDispute(t, h.arb, id, func(d *dispute.Dispute) bool {
		m := d.MessageByUID(reply.UID)
		return m != nil && m.Acknowledged
	})

	sd, err := h.seller.engine.DisputeByID(sellerDisputeID(tradeID))
	require.NoError(t, err)
	assert.Len(t, sd.Messages, 1, "seller must only hold its own system message")
}

func TestSendChatMessage_UnknownDispute(t *testing.T) {
	h := newHarness(t)
	_, err := h.buyer.engine.SendChatMessage("nope_1", "hello", nil)
	assert.ErrorIs(t, err, dispute.ErrDisputeNotFound)
}

func TestChatMessage_DuplicateUIDStoredOnce(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-chatdup-1"
	id := buyerDisputeID(tradeID)

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))
	waitDisputeCount(t, h.arb, 2)

	cm := &dispute.ChatMessage{
		TradeID:        tradeID,
		TraderID:       buyerRing.Hash(),
		SenderIsTrader: true,
		Message:        "duplicate me",
		UID:            "chat-dup-uid-1",
		SenderAddress:  buyerAddr,
		Date:           time.Now(),
	}
	h.arb.engine.OnDirectMessage(cm.Clone())
	waitDispute(t, h.arb, id, func(d *dispute.Dispute) bool { return d.HasMessage(cm.UID) })

	h.arb.engine.OnDirectMessage(cm.Clone())
	time.Sleep(100 * time.Millisecond)

	ad, err := h.arb.engine.DisputeByID(id)
	require.NoError(t, err)
	n := 0
	for _, m := range ad.Messages {
		if m.UID == cm.UID {
			n++
		}
	}
	assert.Equal(t, 1, n)
}

func TestChatMessage_TopologyViolationsDropped(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-chatviol-1"

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))
	waitDisputeCount(t, h.seller, 1)

	// Trader-to-trader is never allowed.
	traderChat := &dispute.ChatMessage{
		TradeID:        tradeID,
		TraderID:       sellerRing.Hash(),
		SenderIsTrader: true,
		Message:        "psst, let's cut out the arbitrator",
		UID:            "chat-viol-uid-1",
		SenderAddress:  buyerAddr,
		Date:           time.Now(),
	}
	h.seller.engine.OnDirectMessage(traderChat)

	// Nor may the arbitrator receive chat attributed to an arbitrator.
	arbChat := &dispute.ChatMessage{
		TradeID:       tradeID,
		TraderID:      buyerRing.Hash(),
		Message:       "impersonating the arbitrator",
		UID:           "chat-viol-uid-2",
		SenderAddress: sellerAddr,
		Date:          time.Now(),
	}
	h.arb.engine.OnDirectMessage(arbChat)

	time.Sleep(150 * time.Millisecond)
	sd, err := h.seller.engine.DisputeByID(sellerDisputeID(tradeID))
	require.NoError(t, err)
	assert.False(t, sd.HasMessage(traderChat.UID))
	ad, err := h.arb.engine.DisputeByID(buyerDisputeID(tradeID))
	require.NoError(t, err)
	assert.False(t, ad.HasMessage(arbChat.UID))
}

func TestChatMessage_RetriesOnceWhileOpenPropagates(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-race-1"

	// Chat outruns the dispute open: the engine parks it for one retry.
	cm := &dispute.ChatMessage{
		TradeID:        tradeID,
		TraderID:       buyerRing.Hash(),
		SenderIsTrader: true,
		Message:        "arrived early",
		UID:            "chat-race-uid-1",
		SenderAddress:  buyerAddr,
		Date:           time.Now(),
	}
	h.arb.engine.OnDirectMessage(cm)

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))

	waitDispute(t, h.arb, buyerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		return d.HasMessage(cm.UID)
	})
}

func TestChatMessage_RetryExhaustedDrops(t *testing.T) {
	h := newHarness(t)

	cm := &dispute.ChatMessage{
		TradeID:        "trade-never-opened",
		TraderID:       buyerRing.Hash(),
		SenderIsTrader: true,
		Message:        "into the void",
		UID:            "chat-void-uid-1",
		SenderAddress:  buyerAddr,
		Date:           time.Now(),
	}
	h.arb.engine.OnDirectMessage(cm)
	time.Sleep(150 * time.Millisecond) // past the single retry

	// Re-delivery after exhaustion is dropped, never rescheduled.
	h.arb.engine.OnDirectMessage(cm.Clone())
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.arb.engine.Disputes())

	// The engine stays serviceable.
	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute("trade-after-drop"), false))
	waitDisputeCount(t, h.arb, 2)
}

func TestDisputeResult_RetryExhaustedDrops(t *testing.T) {
	h := newHarness(t)

	rm := &dispute.DisputeResultMessage{
		Result: &dispute.DisputeResult{
			TradeID:             "trade-never-opened",
			TraderID:            buyerRing.Hash(),
			Winner:              dispute.WinnerBuyer,
			BuyerPayoutAmount:   200_000,
			SellerPayoutAmount:  50_000,
			ArbitratorSignature: []byte("arb-payout-sig"),
			ArbitratorPubKey:    arbRing.SignaturePubKey,
		},
		SenderAddress: arbAddr,
		UID:           "verdict-void-uid-1",
	}
	h.buyer.engine.OnDirectMessage(rm)
	time.Sleep(200 * time.Millisecond) // past the two-unit retry

	// Re-delivery after exhaustion is dropped without crashing or settling.
	h.buyer.engine.OnDirectMessage(rm)
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.buyer.engine.Disputes())
	assert.Zero(t, h.buyer.wallet.signCount())

	// The engine stays serviceable.
	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute("trade-after-verdict-drop"), false))
	waitDisputeCount(t, h.arb, 2)
}

func applyVerdictBothSides(t *testing.T, h *harness, tradeID string, winner dispute.Winner, loserPublisher bool) {
	t.Helper()
	for _, id := range []string{buyerDisputeID(tradeID), sellerDisputeID(tradeID)} {
		res := &dispute.DisputeResult{
			Winner:              winner,
			LoserPublisher:      loserPublisher,
			BuyerPayoutAmount:   200_000,
			SellerPayoutAmount:  50_000,
			ArbitratorSignature: []byte("arb-payout-sig"),
		}
		require.NoError(t, h.arb.engine.ApplyVerdict(id, res, "decided in favor of the buyer"))
	}
}

func TestVerdict_WinnerBroadcastsLoserImports(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-verdict-1"

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))
	waitDisputeCount(t, h.arb, 2)
	waitDisputeCount(t, h.seller, 1)

	applyVerdictBothSides(t, h, tradeID, dispute.WinnerBuyer, false)

	// The arbitrator closes its copies immediately.
	assert.Equal(t, 0, h.arb.engine.OpenCount())

	// Winner side signs, broadcasts, records the tx, and closes the trade.
	bd := waitDispute(t, h.buyer, buyerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		return d.Closed && d.DisputePayoutTxID != ""
	})
	assert.Equal(t, "payout-"+tradeID, bd.DisputePayoutTxID)
	require.NotNil(t, bd.Result)
	assert.Equal(t, dispute.WinnerBuyer, bd.Result.Winner)
	assert.Equal(t, 1, h.buyer.wallet.signCount())
	assert.Equal(t, 1, h.buyer.wallet.broadcastCount())
	require.Eventually(t, func() bool {
		return len(h.buyer.trades.closedTrades()) == 1
	}, waitFor, tick)

	// Loser side never signs; it imports the peer's broadcast tx.
	sd := waitDispute(t, h.seller, sellerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		return d.Closed && d.DisputePayoutTxID != ""
	})
	assert.Equal(t, "imported-raw-"+tradeID, sd.DisputePayoutTxID)
	assert.Equal(t, 0, h.seller.wallet.signCount())
	assert.Equal(t, []string{"raw-" + tradeID}, h.seller.wallet.importedRaw())
	require.Eventually(t, func() bool {
		return len(h.seller.trades.closedTrades()) == 1
	}, waitFor, tick)

	// The trader's settlement ACK lands on the arbitrator's closing message.
	waitDispute(t, h.arb, buyerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		m := d.Messages[len(d.Messages)-1]
		return m.Acknowledged
	})
}

func TestVerdict_LoserPublisherInvertsBroadcaster(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-loserpub-1"

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))
	waitDisputeCount(t, h.arb, 2)
	waitDisputeCount(t, h.seller, 1)

	applyVerdictBothSides(t, h, tradeID, dispute.WinnerBuyer, true)

	// The losing seller publishes so an offline winner cannot stall payout.
	sd := waitDispute(t, h.seller, sellerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		return d.Closed && d.DisputePayoutTxID != ""
	})
	assert.Equal(t, "payout-"+tradeID, sd.DisputePayoutTxID)
	assert.Equal(t, 1, h.seller.wallet.signCount())
	assert.Equal(t, 1, h.seller.wallet.broadcastCount())

	bd := waitDispute(t, h.buyer, buyerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		return d.Closed && d.DisputePayoutTxID != ""
	})
	assert.Equal(t, "imported-raw-"+tradeID, bd.DisputePayoutTxID)
	assert.Equal(t, 0, h.buyer.wallet.signCount())
}

func TestVerdict_DepositMissingLeavesDisputeOpen(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-nodeposit-1"

	d := dispute.NewDispute(tradeID, buyerRing, true, true, arbRing, testContract(tradeID), time.Now())
	require.NoError(t, h.buyer.engine.OpenDispute(d, false))
	waitDisputeCount(t, h.arb, 2)

	res := &dispute.DisputeResult{
		Winner:              dispute.WinnerBuyer,
		BuyerPayoutAmount:   250_000,
		ArbitratorSignature: []byte("arb-payout-sig"),
	}
	require.NoError(t, h.arb.engine.ApplyVerdict(buyerDisputeID(tradeID), res, "buyer wins"))

	// The verdict is recorded but the dispute stays open for manual recovery.
	bd := waitDispute(t, h.buyer, buyerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		return d.Result != nil
	})
	assert.False(t, bd.Closed)
	assert.Empty(t, bd.DisputePayoutTxID)
	assert.Equal(t, 0, h.buyer.wallet.signCount())
	assert.Equal(t, 1, h.buyer.engine.OpenCount())

	// The arbitrator sees the settlement failure through the NACK.
	waitDispute(t, h.arb, buyerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		m := d.Messages[len(d.Messages)-1]
		return m.AckError != ""
	})
}

func TestVerdict_VerificationFailureForceCloses(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-badtx-1"

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))
	waitDisputeCount(t, h.arb, 2)

	h.buyer.wallet.mu.Lock()
	h.buyer.wallet.signErr = fmt.Errorf("deposit mismatch: %w", dispute.ErrTxVerification)
	h.buyer.wallet.mu.Unlock()

	res := &dispute.DisputeResult{
		Winner:              dispute.WinnerBuyer,
		BuyerPayoutAmount:   250_000,
		ArbitratorSignature: []byte("arb-payout-sig"),
	}
	require.NoError(t, h.arb.engine.ApplyVerdict(buyerDisputeID(tradeID), res, "buyer wins"))

	bd := waitDispute(t, h.buyer, buyerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		return d.Closed
	})
	assert.Empty(t, bd.DisputePayoutTxID)
	assert.Equal(t, 0, h.buyer.wallet.broadcastCount())
}

func TestVerdict_ExistingPayoutTxForwardedWithoutSigning(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-priortx-1"

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))
	waitDisputeCount(t, h.arb, 2)
	waitDisputeCount(t, h.seller, 1)

	// A payout from the normal trade flow already exists on the buyer side.
	h.buyer.trades.setPayoutTx(tradeID, &dispute.PayoutTx{ID: "prior-tx", Raw: []byte("prior-raw")})

	applyVerdictBothSides(t, h, tradeID, dispute.WinnerBuyer, false)

	bd := waitDispute(t, h.buyer, buyerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		return d.Closed && d.DisputePayoutTxID != ""
	})
	assert.Equal(t, "prior-tx", bd.DisputePayoutTxID)
	assert.Equal(t, 0, h.buyer.wallet.signCount(), "must never sign a second payout")
	assert.Equal(t, 0, h.buyer.wallet.broadcastCount())

	sd := waitDispute(t, h.seller, sellerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		return d.DisputePayoutTxID != ""
	})
	assert.Equal(t, "imported-prior-raw", sd.DisputePayoutTxID)
}

func TestVerdict_ArbitratorNeverReceivesOwnVerdict(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-ownverdict-1"

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))
	waitDisputeCount(t, h.arb, 2)

	h.arb.engine.OnDirectMessage(&dispute.DisputeResultMessage{
		Result: &dispute.DisputeResult{
			TradeID:          tradeID,
			TraderID:         buyerRing.Hash(),
			Winner:           dispute.WinnerBuyer,
			ArbitratorPubKey: arbRing.SignaturePubKey,
		},
		SenderAddress: buyerAddr,
		UID:           idgen.New(),
	})

	time.Sleep(150 * time.Millisecond)
	ad, err := h.arb.engine.DisputeByID(buyerDisputeID(tradeID))
	require.NoError(t, err)
	assert.Nil(t, ad.Result)
	assert.False(t, ad.Closed)
}

func TestVerdict_RetriesWhileDisputeUnknown(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-verdictrace-1"

	// The verdict outruns the dispute open at the buyer.
	h.buyer.engine.OnDirectMessage(&dispute.DisputeResultMessage{
		Result: &dispute.DisputeResult{
			TradeID:             tradeID,
			TraderID:            buyerRing.Hash(),
			Winner:              dispute.WinnerBuyer,
			BuyerPayoutAmount:   250_000,
			ArbitratorSignature: []byte("arb-payout-sig"),
			ArbitratorPubKey:    arbRing.SignaturePubKey,
			ClosingMessage: &dispute.ChatMessage{
				TradeID:       tradeID,
				TraderID:      buyerRing.Hash(),
				Message:       "buyer wins",
				UID:           "closing-uid-race-1",
				SenderAddress: arbAddr,
				Date:          time.Now(),
			},
		},
		SenderAddress: arbAddr,
		UID:           idgen.New(),
	})

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))

	bd := waitDispute(t, h.buyer, buyerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		return d.Closed && d.DisputePayoutTxID != ""
	})
	assert.True(t, bd.HasMessage("closing-uid-race-1"))
	assert.Equal(t, 1, h.buyer.wallet.broadcastCount())
}

func TestApplyVerdict_OnlyByArbitrator(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-notarb-1"

	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))

	res := &dispute.DisputeResult{Winner: dispute.WinnerBuyer}
	err := h.buyer.engine.ApplyVerdict(buyerDisputeID(tradeID), res, "self-serving verdict")
	assert.ErrorIs(t, err, dispute.ErrNotArbitrator)

	err = h.arb.engine.ApplyVerdict("missing_1", res, "no such dispute")
	assert.ErrorIs(t, err, dispute.ErrDisputeNotFound)
}

func TestBootstrapBuffersInboundMessages(t *testing.T) {
	net := transport.NewLoopback(quietLogger())
	newParty(t, net, buyerRing, buyerAddr, nil)
	newParty(t, net, sellerRing, sellerAddr, nil)

	// The arbitrator comes up but has not finished bootstrapping.
	arb := dispute.NewEngine(dispute.EngineConfig{
		KeyRing:   dispute.KeyRing{PubKeyRing: arbRing, NodeAddress: arbAddr},
		Wallet:    &fakeWallet{},
		Trades:    newFakeTrades(),
		Transport: net.For(arbAddr),
		Logger:    quietLogger(),
		RetryUnit: 30 * time.Millisecond,
	})
	net.Register(arbAddr, arb)
	arb.Load(nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go arb.Run(ctx)

	arb.OnDirectMessage(&dispute.OpenNewDisputeMessage{
		Dispute:       buyerDispute("trade-boot-1"),
		SenderAddress: buyerAddr,
		UID:           idgen.New(),
	})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, arb.Disputes(), "messages must be buffered until bootstrap")

	arb.OnBootstrapped()
	require.Eventually(t, func() bool {
		return len(arb.Disputes()) == 2
	}, waitFor, tick)
}

func TestOfflinePeerGetsDisputeFromMailbox(t *testing.T) {
	h := newHarness(t)
	tradeID := "trade-mailbox-1"

	h.net.SetOnline(sellerAddr, false)
	require.NoError(t, h.buyer.engine.OpenDispute(buyerDispute(tradeID), false))
	waitDisputeCount(t, h.arb, 2)

	require.Eventually(t, func() bool {
		return h.net.MailboxSize(sellerAddr) == 1
	}, waitFor, tick)
	assert.Empty(t, h.seller.engine.Disputes())

	// The arbitrator's mirror system message records the mailbox outcome.
	waitDispute(t, h.arb, sellerDisputeID(tradeID), func(d *dispute.Dispute) bool {
		return len(d.Messages) == 1 && d.Messages[0].StoredInMailbox
	})

	h.net.SetOnline(sellerAddr, true)
	waitDisputeCount(t, h.seller, 1)
	require.Eventually(t, func() bool {
		return len(h.seller.trades.notifiedTrades()) == 1
	}, waitFor, tick)
	assert.Equal(t, 0, h.net.MailboxSize(sellerAddr))
}
