package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-trade/parley/internal/idgen"
	"github.com/parley-trade/parley/internal/metrics"
	"github.com/parley-trade/parley/internal/traces"
)

// DefaultRetryUnit is the production base delay for the one-shot
// unknown-dispute retries (§ retries.go for the per-type multiples).
const DefaultRetryUnit = time.Second

// EngineConfig wires the protocol engine to its collaborators. The
// arbitrator allow-list is explicit configuration: trust in arbitrator keys
// is pre-provisioned, never discovered through ambient state.
type EngineConfig struct {
	KeyRing        KeyRing
	ArbitratorKeys [][]byte // allowed arbitrator signature pub keys; empty disables the check
	Wallet         WalletService
	Trades         TradeLifecycle
	Transport      Transport
	Persister      Persister
	Logger         *slog.Logger
	RetryUnit      time.Duration // defaults to DefaultRetryUnit
}

// Engine is the dispute protocol state machine. All inbound-message
// processing, registry mutation, and outbound-message construction run on
// one sequential dispatch loop; the transport and timers hand off to it
// before any protocol logic executes, so neither the engine nor the
// registry need locks.
type Engine struct {
	keyRing        KeyRing
	arbitratorKeys [][]byte
	registry       *Registry
	retries        *RetryScheduler
	tracker        *DeliveryTracker
	settler        *Settler
	transport      Transport
	trades         TradeLifecycle
	listeners      []Listener
	logger         *slog.Logger

	tasks chan func()
	done  chan struct{} // closed when Run returns
	runC  context.Context

	// Loop-owned state.
	bootstrapped  bool
	buffered      []bufferedMessage
	lastOpenCount int
}

type bufferedMessage struct {
	msg         Message
	fromMailbox bool
}

// NewEngine constructs the engine and its owned components. Call Run before
// using any other method.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dispute")

	unit := cfg.RetryUnit
	if unit <= 0 {
		unit = DefaultRetryUnit
	}

	e := &Engine{
		keyRing:        cfg.KeyRing,
		arbitratorKeys: cfg.ArbitratorKeys,
		transport:      cfg.Transport,
		trades:         cfg.Trades,
		logger:         logger,
		tasks:          make(chan func(), 1024),
		done:           make(chan struct{}),
	}
	e.registry = NewRegistry(cfg.Persister, logger)
	e.retries = NewRetryScheduler(unit, e.submit)
	e.tracker = NewDeliveryTracker(e.registry, e.submit, logger)
	e.settler = NewSettler(cfg.KeyRing, cfg.Wallet, cfg.Trades, e.registry, cfg.Transport, logger)
	return e
}

// AddListener subscribes a change-notification listener. Must be called
// before Run.
func (e *Engine) AddListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

// Identity returns the local participant's key ring.
func (e *Engine) Identity() KeyRing {
	return e.keyRing
}

// Load seeds the registry from persisted state and reconciles duplicate
// open/closed pairs (§ Registry.ReconcileDuplicates). Must be called before
// Run.
func (e *Engine) Load(persisted []*Dispute) {
	e.registry.Load(persisted)
	for _, d := range e.registry.ReconcileDuplicates(e.trades) {
		e.logger.Info("reconciled duplicate dispute at startup", "id", d.ID)
	}
	e.lastOpenCount = e.registry.OpenCount()
	metrics.OpenDisputes.Set(float64(e.lastOpenCount))
}

// Run executes the dispatch loop until ctx is cancelled. On exit, all
// pending retries are cancelled without executing, and submitters unblock
// instead of queueing against a loop that will never drain.
func (e *Engine) Run(ctx context.Context) {
	e.runC = ctx
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			e.retries.CancelAll()
			return
		case fn := <-e.tasks:
			fn()
		}
	}
}

// submit hands a function to the dispatch loop without waiting for it.
// Dropped once the loop has stopped.
func (e *Engine) submit(fn func()) {
	select {
	case e.tasks <- fn:
	case <-e.done:
		e.logger.Debug("engine stopped, dropping task")
	}
}

// call runs fn on the dispatch loop and waits for its result.
func (e *Engine) call(fn func() error) error {
	errc := make(chan error, 1)
	task := func() { errc <- fn() }
	select {
	case e.tasks <- task:
	case <-e.done:
		return ErrEngineStopped
	}
	select {
	case err := <-errc:
		return err
	case <-e.done:
		// The loop may have executed the task just before exiting.
		select {
		case err := <-errc:
			return err
		default:
			return ErrEngineStopped
		}
	}
}

// ---------------------------------------------------------------------------
// Inbound entry points (called by the transport from its own I/O contexts)
// ---------------------------------------------------------------------------

// OnDirectMessage hands an inbound direct message to the dispatch loop.
func (e *Engine) OnDirectMessage(msg Message) {
	e.submit(func() { e.receive(msg, false) })
}

// OnMailboxMessage hands an inbound mailbox message to the dispatch loop.
// It is removed from the mailbox once dispatched.
func (e *Engine) OnMailboxMessage(msg Message) {
	e.submit(func() { e.receive(msg, true) })
}

// OnBootstrapped flushes messages buffered while the transport was still
// bootstrapping. Inbound messages can arrive before the bootstrap signal.
func (e *Engine) OnBootstrapped() {
	e.submit(func() {
		e.bootstrapped = true
		buffered := e.buffered
		e.buffered = nil
		for _, b := range buffered {
			e.dispatch(b.msg, b.fromMailbox)
		}
	})
}

func (e *Engine) receive(msg Message, fromMailbox bool) {
	if !e.bootstrapped {
		e.buffered = append(e.buffered, bufferedMessage{msg, fromMailbox})
		return
	}
	e.dispatch(msg, fromMailbox)
}

// dispatch routes one inbound message. Runs on the dispatch loop; the whole
// dispatch is atomic with respect to other inbound messages.
func (e *Engine) dispatch(msg Message, fromMailbox bool) {
	// ACKs never go through dispute lookup: they must not trigger a
	// dispute-not-found retry.
	if ack, ok := msg.(*AckMessage); ok {
		metrics.MessagesDispatched.WithLabelValues("ack").Inc()
		e.tracker.OnAck(ack)
		e.finishMailbox(msg, fromMailbox)
		return
	}

	ctx, span := traces.StartSpan(e.ctx(), "dispute.dispatch",
		traces.TradeID(msg.TradeRef()), traces.MessageType(typeName(msg)))
	defer span.End()

	metrics.MessagesDispatched.WithLabelValues(typeName(msg)).Inc()
	switch m := msg.(type) {
	case *OpenNewDisputeMessage:
		e.onOpenNewDispute(m)
	case *PeerOpenedDisputeMessage:
		e.onPeerOpenedDispute(m)
	case *ChatMessage:
		e.onChatMessage(m)
	case *DisputeResultMessage:
		e.onDisputeResult(ctx, m)
	case *PeerPublishedPayoutTxMessage:
		e.onPeerPublishedPayoutTx(m)
	}
	e.finishMailbox(msg, fromMailbox)
}

func (e *Engine) finishMailbox(msg Message, fromMailbox bool) {
	if fromMailbox && e.transport != nil {
		e.transport.RemoveFromMailbox(msg)
	}
}

// onOpenNewDispute handles opener → arbitrator. Anyone else receiving it is
// a misbehaving peer.
func (e *Engine) onOpenNewDispute(m *OpenNewDisputeMessage) {
	d := m.Dispute
	if !e.isArbitrator(d) {
		e.dropViolation("trader received OpenNewDisputeMessage", d.TradeID)
		return
	}
	if !e.arbitratorAllowed(d.ArbitratorPubKeyRing) {
		e.dropViolation("dispute names an arbitrator outside the allow-list", d.TradeID)
		return
	}

	ackUID := openerCommUID(d, m.UID)
	if _, ok := e.registry.ByTradeAndTrader(d.TradeID, d.TraderID); ok {
		e.logger.Warn("dispute already open for this trade and trading peer",
			"tradeId", d.TradeID, "traderId", d.TraderID)
		metrics.MessagesDropped.WithLabelValues("duplicate").Inc()
		e.sendAck(m.SenderAddress, d.TraderPubKeyRing, d.TradeID, ackUID, false,
			"dispute already open")
		return
	}

	if err := e.registry.Insert(d); err != nil {
		e.sendAck(m.SenderAddress, d.TraderPubKeyRing, d.TradeID, ackUID, false, err.Error())
		return
	}
	e.notifyAdded(d)
	e.forwardPeerOpenedDispute(d)
	e.sendAck(m.SenderAddress, d.TraderPubKeyRing, d.TradeID, ackUID, true, "")
}

// forwardPeerOpenedDispute mirrors the opener's dispute to the non-opening
// trader and stores the arbitrator's own copy of the mirror.
func (e *Engine) forwardPeerOpenedDispute(opened *Dispute) {
	mirror := opened.Mirror()
	if _, ok := e.registry.ByTradeAndTrader(mirror.TradeID, mirror.TraderID); ok {
		e.logger.Warn("mirrored dispute already exists",
			"tradeId", mirror.TradeID, "traderId", mirror.TraderID)
		return
	}

	sys := e.systemMessage(mirror, peerOpenedText(mirror.SupportTicket))
	mirror.Messages = append(mirror.Messages, sys)
	if err := e.registry.Insert(mirror); err != nil {
		e.logger.Error("storing mirrored dispute failed", "tradeId", mirror.TradeID, "error", err)
		return
	}
	e.notifyAdded(mirror)

	peerRing := opened.Contract.PeerRingOfOpener(opened.OpenerIsBuyer)
	peerAddr := opened.Contract.PeerAddressOfOpener(opened.OpenerIsBuyer)
	msg := &PeerOpenedDisputeMessage{
		Dispute:       mirror.Clone(),
		SenderAddress: e.keyRing.NodeAddress,
		UID:           idgen.New(),
	}
	e.logger.Debug("forwarding mirrored dispute", "tradeId", mirror.TradeID, "peer", peerAddr)
	e.transport.SendMailboxMessage(peerAddr, peerRing, msg, e.tracker.ListenerFor(sys))
}

// onPeerOpenedDispute handles arbitrator → non-opening trader.
func (e *Engine) onPeerOpenedDispute(m *PeerOpenedDisputeMessage) {
	d := m.Dispute
	if e.isArbitrator(d) {
		e.dropViolation("arbitrator received PeerOpenedDisputeMessage", d.TradeID)
		return
	}
	if !e.arbitratorAllowed(d.ArbitratorPubKeyRing) {
		e.dropViolation("dispute names an arbitrator outside the allow-list", d.TradeID)
		return
	}

	ackUID := openerCommUID(d, m.UID)
	if _, ok := e.registry.ByTradeAndTrader(d.TradeID, d.TraderID); ok {
		e.logger.Warn("dispute already open for this trade and trading peer",
			"tradeId", d.TradeID, "traderId", d.TraderID)
		metrics.MessagesDropped.WithLabelValues("duplicate").Inc()
		e.ackArbitrator(d, ackUID, false, "dispute already open")
		return
	}
	if err := e.registry.Insert(d); err != nil {
		e.ackArbitrator(d, ackUID, false, err.Error())
		return
	}
	e.notifyAdded(d)
	if e.trades != nil {
		e.trades.NotifyDisputeOpenedByPeer(d.TradeID)
	}
	e.ackArbitrator(d, ackUID, true, "")
}

// onChatMessage handles trader↔arbitrator chat, either direction. Trader to
// trader is not allowed.
func (e *Engine) onChatMessage(m *ChatMessage) {
	d, ok := e.registry.ByTradeAndTrader(m.TradeID, m.TraderID)
	if !ok {
		// Legitimate race: chat can outrun the open propagation.
		e.scheduleOneRetry(m.UID, chatRetryUnits, "chat", func() { e.onChatMessage(m) })
		return
	}
	e.retries.Cancel(m.UID)

	if m.SenderIsTrader && e.isTrader(d) {
		e.dropViolation("trader received chat from another trader", m.TradeID)
		return
	}
	if !m.SenderIsTrader && e.isArbitrator(d) {
		e.dropViolation("arbitrator received chat attributed to an arbitrator", m.TradeID)
		return
	}

	if e.registry.AppendMessage(d, m) {
		e.notifyChat(d, m)
	} else {
		// Duplicate uid: tolerated no-op.
		e.logger.Warn("chat message already stored", "tradeId", m.TradeID, "uid", m.UID)
		metrics.MessagesDropped.WithLabelValues("duplicate").Inc()
	}

	peerRing, peerAddr := e.chatPeerOf(d)
	if peerRing.IsZero() {
		// Cannot happen once the dispute exists, and not worth surfacing.
		e.logger.Debug("no ack target resolvable", "tradeId", m.TradeID)
		return
	}
	e.sendAck(peerAddr, peerRing, m.TradeID, m.UID, true, "")
}

// onDisputeResult applies the arbitrator's verdict and triggers settlement.
// Received by each trader individually; arbitrators never receive their own
// verdicts back.
func (e *Engine) onDisputeResult(ctx context.Context, m *DisputeResultMessage) {
	res := m.Result
	if string(e.keyRing.PubKeyRing.SignaturePubKey) == string(res.ArbitratorPubKey) {
		e.dropViolation("arbitrator received its own verdict", res.TradeID)
		return
	}

	d, ok := e.registry.ByTradeAndTrader(res.TradeID, res.TraderID)
	if !ok {
		// The verdict can outrun the mirrored open; losing a verdict needs
		// out-of-band recovery, so it gets the louder drop log.
		if !e.retries.ScheduleOnce(m.UID, resultRetryUnits, func() { e.onDisputeResult(e.ctx(), m) }) {
			e.logger.Warn("verdict for unknown dispute dropped after retry",
				"tradeId", res.TradeID, "traderId", res.TraderID)
			metrics.MessagesDropped.WithLabelValues("retry_exhausted").Inc()
			return
		}
		metrics.RetriesScheduled.Inc()
		e.logger.Debug("verdict before dispute known, retry scheduled", "tradeId", res.TradeID)
		return
	}
	e.retries.Cancel(m.UID)

	ackUID := m.UID
	if cm := res.ClosingMessage; cm != nil {
		ackUID = cm.UID
		if e.registry.AppendMessage(d, cm) {
			e.notifyChat(d, cm)
		} else {
			e.logger.Warn("verdict closing message already stored", "tradeId", res.TradeID, "uid", cm.UID)
		}
	}

	if d.Result != nil {
		// Expected only when a first close attempt failed and the
		// arbitrator re-sent; a different verdict is the anomaly.
		if d.Result.SameVerdict(res) {
			e.logger.Warn("dispute result re-delivered", "tradeId", res.TradeID)
		} else {
			e.logger.Warn("different dispute result for already decided dispute",
				"tradeId", res.TradeID)
		}
	}
	e.registry.SetResult(d, res)

	err := e.settler.Settle(ctx, d, res)
	switch {
	case err == nil:
		e.closeDispute(d)
		e.ackArbitrator(d, ackUID, true, "")
	case errors.Is(err, ErrDepositTxMissing):
		// Deliberate asymmetry with the verification-failure path: the
		// dispute stays open to preserve a chance of manual recovery.
		e.logger.Warn("settlement failed, dispute left open", "tradeId", res.TradeID, "error", err)
		e.ackArbitrator(d, ackUID, false, err.Error())
	case errors.Is(err, ErrTxVerification):
		// Force-closed: a closed unresolved dispute beats one that blocks
		// the user forever.
		e.logger.Error("settlement verification failed, force-closing dispute",
			"tradeId", res.TradeID, "error", err)
		e.closeDispute(d)
		e.ackArbitrator(d, ackUID, false, err.Error())
	default:
		e.logger.Error("settlement failed", "tradeId", res.TradeID, "error", err)
		e.closeDispute(d)
		e.ackArbitrator(d, ackUID, false, err.Error())
	}
}

// onPeerPublishedPayoutTx records the payout tx broadcast by the other
// trader. Resolved by trade id only; the message targets whichever dispute
// copy this participant owns.
func (e *Engine) onPeerPublishedPayoutTx(m *PeerPublishedPayoutTxMessage) {
	d, ok := e.registry.AnyForTrade(m.TradeID)
	if !ok {
		e.scheduleOneRetry(m.UID, payoutTxRetryUnits, "payout tx", func() { e.onPeerPublishedPayoutTx(m) })
		return
	}
	e.retries.Cancel(m.UID)

	err := e.settler.ImportPeerTx(d, m.Tx)
	if err != nil {
		e.logger.Error("importing peer payout tx failed", "tradeId", m.TradeID, "error", err)
	}

	peerRing, peerAddr := e.tradePeerOf(d)
	if !peerRing.IsZero() {
		e.sendAck(peerAddr, peerRing, m.TradeID, m.UID, err == nil, errString(err))
	}
}

// ---------------------------------------------------------------------------
// Local API (trader / arbitrator facing)
// ---------------------------------------------------------------------------

// OpenDispute is the trader-side entry point for initiating a dispute. With
// reopen the duplicate check is skipped and the stored dispute is reused.
func (e *Engine) OpenDispute(d *Dispute, reopen bool) error {
	return e.call(func() error {
		existing, exists := e.registry.ByTradeAndTrader(d.TradeID, d.TraderID)
		if exists && !reopen {
			e.logger.Warn("dispute already open", "tradeId", d.TradeID, "traderId", d.TraderID)
			return ErrDisputeAlreadyOpen
		}

		if exists {
			// Reopen continues on the stored copy; the caller's object only
			// selects which dispute to reopen.
			d = existing
		}
		sys := e.systemMessage(d, openedText(d.SupportTicket))
		if exists {
			e.registry.AppendMessage(d, sys)
		} else {
			d.Messages = append(d.Messages, sys)
			if err := e.registry.Insert(d); err != nil {
				return err
			}
			e.notifyAdded(d)
		}

		msg := &OpenNewDisputeMessage{
			Dispute:       d.Clone(),
			SenderAddress: e.keyRing.NodeAddress,
			UID:           idgen.New(),
		}
		e.transport.SendMailboxMessage(d.Contract.ArbitratorNodeAddress, d.ArbitratorPubKeyRing,
			msg, e.tracker.ListenerFor(sys))
		return nil
	})
}

// SendChatMessage sends chat/evidence on an existing dispute and returns the
// locally echoed message. Traders talk to the arbitrator; the arbitrator
// talks to the dispute's trader. There is no trader-to-trader path.
func (e *Engine) SendChatMessage(disputeID, text string, attachments []Attachment) (*ChatMessage, error) {
	var echo *ChatMessage
	err := e.call(func() error {
		d, ok := e.registry.byID[disputeID]
		if !ok {
			return ErrDisputeNotFound
		}

		cm := &ChatMessage{
			TradeID:        d.TradeID,
			TraderID:       d.TraderPubKeyRing.Hash(),
			SenderIsTrader: e.isTrader(d),
			Message:        text,
			Attachments:    attachments,
			UID:            idgen.New(),
			SenderAddress:  e.keyRing.NodeAddress,
			Date:           time.Now(),
		}

		var peerRing PubKeyRing
		var peerAddr NodeAddress
		switch {
		case e.isTrader(d):
			e.registry.AppendMessage(d, cm)
			peerRing = d.ArbitratorPubKeyRing
			peerAddr = d.Contract.ArbitratorNodeAddress
		case e.isArbitrator(d):
			if !cm.SystemMessage {
				e.registry.AppendMessage(d, cm)
			}
			peerRing = d.TraderPubKeyRing
			peerAddr = d.Contract.AddressOfRing(d.TraderPubKeyRing)
		default:
			return fmt.Errorf("dispute: local participant is neither trader nor arbitrator for %s", disputeID)
		}

		e.notifyChat(d, cm)
		e.transport.SendMailboxMessage(peerAddr, peerRing, cm.Clone(), e.tracker.ListenerFor(cm))
		echo = cm.Clone()
		return nil
	})
	return echo, err
}

// ApplyVerdict is the arbitrator-side entry point to settle a dispute: it
// records the verdict with its closing explanation, closes the arbitrator's
// copy, and sends the DisputeResultMessage to the dispute's trader.
func (e *Engine) ApplyVerdict(disputeID string, res *DisputeResult, explanation string) error {
	return e.call(func() error {
		d, ok := e.registry.byID[disputeID]
		if !ok {
			return ErrDisputeNotFound
		}
		if !e.isArbitrator(d) {
			return ErrNotArbitrator
		}

		cm := &ChatMessage{
			TradeID:       d.TradeID,
			TraderID:      d.TraderPubKeyRing.Hash(),
			Message:       explanation,
			UID:           idgen.New(),
			SenderAddress: e.keyRing.NodeAddress,
			Date:          time.Now(),
		}
		e.registry.AppendMessage(d, cm)

		res.TradeID = d.TradeID
		res.TraderID = d.TraderID
		res.ClosingMessage = cm.Clone()
		if len(res.ArbitratorPubKey) == 0 {
			res.ArbitratorPubKey = e.keyRing.PubKeyRing.SignaturePubKey
		}
		e.registry.SetResult(d, res)
		e.closeDispute(d)

		msg := &DisputeResultMessage{
			Result:        res,
			SenderAddress: e.keyRing.NodeAddress,
			UID:           idgen.New(),
		}
		addr := d.Contract.AddressOfRing(d.TraderPubKeyRing)
		e.transport.SendMailboxMessage(addr, d.TraderPubKeyRing, msg, e.tracker.ListenerFor(cm))
		return nil
	})
}

// Disputes returns clones of all known disputes in insertion order.
func (e *Engine) Disputes() []*Dispute {
	var out []*Dispute
	_ = e.call(func() error {
		for _, d := range e.registry.All() {
			out = append(out, d.Clone())
		}
		return nil
	})
	return out
}

// DisputeByID returns a clone of one dispute.
func (e *Engine) DisputeByID(id string) (*Dispute, error) {
	var out *Dispute
	err := e.call(func() error {
		d, ok := e.registry.byID[id]
		if !ok {
			return ErrDisputeNotFound
		}
		out = d.Clone()
		return nil
	})
	return out, err
}

// OpenCount is the observable count of open disputes.
func (e *Engine) OpenCount() int {
	var n int
	_ = e.call(func() error {
		n = e.registry.OpenCount()
		return nil
	})
	return n
}

// DisputesWithPeer counts disputes whose contract involves the given node
// address on either side.
func (e *Engine) DisputesWithPeer(addr NodeAddress) int {
	var n int
	_ = e.call(func() error {
		for _, d := range e.registry.All() {
			if d.Contract.BuyerNodeAddress == addr || d.Contract.SellerNodeAddress == addr {
				n++
			}
		}
		return nil
	})
	return n
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (e *Engine) isTrader(d *Dispute) bool {
	return e.keyRing.PubKeyRing.Equals(d.TraderPubKeyRing)
}

func (e *Engine) isArbitrator(d *Dispute) bool {
	return e.keyRing.PubKeyRing.Equals(d.ArbitratorPubKeyRing)
}

func (e *Engine) arbitratorAllowed(ring PubKeyRing) bool {
	if len(e.arbitratorKeys) == 0 {
		return true
	}
	for _, k := range e.arbitratorKeys {
		if string(k) == string(ring.SignaturePubKey) {
			return true
		}
	}
	return false
}

// chatPeerOf resolves the ACK/reply target for chat on a dispute.
func (e *Engine) chatPeerOf(d *Dispute) (PubKeyRing, NodeAddress) {
	if e.isTrader(d) {
		return d.ArbitratorPubKeyRing, d.Contract.ArbitratorNodeAddress
	}
	if e.isArbitrator(d) {
		return d.TraderPubKeyRing, d.Contract.AddressOfRing(d.TraderPubKeyRing)
	}
	return PubKeyRing{}, ""
}

// tradePeerOf resolves the other trader of the dispute's trade.
func (e *Engine) tradePeerOf(d *Dispute) (PubKeyRing, NodeAddress) {
	c := &d.Contract
	if e.keyRing.PubKeyRing.Equals(c.BuyerPubKeyRing) {
		return c.SellerPubKeyRing, c.SellerNodeAddress
	}
	if e.keyRing.PubKeyRing.Equals(c.SellerPubKeyRing) {
		return c.BuyerPubKeyRing, c.BuyerNodeAddress
	}
	return PubKeyRing{}, ""
}

func (e *Engine) scheduleOneRetry(uid string, units int, what string, fn func()) {
	if e.retries.ScheduleOnce(uid, units, fn) {
		metrics.RetriesScheduled.Inc()
		e.logger.Debug("no matching dispute yet, retry scheduled", "kind", what, "uid", uid)
		return
	}
	e.logger.Warn("no matching dispute after retry, dropping message", "kind", what, "uid", uid)
	metrics.MessagesDropped.WithLabelValues("retry_exhausted").Inc()
}

func (e *Engine) dropViolation(reason, tradeID string) {
	// Misbehaving or buggy peer: drop, no ACK.
	e.logger.Error("protocol violation", "reason", reason, "tradeId", tradeID)
	metrics.MessagesDropped.WithLabelValues("protocol_violation").Inc()
}

func (e *Engine) sendAck(addr NodeAddress, ring PubKeyRing, tradeID, sourceUID string, success bool, errMsg string) {
	if addr == "" || ring.IsZero() {
		return
	}
	ack := &AckMessage{
		TradeID:       tradeID,
		SourceUID:     sourceUID,
		Success:       success,
		ErrorMessage:  errMsg,
		SenderAddress: e.keyRing.NodeAddress,
		UID:           idgen.New(),
	}
	e.transport.SendMailboxMessage(addr, ring, ack, logOnlyListener{e.logger, tradeID})
}

func (e *Engine) ackArbitrator(d *Dispute, sourceUID string, success bool, errMsg string) {
	e.sendAck(d.Contract.ArbitratorNodeAddress, d.ArbitratorPubKeyRing, d.TradeID, sourceUID, success, errMsg)
}

func (e *Engine) closeDispute(d *Dispute) {
	if d.Closed {
		return
	}
	e.registry.Close(d)
	for _, l := range e.listeners {
		l.OnDisputeClosed(d.Clone())
	}
	e.refreshOpenCount()
}

func (e *Engine) notifyAdded(d *Dispute) {
	for _, l := range e.listeners {
		l.OnDisputeAdded(d.Clone())
	}
	e.refreshOpenCount()
}

func (e *Engine) notifyChat(d *Dispute, m *ChatMessage) {
	for _, l := range e.listeners {
		l.OnChatMessage(d.Clone(), m.Clone())
	}
}

func (e *Engine) refreshOpenCount() {
	n := e.registry.OpenCount()
	if n == e.lastOpenCount {
		return
	}
	e.lastOpenCount = n
	metrics.OpenDisputes.Set(float64(n))
	for _, l := range e.listeners {
		l.OnOpenCountChanged(n)
	}
}

// systemMessage builds the system-generated chat entry attached to opened
// and mirrored disputes.
func (e *Engine) systemMessage(d *Dispute, text string) *ChatMessage {
	return &ChatMessage{
		TradeID:       d.TradeID,
		TraderID:      d.TraderID,
		Message:       text,
		UID:           idgen.New(),
		SenderAddress: e.keyRing.NodeAddress,
		Date:          time.Now(),
		SystemMessage: true,
	}
}

func (e *Engine) ctx() context.Context {
	if e.runC != nil {
		return e.runC
	}
	return context.Background()
}

// openerCommUID extracts the uid the opener expects ACKs to correlate on:
// the embedded system chat message, falling back to the envelope uid. A
// reopen appends a fresh system message, so the last entry is the one the
// current send carries.
func openerCommUID(d *Dispute, fallback string) string {
	if n := len(d.Messages); n > 0 {
		return d.Messages[n-1].UID
	}
	return fallback
}

func openedText(supportTicket bool) string {
	if supportTicket {
		return "System message: you opened a support ticket."
	}
	return "System message: you opened a dispute. Your trading peer and the arbitrator were notified."
}

func peerOpenedText(supportTicket bool) string {
	if supportTicket {
		return "System message: your trading peer opened a support ticket."
	}
	return "System message: your trading peer opened a dispute. Please provide your view of the trade to the arbitrator."
}

func typeName(msg Message) string {
	switch msg.(type) {
	case *OpenNewDisputeMessage:
		return "open_new_dispute"
	case *PeerOpenedDisputeMessage:
		return "peer_opened_dispute"
	case *ChatMessage:
		return "chat"
	case *DisputeResultMessage:
		return "dispute_result"
	case *PeerPublishedPayoutTxMessage:
		return "peer_published_payout_tx"
	case *AckMessage:
		return "ack"
	}
	return "unknown"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
