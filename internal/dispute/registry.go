package dispute

import (
	"log/slog"
)

// Registry is one participant's collection of disputes, keyed by
// (tradeID, traderID). It is exclusively owned and mutated by the engine's
// dispatch loop, so it carries no locking of its own; every reader outside
// the loop gets clones.
//
// Every mutation requests an asynchronous persistence flush. Lookups never
// touch dirty state.
type Registry struct {
	byID      map[string]*Dispute
	order     []*Dispute // insertion order, for stable listings
	persister Persister
	logger    *slog.Logger
}

// NewRegistry creates an empty registry backed by the given persister.
func NewRegistry(persister Persister, logger *slog.Logger) *Registry {
	if persister == nil {
		persister = NoopPersister{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		byID:      make(map[string]*Dispute),
		persister: persister,
		logger:    logger.With("component", "registry"),
	}
}

// Load seeds the registry from persisted state. Call once before the
// dispatch loop starts. Snapshots taken around a crash can carry both an
// open and a closed copy of the same dispute; both are kept, with the map
// pointing at the open one, until ReconcileDuplicates collapses them.
func (r *Registry) Load(disputes []*Dispute) {
	for _, d := range disputes {
		if prev, ok := r.byID[d.ID]; ok {
			if prev.Closed == d.Closed {
				r.logger.Warn("duplicate dispute in persisted state, keeping first", "id", d.ID)
				continue
			}
			r.order = append(r.order, d)
			if !d.Closed {
				r.byID[d.ID] = d
			}
			continue
		}
		r.byID[d.ID] = d
		r.order = append(r.order, d)
	}
}

// ByTradeAndTrader is the exact key lookup.
func (r *Registry) ByTradeAndTrader(tradeID string, traderID int32) (*Dispute, bool) {
	d, ok := r.byID[DisputeID(tradeID, traderID)]
	return d, ok
}

// AnyForTrade returns any dispute for the trade regardless of trader id.
// A trader holds exactly one copy per trade, so this resolves "my" dispute
// for payout-tx import.
func (r *Registry) AnyForTrade(tradeID string) (*Dispute, bool) {
	for _, d := range r.order {
		if d.TradeID == tradeID {
			return d, true
		}
	}
	return nil, false
}

// Insert adds a dispute, failing on a duplicate key.
func (r *Registry) Insert(d *Dispute) error {
	if _, ok := r.byID[d.ID]; ok {
		return ErrDuplicateDispute
	}
	r.byID[d.ID] = d
	r.order = append(r.order, d)
	r.requestPersist()
	return nil
}

// AppendMessage stores a chat message on the dispute, deduplicated by uid.
// Returns false when the uid was already stored.
func (r *Registry) AppendMessage(d *Dispute, m *ChatMessage) bool {
	if d.HasMessage(m.UID) {
		return false
	}
	d.Messages = append(d.Messages, m)
	r.requestPersist()
	return true
}

// Close marks the dispute closed. Closed is terminal for verdicts; payout-tx
// recording may still happen afterwards.
func (r *Registry) Close(d *Dispute) {
	if d.Closed {
		return
	}
	d.Closed = true
	r.requestPersist()
}

// SetResult records the verdict.
func (r *Registry) SetResult(d *Dispute, res *DisputeResult) {
	d.Result = res
	r.requestPersist()
}

// SetPayoutTxID records the settled payout transaction id. Allowed after
// Close: late-arriving payout confirmation is expected.
func (r *Registry) SetPayoutTxID(d *Dispute, txID string) {
	d.DisputePayoutTxID = txID
	r.requestPersist()
}

// RequestPersist flushes after mutations made outside the registry's own
// mutators (delivery-state updates on stored messages).
func (r *Registry) RequestPersist() {
	r.requestPersist()
}

// All returns the disputes in insertion order. Callers on the dispatch loop
// may read the returned pointers; everyone else must Clone.
func (r *Registry) All() []*Dispute {
	out := make([]*Dispute, len(r.order))
	copy(out, r.order)
	return out
}

// OpenCount is the number of disputes not yet closed.
func (r *Registry) OpenCount() int {
	n := 0
	for _, d := range r.order {
		if !d.Closed {
			n++
		}
	}
	return n
}

// ReconcileDuplicates runs once at startup. If an open and a closed dispute
// exist for the same trade and originate from the same trader (possible when
// an arbitrator was offline and collected multiple open requests), the open
// one is forced closed and the owning trade is closed in the lifecycle
// manager. Returns the disputes it closed.
func (r *Registry) ReconcileDuplicates(trades TradeLifecycle) []*Dispute {
	groups := make(map[string]int)
	for _, d := range r.order {
		groups[d.ID]++
	}

	var reconciled []*Dispute
	for _, d := range r.order {
		if groups[d.ID] < 2 || d.Closed {
			// Only close our own duplicate, never the peer's dispute.
			continue
		}
		r.logger.Warn("closing duplicate open dispute",
			"tradeId", d.TradeID, "traderId", d.TraderID)
		d.Closed = true
		if trades != nil {
			trades.CloseDisputedTrade(d.TradeID)
		}
		r.byID[d.ID] = d
		reconciled = append(reconciled, d)
	}
	if len(reconciled) == 0 {
		return nil
	}

	// Collapse each duplicate pair back to the copy the map points at.
	kept := r.order[:0]
	for _, d := range r.order {
		if r.byID[d.ID] == d {
			kept = append(kept, d)
		}
	}
	r.order = kept
	r.requestPersist()
	return reconciled
}

func (r *Registry) requestPersist() {
	snapshot := make([]*Dispute, 0, len(r.order))
	for _, d := range r.order {
		snapshot = append(snapshot, d.Clone())
	}
	r.persister.PersistAsync(snapshot)
}
