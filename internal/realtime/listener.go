package realtime

import (
	"time"

	"github.com/parley-trade/parley/internal/dispute"
)

// DisputeListener forwards dispute registry changes to the hub. Callbacks
// run on the protocol dispatch loop, so everything here must be non-blocking;
// Hub.Broadcast drops events rather than wait.
type DisputeListener struct {
	hub *Hub
}

// NewDisputeListener wraps a hub as a dispute change listener.
func NewDisputeListener(hub *Hub) *DisputeListener {
	return &DisputeListener{hub: hub}
}

func (l *DisputeListener) OnDisputeAdded(d *dispute.Dispute) {
	l.hub.Broadcast(&Event{
		Type:      EventDisputeOpened,
		Timestamp: time.Now(),
		Data:      disputeSummary(d),
	})
}

func (l *DisputeListener) OnDisputeClosed(d *dispute.Dispute) {
	l.hub.Broadcast(&Event{
		Type:      EventDisputeClosed,
		Timestamp: time.Now(),
		Data:      disputeSummary(d),
	})
}

func (l *DisputeListener) OnOpenCountChanged(n int) {
	l.hub.Broadcast(&Event{
		Type:      EventOpenCount,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"openCount": n},
	})
}

func (l *DisputeListener) OnChatMessage(d *dispute.Dispute, m *dispute.ChatMessage) {
	l.hub.Broadcast(&Event{
		Type:      EventChatMessage,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"tradeId":        d.TradeID,
			"disputeId":      d.ID,
			"uid":            m.UID,
			"senderIsTrader": m.SenderIsTrader,
			"systemMessage":  m.SystemMessage,
			"message":        m.Message,
			"attachments":    len(m.Attachments),
		},
	})
}

func disputeSummary(d *dispute.Dispute) map[string]interface{} {
	data := map[string]interface{}{
		"tradeId":       d.TradeID,
		"disputeId":     d.ID,
		"traderId":      d.TraderID,
		"supportTicket": d.SupportTicket,
		"closed":        d.Closed,
		"openingDate":   d.OpeningDate,
	}
	if d.Result != nil {
		data["winner"] = string(d.Result.Winner)
	}
	if d.DisputePayoutTxID != "" {
		data["payoutTxId"] = d.DisputePayoutTxID
	}
	return data
}

// Compile-time assertion that DisputeListener implements dispute.Listener.
var _ dispute.Listener = (*DisputeListener)(nil)
