package dispute

import (
	"log/slog"

	"github.com/parley-trade/parley/internal/metrics"
)

// DeliveryTracker records transport delivery outcomes on outbound chat
// messages and correlates inbound ACKs back to them. Exactly one of
// arrived / stored-in-mailbox / fault fires per send attempt; ACKs arrive
// independently and possibly much later.
//
// All mutation happens on the engine's dispatch loop: the transport calls
// the SendListener from its own I/O context, and the listener hands off via
// submit before touching any message state.
type DeliveryTracker struct {
	registry *Registry
	submit   func(func())
	logger   *slog.Logger
}

// NewDeliveryTracker wires a tracker to the registry it persists through.
func NewDeliveryTracker(registry *Registry, submit func(func()), logger *slog.Logger) *DeliveryTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryTracker{
		registry: registry,
		submit:   submit,
		logger:   logger.With("component", "delivery"),
	}
}

// ListenerFor returns the SendListener for one send attempt of the given
// locally stored chat message.
func (t *DeliveryTracker) ListenerFor(m *ChatMessage) SendListener {
	return &sendState{tracker: t, msg: m}
}

type sendState struct {
	tracker *DeliveryTracker
	msg     *ChatMessage
}

func (s *sendState) OnArrived() {
	s.tracker.submit(func() {
		s.tracker.logger.Info("message arrived at peer", "tradeId", s.msg.TradeID, "uid", s.msg.UID)
		s.msg.Arrived = true
		s.tracker.registry.RequestPersist()
		metrics.DeliveryOutcomes.WithLabelValues("arrived").Inc()
	})
}

func (s *sendState) OnStoredInMailbox() {
	s.tracker.submit(func() {
		s.tracker.logger.Info("message stored in mailbox", "tradeId", s.msg.TradeID, "uid", s.msg.UID)
		s.msg.StoredInMailbox = true
		s.tracker.registry.RequestPersist()
		metrics.DeliveryOutcomes.WithLabelValues("mailboxed").Inc()
	})
}

func (s *sendState) OnFault(reason string) {
	s.tracker.submit(func() {
		s.tracker.logger.Error("sending dispute message failed",
			"tradeId", s.msg.TradeID, "uid", s.msg.UID, "reason", reason)
		s.msg.SendError = reason
		s.tracker.registry.RequestPersist()
		metrics.DeliveryOutcomes.WithLabelValues("fault").Inc()
	})
}

// OnAck applies a received AckMessage to the matching local chat message.
// Runs on the dispatch loop. ACK correlation is independent of dispute
// lookup and never schedules a retry; an unmatched ACK is only logged.
func (t *DeliveryTracker) OnAck(ack *AckMessage) {
	for _, d := range t.registry.All() {
		m := d.MessageByUID(ack.SourceUID)
		if m == nil {
			continue
		}
		if ack.Success {
			m.Acknowledged = true
		} else {
			m.AckError = ack.ErrorMessage
		}
		t.registry.RequestPersist()
		metrics.AcksReceived.WithLabelValues(ackResult(ack.Success)).Inc()
		return
	}
	t.logger.Debug("ack for unknown message", "sourceUid", ack.SourceUID, "tradeId", ack.TradeID)
}

func ackResult(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
