package dispute

import "time"

// Message is the sealed set of dispute protocol messages. Dispatch is an
// exhaustive type switch in the engine; there is no "unsupported message"
// branch because nothing outside this package can implement the interface.
type Message interface {
	// UIDString is the client-generated unique id used for deduplication
	// and ACK correlation.
	UIDString() string
	// Sender is the network address the message was sent from.
	Sender() NodeAddress
	// TradeRef is the trade the message belongs to.
	TradeRef() string

	sealed()
}

// OpenNewDisputeMessage travels opener → arbitrator only.
type OpenNewDisputeMessage struct {
	Dispute       *Dispute    `json:"dispute"`
	SenderAddress NodeAddress `json:"senderAddress"`
	UID           string      `json:"uid"`
}

func (m *OpenNewDisputeMessage) UIDString() string   { return m.UID }
func (m *OpenNewDisputeMessage) Sender() NodeAddress { return m.SenderAddress }
func (m *OpenNewDisputeMessage) TradeRef() string    { return m.Dispute.TradeID }
func (m *OpenNewDisputeMessage) sealed()             {}

// PeerOpenedDisputeMessage travels arbitrator → non-opening trader only.
type PeerOpenedDisputeMessage struct {
	Dispute       *Dispute    `json:"dispute"`
	SenderAddress NodeAddress `json:"senderAddress"`
	UID           string      `json:"uid"`
}

func (m *PeerOpenedDisputeMessage) UIDString() string   { return m.UID }
func (m *PeerOpenedDisputeMessage) Sender() NodeAddress { return m.SenderAddress }
func (m *PeerOpenedDisputeMessage) TradeRef() string    { return m.Dispute.TradeID }
func (m *PeerOpenedDisputeMessage) sealed()             {}

// ChatMessage is a chat/evidence exchange between a trader and the
// arbitrator (either direction, never trader↔trader). It is appended to the
// local dispute optimistically before delivery is confirmed; the delivery
// state fields are mutated later by transport callbacks and ACKs.
type ChatMessage struct {
	TradeID        string       `json:"tradeId"`
	TraderID       int32        `json:"traderId"` // receiving trader's ring hash; routing, not content
	SenderIsTrader bool         `json:"senderIsTrader"`
	Message        string       `json:"message"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	UID            string       `json:"uid"`
	SenderAddress  NodeAddress  `json:"senderAddress"`
	Date           time.Time    `json:"date"`
	SystemMessage  bool         `json:"systemMessage"`

	// Delivery state, set by send callbacks and ACK correlation.
	Arrived         bool   `json:"arrived"`
	StoredInMailbox bool   `json:"storedInMailbox"`
	SendError       string `json:"sendError,omitempty"`
	Acknowledged    bool   `json:"acknowledged"`
	AckError        string `json:"ackError,omitempty"`
}

func (m *ChatMessage) UIDString() string   { return m.UID }
func (m *ChatMessage) Sender() NodeAddress { return m.SenderAddress }
func (m *ChatMessage) TradeRef() string    { return m.TradeID }
func (m *ChatMessage) sealed()             {}

// Clone returns a copy with its own attachment slice.
func (m *ChatMessage) Clone() *ChatMessage {
	cp := *m
	if m.Attachments != nil {
		cp.Attachments = make([]Attachment, len(m.Attachments))
		copy(cp.Attachments, m.Attachments)
	}
	return &cp
}

// DisputeResultMessage travels arbitrator → each trader individually.
type DisputeResultMessage struct {
	Result        *DisputeResult `json:"result"`
	SenderAddress NodeAddress    `json:"senderAddress"`
	UID           string         `json:"uid"`
}

func (m *DisputeResultMessage) UIDString() string   { return m.UID }
func (m *DisputeResultMessage) Sender() NodeAddress { return m.SenderAddress }
func (m *DisputeResultMessage) TradeRef() string    { return m.Result.TradeID }
func (m *DisputeResultMessage) sealed()             {}

// PeerPublishedPayoutTxMessage carries the broadcast payout transaction from
// the broadcaster to the other trader. It has no trader id: it targets
// whichever dispute copy the receiver owns for the trade.
type PeerPublishedPayoutTxMessage struct {
	TradeID       string      `json:"tradeId"`
	Tx            []byte      `json:"tx"`
	SenderAddress NodeAddress `json:"senderAddress"`
	UID           string      `json:"uid"`
}

func (m *PeerPublishedPayoutTxMessage) UIDString() string   { return m.UID }
func (m *PeerPublishedPayoutTxMessage) Sender() NodeAddress { return m.SenderAddress }
func (m *PeerPublishedPayoutTxMessage) TradeRef() string    { return m.TradeID }
func (m *PeerPublishedPayoutTxMessage) sealed()             {}

// AckMessage acknowledges receipt/processing of an earlier message,
// correlated by that message's uid. It is handled by the delivery tracker,
// never dispatched through the dispute lookup path: an ACK must not itself
// trigger a dispute-not-found retry.
type AckMessage struct {
	TradeID       string      `json:"tradeId"`
	SourceUID     string      `json:"sourceUid"`
	Success       bool        `json:"success"`
	ErrorMessage  string      `json:"errorMessage,omitempty"`
	SenderAddress NodeAddress `json:"senderAddress"`
	UID           string      `json:"uid"`
}

func (m *AckMessage) UIDString() string   { return m.UID }
func (m *AckMessage) Sender() NodeAddress { return m.SenderAddress }
func (m *AckMessage) TradeRef() string    { return m.TradeID }
func (m *AckMessage) sealed()             {}
