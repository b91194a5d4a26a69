// Package dispute implements the dispute-arbitration subprotocol of the
// Parley trading network: opening and mirroring disputes, trader↔arbitrator
// chat, verdict application, and single-broadcaster payout settlement.
//
// Flow:
//  1. A trader opens a dispute → OpenNewDisputeMessage to the arbitrator
//  2. Arbitrator stores it and mirrors a PeerOpenedDisputeMessage to the peer
//  3. Parties exchange ChatMessages (always through the arbitrator, never
//     trader-to-trader)
//  4. Arbitrator sends a DisputeResultMessage to each trader
//  5. Exactly one trader signs and broadcasts the payout transaction and
//     forwards it via PeerPublishedPayoutTxMessage; the other side imports it
package dispute

import (
	"encoding/binary"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// NodeAddress identifies a peer on the network transport ("host:port" form).
type NodeAddress string

// PubKeyRing bundles a participant's public keys. Its hash doubles as the
// trader ID used for routing and dispute keying.
type PubKeyRing struct {
	SignaturePubKey  []byte `json:"signaturePubKey"`
	EncryptionPubKey []byte `json:"encryptionPubKey"`
}

// Hash derives the stable trader ID from the ring contents.
func (r PubKeyRing) Hash() int32 {
	h := ethcrypto.Keccak256(r.SignaturePubKey, r.EncryptionPubKey)
	return int32(binary.BigEndian.Uint32(h[:4]))
}

// Equals compares two rings by content.
func (r PubKeyRing) Equals(o PubKeyRing) bool {
	return string(r.SignaturePubKey) == string(o.SignaturePubKey) &&
		string(r.EncryptionPubKey) == string(o.EncryptionPubKey)
}

// IsZero reports whether the ring carries no keys.
func (r PubKeyRing) IsZero() bool {
	return len(r.SignaturePubKey) == 0 && len(r.EncryptionPubKey) == 0
}

// KeyRing is the local participant's identity: the public ring plus the
// node address the transport delivers to. Private key material stays in the
// wallet collaborator.
type KeyRing struct {
	PubKeyRing  PubKeyRing
	NodeAddress NodeAddress
}

// Contract is the signed trade contract snapshot carried on every dispute.
type Contract struct {
	TradeID               string      `json:"tradeId"`
	TradeAmount           int64       `json:"tradeAmount"`
	TradeDate             time.Time   `json:"tradeDate"`
	BuyerNodeAddress      NodeAddress `json:"buyerNodeAddress"`
	SellerNodeAddress     NodeAddress `json:"sellerNodeAddress"`
	ArbitratorNodeAddress NodeAddress `json:"arbitratorNodeAddress"`
	BuyerPubKeyRing       PubKeyRing  `json:"buyerPubKeyRing"`
	SellerPubKeyRing      PubKeyRing  `json:"sellerPubKeyRing"`
	BuyerPayoutAddress    string      `json:"buyerPayoutAddress"`
	SellerPayoutAddress   string      `json:"sellerPayoutAddress"`
	BuyerMultiSigPubKey   []byte      `json:"buyerMultiSigPubKey"`
	SellerMultiSigPubKey  []byte      `json:"sellerMultiSigPubKey"`
}

// PeerRingOfOpener returns the key ring of the trader who did NOT open the
// dispute, given the opener's side.
func (c *Contract) PeerRingOfOpener(openerIsBuyer bool) PubKeyRing {
	if openerIsBuyer {
		return c.SellerPubKeyRing
	}
	return c.BuyerPubKeyRing
}

// PeerAddressOfOpener returns the node address of the non-opening trader.
func (c *Contract) PeerAddressOfOpener(openerIsBuyer bool) NodeAddress {
	if openerIsBuyer {
		return c.SellerNodeAddress
	}
	return c.BuyerNodeAddress
}

// AddressOfRing resolves a trader ring to its node address, or "" when the
// ring belongs to neither side.
func (c *Contract) AddressOfRing(ring PubKeyRing) NodeAddress {
	switch {
	case c.BuyerPubKeyRing.Equals(ring):
		return c.BuyerNodeAddress
	case c.SellerPubKeyRing.Equals(ring):
		return c.SellerNodeAddress
	}
	return ""
}

// Attachment is an evidence file carried on a chat message.
type Attachment struct {
	FileName string `json:"fileName"`
	Bytes    []byte `json:"bytes"`
}

// Winner designates the party awarded the payout (or the larger share).
type Winner string

const (
	WinnerBuyer  Winner = "buyer"
	WinnerSeller Winner = "seller"
)

// DisputeResult is the arbitrator's binding verdict.
type DisputeResult struct {
	TradeID             string       `json:"tradeId"`
	TraderID            int32        `json:"traderId"`
	Winner              Winner       `json:"winner"`
	LoserPublisher      bool         `json:"loserPublisher"`
	BuyerPayoutAmount   int64        `json:"buyerPayoutAmount"`
	SellerPayoutAmount  int64        `json:"sellerPayoutAmount"`
	ArbitratorSignature []byte       `json:"arbitratorSignature"`
	ArbitratorPubKey    []byte       `json:"arbitratorPubKey"`
	ClosingMessage      *ChatMessage `json:"closingMessage,omitempty"`
}

// SameVerdict reports whether two results agree on the binding parts
// (everything except the closing message).
func (r *DisputeResult) SameVerdict(o *DisputeResult) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.TradeID == o.TradeID &&
		r.TraderID == o.TraderID &&
		r.Winner == o.Winner &&
		r.LoserPublisher == o.LoserPublisher &&
		r.BuyerPayoutAmount == o.BuyerPayoutAmount &&
		r.SellerPayoutAmount == o.SellerPayoutAmount &&
		string(r.ArbitratorSignature) == string(o.ArbitratorSignature) &&
		string(r.ArbitratorPubKey) == string(o.ArbitratorPubKey)
}

// DisputeID builds the registry key: one dispute per (tradeID, traderID)
// pair per participant.
func DisputeID(tradeID string, traderID int32) string {
	return fmt.Sprintf("%s_%d", tradeID, traderID)
}

// Dispute is one participant's copy of a dispute. Each participant owns its
// own copy; copies converge through message exchange, never shared state.
type Dispute struct {
	ID                     string     `json:"id"`
	TradeID                string     `json:"tradeId"`
	TraderID               int32      `json:"traderId"`
	OpenerIsBuyer          bool       `json:"openerIsBuyer"`
	OpenerIsMaker          bool       `json:"openerIsMaker"`
	TraderPubKeyRing       PubKeyRing `json:"traderPubKeyRing"`
	ArbitratorPubKeyRing   PubKeyRing `json:"arbitratorPubKeyRing"`
	Contract               Contract   `json:"contract"`
	ContractAsJSON         string     `json:"contractAsJson"`
	MakerContractSignature string     `json:"makerContractSignature,omitempty"`
	TakerContractSignature string     `json:"takerContractSignature,omitempty"`
	DepositTxSerialized    []byte     `json:"depositTxSerialized,omitempty"`
	PayoutTxSerialized     []byte     `json:"payoutTxSerialized,omitempty"`
	DepositTxID            string     `json:"depositTxId,omitempty"`
	PayoutTxID             string     `json:"payoutTxId,omitempty"`
	SupportTicket          bool       `json:"supportTicket"`
	OpeningDate            time.Time  `json:"openingDate"`

	// Mutable protocol state. Owned by the engine's dispatch loop.
	Closed            bool           `json:"closed"`
	Result            *DisputeResult `json:"result,omitempty"`
	DisputePayoutTxID string         `json:"disputePayoutTxId,omitempty"`
	Messages          []*ChatMessage `json:"messages"`
}

// NewDispute assembles a dispute copy for the given trader side. The ID is
// fixed for the object's lifetime.
func NewDispute(tradeID string, traderRing PubKeyRing, openerIsBuyer, openerIsMaker bool,
	arbitratorRing PubKeyRing, contract Contract, openingDate time.Time) *Dispute {
	traderID := traderRing.Hash()
	return &Dispute{
		ID:                   DisputeID(tradeID, traderID),
		TradeID:              tradeID,
		TraderID:             traderID,
		OpenerIsBuyer:        openerIsBuyer,
		OpenerIsMaker:        openerIsMaker,
		TraderPubKeyRing:     traderRing,
		ArbitratorPubKeyRing: arbitratorRing,
		Contract:             contract,
		OpeningDate:          openingDate,
	}
}

// HasMessage reports whether a chat message with the given uid is already
// stored. Uids are the dedup key for at-least-once delivery.
func (d *Dispute) HasMessage(uid string) bool {
	for _, m := range d.Messages {
		if m.UID == uid {
			return true
		}
	}
	return false
}

// MessageByUID returns the stored chat message with the given uid, if any.
func (d *Dispute) MessageByUID(uid string) *ChatMessage {
	for _, m := range d.Messages {
		if m.UID == uid {
			return m
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand to readers outside the dispatch
// loop. The registry is single-writer; copies are how everyone else looks.
func (d *Dispute) Clone() *Dispute {
	cp := *d
	if d.Result != nil {
		r := *d.Result
		if d.Result.ClosingMessage != nil {
			m := d.Result.ClosingMessage.Clone()
			r.ClosingMessage = m
		}
		cp.Result = &r
	}
	if d.Messages != nil {
		cp.Messages = make([]*ChatMessage, len(d.Messages))
		for i, m := range d.Messages {
			cp.Messages[i] = m.Clone()
		}
	}
	cp.DepositTxSerialized = append([]byte(nil), d.DepositTxSerialized...)
	cp.PayoutTxSerialized = append([]byte(nil), d.PayoutTxSerialized...)
	return &cp
}

// Mirror builds the counterparty's copy of a dispute received by the
// arbitrator from the opener: same trade, keyed by the non-opening trader.
func (d *Dispute) Mirror() *Dispute {
	peerRing := d.Contract.PeerRingOfOpener(d.OpenerIsBuyer)
	m := NewDispute(d.TradeID, peerRing, !d.OpenerIsBuyer, !d.OpenerIsMaker,
		d.ArbitratorPubKeyRing, d.Contract, d.OpeningDate)
	m.ContractAsJSON = d.ContractAsJSON
	m.MakerContractSignature = d.MakerContractSignature
	m.TakerContractSignature = d.TakerContractSignature
	m.DepositTxSerialized = append([]byte(nil), d.DepositTxSerialized...)
	m.PayoutTxSerialized = append([]byte(nil), d.PayoutTxSerialized...)
	m.DepositTxID = d.DepositTxID
	m.PayoutTxID = d.PayoutTxID
	m.SupportTicket = d.SupportTicket
	return m
}
