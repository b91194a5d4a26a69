// Package transport provides the store-and-forward message transport the
// dispute engine sends through. The Loopback implementation connects nodes
// in-process: messages to online peers are delivered directly, messages to
// offline peers wait in a per-recipient mailbox until the peer comes back.
package transport

import (
	"log/slog"
	"sync"

	"github.com/parley-trade/parley/internal/dispute"
)

// Endpoint is the receiving side of a node: the dispute engine's inbound
// entry points.
type Endpoint interface {
	OnDirectMessage(msg dispute.Message)
	OnMailboxMessage(msg dispute.Message)
}

// Loopback routes messages between registered endpoints. Delivery happens on
// a fresh goroutine per message so a send issued from inside a node's
// dispatch loop can never deadlock on the recipient's loop.
type Loopback struct {
	mu        sync.Mutex
	endpoints map[dispute.NodeAddress]Endpoint
	online    map[dispute.NodeAddress]bool
	mailboxes map[dispute.NodeAddress][]dispute.Message
	logger    *slog.Logger
}

// NewLoopback creates an empty in-process network.
func NewLoopback(logger *slog.Logger) *Loopback {
	return &Loopback{
		endpoints: make(map[dispute.NodeAddress]Endpoint),
		online:    make(map[dispute.NodeAddress]bool),
		mailboxes: make(map[dispute.NodeAddress][]dispute.Message),
		logger:    logger.With("component", "transport"),
	}
}

// Register attaches an endpoint at the given address and marks it online.
func (l *Loopback) Register(addr dispute.NodeAddress, ep Endpoint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endpoints[addr] = ep
	l.online[addr] = true
}

// SetOnline flips a node's availability. Coming back online flushes the
// node's mailbox through OnMailboxMessage in stored order.
func (l *Loopback) SetOnline(addr dispute.NodeAddress, online bool) {
	l.mu.Lock()
	ep := l.endpoints[addr]
	l.online[addr] = online
	var flush []dispute.Message
	if online && ep != nil {
		flush = l.mailboxes[addr]
		delete(l.mailboxes, addr)
	}
	l.mu.Unlock()

	for _, msg := range flush {
		m := msg
		go ep.OnMailboxMessage(m)
	}
}

// MailboxSize returns the number of messages waiting for addr.
func (l *Loopback) MailboxSize(addr dispute.NodeAddress) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.mailboxes[addr])
}

// For returns a node-local transport view bound to the given address.
func (l *Loopback) For(addr dispute.NodeAddress) dispute.Transport {
	return &nodeTransport{net: l, addr: addr}
}

// nodeTransport is one node's view of the network.
type nodeTransport struct {
	net  *Loopback
	addr dispute.NodeAddress
}

func (t *nodeTransport) SendMailboxMessage(peer dispute.NodeAddress, _ dispute.PubKeyRing,
	msg dispute.Message, listener dispute.SendListener) {

	go t.net.deliver(t.addr, peer, msg, listener)
}

// RemoveFromMailbox deletes a processed message from this node's mailbox.
func (t *nodeTransport) RemoveFromMailbox(msg dispute.Message) {
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	box := t.net.mailboxes[t.addr]
	for i, m := range box {
		if m.UIDString() == msg.UIDString() {
			t.net.mailboxes[t.addr] = append(box[:i], box[i+1:]...)
			return
		}
	}
}

func (l *Loopback) deliver(from, to dispute.NodeAddress, msg dispute.Message, listener dispute.SendListener) {
	l.mu.Lock()
	ep, known := l.endpoints[to]
	online := l.online[to]
	if known && !online {
		l.mailboxes[to] = append(l.mailboxes[to], msg)
	}
	l.mu.Unlock()

	switch {
	case !known:
		l.logger.Warn("no route to peer", "from", from, "to", to)
		if listener != nil {
			listener.OnFault("unknown peer")
		}
	case !online:
		l.logger.Debug("peer offline, message mailboxed", "from", from, "to", to)
		if listener != nil {
			listener.OnStoredInMailbox()
		}
	default:
		ep.OnDirectMessage(msg)
		if listener != nil {
			listener.OnArrived()
		}
	}
}
