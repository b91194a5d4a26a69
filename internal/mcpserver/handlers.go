package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *ParleyClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *ParleyClient) *Handlers {
	return &Handlers{client: client}
}

// HandleListDisputes lists the node's disputes.
func (h *Handlers) HandleListDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	openOnly := req.GetBool("open_only", false)

	raw, err := h.client.ListDisputes(ctx, openOnly)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	text, err := formatDisputeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetDispute returns the full state of one dispute.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.GetDispute(ctx, disputeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}

	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListMessages reads a dispute's chat history.
func (h *Handlers) HandleListMessages(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}

	raw, err := h.client.ListMessages(ctx, disputeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list messages: %v", err)), nil
	}

	text, err := formatMessageList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse messages: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleSendChat posts a chat message into a dispute.
func (h *Handlers) HandleSendChat(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	message := req.GetString("message", "")
	if message == "" {
		return mcp.NewToolResultError("message is required"), nil
	}

	raw, err := h.client.SendChat(ctx, disputeID, message)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
	}

	uid := "?"
	var resp struct {
		Message struct {
			UID string `json:"uid"`
		} `json:"message"`
	}
	if json.Unmarshal(raw, &resp) == nil && resp.Message.UID != "" {
		uid = resp.Message.UID
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Message sent into dispute %s (uid %s).\n"+
			"Delivery is asynchronous; use list_dispute_messages to check the "+
			"arrived/acknowledged flags.", disputeID, uid)), nil
}

// HandleApplyVerdict closes a dispute with an arbitrator decision.
func (h *Handlers) HandleApplyVerdict(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	winner := req.GetString("winner", "")
	if winner == "" {
		return mcp.NewToolResultError("winner is required"), nil
	}

	raw, err := h.client.ApplyVerdict(ctx, disputeID, VerdictParams{
		Winner:             winner,
		LoserPublisher:     req.GetBool("loser_publisher", false),
		BuyerPayoutAmount:  int64(req.GetFloat("buyer_payout_amount", 0)),
		SellerPayoutAmount: int64(req.GetFloat("seller_payout_amount", 0)),
		Explanation:        req.GetString("explanation", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to apply verdict: %v", err)), nil
	}

	text, err := formatDispute(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}

	return mcp.NewToolResultText("Verdict applied.\n\n" + text), nil
}

// HandlePeerDisputeCount counts disputes involving a peer.
func (h *Handlers) HandlePeerDisputeCount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	raw, err := h.client.PeerDisputeCount(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to count disputes: %v", err)), nil
	}

	var resp struct {
		Address string `json:"address"`
		Count   int    `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse count: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Peer %s appears in %d dispute(s) on this node.", resp.Address, resp.Count)), nil
}

// --- Formatting helpers ---

type disputeInfo struct {
	ID                string        `json:"id"`
	TradeID           string        `json:"tradeId"`
	OpenerIsBuyer     bool          `json:"openerIsBuyer"`
	SupportTicket     bool          `json:"supportTicket"`
	OpeningDate       string        `json:"openingDate"`
	Closed            bool          `json:"closed"`
	DepositTxID       string        `json:"depositTxId"`
	DisputePayoutTxID string        `json:"disputePayoutTxId"`
	Result            *verdictInfo  `json:"result"`
	Messages          []messageInfo `json:"messages"`
}

type verdictInfo struct {
	Winner             string `json:"winner"`
	LoserPublisher     bool   `json:"loserPublisher"`
	BuyerPayoutAmount  int64  `json:"buyerPayoutAmount"`
	SellerPayoutAmount int64  `json:"sellerPayoutAmount"`
}

type messageInfo struct {
	UID             string `json:"uid"`
	Message         string `json:"message"`
	SenderIsTrader  bool   `json:"senderIsTrader"`
	SystemMessage   bool   `json:"systemMessage"`
	Date            string `json:"date"`
	Arrived         bool   `json:"arrived"`
	StoredInMailbox bool   `json:"storedInMailbox"`
	Acknowledged    bool   `json:"acknowledged"`
	AckError        string `json:"ackError"`
	SendError       string `json:"sendError"`
}

func formatDisputeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Disputes  []disputeInfo `json:"disputes"`
		Count     int           `json:"count"`
		OpenCount int           `json:"openCount"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected disputes response format: %w", err)
	}

	if len(resp.Disputes) == 0 {
		return "No disputes on this node.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d dispute(s), %d open:\n\n", resp.Count, resp.OpenCount)
	for i, d := range resp.Disputes {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, d.ID)
		fmt.Fprintf(&sb, "   Trade: %s | Opened by: %s | %s\n",
			d.TradeID, openerSide(d.OpenerIsBuyer), stateLabel(d))
		fmt.Fprintf(&sb, "   Messages: %d | Opened: %s\n", len(d.Messages), d.OpeningDate)
		if i < len(resp.Disputes)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatDispute(raw json.RawMessage) (string, error) {
	var resp struct {
		Dispute disputeInfo `json:"dispute"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected dispute response format: %w", err)
	}
	d := resp.Dispute

	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s\n", d.ID)
	fmt.Fprintf(&sb, "  Trade: %s\n", d.TradeID)
	fmt.Fprintf(&sb, "  Opened by: %s on %s\n", openerSide(d.OpenerIsBuyer), d.OpeningDate)
	fmt.Fprintf(&sb, "  State: %s\n", stateLabel(d))
	if d.SupportTicket {
		sb.WriteString("  Support ticket: yes\n")
	}
	if d.DepositTxID != "" {
		fmt.Fprintf(&sb, "  Deposit tx: %s\n", d.DepositTxID)
	}
	if d.DisputePayoutTxID != "" {
		fmt.Fprintf(&sb, "  Payout tx: %s\n", d.DisputePayoutTxID)
	}
	if d.Result != nil {
		fmt.Fprintf(&sb, "  Verdict: %s wins (buyer %d / seller %d)\n",
			d.Result.Winner, d.Result.BuyerPayoutAmount, d.Result.SellerPayoutAmount)
		if d.Result.LoserPublisher {
			sb.WriteString("  Payout published by the losing side\n")
		}
	}
	fmt.Fprintf(&sb, "  Messages: %d\n", len(d.Messages))
	return sb.String(), nil
}

func formatMessageList(raw json.RawMessage) (string, error) {
	var resp struct {
		Messages []messageInfo `json:"messages"`
		Count    int           `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected messages response format: %w", err)
	}

	if len(resp.Messages) == 0 {
		return "No messages in this dispute yet.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d message(s):\n\n", resp.Count)
	for i, m := range resp.Messages {
		sender := "arbitrator"
		if m.SenderIsTrader {
			sender = "trader"
		}
		if m.SystemMessage {
			sender = "system"
		}
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, sender, m.Message)
		fmt.Fprintf(&sb, "   %s | %s\n", m.Date, deliveryLabel(m))
	}
	return sb.String(), nil
}

func openerSide(openerIsBuyer bool) string {
	if openerIsBuyer {
		return "buyer"
	}
	return "seller"
}

func stateLabel(d disputeInfo) string {
	if d.Closed {
		return "closed"
	}
	return "open"
}

func deliveryLabel(m messageInfo) string {
	switch {
	case m.AckError != "":
		return "rejected: " + m.AckError
	case m.Acknowledged:
		return "acknowledged"
	case m.SendError != "":
		return "failed: " + m.SendError
	case m.StoredInMailbox:
		return "stored in mailbox"
	case m.Arrived:
		return "arrived"
	default:
		return "sending"
	}
}
