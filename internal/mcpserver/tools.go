package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Parley support MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListDisputes = mcp.NewTool("list_disputes",
	mcp.WithDescription(
		"List the disputes known to this dispute node. "+
			"Shows trade ID, opener side, open/closed state and message count for each. "+
			"Use this first to find the dispute you need to work on."),
	mcp.WithBoolean("open_only",
		mcp.Description("Only return disputes that have not been closed yet")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Get the full state of a single dispute: the trade contract, deposit and "+
			"payout transaction IDs, the verdict if one was applied, and the chat history."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID from list_disputes")),
)

var ToolListMessages = mcp.NewTool("list_dispute_messages",
	mcp.WithDescription(
		"Read the chat history of a dispute, including system messages and "+
			"per-message delivery state (arrived, stored in mailbox, acknowledged)."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID from list_disputes")),
)

var ToolSendChat = mcp.NewTool("send_dispute_chat",
	mcp.WithDescription(
		"Send a chat message into a dispute's channel. Traders talk to the "+
			"arbitrator; the arbitrator talks to each trader. Delivery is tracked "+
			"and retried once if the peer is offline."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID from list_disputes")),
	mcp.WithString("message",
		mcp.Required(),
		mcp.Description("The message text to send")),
)

var ToolApplyVerdict = mcp.NewTool("apply_verdict",
	mcp.WithDescription(
		"Close a dispute with an arbitrator decision. Only works when this node "+
			"is the dispute's arbitrator. Sends the signed result to both traders; "+
			"the winner (or loser, if loser_publisher is set) publishes the payout."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID from list_disputes")),
	mcp.WithString("winner",
		mcp.Required(),
		mcp.Description("Which trader receives the favorable payout"),
		mcp.Enum("buyer", "seller")),
	mcp.WithNumber("buyer_payout_amount",
		mcp.Description("Buyer's payout in base units")),
	mcp.WithNumber("seller_payout_amount",
		mcp.Description("Seller's payout in base units")),
	mcp.WithBoolean("loser_publisher",
		mcp.Description("Have the losing side publish the payout transaction instead of the winner")),
	mcp.WithString("explanation",
		mcp.Description("Closing note appended to the dispute's chat as a system message")),
)

var ToolPeerDisputeCount = mcp.NewTool("peer_dispute_count",
	mcp.WithDescription(
		"Count how many disputes involve a given peer node. "+
			"High counts flag repeat offenders before accepting new trades."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The peer's node address (host:port)")),
)
