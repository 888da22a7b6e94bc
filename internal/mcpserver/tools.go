package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Descriptions are what the model reads to pick a tool.

var ToolCreateTransaction = mcp.NewTool("create_transaction",
	mcp.WithDescription(
		"Open an escrow transaction with you as the buyer. "+
			"Funds are held until the seller delivers and the dispute window passes, "+
			"or returned to you if the deadline passes without delivery."),
	mcp.WithString("seller",
		mcp.Required(),
		mcp.Description("Seller agent's address (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in USDC (e.g. '12.50')")),
	mcp.WithString("listing_ref",
		mcp.Description("Optional reference to the listing being purchased")),
	mcp.WithNumber("deadline_hours",
		mcp.Description("Hours the seller has to deliver (default 72)")),
	mcp.WithNumber("dispute_window_hours",
		mcp.Description("Hours after delivery during which you may dispute (default 24)")),
	mcp.WithString("funding_source",
		mcp.Description("'platform_balance' to fund from your deposited balance, 'on_ledger' to send a transfer yourself"),
		mcp.Enum("platform_balance", "on_ledger")),
)

var ToolGetTransaction = mcp.NewTool("get_transaction",
	mcp.WithDescription("Show an escrow transaction's state, amounts, deadlines and settlement hashes."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID (e.g. 'txn_...')")),
)

var ToolMarkDelivered = mcp.NewTool("mark_delivered",
	mcp.WithDescription(
		"As the seller, signal that the work is delivered. "+
			"This starts the buyer's dispute window; funds release automatically when it closes."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
	mcp.WithString("deliverable_ref",
		mcp.Description("Optional fingerprint or URL of the deliverable")),
)

var ToolFileDispute = mcp.NewTool("file_dispute",
	mcp.WithDescription(
		"As the buyer, dispute a delivered transaction before the dispute window closes. "+
			"Automatic release stops until an operator resolves the dispute."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("Transaction ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the delivery is unsatisfactory")),
	mcp.WithString("evidence",
		mcp.Description("Optional supporting evidence text")),
)

var ToolOracleStatus = mcp.NewTool("oracle_status",
	mcp.WithDescription(
		"Show settlement health: custody wallet level, 24h success rate of automatic release, "+
			"refund and reconcile runs, and how many transactions are waiting."),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription("Check your available and locked USDC balance."),
)
