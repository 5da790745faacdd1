package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the HarvestMart MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolSearchListings = mcp.NewTool("search_listings",
	mcp.WithDescription(
		"Search open produce listings on HarvestMart. "+
			"Returns commodity, quantity still available, ask price, currency and region for each listing."),
	mcp.WithString("commodity",
		mcp.Description("Filter by commodity (e.g. 'maize', 'beans', 'tomatoes')")),
	mcp.WithString("region",
		mcp.Description("Filter by the region the produce is in (e.g. 'mbale')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of listings to return (default 20)")),
)

var ToolGetListing = mcp.NewTool("get_listing",
	mcp.WithDescription("Get the full details of one listing, including quality attributes and harvest date."),
	mcp.WithString("listing_id",
		mcp.Required(),
		mcp.Description("The listing ID (e.g. 'lst_...')")),
)

var ToolRecommendMarket = mcp.NewTool("recommend_market",
	mcp.WithDescription(
		"Advise a producer where and when to sell a listing. "+
			"Ranks regions by expected net price after transport and shows the sale window "+
			"before spoilage and price trends erode value. Advisory only, nothing is traded."),
	mcp.WithString("listing_id",
		mcp.Required(),
		mcp.Description("The listing to advise on")),
	mcp.WithString("regions",
		mcp.Description("Comma-separated extra regions to consider (e.g. 'kampala,gulu')")),
)

var ToolMakeOffer = mcp.NewTool("make_offer",
	mcp.WithDescription(
		"Bid on a listing as the configured buyer. "+
			"The offer stays open until the producer responds or it expires."),
	mcp.WithString("listing_id",
		mcp.Required(),
		mcp.Description("The listing to bid on")),
	mcp.WithString("quantity",
		mcp.Required(),
		mcp.Description("Quantity in the listing's unit (e.g. '400')")),
	mcp.WithString("price",
		mcp.Required(),
		mcp.Description("Unit price in the listing currency (e.g. '25')")),
	mcp.WithString("message",
		mcp.Description("Optional note to the producer")),
)

var ToolRespondOffer = mcp.NewTool("respond_offer",
	mcp.WithDescription(
		"Accept, decline or counter a pending offer. "+
			"Accepting forms a contract and reserves the quantity."),
	mcp.WithString("offer_id",
		mcp.Required(),
		mcp.Description("The offer ID (e.g. 'ofr_...')")),
	mcp.WithString("action",
		mcp.Required(),
		mcp.Description("What to do with the offer"),
		mcp.Enum("accept", "decline", "counter")),
	mcp.WithString("quantity",
		mcp.Description("Counter quantity (counter only)")),
	mcp.WithString("price",
		mcp.Description("Counter unit price (counter only)")),
)

var ToolGetContract = mcp.NewTool("get_contract",
	mcp.WithDescription(
		"Get a contract's status, deposit requirement and delivery progress. "+
			"Only the buyer and producer of the contract may read it."),
	mcp.WithString("contract_id",
		mcp.Required(),
		mcp.Description("The contract ID (e.g. 'ctr_...')")),
)

var ToolContractLedger = mcp.NewTool("contract_ledger",
	mcp.WithDescription(
		"Show the money movements of a contract: payments in, releases to the producer, "+
			"refunds and fees, and whether the balance is consistent."),
	mcp.WithString("contract_id",
		mcp.Required(),
		mcp.Description("The contract ID")),
)

var ToolConfirmReceipt = mcp.NewTool("confirm_receipt",
	mcp.WithDescription(
		"Confirm the goods arrived as agreed. "+
			"This completes the contract and releases the escrowed money to the producer."),
	mcp.WithString("contract_id",
		mcp.Required(),
		mcp.Description("The contract ID")),
)

var ToolDisputeContract = mcp.NewTool("dispute_contract",
	mcp.WithDescription(
		"Raise a quality dispute on delivered goods before the confirmation window closes. "+
			"Funds stay in escrow until an operator resolves it."),
	mcp.WithString("contract_id",
		mcp.Required(),
		mcp.Description("The contract ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("What was wrong with the delivery")),
)
