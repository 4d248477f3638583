package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the viralloop MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetSuggestion = mcp.NewTool("get_suggestion",
	mcp.WithDescription(
		"Ask which content variant to generate next. "+
			"Returns the variant template, the strategy that picked it (bootstrap, thompson, explore or exploit), "+
			"a confidence between 0 and 1 and a short reason. "+
			"Pass hour and day_of_week to get a suggestion for a specific posting slot."),
	mcp.WithNumber("hour",
		mcp.Description("Hour of day 0-23 in the audience's timezone")),
	mcp.WithNumber("day_of_week",
		mcp.Description("Day of week 0-6, Sunday is 0")),
	mcp.WithString("user_tier",
		mcp.Description("Audience tier (e.g. 'free', 'pro')")),
)

var ToolGetVerifiedMetrics = mcp.NewTool("get_verified_metrics",
	mcp.WithDescription(
		"Get engagement for a piece of content rebuilt from the audit ledger. "+
			"Totals are broken down by verification status so platform-verified numbers can be told apart from self-reported ones."),
	mcp.WithString("content_id",
		mcp.Required(),
		mcp.Description("Content instance id")),
)

var ToolGetVariantStats = mcp.NewTool("get_variant_stats",
	mcp.WithDescription(
		"Get the time-discounted performance of one variant: windowed score, share and conversion rates, "+
			"and the Beta posterior the bandit samples from."),
	mcp.WithString("variant_id",
		mcp.Required(),
		mcp.Description("Variant id")),
	mcp.WithNumber("window_days",
		mcp.Description("Look-back window in days (default 30)")),
)

var ToolListVariants = mcp.NewTool("list_variants",
	mcp.WithDescription(
		"List every variant ranked by discounted score, with the seasonality multiplier for the current time."),
	mcp.WithNumber("window_days",
		mcp.Description("Look-back window in days (default 30)")),
)

var ToolVerifyReferralLink = mcp.NewTool("verify_referral_link",
	mcp.WithDescription(
		"Check that a referral link was signed by this service and has not expired. "+
			"Returns who shared it, for which content and platform, and when."),
	mcp.WithString("url",
		mcp.Required(),
		mcp.Description("The full referral link, e.g. https://app.viralloop.dev/signup?ref=...&sig=...&ts=...")),
)

var ToolReconcileContent = mcp.NewTool("reconcile_content",
	mcp.WithDescription(
		"Compare a content instance's live counters with the audit ledger and list every metric that drifted."),
	mcp.WithString("content_id",
		mcp.Required(),
		mcp.Description("Content instance id")),
)
