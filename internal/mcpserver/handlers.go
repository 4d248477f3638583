package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetSuggestion asks for the next variant to generate.
func (h *Handlers) HandleGetSuggestion(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var sc *SuggestionContext
	args := req.GetArguments()
	_, hasHour := args["hour"]
	_, hasDay := args["day_of_week"]
	tier := req.GetString("user_tier", "")
	if hasHour || hasDay || tier != "" {
		sc = &SuggestionContext{
			Hour:      req.GetInt("hour", 0),
			DayOfWeek: req.GetInt("day_of_week", 0),
			UserTier:  tier,
		}
		if sc.Hour < 0 || sc.Hour > 23 {
			return mcp.NewToolResultError("hour must be between 0 and 23"), nil
		}
		if sc.DayOfWeek < 0 || sc.DayOfWeek > 6 {
			return mcp.NewToolResultError("day_of_week must be between 0 and 6"), nil
		}
	}

	raw, err := h.client.GetSuggestion(ctx, sc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get suggestion: %v", err)), nil
	}

	text, err := formatSuggestion(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse suggestion: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetVerifiedMetrics returns ledger-backed engagement for one content id.
func (h *Handlers) HandleGetVerifiedMetrics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	contentID := req.GetString("content_id", "")
	if contentID == "" {
		return mcp.NewToolResultError("content_id is required"), nil
	}

	raw, err := h.client.GetVerifiedMetrics(ctx, contentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get verified metrics: %v", err)), nil
	}

	text, err := formatVerifiedMetrics(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse metrics: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetVariantStats returns discounted statistics for one variant.
func (h *Handlers) HandleGetVariantStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	variantID := req.GetString("variant_id", "")
	if variantID == "" {
		return mcp.NewToolResultError("variant_id is required"), nil
	}

	raw, err := h.client.GetVariantStats(ctx, variantID, req.GetInt("window_days", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get variant stats: %v", err)), nil
	}

	text, err := formatVariantStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse variant stats: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListVariants lists ranked variants.
func (h *Handlers) HandleListVariants(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListVariants(ctx, req.GetInt("window_days", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list variants: %v", err)), nil
	}

	text, err := formatVariantList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse variants: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleVerifyReferralLink checks a signed referral link.
func (h *Handlers) HandleVerifyReferralLink(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	link := req.GetString("url", "")
	if link == "" {
		return mcp.NewToolResultError("url is required"), nil
	}
	u, err := url.Parse(link)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid link: %v", err)), nil
	}
	params := u.Query()
	if params.Get("ref") == "" {
		return mcp.NewToolResultError("Link has no ref parameter"), nil
	}

	raw, err := h.client.VerifyReferralLink(ctx, params)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Rejected() {
		return mcp.NewToolResultText(fmt.Sprintf("Referral link is NOT valid.\n\nReason: %v", err)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to verify link: %v", err)), nil
	}

	text, err := formatLinkVerification(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse verification: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleReconcileContent reports drift between counters and the ledger.
func (h *Handlers) HandleReconcileContent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	contentID := req.GetString("content_id", "")
	if contentID == "" {
		return mcp.NewToolResultError("content_id is required"), nil
	}

	raw, err := h.client.Reconcile(ctx, contentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reconcile: %v", err)), nil
	}

	var rec struct {
		Consistent bool `json:"consistent"`
		Mismatches []struct {
			Metric    string `json:"metric"`
			Status    string `json:"status"`
			Ledger    int64  `json:"ledger"`
			Aggregate int64  `json:"aggregate"`
		} `json:"mismatches"`
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reconciliation: %v", err)), nil
	}
	if rec.Consistent {
		return mcp.NewToolResultText(fmt.Sprintf("Content %s is consistent with the audit ledger.", contentID)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Content %s has drifted from the audit ledger:\n\n", contentID)
	for _, m := range rec.Mismatches {
		fmt.Fprintf(&sb, "  %s/%s: ledger %d, aggregate %d\n", m.Metric, m.Status, m.Ledger, m.Aggregate)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// -----------------------------------------------------------------------------
// Formatting
// -----------------------------------------------------------------------------

func formatSuggestion(raw json.RawMessage) (string, error) {
	var s struct {
		Variant    map[string]any `json:"variant"`
		Strategy   string         `json:"strategy"`
		Confidence float64        `json:"confidence"`
		Reason     string         `json:"reason"`
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	if s.Variant == nil {
		return "", fmt.Errorf("no variant in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Suggested variant: %s (%s)\n", getString(s.Variant, "id"), getString(s.Variant, "contentType"))
	fmt.Fprintf(&sb, "Strategy: %s\n", s.Strategy)
	fmt.Fprintf(&sb, "Confidence: %.2f\n", s.Confidence)
	if s.Reason != "" {
		fmt.Fprintf(&sb, "Reason: %s\n", s.Reason)
	}
	if tmpl, ok := s.Variant["template"]; ok {
		data, err := json.Marshal(tmpl)
		if err == nil {
			fmt.Fprintf(&sb, "\nTemplate:\n%s", formatJSON(data))
		}
	}
	return sb.String(), nil
}

func formatVerifiedMetrics(raw json.RawMessage) (string, error) {
	var resp struct {
		ContentID string                      `json:"contentId"`
		ByStatus  map[string]map[string]int64 `json:"byStatus"`
		Totals    map[string]int64            `json:"totals"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Totals) == 0 {
		return fmt.Sprintf("No verified engagement recorded for %s.", resp.ContentID), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Verified engagement for %s:\n", resp.ContentID)
	for _, metric := range sortedKeys(resp.Totals) {
		fmt.Fprintf(&sb, "  %s: %d\n", metric, resp.Totals[metric])
		buckets := resp.ByStatus[metric]
		for _, status := range sortedKeys(buckets) {
			fmt.Fprintf(&sb, "    %s: %d\n", status, buckets[status])
		}
	}
	return sb.String(), nil
}

func formatVariantStats(raw json.RawMessage) (string, error) {
	var st struct {
		Variant       map[string]any `json:"variant"`
		WindowedScore float64        `json:"windowedScore"`
		Rates         struct {
			ShareRate      float64 `json:"shareRate"`
			ConversionRate float64 `json:"conversionRate"`
			Attempts       int64   `json:"attempts"`
		} `json:"rates"`
		Posterior struct {
			Alpha float64 `json:"alpha"`
			Beta  float64 `json:"beta"`
		} `json:"posterior"`
		Confidence float64 `json:"posteriorConfidence"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return "", err
	}
	if st.Variant == nil {
		return "", fmt.Errorf("no variant in response")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Variant %s (%s):\n", getString(st.Variant, "id"), getString(st.Variant, "contentType"))
	fmt.Fprintf(&sb, "  Windowed score:  %.3f\n", st.WindowedScore)
	fmt.Fprintf(&sb, "  Share rate:      %.1f%%\n", st.Rates.ShareRate*100)
	fmt.Fprintf(&sb, "  Conversion rate: %.1f%%\n", st.Rates.ConversionRate*100)
	fmt.Fprintf(&sb, "  Attempts:        %d\n", st.Rates.Attempts)
	fmt.Fprintf(&sb, "  Posterior:       Beta(%.1f, %.1f), confidence %.2f\n", st.Posterior.Alpha, st.Posterior.Beta, st.Confidence)
	return sb.String(), nil
}

func formatVariantList(raw json.RawMessage) (string, error) {
	var resp struct {
		Variants []struct {
			Variant       map[string]any `json:"variant"`
			WindowedScore float64        `json:"windowedScore"`
			Seasonality   float64        `json:"seasonality"`
		} `json:"variants"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Variants) == 0 {
		return "No variants yet. get_suggestion will create the bootstrap variant.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d variant(s):\n\n", len(resp.Variants))
	for i, r := range resp.Variants {
		fmt.Fprintf(&sb, "%d. %s (%s) score %.3f, seasonality x%.2f\n",
			i+1, getString(r.Variant, "id"), getString(r.Variant, "contentType"), r.WindowedScore, r.Seasonality)
	}
	return sb.String(), nil
}

func formatLinkVerification(raw json.RawMessage) (string, error) {
	var resp struct {
		Valid   bool `json:"valid"`
		Payload struct {
			Code      string `json:"code"`
			UserID    string `json:"userId"`
			ContentID string `json:"contentId"`
			Platform  string `json:"platform"`
			Timestamp int64  `json:"timestamp"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if !resp.Valid {
		return "Referral link is NOT valid.", nil
	}

	p := resp.Payload
	var sb strings.Builder
	sb.WriteString("Referral link is valid.\n")
	fmt.Fprintf(&sb, "  Code:     %s\n", p.Code)
	fmt.Fprintf(&sb, "  Referrer: %s\n", p.UserID)
	if p.ContentID != "" {
		fmt.Fprintf(&sb, "  Content:  %s\n", p.ContentID)
	}
	if p.Platform != "" {
		fmt.Fprintf(&sb, "  Platform: %s\n", p.Platform)
	}
	fmt.Fprintf(&sb, "  Signed:   %s\n", time.Unix(p.Timestamp, 0).UTC().Format(time.RFC3339))
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
