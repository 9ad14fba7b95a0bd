package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/selene-sh/selene/internal/state"
)

func (s *Server) handleRecall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: query"), nil
	}
	collection := req.GetString("collection", "")

	result, recallErr := s.w.Recall(ctx, query, collection)
	if recallErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("recall failed: %v", recallErr)), nil
	}
	if result.Empty {
		return mcp.NewToolResultText("No results found."), nil
	}

	var sb strings.Builder
	for i, m := range result.Matches {
		fmt.Fprintf(&sb, "%d. %s (score %.3f)\n", i+1, m.ArchivePath, m.Score)
		if m.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", m.Snippet)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (s *Server) handleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st, err := state.Load(s.w.Layout.StateFile)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load state: %v", err)), nil
	}

	live, err := s.w.Ledger.Live()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read ledger: %v", err)), nil
	}
	distilled := 0
	for _, rec := range live {
		if rec.Distilled {
			distilled++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Phase: %s\n", st.Phase)
	fmt.Fprintf(&sb, "Session: %s\n", st.LastSessionID)
	fmt.Fprintf(&sb, "Usage: %.1f%% (%s)\n", st.LastUsageRatio*100, st.LastSource)
	if !st.LastHeartbeat.IsZero() {
		fmt.Fprintf(&sb, "Last cycle: %s\n", st.LastHeartbeat.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(&sb, "Archives: %d live, %d distilled, %d pending distill\n",
		len(live), distilled, len(st.PendingDistill))
	return mcp.NewToolResultText(sb.String()), nil
}
