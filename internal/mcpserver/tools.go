// Package mcpserver registers MCP tools that expose sync operations.
// It adapts the syncer package to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/renfold/gistsync/internal/state"
	"github.com/renfold/gistsync/internal/syncer"
)

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, s *syncer.Syncer) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run a full sync cycle: download and merge remote data into local state, then upload the merged result. Safe to call repeatedly; concurrent calls share one execution.",
	}, fullSyncHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_upload",
		Description: "Merge local state with the remote snapshot and upload the result. Set apply_locally to also write the merged data back into local storage.",
	}, uploadHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_download",
		Description: "Download the remote snapshot, merge it with local state, and apply the result locally. Reports 'local data used' when no valid remote data exists yet.",
	}, downloadHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Report current sync settings status (enabled, last sync time, last error) plus recent operation statistics. Credentials are redacted.",
	}, statusHandler(s))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_test_connection",
		Description: "Validate a token and gist id against the remote without persisting them or touching the saved credentials.",
	}, testConnectionHandler(s))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// SyncNowInput has no parameters.
type SyncNowInput struct{}

// UploadInput holds parameters for sync_upload.
type UploadInput struct {
	ApplyLocally bool `json:"apply_locally,omitempty" jsonschema:"also apply the merged snapshot to local storage, defaults to false"`
}

// DownloadInput has no parameters.
type DownloadInput struct{}

// StatusInput has no parameters.
type StatusInput struct{}

// TestConnectionInput holds parameters for sync_test_connection.
type TestConnectionInput struct {
	Token  string `json:"token" jsonschema:"required,API token to validate"`
	GistID string `json:"gist_id" jsonschema:"required,gist id to validate against"`
}

// StatusResult is the sync_status output.
type StatusResult struct {
	Enabled      bool         `json:"enabled"`
	DeviceID     string       `json:"deviceId,omitempty"`
	Status       string       `json:"status,omitempty"`
	LastError    string       `json:"lastError,omitempty"`
	LastSyncTime int64        `json:"lastSyncTime,omitempty"`
	Configured   bool         `json:"configured"`
	Stats        syncer.Stats `json:"stats"`
}

// --- Handlers ---

func fullSyncHandler(s *syncer.Syncer) mcp.ToolHandlerFor[SyncNowInput, *syncer.Result] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncNowInput) (*mcp.CallToolResult, *syncer.Result, error) {
		result := s.FullSync(ctx)
		return textResult(result), result, nil
	}
}

func uploadHandler(s *syncer.Syncer) mcp.ToolHandlerFor[UploadInput, *syncer.Result] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input UploadInput) (*mcp.CallToolResult, *syncer.Result, error) {
		result := s.Upload(ctx, syncer.UploadOptions{ApplyLocally: input.ApplyLocally})
		return textResult(result), result, nil
	}
}

func downloadHandler(s *syncer.Syncer) mcp.ToolHandlerFor[DownloadInput, *syncer.Result] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ DownloadInput) (*mcp.CallToolResult, *syncer.Result, error) {
		result := s.Download(ctx)
		return textResult(result), result, nil
	}
}

func statusHandler(s *syncer.Syncer) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		st, err := s.Status()
		if err != nil {
			return nil, nil, fmt.Errorf("loading sync settings: %w", err)
		}
		result := statusResult(st, s.Perf().Stats())
		return textResult(result), result, nil
	}
}

func testConnectionHandler(s *syncer.Syncer) mcp.ToolHandlerFor[TestConnectionInput, *syncer.Result] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TestConnectionInput) (*mcp.CallToolResult, *syncer.Result, error) {
		result := s.TestConnection(ctx, input.Token, input.GistID)
		return textResult(result), result, nil
	}
}

// statusResult shapes settings for output. The token never leaves the
// process; only whether one is configured.
func statusResult(st state.Settings, stats syncer.Stats) *StatusResult {
	return &StatusResult{
		Enabled:      st.Enabled,
		DeviceID:     st.DeviceID,
		Status:       st.Status,
		LastError:    st.LastError,
		LastSyncTime: st.LastSyncTime,
		Configured:   st.Token != "" && st.GistID != "",
		Stats:        stats,
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v interface{}) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
