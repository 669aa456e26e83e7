package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/imehof/bookchat/internal/retrieval"
)

// MCPRetriever abstracts semantic search for the MCP layer.
type MCPRetriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]retrieval.Chunk, error)
}

// MCPCounter reports how many chunks the collection currently holds.
type MCPCounter interface {
	Count(ctx context.Context) (int, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Retriever MCPRetriever
	Index     MCPCounter
}

// NewMCPServer exposes the course content search to MCP clients, so editors
// and agent frontends can query the same collection the chat endpoint uses.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"bookchat",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("bookchat: semantic search over the Physical AI & Humanoid Robotics course material."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_course_content",
			mcp.WithDescription("Search the Physical AI & Humanoid Robotics course material for relevant information."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("num_results", mcp.Description("Number of results to return (default 5, max 10)")),
		),
		mcpSearch(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"collection://stats",
			"Collection Stats",
			mcp.WithResourceDescription("Current chunk count of the content collection"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

func mcpSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("num_results", retrieval.DefaultTopK)

		chunks, err := deps.Retriever.Retrieve(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		type chunkResult struct {
			Content string  `json:"content"`
			Source  string  `json:"source"`
			Title   string  `json:"title,omitempty"`
			Score   float32 `json:"score"`
		}

		results := make([]chunkResult, len(chunks))
		for i, c := range chunks {
			results[i] = chunkResult{
				Content: c.Text,
				Source:  c.Source,
				Title:   c.Title,
				Score:   c.Score,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		count, err := deps.Index.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count collection: %w", err)
		}

		b, err := json.Marshal(map[string]int{"chunks": count})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
