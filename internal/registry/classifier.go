package registry

import "github.com/MrWong99/glyphoxa/internal/graph"

// NameClassifier implements [graph.ToolClassifier] using the fixed name table
// the built-in tool catalog is registered under. Unknown tool names (an MCP
// server's own tools, for instance) default to remote-API: a synchronous
// in-process dispatch is always safe, it is only local-RPC, proposal, and
// inline tools that need a distinct wire path to the client.
type NameClassifier struct {
	kinds map[string]graph.ToolCallKind
}

// NewNameClassifier returns a [NameClassifier] seeded with the built-in tool
// catalog's classification.
func NewNameClassifier() *NameClassifier {
	return &NameClassifier{kinds: map[string]graph.ToolCallKind{
		"search_codebase":       graph.ToolCallLocalRPC,
		"read_file":             graph.ToolCallLocalRPC,
		"list_directory":        graph.ToolCallLocalRPC,
		"glob_find":             graph.ToolCallLocalRPC,
		"write_file":            graph.ToolCallLocalRPC,
		"execute_command":       graph.ToolCallLocalRPC,
		"propose_file_creation": graph.ToolCallFileProposal,
		"propose_file_edit":     graph.ToolCallFileProposal,
		"propose_command":       graph.ToolCallCommandProposal,
		"github_read_issue":     graph.ToolCallRemoteAPI,
		"github_create_pr":      graph.ToolCallRemoteAPI,
		"web_search":            graph.ToolCallRemoteAPI,
		"analyze_screen":        graph.ToolCallInlineScreen,
		"scan_security":         graph.ToolCallInlineScan,
		"render_sandbox":        graph.ToolCallSandboxPreview,
	}}
}

// Register overrides or adds a classification, letting an MCP server
// advertise one of its own tools as something other than remote-API.
func (c *NameClassifier) Register(toolName string, kind graph.ToolCallKind) {
	c.kinds[toolName] = kind
}

// Classify implements [graph.ToolClassifier].
func (c *NameClassifier) Classify(toolName string) graph.ToolCallKind {
	if kind, ok := c.kinds[toolName]; ok {
		return kind
	}
	return graph.ToolCallRemoteAPI
}

var _ graph.ToolClassifier = (*NameClassifier)(nil)
