// Package mcp exposes the orchestrator engine as MCP tools.
//
// Tools are registered with the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and call the engine directly. Every tool is instrumented with invocation,
// duration, error and in-flight metrics, and described in a ToolRegistry so
// clients can discover tools with tool_search.
package mcp
