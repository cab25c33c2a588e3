package mcp

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ToolCategory groups tools by the part of the engine they drive.
type ToolCategory string

const (
	// CategoryProject is for project lifecycle tools.
	CategoryProject ToolCategory = "project"
	// CategoryPhase is for running, validating and moving between phases.
	CategoryPhase ToolCategory = "phase"
	// CategoryGate is for approval gate decisions.
	CategoryGate ToolCategory = "gate"
	// CategoryArtifact is for artifact edits and regeneration.
	CategoryArtifact ToolCategory = "artifact"
	// CategoryWorkflow is for whole-workflow execution.
	CategoryWorkflow ToolCategory = "workflow"
	// CategorySearch is for tool discovery (tool_search itself).
	CategorySearch ToolCategory = "search"
)

// ToolMetadata describes a registered MCP tool.
type ToolMetadata struct {
	// Name is the unique tool name (e.g., "phase_run").
	Name string `json:"name"`

	Description string       `json:"description"`
	Category    ToolCategory `json:"category"`

	// Keywords are additional searchable terms for this tool.
	Keywords []string `json:"keywords,omitempty"`
}

// ToolRegistry holds metadata about every registered tool so clients can
// search for tools rather than read every definition.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolMetadata
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*ToolMetadata),
	}
}

// Register adds a tool. Names must be unique.
func (r *ToolRegistry) Register(tool *ToolMetadata) error {
	if tool == nil {
		return errors.New("tool metadata is required")
	}
	if tool.Name == "" {
		return errors.New("tool name is required")
	}
	if tool.Category == "" {
		return fmt.Errorf("tool %s has no category", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name]; ok {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Get returns the metadata for a tool.
func (r *ToolRegistry) Get(name string) (*ToolMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns every tool sorted by name.
func (r *ToolRegistry) List() []*ToolMetadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*ToolMetadata, 0, len(r.tools))
	for _, tool := range r.tools {
		result = append(result, tool)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// ListByCategory returns the tools in category sorted by name.
func (r *ToolRegistry) ListByCategory(category ToolCategory) []*ToolMetadata {
	result := make([]*ToolMetadata, 0)
	for _, tool := range r.List() {
		if tool.Category == category {
			result = append(result, tool)
		}
	}
	return result
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// SearchResult is one tool matching a search.
type SearchResult struct {
	Tool *ToolMetadata `json:"tool"`

	// Score indicates match quality (higher is better).
	// 3 = exact name match
	// 2 = name contains query
	// 1 = description/keywords match
	Score int `json:"score"`

	MatchReason string `json:"match_reason"`
}

// Search finds tools matching query, case-insensitively, against names,
// descriptions and keywords. A query that compiles as a regular expression
// is also matched as one. Results are ordered by score, then name.
func (r *ToolRegistry) Search(query string) []*SearchResult {
	if query == "" {
		return nil
	}

	queryLower := strings.ToLower(query)
	var regex *regexp.Regexp
	if re, err := regexp.Compile("(?i)" + query); err == nil {
		regex = re
	}

	var results []*SearchResult
	for _, tool := range r.List() {
		if sr := match(tool, queryLower, regex); sr != nil {
			results = append(results, sr)
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results
}

func match(tool *ToolMetadata, queryLower string, regex *regexp.Regexp) *SearchResult {
	nameLower := strings.ToLower(tool.Name)
	descLower := strings.ToLower(tool.Description)

	switch {
	case nameLower == queryLower:
		return &SearchResult{Tool: tool, Score: 3, MatchReason: "exact name match"}
	case strings.Contains(nameLower, queryLower):
		return &SearchResult{Tool: tool, Score: 2, MatchReason: "name contains query"}
	case regex != nil && regex.MatchString(tool.Name):
		return &SearchResult{Tool: tool, Score: 2, MatchReason: "name matches pattern"}
	case strings.Contains(descLower, queryLower):
		return &SearchResult{Tool: tool, Score: 1, MatchReason: "description contains query"}
	case regex != nil && regex.MatchString(tool.Description):
		return &SearchResult{Tool: tool, Score: 1, MatchReason: "description matches pattern"}
	}

	for _, kw := range tool.Keywords {
		if strings.Contains(strings.ToLower(kw), queryLower) {
			return &SearchResult{Tool: tool, Score: 1, MatchReason: "keyword contains query"}
		}
		if regex != nil && regex.MatchString(kw) {
			return &SearchResult{Tool: tool, Score: 1, MatchReason: "keyword matches pattern"}
		}
	}
	return nil
}

// SearchByCategory searches within one category.
func (r *ToolRegistry) SearchByCategory(query string, category ToolCategory) []*SearchResult {
	filtered := make([]*SearchResult, 0)
	for _, result := range r.Search(query) {
		if result.Tool.Category == category {
			filtered = append(filtered, result)
		}
	}
	return filtered
}
