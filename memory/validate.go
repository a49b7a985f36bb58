package memory

import (
	"fmt"

	"github.com/taskforge-ai/taskforge/core"
)

// Validate enforces the write-time invariants of a reasoning memory.
// Validation failures never become task failures; callers log and drop.
func Validate(mem *core.ReasoningMemory) error {
	if mem == nil {
		return fmt.Errorf("memory cannot be nil")
	}
	if mem.Content == "" {
		return fmt.Errorf("memory content is empty")
	}
	if len(mem.Content) > core.MemoryContentMaxLen {
		return fmt.Errorf("memory content exceeds %d chars", core.MemoryContentMaxLen)
	}
	if len(mem.Title) > core.MemoryTitleMaxLen {
		return fmt.Errorf("memory title exceeds %d chars", core.MemoryTitleMaxLen)
	}
	if len(mem.Description) > core.MemoryDescriptionMaxLen {
		return fmt.Errorf("memory description exceeds %d chars", core.MemoryDescriptionMaxLen)
	}
	if !core.ValidMemoryCategories[mem.Category] {
		return fmt.Errorf("invalid memory category %q", mem.Category)
	}
	if !core.ValidMemorySources[mem.Source] {
		return fmt.Errorf("invalid memory source %q", mem.Source)
	}
	if pattern, found := core.ScanBanned(mem.Title); found {
		return fmt.Errorf("memory title matches banned pattern %q", pattern)
	}
	if pattern, found := core.ScanBanned(mem.Content); found {
		return fmt.Errorf("memory content matches banned pattern %q", pattern)
	}
	if mem.Source.IsFailureSource() && mem.SuccessRate > 0 {
		return fmt.Errorf("memory from failure source %q cannot have success_rate > 0", mem.Source)
	}
	return nil
}

// candidateKeys is the closed key set an extracted candidate may carry.
var candidateKeys = map[string]bool{
	"title":       true,
	"description": true,
	"content":     true,
	"category":    true,
}

// NormalizeCandidate converts a raw LLM-extracted object into a memory,
// dropping unknown keys. Returns the dropped key names so the caller can
// warn about them.
func NormalizeCandidate(raw map[string]interface{}, source core.MemorySource) (*core.ReasoningMemory, []string, error) {
	if raw == nil {
		return nil, nil, fmt.Errorf("memory candidate is not an object")
	}

	var dropped []string
	for key := range raw {
		if !candidateKeys[key] {
			dropped = append(dropped, key)
		}
	}

	mem := &core.ReasoningMemory{
		Title:       stringField(raw, "title"),
		Description: stringField(raw, "description"),
		Content:     stringField(raw, "content"),
		Category:    core.MemoryCategory(stringField(raw, "category")),
		Source:      source,
	}
	if err := Validate(mem); err != nil {
		return nil, dropped, err
	}
	return mem, dropped, nil
}

func stringField(raw map[string]interface{}, key string) string {
	if v, ok := raw[key].(string); ok {
		return v
	}
	return ""
}
