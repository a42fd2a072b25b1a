package config

import "strings"

// DefaultContextLimit is the ceiling assumed for models missing from the
// table below.
const DefaultContextLimit = 32768

type modelContext struct {
	match  string
	tokens int
}

// modelContexts maps model-name fragments to context-window ceilings.
// Resolution is case-insensitive: an exact match wins, otherwise the first
// entry whose fragment appears in the model name decides. Order is therefore
// part of the contract. Specific fragments must stay ahead of the families
// they contain ("gpt-4o" before "gpt-4", "codellama" before "llama"), and
// short fragments like "o1" stay near the end so they cannot shadow longer
// names.
var modelContexts = []modelContext{
	{"gpt-4o-mini", 128000},
	{"gpt-4o", 128000},
	{"gpt-4-turbo", 128000},
	{"gpt-4-32k", 32768},
	{"gpt-4", 8192},
	{"gpt-3.5-turbo-16k", 16384},
	{"gpt-3.5", 16385},
	{"claude-3-5", 200000},
	{"claude-3", 200000},
	{"claude", 200000},
	{"gemini-1.5", 1000000},
	{"gemini", 1000000},
	{"deepseek", 163840},
	{"glm-4.6", 200000},
	{"glm-4.5", 128000},
	{"glm", 128000},
	{"qwen", 32768},
	{"mixtral", 32768},
	{"mistral", 32768},
	{"codellama", 16384},
	{"llama-3", 131072},
	{"llama", 8192},
	{"phi", 16384},
	{"o1", 200000},
	{"o3", 200000},
}

// ModelContextLimit returns the context-window ceiling for a model name,
// falling back to DefaultContextLimit for unknown models.
func ModelContextLimit(model string) int {
	name := strings.ToLower(strings.TrimSpace(model))
	if name == "" {
		return DefaultContextLimit
	}
	for _, entry := range modelContexts {
		if name == entry.match {
			return entry.tokens
		}
	}
	for _, entry := range modelContexts {
		if strings.Contains(name, entry.match) {
			return entry.tokens
		}
	}
	return DefaultContextLimit
}
