// Package budget maps a complexity verdict to fixed context-injection ratios.
package budget

import "engram/internal/complexity"

// Allocation bounds how much of each context source may be injected for a
// given complexity level. Project, Memory, and Working are fractions of each
// source's own budget; MaxPins caps how many pinned notes are injected.
type Allocation struct {
	Project float64
	Memory  float64
	Working float64
	MaxPins int
}

// Every field is non-decreasing from simple through complex. The complex row
// injects everything, including the full pin store.
var allocations = map[complexity.Level]Allocation{
	complexity.Simple:   {Project: 0.3, Memory: 0.2, Working: 0.1, MaxPins: 3},
	complexity.Moderate: {Project: 0.7, Memory: 0.5, Working: 0.5, MaxPins: 10},
	complexity.Complex:  {Project: 1.0, Memory: 1.0, Working: 1.0, MaxPins: 50},
}

// For returns the allocation for level. Unknown levels get the moderate row.
func For(level complexity.Level) Allocation {
	if alloc, ok := allocations[level]; ok {
		return alloc
	}
	return allocations[complexity.Moderate]
}
