// Package memory is the persistent working-memory store: pinned notes,
// tracked files, active tasks, device profile, and the last-session summary.
// It lives outside the conversation itself and survives compaction. The
// store is the sole writer of its own file and persists on a debounce timer,
// so callers mutate freely and flush once at shutdown.
package memory

import "time"

// Collection caps. Eviction policy differs per collection: pins drop the
// least important, files drop the least recently accessed, tasks drop
// completed entries before old ones.
const (
	MaxPins        = 50
	MaxActiveFiles = 30
	MaxActiveTasks = 20
)

// saveDebounce batches successive mutations into one write. A pending timer
// is not re-armed by later mutations.
const saveDebounce = 3 * time.Second

const schemaVersion = 1

// Pin kinds.
const (
	KindDecision    = "decision"
	KindFact        = "fact"
	KindTask        = "task"
	KindInstruction = "instruction"
	KindReference   = "reference"
)

// Pin sources.
const (
	SourceUser   = "user"
	SourceAgent  = "agent"
	SourceSystem = "system"
)

// Task statuses.
const (
	TaskActive    = "active"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
)

// PinnedItem is a fact or decision explicitly marked for retention. A nil
// ExpiresAt means permanent.
type PinnedItem struct {
	ID         string     `json:"id"`
	Content    string     `json:"content"`
	Kind       string     `json:"kind"`
	Source     string     `json:"source"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Importance float64    `json:"importance"`
}

// TrackedFile records workspace files the conversation has touched.
type TrackedFile struct {
	Path         string    `json:"path"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int       `json:"access_count"`
	Summary      string    `json:"summary,omitempty"`
}

// ActiveTask is a unit of ongoing work tracked across turns and sessions.
type ActiveTask struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Subtasks    []string  `json:"subtasks,omitempty"`
}

// DeviceProfile bounds token budget and compaction aggressiveness for an
// assumed runtime environment. Profiles are replaced wholesale from the
// preset table, never partially mutated.
type DeviceProfile struct {
	Kind                  string  `json:"kind"`
	MaxContextTokens      int     `json:"max_context_tokens"`
	MaxWorkingMemoryItems int     `json:"max_working_memory_items"`
	CompactionThreshold   float64 `json:"compaction_threshold"`
}

// DefaultProfileKind is assumed when nothing is persisted yet.
const DefaultProfileKind = "laptop"

var profilePresets = map[string]DeviceProfile{
	"mobile":  {Kind: "mobile", MaxContextTokens: 16384, MaxWorkingMemoryItems: 20, CompactionThreshold: 0.65},
	"laptop":  {Kind: "laptop", MaxContextTokens: 65536, MaxWorkingMemoryItems: 50, CompactionThreshold: 0.75},
	"desktop": {Kind: "desktop", MaxContextTokens: 128000, MaxWorkingMemoryItems: 100, CompactionThreshold: 0.80},
	"server":  {Kind: "server", MaxContextTokens: 200000, MaxWorkingMemoryItems: 200, CompactionThreshold: 0.85},
}

// ProfilePreset returns the preset for kind, reporting whether it exists.
func ProfilePreset(kind string) (DeviceProfile, bool) {
	preset, ok := profilePresets[kind]
	return preset, ok
}

// ProfileKinds lists the known preset names in a stable order.
func ProfileKinds() []string {
	return []string{"mobile", "laptop", "desktop", "server"}
}

type metadata struct {
	Version      int       `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
	SessionCount int       `json:"session_count"`
}

// workingMemory is the persisted aggregate, JSON-encoded at the store path.
type workingMemory struct {
	Metadata           metadata      `json:"metadata"`
	Pins               []PinnedItem  `json:"pins"`
	Files              []TrackedFile `json:"files"`
	Tasks              []ActiveTask  `json:"tasks"`
	DeviceProfile      DeviceProfile `json:"device_profile"`
	LastSessionSummary string        `json:"last_session_summary,omitempty"`
}

// Stats summarizes store contents for display.
type Stats struct {
	Pins         int
	Files        int
	Tasks        int
	SessionCount int
	UpdatedAt    time.Time
	Path         string
	Profile      DeviceProfile
}
