package memory

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"engram/internal/budget"
	"engram/internal/complexity"
	"engram/internal/logging"
)

// timer is the part of *time.Timer the debounce machinery needs.
type timer interface {
	Stop() bool
}

type scheduleFunc func(d time.Duration, fn func()) timer

// Store owns one working-memory file. All operations are safe for use from
// the debounce timer goroutine; load and save failures never surface to
// callers beyond Flush's return value.
type Store struct {
	mu     sync.Mutex
	path   string
	logger *logging.StructuredLogger

	mem     workingMemory
	dirty   bool
	pending timer

	now      func() time.Time
	schedule scheduleFunc
	randSrc  *rand.Rand
}

// Open loads the store at path, or starts fresh when the file is missing or
// corrupt. It never fails: worst case is an empty in-memory store that will
// try to persist later.
func Open(path string, logger *logging.StructuredLogger) *Store {
	return newStore(path, logger, time.Now, func(d time.Duration, fn func()) timer {
		return time.AfterFunc(d, fn)
	})
}

func newStore(path string, logger *logging.StructuredLogger, now func() time.Time, schedule scheduleFunc) *Store {
	if logger == nil {
		logger = logging.NewStructuredLogger(log.New(io.Discard, "", 0), "memory", false)
	}
	s := &Store{
		path:     path,
		logger:   logger,
		now:      now,
		schedule: schedule,
		randSrc:  rand.New(rand.NewSource(now().UnixNano())),
	}
	s.mem = s.load()
	if swept := s.sweepExpiredLocked(); swept > 0 {
		s.logger.Debug("swept expired pins on load", map[string]interface{}{"count": swept})
	}
	s.mem.Metadata.SessionCount++
	s.markDirtyLocked()
	return s
}

func (s *Store) load() workingMemory {
	fresh := workingMemory{
		Metadata:      metadata{Version: schemaVersion, UpdatedAt: s.now()},
		DeviceProfile: profilePresets[DefaultProfileKind],
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("working memory unreadable, starting fresh", map[string]interface{}{
				"path": s.path, "error": err.Error(),
			})
		}
		return fresh
	}
	var mem workingMemory
	if err := json.Unmarshal(data, &mem); err != nil {
		s.logger.Warn("working memory corrupt, starting fresh", map[string]interface{}{
			"path": s.path, "error": err.Error(),
		})
		return fresh
	}
	if mem.Metadata.Version == 0 {
		mem.Metadata.Version = schemaVersion
	}
	// Profiles only ever hold preset values; repair anything hand-edited.
	if preset, ok := profilePresets[mem.DeviceProfile.Kind]; ok {
		mem.DeviceProfile = preset
	} else {
		mem.DeviceProfile = profilePresets[DefaultProfileKind]
	}
	return mem
}

// Path returns the backing file location.
func (s *Store) Path() string {
	return s.path
}

// Pin stores a new pinned item. A ttl of zero means permanent. When the pin
// list would exceed MaxPins the least important entries are evicted, which
// may include the freshly created pin.
func (s *Store) Pin(content, kind, source string, importance float64, ttl time.Duration) PinnedItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case KindDecision, KindFact, KindTask, KindInstruction, KindReference:
	default:
		kind = KindFact
	}
	switch source {
	case SourceUser, SourceAgent, SourceSystem:
	default:
		source = SourceUser
	}
	if importance < 0 {
		importance = 0
	} else if importance > 1 {
		importance = 1
	}

	item := PinnedItem{
		ID:         s.generateIDLocked("pin"),
		Content:    content,
		Kind:       kind,
		Source:     source,
		CreatedAt:  s.now(),
		Importance: importance,
	}
	if ttl > 0 {
		expires := s.now().Add(ttl)
		item.ExpiresAt = &expires
	}
	s.mem.Pins = append(s.mem.Pins, item)
	if len(s.mem.Pins) > MaxPins {
		sortPinsByImportance(s.mem.Pins)
		s.mem.Pins = s.mem.Pins[:MaxPins]
	}
	s.markDirtyLocked()
	return item
}

// Unpin removes a pin by id. Returns false when the id is unknown, so a
// second call reports the pin as already gone.
func (s *Store) Unpin(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, pin := range s.mem.Pins {
		if pin.ID == id {
			s.mem.Pins = append(s.mem.Pins[:i], s.mem.Pins[i+1:]...)
			s.markDirtyLocked()
			return true
		}
	}
	return false
}

// Pins returns pins sorted by importance descending. A positive limit caps
// the result. Expired pins are not filtered here; see Cleanup.
func (s *Store) Pins(limit int) []PinnedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PinnedItem, len(s.mem.Pins))
	copy(out, s.mem.Pins)
	sortPinsByImportance(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Cleanup sweeps expired pins and reports how many were removed.
func (s *Store) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	swept := s.sweepExpiredLocked()
	if swept > 0 {
		s.markDirtyLocked()
	}
	return swept
}

func (s *Store) sweepExpiredLocked() int {
	now := s.now()
	kept := s.mem.Pins[:0]
	swept := 0
	for _, pin := range s.mem.Pins {
		if pin.ExpiresAt != nil && pin.ExpiresAt.Before(now) {
			swept++
			continue
		}
		kept = append(kept, pin)
	}
	s.mem.Pins = kept
	return swept
}

// TrackFileAccess upserts a file entry, bumping its access count. The list
// is capped at MaxActiveFiles by dropping the least recently accessed.
func (s *Store) TrackFileAccess(path, summary string) TrackedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for i := range s.mem.Files {
		if s.mem.Files[i].Path == path {
			s.mem.Files[i].AccessCount++
			s.mem.Files[i].LastAccessed = now
			if summary != "" {
				s.mem.Files[i].Summary = summary
			}
			s.markDirtyLocked()
			return s.mem.Files[i]
		}
	}
	entry := TrackedFile{Path: path, LastAccessed: now, AccessCount: 1, Summary: summary}
	s.mem.Files = append(s.mem.Files, entry)
	if len(s.mem.Files) > MaxActiveFiles {
		sort.SliceStable(s.mem.Files, func(i, j int) bool {
			return s.mem.Files[i].LastAccessed.After(s.mem.Files[j].LastAccessed)
		})
		s.mem.Files = s.mem.Files[:MaxActiveFiles]
	}
	s.markDirtyLocked()
	return entry
}

// Files returns tracked files, most recently accessed first. A positive
// limit caps the result.
func (s *Store) Files(limit int) []TrackedFile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrackedFile, len(s.mem.Files))
	copy(out, s.mem.Files)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastAccessed.After(out[j].LastAccessed)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// AddTask records a new active task. The list is capped at MaxActiveTasks;
// eviction removes completed tasks first, then the oldest.
func (s *Store) AddTask(description string, subtasks []string) ActiveTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	task := ActiveTask{
		ID:          s.generateIDLocked("task"),
		Description: description,
		Status:      TaskActive,
		CreatedAt:   now,
		UpdatedAt:   now,
		Subtasks:    append([]string(nil), subtasks...),
	}
	s.mem.Tasks = append(s.mem.Tasks, task)
	for len(s.mem.Tasks) > MaxActiveTasks {
		s.evictOneTaskLocked()
	}
	s.markDirtyLocked()
	return task
}

func (s *Store) evictOneTaskLocked() {
	for i, task := range s.mem.Tasks {
		if task.Status == TaskCompleted {
			s.mem.Tasks = append(s.mem.Tasks[:i], s.mem.Tasks[i+1:]...)
			return
		}
	}
	s.mem.Tasks = s.mem.Tasks[1:]
}

// CompleteTask marks a task completed. Returns false for unknown ids.
func (s *Store) CompleteTask(id string) bool {
	return s.setTaskStatus(id, TaskCompleted)
}

// PauseTask marks a task paused. Returns false for unknown ids.
func (s *Store) PauseTask(id string) bool {
	return s.setTaskStatus(id, TaskPaused)
}

// ResumeTask returns a paused task to active. Returns false for unknown ids.
func (s *Store) ResumeTask(id string) bool {
	return s.setTaskStatus(id, TaskActive)
}

func (s *Store) setTaskStatus(id, status string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.mem.Tasks {
		if s.mem.Tasks[i].ID == id {
			s.mem.Tasks[i].Status = status
			s.mem.Tasks[i].UpdatedAt = s.now()
			s.markDirtyLocked()
			return true
		}
	}
	return false
}

// Tasks returns tasks in creation order, optionally including completed ones.
func (s *Store) Tasks(includeCompleted bool) []ActiveTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ActiveTask, 0, len(s.mem.Tasks))
	for _, task := range s.mem.Tasks {
		if !includeCompleted && task.Status == TaskCompleted {
			continue
		}
		out = append(out, task)
	}
	return out
}

// SetDeviceProfile replaces the profile from the preset table. Unknown kinds
// are a no-op returning the current profile unchanged.
func (s *Store) SetDeviceProfile(kind string) DeviceProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	preset, ok := profilePresets[kind]
	if !ok {
		return s.mem.DeviceProfile
	}
	s.mem.DeviceProfile = preset
	s.markDirtyLocked()
	return preset
}

// Profile returns the current device profile.
func (s *Store) Profile() DeviceProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.DeviceProfile
}

// EffectiveContextLimit caps a model's context window by the device profile.
func (s *Store) EffectiveContextLimit(modelLimit int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if modelLimit <= 0 || modelLimit > s.mem.DeviceProfile.MaxContextTokens {
		return s.mem.DeviceProfile.MaxContextTokens
	}
	return modelLimit
}

// SetLastSessionSummary stores a short recap written at session end.
func (s *Store) SetLastSessionSummary(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mem.LastSessionSummary = text
	s.markDirtyLocked()
}

// LastSessionSummary returns the stored recap, if any.
func (s *Store) LastSessionSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.LastSessionSummary
}

// Stats summarizes the store for display.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pins:         len(s.mem.Pins),
		Files:        len(s.mem.Files),
		Tasks:        len(s.mem.Tasks),
		SessionCount: s.mem.Metadata.SessionCount,
		UpdatedAt:    s.mem.Metadata.UpdatedAt,
		Path:         s.path,
		Profile:      s.mem.DeviceProfile,
	}
}

// BuildContext assembles the injectable working-memory block for a
// complexity level. Sections are gated by the level's memory ratio; an empty
// string means nothing qualified.
func (s *Store) BuildContext(level complexity.Level) string {
	alloc := budget.For(level)
	s.mu.Lock()
	defer s.mu.Unlock()

	var sections []string

	if alloc.Memory >= 0.3 {
		if summary := strings.TrimSpace(s.mem.LastSessionSummary); summary != "" {
			sections = append(sections, "### Last Session\n"+summary)
		}
	}

	if len(s.mem.Pins) > 0 && alloc.MaxPins > 0 {
		pins := make([]PinnedItem, len(s.mem.Pins))
		copy(pins, s.mem.Pins)
		sortPinsByImportance(pins)
		if len(pins) > alloc.MaxPins {
			pins = pins[:alloc.MaxPins]
		}
		var b strings.Builder
		b.WriteString("### Pinned Notes")
		for _, pin := range pins {
			fmt.Fprintf(&b, "\n- [%s] %s", pin.Kind, pin.Content)
		}
		sections = append(sections, b.String())
	}

	if alloc.Memory >= 0.5 {
		var b strings.Builder
		count := 0
		for _, task := range s.mem.Tasks {
			if task.Status == TaskCompleted {
				continue
			}
			if count == 0 {
				b.WriteString("### Active Tasks")
			}
			if len(task.Subtasks) > 0 {
				fmt.Fprintf(&b, "\n- [%s] %s (%d subtasks)", task.Status, task.Description, len(task.Subtasks))
			} else {
				fmt.Fprintf(&b, "\n- [%s] %s", task.Status, task.Description)
			}
			count++
		}
		if count > 0 {
			sections = append(sections, b.String())
		}
	}

	if alloc.Memory >= 0.5 && len(s.mem.Files) > 0 {
		files := make([]TrackedFile, len(s.mem.Files))
		copy(files, s.mem.Files)
		sort.SliceStable(files, func(i, j int) bool {
			return files[i].LastAccessed.After(files[j].LastAccessed)
		})
		if len(files) > 10 {
			files = files[:10]
		}
		var b strings.Builder
		b.WriteString("### Recent Files")
		for _, file := range files {
			fmt.Fprintf(&b, "\n- %s (accessed %dx)", file.Path, file.AccessCount)
		}
		sections = append(sections, b.String())
	}

	if len(sections) == 0 {
		return ""
	}
	return "## Working Memory\n\n" + strings.Join(sections, "\n\n")
}

// Flush cancels any pending debounce timer and persists immediately when the
// store is dirty. This is the only operation that reports storage errors.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	if !s.dirty {
		return nil
	}
	return s.saveLocked()
}

func (s *Store) markDirtyLocked() {
	s.mem.Metadata.UpdatedAt = s.now()
	s.dirty = true
	if s.pending != nil {
		// Batch into the already-armed window instead of restarting it.
		return
	}
	s.pending = s.schedule(saveDebounce, s.debounceFired)
}

func (s *Store) debounceFired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	if !s.dirty {
		return
	}
	if err := s.saveLocked(); err != nil {
		s.logger.Error("debounced save failed", map[string]interface{}{"error": err.Error()})
	}
}

// saveLocked writes the store atomically. On failure the store stays dirty
// so a later mutation or flush retries.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.mem, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal working memory: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create memory dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp working memory: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace working memory: %w", err)
	}
	s.dirty = false
	return nil
}

func (s *Store) generateIDLocked(prefix string) string {
	return fmt.Sprintf("%s-%d-%04x", prefix, s.now().UnixNano(), s.randSrc.Intn(0xffff))
}

func sortPinsByImportance(pins []PinnedItem) {
	sort.SliceStable(pins, func(i, j int) bool {
		return pins[i].Importance > pins[j].Importance
	})
}
