package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrUnknownSession is returned when an operation names a session key that
// was never created.
var ErrUnknownSession = errors.New("unknown session")

const storedExt = ".json"

// Manager owns every named conversation and keeps each one mirrored to disk
// under root/<yyyy-mm-dd>/<key>.json.
type Manager struct {
	mu           sync.RWMutex
	store        sessionStore
	sessions     map[string]*Conversation
	currentKey   string
	systemPrompt string
}

// NewManager restores every stored conversation below root and resumes the
// one touched most recently. An empty root defaults to "conversations".
func NewManager(systemPrompt, root string, logger *log.Logger) (*Manager, error) {
	if root == "" {
		root = "conversations"
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	store := sessionStore{root: root, log: logger}
	sessions, err := store.restore()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		store:        store,
		sessions:     sessions,
		systemPrompt: systemPrompt,
	}
	if len(sessions) > 0 {
		logger.Printf("restored %d stored conversations", len(sessions))
		m.currentKey = mostRecentKey(sessions)
	}
	return m, nil
}

// Ensure returns the conversation stored under key, creating it first when
// missing, and makes it the active one. An empty key is assigned the next
// free chat-N name.
func (m *Manager) Ensure(key string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "" {
		key = m.nextChatKeyLocked()
	}
	if conv, ok := m.sessions[key]; ok {
		m.currentKey = key
		return conv, nil
	}
	return m.createLocked(key)
}

// Create starts a fresh conversation under key and makes it current. Unlike
// Ensure it refuses a key that already exists.
func (m *Manager) Create(key string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == "" {
		key = m.nextChatKeyLocked()
	}
	if _, exists := m.sessions[key]; exists {
		return nil, fmt.Errorf("session %s already exists", key)
	}
	return m.createLocked(key)
}

func (m *Manager) createLocked(key string) (*Conversation, error) {
	conv := newConversation(key, m.systemPrompt)
	if err := m.store.write(conv); err != nil {
		return nil, err
	}
	m.sessions[key] = conv
	m.currentKey = key
	return conv, nil
}

// Use makes an existing conversation the active one.
func (m *Manager) Use(key string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.sessions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	m.currentKey = key
	return conv, nil
}

// Delete forgets a conversation and removes its file.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.sessions[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, key)
	}
	if err := m.store.remove(conv); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	delete(m.sessions, key)
	if m.currentKey == key {
		m.currentKey = ""
	}
	return nil
}

// Current hands back the active conversation, materializing a default one
// when nothing is active yet.
func (m *Manager) Current() *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked()
}

func (m *Manager) currentLocked() *Conversation {
	if m.currentKey == "" {
		m.currentKey = m.nextChatKeyLocked()
	}
	if conv, ok := m.sessions[m.currentKey]; ok {
		return conv
	}
	conv := newConversation(m.currentKey, m.systemPrompt)
	m.sessions[m.currentKey] = conv
	if err := m.store.write(conv); err != nil {
		// The session stays usable in memory; the next Save retries the disk write.
		m.store.log.Printf("persist %s: %v", m.currentKey, err)
	}
	return conv
}

// CurrentKey names the active conversation, or "" when none is.
func (m *Manager) CurrentKey() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentKey
}

// Keys lists every known session key in sorted order.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.sessions))
}

// Summary is the listing row for a stored conversation: identity and
// counters, no message content.
type Summary struct {
	Key          string    `json:"key"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Summaries describes every session, most recently updated first.
func (m *Manager) Summaries() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.sessions))
	for key, conv := range m.sessions {
		if conv == nil {
			continue
		}
		out = append(out, Summary{
			Key:          key,
			CreatedAt:    conv.createdAt,
			UpdatedAt:    conv.updatedAt,
			MessageCount: len(conv.messages),
		})
	}
	slices.SortFunc(out, func(a, b Summary) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out
}

// ClearCurrent wipes the active conversation back to just its system prompt
// and persists the emptied transcript.
func (m *Manager) ClearCurrent() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := m.currentLocked()
	conv.Clear(m.systemPrompt)
	return m.store.write(conv)
}

// Save flushes a conversation owned by this manager to disk.
func (m *Manager) Save(conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conv == nil {
		return errors.New("conversation is nil")
	}
	if _, ok := m.sessions[conv.key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, conv.key)
	}
	return m.store.write(conv)
}

// nextChatKeyLocked picks the lowest chat-N name above every existing one.
func (m *Manager) nextChatKeyLocked() string {
	next := 1
	for key := range m.sessions {
		rest, ok := strings.CutPrefix(key, "chat-")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(rest); err == nil && n >= next {
			next = n + 1
		}
	}
	return "chat-" + strconv.Itoa(next)
}

// sessionStore performs the disk I/O for conversation files.
type sessionStore struct {
	root string
	log  *log.Logger
}

// restore loads every conversation file below the root. Unreadable or
// malformed files are logged and skipped rather than failing startup.
func (s sessionStore) restore() (map[string]*Conversation, error) {
	days, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("scan conversation dir: %w", err)
	}
	sessions := make(map[string]*Conversation)
	for _, day := range days {
		if !day.IsDir() {
			continue
		}
		s.restoreDay(filepath.Join(s.root, day.Name()), sessions)
	}
	return sessions, nil
}

func (s sessionStore) restoreDay(dir string, into map[string]*Conversation) {
	files, err := os.ReadDir(dir)
	if err != nil {
		s.log.Printf("skip %s: %v", dir, err)
		return
	}
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), storedExt) {
			continue
		}
		path := filepath.Join(dir, f.Name())
		conv, err := readStoredConversation(path)
		if err != nil {
			s.log.Printf("skip %s: %v", path, err)
			continue
		}
		// The same key can appear under several day folders. Newest copy wins.
		if prev, ok := into[conv.key]; ok && prev.updatedAt.After(conv.updatedAt) {
			continue
		}
		into[conv.key] = conv
	}
}

// write serializes conv to its file, assigning one under the day folder of
// its creation date on first save. Data lands in a temp file and is renamed
// into place so readers never observe a half-written session.
func (s sessionStore) write(conv *Conversation) error {
	if conv.storagePath == "" {
		dir := filepath.Join(s.root, conv.createdAt.Format("2006-01-02"))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create session dir: %w", err)
		}
		conv.storagePath = filepath.Join(dir, sanitizeKey(conv.key)+storedExt)
	}
	data, err := json.MarshalIndent(conv.stored(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.key, err)
	}
	tmp := conv.storagePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, conv.storagePath); err != nil {
		return fmt.Errorf("replace %s: %w", conv.storagePath, err)
	}
	return nil
}

func (s sessionStore) remove(conv *Conversation) error {
	if conv.storagePath == "" {
		return nil
	}
	if err := os.Remove(conv.storagePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func readStoredConversation(path string) (*Conversation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec storedConversation
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	conv := &Conversation{
		key:              rec.Key,
		messages:         rec.Messages,
		lastPromptTokens: rec.LastPromptTokens,
		storagePath:      path,
		createdAt:        rec.CreatedAt,
		updatedAt:        rec.UpdatedAt,
	}
	if conv.key == "" {
		// Files written before the key field existed fall back to the file name.
		conv.key = strings.TrimSuffix(filepath.Base(path), storedExt)
	}
	if conv.createdAt.IsZero() {
		conv.createdAt = time.Now()
		if info, err := os.Stat(path); err == nil {
			conv.createdAt = info.ModTime()
		}
	}
	if conv.updatedAt.IsZero() {
		conv.updatedAt = conv.createdAt
	}
	return conv, nil
}

func mostRecentKey(sessions map[string]*Conversation) string {
	key := ""
	var latest time.Time
	for k, conv := range sessions {
		if key == "" || conv.updatedAt.After(latest) {
			key = k
			latest = conv.updatedAt
		}
	}
	return key
}

// sanitizeKey maps a session key to a safe file name. Runs of characters
// outside [a-zA-Z0-9_-] collapse to a single underscore.
func sanitizeKey(key string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.TrimSpace(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
		default:
			pending = true
		}
	}
	name := strings.Trim(b.String(), "_-")
	if name == "" {
		return "conversation"
	}
	return name
}

// storedConversation is the on-disk JSON schema for one session file.
type storedConversation struct {
	Key              string    `json:"key"`
	Messages         []Message `json:"messages"`
	LastPromptTokens int       `json:"last_prompt_tokens,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (c *Conversation) stored() storedConversation {
	return storedConversation{
		Key:              c.key,
		Messages:         c.messages,
		LastPromptTokens: c.lastPromptTokens,
		CreatedAt:        c.createdAt,
		UpdatedAt:        c.updatedAt,
	}
}
