// Package session holds the in-memory conversation state: one
// ConversationContext per connected client, owned by a Manager that handles
// creation, lookup, and idle expiry.
package session

import (
	"sync"
	"time"

	"github.com/workstreamhq/maestro/pkg/llm"
)

// ExecutionMode controls whether complex workflows run immediately or wait
// for plan approval.
type ExecutionMode string

const (
	ModeInstant  ExecutionMode = "instant"
	ModeApproval ExecutionMode = "approval"
)

// maxEntities bounds the entity memory; oldest entries are evicted first.
const maxEntities = 20

// Entity is a named object surfaced by a tool result, kept so follow-up
// turns can resolve references like "it" or "that file".
type Entity struct {
	Kind  string // file, folder, message, event, record
	ID    string
	Label string
	Seen  time.Time
}

// AttachedFile is a user upload available to the planner and steps. Text
// holds the payload of text-like files so prompts can inline it; Data holds
// opaque bytes for everything else. Uploads live until the session ends.
type AttachedFile struct {
	ID   string
	Name string
	MIME string
	Text string
	Data []byte
}

// PendingConfirmation is the plan snapshot held while a confirmation id
// awaits the user's decision.
type PendingConfirmation struct {
	Plan  string
	Steps []string
	Mode  ExecutionMode
}

// ConversationContext is the per-session mutable state. All methods are safe
// for concurrent use; messages are append-only.
type ConversationContext struct {
	ID        string
	CreatedAt time.Time

	mu         sync.RWMutex
	messages   []llm.Message
	turn       int
	mode       ExecutionMode
	modelName  string
	lastActive time.Time

	pendingConfirmations  map[string]PendingConfirmation
	resolvedConfirmations map[string]struct{}

	entities      []Entity
	attachedFiles []AttachedFile
	openFiles     []string
}

func newConversationContext(id string) *ConversationContext {
	now := time.Now()
	return &ConversationContext{
		ID:                    id,
		CreatedAt:             now,
		lastActive:            now,
		mode:                  ModeInstant,
		pendingConfirmations:  make(map[string]PendingConfirmation),
		resolvedConfirmations: make(map[string]struct{}),
	}
}

// AppendMessage records a conversation turn.
func (c *ConversationContext) AppendMessage(msg llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	c.turn++
	c.lastActive = time.Now()
}

// Messages returns a copy of the full history.
func (c *ConversationContext) Messages() []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]llm.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// RecentMessages returns a copy of the last n history entries.
func (c *ConversationContext) RecentMessages(n int) []llm.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := len(c.messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]llm.Message, len(c.messages)-start)
	copy(out, c.messages[start:])
	return out
}

// Turn returns the number of messages appended so far.
func (c *ConversationContext) Turn() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.turn
}

// SetMode sets the execution mode for subsequent complex workflows.
func (c *ConversationContext) SetMode(mode ExecutionMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

// Mode returns the current execution mode.
func (c *ConversationContext) Mode() ExecutionMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// SetModel overrides the model used for this session.
func (c *ConversationContext) SetModel(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.modelName = model
}

// Model returns the session's model override, empty for the default.
func (c *ConversationContext) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.modelName
}

// AddPendingConfirmation registers a confirmation id awaiting a decision,
// keeping the plan snapshot it refers to.
func (c *ConversationContext) AddPendingConfirmation(id string, p PendingConfirmation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, done := c.resolvedConfirmations[id]; done {
		return
	}
	c.pendingConfirmations[id] = p
}

// PendingConfirmation returns the snapshot stored under a pending id.
func (c *ConversationContext) PendingConfirmation(id string) (PendingConfirmation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.pendingConfirmations[id]
	return p, ok
}

// ResolveConfirmation consumes a pending confirmation. It returns false when
// the id is unknown or was already resolved; a resolved id never becomes
// pending again.
func (c *ConversationContext) ResolveConfirmation(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, done := c.resolvedConfirmations[id]; done {
		return false
	}
	if _, ok := c.pendingConfirmations[id]; !ok {
		return false
	}
	delete(c.pendingConfirmations, id)
	c.resolvedConfirmations[id] = struct{}{}
	return true
}

// AddEntity records an entity from a tool result, evicting the oldest once
// the bound is reached. Re-adding an existing id refreshes it.
func (c *ConversationContext) AddEntity(e Entity) {
	if e.ID == "" {
		return
	}
	e.Seen = time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entities {
		if c.entities[i].ID == e.ID {
			c.entities[i] = e
			return
		}
	}
	c.entities = append(c.entities, e)
	if len(c.entities) > maxEntities {
		c.entities = c.entities[len(c.entities)-maxEntities:]
	}
}

// Entities returns a copy of the entity memory, oldest first.
func (c *ConversationContext) Entities() []Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entity, len(c.entities))
	copy(out, c.entities)
	return out
}

// AttachFile records a user upload.
func (c *ConversationContext) AttachFile(f AttachedFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attachedFiles = append(c.attachedFiles, f)
	c.lastActive = time.Now()
}

// AttachedFiles returns a copy of the uploads.
func (c *ConversationContext) AttachedFiles() []AttachedFile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AttachedFile, len(c.attachedFiles))
	copy(out, c.attachedFiles)
	return out
}

// SetOpenFiles replaces the client's open-file hints.
func (c *ConversationContext) SetOpenFiles(paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openFiles = append([]string(nil), paths...)
}

// OpenFiles returns a copy of the open-file hints.
func (c *ConversationContext) OpenFiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.openFiles...)
}

// Touch refreshes the idle-expiry clock.
func (c *ConversationContext) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
}

// LastActive returns the time of the most recent activity.
func (c *ConversationContext) LastActive() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActive
}
