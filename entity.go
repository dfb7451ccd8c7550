package driftsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Common sentinel errors for the driftsync package.
var (
	// ErrUnknownEntityKind is returned when no descriptor is registered for
	// an entity kind.
	ErrUnknownEntityKind = errors.New("unknown entity kind")

	// ErrEntityKindMismatch is returned when two versions of different kinds
	// are compared.
	ErrEntityKindMismatch = errors.New("entity kind mismatch")

	// ErrEntityIDMismatch is returned when two versions with different
	// identities are compared.
	ErrEntityIDMismatch = errors.New("entity id mismatch")

	// ErrInvalidEntity is returned when an entity fails structural validation.
	ErrInvalidEntity = errors.New("invalid entity")
)

// Entity is a synchronizable value with a stable identity. The engine never
// invents identity; it only reconciles field values between versions of the
// same entity.
type Entity interface {
	// EntityID returns the stable identity of the entity.
	EntityID() string

	// Kind returns the entity kind registered in the Registry.
	Kind() string

	// Clone returns a deep copy. Resolution never mutates its inputs.
	Clone() Entity
}

// FieldKind classifies a comparable field for merge-rule dispatch.
type FieldKind int

const (
	// FieldScalar is a plain value merged by prefer-non-empty.
	FieldScalar FieldKind = iota
	// FieldCounter is a numeric counter merged by maximum.
	FieldCounter
	// FieldStickyBool is a boolean flag where true is sticky (logical OR).
	FieldStickyBool
	// FieldTimestamp is a time value merged by taking the later side.
	FieldTimestamp
	// FieldJSONObject is a JSON object merged shallowly, remote overriding
	// local on key collision.
	FieldJSONObject
	// FieldJSONSet is a JSON array treated as a set and merged by union.
	FieldJSONSet
	// FieldFreeText is user-authored text that is never merged automatically
	// when both sides are non-empty and differ.
	FieldFreeText
	// FieldHistory is an append-only JSON array of timestamped entries merged
	// by union, sorted by timestamp, de-duplicated.
	FieldHistory
)

// String returns the field kind name.
func (k FieldKind) String() string {
	switch k {
	case FieldScalar:
		return "scalar"
	case FieldCounter:
		return "counter"
	case FieldStickyBool:
		return "sticky-bool"
	case FieldTimestamp:
		return "timestamp"
	case FieldJSONObject:
		return "json-object"
	case FieldJSONSet:
		return "json-set"
	case FieldFreeText:
		return "free-text"
	case FieldHistory:
		return "history"
	default:
		return "unknown"
	}
}

// FieldSpec declares one comparable field of an entity kind. Identity and
// purely derived fields (CreatedAt on chats, SyncVersion) carry no spec and
// are therefore outside the comparable surface.
type FieldSpec struct {
	// Name is the field name as reported in conflict records.
	Name string

	// Kind selects the merge rule for this field.
	Kind FieldKind

	// Critical marks fields whose divergence makes auto-resolution unsafe.
	Critical bool

	// Get reads the field value from an entity of the owning kind.
	Get func(Entity) any

	// Set writes a merged value back. The value has the same dynamic type
	// that Get returns.
	Set func(Entity, any)
}

// Descriptor describes one entity kind: its comparable surface, the
// authoritative timestamp used by last-write-wins, and structural validation.
type Descriptor struct {
	// Kind is the entity kind this descriptor covers.
	Kind string

	// Fields is the comparable surface in detection order.
	Fields []FieldSpec

	// AuthoritativeTime returns the timestamp compared by last-write-wins.
	AuthoritativeTime func(Entity) time.Time

	// Validate checks structural invariants: identity present, enumerations
	// in range, JSON-valued fields parseable.
	Validate func(Entity) error
}

// CriticalFields returns the names of fields marked critical.
func (d *Descriptor) CriticalFields() []string {
	var names []string
	for _, f := range d.Fields {
		if f.Critical {
			names = append(names, f.Name)
		}
	}
	return names
}

// field returns the spec for a named field, or nil.
func (d *Descriptor) field(name string) *FieldSpec {
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i]
		}
	}
	return nil
}

// Registry maps entity kinds to descriptors. Construct one per process and
// pass it to the components that need it; there is no package-level registry.
type Registry struct {
	descriptors map[string]*Descriptor
}

// NewRegistry creates a registry with the built-in chat and message
// descriptors registered.
func NewRegistry() *Registry {
	r := &Registry{descriptors: make(map[string]*Descriptor)}
	r.Register(chatDescriptor())
	r.Register(messageDescriptor())
	return r
}

// Register adds or replaces the descriptor for a kind.
func (r *Registry) Register(d *Descriptor) {
	r.descriptors[d.Kind] = d
}

// Descriptor returns the descriptor for a kind.
func (r *Registry) Descriptor(kind string) (*Descriptor, error) {
	d, ok := r.descriptors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityKind, kind)
	}
	return d, nil
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.descriptors))
	for k := range r.descriptors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// EntityKindChat and EntityKindMessage are the built-in entity kinds.
const (
	EntityKindChat    = "chat"
	EntityKindMessage = "message"
)

// Chat is a conversation owned by a user. JSON-valued fields (Settings, Tags)
// are stored as raw text because either side of a sync may hold a payload
// that no longer parses; merge rules must surface that instead of dropping it.
type Chat struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Title         string    `json:"title"`
	SystemPrompt  string    `json:"system_prompt"`
	Settings      string    `json:"settings"` // JSON object
	Tags          string    `json:"tags"`     // JSON array of strings
	IsPinned      bool      `json:"is_pinned"`
	IsDeleted     bool      `json:"is_deleted"`
	MessageCount  int64     `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	SyncVersion   int64     `json:"sync_version"`
}

// EntityID implements Entity.
func (c *Chat) EntityID() string { return c.ID }

// Kind implements Entity.
func (c *Chat) Kind() string { return EntityKindChat }

// Clone implements Entity.
func (c *Chat) Clone() Entity {
	cp := *c
	return &cp
}

// MessageRole values allowed on a Message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MessageStatus values allowed on a Message.
const (
	MessageStatusPending   = "pending"
	MessageStatusComplete  = "complete"
	MessageStatusFailed    = "failed"
	MessageStatusStreaming = "streaming"
)

// Message is a single chat message. Content is user-authored free text and is
// never merged automatically; EditHistory is an append-only JSON array of
// {content, timestamp} entries.
type Message struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Status      string    `json:"status"`
	Metadata    string    `json:"metadata"`     // JSON object
	EditHistory string    `json:"edit_history"` // JSON array of edits
	TokenCount  int64     `json:"token_count"`
	IsDeleted   bool      `json:"is_deleted"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// EntityID implements Entity.
func (m *Message) EntityID() string { return m.ID }

// Kind implements Entity.
func (m *Message) Kind() string { return EntityKindMessage }

// Clone implements Entity.
func (m *Message) Clone() Entity {
	cp := *m
	return &cp
}

// EditEntry is one entry of a message's edit history.
type EditEntry struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func chatDescriptor() *Descriptor {
	return &Descriptor{
		Kind: EntityKindChat,
		Fields: []FieldSpec{
			{
				Name: "title", Kind: FieldScalar, Critical: true,
				Get: func(e Entity) any { return e.(*Chat).Title },
				Set: func(e Entity, v any) { e.(*Chat).Title = v.(string) },
			},
			{
				Name: "system_prompt", Kind: FieldScalar,
				Get: func(e Entity) any { return e.(*Chat).SystemPrompt },
				Set: func(e Entity, v any) { e.(*Chat).SystemPrompt = v.(string) },
			},
			{
				Name: "settings", Kind: FieldJSONObject,
				Get: func(e Entity) any { return e.(*Chat).Settings },
				Set: func(e Entity, v any) { e.(*Chat).Settings = v.(string) },
			},
			{
				Name: "tags", Kind: FieldJSONSet,
				Get: func(e Entity) any { return e.(*Chat).Tags },
				Set: func(e Entity, v any) { e.(*Chat).Tags = v.(string) },
			},
			{
				Name: "is_pinned", Kind: FieldStickyBool,
				Get: func(e Entity) any { return e.(*Chat).IsPinned },
				Set: func(e Entity, v any) { e.(*Chat).IsPinned = v.(bool) },
			},
			{
				Name: "is_deleted", Kind: FieldStickyBool, Critical: true,
				Get: func(e Entity) any { return e.(*Chat).IsDeleted },
				Set: func(e Entity, v any) { e.(*Chat).IsDeleted = v.(bool) },
			},
			{
				Name: "message_count", Kind: FieldCounter,
				Get: func(e Entity) any { return e.(*Chat).MessageCount },
				Set: func(e Entity, v any) { e.(*Chat).MessageCount = v.(int64) },
			},
			{
				Name: "last_message_at", Kind: FieldTimestamp,
				Get: func(e Entity) any { return e.(*Chat).LastMessageAt },
				Set: func(e Entity, v any) { e.(*Chat).LastMessageAt = v.(time.Time) },
			},
			{
				Name: "updated_at", Kind: FieldTimestamp,
				Get: func(e Entity) any { return e.(*Chat).UpdatedAt },
				Set: func(e Entity, v any) { e.(*Chat).UpdatedAt = v.(time.Time) },
			},
		},
		AuthoritativeTime: func(e Entity) time.Time { return e.(*Chat).UpdatedAt },
		Validate:          validateChat,
	}
}

func messageDescriptor() *Descriptor {
	return &Descriptor{
		Kind: EntityKindMessage,
		Fields: []FieldSpec{
			{
				Name: "content", Kind: FieldFreeText, Critical: true,
				Get: func(e Entity) any { return e.(*Message).Content },
				Set: func(e Entity, v any) { e.(*Message).Content = v.(string) },
			},
			{
				Name: "role", Kind: FieldScalar, Critical: true,
				Get: func(e Entity) any { return e.(*Message).Role },
				Set: func(e Entity, v any) { e.(*Message).Role = v.(string) },
			},
			{
				Name: "status", Kind: FieldScalar,
				Get: func(e Entity) any { return e.(*Message).Status },
				Set: func(e Entity, v any) { e.(*Message).Status = v.(string) },
			},
			{
				Name: "metadata", Kind: FieldJSONObject,
				Get: func(e Entity) any { return e.(*Message).Metadata },
				Set: func(e Entity, v any) { e.(*Message).Metadata = v.(string) },
			},
			{
				Name: "edit_history", Kind: FieldHistory,
				Get: func(e Entity) any { return e.(*Message).EditHistory },
				Set: func(e Entity, v any) { e.(*Message).EditHistory = v.(string) },
			},
			{
				Name: "token_count", Kind: FieldCounter,
				Get: func(e Entity) any { return e.(*Message).TokenCount },
				Set: func(e Entity, v any) { e.(*Message).TokenCount = v.(int64) },
			},
			{
				Name: "is_deleted", Kind: FieldStickyBool,
				Get: func(e Entity) any { return e.(*Message).IsDeleted },
				Set: func(e Entity, v any) { e.(*Message).IsDeleted = v.(bool) },
			},
			{
				Name: "updated_at", Kind: FieldTimestamp,
				Get: func(e Entity) any { return e.(*Message).UpdatedAt },
				Set: func(e Entity, v any) { e.(*Message).UpdatedAt = v.(time.Time) },
			},
		},
		// Messages are append-mostly; their creation time is the write that
		// matters for last-write-wins.
		AuthoritativeTime: func(e Entity) time.Time { return e.(*Message).CreatedAt },
		Validate:          validateMessage,
	}
}

func validateChat(e Entity) error {
	c, ok := e.(*Chat)
	if !ok {
		return fmt.Errorf("%w: expected *Chat, got %T", ErrInvalidEntity, e)
	}
	if c.ID == "" {
		return fmt.Errorf("%w: chat id is empty", ErrInvalidEntity)
	}
	if err := validateJSONField("settings", c.Settings); err != nil {
		return err
	}
	return validateJSONField("tags", c.Tags)
}

func validateMessage(e Entity) error {
	m, ok := e.(*Message)
	if !ok {
		return fmt.Errorf("%w: expected *Message, got %T", ErrInvalidEntity, e)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: message id is empty", ErrInvalidEntity)
	}
	if m.ChatID == "" {
		return fmt.Errorf("%w: message chat id is empty", ErrInvalidEntity)
	}
	switch m.Role {
	case RoleUser, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("%w: message role %q not allowed", ErrInvalidEntity, m.Role)
	}
	if m.Status != "" {
		switch m.Status {
		case MessageStatusPending, MessageStatusComplete, MessageStatusFailed, MessageStatusStreaming:
		default:
			return fmt.Errorf("%w: message status %q not allowed", ErrInvalidEntity, m.Status)
		}
	}
	if err := validateJSONField("metadata", m.Metadata); err != nil {
		return err
	}
	return validateJSONField("edit_history", m.EditHistory)
}

// validateJSONField checks that a raw JSON field parses. Empty is allowed:
// an unset field is not a parse failure.
func validateJSONField(name, raw string) error {
	if raw == "" {
		return nil
	}
	if !json.Valid([]byte(raw)) {
		return fmt.Errorf("%w: field %s does not parse as JSON", ErrInvalidEntity, name)
	}
	return nil
}
