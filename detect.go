package driftsync

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Conflict records a detected divergence between two versions of the same
// entity. It is immutable after creation; if detection runs again a new
// Conflict with a new ID is produced.
type Conflict struct {
	ID         string    `json:"id"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	Local      Entity    `json:"local"`
	Remote     Entity    `json:"remote"`
	Base       Entity    `json:"base,omitempty"`
	Fields     []string  `json:"fields"`
	Confidence float64   `json:"confidence"`
	DetectedAt time.Time `json:"detected_at"`
}

// DetectionResult is the outcome of comparing two entity versions.
type DetectionResult struct {
	HasConflict bool      `json:"has_conflict"`
	Conflict    *Conflict `json:"conflict,omitempty"`
	Fields      []string  `json:"fields,omitempty"`
	Confidence  float64   `json:"confidence"`
}

// Detector compares local and remote versions of an entity field by field.
type Detector struct {
	registry *Registry
}

// NewDetector creates a detector over the given registry.
func NewDetector(registry *Registry) *Detector {
	return &Detector{registry: registry}
}

// Detect compares local and remote versions of the same entity. If base is
// non-nil, a three-way comparison is performed: a field conflicts only when
// both sides changed from base to different values. Without a base, simple
// two-way inequality is used.
//
// When no comparable field differs, HasConflict is false and no Conflict is
// materialized.
func (d *Detector) Detect(local, remote, base Entity) (*DetectionResult, error) {
	if local == nil || remote == nil {
		return nil, fmt.Errorf("detect: local and remote must be non-nil")
	}
	if local.Kind() != remote.Kind() {
		return nil, fmt.Errorf("%w: %s vs %s", ErrEntityKindMismatch, local.Kind(), remote.Kind())
	}
	if local.EntityID() != remote.EntityID() {
		return nil, fmt.Errorf("%w: %s vs %s", ErrEntityIDMismatch, local.EntityID(), remote.EntityID())
	}
	if base != nil && base.Kind() != local.Kind() {
		return nil, fmt.Errorf("%w: base %s vs %s", ErrEntityKindMismatch, base.Kind(), local.Kind())
	}

	desc, err := d.registry.Descriptor(local.Kind())
	if err != nil {
		return nil, err
	}

	var fields []string
	for _, f := range desc.Fields {
		lv := f.Get(local)
		rv := f.Get(remote)
		if fieldEqual(f.Kind, lv, rv) {
			continue
		}
		if base != nil {
			bv := f.Get(base)
			localChanged := !fieldEqual(f.Kind, lv, bv)
			remoteChanged := !fieldEqual(f.Kind, rv, bv)
			// One-sided change is plain progress, not divergence.
			if !localChanged || !remoteChanged {
				continue
			}
		}
		fields = append(fields, f.Name)
	}

	if len(fields) == 0 {
		return &DetectionResult{HasConflict: false}, nil
	}

	confidence := scoreConfidence(desc, fields)
	conflict := &Conflict{
		ID:         uuid.NewString(),
		EntityKind: local.Kind(),
		EntityID:   local.EntityID(),
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		Fields:     fields,
		Confidence: confidence,
		DetectedAt: time.Now().UTC(),
	}
	if base != nil {
		conflict.Base = base.Clone()
	}

	return &DetectionResult{
		HasConflict: true,
		Conflict:    conflict,
		Fields:      fields,
		Confidence:  confidence,
	}, nil
}

// HasCriticalField reports whether any conflicting field is in the entity
// kind's critical set.
func (d *Detector) HasCriticalField(c *Conflict) bool {
	if c == nil {
		return false
	}
	desc, err := d.registry.Descriptor(c.EntityKind)
	if err != nil {
		return false
	}
	for _, name := range c.Fields {
		if f := desc.field(name); f != nil && f.Critical {
			return true
		}
	}
	return false
}

// scoreConfidence computes a heuristic detection confidence. Critical fields
// dominate the score; a broad divergence adds a small amount.
func scoreConfidence(desc *Descriptor, fields []string) float64 {
	confidence := 0.5
	for _, name := range fields {
		if f := desc.field(name); f != nil && f.Critical {
			confidence += 0.4
			break
		}
	}
	if len(desc.Fields) > 0 && len(fields)*2 > len(desc.Fields) {
		confidence += 0.1
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// fieldEqual compares two field values according to the field's kind.
// JSON-valued fields compare by parsed structure so that formatting
// differences (key order, whitespace) do not register as divergence; scalar
// and free-text strings compare byte-wise, timestamps by time.Equal.
func fieldEqual(kind FieldKind, a, b any) bool {
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
		return false
	}
	switch kind {
	case FieldJSONObject, FieldJSONSet, FieldHistory:
		as, aok := a.(string)
		bs, bok := b.(string)
		if aok && bok && as != bs {
			var av, bv any
			if json.Unmarshal([]byte(as), &av) == nil && json.Unmarshal([]byte(bs), &bv) == nil {
				return reflect.DeepEqual(av, bv)
			}
			return false
		}
	}
	return reflect.DeepEqual(a, b)
}
