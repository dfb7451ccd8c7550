package driftsync

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnresolved is returned when a caller treats a manual placeholder as a
// settled resolution.
var ErrUnresolved = errors.New("conflict is not resolved")

// Strategy selects how a conflict is resolved. The set is closed: each
// variant carries exactly the data it needs and the resolver dispatches
// exhaustively, so an unhandled strategy is a programming error surfaced at
// resolution time rather than a silent fallback.
type Strategy interface {
	// Name returns the strategy name recorded in resolution metadata.
	Name() string

	isStrategy()
}

// LocalWins keeps the local version wholesale.
type LocalWins struct{}

// Name implements Strategy.
func (LocalWins) Name() string { return "local-wins" }
func (LocalWins) isStrategy()  {}

// RemoteWins keeps the remote version wholesale.
type RemoteWins struct{}

// Name implements Strategy.
func (RemoteWins) Name() string { return "remote-wins" }
func (RemoteWins) isStrategy()  {}

// LastWriteWins picks the side with the newer authoritative timestamp
// (UpdatedAt for chats, CreatedAt for messages). On exactly equal timestamps
// the local side wins; the tie-break is deterministic, never comparison
// accident.
type LastWriteWins struct{}

// Name implements Strategy.
func (LastWriteWins) Name() string { return "last-write-wins" }
func (LastWriteWins) isStrategy()  {}

// FieldMerge applies the per-field-kind merge rules: prefer-non-empty
// scalars, max counters, sticky booleans, later timestamps, shallow JSON
// object merge, set union, manual free text, history union.
type FieldMerge struct{}

// Name implements Strategy.
func (FieldMerge) Name() string { return "merge" }
func (FieldMerge) isStrategy()  {}

// Manual defers to a human. The resolution carries the local version as a
// placeholder and is marked unresolved; the conflict stays visible until an
// explicit choice is recorded with ResolveManually.
type Manual struct{}

// Name implements Strategy.
func (Manual) Name() string { return "manual" }
func (Manual) isStrategy()  {}

// ResolutionMeta records why a resolution came out the way it did.
type ResolutionMeta struct {
	Reason         string    `json:"reason"`
	LocalTime      time.Time `json:"local_time,omitempty"`
	RemoteTime     time.Time `json:"remote_time,omitempty"`
	AutoMerged     []string  `json:"auto_merged,omitempty"`
	ManualRequired []string  `json:"manual_required,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at"`
}

// Resolution is the immutable result of resolving one Conflict.
type Resolution struct {
	ConflictID string         `json:"conflict_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Resolved   Entity         `json:"resolved"`
	Strategy   string         `json:"strategy"`
	Unresolved bool           `json:"unresolved,omitempty"`
	Meta       ResolutionMeta `json:"meta"`
}

// Resolver executes resolution strategies against detected conflicts.
type Resolver struct {
	registry *Registry
}

// NewResolver creates a resolver over the given registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve resolves a conflict with the given strategy. The resolved entity is
// validated before it is returned; a candidate that fails validation is
// rejected and the conflict is re-resolved with Manual, which always
// validates because it returns the unmodified local version.
func (r *Resolver) Resolve(c *Conflict, strategy Strategy) (*Resolution, error) {
	if c == nil {
		return nil, fmt.Errorf("resolve: nil conflict")
	}
	if len(c.Fields) == 0 {
		return nil, fmt.Errorf("resolve: conflict %s has no conflicting fields", c.ID)
	}
	desc, err := r.registry.Descriptor(c.EntityKind)
	if err != nil {
		return nil, err
	}

	res, err := r.resolve(c, desc, strategy)
	if err != nil {
		return nil, err
	}

	if err := r.ValidateResolution(res); err != nil {
		if _, manual := strategy.(Manual); manual {
			// Manual returns the local version untouched; if even that is
			// structurally invalid the caller must repair the entity itself.
			return nil, fmt.Errorf("manual placeholder failed validation: %w", err)
		}
		fallback, ferr := r.resolve(c, desc, Manual{})
		if ferr != nil {
			return nil, ferr
		}
		fallback.Meta.Reason = fmt.Sprintf("%s produced an invalid entity (%v); escalated to manual", strategy.Name(), err)
		return fallback, nil
	}
	return res, nil
}

func (r *Resolver) resolve(c *Conflict, desc *Descriptor, strategy Strategy) (*Resolution, error) {
	now := time.Now().UTC()
	res := &Resolution{
		ConflictID: c.ID,
		EntityKind: c.EntityKind,
		EntityID:   c.EntityID,
		Strategy:   strategy.Name(),
		Meta:       ResolutionMeta{ResolvedAt: now},
	}

	switch s := strategy.(type) {
	case LocalWins:
		res.Resolved = c.Local.Clone()
		res.Meta.Reason = "caller selected the local version"

	case RemoteWins:
		res.Resolved = c.Remote.Clone()
		res.Meta.Reason = "caller selected the remote version"

	case LastWriteWins:
		lt := desc.AuthoritativeTime(c.Local)
		rt := desc.AuthoritativeTime(c.Remote)
		res.Meta.LocalTime = lt
		res.Meta.RemoteTime = rt
		if rt.After(lt) {
			res.Resolved = c.Remote.Clone()
			res.Meta.Reason = fmt.Sprintf("remote write at %s is newer than local at %s", rt.Format(time.RFC3339Nano), lt.Format(time.RFC3339Nano))
		} else {
			res.Resolved = c.Local.Clone()
			if lt.Equal(rt) {
				res.Meta.Reason = "timestamps equal; local wins by tie-break"
			} else {
				res.Meta.Reason = fmt.Sprintf("local write at %s is newer than remote at %s", lt.Format(time.RFC3339Nano), rt.Format(time.RFC3339Nano))
			}
		}

	case FieldMerge:
		mr, err := r.MergeData(c.Local, c.Remote)
		if err != nil {
			return nil, err
		}
		res.Resolved = mr.Merged
		res.Meta.AutoMerged = mr.AutoMerged
		res.Meta.ManualRequired = mr.ManualRequired
		res.Unresolved = len(mr.ManualRequired) > 0
		if res.Unresolved {
			res.Meta.Reason = fmt.Sprintf("field merge; %d field(s) require manual resolution", len(mr.ManualRequired))
		} else {
			res.Meta.Reason = "field merge with all conflicting fields auto-merged"
		}

	case Manual:
		res.Resolved = c.Local.Clone()
		res.Unresolved = true
		res.Meta.ManualRequired = append([]string(nil), c.Fields...)
		res.Meta.Reason = "awaiting explicit user choice; local version is a placeholder"

	default:
		return nil, fmt.Errorf("resolve: unhandled strategy %T", s)
	}

	return res, nil
}

// MergeData merges remote into local field by field and reports which fields
// were auto-merged and which require manual attention. Inputs are not
// mutated.
func (r *Resolver) MergeData(local, remote Entity) (*MergeResult, error) {
	if local.Kind() != remote.Kind() {
		return nil, fmt.Errorf("%w: %s vs %s", ErrEntityKindMismatch, local.Kind(), remote.Kind())
	}
	desc, err := r.registry.Descriptor(local.Kind())
	if err != nil {
		return nil, err
	}

	merged := local.Clone()
	result := &MergeResult{Merged: merged, Strategy: FieldMerge{}.Name()}

	for _, f := range desc.Fields {
		lv := f.Get(local)
		rv := f.Get(remote)
		if fieldEqual(f.Kind, lv, rv) {
			continue
		}
		out, err := mergeField(f, lv, rv)
		if err != nil {
			return nil, fmt.Errorf("merge field %s: %w", f.Name, err)
		}
		f.Set(merged, out.value)
		if out.manual {
			result.ManualRequired = append(result.ManualRequired, f.Name)
		} else {
			result.AutoMerged = append(result.AutoMerged, f.Name)
		}
	}

	return result, nil
}

// ValidateResolution re-checks the resolved entity's structural invariants:
// identity fields present, enumerations within allowed values, JSON-valued
// fields parseable. A non-nil error means the resolution must be rejected,
// never silently accepted.
func (r *Resolver) ValidateResolution(res *Resolution) error {
	if res == nil || res.Resolved == nil {
		return fmt.Errorf("%w: resolution has no resolved entity", ErrInvalidEntity)
	}
	desc, err := r.registry.Descriptor(res.EntityKind)
	if err != nil {
		return err
	}
	if res.Resolved.EntityID() != res.EntityID {
		return fmt.Errorf("%w: resolved entity id %q does not match conflict entity id %q",
			ErrInvalidEntity, res.Resolved.EntityID(), res.EntityID)
	}
	if desc.Validate != nil {
		return desc.Validate(res.Resolved)
	}
	return nil
}

// ResolveManually records an explicit user choice for a conflict that was
// previously resolved with Manual (or left pending by FieldMerge). The chosen
// entity is validated before it is accepted.
func (r *Resolver) ResolveManually(c *Conflict, chosen Entity) (*Resolution, error) {
	if c == nil {
		return nil, fmt.Errorf("resolve manually: nil conflict")
	}
	if chosen == nil {
		return nil, fmt.Errorf("resolve manually: nil choice")
	}
	res := &Resolution{
		ConflictID: c.ID,
		EntityKind: c.EntityKind,
		EntityID:   c.EntityID,
		Resolved:   chosen.Clone(),
		Strategy:   Manual{}.Name(),
		Meta: ResolutionMeta{
			Reason:     "explicit user choice",
			ResolvedAt: time.Now().UTC(),
		},
	}
	if err := r.ValidateResolution(res); err != nil {
		return nil, err
	}
	return res, nil
}
