package driftsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// MergeResult is the intermediate product of a field-level merge. Fields in
// ManualRequired were not resolved; the merged entity carries the local value
// for them and callers must not treat those fields as settled.
type MergeResult struct {
	Merged         Entity   `json:"merged"`
	AutoMerged     []string `json:"auto_merged"`
	ManualRequired []string `json:"manual_required"`
	Strategy       string   `json:"strategy"`
}

// mergeOutcome is the result of merging a single field.
type mergeOutcome struct {
	value  any
	manual bool
}

// mergeField applies the merge rule for one field kind. Rules never lose
// data: when a side cannot be parsed or text cannot be combined safely, the
// local value is kept and the field is flagged for manual resolution.
func mergeField(spec FieldSpec, local, remote any) (mergeOutcome, error) {
	switch spec.Kind {
	case FieldScalar:
		return mergeScalar(local, remote), nil
	case FieldCounter:
		return mergeCounter(local, remote)
	case FieldStickyBool:
		return mergeStickyBool(local, remote)
	case FieldTimestamp:
		return mergeTimestamp(local, remote)
	case FieldJSONObject:
		return mergeJSONObject(local, remote), nil
	case FieldJSONSet:
		return mergeJSONSet(local, remote), nil
	case FieldFreeText:
		return mergeFreeText(local, remote), nil
	case FieldHistory:
		return mergeHistory(local, remote), nil
	default:
		// No rule for this kind: keep local, require a human.
		return mergeOutcome{value: local, manual: true}, nil
	}
}

// mergeScalar prefers the non-empty side. When both sides are non-empty the
// local side is the documented default.
func mergeScalar(local, remote any) mergeOutcome {
	ls, _ := local.(string)
	rs, _ := remote.(string)
	if ls == "" && rs != "" {
		return mergeOutcome{value: rs}
	}
	return mergeOutcome{value: ls}
}

// mergeCounter takes the maximum of the two counters.
func mergeCounter(local, remote any) (mergeOutcome, error) {
	lv, lok := local.(int64)
	rv, rok := remote.(int64)
	if !lok || !rok {
		return mergeOutcome{}, fmt.Errorf("counter merge: expected int64, got %T and %T", local, remote)
	}
	if rv > lv {
		return mergeOutcome{value: rv}, nil
	}
	return mergeOutcome{value: lv}, nil
}

// mergeStickyBool ORs the two flags: once set, a sticky flag stays set.
func mergeStickyBool(local, remote any) (mergeOutcome, error) {
	lv, lok := local.(bool)
	rv, rok := remote.(bool)
	if !lok || !rok {
		return mergeOutcome{}, fmt.Errorf("sticky bool merge: expected bool, got %T and %T", local, remote)
	}
	return mergeOutcome{value: lv || rv}, nil
}

// mergeTimestamp takes the chronologically later value.
func mergeTimestamp(local, remote any) (mergeOutcome, error) {
	lv, lok := local.(time.Time)
	rv, rok := remote.(time.Time)
	if !lok || !rok {
		return mergeOutcome{}, fmt.Errorf("timestamp merge: expected time.Time, got %T and %T", local, remote)
	}
	if rv.After(lv) {
		return mergeOutcome{value: rv}, nil
	}
	return mergeOutcome{value: lv}, nil
}

// mergeJSONObject shallow-merges two JSON objects with remote overriding
// local on key collision. A parse failure on either side keeps the local
// value and flags the field rather than losing data.
func mergeJSONObject(local, remote any) mergeOutcome {
	ls, _ := local.(string)
	rs, _ := remote.(string)
	if ls == "" {
		return mergeOutcome{value: rs}
	}
	if rs == "" {
		return mergeOutcome{value: ls}
	}

	var lm, rm map[string]any
	if err := json.Unmarshal([]byte(ls), &lm); err != nil {
		return mergeOutcome{value: ls, manual: true}
	}
	if err := json.Unmarshal([]byte(rs), &rm); err != nil {
		return mergeOutcome{value: ls, manual: true}
	}

	merged := make(map[string]any, len(lm)+len(rm))
	for k, v := range lm {
		merged[k] = v
	}
	for k, v := range rm {
		merged[k] = v
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return mergeOutcome{value: ls, manual: true}
	}
	return mergeOutcome{value: string(out)}
}

// mergeJSONSet unions two JSON string arrays, de-duplicated, local order
// first. A parse failure keeps the local value and flags the field.
func mergeJSONSet(local, remote any) mergeOutcome {
	ls, _ := local.(string)
	rs, _ := remote.(string)
	if ls == "" {
		return mergeOutcome{value: rs}
	}
	if rs == "" {
		return mergeOutcome{value: ls}
	}

	var lv, rv []string
	if err := json.Unmarshal([]byte(ls), &lv); err != nil {
		return mergeOutcome{value: ls, manual: true}
	}
	if err := json.Unmarshal([]byte(rs), &rv); err != nil {
		return mergeOutcome{value: ls, manual: true}
	}

	seen := make(map[string]bool, len(lv)+len(rv))
	union := make([]string, 0, len(lv)+len(rv))
	for _, s := range lv {
		if !seen[s] {
			seen[s] = true
			union = append(union, s)
		}
	}
	for _, s := range rv {
		if !seen[s] {
			seen[s] = true
			union = append(union, s)
		}
	}

	out, err := json.Marshal(union)
	if err != nil {
		return mergeOutcome{value: ls, manual: true}
	}
	return mergeOutcome{value: string(out)}
}

// mergeFreeText resolves only the empty-vs-non-empty case. Two differing
// non-empty texts cannot be combined safely; the local value is kept and the
// field requires manual resolution.
func mergeFreeText(local, remote any) mergeOutcome {
	ls, _ := local.(string)
	rs, _ := remote.(string)
	if ls == "" && rs != "" {
		return mergeOutcome{value: rs}
	}
	if rs == "" || ls == rs {
		return mergeOutcome{value: ls}
	}
	return mergeOutcome{value: ls, manual: true}
}

// mergeHistory unions two append-only edit histories, sorted by timestamp,
// de-duplicating entries whose (content, timestamp) pair matches.
func mergeHistory(local, remote any) mergeOutcome {
	ls, _ := local.(string)
	rs, _ := remote.(string)
	if ls == "" {
		return mergeOutcome{value: rs}
	}
	if rs == "" {
		return mergeOutcome{value: ls}
	}

	var lv, rv []EditEntry
	if err := json.Unmarshal([]byte(ls), &lv); err != nil {
		return mergeOutcome{value: ls, manual: true}
	}
	if err := json.Unmarshal([]byte(rs), &rv); err != nil {
		return mergeOutcome{value: ls, manual: true}
	}

	type key struct {
		content string
		ts      int64
	}
	seen := make(map[key]bool, len(lv)+len(rv))
	union := make([]EditEntry, 0, len(lv)+len(rv))
	for _, e := range append(lv, rv...) {
		k := key{e.Content, e.Timestamp}
		if !seen[k] {
			seen[k] = true
			union = append(union, e)
		}
	}
	sort.SliceStable(union, func(i, j int) bool {
		return union[i].Timestamp < union[j].Timestamp
	})

	out, err := json.Marshal(union)
	if err != nil {
		return mergeOutcome{value: ls, manual: true}
	}
	return mergeOutcome{value: string(out)}
}
