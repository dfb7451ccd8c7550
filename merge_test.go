package driftsync

import (
	"strings"
	"testing"
	"time"
)

func TestMergeCounterTakesMax(t *testing.T) {
	r := NewResolver(NewRegistry())
	local := testChat()
	remote := testChat()
	local.MessageCount = 7
	remote.MessageCount = 4

	mr, err := r.MergeData(local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if got := mr.Merged.(*Chat).MessageCount; got != 7 {
		t.Errorf("message_count = %d, want 7", got)
	}
}

func TestMergeStickyBoolOrs(t *testing.T) {
	r := NewResolver(NewRegistry())
	local := testChat()
	remote := testChat()
	local.IsPinned = false
	remote.IsPinned = true

	mr, err := r.MergeData(local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if !mr.Merged.(*Chat).IsPinned {
		t.Error("is_pinned should stay set once either side set it")
	}
	if len(mr.ManualRequired) != 0 {
		t.Errorf("sticky bool should auto-merge, manual: %v", mr.ManualRequired)
	}
}

func TestMergeTimestampTakesLater(t *testing.T) {
	r := NewResolver(NewRegistry())
	local := testChat()
	remote := testChat()
	remote.LastMessageAt = local.LastMessageAt.Add(10 * time.Minute)

	mr, err := r.MergeData(local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if got := mr.Merged.(*Chat).LastMessageAt; !got.Equal(remote.LastMessageAt) {
		t.Errorf("last_message_at = %v, want %v", got, remote.LastMessageAt)
	}
}

func TestMergeScalarPrefersNonEmpty(t *testing.T) {
	r := NewResolver(NewRegistry())

	local := testChat()
	remote := testChat()
	local.SystemPrompt = ""
	remote.SystemPrompt = "be brief"

	mr, err := r.MergeData(local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if got := mr.Merged.(*Chat).SystemPrompt; got != "be brief" {
		t.Errorf("system_prompt = %q, want remote value", got)
	}

	// Both non-empty: local is the documented default.
	local.SystemPrompt = "be thorough"
	mr, err = r.MergeData(local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if got := mr.Merged.(*Chat).SystemPrompt; got != "be thorough" {
		t.Errorf("system_prompt = %q, want local value", got)
	}
}

func TestMergeJSONObjectShallowRemoteOverrides(t *testing.T) {
	r := NewResolver(NewRegistry())
	local := testChat()
	remote := testChat()
	local.Settings = `{"model":"gpt-4","temperature":0.2}`
	remote.Settings = `{"model":"claude","stream":true}`

	mr, err := r.MergeData(local, remote)
	if err != nil {
		t.Fatal(err)
	}
	merged := mr.Merged.(*Chat).Settings
	for _, want := range []string{`"model":"claude"`, `"temperature":0.2`, `"stream":true`} {
		if !strings.Contains(merged, want) {
			t.Errorf("merged settings %s missing %s", merged, want)
		}
	}
}

func TestMergeJSONObjectParseFailureKeepsLocal(t *testing.T) {
	r := NewResolver(NewRegistry())
	local := testChat()
	remote := testChat()
	local.Settings = `{"model":"gpt-4"}`
	remote.Settings = `{"model":` // truncated

	mr, err := r.MergeData(local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if got := mr.Merged.(*Chat).Settings; got != local.Settings {
		t.Errorf("settings = %q, want local kept on parse failure", got)
	}
	if len(mr.ManualRequired) != 1 || mr.ManualRequired[0] != "settings" {
		t.Errorf("parse failure should flag settings for manual resolution, got %v", mr.ManualRequired)
	}
}

func TestMergeJSONSetUnion(t *testing.T) {
	r := NewResolver(NewRegistry())
	local := testChat()
	remote := testChat()
	local.Tags = `["a","b"]`
	remote.Tags = `["b","c"]`

	mr, err := r.MergeData(local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if got := mr.Merged.(*Chat).Tags; got != `["a","b","c"]` {
		t.Errorf("tags = %s, want [\"a\",\"b\",\"c\"]", got)
	}
}

func TestMergeFreeTextRequiresManual(t *testing.T) {
	r := NewResolver(NewRegistry())
	local := testMessage()
	remote := testMessage()
	local.Content = "local edit"
	remote.Content = "remote edit"

	mr, err := r.MergeData(local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if got := mr.Merged.(*Message).Content; got != "local edit" {
		t.Errorf("content = %q, want local kept pending manual resolution", got)
	}
	if len(mr.ManualRequired) != 1 || mr.ManualRequired[0] != "content" {
		t.Errorf("content should require manual resolution, got %v", mr.ManualRequired)
	}
}

func TestMergeFreeTextEmptySideFills(t *testing.T) {
	r := NewResolver(NewRegistry())
	local := testMessage()
	remote := testMessage()
	local.Content = ""
	remote.Content = "streamed text"

	mr, err := r.MergeData(local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if got := mr.Merged.(*Message).Content; got != "streamed text" {
		t.Errorf("content = %q, want remote fill", got)
	}
	if len(mr.ManualRequired) != 0 {
		t.Errorf("empty-vs-filled text should auto-merge, got manual %v", mr.ManualRequired)
	}
}

func TestMergeHistoryUnionSortedDeduped(t *testing.T) {
	r := NewResolver(NewRegistry())
	local := testMessage()
	remote := testMessage()
	local.EditHistory = `[{"content":"v1","timestamp":100},{"content":"v2","timestamp":200}]`
	remote.EditHistory = `[{"content":"v1","timestamp":100},{"content":"v3","timestamp":150}]`

	mr, err := r.MergeData(local, remote)
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"content":"v1","timestamp":100},{"content":"v3","timestamp":150},{"content":"v2","timestamp":200}]`
	if got := mr.Merged.(*Message).EditHistory; got != want {
		t.Errorf("edit_history = %s, want %s", got, want)
	}
}

func TestMergeDoesNotMutateInputs(t *testing.T) {
	r := NewResolver(NewRegistry())
	local := testChat()
	remote := testChat()
	remote.MessageCount = 99

	if _, err := r.MergeData(local, remote); err != nil {
		t.Fatal(err)
	}
	if local.MessageCount != 3 {
		t.Error("merge mutated the local input")
	}
}
