package driftsync

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func detectConflict(t *testing.T, local, remote, base Entity) *Conflict {
	t.Helper()
	d := NewDetector(NewRegistry())
	res, err := d.Detect(local, remote, base)
	if err != nil {
		t.Fatal(err)
	}
	if !res.HasConflict {
		t.Fatal("fixture did not produce a conflict")
	}
	return res.Conflict
}

func TestResolveLocalWins(t *testing.T) {
	local := testChat()
	remote := testChat()
	remote.Title = "Remote title"
	c := detectConflict(t, local, remote, nil)

	r := NewResolver(NewRegistry())
	res, err := r.Resolve(c, LocalWins{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Unresolved {
		t.Error("local-wins must be a settled resolution")
	}
	if got := res.Resolved.(*Chat).Title; got != "Trip planning" {
		t.Errorf("resolved title = %q, want local", got)
	}
	if res.Strategy != "local-wins" {
		t.Errorf("strategy = %q", res.Strategy)
	}
}

func TestResolveRemoteWins(t *testing.T) {
	local := testChat()
	remote := testChat()
	remote.Title = "Remote title"
	c := detectConflict(t, local, remote, nil)

	r := NewResolver(NewRegistry())
	res, err := r.Resolve(c, RemoteWins{})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Resolved.(*Chat).Title; got != "Remote title" {
		t.Errorf("resolved title = %q, want remote", got)
	}
}

func TestResolveLastWriteWins(t *testing.T) {
	local := testChat()
	remote := testChat()
	remote.Title = "Remote title"
	remote.UpdatedAt = local.UpdatedAt.Add(time.Minute)
	c := detectConflict(t, local, remote, nil)

	r := NewResolver(NewRegistry())
	res, err := r.Resolve(c, LastWriteWins{})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Resolved.(*Chat).Title; got != "Remote title" {
		t.Errorf("newer remote should win, got %q", got)
	}
	if res.Meta.LocalTime.IsZero() || res.Meta.RemoteTime.IsZero() {
		t.Error("last-write-wins must record both timestamps")
	}
}

func TestResolveLastWriteWinsTieBreaksLocal(t *testing.T) {
	local := testChat()
	remote := testChat()
	remote.Title = "Remote title"
	c := detectConflict(t, local, remote, nil)

	r := NewResolver(NewRegistry())
	res, err := r.Resolve(c, LastWriteWins{})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Resolved.(*Chat).Title; got != "Trip planning" {
		t.Errorf("equal timestamps must break to local, got %q", got)
	}
	if !strings.Contains(res.Meta.Reason, "tie-break") {
		t.Errorf("reason should record the tie-break, got %q", res.Meta.Reason)
	}
}

func TestResolveLastWriteWinsMessageUsesCreatedAt(t *testing.T) {
	local := testMessage()
	remote := testMessage()
	remote.Status = MessageStatusFailed
	remote.CreatedAt = local.CreatedAt.Add(time.Second)
	// UpdatedAt points the other way; CreatedAt is authoritative for messages.
	remote.UpdatedAt = local.UpdatedAt.Add(-time.Hour)
	c := detectConflict(t, local, remote, nil)

	r := NewResolver(NewRegistry())
	res, err := r.Resolve(c, LastWriteWins{})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Resolved.(*Message).Status; got != MessageStatusFailed {
		t.Errorf("status = %q, want remote (newer CreatedAt)", got)
	}
}

func TestResolveFieldMergeSettled(t *testing.T) {
	local := testChat()
	remote := testChat()
	local.IsPinned = true
	remote.MessageCount = 9
	c := detectConflict(t, local, remote, nil)

	r := NewResolver(NewRegistry())
	res, err := r.Resolve(c, FieldMerge{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Unresolved {
		t.Errorf("fully auto-merged resolution marked unresolved: %v", res.Meta.ManualRequired)
	}
	merged := res.Resolved.(*Chat)
	if !merged.IsPinned || merged.MessageCount != 9 {
		t.Errorf("merged = pinned:%v count:%d", merged.IsPinned, merged.MessageCount)
	}
}

func TestResolveFieldMergeEscalatesFreeText(t *testing.T) {
	local := testMessage()
	remote := testMessage()
	local.Content = "local edit"
	remote.Content = "remote edit"
	c := detectConflict(t, local, remote, nil)

	r := NewResolver(NewRegistry())
	res, err := r.Resolve(c, FieldMerge{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Unresolved {
		t.Fatal("diverged content must leave the resolution unresolved")
	}
	if len(res.Meta.ManualRequired) != 1 || res.Meta.ManualRequired[0] != "content" {
		t.Errorf("manual fields = %v", res.Meta.ManualRequired)
	}
	if got := res.Resolved.(*Message).Content; got != "local edit" {
		t.Errorf("placeholder content = %q, want local", got)
	}
}

func TestMergeDataFreeTextNumericStringsDiverge(t *testing.T) {
	local := testMessage()
	remote := testMessage()
	local.Content = "1"
	remote.Content = "1.0"

	r := NewResolver(NewRegistry())
	res, err := r.MergeData(local, remote)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ManualRequired) != 1 || res.ManualRequired[0] != "content" {
		t.Errorf("manual fields = %v", res.ManualRequired)
	}
	if got := res.Merged.(*Message).Content; got != "1" {
		t.Errorf("merged content = %q, want local", got)
	}
}

func TestResolveManualPlaceholder(t *testing.T) {
	local := testChat()
	remote := testChat()
	remote.Title = "Remote"
	c := detectConflict(t, local, remote, nil)

	r := NewResolver(NewRegistry())
	res, err := r.Resolve(c, Manual{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Unresolved {
		t.Error("manual resolution must be marked unresolved")
	}
	if got := res.Resolved.(*Chat).Title; got != "Trip planning" {
		t.Errorf("placeholder = %q, want local version", got)
	}
}

func TestResolveInvalidCandidateEscalatesToManual(t *testing.T) {
	// The remote version carries settings that no longer parse; remote-wins
	// would produce a structurally invalid entity and must escalate.
	local := testChat()
	remote := testChat()
	remote.Title = "Remote"
	remote.Settings = `{"broken":`
	c := detectConflict(t, local, remote, nil)

	r := NewResolver(NewRegistry())
	res, err := r.Resolve(c, RemoteWins{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Unresolved {
		t.Fatal("invalid candidate should escalate to an unresolved manual resolution")
	}
	if got := res.Resolved.(*Chat).Settings; got != local.Settings {
		t.Errorf("escalated placeholder settings = %q, want local", got)
	}
	if !strings.Contains(res.Meta.Reason, "escalated to manual") {
		t.Errorf("reason should record the escalation, got %q", res.Meta.Reason)
	}
}

func TestResolveRejectsEmptyConflict(t *testing.T) {
	r := NewResolver(NewRegistry())
	if _, err := r.Resolve(nil, LocalWins{}); err == nil {
		t.Error("nil conflict accepted")
	}
	if _, err := r.Resolve(&Conflict{EntityKind: EntityKindChat}, LocalWins{}); err == nil {
		t.Error("conflict without fields accepted")
	}
}

func TestValidateResolutionRejectsIdentitySwap(t *testing.T) {
	r := NewResolver(NewRegistry())
	other := testChat()
	other.ID = "chat-2"
	res := &Resolution{
		EntityKind: EntityKindChat,
		EntityID:   "chat-1",
		Resolved:   other,
	}
	if err := r.ValidateResolution(res); !errors.Is(err, ErrInvalidEntity) {
		t.Errorf("expected ErrInvalidEntity, got %v", err)
	}
}

func TestResolveManually(t *testing.T) {
	local := testMessage()
	remote := testMessage()
	local.Content = "local edit"
	remote.Content = "remote edit"
	c := detectConflict(t, local, remote, nil)

	r := NewResolver(NewRegistry())
	chosen := testMessage()
	chosen.Content = "the text I actually want"

	res, err := r.ResolveManually(c, chosen)
	if err != nil {
		t.Fatal(err)
	}
	if res.Unresolved {
		t.Error("explicit choice must settle the conflict")
	}
	if got := res.Resolved.(*Message).Content; got != "the text I actually want" {
		t.Errorf("resolved content = %q", got)
	}

	// A choice that fails validation is rejected outright.
	invalid := testMessage()
	invalid.Role = "narrator"
	if _, err := r.ResolveManually(c, invalid); !errors.Is(err, ErrInvalidEntity) {
		t.Errorf("expected ErrInvalidEntity, got %v", err)
	}
}
