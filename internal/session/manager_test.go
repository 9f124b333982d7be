package session

import (
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/knotworklabs/knotwork/internal/config"
	"github.com/knotworklabs/knotwork/internal/graph"
	"github.com/knotworklabs/knotwork/internal/model"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testManager(t *testing.T) (*Manager, *graph.Store) {
	t.Helper()
	store := graph.New(t.TempDir(), graph.WithLogger(quietLogger()))
	m := NewManager(store, config.Default(), WithLogger(quietLogger()))
	return m, store
}

func addInProgress(t *testing.T, store *graph.Store, id, title string, props map[string]string) *model.Node {
	t.Helper()
	n, err := model.NewNode(id, title)
	if err != nil {
		t.Fatal(err)
	}
	n.Status = model.StatusInProgress
	for k, v := range props {
		n.Properties[k] = v
	}
	if err := store.Add(n, false); err != nil {
		t.Fatal(err)
	}
	return n
}

func activeSession(t *testing.T, store *graph.Store, agent, commit string, events int) *model.Session {
	t.Helper()
	s, err := model.NewSession(agent, commit, "")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < events; i++ {
		s.Append(model.ActivityEntry{Timestamp: model.Now(), Tool: "Edit", Success: true})
	}
	if err := store.PutSession(s); err != nil {
		t.Fatal(err)
	}
	return s
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestStart_ReusesSessionWithSameCommit(t *testing.T) {
	m, _ := testManager(t)
	first, err := m.Start("claude", "abc123", "auth work")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Start("claude", "abc123", "")
	if err != nil {
		t.Fatal(err)
	}
	if second.ID != first.ID {
		t.Errorf("Start created new session %s, want reuse of %s", second.ID, first.ID)
	}
	if second.Status != model.SessionActive {
		t.Errorf("reused session status = %s", second.Status)
	}
}

func TestStart_DifferentCommitDemotesAndContinues(t *testing.T) {
	m, store := testManager(t)
	old, err := m.Start("claude", "abc123", "")
	if err != nil {
		t.Fatal(err)
	}
	fresh, err := m.Start("claude", "def456", "")
	if err != nil {
		t.Fatal(err)
	}
	if fresh.ID == old.ID {
		t.Fatal("expected a fresh session")
	}
	if fresh.ContinuedFrom != old.ID {
		t.Errorf("ContinuedFrom = %q, want %q", fresh.ContinuedFrom, old.ID)
	}
	demoted, err := store.GetSession(old.ID)
	if err != nil {
		t.Fatal(err)
	}
	if demoted.Status != model.SessionStale {
		t.Errorf("old session status = %s, want stale", demoted.Status)
	}
}

func TestStart_IgnoresOtherAgents(t *testing.T) {
	m, store := testManager(t)
	other := activeSession(t, store, "gpt", "abc123", 3)
	sess, err := m.Start("claude", "abc123", "")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID == other.ID {
		t.Fatal("reused another agent's session")
	}
	got, _ := store.GetSession(other.ID)
	if got.Status != model.SessionActive {
		t.Errorf("other agent's session demoted to %s", got.Status)
	}
}

func TestEnd_IsIdempotent(t *testing.T) {
	m, _ := testManager(t)
	sess, err := m.Start("claude", "abc123", "")
	if err != nil {
		t.Fatal(err)
	}
	ended, err := m.End(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != model.SessionEnded || ended.EndedAt == nil {
		t.Fatalf("status = %s, ended_at = %v", ended.Status, ended.EndedAt)
	}
	firstEnd := *ended.EndedAt
	again, err := m.End(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !again.EndedAt.Equal(firstEnd) {
		t.Errorf("second End moved ended_at from %v to %v", firstEnd, *again.EndedAt)
	}
}

func TestNormalizeActiveSessions_KeepsHighestEventCount(t *testing.T) {
	m, store := testManager(t)
	a := activeSession(t, store, "claude", "c1", 2)
	b := activeSession(t, store, "claude", "c2", 7)
	c := activeSession(t, store, "claude", "c3", 4)

	demoted, err := m.NormalizeActiveSessions()
	if err != nil {
		t.Fatal(err)
	}
	if demoted != 2 {
		t.Fatalf("demoted = %d, want 2", demoted)
	}
	for _, tc := range []struct {
		sess *model.Session
		want model.SessionStatus
	}{
		{a, model.SessionStale},
		{b, model.SessionActive},
		{c, model.SessionStale},
	} {
		got, err := store.GetSession(tc.sess.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != tc.want {
			t.Errorf("session with %d events: status = %s, want %s", tc.sess.EventCount, got.Status, tc.want)
		}
		if len(got.ActivityLog) != tc.sess.EventCount {
			t.Errorf("activity log truncated: %d entries, want %d", len(got.ActivityLog), tc.sess.EventCount)
		}
	}

	// Running it again changes nothing.
	demoted, err = m.NormalizeActiveSessions()
	if err != nil {
		t.Fatal(err)
	}
	if demoted != 0 {
		t.Errorf("second normalize demoted %d sessions", demoted)
	}
}

func TestNormalizeActiveSessions_SkipsSubagents(t *testing.T) {
	m, store := testManager(t)
	activeSession(t, store, "claude", "c1", 5)
	sub := activeSession(t, store, "claude", "c2", 9)
	sub.IsSubagent = true
	if err := store.PutSession(sub); err != nil {
		t.Fatal(err)
	}

	demoted, err := m.NormalizeActiveSessions()
	if err != nil {
		t.Fatal(err)
	}
	if demoted != 0 {
		t.Errorf("demoted = %d, want 0 (subagents excluded)", demoted)
	}
}

// ─── Activity tracking ───────────────────────────────────────────────────────

func TestTrack_AttributesToBestNode(t *testing.T) {
	m, store := testManager(t)
	addInProgress(t, store, "auth", "Auth middleware", map[string]string{
		model.PropFilePatterns: "internal/auth/*.go",
	})
	addInProgress(t, store, "billing", "Billing exports", nil)
	sess, err := m.Start("claude", "abc123", "")
	if err != nil {
		t.Fatal(err)
	}

	entry, err := m.Track(sess.ID, ActivityInput{
		Tool:      "Edit",
		Summary:   "fix token refresh",
		FilePaths: []string{"internal/auth/token.go"},
		Success:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.FeatureID != "auth" {
		t.Errorf("attributed to %q, want auth", entry.FeatureID)
	}
	if entry.DriftScore == nil {
		t.Error("drift score not recorded")
	}

	got, _ := store.GetSession(sess.ID)
	if len(got.WorkedOn) != 1 || got.WorkedOn[0] != "auth" {
		t.Errorf("worked_on = %v, want [auth]", got.WorkedOn)
	}
}

func TestTrack_ExplicitFeaturePinsAttribution(t *testing.T) {
	m, store := testManager(t)
	addInProgress(t, store, "auth", "Auth middleware", map[string]string{
		model.PropFilePatterns: "internal/auth/*.go",
	})
	addInProgress(t, store, "docs", "Write docs", nil)
	sess, _ := m.Start("claude", "abc123", "")

	entry, err := m.Track(sess.ID, ActivityInput{
		Tool:      "Edit",
		FilePaths: []string{"internal/auth/token.go"},
		Success:   true,
		FeatureID: "docs",
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.FeatureID != "docs" {
		t.Errorf("attributed to %q, want pinned docs", entry.FeatureID)
	}
	if entry.DriftScore != nil {
		t.Error("pinned attribution should not score drift")
	}
}

func TestTrack_DeduplicatesByEventID(t *testing.T) {
	m, store := testManager(t)
	addInProgress(t, store, "auth", "Auth middleware", nil)
	sess, _ := m.Start("claude", "abc123", "")

	in := ActivityInput{EventID: "evt-1", Tool: "Bash", Summary: "go test", Success: true}
	if _, err := m.Track(sess.ID, in); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Track(sess.ID, in); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetSession(sess.ID)
	if got.EventCount != 1 {
		t.Errorf("EventCount = %d, want 1 after duplicate delivery", got.EventCount)
	}
	if len(got.ActivityLog) != 1 {
		t.Errorf("log has %d entries, want 1", len(got.ActivityLog))
	}
}

func TestTrack_MergesPayloadPaths(t *testing.T) {
	m, store := testManager(t)
	addInProgress(t, store, "auth", "Auth middleware", map[string]string{
		model.PropFilePatterns: "internal/auth/*.go",
	})
	sess, _ := m.Start("claude", "abc123", "")

	entry, err := m.Track(sess.ID, ActivityInput{
		Tool:    "Edit",
		Payload: []byte(`{"file_path":"internal/auth/token.go"}`),
		Success: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.FeatureID != "auth" {
		t.Errorf("payload path not used for attribution: feature = %q", entry.FeatureID)
	}
}

func TestTrack_RejectsTerminalSession(t *testing.T) {
	m, _ := testManager(t)
	sess, _ := m.Start("claude", "abc123", "")
	if _, err := m.End(sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Track(sess.ID, ActivityInput{Tool: "Bash"}); err == nil {
		t.Fatal("Track on ended session succeeded")
	}
}

func TestTrack_WorkCountPolicyCompletesNode(t *testing.T) {
	m, store := testManager(t)
	addInProgress(t, store, "auth", "Auth middleware", map[string]string{
		model.PropCompletionPolicy: model.PolicyWorkCount,
		model.PropWorkCountTarget:  "2",
	})
	sess, _ := m.Start("claude", "abc123", "")

	for i := 0; i < 2; i++ {
		if _, err := m.Track(sess.ID, ActivityInput{Tool: "Edit", Success: true, FeatureID: "auth"}); err != nil {
			t.Fatal(err)
		}
	}
	n := store.Get("auth")
	if n.Status != model.StatusDone {
		t.Errorf("status = %s after reaching work count target, want done", n.Status)
	}
	if n.WorkCount() != 2 {
		t.Errorf("work count = %d, want 2", n.WorkCount())
	}
}

func TestTrack_StepsPolicyCompletesNode(t *testing.T) {
	m, store := testManager(t)
	n := addInProgress(t, store, "auth", "Auth middleware", map[string]string{
		model.PropCompletionPolicy: model.PolicySteps,
	})
	n.Steps = []model.Step{{Description: "write handler"}, {Description: "add tests"}}
	if err := store.Update(n); err != nil {
		t.Fatal(err)
	}
	sess, _ := m.Start("claude", "abc123", "")

	if _, err := m.Track(sess.ID, ActivityInput{Tool: "Edit", Success: true, FeatureID: "auth"}); err != nil {
		t.Fatal(err)
	}
	if store.Get("auth").Status == model.StatusDone {
		t.Fatal("completed with open steps")
	}

	for i := range n.Steps {
		if err := n.CompleteStep(i, "claude"); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Update(n); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Track(sess.ID, ActivityInput{Tool: "Edit", Success: true, FeatureID: "auth"}); err != nil {
		t.Fatal(err)
	}
	if got := store.Get("auth").Status; got != model.StatusDone {
		t.Errorf("status = %s after all steps done, want done", got)
	}
}

func TestDrift_ThroughManager(t *testing.T) {
	m, _ := testManager(t)
	sess, _ := m.Start("claude", "abc123", "")
	report, err := m.Drift(sess.ID, "auth")
	if err != nil {
		t.Fatal(err)
	}
	if report.IsDrifting {
		t.Error("empty session reported drifting")
	}
	if _, err := m.Drift("missing", "auth"); err == nil {
		t.Error("Drift on unknown session succeeded")
	}
}

// ─── Ownership ───────────────────────────────────────────────────────────────

func TestClaimAndRelease(t *testing.T) {
	m, store := testManager(t)
	addInProgress(t, store, "auth", "Auth middleware", nil)

	if err := m.Claim("auth", "claude"); err != nil {
		t.Fatal(err)
	}
	if err := m.Claim("auth", "claude"); err != nil {
		t.Errorf("re-claim by owner failed: %v", err)
	}

	err := m.Claim("auth", "gpt")
	var conflict *model.ClaimConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("claim by second agent: got %v, want ClaimConflictError", err)
	}
	if conflict.Owner != "claude" || conflict.Claimant != "gpt" {
		t.Errorf("conflict = %+v", conflict)
	}

	if err := m.Release("auth", "gpt"); !errors.As(err, &conflict) {
		t.Errorf("release by non-owner: got %v, want ClaimConflictError", err)
	}
	if err := m.Release("auth", "claude"); err != nil {
		t.Fatal(err)
	}
	if owner := store.Get("auth").AgentAssigned; owner != "" {
		t.Errorf("owner = %q after release", owner)
	}
	if err := m.Release("auth", "claude"); err != nil {
		t.Errorf("release of unowned node: %v", err)
	}
}

func TestClaim_UnknownNode(t *testing.T) {
	m, _ := testManager(t)
	var notFound *model.NotFoundError
	if err := m.Claim("ghost", "claude"); !errors.As(err, &notFound) {
		t.Errorf("got %v, want NotFoundError", err)
	}
}

// Timestamps in reused sessions move forward.
func TestStart_RefreshesLastActivity(t *testing.T) {
	m, _ := testManager(t)
	sess, err := m.Start("claude", "abc123", "")
	if err != nil {
		t.Fatal(err)
	}
	past := model.Now().Add(-time.Hour)
	sess.LastActivity = past
	if err := m.store.PutSession(sess); err != nil {
		t.Fatal(err)
	}
	reused, err := m.Start("claude", "abc123", "")
	if err != nil {
		t.Fatal(err)
	}
	if !reused.LastActivity.After(past) {
		t.Errorf("LastActivity = %v, not refreshed past %v", reused.LastActivity, past)
	}
}
