package knotwork

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/knotworklabs/knotwork/internal/model"
	"github.com/knotworklabs/knotwork/internal/session"
)

func openWorkspace(t *testing.T) *Workspace {
	t.Helper()
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	ws, err := Open(filepath.Join(t.TempDir(), "records"), Options{Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestOpen_WiresSubsystems(t *testing.T) {
	ws := openWorkspace(t)
	if ws.Store == nil || ws.Query == nil || ws.Sessions == nil {
		t.Fatal("subsystem not wired")
	}
	if ws.Index == nil {
		t.Fatal("full-text index not opened")
	}
	if ws.Config().RecentWindow != 10 {
		t.Errorf("config not defaulted: %+v", ws.Config())
	}
}

func TestWorkspace_EndToEnd(t *testing.T) {
	ws := openWorkspace(t)

	n, err := model.NewNode("auth", "Fix auth token refresh")
	if err != nil {
		t.Fatal(err)
	}
	n.Status = model.StatusInProgress
	n.Priority = model.PriorityHigh
	if err := ws.Store.Add(n, false); err != nil {
		t.Fatal(err)
	}

	// Selector query sees the persisted document.
	matches, err := ws.Query.Query(`[status='in-progress'][priority='high']`)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].ID != "auth" {
		t.Fatalf("matches = %+v", matches)
	}

	// Full-text search finds it after a Put.
	if err := ws.Index.Put(n); err != nil {
		t.Fatal(err)
	}
	hits, err := ws.Search("token", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != "auth" {
		t.Fatalf("hits = %+v", hits)
	}

	// Session activity is attributed to the in-progress node.
	sess, err := ws.Sessions.Start("claude", "abc123", "")
	if err != nil {
		t.Fatal(err)
	}
	entry, err := ws.Sessions.Track(sess.ID, session.ActivityInput{
		Tool:      "Edit",
		Summary:   "refresh token rotation",
		FilePaths: []string{"internal/auth/token.go"},
		Success:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if entry.FeatureID != "auth" {
		t.Errorf("attributed to %q, want auth", entry.FeatureID)
	}
}

func TestOpen_ReloadsExistingDocuments(t *testing.T) {
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	dir := filepath.Join(t.TempDir(), "records")

	ws, err := Open(dir, Options{Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	n, err := model.NewNode("auth", "Fix auth")
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.Store.Add(n, false); err != nil {
		t.Fatal(err)
	}
	ws.Close()

	reopened, err := Open(dir, Options{Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	if reopened.Store.Get("auth") == nil {
		t.Fatal("existing document not loaded")
	}
	hits, err := reopened.Search("auth", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("index not rebuilt on open: %+v", hits)
	}
}
