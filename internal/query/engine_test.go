package query

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/knotworklabs/knotwork/internal/graph"
	"github.com/knotworklabs/knotwork/internal/model"
)

func seedStore(t *testing.T) *graph.Store {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	s := graph.New(t.TempDir(), graph.WithLogger(log))

	specs := []struct {
		id       string
		status   model.NodeStatus
		priority model.Priority
		agent    string
	}{
		{"blocked-high", model.StatusBlocked, model.PriorityHigh, ""},
		{"blocked-low", model.StatusBlocked, model.PriorityLow, ""},
		{"active-high", model.StatusInProgress, model.PriorityHigh, "claude"},
	}
	for _, sp := range specs {
		n, err := model.NewNode(sp.id, "Node "+sp.id)
		if err != nil {
			t.Fatal(err)
		}
		n.Status = sp.status
		n.Priority = sp.priority
		n.AgentAssigned = sp.agent
		if err := s.Add(n, false); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestQuery_AttributeEquality(t *testing.T) {
	s := seedStore(t)
	e := New(s.Dir(), time.Minute)

	got, err := e.Query("[status='blocked'][priority='high']")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "blocked-high" {
		t.Fatalf("matches = %+v, want only blocked-high", got)
	}
	if got[0].Attributes["status"] != "blocked" {
		t.Errorf("Attributes[status] = %q", got[0].Attributes["status"])
	}
}

func TestQuery_AttributePresence(t *testing.T) {
	s := seedStore(t)
	e := New(s.Dir(), time.Minute)

	got, err := e.Query("[agent-assigned]")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "active-high" {
		t.Fatalf("matches = %+v, want only active-high", got)
	}
}

func TestQuery_InvalidSelectorFails(t *testing.T) {
	e := New(t.TempDir(), time.Minute)
	if _, err := e.Query("[unbalanced"); err == nil {
		t.Fatal("expected error for invalid selector")
	}
}

func TestQuery_SeesChangesAfterRewrite(t *testing.T) {
	s := seedStore(t)
	e := New(s.Dir(), time.Minute)

	if got, _ := e.Query("[status='done']"); len(got) != 0 {
		t.Fatalf("premature matches: %+v", got)
	}
	n := s.Get("blocked-low")
	n.Status = model.StatusDone
	if err := s.Update(n); err != nil {
		t.Fatal(err)
	}
	got, err := e.Query("[status='done']")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "blocked-low" {
		t.Fatalf("matches = %+v, want blocked-low after rewrite", got)
	}
}

func TestQueryNodes_ReturnsTypedRecords(t *testing.T) {
	s := seedStore(t)
	e := New(s.Dir(), time.Minute)

	nodes, err := e.QueryNodes("[status='blocked']")
	if err != nil {
		t.Fatalf("QueryNodes: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(nodes))
	}
	for _, n := range nodes {
		if n.Status != model.StatusBlocked {
			t.Errorf("node %s status = %q", n.ID, n.Status)
		}
	}
}

func TestQueryNodes_SkipsSessions(t *testing.T) {
	s := seedStore(t)
	sess, _ := model.NewSession("claude", "abc", "")
	if err := s.PutSession(sess); err != nil {
		t.Fatal(err)
	}
	e := New(s.Dir(), time.Minute)

	// The raw query must see the session document, so the typed path
	// below really is excluding it rather than never matching it.
	matches, err := e.Query("[status='active']")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(matches) != 1 || matches[0].ID != sess.ID {
		t.Fatalf("raw matches = %+v, want the session document", matches)
	}

	nodes, err := e.QueryNodes("[status='active']")
	if err != nil {
		t.Fatalf("QueryNodes: %v", err)
	}
	if len(nodes) != 0 {
		t.Errorf("nodes = %+v, want sessions excluded", nodes)
	}
}
