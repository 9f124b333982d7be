package session

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/knotworklabs/knotwork/internal/config"
	"github.com/knotworklabs/knotwork/internal/graph"
	"github.com/knotworklabs/knotwork/internal/model"
)

// Manager owns session lifecycle and activity tracking over a graph
// store. Sessions persist as documents in the same directory as nodes.
//
// Canonicalization is the one piece of cross-process mitigation in the
// system: several processes may each believe they own "the" active
// session for an agent, so session start and NormalizeActiveSessions
// both reconcile down to one canonical session per agent. The repair is
// idempotent and never discards activity history, only demotes status.
type Manager struct {
	store *graph.Store
	cfg   config.Config
	log   *logrus.Logger
	now   func() time.Time // injectable for tests
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *logrus.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// NewManager creates a session manager over the given store.
func NewManager(store *graph.Store, cfg config.Config, opts ...Option) *Manager {
	m := &Manager{
		store: store,
		cfg:   cfg,
		log:   logrus.StandardLogger(),
		now:   model.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Start begins (or resumes) a session for an agent. A session spans a
// whole working-process lifetime, not a time window: when the agent
// already has a canonical active session with the same start commit it
// is reused with a refreshed last-activity stamp, so idle gaps never
// fragment it. A differing start commit demotes the prior actives to
// stale and starts fresh, continuing from the old canonical session.
func (m *Manager) Start(agent, startCommit, title string) (*model.Session, error) {
	actives := m.activeSessions(agent)
	var continuedFrom string
	if len(actives) > 0 {
		canonical := actives[0]
		for _, other := range actives[1:] {
			m.demote(other)
		}
		if canonical.StartCommit == startCommit {
			canonical.LastActivity = m.now()
			if err := m.store.PutSession(canonical); err != nil {
				return nil, err
			}
			return canonical, nil
		}
		m.demote(canonical)
		continuedFrom = canonical.ID
	}

	sess, err := model.NewSession(agent, startCommit, title)
	if err != nil {
		return nil, err
	}
	sess.StartedAt = m.now()
	sess.LastActivity = sess.StartedAt
	sess.ContinuedFrom = continuedFrom
	if err := m.store.PutSession(sess); err != nil {
		return nil, err
	}
	m.log.WithFields(logrus.Fields{"session": sess.ID, "agent": agent}).Info("session started")
	return sess, nil
}

// End transitions a session to ended. Ending a session that already
// reached a terminal state is a no-op returning it unchanged; nothing
// ever leaves ended or stale.
func (m *Manager) End(sessionID string) (*model.Session, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsTerminal() {
		return sess, nil
	}
	now := m.now()
	sess.Status = model.SessionEnded
	sess.EndedAt = &now
	if err := m.store.PutSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// NormalizeActiveSessions is the standalone repair operation: for each
// agent with several active non-subagent sessions it keeps the one with
// the highest event count (ties broken by most recent activity, then by
// id) and demotes the rest to stale. Idempotent; activity logs are
// untouched. Returns how many sessions were demoted.
func (m *Manager) NormalizeActiveSessions() (int, error) {
	byAgent := map[string][]*model.Session{}
	for _, sess := range m.store.Sessions() {
		if sess.Status == model.SessionActive && !sess.IsSubagent {
			byAgent[sess.Agent] = append(byAgent[sess.Agent], sess)
		}
	}
	demoted := 0
	for _, group := range byAgent {
		if len(group) < 2 {
			continue
		}
		sortCanonical(group)
		for _, sess := range group[1:] {
			if err := m.demote(sess); err != nil {
				return demoted, err
			}
			demoted++
		}
	}
	return demoted, nil
}

// activeSessions returns the agent's active non-subagent sessions in
// canonical order (best first).
func (m *Manager) activeSessions(agent string) []*model.Session {
	var out []*model.Session
	for _, sess := range m.store.Sessions() {
		if sess.Agent == agent && sess.Status == model.SessionActive && !sess.IsSubagent {
			out = append(out, sess)
		}
	}
	sortCanonical(out)
	return out
}

// sortCanonical orders candidates best-first: highest event count, then
// most recent activity, then smallest id so the order is total.
func sortCanonical(sessions []*model.Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if a.EventCount != b.EventCount {
			return a.EventCount > b.EventCount
		}
		if !a.LastActivity.Equal(b.LastActivity) {
			return a.LastActivity.After(b.LastActivity)
		}
		return a.ID < b.ID
	})
}

func (m *Manager) demote(sess *model.Session) error {
	sess.Status = model.SessionStale
	if err := m.store.PutSession(sess); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"session": sess.ID, "agent": sess.Agent}).Info("session demoted to stale")
	return nil
}

// ─── Activity tracking ───────────────────────────────────────────────────────

// ActivityInput is one observed action to record against a session.
type ActivityInput struct {
	// EventID enables idempotent re-delivery; an id already in the log
	// returns the stored entry without appending.
	EventID   string
	Tool      string
	Summary   string
	FilePaths []string
	// Payload is the raw tool payload; any file paths found in it are
	// merged into FilePaths for attribution.
	Payload []byte
	Success bool
	// FeatureID pins the attribution explicitly; empty means score
	// against the in-progress nodes.
	FeatureID string
}

// Track appends one activity entry to the session, attributing it to
// the best-matching in-progress node unless pinned, and evaluates the
// attributed node's completion policy. This is the sole session
// mutator.
func (m *Manager) Track(sessionID string, in ActivityInput) (*model.ActivityEntry, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.IsTerminal() {
		return nil, fmt.Errorf("session: track on %s session %q", sess.Status, sessionID)
	}

	paths := in.FilePaths
	for _, p := range FilePathsFromPayload(in.Payload) {
		if !containsString(paths, p) {
			paths = append(paths, p)
		}
	}

	featureID := in.FeatureID
	var driftScore *float64
	if featureID == "" {
		candidates := m.store.Filter(func(n *model.Node) bool {
			return n.Status == model.StatusInProgress
		})
		if len(candidates) > 0 {
			ranked := ScoreActivity(Activity{Tool: in.Tool, Summary: in.Summary, FilePaths: paths}, candidates, m.cfg.Weights)
			top := ranked[0]
			featureID = top.Node.ID
			d := DriftScore(top.Score)
			driftScore = &d
		}
	}

	entry := model.ActivityEntry{
		ID:         in.EventID,
		Timestamp:  m.now(),
		Tool:       in.Tool,
		Summary:    in.Summary,
		Success:    in.Success,
		FeatureID:  featureID,
		DriftScore: driftScore,
		Payload:    string(in.Payload),
	}
	stored, added := sess.Append(entry)
	if !added {
		return &stored, nil
	}
	if err := m.store.PutSession(sess); err != nil {
		return nil, err
	}

	if featureID != "" {
		if node := m.store.Get(featureID); node != nil {
			if err := m.recordWork(node); err != nil {
				return nil, err
			}
		}
	}
	return &stored, nil
}

// Drift runs drift detection for a node within a session as of now.
func (m *Manager) Drift(sessionID, nodeID string) (DriftReport, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return DriftReport{}, err
	}
	return DetectDrift(sess, nodeID, m.cfg, m.now()), nil
}

// recordWork bumps the node's attributed-activity tally and applies its
// completion policy. Evaluated once per tracked activity.
func (m *Manager) recordWork(n *model.Node) error {
	tally := n.WorkCount() + 1
	if n.Properties == nil {
		n.Properties = map[string]string{}
	}
	n.Properties[model.PropWorkCount] = strconv.Itoa(tally)

	if n.Status != model.StatusDone {
		switch n.CompletionPolicy() {
		case model.PolicyWorkCount:
			if target := n.WorkCountTarget(); target > 0 && tally >= target {
				n.Status = model.StatusDone
				m.log.WithFields(logrus.Fields{"id": n.ID, "tally": tally}).Info("node auto-completed by work count")
			}
		case model.PolicySteps:
			if len(n.Steps) > 0 && n.NextStep() == nil {
				n.Status = model.StatusDone
				m.log.WithFields(logrus.Fields{"id": n.ID}).Info("node auto-completed by steps")
			}
		}
	}
	return m.store.Update(n)
}

// ─── Ownership ───────────────────────────────────────────────────────────────

// Claim assigns a node to an agent. Claiming a node already owned by a
// different agent fails with ClaimConflictError; re-claiming one's own
// node is a no-op.
func (m *Manager) Claim(nodeID, agent string) error {
	n := m.store.Get(nodeID)
	if n == nil {
		return &model.NotFoundError{Kind: "node", ID: nodeID}
	}
	if n.AgentAssigned != "" && n.AgentAssigned != agent {
		return &model.ClaimConflictError{NodeID: nodeID, Owner: n.AgentAssigned, Claimant: agent}
	}
	if n.AgentAssigned == agent {
		return nil
	}
	n.AgentAssigned = agent
	return m.store.Update(n)
}

// Release clears a node's owner. Only the owner may release.
func (m *Manager) Release(nodeID, agent string) error {
	n := m.store.Get(nodeID)
	if n == nil {
		return &model.NotFoundError{Kind: "node", ID: nodeID}
	}
	if n.AgentAssigned == "" {
		return nil
	}
	if n.AgentAssigned != agent {
		return &model.ClaimConflictError{NodeID: nodeID, Owner: n.AgentAssigned, Claimant: agent}
	}
	n.AgentAssigned = ""
	return m.store.Update(n)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
