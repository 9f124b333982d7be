// Package model defines the typed record model for the knotwork store:
// nodes, typed edges, checklist steps, sessions, and activity entries.
//
// Records are plain data with field-level invariants enforced at
// construction. Persistence and querying live in other packages; this
// package knows nothing about the on-disk document format.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cast"
)

// ─── Status and priority enums ───────────────────────────────────────────────

// NodeStatus tracks the lifecycle of a node.
type NodeStatus string

const (
	StatusTodo       NodeStatus = "todo"
	StatusInProgress NodeStatus = "in-progress"
	StatusBlocked    NodeStatus = "blocked"
	StatusDone       NodeStatus = "done"
	StatusActive     NodeStatus = "active"
	StatusEnded      NodeStatus = "ended"
	StatusStale      NodeStatus = "stale"
)

// validStatuses is the set of allowed node statuses.
var validStatuses = map[NodeStatus]bool{
	StatusTodo:       true,
	StatusInProgress: true,
	StatusBlocked:    true,
	StatusDone:       true,
	StatusActive:     true,
	StatusEnded:      true,
	StatusStale:      true,
}

// ValidateStatus returns an error if the status is not recognized.
func ValidateStatus(s NodeStatus) error {
	if !validStatuses[s] {
		return fmt.Errorf("invalid status %q: must be one of: todo, in-progress, blocked, done, active, ended, stale", s)
	}
	return nil
}

// Priority ranks how urgent a node is.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// validPriorities is the set of allowed priorities.
var validPriorities = map[Priority]bool{
	PriorityLow:      true,
	PriorityMedium:   true,
	PriorityHigh:     true,
	PriorityCritical: true,
}

// ValidatePriority returns an error if the priority is not recognized.
func ValidatePriority(p Priority) error {
	if !validPriorities[p] {
		return fmt.Errorf("invalid priority %q: must be one of: low, medium, high, critical", p)
	}
	return nil
}

// ─── Reserved property keys ──────────────────────────────────────────────────

// Properties is an open string-keyed map. A handful of keys are reserved
// and interpreted by the store and session manager; everything else is
// free-form extension data carried through serialization untouched.
const (
	// PropCompletionPolicy selects how a node auto-completes:
	// "manual" (default), "work_count", or "steps".
	PropCompletionPolicy = "completion-policy"
	// PropWorkCountTarget is the activity count that completes a
	// work_count node.
	PropWorkCountTarget = "work-count-target"
	// PropWorkCount is the running tally of activities attributed to
	// the node, maintained by the session manager.
	PropWorkCount = "work-count"
	// PropFilePatterns is a comma-separated list of glob patterns the
	// attribution scorer matches touched file paths against.
	PropFilePatterns = "file-patterns"
	// PropPrimary marks the node that receives the primary-node scoring
	// bonus ("true"/"false").
	PropPrimary = "primary"
)

// Completion policies.
const (
	PolicyManual    = "manual"
	PolicyWorkCount = "work_count"
	PolicySteps     = "steps"
)

// ─── Edge and Step ───────────────────────────────────────────────────────────

// Edge is a typed, directed link to another node. TargetID is a weak
// reference: the target may not exist in the store, and a dangling edge
// is a valid, queryable state rather than an error.
type Edge struct {
	TargetID     string            `json:"target_id"`
	Relationship string            `json:"relationship"`
	Title        string            `json:"title,omitempty"`
	Since        *time.Time        `json:"since,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// Step is one checklist item on a node. Steps are mutated only through
// Node.CompleteStep, which stamps the completing agent and timestamp.
type Step struct {
	Description string     `json:"description"`
	Completed   bool       `json:"completed"`
	Agent       string     `json:"agent,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
}

// ─── Node ────────────────────────────────────────────────────────────────────

// Node is a persisted work record: a self-contained document with status,
// priority, typed edges to other nodes, an ordered checklist, and an open
// property map.
type Node struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Type          string            `json:"type,omitempty"`
	Status        NodeStatus        `json:"status"`
	Priority      Priority          `json:"priority"`
	Created       time.Time         `json:"created"`
	Updated       time.Time         `json:"updated"`
	Properties    map[string]string `json:"properties,omitempty"`
	Edges         map[string][]Edge `json:"edges,omitempty"`
	Steps         []Step            `json:"steps,omitempty"`
	Content       string            `json:"content,omitempty"`
	AgentAssigned string            `json:"agent_assigned,omitempty"`
}

// NewID returns a fresh globally unique record identifier.
func NewID() string {
	return uuid.NewString()
}

// NewNode constructs a node with the required invariants enforced:
// id and title must be non-empty. Pass an empty id to have one generated.
// Status defaults to todo and priority to medium.
func NewNode(id, title string) (*Node, error) {
	if id == "" {
		id = NewID()
	}
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(title) == "" {
		return nil, &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	now := Now()
	return &Node{
		ID:         id,
		Title:      title,
		Status:     StatusTodo,
		Priority:   PriorityMedium,
		Created:    now,
		Updated:    now,
		Properties: map[string]string{},
		Edges:      map[string][]Edge{},
	}, nil
}

// Validate checks the construction invariants plus enum membership.
func (n *Node) Validate() error {
	if strings.TrimSpace(n.ID) == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(n.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if err := ValidateStatus(n.Status); err != nil {
		return &ValidationError{Field: "status", Reason: err.Error()}
	}
	if err := ValidatePriority(n.Priority); err != nil {
		return &ValidationError{Field: "priority", Reason: err.Error()}
	}
	return nil
}

// AddEdge appends an edge under its relationship tag, preserving
// insertion order within the tag.
func (n *Node) AddEdge(e Edge) {
	if n.Edges == nil {
		n.Edges = map[string][]Edge{}
	}
	n.Edges[e.Relationship] = append(n.Edges[e.Relationship], e)
}

// CompletionPercentage derives progress from the checklist: 100 for a
// stepless done node, 0 for any other stepless node, otherwise the
// completed fraction.
func (n *Node) CompletionPercentage() float64 {
	if len(n.Steps) == 0 {
		if n.Status == StatusDone {
			return 100
		}
		return 0
	}
	done := 0
	for _, s := range n.Steps {
		if s.Completed {
			done++
		}
	}
	return 100 * float64(done) / float64(len(n.Steps))
}

// NextStep returns the first incomplete step in authoring order, or nil
// when every step is complete (or there are none).
func (n *Node) NextStep() *Step {
	for i := range n.Steps {
		if !n.Steps[i].Completed {
			return &n.Steps[i]
		}
	}
	return nil
}

// CompleteStep marks the step at index complete, stamping the agent and
// completion time. This is the only sanctioned step mutation.
func (n *Node) CompleteStep(index int, agent string) error {
	if index < 0 || index >= len(n.Steps) {
		return fmt.Errorf("step index %d out of range (0..%d)", index, len(n.Steps)-1)
	}
	now := Now()
	n.Steps[index].Completed = true
	n.Steps[index].Agent = agent
	n.Steps[index].Timestamp = &now
	n.Updated = now
	return nil
}

// Summary returns a one-line human-readable description of the node.
func (n *Node) Summary() string {
	pct := n.CompletionPercentage()
	if len(n.Steps) > 0 {
		return fmt.Sprintf("%s [%s/%s] %s (%.0f%% complete)", n.ID, n.Status, n.Priority, n.Title, pct)
	}
	return fmt.Sprintf("%s [%s/%s] %s", n.ID, n.Status, n.Priority, n.Title)
}

// CompletionPolicy returns the node's auto-completion policy, defaulting
// to manual when unset or unrecognized.
func (n *Node) CompletionPolicy() string {
	switch p := n.Properties[PropCompletionPolicy]; p {
	case PolicyWorkCount, PolicySteps:
		return p
	default:
		return PolicyManual
	}
}

// WorkCountTarget returns the activity count that completes a work_count
// node, or 0 when unset.
func (n *Node) WorkCountTarget() int {
	return cast.ToInt(n.Properties[PropWorkCountTarget])
}

// WorkCount returns the running attributed-activity tally.
func (n *Node) WorkCount() int {
	return cast.ToInt(n.Properties[PropWorkCount])
}

// FilePatterns returns the declared glob patterns, comma-separated in the
// file-patterns property.
func (n *Node) FilePatterns() []string {
	raw := n.Properties[PropFilePatterns]
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsPrimary reports whether the node carries the primary marker.
func (n *Node) IsPrimary() bool {
	return cast.ToBool(n.Properties[PropPrimary])
}

// Now returns the current UTC time truncated to whole seconds, the
// resolution the on-disk timestamp format preserves.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
