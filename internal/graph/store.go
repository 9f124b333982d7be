// Package graph holds the in-memory index over a directory of record
// documents, plus the graph algorithms that operate over the edge
// structure.
//
// The directory is the sole shared resource and the durable contract:
// one HTML document per record. There is no cross-process locking;
// concurrent external writers race and the last write observed on
// reload wins. The store re-loads wholesale on demand (or via Watch).
package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/knotworklabs/knotwork/internal/document"
	"github.com/knotworklabs/knotwork/internal/model"
)

// Store indexes every document in a directory: nodes, sessions, and a
// reverse-edge index for dependent lookups.
type Store struct {
	dir string
	log *logrus.Logger

	mu       sync.RWMutex
	nodes    map[string]*model.Node
	sessions map[string]*model.Session
	// reverse maps relationship -> target id -> source ids, one entry
	// per edge, so Dependents never scans the whole node set.
	reverse map[string]map[string][]string
	// indexed snapshots the (relationship, target) pairs each node
	// contributes to reverse. Callers mutate the nodes Get hands them
	// before calling Update, so unindexing must use what was indexed,
	// not the node's current edge set.
	indexed map[string][]edgeRef
}

type edgeRef struct{ rel, target string }

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for load warnings.
func WithLogger(l *logrus.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates a store over the given directory. Call Load before
// querying.
func New(dir string, opts ...Option) *Store {
	s := &Store{
		dir:      dir,
		log:      logrus.StandardLogger(),
		nodes:    map[string]*model.Node{},
		sessions: map[string]*model.Session{},
		reverse:  map[string]map[string][]string{},
		indexed:  map[string][]edgeRef{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the directory the store persists into.
func (s *Store) Dir() string {
	return s.dir
}

// LoadOptions bounds a bulk load.
type LoadOptions struct {
	// MaxDocuments caps how many documents are parsed in this call.
	// Zero means no cap.
	MaxDocuments int
}

// Load re-reads the whole directory, replacing the in-memory state, and
// returns the number of documents loaded. Malformed documents are
// skipped with a warning; one corrupt file never fails the load.
func (s *Store) Load() (int, error) {
	return s.LoadWith(LoadOptions{})
}

// LoadWith is Load with an optional per-call document cap.
func (s *Store) LoadWith(opts LoadOptions) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("graph: read directory: %w", err)
	}

	nodes := map[string]*model.Node{}
	sessions := map[string]*model.Session{}
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), document.Extension) {
			continue
		}
		if opts.MaxDocuments > 0 && count >= opts.MaxDocuments {
			break
		}
		path := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.log.WithFields(logrus.Fields{"path": path, "error": err}).Warn("skipping unreadable document")
			continue
		}
		doc, err := document.Parse(data)
		if err != nil {
			s.log.WithFields(logrus.Fields{"path": path, "error": err}).Warn("skipping malformed document")
			continue
		}
		switch {
		case doc.Node != nil:
			nodes[doc.Node.ID] = doc.Node
		case doc.Session != nil:
			sessions[doc.Session.ID] = doc.Session
		}
		count++
	}

	s.mu.Lock()
	s.nodes = nodes
	s.sessions = sessions
	s.rebuildReverse()
	s.mu.Unlock()
	return count, nil
}

// ─── Node operations ─────────────────────────────────────────────────────────

// Get returns the node with the given id, or nil if absent.
func (s *Store) Get(id string) *model.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[id]
}

// Add persists a new node. Without overwrite, adding an existing id
// fails with AlreadyExistsError.
func (s *Store) Add(n *model.Node, overwrite bool) error {
	if err := n.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[n.ID]; exists && !overwrite {
		return &model.AlreadyExistsError{ID: n.ID}
	}
	s.unindexEdges(n.ID)
	if err := s.persistNode(n); err != nil {
		return err
	}
	s.nodes[n.ID] = n
	s.indexEdges(n)
	return nil
}

// Update persists changes to an existing node, stamping its updated
// time. Updating an unknown id fails with NotFoundError.
func (s *Store) Update(n *model.Node) error {
	if err := n.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[n.ID]; !exists {
		return &model.NotFoundError{Kind: "node", ID: n.ID}
	}
	n.Updated = model.Now()
	if err := s.persistNode(n); err != nil {
		return err
	}
	s.unindexEdges(n.ID)
	s.nodes[n.ID] = n
	s.indexEdges(n)
	return nil
}

// Remove deletes a node and its document, reporting whether it existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[id]; !exists {
		return false
	}
	if err := os.Remove(filepath.Join(s.dir, document.Filename(id))); err != nil && !os.IsNotExist(err) {
		s.log.WithFields(logrus.Fields{"id": id, "error": err}).Warn("removing document file")
	}
	s.unindexEdges(id)
	delete(s.nodes, id)
	return true
}

// Filter returns every node matching the predicate, ordered by id.
func (s *Store) Filter(pred func(*model.Node) bool) []*model.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Node
	for _, n := range s.nodes {
		if pred(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of loaded nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

func (s *Store) persistNode(n *model.Node) error {
	data, err := document.SerializeNode(n)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, document.Filename(n.ID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("graph: write document: %w", err)
	}
	return nil
}

// ─── Session operations ──────────────────────────────────────────────────────

// GetSession returns the session with the given id.
func (s *Store) GetSession(id string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, &model.NotFoundError{Kind: "session", ID: id}
	}
	return sess, nil
}

// PutSession persists a session document and indexes it.
func (s *Store) PutSession(sess *model.Session) error {
	data, err := document.SerializeSession(sess)
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, document.Filename(sess.ID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("graph: write session document: %w", err)
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return nil
}

// Sessions returns all loaded sessions, ordered by id.
func (s *Store) Sessions() []*model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ─── Reverse index maintenance ───────────────────────────────────────────────

func (s *Store) rebuildReverse() {
	s.reverse = map[string]map[string][]string{}
	s.indexed = map[string][]edgeRef{}
	for _, n := range s.nodes {
		s.indexEdges(n)
	}
}

func (s *Store) indexEdges(n *model.Node) {
	var refs []edgeRef
	for rel, edges := range n.Edges {
		for _, e := range edges {
			byTarget := s.reverse[rel]
			if byTarget == nil {
				byTarget = map[string][]string{}
				s.reverse[rel] = byTarget
			}
			byTarget[e.TargetID] = append(byTarget[e.TargetID], n.ID)
			refs = append(refs, edgeRef{rel: rel, target: e.TargetID})
		}
	}
	if len(refs) > 0 {
		s.indexed[n.ID] = refs
	}
}

// unindexEdges removes the node's recorded contributions to the
// reverse index. Safe for ids that were never indexed.
func (s *Store) unindexEdges(id string) {
	for _, ref := range s.indexed[id] {
		byTarget := s.reverse[ref.rel]
		if byTarget == nil {
			continue
		}
		sources := byTarget[ref.target]
		for i, src := range sources {
			if src == id {
				byTarget[ref.target] = append(sources[:i], sources[i+1:]...)
				break
			}
		}
		if len(byTarget[ref.target]) == 0 {
			delete(byTarget, ref.target)
		}
	}
	delete(s.indexed, id)
}
