// Package document maps records to and from their on-disk HTML form.
//
// One document per record, named <id>.html. A node serializes to an
// <article> whose top-level attributes carry the scalar fields,
// with nested sections for properties, content, edges, steps, and (for
// sessions) the activity log. Parse and Serialize are inverse up to
// field ordering and whitespace: Parse(Serialize(r)) == r for every
// valid record r.
//
// Documents are parsed with golang.org/x/net/html and sections are
// located with cascadia selectors, the same machinery the query engine
// uses for structural-selector matching.
package document

import (
	"bytes"
	"fmt"
	"html"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/spf13/cast"
	xhtml "golang.org/x/net/html"

	"github.com/knotworklabs/knotwork/internal/model"
)

// Extension is the on-disk document file extension, including the dot.
const Extension = ".html"

// kindSession marks a session document's root article.
const kindSession = "session"

var (
	selArticle    = cascadia.MustCompile("article")
	selTitle      = cascadia.MustCompile("article > h1")
	selProperties = cascadia.MustCompile("dl.properties")
	selContent    = cascadia.MustCompile("section.content > pre")
	selEdgeGroups = cascadia.MustCompile("section.edges > ul")
	selEdgeItems  = cascadia.MustCompile("li")
	selAnchor     = cascadia.MustCompile("a")
	selSteps      = cascadia.MustCompile("section.steps > ol > li")
	selActivity   = cascadia.MustCompile("section.activity > ol > li")
	selWorkedOn   = cascadia.MustCompile("ul.worked-on a")
)

// Filename returns the document filename for a record id.
func Filename(id string) string {
	return id + Extension
}

// Document is the parsed form of one on-disk file: exactly one of Node
// or Session is set, depending on the document kind.
type Document struct {
	Node    *model.Node
	Session *model.Session
}

// Parse reads a document into its typed record. A document whose root
// article lacks an id attribute fails with MalformedDocumentError.
func Parse(data []byte) (*Document, error) {
	root, err := xhtml.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, &model.MalformedDocumentError{Reason: fmt.Sprintf("invalid html: %v", err)}
	}
	article := selArticle.MatchFirst(root)
	if article == nil {
		return nil, &model.MalformedDocumentError{Reason: "no article element"}
	}
	if attr(article, "id") == "" {
		return nil, &model.MalformedDocumentError{Reason: "missing id attribute"}
	}
	if attr(article, "kind") == kindSession {
		s, err := parseSession(root, article)
		if err != nil {
			return nil, err
		}
		return &Document{Session: s}, nil
	}
	n, err := parseNode(root, article)
	if err != nil {
		return nil, err
	}
	return &Document{Node: n}, nil
}

// ParseNode parses a document that must be a node.
func ParseNode(data []byte) (*model.Node, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if doc.Node == nil {
		return nil, &model.MalformedDocumentError{Reason: "document is a session, not a node"}
	}
	return doc.Node, nil
}

// ParseSession parses a document that must be a session.
func ParseSession(data []byte) (*model.Session, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if doc.Session == nil {
		return nil, &model.MalformedDocumentError{Reason: "document is a node, not a session"}
	}
	return doc.Session, nil
}

// ─── Node parsing ────────────────────────────────────────────────────────────

func parseNode(root, article *xhtml.Node) (*model.Node, error) {
	n := &model.Node{
		ID:            attr(article, "id"),
		Type:          attr(article, "type"),
		Status:        model.NodeStatus(attrDefault(article, "status", string(model.StatusTodo))),
		Priority:      model.Priority(attrDefault(article, "priority", string(model.PriorityMedium))),
		AgentAssigned: attr(article, "agent-assigned"),
		Properties:    map[string]string{},
		Edges:         map[string][]model.Edge{},
	}
	n.Created = parseTime(attr(article, "created"))
	n.Updated = parseTime(attr(article, "updated"))

	if h1 := selTitle.MatchFirst(root); h1 != nil {
		n.Title = text(h1)
	}
	if pre := selContent.MatchFirst(root); pre != nil {
		n.Content = text(pre)
	}
	if dl := selProperties.MatchFirst(root); dl != nil {
		parsePropertyList(dl, n.Properties)
	}

	for _, ul := range selEdgeGroups.MatchAll(root) {
		rel := attr(ul, "relationship")
		for _, li := range selEdgeItems.MatchAll(ul) {
			n.Edges[rel] = append(n.Edges[rel], parseEdge(li, rel))
		}
	}

	for _, li := range selSteps.MatchAll(root) {
		step := model.Step{
			Description: text(li),
			Completed:   cast.ToBool(attr(li, "completed")),
			Agent:       attr(li, "agent"),
		}
		if ts := attr(li, "timestamp"); ts != "" {
			t := parseTime(ts)
			step.Timestamp = &t
		}
		n.Steps = append(n.Steps, step)
	}

	return n, nil
}

func parseEdge(li *xhtml.Node, rel string) model.Edge {
	e := model.Edge{Relationship: rel}
	if a := selAnchor.MatchFirst(li); a != nil {
		e.TargetID = strings.TrimSuffix(attr(a, "href"), Extension)
		e.Title = text(a)
	}
	for _, at := range li.Attr {
		switch {
		case at.Key == "since":
			t := parseTime(at.Val)
			e.Since = &t
		case strings.HasPrefix(at.Key, "data-"):
			if e.Properties == nil {
				e.Properties = map[string]string{}
			}
			e.Properties[strings.TrimPrefix(at.Key, "data-")] = at.Val
		}
	}
	return e
}

// parsePropertyList reads dt/dd pairs in order.
func parsePropertyList(dl *xhtml.Node, into map[string]string) {
	var key string
	var haveKey bool
	for c := dl.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xhtml.ElementNode {
			continue
		}
		switch c.Data {
		case "dt":
			key = text(c)
			haveKey = true
		case "dd":
			if haveKey {
				into[key] = text(c)
				haveKey = false
			}
		}
	}
}

// ─── Session parsing ─────────────────────────────────────────────────────────

func parseSession(root, article *xhtml.Node) (*model.Session, error) {
	s := &model.Session{
		ID:            attr(article, "id"),
		Agent:         attr(article, "agent"),
		Status:        model.SessionStatus(attrDefault(article, "status", string(model.SessionActive))),
		IsSubagent:    cast.ToBool(attr(article, "subagent")),
		StartCommit:   attr(article, "start-commit"),
		EventCount:    cast.ToInt(attr(article, "event-count")),
		ContinuedFrom: attr(article, "continued-from"),
	}
	s.StartedAt = parseTime(attr(article, "started-at"))
	s.LastActivity = parseTime(attr(article, "last-activity"))
	if v := attr(article, "ended-at"); v != "" {
		t := parseTime(v)
		s.EndedAt = &t
	}
	if h1 := selTitle.MatchFirst(root); h1 != nil {
		s.Title = text(h1)
	}

	for _, a := range selWorkedOn.MatchAll(root) {
		s.WorkedOn = append(s.WorkedOn, strings.TrimSuffix(attr(a, "href"), Extension))
	}

	// The activity section is stored most-recent-first; the in-memory
	// log is append order, so reverse while reading.
	items := selActivity.MatchAll(root)
	for i := len(items) - 1; i >= 0; i-- {
		li := items[i]
		e := model.ActivityEntry{
			ID:        attr(li, "event-id"),
			Timestamp: parseTime(attr(li, "timestamp")),
			Tool:      attr(li, "tool"),
			Summary:   text(li),
			Success:   cast.ToBool(attr(li, "success")),
			FeatureID: attr(li, "feature"),
			Payload:   attr(li, "payload"),
		}
		if v := attr(li, "drift"); v != "" {
			d := cast.ToFloat64(v)
			e.DriftScore = &d
		}
		s.ActivityLog = append(s.ActivityLog, e)
	}

	return s, nil
}

// ─── Serialization ───────────────────────────────────────────────────────────

// SerializeNode renders a node to its document form. The node must pass
// validation; serialization never writes a record that could not be
// parsed back.
func SerializeNode(n *model.Node) ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	openDocument(&b, n.Title)

	attrs := []kv{{"id", n.ID}}
	if n.Type != "" {
		attrs = append(attrs, kv{"type", n.Type})
	}
	attrs = append(attrs,
		kv{"status", string(n.Status)},
		kv{"priority", string(n.Priority)},
	)
	attrs = appendTimeAttr(attrs, "created", n.Created)
	attrs = appendTimeAttr(attrs, "updated", n.Updated)
	if n.AgentAssigned != "" {
		attrs = append(attrs, kv{"agent-assigned", n.AgentAssigned})
	}
	openTag(&b, "article", attrs...)

	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(n.Title))
	writeProperties(&b, n.Properties)
	writeContent(&b, n.Content)
	writeEdges(&b, n.Edges)
	writeSteps(&b, n.Steps)

	closeDocument(&b)
	return b.Bytes(), nil
}

// SerializeSession renders a session to its document form.
func SerializeSession(s *model.Session) ([]byte, error) {
	if strings.TrimSpace(s.ID) == "" {
		return nil, &model.ValidationError{Field: "id", Reason: "must not be empty"}
	}
	var b bytes.Buffer
	openDocument(&b, s.Title)

	attrs := []kv{{"id", s.ID}, {"kind", kindSession}, {"agent", s.Agent}, {"status", string(s.Status)}}
	if s.IsSubagent {
		attrs = append(attrs, kv{"subagent", "true"})
	}
	attrs = appendTimeAttr(attrs, "started-at", s.StartedAt)
	if s.EndedAt != nil {
		attrs = appendTimeAttr(attrs, "ended-at", *s.EndedAt)
	}
	attrs = appendTimeAttr(attrs, "last-activity", s.LastActivity)
	if s.StartCommit != "" {
		attrs = append(attrs, kv{"start-commit", s.StartCommit})
	}
	attrs = append(attrs, kv{"event-count", strconv.Itoa(s.EventCount)})
	if s.ContinuedFrom != "" {
		attrs = append(attrs, kv{"continued-from", s.ContinuedFrom})
	}
	openTag(&b, "article", attrs...)

	fmt.Fprintf(&b, "<h1>%s</h1>\n", html.EscapeString(s.Title))

	if len(s.WorkedOn) > 0 {
		b.WriteString("<ul class=\"worked-on\">\n")
		for _, id := range s.WorkedOn {
			fmt.Fprintf(&b, "<li><a href=\"%s\">%s</a></li>\n", html.EscapeString(Filename(id)), html.EscapeString(id))
		}
		b.WriteString("</ul>\n")
	}

	if len(s.ActivityLog) > 0 {
		b.WriteString("<section class=\"activity\">\n<ol reversed>\n")
		// Most-recent-first on disk.
		for i := len(s.ActivityLog) - 1; i >= 0; i-- {
			writeActivity(&b, s.ActivityLog[i])
		}
		b.WriteString("</ol>\n</section>\n")
	}

	closeDocument(&b)
	return b.Bytes(), nil
}

func writeActivity(b *bytes.Buffer, e model.ActivityEntry) {
	attrs := []kv{}
	if e.ID != "" {
		attrs = append(attrs, kv{"event-id", e.ID})
	}
	attrs = appendTimeAttr(attrs, "timestamp", e.Timestamp)
	attrs = append(attrs, kv{"tool", e.Tool}, kv{"success", strconv.FormatBool(e.Success)})
	if e.FeatureID != "" {
		attrs = append(attrs, kv{"feature", e.FeatureID})
	}
	if e.DriftScore != nil {
		attrs = append(attrs, kv{"drift", strconv.FormatFloat(*e.DriftScore, 'g', -1, 64)})
	}
	if e.Payload != "" {
		attrs = append(attrs, kv{"payload", e.Payload})
	}
	openInline(b, "li", attrs...)
	b.WriteString(html.EscapeString(e.Summary))
	b.WriteString("</li>\n")
}

func writeProperties(b *bytes.Buffer, props map[string]string) {
	if len(props) == 0 {
		return
	}
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.WriteString("<dl class=\"properties\">\n")
	for _, k := range keys {
		fmt.Fprintf(b, "<dt>%s</dt><dd>%s</dd>\n", html.EscapeString(k), html.EscapeString(props[k]))
	}
	b.WriteString("</dl>\n")
}

func writeContent(b *bytes.Buffer, content string) {
	if content == "" {
		return
	}
	// The leading newline is swallowed by the html parser per spec, so
	// the raw content round-trips exactly.
	fmt.Fprintf(b, "<section class=\"content\"><pre>\n%s</pre></section>\n", html.EscapeString(content))
}

func writeEdges(b *bytes.Buffer, edges map[string][]model.Edge) {
	if len(edges) == 0 {
		return
	}
	rels := make([]string, 0, len(edges))
	for rel := range edges {
		if len(edges[rel]) > 0 {
			rels = append(rels, rel)
		}
	}
	if len(rels) == 0 {
		return
	}
	sort.Strings(rels)
	b.WriteString("<section class=\"edges\">\n")
	for _, rel := range rels {
		fmt.Fprintf(b, "<ul relationship=\"%s\">\n", html.EscapeString(rel))
		for _, e := range edges[rel] {
			attrs := []kv{}
			if e.Since != nil {
				attrs = appendTimeAttr(attrs, "since", *e.Since)
			}
			pkeys := make([]string, 0, len(e.Properties))
			for k := range e.Properties {
				pkeys = append(pkeys, k)
			}
			sort.Strings(pkeys)
			for _, k := range pkeys {
				attrs = append(attrs, kv{"data-" + k, e.Properties[k]})
			}
			openInline(b, "li", attrs...)
			fmt.Fprintf(b, "<a href=\"%s\">%s</a></li>\n", html.EscapeString(Filename(e.TargetID)), html.EscapeString(e.Title))
		}
		b.WriteString("</ul>\n")
	}
	b.WriteString("</section>\n")
}

func writeSteps(b *bytes.Buffer, steps []model.Step) {
	if len(steps) == 0 {
		return
	}
	b.WriteString("<section class=\"steps\">\n<ol>\n")
	for _, s := range steps {
		attrs := []kv{{"completed", strconv.FormatBool(s.Completed)}}
		if s.Agent != "" {
			attrs = append(attrs, kv{"agent", s.Agent})
		}
		if s.Timestamp != nil {
			attrs = appendTimeAttr(attrs, "timestamp", *s.Timestamp)
		}
		openInline(b, "li", attrs...)
		b.WriteString(html.EscapeString(s.Description))
		b.WriteString("</li>\n")
	}
	b.WriteString("</ol>\n</section>\n")
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type kv struct{ key, val string }

func openDocument(b *bytes.Buffer, title string) {
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(b, "<title>%s</title>\n", html.EscapeString(title))
	b.WriteString("</head>\n<body>\n")
}

func closeDocument(b *bytes.Buffer) {
	b.WriteString("</article>\n</body>\n</html>\n")
}

func openTag(b *bytes.Buffer, name string, attrs ...kv) {
	openInline(b, name, attrs...)
	b.WriteString("\n")
}

func openInline(b *bytes.Buffer, name string, attrs ...kv) {
	b.WriteString("<" + name)
	for _, a := range attrs {
		fmt.Fprintf(b, " %s=\"%s\"", a.key, html.EscapeString(a.val))
	}
	b.WriteString(">")
}

func appendTimeAttr(attrs []kv, key string, t time.Time) []kv {
	if t.IsZero() {
		return attrs
	}
	return append(attrs, kv{key, t.UTC().Format(time.RFC3339)})
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func attr(n *xhtml.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func attrDefault(n *xhtml.Node, key, fallback string) string {
	if v := attr(n, key); v != "" {
		return v
	}
	return fallback
}

// text collects the direct text content of a node, skipping child
// elements (an edge li's own text excludes its anchor's text).
func text(n *xhtml.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xhtml.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}
