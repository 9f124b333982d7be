// Package session owns the session lifecycle, activity attribution, and
// drift detection over a graph store.
package session

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/knotworklabs/knotwork/internal/config"
	"github.com/knotworklabs/knotwork/internal/model"
)

// Activity is the observable slice of one action: what tool ran, what
// it said, and which files it touched.
type Activity struct {
	Tool      string
	Summary   string
	FilePaths []string
}

// ScoredNode is one candidate with its attribution score and the
// per-factor reasons behind it.
type ScoredNode struct {
	Node    *model.Node
	Score   float64
	Reasons []string
}

// typeWeights ranks node types for the type-priority factor: urgent
// work (bugs, hotfixes) outranks feature work, umbrella epics sit last.
var typeWeights = map[string]float64{
	"bug":      1.0,
	"hotfix":   1.0,
	"fix":      0.9,
	"feature":  0.7,
	"task":     0.6,
	"refactor": 0.5,
	"chore":    0.4,
	"epic":     0.2,
}

const defaultTypeWeight = 0.5

// stopWords are excluded from keyword extraction.
var stopWords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true,
	"will": true, "when": true, "where": true, "what": true, "then": true,
	"them": true, "they": true, "their": true, "there": true, "which": true,
	"would": true, "could": true, "should": true, "about": true, "into": true,
	"been": true, "were": true, "your": true, "some": true, "also": true,
	"more": true, "than": true, "only": true, "over": true, "such": true,
	"very": true, "just": true, "like": true, "each": true, "other": true,
	"after": true, "before": true, "because": true, "while": true,
}

// ScoreActivity ranks the candidate nodes by how likely the activity
// serves them. It is pure and stateless: no store, no session, just
// (activity, candidates, weights) in and a ranked list with reasons
// out.
//
// Ties keep the candidates' given order (the manager passes candidates
// sorted by id, so equal scores resolve to the lexically smallest id).
func ScoreActivity(act Activity, candidates []*model.Node, w config.Weights) []ScoredNode {
	out := make([]ScoredNode, 0, len(candidates))
	for _, n := range candidates {
		out = append(out, scoreOne(act, n, w))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// DriftScore converts an attribution score into a drift score: a
// confident match yields low drift.
func DriftScore(score float64) float64 {
	if score > 1 {
		score = 1
	}
	return 1 - score
}

func scoreOne(act Activity, n *model.Node, w config.Weights) ScoredNode {
	var reasons []string

	fileRatio := fileMatchRatio(n.FilePatterns(), act.FilePaths)
	if fileRatio > 0 {
		reasons = append(reasons, fmt.Sprintf("file-match %.2f", fileRatio))
	}

	kwRatio, hits, total := keywordOverlap(n, act)
	if kwRatio > 0 {
		reasons = append(reasons, fmt.Sprintf("keywords %d/%d", hits, total))
	}

	typeWeight, ok := typeWeights[strings.ToLower(n.Type)]
	if !ok {
		typeWeight = defaultTypeWeight
	}
	reasons = append(reasons, fmt.Sprintf("type %s %.1f", orUnknown(n.Type), typeWeight))

	primary := 0.0
	if n.IsPrimary() {
		primary = 1
		reasons = append(reasons, "primary")
	}
	status := 0.0
	if n.Status == model.StatusInProgress {
		status = 1
		reasons = append(reasons, "in-progress")
	}

	score := w.FileMatch*fileRatio +
		w.KeywordOverlap*kwRatio +
		w.TypePriority*typeWeight +
		w.PrimaryBonus*primary +
		w.StatusBonus*status

	return ScoredNode{Node: n, Score: score, Reasons: reasons}
}

// fileMatchRatio is the fraction of touched paths matching any of the
// node's declared glob patterns.
func fileMatchRatio(patterns, paths []string) float64 {
	if len(patterns) == 0 || len(paths) == 0 {
		return 0
	}
	matched := 0
	for _, p := range paths {
		for _, pat := range patterns {
			if globMatch(pat, p) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(paths))
}

// globMatch matches one path against one pattern. path.Match handles
// single-segment globs; a pattern containing ** matches when its fixed
// prefix and suffix both hold; a bare filename pattern also matches the
// path's base name.
func globMatch(pattern, p string) bool {
	if ok, err := path.Match(pattern, p); err == nil && ok {
		return true
	}
	if i := strings.Index(pattern, "**"); i >= 0 {
		prefix, suffix := pattern[:i], pattern[i+2:]
		suffix = strings.TrimPrefix(suffix, "/")
		if !strings.HasPrefix(p, prefix) {
			return false
		}
		if suffix == "" {
			return true
		}
		rest := strings.TrimPrefix(p, prefix)
		if ok, err := path.Match(suffix, path.Base(rest)); err == nil && ok {
			return true
		}
		return strings.HasSuffix(rest, suffix)
	}
	if !strings.Contains(pattern, "/") {
		if ok, err := path.Match(pattern, path.Base(p)); err == nil && ok {
			return true
		}
	}
	return false
}

// keywordOverlap is the fraction of the node's keywords also present in
// the activity's summary and touched paths.
func keywordOverlap(n *model.Node, act Activity) (ratio float64, hits, total int) {
	keywords := extractKeywords(n.Title + " " + n.Content)
	if len(keywords) == 0 {
		return 0, 0, 0
	}
	haystack := strings.ToLower(act.Summary + " " + strings.Join(act.FilePaths, " "))
	for _, kw := range keywords {
		if strings.Contains(haystack, kw) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords)), hits, len(keywords)
}

// extractKeywords lowercases the text and keeps unique alphanumeric
// tokens of at least four characters that are not stop-words.
func extractKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		if len(f) < 4 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func orUnknown(s string) string {
	if s == "" {
		return "untyped"
	}
	return s
}
