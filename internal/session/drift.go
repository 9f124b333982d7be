package session

import (
	"time"

	"github.com/knotworklabs/knotwork/internal/config"
	"github.com/knotworklabs/knotwork/internal/model"
)

// Drift indicator names, as reported in DriftReport.Indicators.
const (
	IndicatorStalled    = "stalled"
	IndicatorRepetitive = "repetitive"
	IndicatorHighDrift  = "high_drift"
	IndicatorFailures   = "failures"
)

// DriftReport is the aggregate drift signal for one node within one
// session.
type DriftReport struct {
	SessionID  string
	NodeID     string
	IsDrifting bool
	Score      float64
	Indicators []string
}

// DetectDrift computes the aggregate drift signal from up to four
// independent indicators over the most recent activities attributed to
// the node: a stall since the last activity, a looping tool pattern, a
// high mean per-activity drift score, and a run of failures. Drifting
// means at least two indicators fired; the score is fired/4.
//
// Pure: reads only the session log, the clock value passed in, and the
// thresholds in cfg.
func DetectDrift(s *model.Session, nodeID string, cfg config.Config, now time.Time) DriftReport {
	report := DriftReport{SessionID: s.ID, NodeID: nodeID}

	var attributed []model.ActivityEntry
	for _, e := range s.ActivityLog {
		if e.FeatureID == nodeID {
			attributed = append(attributed, e)
		}
	}
	if len(attributed) == 0 {
		return report
	}
	recent := attributed
	if len(recent) > cfg.RecentWindow {
		recent = recent[len(recent)-cfg.RecentWindow:]
	}

	if now.Sub(attributed[len(attributed)-1].Timestamp) > cfg.StallTimeout {
		report.Indicators = append(report.Indicators, IndicatorStalled)
	}

	toolCounts := map[string]int{}
	repeating := false
	for _, e := range recent {
		toolCounts[e.Tool]++
		if toolCounts[e.Tool] >= cfg.RepeatThreshold {
			repeating = true
		}
	}
	if repeating {
		report.Indicators = append(report.Indicators, IndicatorRepetitive)
	}

	var driftSum float64
	var driftN int
	for _, e := range recent {
		if e.DriftScore != nil {
			driftSum += *e.DriftScore
			driftN++
		}
	}
	if driftN > 0 && driftSum/float64(driftN) > cfg.HighDriftThreshold {
		report.Indicators = append(report.Indicators, IndicatorHighDrift)
	}

	failures := 0
	for _, e := range recent {
		if !e.Success {
			failures++
		}
	}
	if failures >= cfg.FailureThreshold {
		report.Indicators = append(report.Indicators, IndicatorFailures)
	}

	report.IsDrifting = len(report.Indicators) >= 2
	report.Score = float64(len(report.Indicators)) / 4
	return report
}
