package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/jkaninda/kaliagents/internal/domain"
	"github.com/jkaninda/kaliagents/internal/learning"
	"github.com/jkaninda/kaliagents/internal/storage"
)

// --- Learning ---

func toLearningModel(key learning.Key, rec learning.Record) LearningRecordModel {
	return LearningRecordModel{
		Domain:        key.Domain,
		ToolID:        key.ToolID,
		TargetState:   key.TargetState,
		Invocations:   rec.Invocations,
		Successes:     rec.Successes,
		Failures:      rec.Failures,
		Effectiveness: rec.Effectiveness,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func toLearningDomain(m *LearningRecordModel) learning.Record {
	return learning.Record{
		Key:           learning.Key{Domain: m.Domain, ToolID: m.ToolID, TargetState: m.TargetState},
		Invocations:   m.Invocations,
		Successes:     m.Successes,
		Failures:      m.Failures,
		Effectiveness: m.Effectiveness,
		UpdatedAt:     m.UpdatedAt,
	}
}

// --- Reports ---

func toReportModel(fs *domain.FindingSet) (ReportModel, error) {
	payload, err := json.Marshal(fs)
	if err != nil {
		return ReportModel{}, fmt.Errorf("encoding report: %w", err)
	}
	scope, _ := json.Marshal(nonNil(fs.Request.Scope))
	objectives, _ := json.Marshal(nonNil(fs.Request.Objectives))
	m := ReportModel{
		ID:          fs.AssessmentID,
		Status:      string(fs.Status),
		AbortReason: fs.AbortReason,
		Scope:       JSONB(scope),
		Objectives:  JSONB(objectives),
		Findings:    len(fs.Findings),
		Payload:     JSONB(payload),
		StartedAt:   fs.StartedAt,
		FinishedAt:  fs.FinishedAt,
	}
	for _, f := range fs.Findings {
		m.MaxPriority = max(m.MaxPriority, f.Priority)
	}
	return m, nil
}

func toReportDomain(m *ReportModel) (*domain.FindingSet, error) {
	var fs domain.FindingSet
	if err := json.Unmarshal(m.Payload, &fs); err != nil {
		return nil, fmt.Errorf("decoding report %s: %w", m.ID, err)
	}
	return &fs, nil
}

func toReportSummary(m *ReportModel) storage.ReportSummary {
	s := storage.ReportSummary{
		AssessmentID: m.ID,
		Status:       domain.SessionStatus(m.Status),
		AbortReason:  m.AbortReason,
		Findings:     m.Findings,
		MaxPriority:  m.MaxPriority,
		StartedAt:    m.StartedAt,
		FinishedAt:   m.FinishedAt,
	}
	_ = json.Unmarshal(m.Scope, &s.Scope)
	_ = json.Unmarshal(m.Objectives, &s.Objectives)
	return s
}

// reportTargets returns the distinct targets a report covered: its scope
// and every finding target.
func reportTargets(fs *domain.FindingSet) []ReportTargetModel {
	seen := make(map[string]bool)
	var out []ReportTargetModel
	add := func(t string) {
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		out = append(out, ReportTargetModel{ReportID: fs.AssessmentID, Target: t})
	}
	for _, t := range fs.Request.Scope {
		add(t)
	}
	for _, f := range fs.Findings {
		add(f.Target)
	}
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
