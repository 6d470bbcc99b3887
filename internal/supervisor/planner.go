package supervisor

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/domain"
)

// Objective maps an objective tag to the worker domain that serves it and
// the more specific objectives scheduled when it surfaces a high-priority
// finding.
type Objective struct {
	Tag       string   `json:"tag"`
	Domain    string   `json:"domain"`
	FollowUps []string `json:"follow_ups,omitempty"`
}

// Built-in objective tags.
const (
	ObjectiveNetworkRecon       = "network-recon"
	ObjectiveNetworkServiceEnum = "network-service-enum"
	ObjectiveWebEnum            = "web-enum"
	ObjectiveWebContentEnum     = "web-content-enum"
	ObjectiveVulnScan           = "vuln-scan"
	ObjectiveOSINTRecon         = "osint-recon"
	ObjectiveExposureLookup     = "exposure-lookup"
	ObjectiveForensicAnalysis   = "forensic-analysis"
	ObjectiveArtifactRecovery   = "artifact-recovery"
)

// BuiltinObjectives returns the default objective catalog.
func BuiltinObjectives() []Objective {
	return []Objective{
		{Tag: ObjectiveNetworkRecon, Domain: capability.DomainNetwork, FollowUps: []string{ObjectiveNetworkServiceEnum}},
		{Tag: ObjectiveNetworkServiceEnum, Domain: capability.DomainNetwork},
		{Tag: ObjectiveWebEnum, Domain: capability.DomainWeb, FollowUps: []string{ObjectiveWebContentEnum, ObjectiveVulnScan}},
		{Tag: ObjectiveWebContentEnum, Domain: capability.DomainWeb},
		{Tag: ObjectiveVulnScan, Domain: capability.DomainVulnerability},
		{Tag: ObjectiveOSINTRecon, Domain: capability.DomainSocial, FollowUps: []string{ObjectiveExposureLookup}},
		{Tag: ObjectiveExposureLookup, Domain: capability.DomainSocial},
		{Tag: ObjectiveForensicAnalysis, Domain: capability.DomainForensic, FollowUps: []string{ObjectiveArtifactRecovery}},
		{Tag: ObjectiveArtifactRecovery, Domain: capability.DomainForensic},
	}
}

// keyword rules resolve free-form objective tags the catalog does not know.
// Rules are checked in order; the first match wins.
var keywordRules = []struct {
	keywords   []string
	objectives []string
}{
	{[]string{"pentest", "penetration test"}, []string{ObjectiveNetworkRecon, ObjectiveWebEnum, ObjectiveVulnScan}},
	{[]string{"scan", "recon"}, []string{ObjectiveNetworkRecon}},
	{[]string{"web"}, []string{ObjectiveWebEnum}},
	{[]string{"osint", "social"}, []string{ObjectiveOSINTRecon}},
	{[]string{"forensic", "memory", "pcap"}, []string{ObjectiveForensicAnalysis}},
}

// Planner turns objective tags into tasks.
type Planner struct {
	objectives map[string]Objective
}

// NewPlanner creates a planner over the built-in catalog. extra entries are
// added, replacing built-ins with the same tag.
func NewPlanner(extra ...Objective) *Planner {
	p := &Planner{objectives: make(map[string]Objective)}
	for _, o := range BuiltinObjectives() {
		p.objectives[o.Tag] = o
	}
	for _, o := range extra {
		p.objectives[o.Tag] = o
	}
	return p
}

// Objectives returns the catalog sorted by tag.
func (p *Planner) Objectives() []Objective {
	out := make([]Objective, 0, len(p.objectives))
	for _, o := range p.objectives {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Lookup returns the catalog entry for tag.
func (p *Planner) Lookup(tag string) (Objective, bool) {
	o, ok := p.objectives[tag]
	return o, ok
}

// Resolve maps a tag to catalog objectives, falling back to keyword rules.
func (p *Planner) Resolve(tag string) ([]Objective, error) {
	if o, ok := p.objectives[tag]; ok {
		return []Objective{o}, nil
	}
	lower := strings.ToLower(tag)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if !strings.Contains(lower, kw) {
				continue
			}
			out := make([]Objective, 0, len(rule.objectives))
			for _, t := range rule.objectives {
				if o, ok := p.objectives[t]; ok {
					out = append(out, o)
				}
			}
			if len(out) > 0 {
				return out, nil
			}
		}
	}
	return nil, &UnknownObjectiveError{Tag: tag}
}

// Plan builds one pending task per (objective, scope entity), in request
// order. Duplicate pairs are planned once.
func (p *Planner) Plan(req domain.AssessmentRequest, maxAttempts int, now time.Time) ([]*domain.Task, error) {
	var objectives []Objective
	for _, tag := range req.Objectives {
		resolved, err := p.Resolve(tag)
		if err != nil {
			return nil, err
		}
		objectives = append(objectives, resolved...)
	}

	seen := make(map[string]bool)
	var tasks []*domain.Task
	for _, o := range objectives {
		for _, target := range req.Scope {
			key := o.Tag + "|" + target
			if seen[key] {
				continue
			}
			seen[key] = true
			tasks = append(tasks, newTask(req.ID, o, target, nil, 0, maxAttempts, now))
		}
	}
	return tasks, nil
}

// FollowUps returns the follow-up tasks of parent's objective.
func (p *Planner) FollowUps(parent *domain.Task, maxAttempts int, now time.Time) []*domain.Task {
	o, ok := p.objectives[parent.Objective]
	if !ok {
		return nil
	}
	var out []*domain.Task
	for _, tag := range o.FollowUps {
		next, ok := p.objectives[tag]
		if !ok {
			continue
		}
		id := parent.ID
		out = append(out, newTask(parent.AssessmentID, next, parent.Target, &id, parent.Depth+1, maxAttempts, now))
	}
	return out
}

func newTask(assessment uuid.UUID, o Objective, target string, parent *uuid.UUID, depth, maxAttempts int, now time.Time) *domain.Task {
	return &domain.Task{
		ID:           uuid.New(),
		AssessmentID: assessment,
		ParentID:     parent,
		Domain:       o.Domain,
		Objective:    o.Tag,
		Target:       target,
		TargetState:  domain.ClassifyTarget(target),
		State:        domain.TaskPending,
		MaxAttempts:  maxAttempts,
		Depth:        depth,
		CreatedAt:    now,
	}
}
