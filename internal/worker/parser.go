package worker

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/jkaninda/kaliagents/internal/capability"
	"github.com/jkaninda/kaliagents/internal/domain"
)

// Parser converts raw tool output into findings. Task, tool and target
// references, ids and timestamps are filled in by the agent.
type Parser interface {
	Parse(raw []byte) ([]domain.Finding, error)
}

// ParserFunc adapts a function to Parser.
type ParserFunc func(raw []byte) ([]domain.Finding, error)

func (f ParserFunc) Parse(raw []byte) ([]domain.Finding, error) { return f(raw) }

// Parsers selects a parser by output-schema tag.
type Parsers struct {
	mu      sync.RWMutex
	parsers map[string]Parser
}

// NewParsers returns a parser set with the built-in structured parsers.
func NewParsers() *Parsers {
	p := &Parsers{parsers: make(map[string]Parser)}
	p.parsers[capability.SchemaFindingsJSON] = ParserFunc(ParseFindingsJSON)
	p.parsers[capability.SchemaFindingsLines] = ParserFunc(ParseFindingsLines)
	return p
}

// Register adds a parser for tag. Tags are unique.
func (p *Parsers) Register(tag string, parser Parser) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.parsers[tag]; exists {
		return fmt.Errorf("parser for schema %q already registered", tag)
	}
	p.parsers[tag] = parser
	return nil
}

// Get returns the parser for tag.
func (p *Parsers) Get(tag string) (Parser, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	parser, ok := p.parsers[tag]
	return parser, ok
}

// rawFinding is the wire shape of one structured finding. Attributes accept
// either a number in [0,1] or a severity label.
type rawFinding struct {
	Title          string          `json:"title"`
	Kind           string          `json:"kind"`
	Severity       json.RawMessage `json:"severity"`
	Exploitability json.RawMessage `json:"exploitability"`
	AssetValue     json.RawMessage `json:"asset_value"`
	Evidence       map[string]any  `json:"evidence"`
}

var labelScores = map[string]float64{
	"info":     0.1,
	"low":      0.3,
	"medium":   0.5,
	"high":     0.8,
	"critical": 0.95,
}

func attribute(name string, raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if math.IsNaN(f) || f < 0 || f > 1 {
			return 0, fmt.Errorf("%s %v outside [0,1]", name, f)
		}
		return f, nil
	}
	var label string
	if err := json.Unmarshal(raw, &label); err != nil {
		return 0, fmt.Errorf("%s: expected number or label", name)
	}
	score, ok := labelScores[strings.ToLower(strings.TrimSpace(label))]
	if !ok {
		return 0, fmt.Errorf("%s: unknown label %q", name, label)
	}
	return score, nil
}

func (r rawFinding) toFinding() (domain.Finding, error) {
	if r.Title == "" && r.Kind == "" {
		return domain.Finding{}, errors.New("finding has neither title nor kind")
	}
	sev, err := attribute("severity", r.Severity)
	if err != nil {
		return domain.Finding{}, err
	}
	expl, err := attribute("exploitability", r.Exploitability)
	if err != nil {
		return domain.Finding{}, err
	}
	asset, err := attribute("asset_value", r.AssetValue)
	if err != nil {
		return domain.Finding{}, err
	}
	title := r.Title
	if title == "" {
		title = r.Kind
	}
	return domain.Finding{
		Title:          title,
		Kind:           r.Kind,
		Severity:       sev,
		Exploitability: expl,
		AssetValue:     asset,
		Evidence:       r.Evidence,
	}, nil
}

// ParseFindingsJSON parses a JSON array of findings or an object with a
// "findings" array. Empty output yields no findings.
func ParseFindingsJSON(raw []byte) ([]domain.Finding, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var items []rawFinding
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("decoding findings array: %w", err)
		}
	} else {
		var envelope struct {
			Findings []rawFinding `json:"findings"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return nil, fmt.Errorf("decoding findings object: %w", err)
		}
		items = envelope.Findings
	}
	out := make([]domain.Finding, 0, len(items))
	for i, item := range items {
		f, err := item.toFinding()
		if err != nil {
			return nil, fmt.Errorf("finding %d: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// ParseFindingsLines parses one JSON finding per line, skipping blank lines.
func ParseFindingsLines(raw []byte) ([]domain.Finding, error) {
	var out []domain.Finding
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), maxOutputBytes)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var item rawFinding
		if err := json.Unmarshal(text, &item); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		f, err := item.toFinding()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, f)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
