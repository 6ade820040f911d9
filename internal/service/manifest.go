package service

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"waveforge/internal/types"
)

// atomNamespace makes human-readable atom names stable UUIDs, so manifests
// can use either form and reloading the same manifest maps to the same ids.
var atomNamespace = uuid.MustParse("6f1c24b0-9f6e-4c0a-8f0d-0b6a3d7a9e42")

// Manifest is the operator-authored input: a masterplan's atoms, dependency
// edges, and acceptance tests, in YAML.
type Manifest struct {
	MasterplanID string         `yaml:"masterplan_id"`
	Atoms        []ManifestAtom `yaml:"atoms"`
	Edges        []ManifestEdge `yaml:"edges"`
	Tests        []ManifestTest `yaml:"tests"`
}

// ManifestAtom is the YAML shape of one atom.
type ManifestAtom struct {
	ID            string   `yaml:"id"`
	TaskID        string   `yaml:"task_id"`
	Parent        string   `yaml:"parent"`
	Complexity    string   `yaml:"complexity"`
	EstimatedCost float64  `yaml:"estimated_cost_usd"`
	TargetFiles   []string `yaml:"target_files"`
	Acceptance    []string `yaml:"acceptance"`
	Prompt        string   `yaml:"prompt"`
}

// ManifestEdge is the YAML shape of one dependency edge.
type ManifestEdge struct {
	From       string  `yaml:"from"`
	To         string  `yaml:"to"`
	Kind       string  `yaml:"kind"`
	Weight     float64 `yaml:"weight"`
	Confidence float64 `yaml:"confidence"`
}

// ManifestTest is the YAML shape of one acceptance test.
type ManifestTest struct {
	ID             string `yaml:"id"`
	Requirement    string `yaml:"requirement"`
	Priority       string `yaml:"priority"`
	Language       string `yaml:"language"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Code           string `yaml:"code"`
}

// LoadManifest reads and resolves a manifest file into engine types.
func LoadManifest(path string) (string, []types.Atom, []types.Edge, []types.AcceptanceTest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, nil, nil, types.WrapError(types.KindInvalidInput, err, "read manifest %s", path)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return "", nil, nil, nil, types.WrapError(types.KindInvalidInput, err, "parse manifest %s", path)
	}
	return resolveManifest(m)
}

func resolveManifest(m Manifest) (string, []types.Atom, []types.Edge, []types.AcceptanceTest, error) {
	if m.MasterplanID == "" {
		return "", nil, nil, nil, types.NewError(types.KindInvalidInput, "manifest missing masterplan_id")
	}
	if len(m.Atoms) == 0 {
		return "", nil, nil, nil, types.NewError(types.KindInvalidInput, "manifest has no atoms")
	}

	ids := make(map[string]types.AtomID, len(m.Atoms))
	atoms := make([]types.Atom, 0, len(m.Atoms))
	for i, ma := range m.Atoms {
		if ma.ID == "" {
			return "", nil, nil, nil, types.NewError(types.KindInvalidInput, "atom %d missing id", i)
		}
		if _, dup := ids[ma.ID]; dup {
			return "", nil, nil, nil, types.NewError(types.KindInvalidInput, "duplicate atom id %q", ma.ID)
		}
		id := atomID(ma.ID)
		ids[ma.ID] = id

		cx, err := parseComplexity(ma.Complexity)
		if err != nil {
			return "", nil, nil, nil, err
		}
		a := types.Atom{
			ID:             id,
			MasterplanID:   m.MasterplanID,
			TaskID:         ma.TaskID,
			Complexity:     cx,
			EstimatedCost:  ma.EstimatedCost,
			TargetFiles:    ma.TargetFiles,
			AcceptanceRefs: ma.Acceptance,
			Prompt:         ma.Prompt,
			Status:         types.StatusPending,
		}
		if ma.Parent != "" {
			pid := atomID(ma.Parent)
			a.ParentAtomID = &pid
		}
		atoms = append(atoms, a)
	}

	edges := make([]types.Edge, 0, len(m.Edges))
	for i, me := range m.Edges {
		src, ok := ids[me.From]
		if !ok {
			return "", nil, nil, nil, types.NewError(types.KindInvalidInput, "edge %d: unknown atom %q", i, me.From)
		}
		dst, ok := ids[me.To]
		if !ok {
			return "", nil, nil, nil, types.NewError(types.KindInvalidInput, "edge %d: unknown atom %q", i, me.To)
		}
		e := types.Edge{Src: src, Dst: dst, Kind: types.EdgeKind(me.Kind), Weight: me.Weight, Confidence: me.Confidence}
		if e.Kind == "" {
			e.Kind = types.EdgeImport
		}
		if e.Weight == 0 {
			e.Weight = 1
		}
		if e.Confidence == 0 {
			e.Confidence = 1
		}
		edges = append(edges, e)
	}

	tests := make([]types.AcceptanceTest, 0, len(m.Tests))
	for i, mt := range m.Tests {
		if mt.ID == "" {
			mt.ID = fmt.Sprintf("%s-test-%d", m.MasterplanID, i)
		}
		prio := types.TestPriority(mt.Priority)
		if prio == "" {
			prio = types.PriorityShould
		}
		if prio != types.PriorityMust && prio != types.PriorityShould {
			return "", nil, nil, nil, types.NewError(types.KindInvalidInput, "test %q: bad priority %q", mt.ID, mt.Priority)
		}
		lang := types.TestLanguage(mt.Language)
		switch lang {
		case types.LangPytest, types.LangJest, types.LangVitest:
		default:
			return "", nil, nil, nil, types.NewError(types.KindInvalidInput, "test %q: bad language %q", mt.ID, mt.Language)
		}
		if mt.TimeoutSeconds <= 0 {
			mt.TimeoutSeconds = 60
		}
		tests = append(tests, types.AcceptanceTest{
			ID:             mt.ID,
			MasterplanID:   m.MasterplanID,
			Requirement:    mt.Requirement,
			Priority:       prio,
			Language:       lang,
			TimeoutSeconds: mt.TimeoutSeconds,
			Code:           mt.Code,
		})
	}

	return m.MasterplanID, atoms, edges, tests, nil
}

// atomID accepts a literal UUID or derives a stable one from the name.
func atomID(s string) types.AtomID {
	if id, err := uuid.Parse(s); err == nil {
		return id
	}
	return uuid.NewSHA1(atomNamespace, []byte(s))
}

func parseComplexity(s string) (types.Complexity, error) {
	switch types.Complexity(s) {
	case types.ComplexityLow, types.ComplexityMedium, types.ComplexityHigh, types.ComplexityCritical:
		return types.Complexity(s), nil
	case "":
		return types.ComplexityMedium, nil
	default:
		return "", types.NewError(types.KindInvalidInput, "unknown complexity %q", s)
	}
}
