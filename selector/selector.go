// Package selector resolves element targets against a device UI snapshot.
package selector

import (
	"sort"
	"strings"

	"github.com/micromdm/nanoflow/agent"
	"github.com/micromdm/nanoflow/flow"
)

// IconConfidenceThreshold is the minimum confidence of an icon template match.
const IconConfidenceThreshold = 0.8

// Strategy names an element resolution strategy.
type Strategy string

const (
	StrategyNone        Strategy = "none"
	StrategyID          Strategy = "id"
	StrategyText        Strategy = "text"
	StrategyDescription Strategy = "description"
	StrategyIcon        Strategy = "icon"
	StrategyCoords      Strategy = "coords"
)

// autoOrder is the fixed strategy order of the auto priority.
var autoOrder = []Strategy{StrategyID, StrategyText, StrategyDescription, StrategyIcon, StrategyCoords}

// Attempt records one strategy tried during resolution.
type Attempt struct {
	Strategy   Strategy `json:"strategy"`
	Candidates int      `json:"candidates"`
}

// Resolution is the outcome of resolving a target.
// Element is nil when the target could not be resolved.
type Resolution struct {
	Strategy Strategy       `json:"strategy"`
	Element  *agent.Element `json:"element,omitempty"`
	// Candidates counts every snapshot match of Strategy, not only the
	// best ranked ones. It is zero for a coordinate target.
	Candidates int       `json:"candidates"`
	Attempts   []Attempt `json:"attempts,omitempty"`

	// Synthetic is set when Element was built from the target
	// coordinates rather than matched on screen.
	Synthetic bool `json:"synthetic,omitempty"`

	// Point is the tap point of the resolved element.
	X int `json:"x"`
	Y int `json:"y"`
}

// Found reports whether the target resolved to a point to act on.
func (r *Resolution) Found() bool {
	return r != nil && r.Element != nil
}

// Present reports whether an on-screen match was found.
// A coordinate fallback is Found but not Present.
func (r *Resolution) Present() bool {
	return r.Found() && !r.Synthetic
}

// Target returns the command target for the resolved element.
func (r *Resolution) Target() *agent.Target {
	if !r.Found() {
		return nil
	}
	b := r.Element.Bounds
	return &agent.Target{X: r.X, Y: r.Y, Bounds: &b, Element: r.Element}
}

type candidate struct {
	el *agent.Element
	// rank orders candidates within a strategy, lower is better.
	rank float64
	doc  int
}

// Resolve locates t in snap using priority p.
// An explicit priority tries only its own strategy. The auto priority tries
// each strategy whose criterion is present on t, in fixed order, and the
// first producing a candidate wins. Resolve has no side effects and is
// deterministic for the same inputs.
func Resolve(t *flow.Target, p flow.Priority, snap *agent.Snapshot) *Resolution {
	if snap == nil {
		snap = &agent.Snapshot{}
	}
	var order []Strategy
	switch p {
	case flow.PriorityID:
		order = []Strategy{StrategyID}
	case flow.PriorityText:
		order = []Strategy{StrategyText}
	case flow.PriorityIcon:
		order = []Strategy{StrategyIcon}
	case flow.PriorityCoords:
		order = []Strategy{StrategyCoords}
	default:
		order = autoOrder
	}

	r := &Resolution{Strategy: StrategyNone}
	for _, s := range order {
		if !hasCriterion(t, s) {
			continue
		}
		cands := candidates(t, s, snap)
		r.Attempts = append(r.Attempts, Attempt{Strategy: s, Candidates: len(cands)})
		if len(cands) < 1 {
			continue
		}
		best := pick(bestRanked(cands))
		r.Strategy = s
		r.Element = best.el
		r.Candidates = len(cands)
		if s == StrategyCoords {
			r.Synthetic = true
			r.Candidates = 0
			r.X, r.Y, _ = t.Coordinates()
		} else {
			r.X, r.Y = best.el.Bounds.Center()
		}
		return r
	}
	return r
}

func hasCriterion(t *flow.Target, s Strategy) bool {
	switch s {
	case StrategyID:
		return t.ResourceID != ""
	case StrategyText:
		return t.Text != ""
	case StrategyDescription:
		return t.ContentDescription != ""
	case StrategyIcon:
		return t.IconTemplate != ""
	case StrategyCoords:
		_, _, ok := t.Coordinates()
		return ok
	}
	return false
}

// textRank matches have against want. Exact matches rank 0 and substring
// matches (only with fuzzy) rank 1.
func textRank(have, want string, fuzzy, ignoreCase bool) (float64, bool) {
	if ignoreCase {
		have, want = strings.ToLower(have), strings.ToLower(want)
	}
	if have == want {
		return 0, true
	}
	if fuzzy && have != "" && strings.Contains(have, want) {
		return 1, true
	}
	return 0, false
}

// filtered reports whether el is excluded by the className and packageName filters.
func filtered(t *flow.Target, el *agent.Element) bool {
	if t.ClassName != "" && el.ClassName != t.ClassName {
		return true
	}
	if t.PackageName != "" && el.PackageName != t.PackageName {
		return true
	}
	return false
}

func candidates(t *flow.Target, s Strategy, snap *agent.Snapshot) []candidate {
	var cands []candidate
	switch s {
	case StrategyIcon:
		for i := range snap.Templates {
			m := &snap.Templates[i]
			if m.Template != t.IconTemplate || m.Confidence < IconConfidenceThreshold {
				continue
			}
			el := &agent.Element{Index: -1, Bounds: m.Bounds, Visible: true}
			cands = append(cands, candidate{el: el, rank: -m.Confidence, doc: i})
		}
	case StrategyCoords:
		x, y, _ := t.Coordinates()
		b := flow.Bounds{Left: x, Top: y, Right: x + 1, Bottom: y + 1}
		if t.Bounds != nil && !t.Bounds.Empty() {
			b = *t.Bounds
		}
		cands = append(cands, candidate{el: &agent.Element{Index: -1, Bounds: b, Visible: true}})
	default:
		for i := range snap.Elements {
			el := &snap.Elements[i]
			if filtered(t, el) {
				continue
			}
			var rank float64
			var ok bool
			switch s {
			case StrategyID:
				ok = el.ResourceID == t.ResourceID
			case StrategyText:
				rank, ok = textRank(el.Text, t.Text, t.FuzzyMatch, t.IgnoreCase)
			case StrategyDescription:
				rank, ok = textRank(el.ContentDescription, t.ContentDescription, t.FuzzyMatch, t.IgnoreCase)
			}
			if ok {
				cands = append(cands, candidate{el: el, rank: rank, doc: i})
			}
		}
	}
	return cands
}

// bestRanked returns the candidates sharing the best rank.
func bestRanked(cands []candidate) []candidate {
	best := cands[0].rank
	for _, c := range cands[1:] {
		if c.rank < best {
			best = c.rank
		}
	}
	var ret []candidate
	for _, c := range cands {
		if c.rank == best {
			ret = append(ret, c)
		}
	}
	return ret
}

// pick breaks ties among equally ranked candidates: visible first,
// then the smallest index, then document order.
func pick(cands []candidate) candidate {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.el.Visible != b.el.Visible {
			return a.el.Visible
		}
		if a.el.Index != b.el.Index {
			return a.el.Index < b.el.Index
		}
		return a.doc < b.doc
	})
	return cands[0]
}
