// Package matrix reconciles extracted eCRF forms against the protocol's
// procedure rows by fuzzy label matching, producing the ordered SoA matrix
// with per-visit appearance ranks.
package matrix

import (
	"log"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/clindoc/ptdgen/internal/forms"
	"github.com/clindoc/ptdgen/internal/rules"
	"github.com/clindoc/ptdgen/internal/schedule"
)

const unmappedIndex = 9999

// Row is one form projected onto the schedule's visit columns. Ranks holds
// the per-visit ordinal; a visit absent from the map renders blank.
type Row struct {
	Form      forms.Record
	Procedure string // matched procedure name, "Unmapped" when none
	SortIndex int
	Ranks     map[string]int
}

// Reconciler maps form labels onto schedule procedures.
type Reconciler struct {
	rules  rules.MatrixRules
	logger *log.Logger
}

func NewReconciler(r rules.MatrixRules, logger *log.Logger) *Reconciler {
	return &Reconciler{rules: r, logger: logger}
}

// Similarity is a normalized edit-distance ratio in [0,1], symmetric, and
// case-insensitive when so configured.
func (r *Reconciler) Similarity(a, b string) float64 {
	if r.rules.CaseInsensitive {
		a, b = strings.ToLower(a), strings.ToLower(b)
	}
	maxLen := utf8.RuneCountInString(a)
	if n := utf8.RuneCountInString(b); n > maxLen {
		maxLen = n
	}
	if maxLen == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(maxLen)
}

type match struct {
	index     int
	procedure string
}

// Build orders the extracted forms by their fuzzy-matched procedure position
// and assigns per-visit sequential ranks. Forms whose best similarity falls
// below the threshold are logged and dropped, unless unmapped forms are
// configured to be kept, in which case they sort last.
func (r *Reconciler) Build(formRecs []forms.Record, sched *schedule.Schedule) []Row {
	// Best match per distinct label; ties keep the earliest procedure.
	matches := make(map[string]match)
	var unmapped []string
	for _, f := range formRecs {
		if _, done := matches[f.Label]; done {
			continue
		}
		best := match{index: -1}
		bestScore := 0.0
		for idx, proc := range sched.Procedures {
			score := r.Similarity(proc, f.Label)
			if score >= r.rules.FuzzyThreshold && score > bestScore {
				bestScore = score
				best = match{index: idx, procedure: proc}
			}
		}
		if best.index < 0 {
			unmapped = append(unmapped, f.Label)
			best = match{index: unmappedIndex, procedure: "Unmapped"}
		}
		matches[f.Label] = best
	}
	if len(unmapped) > 0 {
		r.logger.Printf("unmapped forms: %v", unmapped)
	}

	rows := make([]Row, 0, len(formRecs))
	for _, f := range formRecs {
		m := matches[f.Label]
		if m.index == unmappedIndex && !r.rules.IncludeUnmapped {
			continue
		}
		rows = append(rows, Row{Form: f, Procedure: m.procedure, SortIndex: m.index})
	}

	// Stable sort keeps original extraction order within a procedure.
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].SortIndex < rows[j].SortIndex
	})

	for _, visit := range sched.Visits {
		counter := 1
		for i := range rows {
			if containsVisit(rows[i].Form.Visits, visit) {
				if rows[i].Ranks == nil {
					rows[i].Ranks = make(map[string]int)
				}
				rows[i].Ranks[visit] = counter
				counter++
			}
		}
	}
	return rows
}

func containsVisit(visits []string, visit string) bool {
	for _, v := range visits {
		if v == visit {
			return true
		}
	}
	return false
}
