// Package impact walks the reference graph around a proposed change and
// estimates its blast radius before the change enters review.
package impact

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"ontoserve/api/internal/store"
)

// Complexity buckets for a migration, derived from breaking change counts
// and the number of projects touched.
const (
	ComplexityLow    = "LOW"
	ComplexityMedium = "MEDIUM"
	ComplexityHigh   = "HIGH"
)

// Graph is the slice of the store the analyzer needs.
type Graph interface {
	GetElement(ctx context.Context, ontologyID, elementID string) (store.Element, error)
	InboundReferences(ctx context.Context, ontologyID, elementID string) ([]store.ElementReference, error)
}

// Thresholds tune complexity classification. Zero values fall back to the
// defaults used in production config.
type Thresholds struct {
	MediumBreaking   int // breaking changes at or above this are MEDIUM
	HighBreaking     int // breaking changes at or above this are HIGH
	HighProjectCount int // affected projects at or above this force high-impact approval
}

func (t Thresholds) withDefaults() Thresholds {
	if t.MediumBreaking == 0 {
		t.MediumBreaking = 1
	}
	if t.HighBreaking == 0 {
		t.HighBreaking = 5
	}
	if t.HighProjectCount == 0 {
		t.HighProjectCount = 3
	}
	return t
}

type Analyzer struct {
	graph      Graph
	thresholds Thresholds
}

func NewAnalyzer(graph Graph, thresholds Thresholds) *Analyzer {
	return &Analyzer{graph: graph, thresholds: thresholds.withDefaults()}
}

// Analyze builds the impact report for a change request by breadth-first
// traversal of inbound references from the target element. ADD changes touch
// nothing yet and report as LOW with an empty radius.
func (a *Analyzer) Analyze(ctx context.Context, req *store.ChangeRequest) (*store.ImpactReport, error) {
	report := &store.ImpactReport{
		AffectedProjects:    []string{},
		BreakingChanges:     []store.BreakingChange{},
		Recommendations:     []string{},
		MigrationComplexity: ComplexityLow,
		GeneratedAt:         time.Now().UTC(),
	}

	if req.ChangeType == store.ChangeAdd {
		report.Recommendations = append(report.Recommendations,
			"New element; verify naming against existing conventions before approval.")
		report.EstimatedMigrationHours = estimateHours(0, 0)
		return report, nil
	}

	affected, direct, err := a.traverse(ctx, req.OntologyID, req.TargetElementID)
	if err != nil {
		return nil, err
	}

	projects := map[string]bool{}
	for _, el := range affected {
		switch el.ElementType {
		case "relation_type":
			report.AffectedRelations++
		default:
			report.AffectedEntities++
		}
		if el.ProjectID != "" {
			projects[el.ProjectID] = true
		}
	}
	for p := range projects {
		report.AffectedProjects = append(report.AffectedProjects, p)
	}
	sort.Strings(report.AffectedProjects)

	report.BreakingChanges = a.breakingChanges(req, direct)
	report.MigrationComplexity = a.classify(len(report.BreakingChanges))
	report.EstimatedMigrationHours = estimateHours(len(affected), len(report.BreakingChanges))
	// Complexity tracks breaking changes only; a wide project footprint
	// escalates the approval requirement without inflating complexity.
	report.RequiresHighImpactApproval = report.MigrationComplexity == ComplexityHigh ||
		len(report.AffectedProjects) >= a.thresholds.HighProjectCount
	report.Recommendations = recommendations(req, report)

	return report, nil
}

// traverse collects every element transitively referencing the target,
// plus the direct inbound references for breaking change analysis.
func (a *Analyzer) traverse(ctx context.Context, ontologyID, targetID string) ([]store.Element, []store.ElementReference, error) {
	seen := map[string]bool{targetID: true}
	queue := []string{targetID}
	var affected []store.Element
	var direct []store.ElementReference

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		refs, err := a.graph.InboundReferences(ctx, ontologyID, current)
		if err != nil {
			return nil, nil, fmt.Errorf("inbound references for %s: %w", current, err)
		}
		if current == targetID {
			direct = refs
		}
		for _, ref := range refs {
			if seen[ref.SourceID] {
				continue
			}
			seen[ref.SourceID] = true
			el, err := a.graph.GetElement(ctx, ontologyID, ref.SourceID)
			if err != nil {
				return nil, nil, fmt.Errorf("load element %s: %w", ref.SourceID, err)
			}
			affected = append(affected, el)
			queue = append(queue, ref.SourceID)
		}
	}
	return affected, direct, nil
}

// breakingChanges flags removals and field-level breakage. A DELETE breaks
// every direct referencer. A MODIFY breaks a referencer when the field it
// depends on is removed or retyped by the proposal.
func (a *Analyzer) breakingChanges(req *store.ChangeRequest, direct []store.ElementReference) []store.BreakingChange {
	var out []store.BreakingChange

	switch req.ChangeType {
	case store.ChangeDelete:
		for _, ref := range direct {
			out = append(out, store.BreakingChange{
				ElementID:     ref.SourceID,
				Reason:        fmt.Sprintf("references deleted element %s via %s", req.TargetElementID, refField(ref)),
				AffectedCount: 1,
			})
		}
	case store.ChangeModify:
		for field, proposed := range req.ProposedChanges {
			base, existed := req.BaseState[field]
			if !existed {
				continue
			}
			removed := proposed == nil
			retyped := !removed && !sameKind(base, proposed)
			if !removed && !retyped {
				continue
			}
			count := 0
			for _, ref := range direct {
				if ref.Field == field {
					count++
				}
			}
			if count == 0 {
				continue
			}
			reason := fmt.Sprintf("field %s is removed", field)
			if retyped {
				reason = fmt.Sprintf("field %s changes type", field)
			}
			out = append(out, store.BreakingChange{
				ElementID:     req.TargetElementID,
				Reason:        reason,
				AffectedCount: count,
			})
		}
	}

	if out == nil {
		out = []store.BreakingChange{}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ElementID != out[j].ElementID {
			return out[i].ElementID < out[j].ElementID
		}
		return out[i].Reason < out[j].Reason
	})
	return out
}

func (a *Analyzer) classify(breaking int) string {
	if breaking >= a.thresholds.HighBreaking {
		return ComplexityHigh
	}
	if breaking >= a.thresholds.MediumBreaking {
		return ComplexityMedium
	}
	return ComplexityLow
}

// estimateHours is a coarse planning figure: a fixed base plus a per-element
// and per-breakage surcharge, rounded up.
func estimateHours(affected, breaking int) int {
	return int(math.Ceil(2 + 0.5*float64(affected) + 2*float64(breaking)))
}

func recommendations(req *store.ChangeRequest, report *store.ImpactReport) []string {
	var recs []string
	if len(report.BreakingChanges) > 0 {
		recs = append(recs, fmt.Sprintf(
			"%d breaking reference(s); plan a migration for dependent elements before applying.",
			len(report.BreakingChanges)))
	}
	if req.ChangeType == store.ChangeDelete && report.AffectedEntities+report.AffectedRelations > 0 {
		recs = append(recs, "Consider deprecating the element first and deleting after references are rewired.")
	}
	if len(report.AffectedProjects) > 1 {
		recs = append(recs, fmt.Sprintf(
			"Change spans %d projects; notify their owners before approval.", len(report.AffectedProjects)))
	}
	if report.RequiresHighImpactApproval {
		recs = append(recs, "High impact change; full chain sign-off is required.")
	}
	if len(recs) == 0 {
		recs = append(recs, "No dependent elements affected; safe to fast-track.")
	}
	return recs
}

func sameKind(a, b any) bool {
	return kindOf(a) == kindOf(b)
}

// kindOf buckets JSON-decoded values into coarse type classes so that 1 and
// 2.5 compare as the same numeric kind.
func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case float64, float32, int, int32, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func refField(ref store.ElementReference) string {
	if ref.Field == "" {
		return "an unnamed reference"
	}
	return ref.Field
}
