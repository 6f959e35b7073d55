// Package conflict compares concurrent change requests that touch the same
// ontology element and builds merge proposals for them.
package conflict

import (
	"encoding/json"
	"errors"
	"reflect"
	"sort"
	"time"

	"ontoserve/api/internal/store"
)

var ErrIncompleteMerge = errors.New("merge resolution does not cover all conflicting fields")

// Conflict describes one element edited by two pending requests at once.
// Fields lists only the properties where the two sides genuinely diverge.
type Conflict struct {
	ID           string         `json:"id"`
	OntologyID   string         `json:"ontologyId"`
	ElementID    string         `json:"elementId"`
	RequestID    string         `json:"requestId"`
	OtherID      string         `json:"otherRequestId"`
	OtherActorID string         `json:"otherActorId"`
	Fields       []string       `json:"fields"`
	Mine         map[string]any `json:"mine"`
	Theirs       map[string]any `json:"theirs"`
	Base         map[string]any `json:"base"`
	DetectedAt   time.Time      `json:"detectedAt"`
}

// Resolution is the caller's answer to a conflict: a value per conflicting
// field, each taken from either side or hand merged.
type Resolution struct {
	ConflictID string         `json:"conflictId"`
	ResolvedBy string         `json:"resolvedBy"`
	Fields     map[string]any `json:"fields"`
}

// Detect diffs req against each pending request in others and returns one
// conflict per request pair whose proposed changes overlap on at least one
// field with structurally different values. Identical proposals for a field
// do not conflict.
func Detect(req *store.ChangeRequest, others []store.ChangeRequest, newID func() string) []Conflict {
	var conflicts []Conflict
	for i := range others {
		other := &others[i]
		if other.ID == req.ID {
			continue
		}
		fields := divergentFields(req.ProposedChanges, other.ProposedChanges)
		// Competing deletes of the same element always collide, even with
		// no field overlap to point at.
		if len(fields) == 0 && req.ChangeType != store.ChangeDelete && other.ChangeType != store.ChangeDelete {
			continue
		}
		conflicts = append(conflicts, Conflict{
			ID:           newID(),
			OntologyID:   req.OntologyID,
			ElementID:    req.TargetElementID,
			RequestID:    req.ID,
			OtherID:      other.ID,
			OtherActorID: other.RequesterID,
			Fields:       fields,
			Mine:         pick(req.ProposedChanges, fields),
			Theirs:       pick(other.ProposedChanges, fields),
			Base:         pick(req.BaseState, fields),
			DetectedAt:   time.Now().UTC(),
		})
	}
	return conflicts
}

// Merge applies a resolution to the conflict's owning request and returns the
// merged proposed changes. Every conflicting field must be covered or the
// merge is rejected as incomplete. Non-conflicting fields carry forward from
// whichever side changed them: mine wins where both sides proposed the same
// value, theirs survives where only the other request touched the field.
func Merge(c *Conflict, mine, theirs map[string]any, res *Resolution) (map[string]any, error) {
	for _, f := range c.Fields {
		if _, ok := res.Fields[f]; !ok {
			return nil, ErrIncompleteMerge
		}
	}
	merged := make(map[string]any, len(mine)+len(theirs))
	for k, v := range theirs {
		merged[k] = v
	}
	for k, v := range mine {
		merged[k] = v
	}
	for k, v := range res.Fields {
		merged[k] = v
	}
	return merged, nil
}

// divergentFields returns the sorted field names present in both maps with
// structurally unequal values.
func divergentFields(mine, theirs map[string]any) []string {
	var fields []string
	for k, mv := range mine {
		tv, ok := theirs[k]
		if !ok {
			continue
		}
		if !structurallyEqual(mv, tv) {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}

// structurallyEqual compares two values after a JSON round trip so that
// equivalent documents compare equal regardless of Go type (int vs float64,
// typed slices vs []any).
func structurallyEqual(a, b any) bool {
	na, err := normalize(a)
	if err != nil {
		return false
	}
	nb, err := normalize(b)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(na, nb)
}

func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func pick(src map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := src[f]; ok {
			out[f] = v
		}
	}
	return out
}
