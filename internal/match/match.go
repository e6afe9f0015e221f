// Package match routes the unlabeled result sets of one upstream response to
// named destinations.
//
// The upstream stats API does not keep the order, count, or labeling of its
// result sets stable across calls, so positional mapping corrupts data the
// first time the upstream reshuffles. Routing instead applies a layered
// strategy in priority order; each layer claims only the pairings it is
// confident about and removes them from consideration by later layers:
//
//  1. column-signature uniqueness
//  2. content-pattern matching against a grouping-column vocabulary
//  3. well-known row-count shapes
//  4. residual assignment in encounter order, then positional fallback names
//
// Matching is a pure function: the same response and the same hint catalog
// always produce the same assignment. Hints are iterated in declaration
// order, never map order. The matcher never fails; in the worst case every
// set falls through to a positional fallback name, which is always safe to
// persist under.
package match

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/statline-io/statline/internal/catalog"
	"github.com/statline-io/statline/internal/fetch"
)

// Layer identifies which strategy layer produced an assignment.
type Layer int

const (
	// LayerColumnSignature matched on a unique expected column count.
	LayerColumnSignature Layer = iota + 1

	// LayerContentPattern matched on a grouping-column value vocabulary.
	LayerContentPattern

	// LayerRowCount matched on a well-known partition row count.
	LayerRowCount

	// LayerResidual paired leftover hints and sets in encounter order.
	LayerResidual

	// LayerFallback assigned a positional fallback name to an unclaimed set.
	LayerFallback
)

// String returns the layer name for logs.
func (l Layer) String() string {
	switch l {
	case LayerColumnSignature:
		return "column_signature"
	case LayerContentPattern:
		return "content_pattern"
	case LayerRowCount:
		return "row_count"
	case LayerResidual:
		return "residual"
	case LayerFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Assignment routes one result set to one destination name.
type Assignment struct {
	// SetIndex is the position of the result set in the original response.
	SetIndex int

	// Destination is the destination table name the set is persisted under.
	Destination string

	// Layer records which strategy layer made the claim.
	Layer Layer
}

// Match assigns every result set in sets to a destination name using the
// layered strategy. The returned assignments are ordered by SetIndex and
// cover every set exactly once. Empty result sets are assigned like any
// other; the caller decides whether to persist them.
func Match(sets []fetch.ResultSet, hints []catalog.DestinationHint) []Assignment {
	state := newMatchState(sets, hints)

	state.matchColumnSignature()
	state.matchContentPattern()
	state.matchRowCount()
	state.assignResidual()

	return state.assignments()
}

// matchState tracks the remaining unmatched sets and unclaimed hints between
// layers. Order within both slices is the original declaration order.
type matchState struct {
	sets     []fetch.ResultSet
	hints    []catalog.DestinationHint
	claimed  map[int]Assignment // set index -> assignment
	setOpen  []int              // unmatched set indices, ascending
	hintOpen []int              // unclaimed hint indices, declaration order
}

func newMatchState(sets []fetch.ResultSet, hints []catalog.DestinationHint) *matchState {
	s := &matchState{
		sets:    sets,
		hints:   hints,
		claimed: make(map[int]Assignment, len(sets)),
	}

	for i := range sets {
		s.setOpen = append(s.setOpen, i)
	}

	for i := range hints {
		s.hintOpen = append(s.hintOpen, i)
	}

	return s
}

func (s *matchState) claim(setIdx, hintIdx int, layer Layer) {
	s.claimed[setIdx] = Assignment{
		SetIndex:    setIdx,
		Destination: s.hints[hintIdx].Name,
		Layer:       layer,
	}

	s.setOpen = remove(s.setOpen, setIdx)
	s.hintOpen = remove(s.hintOpen, hintIdx)
}

// matchColumnSignature claims a pairing when a hint's expected column count
// is unique among the still-unclaimed hints and exactly one unmatched set
// has that column count.
func (s *matchState) matchColumnSignature() {
	for _, hintIdx := range append([]int(nil), s.hintOpen...) {
		hint := s.hints[hintIdx]
		if hint.ColumnCount == 0 {
			continue
		}

		if s.hintsWithColumnCount(hint.ColumnCount) != 1 {
			continue
		}

		setIdx, found := s.soleSetWhere(func(set fetch.ResultSet) bool {
			return len(set.Columns) == hint.ColumnCount
		})
		if !found {
			continue
		}

		s.claim(setIdx, hintIdx, LayerColumnSignature)
	}
}

// matchContentPattern claims a pairing when exactly one unmatched set carries
// the hint's grouping column and every value in that column falls inside the
// hint's vocabulary.
func (s *matchState) matchContentPattern() {
	for _, hintIdx := range append([]int(nil), s.hintOpen...) {
		hint := s.hints[hintIdx]
		if hint.GroupColumn == "" || len(hint.GroupValues) == 0 {
			continue
		}

		setIdx, found := s.soleSetWhere(func(set fetch.ResultSet) bool {
			return groupColumnMatches(set, hint.GroupColumn, hint.GroupValues)
		})
		if !found {
			continue
		}

		s.claim(setIdx, hintIdx, LayerContentPattern)
	}
}

// matchRowCount claims a pairing on well-known partition shapes: exactly one
// unmatched set with the hint's expected row count.
func (s *matchState) matchRowCount() {
	for _, hintIdx := range append([]int(nil), s.hintOpen...) {
		hint := s.hints[hintIdx]
		if hint.RowCount == 0 {
			continue
		}

		setIdx, found := s.soleSetWhere(func(set fetch.ResultSet) bool {
			return len(set.Rows) == hint.RowCount
		})
		if !found {
			continue
		}

		s.claim(setIdx, hintIdx, LayerRowCount)
	}
}

// assignResidual pairs remaining hints with remaining sets in encounter
// order; sets left over after that receive positional fallback names.
func (s *matchState) assignResidual() {
	open := append([]int(nil), s.setOpen...)
	hintsLeft := append([]int(nil), s.hintOpen...)

	for i, setIdx := range open {
		if i < len(hintsLeft) {
			s.claim(setIdx, hintsLeft[i], LayerResidual)

			continue
		}

		s.claimed[setIdx] = Assignment{
			SetIndex:    setIdx,
			Destination: FallbackName(setIdx),
			Layer:       LayerFallback,
		}
		s.setOpen = remove(s.setOpen, setIdx)
	}
}

func (s *matchState) assignments() []Assignment {
	result := make([]Assignment, 0, len(s.claimed))
	for i := range s.sets {
		result = append(result, s.claimed[i])
	}

	return result
}

// hintsWithColumnCount counts unclaimed hints expecting the given column count.
func (s *matchState) hintsWithColumnCount(count int) int {
	n := 0

	for _, hintIdx := range s.hintOpen {
		if s.hints[hintIdx].ColumnCount == count {
			n++
		}
	}

	return n
}

// soleSetWhere returns the only unmatched set satisfying pred, or false when
// zero or more than one set qualifies.
func (s *matchState) soleSetWhere(pred func(fetch.ResultSet) bool) (int, bool) {
	found := -1

	for _, setIdx := range s.setOpen {
		if !pred(s.sets[setIdx]) {
			continue
		}

		if found != -1 {
			return -1, false
		}

		found = setIdx
	}

	return found, found != -1
}

// FallbackName is the positional destination name for a set no layer claimed.
// Always safe to persist under: it depends only on the set's position.
func FallbackName(setIdx int) string {
	return fmt.Sprintf("set_%02d", setIdx)
}

// groupColumnMatches reports whether the set has the grouping column and all
// of its non-empty values fall inside the vocabulary. Sets with no rows do
// not match: an empty column proves nothing about the partition.
func groupColumnMatches(set fetch.ResultSet, column string, vocabulary []string) bool {
	col := -1

	for i, name := range set.Columns {
		if strings.EqualFold(name, column) {
			col = i

			break
		}
	}

	if col == -1 || len(set.Rows) == 0 {
		return false
	}

	vocab := make(map[string]struct{}, len(vocabulary))
	for _, v := range vocabulary {
		vocab[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}

	matched := false

	for _, row := range set.Rows {
		if col >= len(row) {
			return false
		}

		value := strings.ToLower(strings.TrimSpace(stringify(row[col])))
		if value == "" {
			continue
		}

		if _, ok := vocab[value]; !ok {
			return false
		}

		matched = true
	}

	return matched
}

// stringify renders a primitive cell value the way the vocabulary declares it.
func stringify(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprint(value)
	}
}

func remove(indices []int, idx int) []int {
	for i, v := range indices {
		if v == idx {
			return append(indices[:i], indices[i+1:]...)
		}
	}

	return indices
}
