package workflow

import "errors"

var ErrCycle = errors.New("reporting line would form a cycle")

// ValidateReparent checks that pointing seat at newParent keeps the chart a
// forest. parents maps every seat in the chart to its current parent (0 for a
// root).
func ValidateReparent(seat, newParent int64, parents map[int64]int64) error {
	if newParent <= 0 {
		return nil
	}
	if newParent == seat {
		return ErrCycle
	}
	seen := map[int64]bool{seat: true}
	for cur := newParent; cur > 0; cur = parents[cur] {
		if seen[cur] {
			return ErrCycle
		}
		seen[cur] = true
	}
	return nil
}

// GWC is the Get-it / Want-it / Capacity assessment of a seat occupant.
type GWC struct {
	GetIt    bool
	WantIt   bool
	Capacity bool
}

// RightPersonRightSeat is true when the seat is occupied and every GWC answer
// is yes.
func RightPersonRightSeat(occupied bool, gwc GWC) bool {
	return occupied && gwc.GetIt && gwc.WantIt && gwc.Capacity
}
