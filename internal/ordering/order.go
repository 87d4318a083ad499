// Package ordering keeps gap-free sibling lists. Positions are rewritten
// wholesale on every change, so a valid list always holds exactly 0..n-1.
package ordering

import (
	"fmt"
	"sort"

	"github.com/tasklane/tasklane/internal/domain"
)

// IndexOf returns the index of id in order, or -1.
func IndexOf(order []string, id string) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

// Move relocates id to target, clamped to [0, n-1]. The input is not modified.
func Move(order []string, id string, target int) ([]string, error) {
	rest, err := Remove(order, id)
	if err != nil {
		return nil, err
	}
	return insertAt(rest, id, clamp(target, len(rest))), nil
}

// Insert places id at target, clamped to [0, n]. A negative target appends.
func Insert(order []string, id string, target int) ([]string, error) {
	if IndexOf(order, id) >= 0 {
		return nil, domain.Invariant(fmt.Sprintf("item %s already present", id))
	}
	if target < 0 {
		target = len(order)
	}
	return insertAt(order, id, clamp(target, len(order))), nil
}

// Remove drops id from order. The input is not modified.
func Remove(order []string, id string) ([]string, error) {
	idx := IndexOf(order, id)
	if idx < 0 {
		return nil, domain.Wrap(domain.CodeNotFound, "item not in container", fmt.Errorf("item %s", id))
	}
	out := make([]string, 0, len(order)-1)
	out = append(out, order[:idx]...)
	out = append(out, order[idx+1:]...)
	return out, nil
}

// Verify checks that positions form exactly {0, ..., n-1}.
func Verify(positions []int) error {
	sorted := append([]int(nil), positions...)
	sort.Ints(sorted)
	for i, p := range sorted {
		if p != i {
			return domain.Invariant(fmt.Sprintf("positions %v are not contiguous from 0", positions))
		}
	}
	return nil
}

// Equal reports whether two order lists are identical.
func Equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func clamp(target, max int) int {
	if target < 0 {
		return 0
	}
	if target > max {
		return max
	}
	return target
}

func insertAt(order []string, id string, idx int) []string {
	out := make([]string, 0, len(order)+1)
	out = append(out, order[:idx]...)
	out = append(out, id)
	out = append(out, order[idx:]...)
	return out
}
