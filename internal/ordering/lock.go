package ordering

import (
	"sort"

	"github.com/tasklane/tasklane/internal/domain"
)

// Lock is the token a lock coordinator hands out once every listed sibling
// set is exclusively held. It stays valid until the owning transaction ends.
type Lock struct {
	refs []domain.ContainerRef
}

// NewLock mints a token for refs. Only repo.Tx.Lock implementations may
// call it, and only after every ref is exclusively held by their
// transaction. Engine code obtains tokens through repo.Tx.Lock.
func NewLock(refs []domain.ContainerRef) *Lock {
	return &Lock{refs: append([]domain.ContainerRef(nil), refs...)}
}

func (l *Lock) Covers(ref domain.ContainerRef) bool {
	if l == nil {
		return false
	}
	for _, r := range l.refs {
		if r == ref {
			return true
		}
	}
	return false
}

// AcquisitionOrder dedupes refs and sorts them by (kind, id). Every
// coordinator locks in this order, whatever order the caller passed.
func AcquisitionOrder(refs ...domain.ContainerRef) []domain.ContainerRef {
	seen := make(map[domain.ContainerRef]struct{}, len(refs))
	out := make([]domain.ContainerRef, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
