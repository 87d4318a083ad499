package ordering

import (
	"context"
	"fmt"

	"github.com/tasklane/tasklane/internal/domain"
)

// OrderStore is the persisted order state of containers. Storage
// transactions implement it; every call happens under a Lock.
type OrderStore interface {
	// LoadOrder returns child ids sorted by position.
	LoadOrder(ctx context.Context, ref domain.ContainerRef) ([]string, error)
	// LoadPositions returns the stored positions of every child.
	LoadPositions(ctx context.Context, ref domain.ContainerRef) ([]int, error)
	// StoreOrder sets container and position of each id in one write per row.
	StoreOrder(ctx context.Context, ref domain.ContainerRef, ids []string) error
	// Attach inserts a new child row at the given position.
	Attach(ctx context.Context, child domain.Child, position int) error
	// Detach deletes a child row.
	Detach(ctx context.Context, ref domain.ContainerRef, id string) error
}

// Container applies ordered-list mutations to an OrderStore.
type Container struct {
	store OrderStore
}

func NewContainer(store OrderStore) *Container {
	return &Container{store: store}
}

// Insert attaches child to its container and moves it to target.
// It returns the final position.
func (c *Container) Insert(ctx context.Context, lock *Lock, child domain.Child, target int) (int, error) {
	ref := child.Container
	if err := requireLock(lock, ref); err != nil {
		return 0, err
	}
	order, err := c.store.LoadOrder(ctx, ref)
	if err != nil {
		return 0, err
	}
	next, err := Insert(order, child.ID, target)
	if err != nil {
		return 0, err
	}
	if err := c.store.Attach(ctx, child, len(order)); err != nil {
		return 0, err
	}
	if next[len(next)-1] != child.ID {
		if err := c.store.StoreOrder(ctx, ref, next); err != nil {
			return 0, err
		}
	}
	if err := c.verify(ctx, ref, len(next)); err != nil {
		return 0, err
	}
	return IndexOf(next, child.ID), nil
}

// MoveWithin relocates itemID inside ref. Moving to the current index
// leaves stored order untouched.
func (c *Container) MoveWithin(ctx context.Context, lock *Lock, ref domain.ContainerRef, itemID string, target int) error {
	if err := requireLock(lock, ref); err != nil {
		return err
	}
	order, err := c.store.LoadOrder(ctx, ref)
	if err != nil {
		return err
	}
	next, err := Move(order, itemID, target)
	if err != nil {
		return err
	}
	if Equal(order, next) {
		return nil
	}
	if err := c.store.StoreOrder(ctx, ref, next); err != nil {
		return err
	}
	return c.verify(ctx, ref, len(next))
}

// MoveAcross reassigns itemID from src to dst at target. Equal refs
// behave as MoveWithin.
func (c *Container) MoveAcross(ctx context.Context, lock *Lock, src domain.ContainerRef, itemID string, dst domain.ContainerRef, target int) error {
	if src == dst {
		return c.MoveWithin(ctx, lock, src, itemID, target)
	}
	if src.Kind != dst.Kind {
		return domain.New(domain.CodeInvalidArgument, fmt.Sprintf("cannot move between %s and %s", src.Kind, dst.Kind))
	}
	if err := requireLock(lock, src); err != nil {
		return err
	}
	if err := requireLock(lock, dst); err != nil {
		return err
	}
	srcOrder, err := c.store.LoadOrder(ctx, src)
	if err != nil {
		return err
	}
	dstOrder, err := c.store.LoadOrder(ctx, dst)
	if err != nil {
		return err
	}
	nextSrc, err := Remove(srcOrder, itemID)
	if err != nil {
		return err
	}
	if target < 0 {
		target = 0
	}
	nextDst, err := Insert(dstOrder, itemID, target)
	if err != nil {
		return err
	}
	// The destination write moves the parent reference and the position of
	// itemID together.
	if err := c.store.StoreOrder(ctx, dst, nextDst); err != nil {
		return err
	}
	if err := c.store.StoreOrder(ctx, src, nextSrc); err != nil {
		return err
	}
	if err := c.verify(ctx, dst, len(nextDst)); err != nil {
		return err
	}
	return c.verify(ctx, src, len(nextSrc))
}

// Delete removes itemID and closes the gap it leaves.
func (c *Container) Delete(ctx context.Context, lock *Lock, ref domain.ContainerRef, itemID string) error {
	if err := requireLock(lock, ref); err != nil {
		return err
	}
	order, err := c.store.LoadOrder(ctx, ref)
	if err != nil {
		return err
	}
	next, err := Remove(order, itemID)
	if err != nil {
		return err
	}
	if err := c.store.Detach(ctx, ref, itemID); err != nil {
		return err
	}
	if len(next) > 0 {
		if err := c.store.StoreOrder(ctx, ref, next); err != nil {
			return err
		}
	}
	return c.verify(ctx, ref, len(next))
}

func (c *Container) verify(ctx context.Context, ref domain.ContainerRef, want int) error {
	positions, err := c.store.LoadPositions(ctx, ref)
	if err != nil {
		return err
	}
	if len(positions) != want {
		return domain.Invariant(fmt.Sprintf("%s holds %d children, want %d", ref, len(positions), want))
	}
	return Verify(positions)
}

func requireLock(lock *Lock, ref domain.ContainerRef) error {
	if !lock.Covers(ref) {
		return domain.Invariant(fmt.Sprintf("%s mutated without holding its lock", ref))
	}
	return nil
}
