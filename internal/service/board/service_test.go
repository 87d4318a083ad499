package board

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklane/tasklane/internal/access"
	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/ordering"
	"github.com/tasklane/tasklane/internal/platform/auditlog"
	"github.com/tasklane/tasklane/internal/platform/changefeed"
	"github.com/tasklane/tasklane/internal/platform/requestid"
	"github.com/tasklane/tasklane/internal/repo"
	"github.com/tasklane/tasklane/internal/repo/memstore"
)

var (
	owner      = access.Actor{UserID: "owen"}
	maintainer = access.Actor{UserID: "max"}
	member     = access.Actor{UserID: "mia"}
	observer   = access.Actor{UserID: "olive"}
	stranger   = access.Actor{UserID: "nina"}
)

type fixture struct {
	store *memstore.Store
	svc   *Service
	feed  *changefeed.Recorder
	logs  *bytes.Buffer
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	wrap func(repo.Tx) repo.Tx
}

func withTxWrapper(wrap func(repo.Tx) repo.Tx) fixtureOption {
	return func(c *fixtureConfig) { c.wrap = wrap }
}

// hookedStore lets a test swap the transaction handed to the engine.
type hookedStore struct {
	*memstore.Store
	wrap func(repo.Tx) repo.Tx
}

func (h hookedStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repo.Tx) error) error {
	return h.Store.WithinTx(ctx, func(ctx context.Context, tx repo.Tx) error {
		return fn(ctx, h.wrap(tx))
	})
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := fixtureConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	store := memstore.New()
	var backing repo.Store = store
	if cfg.wrap != nil {
		backing = hookedStore{Store: store, wrap: cfg.wrap}
	}
	gateway, err := access.NewGateway(access.DefaultPolicies(), backing)
	require.NoError(t, err)

	feed := &changefeed.Recorder{}
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	svc, err := New(gateway, backing, feed, WithLogger(logger))
	require.NoError(t, err)

	f := &fixture{store: store, svc: svc, feed: feed, logs: logs}
	f.addWorkspace(t, "ws-1", domain.SubscriptionActive)
	return f
}

func (f *fixture) addWorkspace(t *testing.T, id string, status domain.SubscriptionStatus) domain.ContainerRef {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateWorkspace(ctx, domain.Workspace{ID: id, Title: id, Subscription: domain.Subscription{Status: status}}))
	for user, role := range map[string]domain.Role{
		owner.UserID:      domain.RoleOwner,
		maintainer.UserID: domain.RoleMaintainer,
		member.UserID:     domain.RoleMember,
		observer.UserID:   domain.RoleObserver,
	} {
		require.NoError(t, f.store.PutMembership(ctx, domain.Membership{WorkspaceID: id, UserID: user, Role: role}))
	}
	return domain.ContainerRef{Kind: domain.ContainerWorkspace, ID: id}
}

func (f *fixture) create(t *testing.T, container domain.ContainerRef, title string) string {
	t.Helper()
	id, err := f.svc.CreateChild(context.Background(), owner, container, Attrs{Title: title})
	require.NoError(t, err)
	return id
}

func (f *fixture) section(t *testing.T, workspace domain.ContainerRef) domain.ContainerRef {
	t.Helper()
	board := domain.ContainerRef{Kind: domain.ContainerBoard, ID: f.create(t, workspace, "Board")}
	return domain.ContainerRef{Kind: domain.ContainerSection, ID: f.create(t, board, "Todo")}
}

func (f *fixture) tasks(t *testing.T, section domain.ContainerRef, titles ...string) []string {
	t.Helper()
	ids := make([]string, len(titles))
	for i, title := range titles {
		ids[i] = f.create(t, section, title)
	}
	return ids
}

func assertDense(t *testing.T, store *memstore.Store, ref domain.ContainerRef) {
	t.Helper()
	positions := store.Positions(ref)
	sort.Ints(positions)
	for i, p := range positions {
		require.Equal(t, i, p, "positions of %s: %v", ref, positions)
	}
}

var ws1 = domain.ContainerRef{Kind: domain.ContainerWorkspace, ID: "ws-1"}

func TestMoveWithinReorders(t *testing.T) {
	f := newFixture(t)
	section := f.section(t, ws1)
	ids := f.tasks(t, section, "x", "y", "z")
	x, y, z := ids[0], ids[1], ids[2]
	before := len(f.feed.Changes())

	require.NoError(t, f.svc.MoveWithin(context.Background(), member, section, y, 0))

	assert.Equal(t, []string{y, x, z}, f.store.Order(section))
	assertDense(t, f.store, section)
	changes := f.feed.Changes()[before:]
	require.Len(t, changes, 1)
	assert.Equal(t, changefeed.KindMoved, changes[0].Kind)
	assert.Equal(t, section, changes[0].Container)
	assert.Nil(t, changes[0].From)
}

func TestMoveWithinToCurrentIndexIsNoop(t *testing.T) {
	f := newFixture(t)
	section := f.section(t, ws1)
	ids := f.tasks(t, section, "a", "b", "c")

	for i, id := range ids {
		require.NoError(t, f.svc.MoveWithin(context.Background(), member, section, id, i))
	}
	assert.Equal(t, ids, f.store.Order(section))
}

func TestMoveWithinClampsTarget(t *testing.T) {
	f := newFixture(t)
	section := f.section(t, ws1)
	ids := f.tasks(t, section, "a", "b", "c")

	require.NoError(t, f.svc.MoveWithin(context.Background(), member, section, ids[0], 99))
	assert.Equal(t, []string{ids[1], ids[2], ids[0]}, f.store.Order(section))

	require.NoError(t, f.svc.MoveWithin(context.Background(), member, section, ids[0], -5))
	assert.Equal(t, ids, f.store.Order(section))
}

func TestMoveAcrossToEmptyContainer(t *testing.T) {
	f := newFixture(t)
	source := f.section(t, ws1)
	board := domain.ContainerRef{Kind: domain.ContainerBoard, ID: f.store.Order(ws1)[0]}
	dest := domain.ContainerRef{Kind: domain.ContainerSection, ID: f.create(t, board, "Done")}
	ids := f.tasks(t, source, "x", "y", "z")
	before := len(f.feed.Changes())

	require.NoError(t, f.svc.MoveAcross(context.Background(), member, source, ids[2], dest, 0))

	assert.Equal(t, ids[:2], f.store.Order(source))
	assert.Equal(t, []string{ids[2]}, f.store.Order(dest))
	assertDense(t, f.store, source)
	assertDense(t, f.store, dest)

	changes := f.feed.Changes()[before:]
	require.Len(t, changes, 1)
	assert.Equal(t, dest, changes[0].Container)
	require.NotNil(t, changes[0].From)
	assert.Equal(t, source, *changes[0].From)

	task, err := f.store.Task(ids[2])
	require.NoError(t, err)
	assert.Equal(t, dest.ID, task.SectionID)
	assert.Equal(t, int64(3), task.Number)
}

func TestMoveAcrossConservesCount(t *testing.T) {
	f := newFixture(t)
	source := f.section(t, ws1)
	dest := f.section(t, ws1)
	src := f.tasks(t, source, "a", "b", "c")
	dst := f.tasks(t, dest, "d", "e")

	require.NoError(t, f.svc.MoveAcross(context.Background(), member, source, src[1], dest, 1))

	assert.Equal(t, []string{src[0], src[2]}, f.store.Order(source))
	assert.Equal(t, []string{dst[0], src[1], dst[1]}, f.store.Order(dest))
	assert.Equal(t, 5, len(f.store.Order(source))+len(f.store.Order(dest)))
}

func TestMoveAcrossRejectsMismatchedContainers(t *testing.T) {
	f := newFixture(t)
	section := f.section(t, ws1)
	ids := f.tasks(t, section, "a")
	ctx := context.Background()

	board := domain.ContainerRef{Kind: domain.ContainerBoard, ID: f.store.Order(ws1)[0]}
	err := f.svc.MoveAcross(ctx, member, section, ids[0], board, 0)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument), "err=%v", err)

	other := f.addWorkspace(t, "ws-2", domain.SubscriptionActive)
	otherSection := f.section(t, other)
	err = f.svc.MoveAcross(ctx, member, section, ids[0], otherSection, 0)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument), "err=%v", err)
	assert.Equal(t, ids, f.store.Order(section))
}

func TestMoveItemNotInContainer(t *testing.T) {
	f := newFixture(t)
	a := f.section(t, ws1)
	b := f.section(t, ws1)
	ids := f.tasks(t, a, "x")

	err := f.svc.MoveWithin(context.Background(), member, b, ids[0], 0)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "err=%v", err)

	err = f.svc.DeleteChild(context.Background(), member, b, ids[0])
	assert.True(t, errors.Is(err, domain.ErrNotFound), "err=%v", err)
	assert.Equal(t, ids, f.store.Order(a))
}

func TestCreateChildRespectsRole(t *testing.T) {
	f := newFixture(t)
	section := f.section(t, ws1)
	ctx := context.Background()

	_, err := f.svc.CreateChild(ctx, observer, section, Attrs{Title: "nope"})
	assert.True(t, errors.Is(err, domain.ErrPermissionDenied), "err=%v", err)
	assert.Empty(t, f.store.Order(section))

	id, err := f.svc.CreateChild(ctx, owner, section, Attrs{Title: "yes"})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, f.store.Order(section))

	_, err = f.svc.CreateChild(ctx, member, ws1, Attrs{Title: "board"})
	assert.True(t, errors.Is(err, domain.ErrPermissionDenied), "err=%v", err)
	_, err = f.svc.CreateChild(ctx, maintainer, ws1, Attrs{Title: "board"})
	assert.NoError(t, err)
}

func TestCreateChildAtPosition(t *testing.T) {
	f := newFixture(t)
	section := f.section(t, ws1)
	ids := f.tasks(t, section, "a", "b")

	pos := 1
	id, err := f.svc.CreateChild(context.Background(), member, section, Attrs{Title: "mid", Position: &pos})
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0], id, ids[1]}, f.store.Order(section))
	assertDense(t, f.store, section)
}

func TestTrialBoardQuota(t *testing.T) {
	f := newFixture(t)
	trial := f.addWorkspace(t, "ws-trial", domain.SubscriptionUnpaid)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		f.create(t, trial, "board")
		f.create(t, ws1, "board")
	}

	_, err := f.svc.CreateChild(ctx, owner, trial, Attrs{Title: "eleventh"})
	assert.True(t, errors.Is(err, domain.ErrQuotaExceeded), "err=%v", err)
	assert.Len(t, f.store.Order(trial), 10)

	_, err = f.svc.CreateChild(ctx, owner, ws1, Attrs{Title: "eleventh"})
	assert.NoError(t, err)
}

func TestTrialRestrictsUpdateAndDelete(t *testing.T) {
	f := newFixture(t)
	trial := f.addWorkspace(t, "ws-trial", domain.SubscriptionUnpaid)
	section := f.section(t, trial)
	ids := f.tasks(t, section, "a", "b")
	ctx := context.Background()

	err := f.svc.MoveWithin(ctx, owner, section, ids[1], 0)
	assert.True(t, errors.Is(err, domain.ErrPlanRestricted), "err=%v", err)
	err = f.svc.DeleteChild(ctx, owner, section, ids[0])
	assert.True(t, errors.Is(err, domain.ErrPlanRestricted), "err=%v", err)

	children, err := f.svc.Children(ctx, observer, section)
	require.NoError(t, err)
	assert.Equal(t, ids, children)
}

func TestNonMemberSeesNotFound(t *testing.T) {
	f := newFixture(t)
	section := f.section(t, ws1)
	ids := f.tasks(t, section, "a")
	ctx := context.Background()
	missing := domain.ContainerRef{Kind: domain.ContainerSection, ID: "does-not-exist"}

	_, strangerErr := f.svc.CreateChild(ctx, stranger, section, Attrs{Title: "x"})
	_, missingErr := f.svc.CreateChild(ctx, owner, missing, Attrs{Title: "x"})
	require.Error(t, strangerErr)
	require.Error(t, missingErr)
	assert.True(t, errors.Is(strangerErr, domain.ErrNotFound))
	assert.Equal(t, missingErr.Error(), strangerErr.Error())

	for _, err := range []error{
		f.svc.MoveWithin(ctx, stranger, section, ids[0], 0),
		f.svc.MoveAcross(ctx, stranger, section, ids[0], missing, 0),
		f.svc.DeleteChild(ctx, stranger, section, ids[0]),
	} {
		assert.True(t, errors.Is(err, domain.ErrNotFound), "err=%v", err)
	}
	_, err := f.svc.UpdateTask(ctx, stranger, ids[0], TaskPatch{})
	assert.True(t, errors.Is(err, domain.ErrNotFound), "err=%v", err)
	_, err = f.svc.Children(ctx, stranger, section)
	assert.True(t, errors.Is(err, domain.ErrNotFound), "err=%v", err)
}

func TestTaskNumbersAreMonotonic(t *testing.T) {
	f := newFixture(t)
	first := f.section(t, ws1)
	second := f.section(t, ws1)
	ids := append(f.tasks(t, first, "a", "b", "c"), f.tasks(t, second, "d", "e")...)

	for i, id := range ids {
		task, err := f.store.Task(id)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), task.Number)
	}

	require.NoError(t, f.svc.DeleteChild(context.Background(), member, second, ids[4]))
	next := f.create(t, second, "f")
	task, err := f.store.Task(next)
	require.NoError(t, err)
	assert.Equal(t, int64(6), task.Number)

	ws, err := f.store.Workspace("ws-1")
	require.NoError(t, err)
	assert.Equal(t, int64(6), ws.NextTaskNumber)
}

func TestUpdateTaskNumberIsImmutable(t *testing.T) {
	f := newFixture(t)
	section := f.section(t, ws1)
	ids := f.tasks(t, section, "a")
	ctx := context.Background()
	before := len(f.feed.Changes())

	seven := int64(7)
	_, err := f.svc.UpdateTask(ctx, owner, ids[0], TaskPatch{Number: &seven})
	assert.True(t, errors.Is(err, domain.ErrImmutableField), "err=%v", err)
	assert.Len(t, f.feed.Changes(), before)

	title := "renamed"
	same := int64(1)
	task, err := f.svc.UpdateTask(ctx, member, ids[0], TaskPatch{Title: &title, Number: &same})
	require.NoError(t, err)
	assert.Equal(t, "renamed", task.Title)
	assert.Equal(t, int64(1), task.Number)

	stored, err := f.store.Task(ids[0])
	require.NoError(t, err)
	assert.Equal(t, "renamed", stored.Title)
	assert.Equal(t, int64(1), stored.Number)
	require.Len(t, f.feed.Changes(), before+1)
	assert.Equal(t, changefeed.KindUpdated, f.feed.Changes()[before].Kind)
}

func TestDeleteCompactsAndCascades(t *testing.T) {
	f := newFixture(t)
	section := f.section(t, ws1)
	ids := f.tasks(t, section, "a", "b", "c")
	taskRef := domain.ContainerRef{Kind: domain.ContainerTask, ID: ids[1]}
	f.create(t, taskRef, "sub")

	require.NoError(t, f.svc.DeleteChild(context.Background(), member, section, ids[1]))

	assert.Equal(t, []string{ids[0], ids[2]}, f.store.Order(section))
	assertDense(t, f.store, section)
	assert.Empty(t, f.store.Order(taskRef))
	last := f.feed.Changes()[len(f.feed.Changes())-1]
	assert.Equal(t, changefeed.KindDeleted, last.Kind)
	assert.Equal(t, ids[1], last.ItemID)
}

func TestAuditAndNotificationShareOperationID(t *testing.T) {
	f := newFixture(t)
	section := f.section(t, ws1)
	ctx := requestid.ContextWithOperationID(context.Background(), "op-42")

	id, err := f.svc.CreateChild(ctx, member, section, Attrs{Title: "a"})
	require.NoError(t, err)

	events := f.store.AuditEvents()
	last := events[len(events)-1]
	assert.Equal(t, "op-42", last.OperationID)
	assert.Equal(t, string(access.ActionTaskCreate), last.Action)
	assert.Equal(t, "task", last.ResourceType)
	assert.Equal(t, id, last.ResourceID)
	assert.Equal(t, "ws-1", last.WorkspaceID)

	changes := f.feed.Changes()
	assert.Equal(t, "op-42", changes[len(changes)-1].OperationID)
	assert.Equal(t, len(events), len(changes))
}

type failingAudit struct{ repo.Tx }

func (failingAudit) AppendAudit(context.Context, auditlog.Event) error {
	return errors.New("audit sink unavailable")
}

func TestFailedTransactionRollsBack(t *testing.T) {
	var fail bool
	f := newFixture(t, withTxWrapper(func(tx repo.Tx) repo.Tx {
		if fail {
			return failingAudit{tx}
		}
		return tx
	}))
	section := f.section(t, ws1)
	ids := f.tasks(t, section, "a", "b", "c")
	changes := len(f.feed.Changes())
	audits := len(f.store.AuditEvents())
	fail = true
	ctx := context.Background()

	require.Error(t, f.svc.MoveWithin(ctx, member, section, ids[2], 0))
	_, err := f.svc.CreateChild(ctx, member, section, Attrs{Title: "d"})
	require.Error(t, err)
	require.Error(t, f.svc.DeleteChild(ctx, member, section, ids[0]))

	assert.Equal(t, ids, f.store.Order(section))
	assertDense(t, f.store, section)
	assert.Len(t, f.feed.Changes(), changes)
	assert.Len(t, f.store.AuditEvents(), audits)
	ws, err := f.store.Workspace("ws-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), ws.NextTaskNumber)
}

type corruptPositions struct{ repo.Tx }

func (c corruptPositions) LoadPositions(ctx context.Context, ref domain.ContainerRef) ([]int, error) {
	positions, err := c.Tx.LoadPositions(ctx, ref)
	if len(positions) > 1 {
		positions[1] = positions[0]
	}
	return positions, err
}

func TestInvariantViolationIsInternal(t *testing.T) {
	var corrupt bool
	f := newFixture(t, withTxWrapper(func(tx repo.Tx) repo.Tx {
		if corrupt {
			return corruptPositions{tx}
		}
		return tx
	}))
	section := f.section(t, ws1)
	ids := f.tasks(t, section, "a", "b", "c")
	changes := len(f.feed.Changes())
	corrupt = true

	err := f.svc.MoveWithin(context.Background(), member, section, ids[2], 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvariantViolation))
	assert.True(t, domain.IsInternal(err))
	assert.Equal(t, ids, f.store.Order(section))
	assert.Len(t, f.feed.Changes(), changes)
	assert.Contains(t, f.logs.String(), `"msg":"invariant violation"`)
	assert.Contains(t, f.logs.String(), `"level":"ERROR"`)
}

func TestConcurrentMovesSerialize(t *testing.T) {
	f := newFixture(t)
	section := f.section(t, ws1)
	ids := f.tasks(t, section, "a", "b", "c")
	a, c := ids[0], ids[2]
	ctx := context.Background()

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, 2)
	for _, mv := range []struct {
		id     string
		target int
	}{{a, 2}, {c, 1}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- f.svc.MoveWithin(ctx, member, section, mv.id, mv.target)
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	serial := func(first, second func([]string) []string) []string {
		return second(first(ids))
	}
	moveA := func(order []string) []string {
		out, err := ordering.Move(order, a, 2)
		require.NoError(t, err)
		return out
	}
	moveC := func(order []string) []string {
		out, err := ordering.Move(order, c, 1)
		require.NoError(t, err)
		return out
	}
	assert.Contains(t, [][]string{serial(moveA, moveC), serial(moveC, moveA)}, f.store.Order(section))
	assertDense(t, f.store, section)
}

func TestConcurrentMixedMutationsKeepInvariant(t *testing.T) {
	f := newFixture(t)
	left := f.section(t, ws1)
	right := f.section(t, ws1)
	ids := f.tasks(t, left, "a", "b", "c", "d", "e", "f")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				assert.NoError(t, f.svc.MoveAcross(ctx, member, left, id, right, 0))
				return
			}
			assert.NoError(t, f.svc.MoveWithin(ctx, member, left, id, 0))
		}()
	}
	wg.Wait()

	assertDense(t, f.store, left)
	assertDense(t, f.store, right)
	assert.ElementsMatch(t, ids, append(f.store.Order(left), f.store.Order(right)...))
	assert.Len(t, f.store.Order(right), 3)
}

func TestOpposingMoveAcrossDoNotDeadlock(t *testing.T) {
	f := newFixture(t)
	left := f.section(t, ws1)
	right := f.section(t, ws1)
	f.tasks(t, left, "a", "b", "c")
	f.tasks(t, right, "d", "e", "f")
	all := append(f.store.Order(left), f.store.Order(right)...)

	for round := 0; round < 10; round++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		fromLeft, fromRight := f.store.Order(left), f.store.Order(right)

		var wg sync.WaitGroup
		start := make(chan struct{})
		move := func(src, dst domain.ContainerRef, id string) {
			defer wg.Done()
			<-start
			assert.NoError(t, f.svc.MoveAcross(ctx, member, src, id, dst, 1))
		}
		for _, id := range fromLeft {
			wg.Add(1)
			go move(left, right, id)
		}
		for _, id := range fromRight {
			wg.Add(1)
			go move(right, left, id)
		}
		close(start)
		wg.Wait()
		cancel()

		assertDense(t, f.store, left)
		assertDense(t, f.store, right)
		assert.ElementsMatch(t, fromLeft, f.store.Order(right), "round %d", round)
		assert.ElementsMatch(t, fromRight, f.store.Order(left), "round %d", round)
	}
	assert.ElementsMatch(t, all, append(f.store.Order(left), f.store.Order(right)...))
}
