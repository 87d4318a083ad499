package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tasklane/tasklane/internal/access"
	"github.com/tasklane/tasklane/internal/domain"
	"github.com/tasklane/tasklane/internal/platform/changefeed"
	"github.com/tasklane/tasklane/internal/platform/requestid"
	"github.com/tasklane/tasklane/internal/repo"
)

const tracerName = "github.com/tasklane/tasklane/internal/service/board"

type Service struct {
	gateway  *access.Gateway
	store    repo.Store
	notifier changefeed.Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the uuid generator used for new children.
func WithIDGenerator(newID func() string) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func New(gateway *access.Gateway, store repo.Store, notifier changefeed.Notifier, opts ...Option) (*Service, error) {
	if gateway == nil {
		return nil, errors.New("gateway is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if notifier == nil {
		notifier = changefeed.Fanout{}
	}
	s := &Service{
		gateway:  gateway,
		store:    store,
		notifier: notifier,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Attrs are the caller-supplied fields of a new child. A nil Position
// appends.
type Attrs struct {
	Title       string
	Description string
	Position    *int
}

func (a Attrs) target() int {
	if a.Position == nil {
		return -1
	}
	return *a.Position
}

// TaskPatch lists the task fields a caller wants to change. Number is
// accepted only to be rejected: task numbers never change after creation.
type TaskPatch struct {
	Title       *string
	Description *string
	Number      *int64
}

// operation carries the per-call state shared by every engine method.
type operation struct {
	name   string
	opID   string
	span   trace.Span
	logger *slog.Logger
}

func (s *Service) begin(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *operation) {
	ctx, opID := requestid.Ensure(ctx)
	ctx, span := s.tracer.Start(ctx, "board."+name, trace.WithAttributes(
		append(attrs, attribute.String("tasklane.op_id", opID))...,
	))
	return ctx, &operation{
		name:   name,
		opID:   opID,
		span:   span,
		logger: s.logger.With("op", name, "op_id", opID),
	}
}

// end records the outcome on the span and the log. err is returned as is.
func (op *operation) end(ctx context.Context, err error) error {
	defer op.span.End()
	if err == nil {
		op.logger.InfoContext(ctx, "mutation committed")
		return nil
	}
	op.span.RecordError(err)
	code := domain.CodeOf(err)
	op.span.SetAttributes(attribute.String("tasklane.error_code", string(code)))
	if domain.IsInternal(err) {
		op.span.SetStatus(codes.Error, err.Error())
		if code == domain.CodeInvariantViolation {
			op.logger.ErrorContext(ctx, "invariant violation", "error", err)
		} else {
			op.logger.ErrorContext(ctx, "mutation failed", "error", err)
		}
		return err
	}
	op.logger.DebugContext(ctx, "mutation rejected", "code", string(code), "error", err)
	return err
}

// authorize returns the allowed decision or the typed deny error.
func (s *Service) authorize(ctx context.Context, actor access.Actor, target domain.Target, action access.Action) (access.Decision, error) {
	decision, err := s.gateway.Authorize(ctx, actor, target, action)
	if err != nil {
		return decision, fmt.Errorf("authorize %s: %w", action, err)
	}
	if !decision.Allowed {
		return decision, decision.Err()
	}
	return decision, nil
}

func (s *Service) notify(ctx context.Context, change changefeed.Change) {
	change.OccurredAt = s.now()
	s.notifier.Notify(ctx, change)
}

func validateRef(ref domain.ContainerRef) error {
	if err := ref.Validate(); err != nil {
		return domain.Wrap(domain.CodeInvalidArgument, "invalid container", err)
	}
	return nil
}

func validateID(field, id string) error {
	if strings.TrimSpace(id) == "" {
		return domain.New(domain.CodeInvalidArgument, field+" is required")
	}
	return nil
}

// requireChildOf checks that itemID currently lives in ref. It must run
// after ref is locked.
func requireChildOf(ctx context.Context, tx repo.Tx, ref domain.ContainerRef, itemID string) error {
	parent, err := tx.ContainerOf(ctx, ref.Kind.ChildKind(), itemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.New(domain.CodeNotFound, fmt.Sprintf("%s %s not found", ref.Kind.ChildKind(), itemID))
		}
		return err
	}
	if parent != ref {
		return domain.New(domain.CodeNotFound, fmt.Sprintf("%s %s not found in %s", ref.Kind.ChildKind(), itemID, ref))
	}
	return nil
}
