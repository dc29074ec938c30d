package boards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/corkboard/internal/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const tracerName = "github.com/MarcoPoloResearchLab/corkboard/internal/boards"

var noOpLogger = zap.NewNop()

// Authorizer answers permission questions for an actor. It is consulted
// before any mutation is attempted.
type Authorizer interface {
	CanEditParent(ctx context.Context, userID, boardID string) (bool, error)
	CanReadBoard(ctx context.Context, userID, boardID string) (bool, error)
}

// Publisher fans committed events out to connected sessions.
type Publisher interface {
	Publish(event events.DomainEvent)
}

// Recorder keeps a copy of committed events for activity history. Failures
// are logged and never fail the mutation.
type Recorder interface {
	Record(ctx context.Context, event events.DomainEvent) error
}

// Granter records board membership when a board is created.
type Granter interface {
	GrantOwner(tx *gorm.DB, boardID, userID string) error
}

// ServiceConfig describes the dependencies of the move orchestrator.
type ServiceConfig struct {
	Database    *gorm.DB
	Store       *Store
	Authorizer  Authorizer
	Granter     Granter
	Publisher   Publisher
	Recorder    Recorder
	IDProvider  IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
	Tracer      trace.Tracer
	MaxAttempts int
	RetryJitter time.Duration
}

// Service is the single entry point for board mutations. It owns the
// transaction boundary and publishes events only after commit.
type Service struct {
	db         *gorm.DB
	store      *Store
	authorizer Authorizer
	granter    Granter
	publisher  Publisher
	recorder   Recorder
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewService constructs the orchestrator.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Authorizer == nil {
		return nil, newServiceError(opServiceNew, "missing_authorizer", errMissingAuthorizer)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	store := cfg.Store
	if store == nil {
		built, err := NewStore(StoreConfig{
			Database:    cfg.Database,
			MaxAttempts: cfg.MaxAttempts,
			RetryJitter: cfg.RetryJitter,
			Clock:       clock,
			Logger:      logger,
		})
		if err != nil {
			return nil, newServiceError(opServiceNew, "store_init_failed", err)
		}
		store = built
	}

	return &Service{
		db:         cfg.Database,
		store:      store,
		authorizer: cfg.Authorizer,
		granter:    cfg.Granter,
		publisher:  cfg.Publisher,
		recorder:   cfg.Recorder,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
		tracer:     tracer,
	}, nil
}

const (
	opServiceNew  = "boards.service.new"
	opMoveCard    = "boards.move_card"
	opMoveList    = "boards.move_list"
	opBulkReorder = "boards.bulk_reorder"
	opRebalance   = "boards.rebalance"
	opCreateBoard = "boards.create_board"
	opCreateList  = "boards.create_list"
	opCreateCard  = "boards.create_card"
	opRenameItem  = "boards.rename_item"
	opDeleteItem  = "boards.delete_item"
	opGetBoard    = "boards.get_board"
)

const (
	reasonInvalidRequest   = "invalid_request"
	reasonNotFound         = "not_found"
	reasonInvalidTarget    = "invalid_target"
	reasonForbidden        = "forbidden"
	reasonAuthorizeFailed  = "authorize_failed"
	reasonOrderingExhaust  = "ordering_exhausted"
	reasonTransactionError = "transaction_failed"
	reasonIDGeneration     = "id_generation_failed"
)

// classify turns an error from validation, storage or the store into a
// coded ServiceError, logging unexpected failures.
func (service *Service) classify(operation string, err error, fields ...zap.Field) error {
	var serviceErr *ServiceError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &serviceErr):
		return err
	case errors.Is(err, ErrNotFound):
		return newServiceError(operation, reasonNotFound, err)
	case errors.Is(err, ErrInvalidTarget):
		return newServiceError(operation, reasonInvalidTarget, err)
	case errors.Is(err, ErrInvalidInput):
		return newServiceError(operation, reasonInvalidRequest, err)
	case errors.Is(err, ErrForbidden):
		return newServiceError(operation, reasonForbidden, err)
	case errors.Is(err, ErrOrderingExhausted):
		service.logError(operation, reasonOrderingExhaust, err, fields...)
		return newServiceError(operation, reasonOrderingExhaust, err)
	case errors.Is(err, ErrPositionConflict):
		// The store retries conflicts; one reaching here means the retry budget leaked it.
		service.logError(operation, reasonOrderingExhaust, err, fields...)
		return newServiceError(operation, reasonOrderingExhaust, fmt.Errorf("%w: %v", ErrOrderingExhausted, err))
	default:
		service.logError(operation, reasonTransactionError, err, fields...)
		return newServiceError(operation, reasonTransactionError, err)
	}
}

// authorizeEdit fails with ErrForbidden unless actor may edit boardID.
func (service *Service) authorizeEdit(ctx context.Context, actor Actor, boardID string) error {
	if actor.UserID == "" {
		return fmt.Errorf("%w: anonymous actor", ErrForbidden)
	}
	allowed, err := service.authorizer.CanEditParent(ctx, actor.UserID, boardID)
	if err != nil {
		return newServiceError("boards.authorize", reasonAuthorizeFailed, err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s cannot edit board %s", ErrForbidden, actor.UserID, boardID)
	}
	return nil
}

// emit hands committed events to the publisher and the recorder. Neither
// can fail the mutation that produced them.
func (service *Service) emit(ctx context.Context, batch ...events.DomainEvent) {
	for _, event := range batch {
		if !event.Valid() {
			continue
		}
		if service.publisher != nil {
			service.publisher.Publish(event)
		}
		if service.recorder != nil {
			if err := service.recorder.Record(ctx, event); err != nil {
				service.loggerOrDefault().Warn("activity record failed",
					zap.String("board_id", event.BoardID),
					zap.String("kind", string(event.Kind)),
					zap.Error(err))
			}
		}
	}
}

func (service *Service) newEvent(kind events.Kind, boardID string, actor Actor, items ...events.ItemState) events.DomainEvent {
	return events.DomainEvent{
		Kind:            kind,
		BoardID:         boardID,
		Actor:           actor.UserID,
		OriginSessionID: actor.SessionID,
		Items:           items,
		Timestamp:       service.clock().UTC(),
	}
}

func (service *Service) startSpan(ctx context.Context, operation string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	return service.tracer.Start(ctx, operation, trace.WithAttributes(attributes...))
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (service *Service) now() int64 {
	return service.clock().UTC().Unix()
}

func (service *Service) loggerOrDefault() *zap.Logger {
	if service == nil {
		return noOpLogger
	}
	if service.logger == nil {
		return noOpLogger
	}
	return service.logger
}

func (service *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	service.loggerOrDefault().Error("boards service error", attrs...)
}
