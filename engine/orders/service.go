// Package orders accepts orders and plans their delivery tasks. Acceptance is
// one transaction: conditional balance debit, order row, debit ledger entry,
// full task batch. A duplicate external key is not a failure; the caller gets
// the order that already exists.
package orders

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/playforge/playforge/engine/ledger"
	"github.com/playforge/playforge/engine/logging"
	"github.com/playforge/playforge/engine/observability"
	"github.com/playforge/playforge/engine/store"
)

var (
	// ErrInvalidOrder rejects a submission before any write happens.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrUnknownUser rejects a submission for a user that does not exist.
	ErrUnknownUser = errors.New("unknown user")

	// ErrOrderNotFound is returned by operations on a missing order.
	ErrOrderNotFound = errors.New("order not found")

	// ErrOrderTerminal rejects mutations of completed, cancelled, or failed
	// orders.
	ErrOrderTerminal = errors.New("order already terminal")
)

// Config tunes planning.
type Config struct {
	SplitSize           int  // plays per task
	MaxAttempts         int  // execution attempts per task
	InstantThreshold    int  // orders at or below skip the spread
	ForceTaskDelivery   bool // disables the instant path globally
	DeliveryRatePerHour int  // drives the estimated completion window
}

// Service accepts, plans, replans, and cancels orders.
type Service struct {
	store  store.Store
	cache  *store.RedisCache // optional fast path, may be nil
	ledger *ledger.Engine
	cfg    Config
	log    zerolog.Logger
}

// NewService wires the order service.
func NewService(st store.Store, cache *store.RedisCache, led *ledger.Engine, cfg Config) *Service {
	return &Service{
		store:  st,
		cache:  cache,
		ledger: led,
		cfg:    cfg,
		log:    logging.WithComponent("orders"),
	}
}

// CreateRequest is one order submission.
type CreateRequest struct {
	UserID       string          `json:"user_id"`
	ExternalKey  string          `json:"external_key,omitempty"`
	Operation    store.Operation `json:"operation,omitempty"`
	TargetURL    string          `json:"target_url"`
	Country      string          `json:"country,omitempty"`
	Quantity     int             `json:"quantity"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
}

func (r *CreateRequest) validate() error {
	if r.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	}
	if r.PricePerUnit.Sign() <= 0 {
		return fmt.Errorf("%w: price per unit must be positive", ErrInvalidOrder)
	}
	if r.TargetURL == "" {
		return fmt.Errorf("%w: target url required", ErrInvalidOrder)
	}
	if _, err := url.ParseRequestURI(r.TargetURL); err != nil {
		return fmt.Errorf("%w: target url: %v", ErrInvalidOrder, err)
	}
	switch r.Operation {
	case "", store.OpPlayDelivery, store.OpAccountCreation, store.OpPlaylistFollow:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidOrder, r.Operation)
	}
	return nil
}

// Create accepts an order. The bool reports whether a new order was created;
// a duplicate external key returns the existing order with created=false and
// no error, and charges nothing.
func (s *Service) Create(ctx context.Context, req *CreateRequest) (*store.Order, bool, error) {
	if err := req.validate(); err != nil {
		observability.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, false, err
	}

	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, false, err
	}
	if user == nil {
		observability.OrdersRejected.WithLabelValues("validation").Inc()
		return nil, false, ErrUnknownUser
	}

	if req.ExternalKey != "" && s.cache != nil {
		if id, err := s.cache.LookupSubmission(ctx, req.UserID, req.ExternalKey); err != nil {
			s.log.Warn().Err(err).Msg("submission cache lookup failed, falling through to store")
		} else if id != "" {
			if existing, err := s.store.GetOrder(ctx, id); err == nil && existing != nil {
				observability.DuplicateSubmissions.Inc()
				return existing, false, nil
			}
		}
	}

	operation := req.Operation
	if operation == "" {
		operation = store.OpPlayDelivery
	}

	now := time.Now().UTC()
	eta := now.Add(s.deliveryWindow(req.Quantity))
	order := &store.Order{
		ID:                    uuid.New().String(),
		UserID:                req.UserID,
		ExternalKey:           req.ExternalKey,
		Operation:             operation,
		TargetURL:             req.TargetURL,
		Country:               req.Country,
		Quantity:              req.Quantity,
		Remains:               req.Quantity,
		PricePerUnit:          req.PricePerUnit,
		TotalCost:             req.PricePerUnit.Mul(decimal.NewFromInt(int64(req.Quantity))),
		Status:                store.OrderRunning,
		StartedAt:             &now,
		EstimatedCompletionAt: &eta,
	}

	tasks, path := s.plan(order)

	if err := s.store.CreateOrder(ctx, order, tasks); err != nil {
		switch {
		case errors.Is(err, store.ErrDuplicateExternalKey):
			existing, lookupErr := s.store.GetOrderByExternalKey(ctx, req.UserID, req.ExternalKey)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			if existing == nil {
				return nil, false, fmt.Errorf("duplicate external key %q but no existing order", req.ExternalKey)
			}
			observability.DuplicateSubmissions.Inc()
			s.rememberSubmission(ctx, existing)
			return existing, false, nil
		case errors.Is(err, store.ErrInsufficientBalance):
			observability.OrdersRejected.WithLabelValues("insufficient_balance").Inc()
			return nil, false, err
		default:
			return nil, false, err
		}
	}

	observability.OrdersCreated.WithLabelValues(path).Inc()
	s.rememberSubmission(ctx, order)
	s.log.Info().
		Str("order_id", order.ID).
		Str("user_id", order.UserID).
		Int("quantity", order.Quantity).
		Int("tasks", len(tasks)).
		Str("path", path).
		Msg("order accepted")
	return order, true, nil
}

func (s *Service) plan(order *store.Order) ([]*store.Task, string) {
	if order.Quantity <= s.cfg.InstantThreshold && !s.cfg.ForceTaskDelivery {
		return BuildInstantTask(order, s.cfg.MaxAttempts), "instant"
	}
	return BuildTasks(order, s.cfg.SplitSize, s.cfg.MaxAttempts), "split"
}

func (s *Service) deliveryWindow(quantity int) time.Duration {
	rate := s.cfg.DeliveryRatePerHour
	if rate <= 0 {
		rate = 60000
	}
	window := time.Duration(float64(quantity) / float64(rate) * float64(time.Hour))
	if window < time.Minute {
		window = time.Minute
	}
	return window
}

func (s *Service) rememberSubmission(ctx context.Context, order *store.Order) {
	if s.cache == nil || order.ExternalKey == "" {
		return
	}
	if err := s.cache.RememberSubmission(ctx, order.UserID, order.ExternalKey, order.ID); err != nil {
		s.log.Warn().Err(err).Str("order_id", order.ID).Msg("submission cache write failed")
	}
}

// Get returns an order or ErrOrderNotFound.
func (s *Service) Get(ctx context.Context, id string) (*store.Order, error) {
	order, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// Replan recreates any missing tasks for an order. Tokens are deterministic,
// so the existing rows absorb the conflict and only the gap is filled.
func (s *Service) Replan(ctx context.Context, orderID string) (int, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if order.Status.Terminal() {
		return 0, ErrOrderTerminal
	}
	tasks, _ := s.plan(order)
	inserted, err := s.store.EnsureTasks(ctx, tasks)
	if err != nil {
		return 0, err
	}
	if inserted > 0 {
		s.log.Info().Str("order_id", orderID).Int("inserted", inserted).Msg("replanned missing tasks")
	}
	return inserted, nil
}

// Cancel force-fails every non-terminal task, refunds each abandoned slice,
// and moves the order to CANCELLED. Safe to repeat: already-terminal tasks
// and already-refunded slices are skipped by their conditional updates.
func (s *Service) Cancel(ctx context.Context, orderID string) (*store.Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, ErrOrderTerminal
	}

	tasks, err := s.store.ListTasksByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	abandoned := 0
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		progress, err := s.store.AbandonTask(ctx, t.ID, "order cancelled by operator", now)
		if err != nil {
			return nil, err
		}
		if progress == nil {
			continue // task reached a terminal state on its own first
		}
		abandoned++
		if _, err := s.ledger.RefundTask(ctx, t, order, "order cancelled"); err != nil {
			return nil, err
		}
	}

	final, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	notes := store.CancellationNotes(final.Delivered, final.FailedPermanent, final.RefundAmount)
	if _, err := s.store.SetOrderCancelled(ctx, orderID, notes, now); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("order_id", orderID).
		Int("abandoned_tasks", abandoned).
		Msg("order cancelled")
	return s.Get(ctx, orderID)
}
