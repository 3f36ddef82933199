// Package service orchestrates the availability engine over a persistence
// store: rule CRUD with an invalidation-driven cache, point-in-time
// evaluation, preview timelines, bulk mutations, and schedule
// materialization.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/storekit/availz/internal/core"
	"github.com/storekit/availz/internal/repository"
)

const (
	auditTimeout        = 2 * time.Second
	cacheResyncInterval = time.Minute
	cacheReloadTimeout  = 5 * time.Second
)

var (
	ErrRuleNotFound      = errors.New("rule not found")
	ErrInvalidRule       = errors.New("invalid rule")
	ErrProductIDRequired = errors.New("product id is required")
	ErrInvalidWindow     = errors.New("invalid preview window")
)

// ValidationError carries the field-level problems that made a rule invalid.
// It matches ErrInvalidRule under errors.Is.
type ValidationError struct {
	Fields []core.FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Error()
	}
	return "invalid rule: " + strings.Join(msgs, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidRule }

// Repository is the persistence store the service drives. Implemented by
// [repository.PostgresRepository]; tests supply fakes.
type Repository interface {
	CreateRule(ctx context.Context, rule core.Rule) (core.Rule, error)
	UpdateRule(ctx context.Context, rule core.Rule) (core.Rule, error)
	GetRule(ctx context.Context, id string) (core.Rule, error)
	ListRules(ctx context.Context) ([]core.Rule, error)
	ListRulesByProduct(ctx context.Context, productID string) ([]core.Rule, error)
	DeleteRule(ctx context.Context, id string) error
	ListVariants(ctx context.Context, productID string) ([]string, error)
	InsertSchedule(ctx context.Context, schedule repository.Schedule) (repository.Schedule, error)
	InsertAuditEntry(ctx context.Context, entry repository.AuditEntry) error
}

type cacheInvalidationSubscriber interface {
	SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// Clock supplies "now". Injected so evaluation stays deterministic in tests.
type Clock func() time.Time

// Service is the mutable orchestration layer over the pure engine. All
// evaluation paths read from an in-memory rule snapshot kept fresh by
// mutation hooks, LISTEN/NOTIFY invalidations, and a safety-net resync.
type Service struct {
	repo   Repository
	logger *slog.Logger
	clock  Clock

	evaluator core.Evaluator
	previewer core.Previewer
	validator core.Validator

	resyncInterval   time.Duration
	maxPreviewWindow time.Duration

	mu    sync.RWMutex
	cache map[string][]core.Rule

	lockMu       sync.Mutex
	productLocks map[string]*sync.Mutex

	onCacheLoad       func()
	onCacheInvalidate func()
	setCacheSize      func(float64)
	onEvaluation      func(core.State)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithBaseline sets the catalog default state returned when no rule matches.
func WithBaseline(state core.State) Option {
	return func(s *Service) {
		s.evaluator.Baseline = state
		s.previewer.Baseline = state
	}
}

// WithHorizon caps how far ahead next-change searches look.
func WithHorizon(horizon time.Duration) Option {
	return func(s *Service) {
		if horizon > 0 {
			s.evaluator.Horizon = horizon
		}
	}
}

// WithLocations overrides the timezone database lookup.
func WithLocations(resolve core.LocationResolver) Option {
	return func(s *Service) {
		s.evaluator.Matcher.Locations = resolve
		s.previewer.Matcher.Locations = resolve
		s.validator.Locations = resolve
	}
}

// WithCacheResyncInterval sets the safety-net cache reload interval.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithMaxPreviewWindow bounds the span a single preview may cover.
func WithMaxPreviewWindow(window time.Duration) Option {
	return func(s *Service) {
		if window > 0 {
			s.maxPreviewWindow = window
		}
	}
}

// WithCacheMetrics wires cache observability counters.
func WithCacheMetrics(onLoad, onInvalidate func(), setSize func(float64)) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidate = onInvalidate
		s.setCacheSize = setSize
	}
}

// WithEvaluationMetric wires the per-evaluation counter.
func WithEvaluationMetric(record func(core.State)) Option {
	return func(s *Service) {
		s.onEvaluation = record
	}
}

// New creates a Service, eagerly loads the rule cache, and, when the
// repository supports it, starts the cache invalidation listener.
func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		logger:         slog.Default(),
		clock:          time.Now,
		resyncInterval: cacheResyncInterval,
		cache:          make(map[string][]core.Rule),
		productLocks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// LoadCache replaces the in-memory rule snapshot with the store's contents.
func (s *Service) LoadCache(ctx context.Context) error {
	rules, err := s.repo.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	next := make(map[string][]core.Rule)
	for _, rule := range rules {
		next[rule.ProductID] = append(next[rule.ProductID], rule)
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}
	s.reportCacheSize()

	return nil
}

// CreateRule validates and persists a new rule, assigning its ID.
func (s *Service) CreateRule(ctx context.Context, rule core.Rule) (core.Rule, error) {
	if strings.TrimSpace(rule.ProductID) == "" {
		return core.Rule{}, ErrProductIDRequired
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if errs := s.validator.Validate(rule); len(errs) > 0 {
		return core.Rule{}, &ValidationError{Fields: errs}
	}

	created, err := s.repo.CreateRule(ctx, rule)
	if err != nil {
		return core.Rule{}, fmt.Errorf("create rule: %w", err)
	}

	s.cacheUpsert(created)
	s.auditBestEffort(ctx, "created", created)

	return created, nil
}

// UpdateRule validates and persists a full replacement of an existing rule.
func (s *Service) UpdateRule(ctx context.Context, rule core.Rule) (core.Rule, error) {
	if strings.TrimSpace(rule.ID) == "" {
		return core.Rule{}, errors.New("rule id is required")
	}
	if errs := s.validator.Validate(rule); len(errs) > 0 {
		return core.Rule{}, &ValidationError{Fields: errs}
	}

	updated, err := s.repo.UpdateRule(ctx, rule)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.cacheRemove(rule.ProductID, rule.ID)
			return core.Rule{}, ErrRuleNotFound
		}
		return core.Rule{}, fmt.Errorf("update rule: %w", err)
	}

	s.cacheUpsert(updated)
	s.auditBestEffort(ctx, "updated", updated)

	return updated, nil
}

// GetRule retrieves a rule by ID, preferring the cache.
func (s *Service) GetRule(ctx context.Context, id string) (core.Rule, error) {
	if strings.TrimSpace(id) == "" {
		return core.Rule{}, errors.New("rule id is required")
	}

	if rule, ok := s.cachedRule(id); ok {
		return rule, nil
	}

	rule, err := s.repo.GetRule(ctx, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Rule{}, ErrRuleNotFound
		}
		return core.Rule{}, fmt.Errorf("get rule: %w", err)
	}

	s.cacheUpsert(rule)
	return rule, nil
}

// ListRulesForProduct returns the product's rules from the cache snapshot.
func (s *Service) ListRulesForProduct(_ context.Context, productID string) ([]core.Rule, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, ErrProductIDRequired
	}

	s.mu.RLock()
	rules := append([]core.Rule(nil), s.cache[productID]...)
	s.mu.RUnlock()

	if rules == nil {
		rules = []core.Rule{}
	}
	return rules, nil
}

// DeleteRule removes a rule by ID.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	existing, err := s.GetRule(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteRule(ctx, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.cacheRemove(existing.ProductID, id)
			return ErrRuleNotFound
		}
		return fmt.Errorf("delete rule: %w", err)
	}

	s.cacheRemove(existing.ProductID, id)
	s.auditBestEffort(ctx, "deleted", existing)

	return nil
}

// Evaluate computes a product's effective state. A zero at means "now".
func (s *Service) Evaluate(ctx context.Context, productID string, at time.Time, evalCtx core.Context) (core.Evaluation, error) {
	rules, err := s.ListRulesForProduct(ctx, productID)
	if err != nil {
		return core.Evaluation{}, err
	}

	if at.IsZero() {
		at = s.clock()
	}

	evaluation := s.evaluator.Evaluate(productID, rules, at, evalCtx)
	if s.onEvaluation != nil {
		s.onEvaluation(evaluation.CurrentState)
	}

	return evaluation, nil
}

// PreviewTimeline builds the resolved future-state timeline for a product
// over [from, until]. A zero from means "now".
func (s *Service) PreviewTimeline(ctx context.Context, productID string, from, until time.Time, evalCtx core.Context) (core.Preview, error) {
	rules, err := s.ListRulesForProduct(ctx, productID)
	if err != nil {
		return core.Preview{}, err
	}

	if from.IsZero() {
		from = s.clock()
	}
	if !until.After(from) {
		return core.Preview{}, ErrInvalidWindow
	}
	if s.maxPreviewWindow > 0 && until.Sub(from) > s.maxPreviewWindow {
		return core.Preview{}, fmt.Errorf("%w: span exceeds %s", ErrInvalidWindow, s.maxPreviewWindow)
	}

	return s.previewer.Preview(productID, rules, from, until, evalCtx), nil
}

// MaterializeNextChange computes the product's next state transition and
// persists it for the external job runner. It returns nil when no change
// falls within the evaluation horizon, which is the normal quiet-catalog
// case rather than an error.
func (s *Service) MaterializeNextChange(ctx context.Context, productID string, evalCtx core.Context) (*repository.Schedule, error) {
	evaluation, err := s.Evaluate(ctx, productID, time.Time{}, evalCtx)
	if err != nil {
		return nil, err
	}

	next := evaluation.NextStateChange
	if next == nil {
		return nil, nil
	}

	schedule := repository.Schedule{
		ID:          uuid.NewString(),
		ProductID:   productID,
		ScheduledAt: next.At,
		StateChange: next.State,
	}
	if next.Rule != nil {
		schedule.RuleID = next.Rule.ID
	}

	created, err := s.repo.InsertSchedule(ctx, schedule)
	if err != nil {
		return nil, fmt.Errorf("materialize schedule: %w", err)
	}

	s.logger.InfoContext(ctx, "schedule materialized",
		"product_id", productID,
		"scheduled_at", created.ScheduledAt,
		"state", created.StateChange,
	)

	return &created, nil
}

func (s *Service) cachedRule(id string) (core.Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rules := range s.cache {
		for _, rule := range rules {
			if rule.ID == id {
				return rule, true
			}
		}
	}
	return core.Rule{}, false
}

func (s *Service) cacheUpsert(rule core.Rule) {
	s.mu.Lock()
	rules := s.cache[rule.ProductID]
	replaced := false
	for i := range rules {
		if rules[i].ID == rule.ID {
			rules[i] = rule
			replaced = true
			break
		}
	}
	if !replaced {
		rules = append(rules, rule)
	}
	s.cache[rule.ProductID] = rules
	s.mu.Unlock()

	s.reportCacheSize()
}

func (s *Service) cacheRemove(productID, id string) {
	s.mu.Lock()
	rules := s.cache[productID]
	for i := range rules {
		if rules[i].ID == id {
			rules = append(rules[:i], rules[i+1:]...)
			break
		}
	}
	if len(rules) == 0 {
		delete(s.cache, productID)
	} else {
		s.cache[productID] = rules
	}
	s.mu.Unlock()

	s.reportCacheSize()
}

func (s *Service) reportCacheSize() {
	if s.setCacheSize == nil {
		return
	}

	s.mu.RLock()
	total := 0
	for _, rules := range s.cache {
		total += len(rules)
	}
	s.mu.RUnlock()

	s.setCacheSize(float64(total))
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeRuleInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeRuleInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onCacheInvalidate != nil {
					s.onCacheInvalidate()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil {
		s.logger.WarnContext(ctx, "cache reload failed", "error", err)
	}
}

// auditBestEffort records a mutation without letting audit failures affect
// the mutation itself, which has already committed.
func (s *Service) auditBestEffort(ctx context.Context, action string, rule core.Rule) {
	details, err := json.Marshal(rule)
	if err != nil {
		s.logger.WarnContext(ctx, "marshal audit details", "error", err)
		return
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()

	if err := s.repo.InsertAuditEntry(auditCtx, repository.AuditEntry{
		ProductID: rule.ProductID,
		RuleID:    rule.ID,
		Action:    action,
		Details:   details,
	}); err != nil {
		s.logger.WarnContext(ctx, "audit entry failed", "action", action, "rule_id", rule.ID, "error", err)
	}
}
