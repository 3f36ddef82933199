// Package repository provides PostgreSQL-backed persistence for availability
// rules and materialized schedules. It also handles LISTEN/NOTIFY-based cache
// invalidation so the service layer stays fresh without polling the database
// into submission.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storekit/availz/internal/core"
)

const defaultNotifyChannel = "rule_events"

// Schedule is a materialized future state transition. Rows are created by the
// service's schedule materialization and consumed by an external job runner,
// which flips the product state and marks the row processed.
type Schedule struct {
	ID           string     `json:"id"`
	RuleID       string     `json:"rule_id"`
	ProductID    string     `json:"product_id"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	StateChange  core.State `json:"state_change"`
	Processed    bool       `json:"processed"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// AuditEntry records a mutation performed on a rule for audit purposes.
type AuditEntry struct {
	ID        int64           `json:"id"`
	ProductID string          `json:"product_id"`
	RuleID    string          `json:"rule_id"`
	Action    string          `json:"action"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// PostgresRepository implements rule and schedule persistence backed by a
// pgxpool connection pool. It also supports LISTEN/NOTIFY for real-time cache
// invalidation.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "rule_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name for rule change notifications.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

const ruleColumns = `id, product_id, name, enabled, priority, rule_type, state,
	start_date, end_date, seasonal_config, time_restrictions,
	pre_order_settings, view_only_settings, override_square, created_at, updated_at`

// CreateRule inserts a new rule row and notifies listeners in a single
// transaction. It returns the created record with server-generated
// timestamps.
func (r *PostgresRepository) CreateRule(ctx context.Context, rule core.Rule) (core.Rule, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return core.Rule{}, fmt.Errorf("begin create rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO availability_rules (
			id, product_id, name, enabled, priority, rule_type, state,
			start_date, end_date, seasonal_config, time_restrictions,
			pre_order_settings, view_only_settings, override_square
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING `+ruleColumns,
		rule.ID,
		rule.ProductID,
		rule.Name,
		rule.Enabled,
		rule.Priority,
		rule.Type,
		rule.State,
		rule.StartDate,
		rule.EndDate,
		rule.Seasonal,
		rule.Times,
		rule.PreOrder,
		rule.ViewOnly,
		rule.OverrideSquare,
	)
	created, err := scanRule(row)
	if err != nil {
		return core.Rule{}, fmt.Errorf("create rule: %w", err)
	}

	if err := r.notifyRuleChange(ctx, tx, created.ProductID, created.ID, "created"); err != nil {
		return core.Rule{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return core.Rule{}, fmt.Errorf("commit create rule tx: %w", err)
	}

	return created, nil
}

// UpdateRule updates an existing rule row identified by ID and returns the
// updated record. Returns pgx.ErrNoRows (wrapped) if the rule does not exist.
func (r *PostgresRepository) UpdateRule(ctx context.Context, rule core.Rule) (core.Rule, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return core.Rule{}, fmt.Errorf("begin update rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE availability_rules
		SET product_id = $2,
		    name = $3,
		    enabled = $4,
		    priority = $5,
		    rule_type = $6,
		    state = $7,
		    start_date = $8,
		    end_date = $9,
		    seasonal_config = $10,
		    time_restrictions = $11,
		    pre_order_settings = $12,
		    view_only_settings = $13,
		    override_square = $14,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING `+ruleColumns,
		rule.ID,
		rule.ProductID,
		rule.Name,
		rule.Enabled,
		rule.Priority,
		rule.Type,
		rule.State,
		rule.StartDate,
		rule.EndDate,
		rule.Seasonal,
		rule.Times,
		rule.PreOrder,
		rule.ViewOnly,
		rule.OverrideSquare,
	)
	updated, err := scanRule(row)
	if err != nil {
		return core.Rule{}, fmt.Errorf("update rule: %w", err)
	}

	if err := r.notifyRuleChange(ctx, tx, updated.ProductID, updated.ID, "updated"); err != nil {
		return core.Rule{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return core.Rule{}, fmt.Errorf("commit update rule tx: %w", err)
	}

	return updated, nil
}

// GetRule retrieves a single rule by ID. Returns pgx.ErrNoRows (wrapped) if
// not found.
func (r *PostgresRepository) GetRule(ctx context.Context, id string) (core.Rule, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE id = $1
	`, id)
	rule, err := scanRule(row)
	if err != nil {
		return core.Rule{}, fmt.Errorf("get rule: %w", err)
	}

	return rule, nil
}

// ListRulesByProduct returns all rules for one product, ordered by priority
// descending then ID.
func (r *PostgresRepository) ListRulesByProduct(ctx context.Context, productID string) ([]core.Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		WHERE product_id = $1
		ORDER BY priority DESC, id
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("list rules by product: %w", err)
	}
	defer rows.Close()

	return collectRules(rows)
}

// ListRules returns all rules ordered by product then priority, used to warm
// the service cache.
func (r *PostgresRepository) ListRules(ctx context.Context) ([]core.Rule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM availability_rules
		ORDER BY product_id, priority DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	return collectRules(rows)
}

// DeleteRule removes a rule by ID. Returns pgx.ErrNoRows (wrapped) if the
// rule does not exist. Pending schedules materialized from the rule are
// removed in the same transaction so the job runner never acts on a deleted
// rule.
func (r *PostgresRepository) DeleteRule(ctx context.Context, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete rule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var productID string
	if err := tx.QueryRow(ctx, `
		DELETE FROM availability_rules WHERE id = $1
		RETURNING product_id
	`, id).Scan(&productID); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		DELETE FROM availability_schedules WHERE rule_id = $1 AND NOT processed
	`, id); err != nil {
		return fmt.Errorf("delete pending schedules: %w", err)
	}

	if err := r.notifyRuleChange(ctx, tx, productID, id, "deleted"); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete rule tx: %w", err)
	}

	return nil
}

// ListVariants returns the variant IDs recorded for a product by the catalog
// sync. An empty result is normal for products without variants.
func (r *PostgresRepository) ListVariants(ctx context.Context, productID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT variant_id
		FROM product_variants
		WHERE product_id = $1
		ORDER BY variant_id
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	variants := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		variants = append(variants, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list variants rows: %w", err)
	}

	return variants, nil
}

// InsertSchedule materializes a computed future transition. Any previous
// unprocessed schedule for the same rule is replaced, so the job runner only
// ever sees the latest computation.
func (r *PostgresRepository) InsertSchedule(ctx context.Context, schedule Schedule) (Schedule, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Schedule{}, fmt.Errorf("begin insert schedule tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM availability_schedules WHERE rule_id = $1 AND NOT processed
	`, schedule.RuleID); err != nil {
		return Schedule{}, fmt.Errorf("replace pending schedule: %w", err)
	}

	var created Schedule
	if err := tx.QueryRow(ctx, `
		INSERT INTO availability_schedules (id, rule_id, product_id, scheduled_at, state_change)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, rule_id, product_id, scheduled_at, state_change, processed, processed_at, error_message, created_at
	`,
		schedule.ID,
		schedule.RuleID,
		schedule.ProductID,
		schedule.ScheduledAt,
		schedule.StateChange,
	).Scan(
		&created.ID,
		&created.RuleID,
		&created.ProductID,
		&created.ScheduledAt,
		&created.StateChange,
		&created.Processed,
		&created.ProcessedAt,
		&created.ErrorMessage,
		&created.CreatedAt,
	); err != nil {
		return Schedule{}, fmt.Errorf("insert schedule: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Schedule{}, fmt.Errorf("commit insert schedule tx: %w", err)
	}

	return created, nil
}

// ListDueSchedules returns up to limit unprocessed schedules due at or before
// the given instant, oldest first. The external job runner polls this.
func (r *PostgresRepository) ListDueSchedules(ctx context.Context, due time.Time, limit int) ([]Schedule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, rule_id, product_id, scheduled_at, state_change, processed, processed_at, error_message, created_at
		FROM availability_schedules
		WHERE NOT processed AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
	`, due, limit)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	schedules := make([]Schedule, 0)
	for rows.Next() {
		var s Schedule
		if err := rows.Scan(
			&s.ID,
			&s.RuleID,
			&s.ProductID,
			&s.ScheduledAt,
			&s.StateChange,
			&s.Processed,
			&s.ProcessedAt,
			&s.ErrorMessage,
			&s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due schedules rows: %w", err)
	}

	return schedules, nil
}

// MarkScheduleProcessed records the job runner's outcome for a schedule. A
// non-nil errMessage marks a failed flip without blocking later schedules.
// Returns pgx.ErrNoRows (wrapped) if the schedule does not exist.
func (r *PostgresRepository) MarkScheduleProcessed(ctx context.Context, id string, errMessage *string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE availability_schedules
		SET processed = TRUE, processed_at = NOW(), error_message = $2
		WHERE id = $1
	`, id, errMessage)
	if err != nil {
		return fmt.Errorf("mark schedule processed: %w", err)
	}
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("mark schedule processed: %w", pgx.ErrNoRows)
	}

	return nil
}

// InsertAuditEntry writes a single audit log entry.
func (r *PostgresRepository) InsertAuditEntry(ctx context.Context, entry AuditEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO rule_audit_log (product_id, rule_id, action, details)
		VALUES ($1, $2, $3, $4)
	`, entry.ProductID, entry.RuleID, entry.Action, ensureJSON(entry.Details, "{}"))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns audit log entries for a product, newest first.
func (r *PostgresRepository) ListAuditEntries(ctx context.Context, productID string, limit int) ([]AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, product_id, rule_id, action, details, created_at
		FROM rule_audit_log
		WHERE product_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, productID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ProductID, &e.RuleID, &e.Action, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit entries rows: %w", err)
	}

	return entries, nil
}

// SubscribeRuleInvalidation returns a channel that receives a signal whenever
// a rule change notification arrives on the PostgreSQL LISTEN channel. The
// channel is closed if the underlying connection is lost.
func (r *PostgresRepository) SubscribeRuleInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runRuleInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runRuleInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForRuleInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForRuleInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for rule change notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func (r *PostgresRepository) notifyRuleChange(ctx context.Context, tx pgx.Tx, productID, ruleID, changeType string) error {
	payload, err := json.Marshal(struct {
		ProductID  string `json:"product_id"`
		RuleID     string `json:"rule_id"`
		ChangeType string `json:"change_type"`
	}{
		ProductID:  productID,
		RuleID:     ruleID,
		ChangeType: changeType,
	})
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify rule change: %w", err)
	}

	return nil
}

func scanRule(row pgx.Row) (core.Rule, error) {
	var rule core.Rule
	err := row.Scan(
		&rule.ID,
		&rule.ProductID,
		&rule.Name,
		&rule.Enabled,
		&rule.Priority,
		&rule.Type,
		&rule.State,
		&rule.StartDate,
		&rule.EndDate,
		&rule.Seasonal,
		&rule.Times,
		&rule.PreOrder,
		&rule.ViewOnly,
		&rule.OverrideSquare,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	return rule, err
}

func collectRules(rows pgx.Rows) ([]core.Rule, error) {
	rules := make([]core.Rule, 0)
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rule rows: %w", err)
	}

	return rules, nil
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}
