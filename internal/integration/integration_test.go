//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/docker/go-connections/nat"

	"github.com/storekit/availz/internal/core"
	"github.com/storekit/availz/internal/repository"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "availz_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/availz_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/availz_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	// Run goose migrations.
	migrationsDir, err := findMigrationsDir()
	if err != nil {
		log.Printf("find migrations: %v", err)
		return 1
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close db after migrations: %v", err)
		}
	}()
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	// Create pgxpool for repository usage.
	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

// findMigrationsDir walks up from the working directory until it finds a
// migrations/ directory (the repository root contains it).
func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("migrations directory not found")
		}
		dir = parent
	}
}

func newRepo() *repository.PostgresRepository {
	return repository.NewPostgresRepository(testPool)
}

func randID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func testRule(productID, name string) core.Rule {
	rule := core.NewDateRangeRule(productID, name, core.StateHidden, 5, nil, nil)
	rule.ID = "rule-" + randID()
	return rule
}

func insertVariant(t *testing.T, productID, variantID string) {
	t.Helper()
	_, err := testPool.Exec(context.Background(), `
		INSERT INTO product_variants (variant_id, product_id)
		VALUES ($1, $2)
	`, variantID, productID)
	if err != nil {
		t.Fatalf("insert variant: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Rule CRUD
// ---------------------------------------------------------------------------

func TestRuleCRUD(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		productID := "product-" + randID()
		rule := testRule(productID, "hide for launch")

		created, err := repo.CreateRule(ctx, rule)
		if err != nil {
			t.Fatalf("CreateRule: %v", err)
		}
		if created.ID != rule.ID {
			t.Errorf("ID = %q, want %q", created.ID, rule.ID)
		}
		if created.State != core.StateHidden {
			t.Errorf("State = %q, want %q", created.State, core.StateHidden)
		}
		if created.CreatedAt.IsZero() {
			t.Error("CreatedAt is zero")
		}

		got, err := repo.GetRule(ctx, rule.ID)
		if err != nil {
			t.Fatalf("GetRule: %v", err)
		}
		if got.Name != "hide for launch" {
			t.Errorf("Name = %q, want %q", got.Name, "hide for launch")
		}
		if got.ProductID != productID {
			t.Errorf("ProductID = %q, want %q", got.ProductID, productID)
		}
	})

	t.Run("typed configs round-trip through jsonb", func(t *testing.T) {
		productID := "product-" + randID()
		delivery := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		deposit := decimal.RequireFromString("19.99")
		maxQty := 3

		rule := core.NewSeasonalRule(productID, "winter preorder", core.StatePreOrder, 7, core.SeasonalConfig{
			StartMonth: 12, StartDay: 1,
			EndMonth: 2, EndDay: 28,
			Yearly:   true,
			Timezone: "America/New_York",
		})
		rule.ID = "rule-" + randID()
		rule.PreOrder = &core.PreOrderSettings{
			Message:              "Ships in March",
			ExpectedDeliveryDate: &delivery,
			MaxQuantity:          &maxQty,
			RequireDeposit:       true,
			DepositAmount:        &deposit,
		}

		if _, err := repo.CreateRule(ctx, rule); err != nil {
			t.Fatalf("CreateRule: %v", err)
		}

		got, err := repo.GetRule(ctx, rule.ID)
		if err != nil {
			t.Fatalf("GetRule: %v", err)
		}
		if got.Seasonal == nil || got.Seasonal.StartMonth != 12 || got.Seasonal.Timezone != "America/New_York" {
			t.Errorf("Seasonal = %+v, want the persisted config", got.Seasonal)
		}
		if got.PreOrder == nil {
			t.Fatal("PreOrder config was not persisted")
		}
		if got.PreOrder.Message != "Ships in March" {
			t.Errorf("Message = %q, want %q", got.PreOrder.Message, "Ships in March")
		}
		if got.PreOrder.DepositAmount == nil || !got.PreOrder.DepositAmount.Equal(deposit) {
			t.Errorf("DepositAmount = %v, want %v", got.PreOrder.DepositAmount, deposit)
		}
		if got.PreOrder.ExpectedDeliveryDate == nil || !got.PreOrder.ExpectedDeliveryDate.Equal(delivery) {
			t.Errorf("ExpectedDeliveryDate = %v, want %v", got.PreOrder.ExpectedDeliveryDate, delivery)
		}
	})

	t.Run("update", func(t *testing.T) {
		productID := "product-" + randID()
		rule := testRule(productID, "original")

		if _, err := repo.CreateRule(ctx, rule); err != nil {
			t.Fatalf("CreateRule: %v", err)
		}

		rule.Name = "renamed"
		rule.Priority = 42
		updated, err := repo.UpdateRule(ctx, rule)
		if err != nil {
			t.Fatalf("UpdateRule: %v", err)
		}
		if updated.Name != "renamed" {
			t.Errorf("Name = %q, want %q", updated.Name, "renamed")
		}
		if updated.Priority != 42 {
			t.Errorf("Priority = %d, want 42", updated.Priority)
		}
	})

	t.Run("update nonexistent returns error", func(t *testing.T) {
		_, err := repo.UpdateRule(ctx, testRule("product-"+randID(), "ghost"))
		if err == nil {
			t.Fatal("expected error for nonexistent rule, got nil")
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		rule := testRule("product-"+randID(), "to-delete")
		if _, err := repo.CreateRule(ctx, rule); err != nil {
			t.Fatalf("CreateRule: %v", err)
		}

		if err := repo.DeleteRule(ctx, rule.ID); err != nil {
			t.Fatalf("DeleteRule: %v", err)
		}

		if _, err := repo.GetRule(ctx, rule.ID); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})

	t.Run("list by product orders by priority", func(t *testing.T) {
		productID := "product-" + randID()
		for i, priority := range []int{3, 9, 6} {
			rule := testRule(productID, fmt.Sprintf("rule-%d", i))
			rule.Priority = priority
			if _, err := repo.CreateRule(ctx, rule); err != nil {
				t.Fatalf("CreateRule: %v", err)
			}
		}

		rules, err := repo.ListRulesByProduct(ctx, productID)
		if err != nil {
			t.Fatalf("ListRulesByProduct: %v", err)
		}
		if len(rules) != 3 {
			t.Fatalf("got %d rules, want 3", len(rules))
		}
		if rules[0].Priority != 9 || rules[1].Priority != 6 || rules[2].Priority != 3 {
			t.Errorf("priorities = %d,%d,%d, want descending", rules[0].Priority, rules[1].Priority, rules[2].Priority)
		}
	})
}

// ---------------------------------------------------------------------------
// Variants
// ---------------------------------------------------------------------------

func TestListVariants(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	productID := "product-" + randID()
	insertVariant(t, productID, productID+"-red")
	insertVariant(t, productID, productID+"-blue")

	variants, err := repo.ListVariants(ctx, productID)
	if err != nil {
		t.Fatalf("ListVariants: %v", err)
	}
	if len(variants) != 2 {
		t.Fatalf("got %d variants, want 2", len(variants))
	}

	none, err := repo.ListVariants(ctx, "product-without-variants")
	if err != nil {
		t.Fatalf("ListVariants: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("got %d variants, want 0", len(none))
	}
}

// ---------------------------------------------------------------------------
// Schedules
// ---------------------------------------------------------------------------

func TestSchedules(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("insert replaces pending schedule for the same rule", func(t *testing.T) {
		rule := testRule("product-"+randID(), "scheduled")
		if _, err := repo.CreateRule(ctx, rule); err != nil {
			t.Fatalf("CreateRule: %v", err)
		}

		first := repository.Schedule{
			ID:          "sched-" + randID(),
			RuleID:      rule.ID,
			ProductID:   rule.ProductID,
			ScheduledAt: time.Now().Add(time.Hour).UTC(),
			StateChange: core.StateSoldOut,
		}
		if _, err := repo.InsertSchedule(ctx, first); err != nil {
			t.Fatalf("InsertSchedule: %v", err)
		}

		second := first
		second.ID = "sched-" + randID()
		second.ScheduledAt = time.Now().Add(2 * time.Hour).UTC()
		if _, err := repo.InsertSchedule(ctx, second); err != nil {
			t.Fatalf("InsertSchedule replacement: %v", err)
		}

		due, err := repo.ListDueSchedules(ctx, time.Now().Add(3*time.Hour).UTC(), 10)
		if err != nil {
			t.Fatalf("ListDueSchedules: %v", err)
		}
		var forRule []repository.Schedule
		for _, s := range due {
			if s.RuleID == rule.ID {
				forRule = append(forRule, s)
			}
		}
		if len(forRule) != 1 {
			t.Fatalf("got %d pending schedules for the rule, want 1", len(forRule))
		}
		if forRule[0].ID != second.ID {
			t.Errorf("pending schedule = %q, want the replacement %q", forRule[0].ID, second.ID)
		}
	})

	t.Run("mark processed", func(t *testing.T) {
		rule := testRule("product-"+randID(), "processing")
		if _, err := repo.CreateRule(ctx, rule); err != nil {
			t.Fatalf("CreateRule: %v", err)
		}

		schedule := repository.Schedule{
			ID:          "sched-" + randID(),
			RuleID:      rule.ID,
			ProductID:   rule.ProductID,
			ScheduledAt: time.Now().Add(-time.Minute).UTC(),
			StateChange: core.StateAvailable,
		}
		if _, err := repo.InsertSchedule(ctx, schedule); err != nil {
			t.Fatalf("InsertSchedule: %v", err)
		}

		if err := repo.MarkScheduleProcessed(ctx, schedule.ID, nil); err != nil {
			t.Fatalf("MarkScheduleProcessed: %v", err)
		}

		due, err := repo.ListDueSchedules(ctx, time.Now().UTC(), 10)
		if err != nil {
			t.Fatalf("ListDueSchedules: %v", err)
		}
		for _, s := range due {
			if s.ID == schedule.ID {
				t.Fatal("processed schedule still listed as due")
			}
		}

		if err := repo.MarkScheduleProcessed(ctx, "sched-missing", nil); !errors.Is(err, pgx.ErrNoRows) {
			t.Errorf("error = %v, want wrapping pgx.ErrNoRows", err)
		}
	})
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

func TestAuditLog(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	productID := "product-" + randID()
	rule := testRule(productID, "audited")
	if _, err := repo.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	for _, action := range []string{"created", "updated", "deleted"} {
		err := repo.InsertAuditEntry(ctx, repository.AuditEntry{
			ProductID: productID,
			RuleID:    rule.ID,
			Action:    action,
			Details:   []byte(`{"source":"integration"}`),
		})
		if err != nil {
			t.Fatalf("InsertAuditEntry(%q): %v", action, err)
		}
	}

	entries, err := repo.ListAuditEntries(ctx, productID, 10)
	if err != nil {
		t.Fatalf("ListAuditEntries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	// Newest first.
	if entries[0].Action != "deleted" || entries[2].Action != "created" {
		t.Errorf("order = %q..%q, want newest first", entries[0].Action, entries[2].Action)
	}
}

// ---------------------------------------------------------------------------
// Cache invalidation notifications
// ---------------------------------------------------------------------------

func TestRuleInvalidationNotify(t *testing.T) {
	repo := newRepo()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	invalidations, err := repo.SubscribeRuleInvalidation(ctx)
	if err != nil {
		t.Fatalf("SubscribeRuleInvalidation: %v", err)
	}

	// Give the listener a moment to attach before writing.
	time.Sleep(500 * time.Millisecond)

	rule := testRule("product-"+randID(), "notify me")
	if _, err := repo.CreateRule(ctx, rule); err != nil {
		t.Fatalf("CreateRule: %v", err)
	}

	select {
	case <-invalidations:
	case <-time.After(5 * time.Second):
		t.Fatal("no invalidation received after rule creation")
	}
}
