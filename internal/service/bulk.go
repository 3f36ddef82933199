package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/storekit/availz/internal/core"
	"github.com/storekit/availz/internal/legacy"
)

// BulkOperation names what a bulk request does to each target product.
type BulkOperation string

const (
	BulkCreate BulkOperation = "create"
	BulkUpdate BulkOperation = "update"
	BulkDelete BulkOperation = "delete"
)

func (op BulkOperation) valid() bool {
	switch op {
	case BulkCreate, BulkUpdate, BulkDelete:
		return true
	}
	return false
}

// BulkRequest applies one rule draft across many products. Update and
// delete locate each product's target rule by the draft's name, since rule
// IDs differ per product; create stamps a fresh ID per target.
type BulkRequest struct {
	Operation       BulkOperation `json:"operation"`
	ProductIDs      []string      `json:"product_ids"`
	Draft           core.Rule     `json:"draft"`
	ApplyToVariants bool          `json:"apply_to_variants"`
}

// BulkFailure reports one product that a bulk request could not process.
type BulkFailure struct {
	ProductID string `json:"product_id"`
	Error     string `json:"error"`
}

// BulkResult summarizes a bulk request. A failed product never blocks the
// rest of the batch.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

// BulkApply runs one operation across every listed product, expanding each
// product to its variants when requested. Products are processed
// independently: one product's failure is recorded and the batch moves on.
func (s *Service) BulkApply(ctx context.Context, req BulkRequest) (BulkResult, error) {
	if !req.Operation.valid() {
		return BulkResult{}, fmt.Errorf("unknown bulk operation %q", req.Operation)
	}
	if len(req.ProductIDs) == 0 {
		return BulkResult{}, errors.New("product_ids is empty")
	}
	if req.Operation != BulkDelete && req.Draft.Type == "" {
		return BulkResult{}, errors.New("draft rule is required")
	}
	if strings.TrimSpace(req.Draft.Name) == "" {
		return BulkResult{}, errors.New("draft rule name is required")
	}

	result := BulkResult{Succeeded: []string{}, Failed: []BulkFailure{}}

	for _, productID := range req.ProductIDs {
		targets := []string{productID}
		if req.ApplyToVariants {
			variants, err := s.repo.ListVariants(ctx, productID)
			if err != nil {
				result.Failed = append(result.Failed, BulkFailure{
					ProductID: productID,
					Error:     fmt.Sprintf("list variants: %v", err),
				})
				continue
			}
			targets = append(targets, variants...)
		}

		for _, target := range targets {
			if err := s.applyBulkTarget(ctx, req, target); err != nil {
				result.Failed = append(result.Failed, BulkFailure{ProductID: target, Error: err.Error()})
				continue
			}
			result.Succeeded = append(result.Succeeded, target)
		}
	}

	s.logger.InfoContext(ctx, "bulk operation finished",
		"operation", string(req.Operation),
		"succeeded", len(result.Succeeded),
		"failed", len(result.Failed),
	)

	return result, nil
}

func (s *Service) applyBulkTarget(ctx context.Context, req BulkRequest, productID string) error {
	unlock := s.lockProduct(productID)
	defer unlock()

	switch req.Operation {
	case BulkCreate:
		draft := req.Draft
		draft.ID = uuid.NewString()
		draft.ProductID = productID
		_, err := s.CreateRule(ctx, draft)
		return err

	case BulkUpdate:
		existing, err := s.ruleByName(ctx, productID, req.Draft.Name)
		if err != nil {
			return err
		}
		draft := req.Draft
		draft.ID = existing.ID
		draft.ProductID = productID
		draft.CreatedAt = existing.CreatedAt
		_, err = s.UpdateRule(ctx, draft)
		return err

	case BulkDelete:
		existing, err := s.ruleByName(ctx, productID, req.Draft.Name)
		if err != nil {
			return err
		}
		return s.DeleteRule(ctx, existing.ID)
	}

	return fmt.Errorf("unknown bulk operation %q", req.Operation)
}

func (s *Service) ruleByName(ctx context.Context, productID, name string) (core.Rule, error) {
	rules, err := s.repo.ListRulesByProduct(ctx, productID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Rule{}, ErrRuleNotFound
		}
		return core.Rule{}, fmt.Errorf("list rules: %w", err)
	}
	for _, rule := range rules {
		if rule.Name == name {
			return rule, nil
		}
	}
	return core.Rule{}, fmt.Errorf("%w: no rule named %q", ErrRuleNotFound, name)
}

// lockProduct serializes bulk mutations per product so concurrent batches
// touching the same product cannot interleave their read-modify-write steps.
func (s *Service) lockProduct(productID string) func() {
	s.lockMu.Lock()
	lock, ok := s.productLocks[productID]
	if !ok {
		lock = &sync.Mutex{}
		s.productLocks[productID] = lock
	}
	s.lockMu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// LegacyImport is one product's migration outcome: the drafts generated
// from its boolean-era flags, plus any that failed validation. Drafts are
// returned rather than persisted so an operator can review them first.
type LegacyImport struct {
	ProductID string        `json:"product_id"`
	Drafts    []core.Rule   `json:"drafts"`
	Skipped   []BulkFailure `json:"skipped,omitempty"`
}

// ImportLegacy converts boolean-era availability flags into rule drafts,
// stamping IDs and running each draft through validation. Persisting the
// survivors is the caller's decision, via CreateRule or BulkApply.
func (s *Service) ImportLegacy(ctx context.Context, productID string, flags legacy.Flags) (LegacyImport, error) {
	if strings.TrimSpace(productID) == "" {
		return LegacyImport{}, ErrProductIDRequired
	}

	out := LegacyImport{ProductID: productID, Drafts: []core.Rule{}}
	now := s.clock().UTC()

	for _, draft := range legacy.FromLegacy(productID, flags) {
		draft.ID = uuid.NewString()
		draft.CreatedAt = now
		draft.UpdatedAt = now
		if errs := s.validator.Validate(draft); len(errs) > 0 {
			verr := &ValidationError{Fields: errs}
			out.Skipped = append(out.Skipped, BulkFailure{ProductID: productID, Error: verr.Error()})
			s.logger.WarnContext(ctx, "legacy draft rejected", "product_id", productID, "rule", draft.Name, "error", verr)
			continue
		}
		out.Drafts = append(out.Drafts, draft)
	}

	return out, nil
}
