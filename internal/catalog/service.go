package catalog

import (
	"context"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// RepositoryPort abstracts catalog reads for the service.
type RepositoryPort interface {
	VariantRefs(ctx context.Context, ids []int64) (map[int64]VariantRef, error)
	VariantIDsForProduct(ctx context.Context, productID int64) ([]int64, error)
	SearchVariantIDs(ctx context.Context, text string) ([]int64, error)
}

// Service answers catalog lookups for other modules.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// VariantRefs resolves display attributes for a batch of variant ids.
func (s *Service) VariantRefs(ctx context.Context, ids []int64) (map[int64]VariantRef, error) {
	return s.repo.VariantRefs(ctx, ids)
}

// VariantIDsForProduct lists variant membership for a product.
func (s *Service) VariantIDsForProduct(ctx context.Context, productID int64) ([]int64, error) {
	return s.repo.VariantIDsForProduct(ctx, productID)
}

// SearchVariantIDs matches variants by free text over product name,
// description and SKU. The query is NFC-normalised so composed and
// decomposed unicode input match the same rows.
func (s *Service) SearchVariantIDs(ctx context.Context, query string) ([]int64, error) {
	query = NormalizeQuery(query)
	if query == "" {
		return nil, nil
	}
	return s.repo.SearchVariantIDs(ctx, query)
}

// NormalizeQuery trims and NFC-normalises a free-text search term.
func NormalizeQuery(query string) string {
	return norm.NFC.String(strings.TrimSpace(query))
}
