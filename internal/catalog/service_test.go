package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubRepo struct {
	gotText string
	ids     []int64
}

func (s *stubRepo) VariantRefs(ctx context.Context, ids []int64) (map[int64]VariantRef, error) {
	return map[int64]VariantRef{}, nil
}

func (s *stubRepo) VariantIDsForProduct(ctx context.Context, productID int64) ([]int64, error) {
	return s.ids, nil
}

func (s *stubRepo) SearchVariantIDs(ctx context.Context, text string) ([]int64, error) {
	s.gotText = text
	return s.ids, nil
}

func TestNormalizeQuery(t *testing.T) {
	require.Equal(t, "fern", NormalizeQuery("  fern "))
	// Decomposed e + combining acute collapses to the composed form.
	require.Equal(t, "café", NormalizeQuery("café"))
	require.Equal(t, "", NormalizeQuery("   "))
}

func TestSearchVariantIDsNormalisesBeforeQuerying(t *testing.T) {
	repo := &stubRepo{ids: []int64{3}}
	svc := NewService(repo)

	ids, err := svc.SearchVariantIDs(context.Background(), "  Monstera ")
	require.NoError(t, err)
	require.Equal(t, []int64{3}, ids)
	require.Equal(t, "Monstera", repo.gotText)

	ids, err = svc.SearchVariantIDs(context.Background(), "   ")
	require.NoError(t, err)
	require.Nil(t, ids)
}
