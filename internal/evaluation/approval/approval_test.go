package approval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalbus/internal/evaluation/models"
)

func TestAllowAll(t *testing.T) {
	ctx := context.Background()

	ok, err := AllowAll{}.Approve(ctx, models.FormatPNG, "sub-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = AllowAll{}.Approve(ctx, models.FormatPNG, "  ")
	require.NoError(t, err)
	assert.False(t, ok, "blank subscriber ids are never approved")
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	s := NewStatic()
	s.Grant(models.FormatPNG, "sub-1", "sub-1", "sub-2")

	t.Run("approved pair", func(t *testing.T) {
		ok, err := s.Approve(ctx, models.FormatPNG, "sub-2")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("format without entries approves nobody", func(t *testing.T) {
		ok, err := s.Approve(ctx, models.FormatCSV, "sub-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStaticFromConfig(t *testing.T) {
	ctx := context.Background()

	s, err := StaticFromConfig(map[string]string{
		"png": " sub-1, sub-2 ,,",
		"CSV": "sub-3",
	})
	require.NoError(t, err)

	for _, tc := range []struct {
		format models.Format
		id     string
		want   bool
	}{
		{models.FormatPNG, "sub-1", true},
		{models.FormatPNG, "sub-2", true},
		{models.FormatPNG, "sub-3", false},
		{models.FormatCSV, "sub-3", true},
		{models.FormatSVG, "sub-1", false},
	} {
		ok, err := s.Approve(ctx, tc.format, tc.id)
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, "%s/%s", tc.format, tc.id)
	}

	_, err = StaticFromConfig(map[string]string{"GIF": "sub-1"})
	assert.Error(t, err)
}

func TestApprovedFormats(t *testing.T) {
	ctx := context.Background()
	s := NewStatic()
	s.Grant(models.FormatCSV, "sub-1")
	s.Grant(models.FormatPNG, "sub-1")

	got, err := ApprovedFormats(ctx, s, "sub-1", []models.Format{models.FormatPNG, models.FormatSVG, models.FormatCSV})
	require.NoError(t, err)
	assert.Equal(t, []models.Format{models.FormatPNG, models.FormatCSV}, got)

	failing := ApproverFunc(func(context.Context, models.Format, string) (bool, error) {
		return false, errors.New("store down")
	})
	_, err = ApprovedFormats(ctx, failing, "sub-1", []models.Format{models.FormatPNG})
	assert.ErrorContains(t, err, "store down")
}
