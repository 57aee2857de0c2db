package ids

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "evalbus/pkg/domain-errors"
)

func TestEvaluationID(t *testing.T) {
	t.Run("deterministic under injected entropy", func(t *testing.T) {
		seed := bytes.Repeat([]byte{0xAB}, 40)
		a, err := NewGenerator(bytes.NewReader(seed)).EvaluationID()
		require.NoError(t, err)
		b, err := NewGenerator(bytes.NewReader(seed)).EvaluationID()
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("encodes 160 bits without padding", func(t *testing.T) {
		id, err := NewGenerator(nil).EvaluationID()
		require.NoError(t, err)
		assert.Len(t, id, 27)
		assert.NotContains(t, id, "=")

		raw, err := base64.RawURLEncoding.DecodeString(id)
		require.NoError(t, err)
		assert.Len(t, raw, 20)
	})

	t.Run("short entropy is an internal error", func(t *testing.T) {
		_, err := NewGenerator(bytes.NewReader([]byte{1, 2, 3})).EvaluationID()
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInternal))
	})

	t.Run("consecutive ids differ", func(t *testing.T) {
		g := NewGenerator(nil)
		a, _ := g.EvaluationID()
		b, _ := g.EvaluationID()
		assert.NotEqual(t, a, b)
	})
}

func TestParseEvaluationID(t *testing.T) {
	_, err := ParseEvaluationID("")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))

	_, err = ParseEvaluationID("abc=")
	assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))

	id, err := ParseEvaluationID("q83vEjRWeJq83vEjRWeJq83vEjQ")
	require.NoError(t, err)
	assert.Equal(t, "q83vEjRWeJq83vEjRWeJq83vEjQ", id)
}

func TestMessageID(t *testing.T) {
	assert.Equal(t, "ID:abc-m7", MessageID("abc", 7))
}
