package domainerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNilReturnsNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, CodeInternal, "ignored"))
}

func TestCodeLookup(t *testing.T) {
	root := errors.New("connection refused")
	inner := Wrap(root, CodeUnavailable, "broker publish failed")
	outer := Wrap(inner, CodeInternal, "failed to start evaluation")

	t.Run("Is only inspects the outermost coded error", func(t *testing.T) {
		assert.True(t, Is(outer, CodeInternal))
		assert.False(t, Is(outer, CodeUnavailable))
	})

	t.Run("HasCode walks the whole chain", func(t *testing.T) {
		assert.True(t, HasCode(outer, CodeUnavailable))
		assert.False(t, HasCode(outer, CodeTimeout))
	})

	t.Run("unwrap reaches the root cause", func(t *testing.T) {
		require.ErrorIs(t, outer, root)
		assert.Equal(t, "failed to start evaluation: broker publish failed: connection refused", outer.Error())
	})

	t.Run("unclassified errors report internal", func(t *testing.T) {
		assert.Equal(t, CodeInternal, CodeOf(root))
		assert.Equal(t, CodeTimeout, CodeOf(Newf(CodeTimeout, "waited %d minutes", 5)))
	})
}
