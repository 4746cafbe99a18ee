package uuid

import (
	"testing"

	guuid "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	t.Parallel()

	gen := NewGenerator()
	seen := make(map[string]bool)
	var prev string
	for i := 0; i < 100; i++ {
		id, err := gen.NewID()
		require.NoError(t, err)

		parsed, err := guuid.Parse(id)
		require.NoError(t, err)
		require.Equal(t, guuid.Version(7), parsed.Version())

		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true

		// v7 ids are time-ordered, so lexicographic order follows creation.
		if prev != "" {
			require.GreaterOrEqual(t, id, prev)
		}
		prev = id
	}
}
