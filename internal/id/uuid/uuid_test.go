package uuid

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewRecordIDIsVersion7(t *testing.T) {
	t.Parallel()

	parsed, err := uuid.Parse(NewRecordID())
	require.NoError(t, err)
	require.Equal(t, uuid.Version(7), parsed.Version())
}

func TestNewRecordIDSortsByCreation(t *testing.T) {
	t.Parallel()

	first := NewRecordID()
	second := NewRecordID()
	require.NotEqual(t, first, second)
	require.Less(t, first, second)
}
