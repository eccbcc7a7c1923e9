package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PersistIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "sink.db"))
	require.NoError(t, err)
	defer s.Close()

	inserted, err := s.Persist(ctx, []byte(`{"id":1}`))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.Persist(ctx, []byte(`{"id":1}`))
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate delivery must not add a row")

	inserted, err = s.Persist(ctx, []byte(`{"id":2}`))
	require.NoError(t, err)
	assert.True(t, inserted)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	payloads, err := s.Payloads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{`{"id":1}`, `{"id":2}`}, payloads)
}
