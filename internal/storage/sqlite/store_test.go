package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"raffleBridge/internal/storage"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(filepath.Join(t.TempDir(), "state.sqlite"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(ctx, storage.KeySessionInfo)
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, s.Set(ctx, storage.KeySessionInfo, []byte(`{"address":"0x01"}`)))
	require.NoError(t, s.Set(ctx, storage.KeySessionInfo, []byte(`{"address":"0x02"}`)))

	got, err := s.Get(ctx, storage.KeySessionInfo)
	require.NoError(t, err)
	require.JSONEq(t, `{"address":"0x02"}`, string(got))

	require.NoError(t, s.Delete(ctx, storage.KeySessionInfo))
	_, err = s.Get(ctx, storage.KeySessionInfo)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStoreMarkers(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(filepath.Join(t.TempDir(), "state.sqlite"))
	require.NoError(t, err)
	defer s.Close()

	markers := storage.NewMarkers(s)
	require.NoError(t, markers.Save(ctx, "watch", 43113, 120))
	require.NoError(t, markers.Save(ctx, "watch", 43113, 100))

	m, ok, err := markers.Load(ctx, "watch", 43113)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(120), m.LastObservedBlock)
}
