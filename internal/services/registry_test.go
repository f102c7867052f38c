package services

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/store"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

type downIndex struct{ vectorstore.Index }

func (downIndex) Health(context.Context) error { return errors.New("connection refused") }

func openStore(t *testing.T) *store.SQLStore {
	t.Helper()
	st, err := store.Open(context.Background(), config.StoreConfig{
		Driver: store.DriverSQLite,
		DSN:    config.Secret(filepath.Join(t.TempDir(), "recalld.db")),
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRegistryAccessors(t *testing.T) {
	var _ Registry = (*registry)(nil)

	reg := NewRegistry(Options{})
	assert.Nil(t, reg.Ingest())
	assert.Nil(t, reg.Retrieval())
	assert.Nil(t, reg.Store())
	assert.Nil(t, reg.Index())
}

func TestRegistry_Health(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	idx, err := vectorstore.NewChromemIndex(vectorstore.ChromemOptions{}, nil)
	require.NoError(t, err)

	h := NewRegistry(Options{Store: st, Index: idx}).Health(ctx)
	assert.True(t, h.Healthy())
	assert.Equal(t, map[string]string{"store": "ok", "vectorstore": "ok"}, h.Components)

	h = NewRegistry(Options{Store: st, Index: downIndex{idx}}).Health(ctx)
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, "connection refused", h.Components["vectorstore"])

	closed := openStore(t)
	require.NoError(t, closed.Close())
	h = NewRegistry(Options{Store: closed, Index: idx}).Health(ctx)
	assert.Equal(t, StatusDown, h.Status)
	assert.False(t, h.Healthy())

	h = NewRegistry(Options{}).Health(ctx)
	assert.Equal(t, StatusDown, h.Status)
	assert.Equal(t, "not configured", h.Components["store"])
}
