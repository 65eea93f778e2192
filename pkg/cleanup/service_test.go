package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/codeready-toolchain/tapestry/pkg/config"
	"github.com/codeready-toolchain/tapestry/pkg/store"
	"github.com/codeready-toolchain/tapestry/pkg/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_PurgesOldSupersededMemories(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	require.NoError(t, st.InsertMemory(ctx, store.Memory{
		ID: "mem-old", Content: "old", Status: "active",
		FromDate: time.Now(), ToDate: time.Now(),
	}))
	require.NoError(t, st.UpdateMemory(ctx, store.Memory{
		ID: "mem-old", Content: "old", Status: "superseded", SupersededBy: "mem-new",
		FromDate: time.Now(), ToDate: time.Now(),
	}))

	cfg := &config.RetentionConfig{
		SupersededMemoryRetentionDays: 90,
		CleanupInterval:               1 * time.Hour,
	}
	svc := NewService(cfg, st)
	svc.now = func() time.Time { return time.Now().Add(91 * 24 * time.Hour) }
	svc.runAll(ctx)

	_, err := st.GetMemory(ctx, "mem-old")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestService_PreservesRecentSupersededMemories(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	require.NoError(t, st.InsertMemory(ctx, store.Memory{
		ID: "mem-recent", Content: "recent", Status: "active",
		FromDate: time.Now(), ToDate: time.Now(),
	}))
	require.NoError(t, st.UpdateMemory(ctx, store.Memory{
		ID: "mem-recent", Content: "recent", Status: "superseded", SupersededBy: "mem-new",
		FromDate: time.Now(), ToDate: time.Now(),
	}))

	cfg := &config.RetentionConfig{
		SupersededMemoryRetentionDays: 90,
		CleanupInterval:               1 * time.Hour,
	}
	svc := NewService(cfg, st)
	svc.runAll(ctx)

	got, err := st.GetMemory(ctx, "mem-recent")
	require.NoError(t, err)
	assert.Equal(t, "superseded", got.Status)
}

func TestService_PreservesActiveMemories(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	require.NoError(t, st.InsertMemory(ctx, store.Memory{
		ID: "mem-active", Content: "active", Status: "active",
		FromDate: time.Now(), ToDate: time.Now(),
	}))

	cfg := &config.RetentionConfig{
		SupersededMemoryRetentionDays: 0,
		CleanupInterval:               1 * time.Hour,
	}
	svc := NewService(cfg, st)
	svc.now = func() time.Time { return time.Now().Add(365 * 24 * time.Hour) }
	svc.runAll(ctx)

	got, err := st.GetMemory(ctx, "mem-active")
	require.NoError(t, err)
	assert.Equal(t, "active", got.Status)
}
