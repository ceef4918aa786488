package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigmarket/internal/config"
	"gigmarket/internal/domain"
	"gigmarket/internal/notify"
	"gigmarket/internal/pubsub"
)

func TestOpenDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Workspace = t.TempDir()
	logger, _ := test.NewNullLogger()

	a, err := Open(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, local := a.Broker.(*pubsub.Local)
	assert.True(t, local)
	assert.Nil(t, a.Redis)

	site, err := a.Engine.Repo.GetWalletByOwner(context.Background(), cfg.Marketplace.SiteAccountID)
	require.NoError(t, err)
	assert.Equal(t, domain.OwnerPlatform, site.OwnerKind)
}

func TestOpenWithRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := config.Default()
	cfg.Database.Workspace = t.TempDir()
	cfg.Redis.Addr = mr.Addr()
	logger, _ := test.NewNullLogger()

	a, err := Open(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	require.NotNil(t, a.Redis)
	_, isRedis := a.Broker.(pubsub.Redis)
	assert.True(t, isRedis)
	multi, ok := a.Engine.Notifier.(notify.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 2)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, config.Default().Marketplace, cfg.Marketplace)
}
