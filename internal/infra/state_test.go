package infra_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tierstack/internal/infra"
)

func TestStateStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "States")
	store := infra.NewStateStore(dir)

	t.Run("missing record", func(t *testing.T) {
		_, err := store.LoadNetwork()
		assert.ErrorIs(t, err, infra.ErrStateNotFound)
		assert.False(t, store.Exists(infra.StateNetwork))
	})

	network := &infra.NetworkState{
		VPCID:          "vpc-1",
		Region:         "eu-west-1",
		PublicSubnets:  []string{"subnet-a", "subnet-b"},
		PrivateSubnets: []string{"subnet-c", "subnet-d"},
		NATGatewayID:   "nat-1",
		SecurityGroups: map[string]string{infra.GroupALB: "sg-1", infra.GroupBackend: "sg-2"},
		DeployedAt:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	t.Run("save and load", func(t *testing.T) {
		require.NoError(t, store.Save(infra.StateNetwork, network))
		assert.True(t, store.Exists(infra.StateNetwork))

		loaded, err := store.LoadNetwork()
		require.NoError(t, err)
		assert.Equal(t, network, loaded)
	})

	t.Run("file layout", func(t *testing.T) {
		path := store.Path(infra.StateNetwork)
		assert.Equal(t, filepath.Join(dir, "VPC-Deploy-Info.json"), path)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

		_, err = os.Stat(path + ".tmp")
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("typed loaders read their own record", func(t *testing.T) {
		require.NoError(t, store.Save(infra.StateBackup, &infra.BackupState{BucketName: "shop-db-backups-1", FunctionName: "shop-mongo-backup"}))
		backup, err := store.LoadBackup()
		require.NoError(t, err)
		assert.Equal(t, "shop-mongo-backup", backup.FunctionName)

		_, err = store.LoadMonitoring()
		assert.ErrorIs(t, err, infra.ErrStateNotFound)
	})

	t.Run("corrupt record", func(t *testing.T) {
		require.NoError(t, os.WriteFile(store.Path(infra.StateFrontend), []byte("{"), 0o600))
		_, err := store.LoadFrontend()
		require.Error(t, err)
		assert.NotErrorIs(t, err, infra.ErrStateNotFound)
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		require.NoError(t, store.Remove(infra.StateNetwork))
		require.NoError(t, store.Remove(infra.StateNetwork))
		assert.False(t, store.Exists(infra.StateNetwork))
	})
}
