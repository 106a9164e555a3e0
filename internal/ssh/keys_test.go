package ssh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "keys", "id_ed25519")

	private, public, err := GenerateKeyPair(keyPath, "tierstack")
	require.NoError(t, err)

	assert.Contains(t, private, "OPENSSH PRIVATE KEY")
	assert.True(t, strings.HasPrefix(public, "ssh-ed25519 "))
	assert.True(t, strings.HasSuffix(public, " tierstack"))

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	signer, err := ssh.ParsePrivateKey([]byte(private))
	require.NoError(t, err)

	loaded, _, err := LoadPublicKey(keyPath + ".pub")
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey().Marshal(), loaded.Marshal())
}

func TestLoadOrGeneratePublicKey(t *testing.T) {
	t.Run("missing without generate", func(t *testing.T) {
		_, _, err := LoadOrGeneratePublicKey(filepath.Join(t.TempDir(), "absent.pub"), "", false)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("missing with generate", func(t *testing.T) {
		pubPath := filepath.Join(t.TempDir(), "id_ed25519.pub")
		key, data, err := LoadOrGeneratePublicKey(pubPath, "ops", true)
		require.NoError(t, err)
		assert.Equal(t, "ssh-ed25519", key.Type())
		assert.NotEmpty(t, data)
		assert.FileExists(t, strings.TrimSuffix(pubPath, ".pub"))
	})

	t.Run("existing key is reused", func(t *testing.T) {
		keyPath := filepath.Join(t.TempDir(), "id")
		_, public, err := GenerateKeyPair(keyPath, "")
		require.NoError(t, err)

		key, _, err := LoadOrGeneratePublicKey(keyPath+".pub", "", true)
		require.NoError(t, err)
		assert.Equal(t, public, strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key))))
		assert.True(t, strings.HasPrefix(Fingerprint(key), "SHA256:"))
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		pubPath := filepath.Join(t.TempDir(), "bad.pub")
		require.NoError(t, os.WriteFile(pubPath, []byte("not a key"), 0o600))
		_, _, err := LoadOrGeneratePublicKey(pubPath, "", true)
		assert.Error(t, err)
	})
}
