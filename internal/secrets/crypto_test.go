package secrets

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manlab/manlab/internal/common/config"
	"github.com/manlab/manlab/internal/common/logger"
	"github.com/manlab/manlab/internal/db"
)

func TestMasterKeyPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()

	first, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)
	second, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)

	assert.Len(t, first.Key(), MasterKeySize)
	assert.Equal(t, first.Key(), second.Key())
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	provider, err := NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)

	sealed, err := EncryptString("hunter2", provider.Key())
	require.NoError(t, err)
	assert.NotContains(t, sealed, "hunter2")

	// The stored form is valid base64.
	_, err = base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)

	plain, err := DecryptString(sealed, provider.Key())
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
}

func TestDecryptRejectsTampering(t *testing.T) {
	provider, err := NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)

	sealed, err := EncryptString("payload", provider.Key())
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	_, err = DecryptString(base64.StdEncoding.EncodeToString(raw), provider.Key())
	assert.Error(t, err)

	_, err = DecryptString(base64.StdEncoding.EncodeToString(raw[:4]), provider.Key())
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestServiceLifecycle(t *testing.T) {
	pool, err := db.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "secrets.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	keys, err := NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)
	svc, err := NewService(pool, keys, logger.Default())
	require.NoError(t, err)

	ctx := context.Background()
	secret, err := svc.Create(ctx, "discord-webhook", "https://discord.example/hook")
	require.NoError(t, err)

	listed, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Empty(t, listed[0].Value)

	plain, err := svc.Reveal(ctx, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://discord.example/hook", plain)

	require.NoError(t, svc.Update(ctx, secret.ID, "rotated"))
	plain, err = svc.Reveal(ctx, secret.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated", plain)

	require.NoError(t, svc.Delete(ctx, secret.ID))
	_, err = svc.Reveal(ctx, secret.ID)
	assert.ErrorIs(t, err, ErrSecretNotFound)
}
