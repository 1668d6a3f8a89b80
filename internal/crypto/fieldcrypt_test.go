package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldEncryptor_SealOpen(t *testing.T) {
	t.Parallel()

	fe, err := DeriveFieldEncryptor([]byte("master-secret"), "account-tokens")
	require.NoError(t, err)

	sealed, err := fe.Seal("access-123", "acct-1")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(sealed))
	assert.NotContains(t, sealed, "access-123")

	again, err := fe.Seal("access-123", "acct-1")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")

	got, err := fe.Open(sealed, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "access-123", got)
}

func TestFieldEncryptor_BoundToOwner(t *testing.T) {
	t.Parallel()

	fe, err := DeriveFieldEncryptor([]byte("master-secret"), "account-tokens")
	require.NoError(t, err)
	sealed, err := fe.Seal("secret", "acct-1")
	require.NoError(t, err)

	_, err = fe.Open(sealed, "acct-2")
	assert.Error(t, err)
}

func TestFieldEncryptor_PurposeSeparatesKeys(t *testing.T) {
	t.Parallel()

	a, err := DeriveFieldEncryptor([]byte("master-secret"), "a")
	require.NoError(t, err)
	b, err := DeriveFieldEncryptor([]byte("master-secret"), "b")
	require.NoError(t, err)

	sealed, err := a.Seal("x", "")
	require.NoError(t, err)
	_, err = b.Open(sealed, "")
	assert.Error(t, err)
}

func TestFieldEncryptor_PassthroughAndEmpty(t *testing.T) {
	t.Parallel()

	fe, err := DeriveFieldEncryptor([]byte("k"), "p")
	require.NoError(t, err)

	got, err := fe.Open("legacy-plain", "acct")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plain", got)

	sealed, err := fe.Seal("", "acct")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	_, err = DeriveFieldEncryptor(nil, "p")
	assert.Error(t, err)
}

func TestPlaintext_RefusesCiphertext(t *testing.T) {
	t.Parallel()

	fe, err := DeriveFieldEncryptor([]byte("k"), "p")
	require.NoError(t, err)
	sealed, err := fe.Seal("x", "")
	require.NoError(t, err)

	_, err = Plaintext{}.Open(sealed, "")
	assert.Error(t, err)
	got, err := Plaintext{}.Open("x", "")
	require.NoError(t, err)
	assert.Equal(t, "x", got)
}
