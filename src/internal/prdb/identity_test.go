package prdb

import (
	"bytes"
	"testing"

	"github.com/ethyca/fides-engine/src/internal/require"
)

func testCodec(t *testing.T) *IdentityCodec {
	t.Helper()
	codec, err := NewIdentityCodec(bytes.Repeat([]byte{3}, 32), []byte("salt"))
	require.NoError(t, err)
	return codec
}

func TestIdentityCodecRoundTrip(t *testing.T) {
	codec := testCodec(t)
	sealed, err := codec.Encrypt("user@example.com")
	require.NoError(t, err)
	require.True(t, !bytes.Contains(sealed, []byte("user@example.com")))
	plain, err := codec.Decrypt(sealed)
	require.NoError(t, err)
	require.Equal(t, "user@example.com", plain)
}

func TestIdentityCodecNonceVariesCiphertext(t *testing.T) {
	codec := testCodec(t)
	a, err := codec.Encrypt("user@example.com")
	require.NoError(t, err)
	b, err := codec.Encrypt("user@example.com")
	require.NoError(t, err)
	require.False(t, bytes.Equal(a, b))
}

func TestIdentityCodecHashIsDeterministicAndSalted(t *testing.T) {
	codec := testCodec(t)
	require.Equal(t, codec.Hash("user@example.com"), codec.Hash("user@example.com"))

	other, err := NewIdentityCodec(bytes.Repeat([]byte{3}, 32), []byte("other-salt"))
	require.NoError(t, err)
	require.True(t, codec.Hash("user@example.com") != other.Hash("user@example.com"))
}

func TestIdentityCodecRejectsShortKey(t *testing.T) {
	_, err := NewIdentityCodec([]byte("short"), []byte("salt"))
	require.YesError(t, err)
}

func TestIdentityCodecRejectsTruncatedCiphertext(t *testing.T) {
	codec := testCodec(t)
	_, err := codec.Decrypt([]byte{1, 2, 3})
	require.YesError(t, err)
}
