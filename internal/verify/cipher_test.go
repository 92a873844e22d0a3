package verify

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	cipher, err := NewCipher(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	sealed, err := cipher.Seal("j.doe1@lancs.ac.uk")
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "lancs")

	plain, err := cipher.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "j.doe1@lancs.ac.uk", plain)
}

func TestCipherRejectsShortKey(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)
}

func TestCipherDigestIsCaseInsensitive(t *testing.T) {
	cipher, err := NewCipher(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	assert.Equal(t, cipher.Digest("J.Doe1@Lancs.ac.uk"), cipher.Digest("j.doe1@lancs.ac.uk"))
}

func TestCipherOpenRejectsTampering(t *testing.T) {
	cipher, err := NewCipher(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	sealed, err := cipher.Seal("j.doe1@lancs.ac.uk")
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0x01

	_, err = cipher.Open(sealed)
	assert.Error(t, err)
}
