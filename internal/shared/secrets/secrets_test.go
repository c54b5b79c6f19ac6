package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCipher("passphrase")

	encrypted, err := c.Encrypt("sk-very-secret-key")
	require.NoError(t, err)
	assert.NotContains(t, encrypted, "secret")
	assert.Contains(t, encrypted, ":")

	decrypted, err := c.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "sk-very-secret-key", decrypted)
}

func TestEncryptEmptyString(t *testing.T) {
	c := NewCipher("passphrase")

	encrypted, err := c.Encrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", encrypted)

	decrypted, err := c.Decrypt("")
	require.NoError(t, err)
	assert.Equal(t, "", decrypted)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c := NewCipher("passphrase")

	a, err := c.Encrypt("same input")
	require.NoError(t, err)
	b, err := c.Encrypt("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh nonce per encryption")
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	encrypted, err := NewCipher("key-one").Encrypt("payload")
	require.NoError(t, err)

	_, err = NewCipher("key-two").Decrypt(encrypted)
	require.Error(t, err)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	c := NewCipher("passphrase")

	for _, input := range []string{
		"no-separator",
		"zzzz:1234",
		"abcd:zzzz",
		"abcd:1234",
	} {
		_, err := c.Decrypt(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	c := NewCipher("passphrase")
	encrypted, err := c.Encrypt("payload")
	require.NoError(t, err)

	// Flip one hex digit of the sealed portion.
	parts := strings.SplitN(encrypted, ":", 2)
	sealed := []byte(parts[1])
	if sealed[0] == 'a' {
		sealed[0] = 'b'
	} else {
		sealed[0] = 'a'
	}

	_, err = c.Decrypt(parts[0] + ":" + string(sealed))
	require.Error(t, err)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "****-key", Mask("sk-some-key"))
	assert.Equal(t, "****", Mask("abcd"))
	assert.Equal(t, "****", Mask(""))
}
