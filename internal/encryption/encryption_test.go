package encryption

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	svc, err := New(key, nil)
	require.NoError(t, err)
	return svc
}

func TestRoundTrip(t *testing.T) {
	svc := newTestService(t)
	for _, in := range []string{"a", "123.456.789-00", "joão@example.com", string(make([]byte, 4096))} {
		blob, err := svc.Encrypt(in)
		require.NoError(t, err)
		out, err := svc.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	svc := newTestService(t)
	a, err := svc.Encrypt("same")
	require.NoError(t, err)
	b, err := svc.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	raw, err := base64.StdEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, NonceSize+len("same")+TagSize)
}

func TestDecrypt_FailsClosedOnAnyFlippedByte(t *testing.T) {
	svc := newTestService(t)
	blob, err := svc.Encrypt("sensitive")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)

	for i := range raw {
		tampered := append([]byte(nil), raw...)
		tampered[i] ^= 0x01
		out, err := svc.Decrypt(base64.StdEncoding.EncodeToString(tampered))
		assert.ErrorIs(t, err, ErrDecryption, "byte %d", i)
		assert.Empty(t, out)
	}
}

func TestDecrypt_WrongKeyAndMalformed(t *testing.T) {
	a := newTestService(t)
	b := newTestService(t)

	blob, err := a.Encrypt("secret")
	require.NoError(t, err)
	_, err = b.Decrypt(blob)
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = a.Decrypt("%%%not-base64%%%")
	assert.ErrorIs(t, err, ErrDecryption)

	_, err = a.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrDecryption)
}

func TestEmptyPassthrough(t *testing.T) {
	svc := newTestService(t)
	out, err := svc.Encrypt("")
	require.NoError(t, err)
	assert.Empty(t, out)
	out, err = svc.Decrypt("")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestNew_EphemeralKeyIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	svc, err := New("", zap.New(core))
	require.NoError(t, err)
	assert.True(t, svc.Ephemeral())
	require.Equal(t, 1, logs.Len())
	assert.NotEmpty(t, logs.All()[0].ContextMap()["encryption.key"])
}

func TestNew_InvalidKey(t *testing.T) {
	_, err := New(base64.StdEncoding.EncodeToString([]byte("sixteen byte key")), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = New("not base64!", nil)
	assert.Error(t, err)
}

func TestPII(t *testing.T) {
	svc := newTestService(t)
	blob, err := svc.EncryptPII("123.456.789-00", "customer.cpf")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(blob))
	out, err := svc.DecryptPII(blob, "customer.cpf")
	require.NoError(t, err)
	assert.Equal(t, "123.456.789-00", out)
}

func TestIsEncrypted(t *testing.T) {
	assert.False(t, IsEncrypted("short"))
	assert.False(t, IsEncrypted("this is not base64 at all"))
	assert.True(t, IsEncrypted("QUJDREVGR0hJSktMTU5PUA=="))
}
