package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	crypto := NewCryptoProvider()
	pair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)

	message := []byte("device creation payload")
	sig := crypto.Sign(message, pair.Private)
	require.True(t, crypto.Verify(message, sig, pair.Public))
	require.False(t, crypto.Verify([]byte("tampered"), sig, pair.Public))
}

func TestSealEncryptDecryptRoundTrip(t *testing.T) {
	crypto := NewCryptoProvider()
	pair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)

	plaintext := []byte("resource key material - 32 bytes!")
	sealed := crypto.SealEncrypt(plaintext, pair.Public)
	require.Len(t, sealed, len(plaintext)+sealOverhead)

	opened, err := crypto.SealDecrypt(sealed, pair)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestSealDecryptWrongKeyFails(t *testing.T) {
	crypto := NewCryptoProvider()
	pair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	other, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)

	sealed := crypto.SealEncrypt([]byte("secret"), pair.Public)
	_, err = crypto.SealDecrypt(sealed, other)
	require.Error(t, err)
}

func TestSymmetricV1RoundTrip(t *testing.T) {
	crypto := NewCryptoProvider()
	key := make([]byte, 32)
	plaintext := []byte("key safe plaintext")
	sealed := crypto.SymmetricEncryptV1(plaintext, key)
	opened, err := crypto.SymmetricDecryptV1(sealed, key)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestSymmetricV2RoundTrip(t *testing.T) {
	crypto := NewCryptoProvider()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := []byte("key safe plaintext, v2 cipher")
	sealed := crypto.SymmetricEncryptV2(plaintext, key)
	opened, err := crypto.SymmetricDecryptV2(sealed, key)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestGenericHashDeterministic(t *testing.T) {
	crypto := NewCryptoProvider()
	data := []byte("trustchain root payload")
	require.Equal(t, crypto.GenericHash(data), crypto.GenericHash(data))
	require.NotEqual(t, crypto.GenericHash(data), crypto.GenericHash([]byte("different")))
}

func TestEncryptionKeyPairFromPrivateMatchesPublic(t *testing.T) {
	crypto := NewCryptoProvider()
	pair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	reconstructed, err := crypto.EncryptionKeyPairFromPrivate(pair.Private)
	require.NoError(t, err)
	require.Equal(t, pair.Public, reconstructed.Public)
}

func TestSignatureKeyPairFromPrivateMatchesPublic(t *testing.T) {
	crypto := NewCryptoProvider()
	pair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	reconstructed, err := crypto.SignatureKeyPairFromPrivate(pair.Private)
	require.NoError(t, err)
	require.Equal(t, pair.Public, reconstructed.Public)
}
