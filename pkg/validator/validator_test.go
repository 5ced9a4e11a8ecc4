package validator

import (
	"strings"
	"testing"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/nip55-bridge/pkg/wire"
)

// x 坐标取 secp256k1 生成元 G。
const generatorX = "79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798"

func TestParsePublicKey(t *testing.T) {
	pk, err := ParsePublicKey(strings.ToUpper(generatorX))
	require.NoError(t, err)
	require.Equal(t, generatorX, pk)

	npub, err := nip19.EncodePublicKey(generatorX)
	require.NoError(t, err)
	require.Equal(t, KeyEncodingNpub, DetectKeyEncoding(npub))
	pk, err = ParsePublicKey(npub)
	require.NoError(t, err)
	require.Equal(t, generatorX, pk)
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"not-a-key",
		generatorX[:62],
		strings.Repeat("f", 64),
		"npub1qqqqqqqq",
	}
	for _, raw := range cases {
		_, err := ParsePublicKey(raw)
		require.ErrorIs(t, err, ErrInvalidPublicKey, "input %q", raw)
	}
}

func TestValidateParams(t *testing.T) {
	require.ErrorIs(t, ValidateSignEvent(&wire.SignEventRequest{}), ErrMissingParam)
	require.NoError(t, ValidateSignEvent(&wire.SignEventRequest{UnsignedEvent: "{}"}))

	err := ValidateEncrypt("nip04_encrypt", &wire.Nip04EncryptRequest{OtherPublicKey: generatorX, Plaintext: "hi"})
	require.ErrorIs(t, err, ErrMissingParam)
	require.Contains(t, err.Error(), "current user public key")

	err = ValidateEncrypt("nip04_encrypt", &wire.Nip04EncryptRequest{CurrentUserPublicKey: generatorX, OtherPublicKey: "zz", Plaintext: "hi"})
	require.ErrorIs(t, err, ErrInvalidPublicKey)

	require.NoError(t, ValidateEncrypt("nip04_encrypt", &wire.Nip04EncryptRequest{
		CurrentUserPublicKey: generatorX, OtherPublicKey: generatorX, Plaintext: "hi",
	}))

	err = ValidateDecrypt("nip04_decrypt", &wire.Nip04DecryptRequest{CurrentUserPublicKey: generatorX, OtherPublicKey: generatorX})
	require.ErrorIs(t, err, ErrMissingParam)
	require.Contains(t, err.Error(), "ciphertext")
}
