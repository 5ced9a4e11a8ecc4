package localsigner

import (
	"context"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/require"

	"github.com/aegis-sign/nip55-bridge/pkg/apierrors"
)

func TestNewAcceptsHexAndNsec(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	a, err := New(sk)
	require.NoError(t, err)

	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)
	b, err := New(nsec)
	require.NoError(t, err)
	require.Equal(t, a.PublicKey(), b.PublicKey())
	require.True(t, nostr.IsValidPublicKey(a.PublicKey()))

	_, err = New("abcd")
	require.Error(t, err)
}

func TestSignEvent(t *testing.T) {
	ctx := context.Background()
	s := Generate()
	unsigned := nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"t", "nip55"}}, Content: "hello"}
	raw, err := unsigned.MarshalJSON()
	require.NoError(t, err)

	out, err := s.SignEvent(ctx, string(raw), s.PublicKey())
	require.NoError(t, err)
	var signed nostr.Event
	require.NoError(t, signed.UnmarshalJSON([]byte(out)))
	require.Equal(t, s.PublicKey(), signed.PubKey)
	require.True(t, signed.CheckID())
	ok, err := signed.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.SignEvent(ctx, string(raw), Generate().PublicKey())
	require.True(t, apierrors.IsKind(err, apierrors.KindKey))

	_, err = s.SignEvent(ctx, "{not json", "")
	require.True(t, apierrors.IsKind(err, apierrors.KindInvalidArgument))
}

func TestNip04RoundTrip(t *testing.T) {
	ctx := context.Background()
	alice, bob := Generate(), Generate()
	ciphertext, err := alice.Nip04Encrypt(ctx, alice.PublicKey(), bob.PublicKey(), "secret note")
	require.NoError(t, err)
	require.NotEqual(t, "secret note", ciphertext)

	plaintext, err := bob.Nip04Decrypt(ctx, bob.PublicKey(), alice.PublicKey(), ciphertext)
	require.NoError(t, err)
	require.Equal(t, "secret note", plaintext)

	_, err = bob.Nip04Decrypt(ctx, bob.PublicKey(), alice.PublicKey(), "garbage")
	require.Error(t, err)
}
