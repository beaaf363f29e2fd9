package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeviceCreationV3RoundTrip(t *testing.T) {
	p := &DeviceCreationPayload{
		EphemeralPublicSignatureKey: fixed32([]byte("eph-pub")),
		UserID:                      fixed32([]byte("user-id")),
		DelegationSignature:         fixedN([]byte("delegation-sig"), sizeSignature),
		PublicSignatureKey:          fixed32([]byte("device-sig-pub")),
		PublicEncryptionKey:         fixed32([]byte("device-enc-pub")),
		LastReset:                   zero32,
		UserPublicEncryptionKey:     fixed32([]byte("user-enc-pub")),
		EncryptedUserPrivateEncKey:  fixedN([]byte("sealed"), sealedKeySize),
		IsGhostDevice:               true,
		Revoked:                     0,
	}
	encoded := encodeDeviceCreationV3(p)
	decoded, err := decodeDeviceCreation(NatureDeviceCreationV3, encoded)
	require.NoError(t, err)
	require.Equal(t, p.EphemeralPublicSignatureKey, decoded.EphemeralPublicSignatureKey)
	require.Equal(t, p.UserID, decoded.UserID)
	require.Equal(t, p.PublicSignatureKey, decoded.PublicSignatureKey)
	require.Equal(t, p.UserPublicEncryptionKey, decoded.UserPublicEncryptionKey)
	require.True(t, decoded.IsGhostDevice)
}

func TestDeviceCreationV1LacksUserKeyFields(t *testing.T) {
	p := &DeviceCreationPayload{
		EphemeralPublicSignatureKey: fixed32([]byte("eph")),
		UserID:                      fixed32([]byte("user")),
		DelegationSignature:         fixedN([]byte("sig"), sizeSignature),
		PublicSignatureKey:          fixed32([]byte("sigpub")),
		PublicEncryptionKey:         fixed32([]byte("encpub")),
		LastReset:                   zero32,
	}
	// v1's wire layout is a strict prefix of v3's.
	buf := writeFixed(nil, fixed32(p.EphemeralPublicSignatureKey))
	buf = writeFixed(buf, fixed32(p.UserID))
	buf = writeFixed(buf, fixedN(p.DelegationSignature, sizeSignature))
	buf = writeFixed(buf, fixed32(p.PublicSignatureKey))
	buf = writeFixed(buf, fixed32(p.PublicEncryptionKey))
	buf = writeFixed(buf, fixed32(p.LastReset))

	decoded, err := decodeDeviceCreation(NatureDeviceCreationV1, buf)
	require.NoError(t, err)
	require.Empty(t, decoded.UserPublicEncryptionKey)
	require.False(t, decoded.IsGhostDevice)
}

func TestDecodeDeviceCreationUnknownNature(t *testing.T) {
	_, err := decodeDeviceCreation(Nature(9999), make([]byte, 32))
	var unknown *UnknownNature
	require.ErrorAs(t, err, &unknown)
}

func TestDeviceRevocationV2RoundTrip(t *testing.T) {
	p := &DeviceRevocationPayload{
		DeviceID:                    fixed32([]byte("revoked-device")),
		PublicEncryptionKey:         fixed32([]byte("new-pub")),
		PreviousPublicEncryptionKey: fixed32([]byte("prev-pub")),
		EncryptedPreviousEncKey:     fixedN([]byte("sealed-prev"), sealedKeySize),
		PrivateKeys: []RevocationRecipient{
			{Recipient: fixed32([]byte("dev-a")), EncryptedPrivateKey: fixedN([]byte("sealed-a"), sealedKeySize)},
			{Recipient: fixed32([]byte("dev-b")), EncryptedPrivateKey: fixedN([]byte("sealed-b"), sealedKeySize)},
		},
	}
	encoded := encodeDeviceRevocationV2(p)
	decoded, err := decodeDeviceRevocation(NatureDeviceRevocationV2, encoded)
	require.NoError(t, err)
	require.Equal(t, p.DeviceID, decoded.DeviceID)
	require.Len(t, decoded.PrivateKeys, 2)
	require.Equal(t, p.PrivateKeys[1].Recipient, decoded.PrivateKeys[1].Recipient)
}

func TestUserGroupCreationSelfSignatureCoversCanonicalData(t *testing.T) {
	crypto := NewCryptoProvider()
	sigPair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)

	p := &UserGroupCreationPayload{
		PublicSignatureKey:          sigPair.Public,
		PublicEncryptionKey:         fixed32([]byte("group-enc-pub")),
		EncryptedGroupPrivateSigKey: fixedN([]byte("sealed-sig"), sizeSignature+sealOverhead),
		Users: []GroupUserEntry{
			{UserID: fixed32([]byte("u1")), PublicUserEncryptionKey: fixed32([]byte("u1-pub")), EncryptedGroupPrivateEncKey: fixedN([]byte("sealed"), sealedKeySize)},
		},
	}
	p.SelfSignature = crypto.Sign(p.signData(), sigPair.Private)
	encoded := encodeUserGroupCreation(p)

	decoded, err := decodeUserGroupCreation(NatureUserGroupCreationV3, encoded)
	require.NoError(t, err)
	require.True(t, crypto.Verify(decoded.signData(), decoded.SelfSignature, decoded.PublicSignatureKey))
	require.Len(t, decoded.Users, 1)
}

func TestKeyPublishRoundTrip(t *testing.T) {
	p := &KeyPublishPayload{
		Recipient:  fixed32([]byte("recipient")),
		ResourceID: fixed32([]byte("resource")),
		SealedKey:  fixedN([]byte("sealed-key"), sealedKeySize),
	}
	encoded := encodeKeyPublish(p)
	decoded, err := decodeKeyPublish(encoded)
	require.NoError(t, err)
	require.Equal(t, p.Recipient, decoded.Recipient)
	require.Equal(t, p.ResourceID, decoded.ResourceID)
}

func TestProvisionalIdentityClaimRoundTrip(t *testing.T) {
	p := &ProvisionalIdentityClaimPayload{
		UserID:                     fixed32([]byte("user")),
		AppSignaturePublicKey:      fixed32([]byte("app-sig-pub")),
		TankerSignaturePublicKey:   fixed32([]byte("tanker-sig-pub")),
		AuthorSignatureByAppKey:    fixedN([]byte("app-sig"), sizeSignature),
		AuthorSignatureByTankerKey: fixedN([]byte("tanker-sig"), sizeSignature),
		RecipientUserPublicKey:     fixed32([]byte("user-pub")),
		EncryptedPrivateKeys:       fixedN([]byte("sealed"), 2*sizePublicKey+sealOverhead),
	}
	encoded := encodeProvisionalIdentityClaim(p)
	decoded, err := decodeProvisionalIdentityClaim(encoded)
	require.NoError(t, err)
	require.Equal(t, p.UserID, decoded.UserID)
	require.Equal(t, p.AppSignaturePublicKey, decoded.AppSignaturePublicKey)
}
