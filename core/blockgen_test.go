package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMakeKeyPublishToProvisionalUserVerifiesAndDecrypts(t *testing.T) {
	ou := onboardUser(t)
	crypto := ou.crypto

	appPair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	tankerPair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)

	resourceKey := fixed32([]byte("resource-key"))
	block, err := MakeKeyPublishToProvisionalUser(crypto, ou.trustchainID, ou.firstDeviceID, ou.firstSigPair.Private, appPair.Public, tankerPair.Public, fixed32([]byte("resource")), resourceKey)
	require.NoError(t, err)

	verified, recovered, err := ou.verifier.ApplyBatch([]*Block{block})
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Len(t, verified, 1)

	payload, err := decodeKeyPublishToProvisional(block.Payload)
	require.NoError(t, err)
	onceSealed, err := crypto.SealDecrypt(payload.TwiceSealedKey, tankerPair)
	require.NoError(t, err)
	recoveredKey, err := crypto.SealDecrypt(onceSealed, appPair)
	require.NoError(t, err)
	require.Equal(t, resourceKey, recoveredKey)
}

func TestMakeKeyPublishToProvisionalUserRejectsUnknownAuthor(t *testing.T) {
	ou := onboardUser(t)
	crypto := ou.crypto

	appPair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	tankerPair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	unknownSigPair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)

	block, err := MakeKeyPublishToProvisionalUser(crypto, ou.trustchainID, fixed32([]byte("unknown-device")), unknownSigPair.Private, appPair.Public, tankerPair.Public, fixed32([]byte("resource")), fixed32([]byte("resource-key")))
	require.NoError(t, err)

	verified, recovered, err := ou.verifier.ApplyBatch([]*Block{block})
	require.NoError(t, err)
	require.Empty(t, verified)
	require.Len(t, recovered, 1)
	var ib *InvalidBlock
	require.ErrorAs(t, recovered[0], &ib)
	require.Equal(t, ReasonAuthorNotFound, ib.Reason)
}

func TestCreateUserGroupSealsPrivateKeysToProvisionalMembers(t *testing.T) {
	ou := onboardUser(t)
	crypto := ou.crypto

	groupSigPair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	groupEncPair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)

	appPair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	tankerPair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)

	block, err := CreateUserGroup(crypto, ou.trustchainID, ou.firstDeviceID, ou.firstSigPair.Private, groupSigPair, groupEncPair,
		[]GroupMemberInput{{UserID: ou.userID, UserPublicEncryptionKey: ou.lu.CurrentUserKey().Public}},
		[]GroupProvisionalMemberInput{{AppPublicKey: appPair.Public, TankerPublicKey: tankerPair.Public}})
	require.NoError(t, err)

	verified, recovered, err := ou.verifier.ApplyBatch([]*Block{block})
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Len(t, verified, 1)

	group := ou.verifier.FindGroup(groupSigPair.Public)
	require.NotNil(t, group)
	require.True(t, group.hasPrivateKeys())
	require.Equal(t, groupEncPair.Private, group.PrivateEncryptionKey)

	payload, err := decodeUserGroupCreation(block.Nature, block.Payload)
	require.NoError(t, err)
	require.Len(t, payload.ProvisionalUsers, 1)
	onceSealed, err := crypto.SealDecrypt(payload.ProvisionalUsers[0].TwiceSealedGroupPrivateEncKey, tankerPair)
	require.NoError(t, err)
	provisionalGroupPriv, err := crypto.SealDecrypt(onceSealed, appPair)
	require.NoError(t, err)
	require.Equal(t, groupEncPair.Private, provisionalGroupPriv)
}

func TestAddToUserGroupChainsFromPreviousBlock(t *testing.T) {
	ou := onboardUser(t)
	crypto := ou.crypto

	groupSigPair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	groupEncPair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)

	creationBlock, err := CreateUserGroup(crypto, ou.trustchainID, ou.firstDeviceID, ou.firstSigPair.Private, groupSigPair, groupEncPair,
		[]GroupMemberInput{{UserID: ou.userID, UserPublicEncryptionKey: ou.lu.CurrentUserKey().Public}}, nil)
	require.NoError(t, err)

	verified, recovered, err := ou.verifier.ApplyBatch([]*Block{creationBlock})
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Len(t, verified, 1)

	group := ou.verifier.FindGroup(groupSigPair.Public)
	require.NotNil(t, group)

	newMemberUserID := fixed32([]byte("user-2"))
	newMemberEncPair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)

	additionBlock, err := AddToUserGroup(crypto, ou.trustchainID, ou.firstDeviceID, ou.firstSigPair.Private,
		group.GroupID, group.PrivateSignatureKey, group.LastGroupBlock, group.PrivateEncryptionKey,
		[]GroupMemberInput{{UserID: newMemberUserID, UserPublicEncryptionKey: newMemberEncPair.Public}}, nil)
	require.NoError(t, err)

	verified, recovered, err = ou.verifier.ApplyBatch([]*Block{additionBlock})
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Len(t, verified, 1)
}
