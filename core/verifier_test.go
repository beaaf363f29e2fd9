package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// buildGenesis constructs a self-consistent trustchain-creation block:
// its trustchain_id field is defined as hash(block), computed with the
// zero sentinel standing in for that not-yet-known field.
func buildGenesis(crypto CryptoProvider, trustchainSigPub []byte) *Block {
	b := &Block{
		Version: blockVersion,
		Index:   1,
		Nature:  NatureTrustchainCreation,
		Payload: encodeTrustchainCreation(&TrustchainCreationPayload{PublicSignatureKey: trustchainSigPub}),
		Author:  zero32,
	}
	b.Signature = zero64
	b.TrustchainID = b.Hash(crypto)
	return b
}

// onboardedUser sets up a trustchain with one user who owns a ghost
// device and a first device, verified and fully recovered locally.
type onboardedUser struct {
	crypto       CryptoProvider
	verifier     *Verifier
	lu           *LocalUser
	trustchainID []byte
	userID       []byte

	ghostDeviceID []byte
	ghostSigPair  SignatureKeyPair

	firstDeviceID []byte
	firstSigPair  SignatureKeyPair
	firstEncPair  EncryptionKeyPair

	ghostBlock *Block
	firstBlock *Block
}

func onboardUser(t *testing.T) *onboardedUser {
	t.Helper()
	crypto := NewCryptoProvider()

	trustchainSigPair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	genesis := buildGenesis(crypto, trustchainSigPair.Public)

	userID := fixed32([]byte("user-1"))
	ephemeral, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	delegationMessage := append(append([]byte{}, ephemeral.Public...), userID...)
	token := &DelegationToken{
		EphemeralPublicSignatureKey:  ephemeral.Public,
		EphemeralPrivateSignatureKey: ephemeral.Private,
		DelegationSignature:          crypto.Sign(delegationMessage, trustchainSigPair.Private),
	}

	ghostSigPair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	ghostEncPair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	ghostBlock, userKey, err := MakeNewUser(crypto, genesis.TrustchainID, userID, token, ghostSigPair.Public, ghostEncPair.Public)
	require.NoError(t, err)
	ghostDeviceID := ghostBlock.Hash(crypto)

	firstSigPair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	firstEncPair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	firstBlock, err := MakeNewDevice(crypto, genesis.TrustchainID, userID, ghostDeviceID, ghostSigPair.Private, UserKeyPair{Public: userKey.Public, Private: userKey.Private}, firstSigPair.Public, firstEncPair.Public, false)
	require.NoError(t, err)
	firstDeviceID := firstBlock.Hash(crypto)

	lu := NewLocalUser(crypto, genesis.TrustchainID, userID, fixed32([]byte("secret")))
	lu.DeviceEncryptionPair = &firstEncPair
	verifier := NewVerifier(crypto, lu, nil, nil)
	require.NoError(t, verifier.VerifyRoot(genesis))

	verified, recovered, err := verifier.ApplyBatch([]*Block{ghostBlock, firstBlock})
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Len(t, verified, 2)

	lu.DeviceID = firstDeviceID
	lu.DeviceSignaturePair = &firstSigPair

	return &onboardedUser{
		crypto: crypto, verifier: verifier, lu: lu,
		trustchainID: genesis.TrustchainID, userID: userID,
		ghostDeviceID: ghostDeviceID, ghostSigPair: ghostSigPair,
		firstDeviceID: firstDeviceID, firstSigPair: firstSigPair, firstEncPair: firstEncPair,
		ghostBlock: ghostBlock, firstBlock: firstBlock,
	}
}

func TestVerifyRootAcceptsSelfConsistentGenesis(t *testing.T) {
	crypto := NewCryptoProvider()
	sigPair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	genesis := buildGenesis(crypto, sigPair.Public)

	v := NewVerifier(crypto, nil, nil, nil)
	require.NoError(t, v.VerifyRoot(genesis))
}

func TestVerifyRootRejectsWrongIndex(t *testing.T) {
	crypto := NewCryptoProvider()
	sigPair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	genesis := buildGenesis(crypto, sigPair.Public)
	genesis.Index = 2

	v := NewVerifier(crypto, nil, nil, nil)
	require.Error(t, v.VerifyRoot(genesis))
}

func TestVerifyRootRejectsTamperedTrustchainID(t *testing.T) {
	crypto := NewCryptoProvider()
	sigPair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	genesis := buildGenesis(crypto, sigPair.Public)
	genesis.TrustchainID = fixed32([]byte("not-the-hash"))

	v := NewVerifier(crypto, nil, nil, nil)
	require.Error(t, v.VerifyRoot(genesis))
}

func TestOnboardingRecoversUserKeyOnFirstDevice(t *testing.T) {
	ou := onboardUser(t)
	require.Len(t, ou.lu.UserKeys, 1)
	require.NotNil(t, ou.lu.CurrentUserKey().Private)
	require.NotNil(t, ou.verifier.User(ou.userID))
	require.Len(t, ou.verifier.User(ou.userID).Devices, 2)
}

func TestDeviceCreationIdempotentReplay(t *testing.T) {
	ou := onboardUser(t)
	user := ou.verifier.User(ou.userID)
	require.Len(t, user.Devices, 2)

	// Re-submitting the exact same creation blocks must be a no-op: no
	// duplicate devices, no error, and nothing rejected.
	verified, recovered, err := ou.verifier.ApplyBatch([]*Block{ou.ghostBlock, ou.firstBlock})
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Len(t, verified, 2)
	require.Len(t, user.Devices, 2)
}

func TestDeviceRevocationRotatesUserKeyAndIsRecoveredLocally(t *testing.T) {
	ou := onboardUser(t)
	user := ou.verifier.User(ou.userID)
	currentKey := *ou.lu.CurrentUserKey()

	revocationBlock, newUserKey, err := MakeDeviceRevocation(ou.crypto, ou.trustchainID, user, currentKey, ou.firstDeviceID, ou.firstSigPair.Private, ou.ghostDeviceID)
	require.NoError(t, err)

	verified, recovered, err := ou.verifier.ApplyBatch([]*Block{revocationBlock})
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Len(t, verified, 1)

	ghostDevice := user.deviceByID(ou.ghostDeviceID, ou.crypto)
	require.True(t, ghostDevice.IsRevokedAt(revocationBlock.Index))

	require.Len(t, ou.lu.UserKeys, 2)
	require.Equal(t, newUserKey.Public, ou.lu.CurrentUserKey().Public)
	require.Equal(t, newUserKey.Private, ou.lu.CurrentUserKey().Private)
}

func TestDeviceRevocationTwiceIsRecoveredNotFatal(t *testing.T) {
	ou := onboardUser(t)
	user := ou.verifier.User(ou.userID)
	currentKey := *ou.lu.CurrentUserKey()

	revocationBlock, _, err := MakeDeviceRevocation(ou.crypto, ou.trustchainID, user, currentKey, ou.firstDeviceID, ou.firstSigPair.Private, ou.ghostDeviceID)
	require.NoError(t, err)
	_, _, err = ou.verifier.ApplyBatch([]*Block{revocationBlock})
	require.NoError(t, err)

	// Re-submitting a revocation of the same (now-revoked) device must
	// surface as a recovered InvalidBlock, not abort the whole batch.
	currentKey2 := *ou.lu.CurrentUserKey()
	again, _, err := MakeDeviceRevocation(ou.crypto, ou.trustchainID, user, currentKey2, ou.firstDeviceID, ou.firstSigPair.Private, ou.ghostDeviceID)
	require.NoError(t, err)
	verified, recovered, err := ou.verifier.ApplyBatch([]*Block{again})
	require.NoError(t, err)
	require.Empty(t, verified)
	require.Len(t, recovered, 1)
	var ib *InvalidBlock
	require.ErrorAs(t, recovered[0], &ib)
	require.Equal(t, ReasonDeviceAlreadyRevoked, ib.Reason)
}

func TestApplyBatchConvergesOnOutOfOrderDeviceChain(t *testing.T) {
	// A fresh user's ghost and first-device creation entries share one
	// owner key (the user id) but the first device's author is the
	// ghost device, not yet known when submitted out of order. The
	// per-user-per-sweep discipline must still converge within two
	// sweeps instead of rejecting the first device as author-not-found.
	crypto := NewCryptoProvider()
	trustchainSigPair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	genesis := buildGenesis(crypto, trustchainSigPair.Public)

	userID := fixed32([]byte("out-of-order-user"))
	ephemeral, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	delegationMessage := append(append([]byte{}, ephemeral.Public...), userID...)
	token := &DelegationToken{
		EphemeralPublicSignatureKey:  ephemeral.Public,
		EphemeralPrivateSignatureKey: ephemeral.Private,
		DelegationSignature:          crypto.Sign(delegationMessage, trustchainSigPair.Private),
	}
	ghostSigPair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	ghostEncPair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	ghostBlock, userKey, err := MakeNewUser(crypto, genesis.TrustchainID, userID, token, ghostSigPair.Public, ghostEncPair.Public)
	require.NoError(t, err)
	ghostDeviceID := ghostBlock.Hash(crypto)

	firstSigPair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	firstEncPair, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	firstBlock, err := MakeNewDevice(crypto, genesis.TrustchainID, userID, ghostDeviceID, ghostSigPair.Private, UserKeyPair{Public: userKey.Public, Private: userKey.Private}, firstSigPair.Public, firstEncPair.Public, false)
	require.NoError(t, err)

	// Indices are assigned by the server in submission order; set them
	// to reflect that ghost precedes first device chronologically, then
	// hand the batch to ApplyBatch out of that order.
	ghostBlock.Index = 2
	firstBlock.Index = 3

	v := NewVerifier(crypto, nil, nil, nil)
	require.NoError(t, v.VerifyRoot(genesis))

	// Submit the first device before the ghost device that authored it.
	verified, recovered, err := v.ApplyBatch([]*Block{firstBlock, ghostBlock})
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Len(t, verified, 2)
	require.Len(t, v.User(userID).Devices, 2)
}

func TestGroupCreationAndAdditionRecoverPrivateKeysForMember(t *testing.T) {
	ou := onboardUser(t)
	groupSigPair, err := ou.crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	groupEncPair, err := ou.crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)

	members := []GroupMemberInput{{UserID: ou.userID, UserPublicEncryptionKey: ou.lu.CurrentUserKey().Public}}
	creationBlock, err := CreateUserGroup(ou.crypto, ou.trustchainID, ou.firstDeviceID, ou.firstSigPair.Private, groupSigPair, groupEncPair, members, nil)
	require.NoError(t, err)

	verified, recovered, err := ou.verifier.ApplyBatch([]*Block{creationBlock})
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Len(t, verified, 1)

	group := ou.verifier.FindGroup(groupSigPair.Public)
	require.NotNil(t, group)
	require.Equal(t, groupEncPair.Private, group.PrivateEncryptionKey)
	require.Equal(t, groupEncPair.Private, ou.lu.GroupEncryptionKeys[0].Private)

	newMemberUserID := fixed32([]byte("user-2"))
	newMemberEncPair, err := ou.crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	additionBlock, err := AddToUserGroup(ou.crypto, ou.trustchainID, ou.firstDeviceID, ou.firstSigPair.Private,
		group.GroupID, group.PrivateSignatureKey, group.LastGroupBlock, group.PrivateEncryptionKey,
		[]GroupMemberInput{{UserID: newMemberUserID, UserPublicEncryptionKey: newMemberEncPair.Public}}, nil)
	require.NoError(t, err)

	verified, recovered, err = ou.verifier.ApplyBatch([]*Block{additionBlock})
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Len(t, verified, 1)
}

func TestKeyPublishToUserRequiresKnownRecipient(t *testing.T) {
	ou := onboardUser(t)
	resourceID := fixed32([]byte("resource"))
	resourceKey := make([]byte, 32)

	block, err := MakeKeyPublish(ou.crypto, ou.trustchainID, ou.firstDeviceID, ou.firstSigPair.Private, KindKeyPublishToUser, ou.lu.CurrentUserKey().Public, resourceID, resourceKey)
	require.NoError(t, err)
	verified, recovered, err := ou.verifier.ApplyBatch([]*Block{block})
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Len(t, verified, 1)

	unknownRecipient := fixed32([]byte("nobody"))
	badBlock, err := MakeKeyPublish(ou.crypto, ou.trustchainID, ou.firstDeviceID, ou.firstSigPair.Private, KindKeyPublishToUser, unknownRecipient, resourceID, resourceKey)
	require.NoError(t, err)
	verified, recovered, err = ou.verifier.ApplyBatch([]*Block{badBlock})
	require.NoError(t, err)
	require.Empty(t, verified)
	require.Len(t, recovered, 1)
}

func TestProvisionalIdentityClaimRecoversKeysForClaimingUser(t *testing.T) {
	ou := onboardUser(t)
	appSigPair, err := ou.crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	appEncPair, err := ou.crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	tankerSigPair, err := ou.crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	tankerEncPair, err := ou.crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)

	claimBlock, err := MakeProvisionalIdentityClaim(ou.crypto, ou.trustchainID, ou.firstDeviceID, ou.firstSigPair.Private,
		ou.userID, ou.lu.CurrentUserKey().Public, appSigPair, tankerSigPair, appEncPair.Private, tankerEncPair.Private)
	require.NoError(t, err)

	verified, recovered, err := ou.verifier.ApplyBatch([]*Block{claimBlock})
	require.NoError(t, err)
	require.Empty(t, recovered)
	require.Len(t, verified, 1)

	key := provisionalKey(appSigPair.Public, tankerSigPair.Public)
	pair, ok := ou.lu.ProvisionalUserKeys[key]
	require.True(t, ok)
	require.Equal(t, appEncPair.Public, pair.AppEncryptionKeyPair.Public)
	require.Equal(t, tankerEncPair.Public, pair.TankerEncryptionKeyPair.Public)
}

func TestApplyBatchRejectsUnknownForwardCompatNature(t *testing.T) {
	ou := onboardUser(t)
	block := &Block{Version: blockVersion, TrustchainID: ou.trustchainID, Nature: NatureSessionCertificateV1, Payload: []byte("x")}
	_, _, err := ou.verifier.ApplyBatch([]*Block{block})
	var upgrade *UpgradeRequired
	require.ErrorAs(t, err, &upgrade)
}
