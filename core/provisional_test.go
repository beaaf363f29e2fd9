package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// newReadyManager builds a Manager that has already completed CreateUser
// and sits in StateReady, for tests that claim provisional identities
// against it.
func newReadyManager(t *testing.T) (*Manager, *fakeNetworkClient) {
	t.Helper()
	crypto := NewCryptoProvider()
	trustchainSigPair, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	genesis := buildGenesis(crypto, trustchainSigPair.Public)

	userID := fixed32([]byte("user"))
	userSecret := fixed32([]byte("secret"))
	ephemeral, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	delegationMessage := append(append([]byte{}, ephemeral.Public...), userID...)
	identity := &IdentityToken{
		TrustchainID: genesis.TrustchainID,
		UserID:       userID,
		UserSecret:   userSecret,
		Delegation: DelegationToken{
			EphemeralPublicSignatureKey:  ephemeral.Public,
			EphemeralPrivateSignatureKey: ephemeral.Private,
			DelegationSignature:          crypto.Sign(delegationMessage, trustchainSigPair.Private),
		},
	}

	store := NewMemoryStore()
	safe := NewKeySafeStore(crypto, store, userSecret, nil)
	verifier := NewVerifier(crypto, nil, nil, nil)
	network := &fakeNetworkClient{rootBlock: genesis}
	m := NewManager(crypto, network, safe, verifier, identity, nil)

	_, err = m.Open(context.Background())
	require.NoError(t, err)
	m.state = StateRegistrationNeeded
	require.NoError(t, m.CreateUser(context.Background(), VerificationMethod{Kind: "email", Value: "user@example.com"}))
	require.Equal(t, StateReady, m.State())

	return m, network
}

func newTestProvisionalIdentity(t *testing.T, crypto CryptoProvider, target, value string) ProvisionalIdentity {
	t.Helper()
	appSig, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	appEnc, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	return ProvisionalIdentity{
		Target:               target,
		Value:                value,
		AppSignatureKeyPair:  appSig,
		AppEncryptionKeyPair: appEnc,
	}
}

func TestAttachClaimsImmediatelyWhenVerificationMethodAlreadyRegistered(t *testing.T) {
	m, network := newReadyManager(t)
	crypto := m.crypto
	identity := newTestProvisionalIdentity(t, crypto, "email", "alice@example.com")

	tankerSig, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	tankerEnc, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	network.provisionalTankerKey = &ProvisionalTankerKeys{TankerSignatureKeyPair: tankerSig, TankerEncryptionKeyPair: tankerEnc}
	network.verificationMethods = []VerificationMethod{{Kind: "email", Value: "alice@example.com"}}

	pm := NewProvisionalManager(crypto, network, m, nil)
	state, method, err := pm.Attach(context.Background(), identity)
	require.NoError(t, err)
	require.Nil(t, method)
	require.Equal(t, StateReady, state)
	require.Contains(t, network.submittedOps, "claim_provisional_identity")

	key := provisionalKey(identity.AppSignatureKeyPair.Public, tankerSig.Public)
	_, ok := m.localUser.ProvisionalUserKeys[key]
	require.True(t, ok)

	uk := m.localUser.FindUserKey(m.localUser.CurrentUserKey().Public)
	require.NotNil(t, uk)
	require.NotNil(t, uk.Private)
}

func TestAttachReportsVerificationNeededWhenMethodUnregistered(t *testing.T) {
	m, network := newReadyManager(t)
	crypto := m.crypto
	identity := newTestProvisionalIdentity(t, crypto, "email", "bob@example.com")

	pm := NewProvisionalManager(crypto, network, m, nil)
	state, method, err := pm.Attach(context.Background(), identity)
	require.NoError(t, err)
	require.Equal(t, StateVerificationNeeded, state)
	require.NotNil(t, method)
	require.Equal(t, "email", method.Kind)
	require.Equal(t, "bob@example.com", method.Value)
	require.NotContains(t, network.submittedOps, "claim_provisional_identity")
}

func TestAttachShortCircuitsWhenKeysAlreadyRecovered(t *testing.T) {
	m, network := newReadyManager(t)
	crypto := m.crypto
	identity := newTestProvisionalIdentity(t, crypto, "email", "carol@example.com")

	tankerSig, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	tankerEnc, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	m.localUser.ProvisionalUserKeys[provisionalKey(identity.AppSignatureKeyPair.Public, tankerSig.Public)] = ProvisionalUserKeyPair{
		AppEncryptionKeyPair:    identity.AppEncryptionKeyPair,
		TankerEncryptionKeyPair: tankerEnc,
	}

	opsBeforeAttach := len(network.submittedOps)
	pm := NewProvisionalManager(crypto, network, m, nil)
	state, method, err := pm.Attach(context.Background(), identity)
	require.NoError(t, err)
	require.Nil(t, method)
	require.Equal(t, StateReady, state)
	require.Len(t, network.submittedOps, opsBeforeAttach)
}

func TestVerifyProvisionalIdentityRejectsMismatchedMethod(t *testing.T) {
	m, network := newReadyManager(t)
	crypto := m.crypto
	identity := newTestProvisionalIdentity(t, crypto, "email", "dave@example.com")
	pm := NewProvisionalManager(crypto, network, m, nil)

	err := pm.VerifyProvisionalIdentity(context.Background(), identity, VerificationMethod{Kind: "email", Value: "someone-else@example.com"})
	var invalid *InvalidVerification
	require.ErrorAs(t, err, &invalid)
}

func TestVerifyProvisionalIdentityClaimsOnMatchingMethod(t *testing.T) {
	m, network := newReadyManager(t)
	crypto := m.crypto
	identity := newTestProvisionalIdentity(t, crypto, "email", "erin@example.com")

	tankerSig, err := crypto.MakeSignatureKeyPair()
	require.NoError(t, err)
	tankerEnc, err := crypto.MakeEncryptionKeyPair()
	require.NoError(t, err)
	network.provisionalTankerKey = &ProvisionalTankerKeys{TankerSignatureKeyPair: tankerSig, TankerEncryptionKeyPair: tankerEnc}

	pm := NewProvisionalManager(crypto, network, m, nil)
	err = pm.VerifyProvisionalIdentity(context.Background(), identity, VerificationMethod{Kind: "email", Value: "erin@example.com"})
	require.NoError(t, err)

	key := provisionalKey(identity.AppSignatureKeyPair.Public, tankerSig.Public)
	stored, ok := m.localUser.ProvisionalUserKeys[key]
	require.True(t, ok)
	require.Equal(t, identity.AppEncryptionKeyPair.Public, stored.AppEncryptionKeyPair.Public)
}

func TestClaimRequiresReadyState(t *testing.T) {
	crypto := NewCryptoProvider()
	m := newTestManager(t, crypto, &fakeNetworkClient{}, fixed32([]byte("tc")), fixed32([]byte("user")), fixed32([]byte("secret")))
	pm := NewProvisionalManager(crypto, &fakeNetworkClient{}, m, nil)
	identity := newTestProvisionalIdentity(t, crypto, "email", "frank@example.com")

	err := pm.VerifyProvisionalIdentity(context.Background(), identity, VerificationMethod{Kind: "email", Value: "frank@example.com"})
	var precond *PreconditionFailed
	require.ErrorAs(t, err, &precond)
}
