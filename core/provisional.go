package core

// Module J: provisional-identity manager.
//
// Claims a provisional identity (an identity minted off-session against
// a not-yet-verified target such as an email address) on behalf of the
// currently READY local user, composing the claim block described in
// §4.G once both key halves — the app half the caller already holds,
// the tanker half fetched from the server — are available (§4.J).

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ProvisionalIdentity is the app half of a provisional identity: the
// target a verification method must match (e.g. "email"/"alice@example.com")
// plus the app-held signature and encryption key pairs minted when the
// identity was created.
type ProvisionalIdentity struct {
	Target string
	Value  string

	AppSignatureKeyPair  SignatureKeyPair
	AppEncryptionKeyPair EncryptionKeyPair
}

// ProvisionalManager claims provisional identities against a READY
// local-user manager. It never mutates state on its own: every write
// goes through the owning Manager's session lock, either via
// RefreshLocalUser or, when claiming, by taking the lock and refreshing
// under it.
type ProvisionalManager struct {
	crypto  CryptoProvider
	network NetworkClient
	manager *Manager
	logger  *logrus.Logger
}

// NewProvisionalManager binds a provisional-identity manager to the
// local-user manager whose session lock and key safe it shares.
func NewProvisionalManager(crypto CryptoProvider, network NetworkClient, manager *Manager, logger *logrus.Logger) *ProvisionalManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &ProvisionalManager{crypto: crypto, network: network, manager: manager, logger: logger}
}

// Attach resolves a provisional identity to READY when possible: first
// against already-recovered keys, then by refreshing, then — if a
// verification method matching the identity's target is already
// registered — by claiming it immediately. Otherwise it reports
// VERIFICATION_NEEDED with the method the caller should prove (§4.J).
func (pm *ProvisionalManager) Attach(ctx context.Context, identity ProvisionalIdentity) (ManagerState, *VerificationMethod, error) {
	if pair := pm.findRecoveredKeys(identity); pair != nil {
		return StateReady, nil, nil
	}

	if err := pm.RefreshProvisionalPrivateKeys(ctx); err != nil {
		return StateInit, nil, err
	}
	if pair := pm.findRecoveredKeys(identity); pair != nil {
		return StateReady, nil, nil
	}

	methods, err := pm.network.FetchVerificationMethods(ctx, pm.manager.identity.UserID)
	if err != nil {
		return StateInit, nil, err
	}
	for _, m := range methods {
		if m.Kind == identity.Target && m.Value == identity.Value {
			if err := pm.claim(ctx, identity); err != nil {
				return StateInit, nil, err
			}
			return StateReady, nil, nil
		}
	}

	return StateVerificationNeeded, &VerificationMethod{Kind: identity.Target, Value: identity.Value}, nil
}

// VerifyProvisionalIdentity proves possession of identity's target via
// verification, then claims it (§4.J).
func (pm *ProvisionalManager) VerifyProvisionalIdentity(ctx context.Context, identity ProvisionalIdentity, verification VerificationMethod) error {
	if verification.Kind != identity.Target || verification.Value != identity.Value {
		return &InvalidVerification{Detail: "verification method does not match the provisional identity's target"}
	}
	return pm.claim(ctx, identity)
}

// RefreshProvisionalPrivateKeys fetches the user's block history and
// applies it through the verifier, which appends any newly-decryptable
// provisional key pairs to the local user's recovered set as a side
// effect of verifying each claim entry (§4.J, §4.F).
func (pm *ProvisionalManager) RefreshProvisionalPrivateKeys(ctx context.Context) error {
	return pm.manager.RefreshLocalUser(ctx)
}

// claim fetches the tanker half of identity's keys and composes and
// submits the claim block binding it to the local user's current
// public key.
func (pm *ProvisionalManager) claim(ctx context.Context, identity ProvisionalIdentity) error {
	m := pm.manager
	if m.State() != StateReady {
		return &PreconditionFailed{Detail: "claiming a provisional identity requires a READY local user"}
	}

	tanker, err := pm.network.FetchProvisionalTankerKeys(ctx, identity.AppSignatureKeyPair.Public, identity.AppEncryptionKeyPair.Public)
	if err != nil {
		return err
	}

	if err := m.lock(); err != nil {
		return err
	}
	defer m.unlock()
	currentUserKey := m.localUser.CurrentUserKey()
	if currentUserKey == nil {
		return &PreconditionFailed{Detail: "claiming a provisional identity requires a known current user key"}
	}

	block, err := MakeProvisionalIdentityClaim(
		pm.crypto,
		m.identity.TrustchainID,
		m.localUser.DeviceID,
		m.localUser.DeviceSignaturePair.Private,
		m.identity.UserID,
		currentUserKey.Public,
		identity.AppSignatureKeyPair,
		tanker.TankerSignatureKeyPair,
		identity.AppEncryptionKeyPair.Private,
		tanker.TankerEncryptionKeyPair.Private,
	)
	if err != nil {
		return err
	}
	if err := pm.network.SubmitBlock(ctx, "claim_provisional_identity", block); err != nil {
		return err
	}
	return m.refreshLocked(ctx)
}

// findRecoveredKeys looks up an already-recovered provisional key pair
// by the app encryption public key, which uniquely identifies a
// provisional identity regardless of whether its tanker half is known
// yet.
func (pm *ProvisionalManager) findRecoveredKeys(identity ProvisionalIdentity) *ProvisionalUserKeyPair {
	m := pm.manager
	if err := m.lock(); err != nil {
		return nil
	}
	defer m.unlock()
	if m.localUser == nil {
		return nil
	}
	for _, pair := range m.localUser.ProvisionalUserKeys {
		if pm.crypto.Equal(pair.AppEncryptionKeyPair.Public, identity.AppEncryptionKeyPair.Public) {
			p := pair
			return &p
		}
	}
	return nil
}
