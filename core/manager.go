package core

// Module I: local-user manager.
//
// Owns the session-scoped lock, the key safe, and the verifier, and
// drives the startup state machine plus the write paths that compose a
// block generator call with a network submission and a safe save
// (§4.I, §5).

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// ManagerState is the session's position in the startup state machine
// (§4.I).
type ManagerState string

const (
	StateInit               ManagerState = "INIT"
	StateRegistrationNeeded ManagerState = "REGISTRATION_NEEDED"
	StateVerificationNeeded ManagerState = "VERIFICATION_NEEDED"
	StateReady              ManagerState = "READY"
)

// Manager is the local-user manager: the single owner of the key safe,
// the verifier, and the session-scoped lock (§5's "the key safe is the
// only process-wide state").
type Manager struct {
	crypto   CryptoProvider
	network  NetworkClient
	safe     *KeySafeStore
	verifier *Verifier
	identity *IdentityToken
	logger   *logrus.Logger

	mu        sync.Mutex
	state     ManagerState
	localUser *LocalUser
}

// NewManager wires a manager from its already-constructed collaborators.
// Callers build the verifier with NewVerifier(crypto, nil, ...) and pass
// it here; the manager fills in the verifier's local user once Open has
// loaded the key safe.
func NewManager(crypto CryptoProvider, network NetworkClient, safe *KeySafeStore, verifier *Verifier, identity *IdentityToken, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		crypto:   crypto,
		network:  network,
		safe:     safe,
		verifier: verifier,
		identity: identity,
		logger:   logger,
		state:    StateInit,
	}
}

// State returns the manager's current position in the startup state
// machine.
func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// lock acquires the session-scoped mutation lock without blocking: a
// second caller racing an in-flight mutation fails Busy rather than
// queueing (§5).
func (m *Manager) lock() error {
	if !m.mu.TryLock() {
		return &Busy{}
	}
	return nil
}

func (m *Manager) unlock() {
	m.mu.Unlock()
}

// Open loads the key safe and classifies the session into INIT's three
// successor states (§4.I).
func (m *Manager) Open(ctx context.Context) (ManagerState, error) {
	if err := m.lock(); err != nil {
		return m.state, err
	}
	defer m.unlock()

	safe, err := m.safe.Open()
	if err != nil {
		return m.state, err
	}
	m.localUser = ToLocalUser(m.crypto, m.identity.TrustchainID, m.identity.UserID, m.identity.UserSecret, safe)
	m.verifier.local = m.localUser

	if len(m.localUser.DeviceID) > 0 {
		m.state = StateReady
		return m.state, nil
	}

	history, err := m.network.FetchUserByID(ctx, m.identity.UserID)
	if err != nil {
		return m.state, err
	}
	if history == nil || history.RootBlock == nil {
		m.state = StateRegistrationNeeded
	} else {
		m.state = StateVerificationNeeded
	}
	return m.state, nil
}

// CreateUser composes and submits a brand new user's two bootstrap
// blocks — a root-authored ghost device, then a first device authored
// by it — and registers a verification method the ghost device's keys
// can later be recovered under (§4.I).
func (m *Manager) CreateUser(ctx context.Context, method VerificationMethod) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.unlock()
	if m.state != StateRegistrationNeeded {
		return &PreconditionFailed{Detail: "create_user called outside REGISTRATION_NEEDED"}
	}

	ghostSig, err := m.crypto.MakeSignatureKeyPair()
	if err != nil {
		return wrapInternal("generating ghost device signature key pair", err)
	}
	ghostEnc, err := m.crypto.MakeEncryptionKeyPair()
	if err != nil {
		return wrapInternal("generating ghost device encryption key pair", err)
	}

	rootBlock, userKey, err := MakeNewUser(m.crypto, m.identity.TrustchainID, m.identity.UserID, &m.identity.Delegation, ghostSig.Public, ghostEnc.Public)
	if err != nil {
		return err
	}
	ghostDeviceID := rootBlock.Hash(m.crypto)

	firstDeviceSig, err := m.crypto.MakeSignatureKeyPair()
	if err != nil {
		return wrapInternal("generating first device signature key pair", err)
	}
	firstDeviceEnc, err := m.crypto.MakeEncryptionKeyPair()
	if err != nil {
		return wrapInternal("generating first device encryption key pair", err)
	}
	firstDeviceBlock, err := MakeNewDevice(m.crypto, m.identity.TrustchainID, m.identity.UserID, ghostDeviceID, ghostSig.Private, UserKeyPair{Public: userKey.Public, Private: userKey.Private}, firstDeviceSig.Public, firstDeviceEnc.Public, false)
	if err != nil {
		return err
	}

	verificationKeyToken := EncodeVerificationKey(&VerificationKey{
		PrivateEncryptionKey: ghostEnc.Private,
		PrivateSignatureKey:  ghostSig.Private,
	})
	method.EncryptedVerificationKey = m.crypto.SymmetricEncryptV1([]byte(verificationKeyToken), m.identity.UserSecret)

	if err := m.network.SubmitBlocks(ctx, "create_user", []*Block{rootBlock, firstDeviceBlock}); err != nil {
		return err
	}
	if err := m.network.SetVerificationMethod(ctx, m.identity.UserID, method); err != nil {
		return err
	}

	firstDeviceID := firstDeviceBlock.Hash(m.crypto)
	m.localUser.DeviceID = firstDeviceID
	m.localUser.DeviceSignaturePair = &firstDeviceSig
	m.localUser.DeviceEncryptionPair = &firstDeviceEnc

	if err := m.refreshLocked(ctx); err != nil {
		return err
	}
	m.state = StateReady
	return nil
}

// CreateNewDevice reconstructs the ghost device from a recovered
// verification key and uses it to author a new device for this session
// (§4.I).
func (m *Manager) CreateNewDevice(ctx context.Context, method VerificationMethod) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.unlock()
	if m.state != StateVerificationNeeded {
		return &PreconditionFailed{Detail: "create_new_device called outside VERIFICATION_NEEDED"}
	}

	encryptedKey, err := m.network.FetchEncryptedVerificationKey(ctx, method)
	if err != nil {
		return err
	}
	tokenBytes, err := m.crypto.SymmetricDecryptV1(encryptedKey, m.identity.UserSecret)
	if err != nil {
		return &InvalidVerification{Detail: "encrypted verification key did not decrypt: " + err.Error()}
	}
	vk, err := ParseVerificationKey(string(tokenBytes))
	if err != nil {
		return err
	}
	ghostSig, err := m.crypto.SignatureKeyPairFromPrivate(vk.PrivateSignatureKey)
	if err != nil {
		return err
	}
	ghostEnc, err := m.crypto.EncryptionKeyPairFromPrivate(vk.PrivateEncryptionKey)
	if err != nil {
		return err
	}

	history, err := m.network.FetchUserByID(ctx, m.identity.UserID)
	if err != nil {
		return err
	}
	if history == nil {
		return &PreconditionFailed{Detail: "create_new_device requires an existing user on the server"}
	}
	ghostBlock, ghostPayload, err := findDeviceCreationBySignatureKey(history.RootBlock, history.HistoryBlocks, ghostSig.Public)
	if err != nil {
		return err
	}
	ghostDeviceID := ghostBlock.Hash(m.crypto)

	sealedUserKey, err := m.network.FetchLastUserKey(ctx, ghostDeviceID)
	if err != nil {
		return err
	}
	userPriv, err := m.crypto.SealDecrypt(sealedUserKey, ghostEnc)
	if err != nil {
		return &DecryptionFailed{Detail: "recovering user key via ghost device: " + err.Error()}
	}
	userKey := UserKeyPair{Public: ghostPayload.UserPublicEncryptionKey, Private: userPriv}

	newDeviceSig, err := m.crypto.MakeSignatureKeyPair()
	if err != nil {
		return wrapInternal("generating new device signature key pair", err)
	}
	newDeviceEnc, err := m.crypto.MakeEncryptionKeyPair()
	if err != nil {
		return wrapInternal("generating new device encryption key pair", err)
	}
	newDeviceBlock, err := MakeNewDevice(m.crypto, m.identity.TrustchainID, m.identity.UserID, ghostDeviceID, ghostSig.Private, userKey, newDeviceSig.Public, newDeviceEnc.Public, false)
	if err != nil {
		return err
	}
	if err := m.network.SubmitBlock(ctx, "create_device", newDeviceBlock); err != nil {
		return err
	}

	m.localUser.DeviceID = newDeviceBlock.Hash(m.crypto)
	m.localUser.DeviceSignaturePair = &newDeviceSig
	m.localUser.DeviceEncryptionPair = &newDeviceEnc

	if err := m.refreshLocked(ctx); err != nil {
		return err
	}
	m.state = StateReady
	return nil
}

// RevokeDevice composes and submits a revocation for deviceID, rotating
// the user key away from it (§4.G, §4.I).
func (m *Manager) RevokeDevice(ctx context.Context, deviceID []byte) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.unlock()
	if m.state != StateReady {
		return &PreconditionFailed{Detail: "revoke_device called outside READY"}
	}
	if err := m.refreshLocked(ctx); err != nil {
		return err
	}

	user := m.verifier.User(m.identity.UserID)
	if user == nil {
		return wrapInternal("revoking device: local user has no materialized user aggregate", nil)
	}
	currentUserKey := m.localUser.CurrentUserKey()
	if currentUserKey == nil || currentUserKey.Private == nil {
		return &PreconditionFailed{Detail: "revoke_device requires a known current user key"}
	}

	block, _, err := MakeDeviceRevocation(m.crypto, m.identity.TrustchainID, user, *currentUserKey, m.localUser.DeviceID, m.localUser.DeviceSignaturePair.Private, deviceID)
	if err != nil {
		return err
	}
	if err := m.network.SubmitBlock(ctx, "revoke_device", block); err != nil {
		return err
	}
	return m.refreshLocked(ctx)
}

// RefreshLocalUser fetches the user's block history and applies it
// through the verifier, then persists the resulting local state (§4.I).
func (m *Manager) RefreshLocalUser(ctx context.Context) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.unlock()
	return m.refreshLocked(ctx)
}

// refreshLocked assumes the caller already holds the session lock.
func (m *Manager) refreshLocked(ctx context.Context) error {
	history, err := m.network.FetchUserByID(ctx, m.identity.UserID)
	if err != nil {
		return err
	}
	if history == nil {
		return nil
	}
	if m.verifier.trustchainID == nil && history.RootBlock != nil {
		if err := m.verifier.VerifyRoot(history.RootBlock); err != nil {
			return err
		}
	}
	_, recovered, err := m.verifier.ApplyBatch(history.HistoryBlocks)
	if err != nil {
		return err
	}
	for _, rerr := range recovered {
		m.logger.WithError(rerr).Debug("refresh_local_user: recovered peer entry")
	}
	return m.safe.Save(FromLocalUser(m.localUser))
}

// findDeviceCreationBySignatureKey scans a user's history (including
// the root block, for the rare case a root-authored device matches) for
// the device-creation entry whose public signature key is sigPub.
func findDeviceCreationBySignatureKey(root *Block, history []*Block, sigPub []byte) (*Block, *DeviceCreationPayload, error) {
	candidates := make([]*Block, 0, len(history)+1)
	if root != nil {
		candidates = append(candidates, root)
	}
	candidates = append(candidates, history...)
	for _, b := range candidates {
		kind, err := KindOf(b.Nature)
		if err != nil || kind != KindDeviceCreation {
			continue
		}
		p, err := decodeDeviceCreation(b.Nature, b.Payload)
		if err != nil {
			continue
		}
		if len(p.PublicSignatureKey) == len(sigPub) && string(p.PublicSignatureKey) == string(sigPub) {
			return b, p, nil
		}
	}
	return nil, nil, &PreconditionFailed{Detail: "no device creation entry matches the reconstructed ghost device"}
}
