package core

// Module E: local user model.
//
// State: trustchain_id, user_id, user_secret, device_id?,
// device_encryption_pair?, device_signature_pair?, devices, user_keys
// (chronological, current last), trustchain_public_key? (§4.E).

import "math"

const infiniteRevokedAt uint64 = math.MaxUint64

// Device is derived from a verified device-creation entry (§3).
type Device struct {
	DeviceID                 []byte // hash of its creation block
	DevicePublicSignatureKey []byte // 32
	DevicePublicEncryptionKey []byte // 32
	IsGhostDevice            bool
	CreatedAt                uint64 // creation block index
	RevokedAt                uint64 // infiniteRevokedAt sentinel when not revoked
	UserID                   []byte
}

func (d *Device) IsRevokedAt(index uint64) bool {
	return d.RevokedAt <= index
}

// UserPublicKeyEntry is one (index, encryption public key) generation
// in a user's key history (§3).
type UserPublicKeyEntry struct {
	Index     uint64
	PublicKey []byte // 32
}

// UserKeyPair additionally carries the private half, known locally only
// when this session decrypted it from a revocation or creation block
// addressed to one of the user's own devices.
type UserKeyPair struct {
	Index   uint64
	Public  []byte // 32
	Private []byte // 32
}

// User is the aggregate derived from all verified device-creation and
// device-revocation entries bearing its user_id (§3).
type User struct {
	UserID          []byte
	Devices         []*Device
	UserPublicKeys  []UserPublicKeyEntry
}

func (u *User) deviceByID(id []byte, crypto CryptoProvider) *Device {
	for _, d := range u.Devices {
		if crypto.Equal(d.DeviceID, id) {
			return d
		}
	}
	return nil
}

func (u *User) latestPublicKey() []byte {
	if len(u.UserPublicKeys) == 0 {
		return nil
	}
	return u.UserPublicKeys[len(u.UserPublicKeys)-1].PublicKey
}

// ProvisionalUserKeyPair is the (app, tanker) encryption key pair
// attached to a provisional identity (§3).
type ProvisionalUserKeyPair struct {
	AppEncryptionKeyPair    EncryptionKeyPair
	TankerEncryptionKeyPair EncryptionKeyPair
}

// LocalUser is the in-memory replay target for module F: it owns this
// session's own device keys plus the materialized User it belongs to.
type LocalUser struct {
	crypto CryptoProvider

	TrustchainID         []byte
	TrustchainPublicKey  []byte
	UserID               []byte
	UserSecret           []byte // 32

	DeviceID               []byte
	DeviceEncryptionPair   *EncryptionKeyPair
	DeviceSignaturePair    *SignatureKeyPair

	Devices  []*Device
	UserKeys []UserKeyPair // chronological, current last

	// GroupEncryptionKeys holds a (Public, Private) pair for every group
	// this session has recovered private keys for, so FindUserKey can
	// resolve a group's public encryption key the same way it resolves a
	// rotated user key (§8 scenario: encrypting to a group).
	GroupEncryptionKeys []UserKeyPair

	ProvisionalUserKeys map[string]ProvisionalUserKeyPair // key = base64(app_pub_sig ‖ tanker_pub_sig)
}

// NewLocalUser constructs an empty local user bound to a trustchain and
// identity. Initial state: empty devices, empty user keys, no device id
// (§4.E).
func NewLocalUser(crypto CryptoProvider, trustchainID, userID, userSecret []byte) *LocalUser {
	return &LocalUser{
		crypto:              crypto,
		TrustchainID:        trustchainID,
		UserID:              userID,
		UserSecret:          userSecret,
		ProvisionalUserKeys: map[string]ProvisionalUserKeyPair{},
	}
}

// FindUserKey looks up a user key pair by its public key (§4.E). The
// lookup is a linear scan of the key history; there is no index by
// public key, so it is not O(1). It also searches recovered group
// encryption keys, so callers resolving a resource's recipient key
// don't need to know whether it names a user or a group.
func (lu *LocalUser) FindUserKey(publicKey []byte) *UserKeyPair {
	for i := range lu.UserKeys {
		if lu.crypto.Equal(lu.UserKeys[i].Public, publicKey) {
			return &lu.UserKeys[i]
		}
	}
	for i := range lu.GroupEncryptionKeys {
		if lu.crypto.Equal(lu.GroupEncryptionKeys[i].Public, publicKey) {
			return &lu.GroupEncryptionKeys[i]
		}
	}
	return nil
}

// CurrentUserKey returns the most recent user key pair, or nil if no
// user key is known yet.
func (lu *LocalUser) CurrentUserKey() *UserKeyPair {
	if len(lu.UserKeys) == 0 {
		return nil
	}
	return &lu.UserKeys[len(lu.UserKeys)-1]
}

// MakeBlock serializes and signs payload with nature, stamping
// author = device_id, using this session's current device signature key
// (§4.E).
func (lu *LocalUser) MakeBlock(payload []byte, nature Nature) (*Block, error) {
	if lu.DeviceID == nil || lu.DeviceSignaturePair == nil {
		return nil, &PreconditionFailed{Detail: "local user has no device keys to sign with"}
	}
	b := &Block{
		Version:      blockVersion,
		TrustchainID: lu.TrustchainID,
		Nature:       nature,
		Payload:      payload,
	}
	signBlock(b, lu.crypto, lu.DeviceID, lu.DeviceSignaturePair.Private)
	return b, nil
}

// applyDeviceCreation projects a verified device-creation entry onto
// the local user's materialized User/LocalUser state. It is the
// "callback becomes explicit in-order projection" design from §9.
func (lu *LocalUser) applyDeviceCreation(index uint64, p *DeviceCreationPayload, deviceID []byte) {
	isSelf := lu.crypto.Equal(p.UserID, lu.UserID)

	d := &Device{
		DeviceID:                  deviceID,
		DevicePublicSignatureKey:  p.PublicSignatureKey,
		DevicePublicEncryptionKey: p.PublicEncryptionKey,
		IsGhostDevice:             p.IsGhostDevice,
		CreatedAt:                 index,
		RevokedAt:                 infiniteRevokedAt,
		UserID:                    p.UserID,
	}
	lu.Devices = append(lu.Devices, d)

	if p.sourceNature == NatureDeviceCreationV3 && len(p.UserPublicEncryptionKey) == 32 {
		var last *UserKeyPair
		if len(lu.UserKeys) > 0 {
			last = &lu.UserKeys[len(lu.UserKeys)-1]
		}
		if last == nil || !lu.crypto.Equal(last.Public, p.UserPublicEncryptionKey) {
			lu.UserKeys = append(lu.UserKeys, UserKeyPair{Index: index, Public: p.UserPublicEncryptionKey})
		}
	}

	if isSelf && p.sourceNature == NatureDeviceCreationV3 && lu.DeviceEncryptionPair != nil &&
		lu.crypto.Equal(d.DevicePublicEncryptionKey, lu.DeviceEncryptionPair.Public) &&
		len(p.EncryptedUserPrivateEncKey) > 0 {
		plaintext, err := lu.crypto.SealDecrypt(p.EncryptedUserPrivateEncKey, *lu.DeviceEncryptionPair)
		if err == nil && len(plaintext) == 32 {
			lu.UserKeys[len(lu.UserKeys)-1].Private = plaintext
		}
	}
}

// applyDeviceRevocation runs the device revocation state machine
// described in §4.E against the user owning the revoked device.
//
//	states: {nominal, revoked(at=idx)}
//	transitions (per device d in user):
//	  (nominal) -- e is revocation of d --> revoked(at=e.index)
//	  (revoked) -- e is revocation of d --> error DeviceAlreadyRevoked
//	  (*)       -- e is revocation of other --> (*)
func (lu *LocalUser) applyDeviceRevocation(index uint64, p *DeviceRevocationPayload, target *Device) error {
	if target.RevokedAt != infiniteRevokedAt {
		return invalidBlock(KindDeviceRevocation, ReasonDeviceAlreadyRevoked)
	}
	target.RevokedAt = index

	if p.sourceNature != NatureDeviceRevocationV2 {
		return nil
	}

	lu.UserKeys = append(lu.UserKeys, UserKeyPair{Index: index, Public: p.PublicEncryptionKey})

	// If one of our remaining devices is named as a recipient, decrypt
	// the new private key addressed to it and append it to our chain.
	if lu.DeviceID == nil {
		return nil
	}
	for _, r := range p.PrivateKeys {
		if !lu.crypto.Equal(r.Recipient, lu.DeviceID) {
			continue
		}
		if lu.DeviceEncryptionPair == nil {
			return nil
		}
		plaintext, err := lu.crypto.SealDecrypt(r.EncryptedPrivateKey, *lu.DeviceEncryptionPair)
		if err != nil {
			return wrapInternal("decrypting rotated user private key", err)
		}
		lu.UserKeys[len(lu.UserKeys)-1].Private = plaintext
	}
	return nil
}

// ApplyProvisionalIdentityClaim decrypts
// encrypted_provisional_identity_private_keys against the user key
// named by recipient_user_public_key, failing with an InvalidBlock
// (ReasonMissingUserKeys) if the generation is not locally known (§4.E).
func (lu *LocalUser) ApplyProvisionalIdentityClaim(e *ProvisionalIdentityClaimPayload) (*ProvisionalUserKeyPair, error) {
	uk := lu.FindUserKey(e.RecipientUserPublicKey)
	if uk == nil || uk.Private == nil {
		return nil, invalidBlock(KindProvisionalIdentityClaim, ReasonMissingUserKeys)
	}
	plaintext, err := lu.crypto.SealDecrypt(e.EncryptedPrivateKeys, EncryptionKeyPair{Public: e.RecipientUserPublicKey, Private: uk.Private})
	if err != nil {
		return nil, &DecryptionFailed{Detail: "provisional identity claim: " + err.Error()}
	}
	if len(plaintext) != 64 {
		return nil, wrapInternal("provisional identity claim plaintext has unexpected length", nil)
	}
	appPriv := plaintext[:32]
	tankerPriv := plaintext[32:]
	appPair, err := lu.crypto.EncryptionKeyPairFromPrivate(appPriv)
	if err != nil {
		return nil, err
	}
	tankerPair, err := lu.crypto.EncryptionKeyPairFromPrivate(tankerPriv)
	if err != nil {
		return nil, err
	}
	pair := ProvisionalUserKeyPair{AppEncryptionKeyPair: appPair, TankerEncryptionKeyPair: tankerPair}
	key := provisionalKey(e.AppSignaturePublicKey, e.TankerSignaturePublicKey)
	lu.ProvisionalUserKeys[key] = pair
	return &pair, nil
}

// provisionalKey is the storage key for a provisional user key pair:
// base64 of app_pub_sig ‖ tanker_pub_sig (§3, §4.J). Defined alongside
// the model so verifier and key safe agree on one derivation.
func provisionalKey(appPub, tankerPub []byte) string {
	return b64(append(append([]byte{}, appPub...), tankerPub...))
}

// Zeroize destroys every private key buffer this local user holds,
// per the §5 close-semantics requirement.
func (lu *LocalUser) Zeroize() {
	if lu.DeviceEncryptionPair != nil {
		lu.crypto.Zeroize(lu.DeviceEncryptionPair.Private)
	}
	if lu.DeviceSignaturePair != nil {
		lu.crypto.Zeroize(lu.DeviceSignaturePair.Private)
	}
	for i := range lu.UserKeys {
		if lu.UserKeys[i].Private != nil {
			lu.crypto.Zeroize(lu.UserKeys[i].Private)
		}
	}
	for i := range lu.GroupEncryptionKeys {
		if lu.GroupEncryptionKeys[i].Private != nil {
			lu.crypto.Zeroize(lu.GroupEncryptionKeys[i].Private)
		}
	}
	for k, p := range lu.ProvisionalUserKeys {
		lu.crypto.Zeroize(p.AppEncryptionKeyPair.Private)
		lu.crypto.Zeroize(p.TankerEncryptionKeyPair.Private)
		delete(lu.ProvisionalUserKeys, k)
	}
}
