package core

// Module H: key safe.
//
// At-rest snapshot of everything the local-user manager needs to resume
// a session: device keys, the user's device list, local user key
// history, and recovered provisional key pairs. Serialized as
// JSON-with-binary-escapes, then symmetric-v1-sealed under the user
// secret and stored as a single record (§4.H).

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

const keySafeRecordID = "keySafe"
const keySafeTable = "key_safe"
const keySafeSchemaVersion = 1
const base64Marker = "__BASE64__"

// KeySafe is the JSON-shaped persisted snapshot described in §4.H. Every
// []byte field round-trips through the "__BASE64__"-prefixed string
// convention so the envelope stays readable JSON apart from those leaves.
type KeySafe struct {
	SchemaVersion       int                  `json:"schema_version"`
	DeviceID            safeBytes            `json:"device_id,omitempty"`
	DeviceSignaturePair *safeSignatureKeys   `json:"device_signature_pair,omitempty"`
	DeviceEncryptionPair *safeEncryptionKeys `json:"device_encryption_pair,omitempty"`
	TrustchainPublicKey safeBytes            `json:"trustchain_public_key,omitempty"`
	Devices             []safeDevice         `json:"devices,omitempty"`
	LocalUserKeys       safeLocalUserKeys    `json:"local_user_keys"`
	ProvisionalUserKeys map[string]safeProvisionalPair `json:"provisional_user_keys,omitempty"`
}

type safeSignatureKeys struct {
	Public  safeBytes `json:"public"`
	Private safeBytes `json:"private"`
}

type safeEncryptionKeys struct {
	Public  safeBytes `json:"public"`
	Private safeBytes `json:"private"`
}

type safeDevice struct {
	DeviceID                  safeBytes `json:"device_id"`
	DevicePublicSignatureKey  safeBytes `json:"device_public_signature_key"`
	DevicePublicEncryptionKey safeBytes `json:"device_public_encryption_key"`
	IsGhostDevice             bool      `json:"is_ghost_device"`
	CreatedAt                 uint64    `json:"created_at"`
	RevokedAt                 uint64    `json:"revoked_at"`
	UserID                    safeBytes `json:"user_id"`
}

type safeUserKey struct {
	Index   uint64    `json:"index"`
	Public  safeBytes `json:"public"`
	Private safeBytes `json:"private,omitempty"`
}

type safeLocalUserKeys struct {
	CurrentUserKey *safeUserKey  `json:"current_user_key,omitempty"`
	History        []safeUserKey `json:"history,omitempty"`
}

type safeProvisionalPair struct {
	AppPublic     safeBytes `json:"app_public"`
	AppPrivate    safeBytes `json:"app_private"`
	TankerPublic  safeBytes `json:"tanker_public"`
	TankerPrivate safeBytes `json:"tanker_private"`
}

// safeBytes implements the "__BASE64__" + base64(bytes) marker string
// convention on top of []byte, so struct fields read and write as plain
// JSON strings while staying binary-safe.
type safeBytes []byte

func (b safeBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64Marker + base64.StdEncoding.EncodeToString(b))
}

func (b *safeBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if len(s) < len(base64Marker) || s[:len(base64Marker)] != base64Marker {
		return errors.Errorf("key safe field missing %s marker", base64Marker)
	}
	decoded, err := base64.StdEncoding.DecodeString(s[len(base64Marker):])
	if err != nil {
		return errors.Wrap(err, "decoding key safe binary field")
	}
	*b = decoded
	return nil
}

// KeySafeStore owns the encrypted safe record: loading, mutating, and
// persisting it is always driven by the local-user manager (§5's "the
// key safe is the only process-wide state").
type KeySafeStore struct {
	crypto     CryptoProvider
	store      RecordStore
	userSecret []byte
	metrics    *KeySafeMetrics
}

// NewKeySafeStore binds a store and the session's user secret. The
// secret never leaves this struct in plaintext form beyond what the
// symmetric cipher itself requires.
func NewKeySafeStore(crypto CryptoProvider, store RecordStore, userSecret []byte, metrics *KeySafeMetrics) *KeySafeStore {
	return &KeySafeStore{crypto: crypto, store: store, userSecret: userSecret, metrics: metrics}
}

// Open loads and decrypts the safe, or returns a fresh empty one if the
// record is absent, undecryptable, or has no device_id — "fresh" per
// §4.H's open semantics, never a fatal error.
func (ks *KeySafeStore) Open() (*KeySafe, error) {
	raw, err := ks.store.Get(keySafeTable, keySafeRecordID)
	if err != nil {
		if IsRecordNotFound(err) {
			return ks.fresh(), nil
		}
		return nil, wrapInternal("reading key safe record", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil {
		return ks.fresh(), nil
	}
	plaintext, err := ks.crypto.SymmetricDecryptV1(ciphertext, ks.userSecret)
	if err != nil {
		return ks.fresh(), nil
	}

	var safe KeySafe
	if err := json.Unmarshal(plaintext, &safe); err != nil {
		return ks.fresh(), nil
	}
	if safe.SchemaVersion > keySafeSchemaVersion {
		return nil, &UpgradeRequired{Detail: "key safe schema version newer than this implementation understands"}
	}
	if len(safe.DeviceID) == 0 {
		return ks.fresh(), nil
	}
	return &safe, nil
}

func (ks *KeySafeStore) fresh() *KeySafe {
	ks.metrics.recordReset()
	return &KeySafe{SchemaVersion: keySafeSchemaVersion}
}

// Save serializes, seals, and persists safe. It is the only write path
// to the safe record: callers must hold the session lock (§5).
func (ks *KeySafeStore) Save(safe *KeySafe) error {
	safe.SchemaVersion = keySafeSchemaVersion
	plaintext, err := json.Marshal(safe)
	if err != nil {
		return wrapInternal("serializing key safe", err)
	}
	ciphertext := ks.crypto.SymmetricEncryptV1(plaintext, ks.userSecret)
	encoded := []byte(base64.StdEncoding.EncodeToString(ciphertext))
	if err := ks.store.Put(keySafeTable, keySafeRecordID, encoded); err != nil {
		return wrapInternal("persisting key safe", err)
	}
	ks.metrics.recordWrite()
	return nil
}

// ToLocalUser projects a decrypted safe onto a LocalUser the verifier
// can replay into. userID and userSecret come from the session's
// identity token, not the safe: the safe never persists them (§4.H).
func ToLocalUser(crypto CryptoProvider, trustchainID, userID, userSecret []byte, safe *KeySafe) *LocalUser {
	lu := NewLocalUser(crypto, trustchainID, userID, userSecret)
	lu.TrustchainPublicKey = safe.TrustchainPublicKey
	lu.DeviceID = safe.DeviceID
	if safe.DeviceSignaturePair != nil {
		lu.DeviceSignaturePair = &SignatureKeyPair{Public: safe.DeviceSignaturePair.Public, Private: safe.DeviceSignaturePair.Private}
	}
	if safe.DeviceEncryptionPair != nil {
		lu.DeviceEncryptionPair = &EncryptionKeyPair{Public: safe.DeviceEncryptionPair.Public, Private: safe.DeviceEncryptionPair.Private}
	}
	for _, d := range safe.Devices {
		lu.Devices = append(lu.Devices, &Device{
			DeviceID:                  d.DeviceID,
			DevicePublicSignatureKey:  d.DevicePublicSignatureKey,
			DevicePublicEncryptionKey: d.DevicePublicEncryptionKey,
			IsGhostDevice:             d.IsGhostDevice,
			CreatedAt:                 d.CreatedAt,
			RevokedAt:                 d.RevokedAt,
			UserID:                    d.UserID,
		})
	}
	for _, k := range safe.LocalUserKeys.History {
		lu.UserKeys = append(lu.UserKeys, UserKeyPair{Index: k.Index, Public: k.Public, Private: k.Private})
	}
	for key, p := range safe.ProvisionalUserKeys {
		lu.ProvisionalUserKeys[key] = ProvisionalUserKeyPair{
			AppEncryptionKeyPair:    EncryptionKeyPair{Public: p.AppPublic, Private: p.AppPrivate},
			TankerEncryptionKeyPair: EncryptionKeyPair{Public: p.TankerPublic, Private: p.TankerPrivate},
		}
	}
	return lu
}

// FromLocalUser captures a LocalUser's current state into a safe ready
// to be saved.
func FromLocalUser(lu *LocalUser) *KeySafe {
	safe := &KeySafe{
		SchemaVersion:       keySafeSchemaVersion,
		DeviceID:            lu.DeviceID,
		TrustchainPublicKey: lu.TrustchainPublicKey,
	}
	if lu.DeviceSignaturePair != nil {
		safe.DeviceSignaturePair = &safeSignatureKeys{Public: lu.DeviceSignaturePair.Public, Private: lu.DeviceSignaturePair.Private}
	}
	if lu.DeviceEncryptionPair != nil {
		safe.DeviceEncryptionPair = &safeEncryptionKeys{Public: lu.DeviceEncryptionPair.Public, Private: lu.DeviceEncryptionPair.Private}
	}
	for _, d := range lu.Devices {
		safe.Devices = append(safe.Devices, safeDevice{
			DeviceID:                  d.DeviceID,
			DevicePublicSignatureKey:  d.DevicePublicSignatureKey,
			DevicePublicEncryptionKey: d.DevicePublicEncryptionKey,
			IsGhostDevice:             d.IsGhostDevice,
			CreatedAt:                 d.CreatedAt,
			RevokedAt:                 d.RevokedAt,
			UserID:                    d.UserID,
		})
	}
	for _, k := range lu.UserKeys {
		safe.LocalUserKeys.History = append(safe.LocalUserKeys.History, safeUserKey{Index: k.Index, Public: k.Public, Private: k.Private})
	}
	if current := lu.CurrentUserKey(); current != nil {
		safe.LocalUserKeys.CurrentUserKey = &safeUserKey{Index: current.Index, Public: current.Public, Private: current.Private}
	}
	if len(lu.ProvisionalUserKeys) > 0 {
		safe.ProvisionalUserKeys = map[string]safeProvisionalPair{}
		for key, p := range lu.ProvisionalUserKeys {
			safe.ProvisionalUserKeys[key] = safeProvisionalPair{
				AppPublic:     p.AppEncryptionKeyPair.Public,
				AppPrivate:    p.AppEncryptionKeyPair.Private,
				TankerPublic:  p.TankerEncryptionKeyPair.Public,
				TankerPrivate: p.TankerEncryptionKeyPair.Private,
			}
		}
	}
	return safe
}
