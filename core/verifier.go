package core

// Module F: trustchain verifier.
//
// Given a stream of unverified entries, produce verified entries and
// apply them to the local user store, or reject each offending entry
// with an InvalidBlock{kind, reason}. Verification is pure (no I/O)
// once authors are known (§4.F).

import (
	"sort"

	"github.com/sirupsen/logrus"
)

// TrustchainCreationPayload is the root block's payload: the
// trustchain's own public signature key, used as the delegation-
// signature author key for root-authored device creations (§4.F rule 3).
type TrustchainCreationPayload struct {
	PublicSignatureKey []byte // 32
}

func encodeTrustchainCreation(p *TrustchainCreationPayload) []byte {
	return fixed32(p.PublicSignatureKey)
}

func decodeTrustchainCreation(data []byte) (*TrustchainCreationPayload, error) {
	p := &TrustchainCreationPayload{}
	err := unserializeGeneric(data, []fieldReader{readInto(&p.PublicSignatureKey, 32)})
	if err != nil {
		return nil, err
	}
	return p, nil
}

var zero32 = make([]byte, 32)
var zero64 = make([]byte, 64)

// Verifier owns every piece of state spec.md's §4.F rules reference:
// the set of known users (and their devices), known groups, and the
// local user whose own device/key material is being replayed into.
type Verifier struct {
	crypto CryptoProvider
	logger *logrus.Logger
	metrics *VerifierMetrics

	trustchainID        []byte
	trustchainPublicKey []byte

	users map[string]*User // key = b64(user_id)

	// deviceOwner maps b64(device_id) -> b64(user_id) so revocation,
	// key-publish and group entries can resolve their author's user
	// without a linear scan.
	deviceOwner map[string]string

	groups map[string]*Group // key = b64(group_id)

	local *LocalUser // may be nil if this verifier only observes
}

// NewVerifier constructs an empty verifier. local may be nil for a
// read-only verifier that does not materialize a local user's own keys.
func NewVerifier(crypto CryptoProvider, local *LocalUser, logger *logrus.Logger, metrics *VerifierMetrics) *Verifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &Verifier{
		crypto:      crypto,
		logger:      logger,
		metrics:     metrics,
		users:       map[string]*User{},
		deviceOwner: map[string]string{},
		groups:      map[string]*Group{},
		local:       local,
	}
}

func (v *Verifier) userFor(userID []byte) *User {
	key := b64(userID)
	u, ok := v.users[key]
	if !ok {
		u = &User{UserID: userID}
		v.users[key] = u
	}
	return u
}

func (v *Verifier) existingUser(userID []byte) *User {
	return v.users[b64(userID)]
}

func (v *Verifier) deviceByID(deviceID []byte) (*Device, *User) {
	ownerKey, ok := v.deviceOwner[b64(deviceID)]
	if !ok {
		return nil, nil
	}
	u := v.users[ownerKey]
	if u == nil {
		return nil, nil
	}
	return u.deviceByID(deviceID, v.crypto), u
}

// VerifyRoot verifies and applies the trustchain-creation block (§4.F
// "Trustchain creation"). It must be called before ApplyBatch.
func (v *Verifier) VerifyRoot(root *Block) error {
	if root.Index != 1 {
		return invalidBlock(KindTrustchainCreation, ReasonInvalidRootBlock)
	}
	kind, err := KindOf(root.Nature)
	if err != nil || kind != KindTrustchainCreation {
		return invalidBlock(KindTrustchainCreation, ReasonInvalidNature)
	}
	if !v.crypto.Equal(root.Author, zero32) {
		return invalidBlock(KindTrustchainCreation, ReasonInvalidAuthorForTrustchain)
	}
	if !v.crypto.Equal(root.Signature, zero64) {
		return invalidBlock(KindTrustchainCreation, ReasonInvalidRootBlock)
	}
	hash := root.Hash(v.crypto)
	if !v.crypto.Equal(hash, root.TrustchainID) {
		return invalidBlock(KindTrustchainCreation, ReasonInvalidRootBlock)
	}
	payload, err := decodeTrustchainCreation(root.Payload)
	if err != nil {
		return err
	}
	v.trustchainID = root.TrustchainID
	v.trustchainPublicKey = payload.PublicSignatureKey
	if v.local != nil {
		v.local.TrustchainID = root.TrustchainID
		v.local.TrustchainPublicKey = payload.PublicSignatureKey
	}
	v.metrics.recordVerified()
	return nil
}

// pendingEntry is one not-yet-verified block paired with the owner key
// used for the per-user sweep ordering discipline (§4.F, §5).
type pendingEntry struct {
	block    *Block
	kind     Kind
	ownerKey string // "" if not yet resolvable
	resolved bool   // verified (or recovered) this pass; drop from future sweeps
}

// ApplyBatch verifies and applies a batch of unverified entries
// (excluding the root block, already handled by VerifyRoot). It sorts
// primarily by user id, secondarily by index, and verifies one device's
// entry per user per sweep so that any device whose author is another
// device of the same user sees its author already applied (§4.F, §5).
//
// An InvalidBlock on one entry does not poison the batch: it is
// recorded in recovered and the loop continues. Returns a fatal error
// only for UpgradeRequired or internal/storage-shaped failures.
func (v *Verifier) ApplyBatch(blocks []*Block) (verified []*Block, recovered []error, err error) {
	pending := make([]*pendingEntry, 0, len(blocks))
	for _, b := range blocks {
		kind, kerr := KindOf(b.Nature)
		if kerr != nil {
			return verified, recovered, &UpgradeRequired{Detail: kerr.Error()}
		}
		if b.Version > blockVersion {
			return verified, recovered, &UpgradeRequired{Detail: "unknown block version"}
		}
		if forwardCompatOnly[kind] {
			return verified, recovered, &UpgradeRequired{Detail: "unsupported forward-compatible nature: " + string(kind)}
		}
		pending = append(pending, &pendingEntry{block: b, kind: kind, ownerKey: v.resolveOwnerKey(b, kind)})
	}

	for {
		v.resolveUnresolvedOwners(pending)
		batch := v.pickOneAuthorPerUser(pending)
		if len(batch) == 0 {
			break
		}
		v.metrics.recordSweep()
		for _, entry := range batch {
			verr := v.verifyAndApply(entry.block, entry.kind)
			entry.resolved = true
			if verr == nil {
				verified = append(verified, entry.block)
				v.metrics.recordVerified()
				continue
			}
			var ib *InvalidBlock
			if asInvalidBlock(verr, &ib) {
				v.logger.WithFields(logrus.Fields{
					"nature": entry.kind,
					"reason": ib.Reason,
					"index":  entry.block.Index,
				}).Warn("trustchain entry recovered: skipped")
				v.metrics.recordRecovered(ib.Reason)
				recovered = append(recovered, verr)
				continue
			}
			// Storage/internal/upgrade errors are fatal per §7.
			return verified, recovered, verr
		}
		pending = removeResolved(pending)
	}

	for _, p := range pending {
		recovered = append(recovered, invalidBlock(p.kind, ReasonAuthorNotFound))
	}
	return verified, recovered, nil
}

func removeResolved(pending []*pendingEntry) []*pendingEntry {
	out := pending[:0]
	for _, p := range pending {
		if !p.resolved {
			out = append(out, p)
		}
	}
	return out
}

// resolveOwnerKey computes the best-known owner user key for sort/sweep
// grouping. Device creations carry their own user id; everything else
// is owned by its author device's user, if already known.
func (v *Verifier) resolveOwnerKey(b *Block, kind Kind) string {
	if kind == KindDeviceCreation {
		p, err := decodeDeviceCreation(b.Nature, b.Payload)
		if err == nil {
			return b64(p.UserID)
		}
		return ""
	}
	if owner, ok := v.deviceOwner[b64(b.Author)]; ok {
		return owner
	}
	if kind == KindDeviceRevocation {
		p, err := decodeDeviceRevocation(b.Nature, b.Payload)
		if err == nil {
			if owner, ok := v.deviceOwner[b64(p.DeviceID)]; ok {
				return owner
			}
		}
	}
	return ""
}

func (v *Verifier) resolveUnresolvedOwners(pending []*pendingEntry) {
	for _, p := range pending {
		if p.resolved || p.ownerKey != "" {
			continue
		}
		p.ownerKey = v.resolveOwnerKey(p.block, p.kind)
	}
}

// pickOneAuthorPerUser sorts by (ownerKey, index) and returns the
// lowest-index unresolved entry for each distinct owner — "one device
// per user per sweep" (§4.F, §5). Entries with an unresolved owner are
// grouped under "" and also capped at one per sweep, so a chain of
// dependent unknown-author entries still makes progress as authors
// resolve.
func (v *Verifier) pickOneAuthorPerUser(pending []*pendingEntry) []*pendingEntry {
	remaining := make([]*pendingEntry, 0, len(pending))
	for _, p := range pending {
		if !p.resolved {
			remaining = append(remaining, p)
		}
	}
	sort.SliceStable(remaining, func(i, j int) bool {
		if remaining[i].ownerKey != remaining[j].ownerKey {
			return remaining[i].ownerKey < remaining[j].ownerKey
		}
		return remaining[i].block.Index < remaining[j].block.Index
	})
	seen := map[string]bool{}
	var batch []*pendingEntry
	for _, p := range remaining {
		if seen[p.ownerKey] {
			continue
		}
		seen[p.ownerKey] = true
		batch = append(batch, p)
	}
	return batch
}

func asInvalidBlock(err error, out **InvalidBlock) bool {
	ib, ok := err.(*InvalidBlock)
	if ok {
		*out = ib
	}
	return ok
}

// verifyAndApply dispatches to the per-kind rule set (§4.F) and, on
// success, projects the entry into the user/group/local-user state.
func (v *Verifier) verifyAndApply(b *Block, kind Kind) error {
	switch kind {
	case KindDeviceCreation:
		return v.verifyDeviceCreation(b)
	case KindDeviceRevocation:
		return v.verifyDeviceRevocation(b)
	case KindUserGroupCreation:
		return v.verifyUserGroupCreation(b)
	case KindUserGroupAddition:
		return v.verifyUserGroupAddition(b)
	case KindProvisionalIdentityClaim:
		return v.verifyProvisionalIdentityClaim(b)
	case KindKeyPublishToDevice, KindKeyPublishToUser, KindKeyPublishToUserGroup, KindKeyPublishToProvisional:
		return v.verifyKeyPublish(b, kind)
	default:
		return invalidBlock(kind, ReasonInvalidNature)
	}
}

// --- Device creation --------------------------------------------------

func (v *Verifier) verifyDeviceCreation(b *Block) error {
	p, err := decodeDeviceCreation(b.Nature, b.Payload)
	if err != nil {
		return invalidBlock(KindDeviceCreation, ReasonInvalidNature)
	}
	if !v.crypto.Equal(p.LastReset, zero32) {
		return invalidBlock(KindDeviceCreation, ReasonInvalidLastReset)
	}

	user := v.existingUser(p.UserID)
	priorKey := []byte(nil)
	if user != nil {
		priorKey = user.latestPublicKey()
	}
	if priorKey != nil && b.Nature != NatureDeviceCreationV3 {
		return invalidBlock(KindDeviceCreation, ReasonForbidden)
	}

	rootAuthored := v.crypto.Equal(b.Author, v.trustchainID)
	var authorDevice *Device
	var authorKey []byte
	if rootAuthored {
		authorKey = v.trustchainPublicKey
	} else {
		authorDevice, _ = v.deviceByID(b.Author)
		if authorDevice == nil {
			return invalidBlock(KindDeviceCreation, ReasonAuthorNotFound)
		}
		authorKey = authorDevice.DevicePublicSignatureKey
	}

	delegationMessage := append(append([]byte{}, p.EphemeralPublicSignatureKey...), p.UserID...)
	if !v.crypto.Verify(delegationMessage, p.DelegationSignature, authorKey) {
		return invalidBlock(KindDeviceCreation, ReasonInvalidDelegationSignature)
	}
	if !v.crypto.Verify(b.Hash(v.crypto), b.Signature, p.EphemeralPublicSignatureKey) {
		return invalidBlock(KindDeviceCreation, ReasonInvalidSignature)
	}

	if !rootAuthored {
		if authorDevice.IsRevokedAt(b.Index) {
			return invalidBlock(KindDeviceCreation, ReasonRevokedAuthor)
		}
		if !v.crypto.Equal(authorDevice.UserID, p.UserID) {
			return invalidBlock(KindDeviceCreation, ReasonInvalidAuthor)
		}
		if priorKey != nil && b.Nature == NatureDeviceCreationV3 {
			if !v.crypto.Equal(p.UserPublicEncryptionKey, priorKey) {
				return invalidBlock(KindDeviceCreation, ReasonInvalidUserPublicKey)
			}
		}
	} else {
		deviceID := b.Hash(v.crypto)
		if user != nil {
			if existing := user.deviceByID(deviceID, v.crypto); existing == nil && len(user.Devices) > 0 {
				return invalidBlock(KindDeviceCreation, ReasonInvalidAuthor)
			}
		}
	}

	deviceID := b.Hash(v.crypto)
	user = v.userFor(p.UserID)
	if existing := user.deviceByID(deviceID, v.crypto); existing != nil {
		return nil // idempotent replay
	}
	device := &Device{
		DeviceID:                  deviceID,
		DevicePublicSignatureKey:  p.PublicSignatureKey,
		DevicePublicEncryptionKey: p.PublicEncryptionKey,
		IsGhostDevice:             p.IsGhostDevice,
		CreatedAt:                 b.Index,
		RevokedAt:                 infiniteRevokedAt,
		UserID:                    p.UserID,
	}
	user.Devices = append(user.Devices, device)
	v.deviceOwner[b64(deviceID)] = b64(p.UserID)
	if b.Nature == NatureDeviceCreationV3 && len(p.UserPublicEncryptionKey) == 32 {
		if priorKey == nil || !v.crypto.Equal(p.UserPublicEncryptionKey, priorKey) {
			user.UserPublicKeys = append(user.UserPublicKeys, UserPublicKeyEntry{Index: b.Index, PublicKey: p.UserPublicEncryptionKey})
		}
	}

	if v.local != nil && v.crypto.Equal(p.UserID, v.local.UserID) {
		v.local.applyDeviceCreation(b.Index, p, deviceID)
	}
	return nil
}

// --- Device revocation --------------------------------------------------

func (v *Verifier) verifyDeviceRevocation(b *Block) error {
	p, err := decodeDeviceRevocation(b.Nature, b.Payload)
	if err != nil {
		return invalidBlock(KindDeviceRevocation, ReasonInvalidNature)
	}
	authorDevice, authorUser := v.deviceByID(b.Author)
	if authorDevice == nil {
		return invalidBlock(KindDeviceRevocation, ReasonAuthorNotFound)
	}
	if !v.crypto.Verify(b.Hash(v.crypto), b.Signature, authorDevice.DevicePublicSignatureKey) {
		return invalidBlock(KindDeviceRevocation, ReasonInvalidSignature)
	}
	target, targetUser := v.deviceByID(p.DeviceID)
	if target == nil || targetUser == nil {
		return invalidBlock(KindDeviceRevocation, ReasonInvalidRevokedDevice)
	}
	if target.RevokedAt != infiniteRevokedAt {
		return invalidBlock(KindDeviceRevocation, ReasonDeviceAlreadyRevoked)
	}
	if !v.crypto.Equal(authorUser.UserID, targetUser.UserID) {
		return invalidBlock(KindDeviceRevocation, ReasonInvalidRevokedUser)
	}

	if b.Nature == NatureDeviceRevocationV1 {
		if len(targetUser.UserPublicKeys) != 0 {
			return invalidBlock(KindDeviceRevocation, ReasonInvalidRevocationVersion)
		}
	} else {
		prior := targetUser.latestPublicKey()
		if prior == nil || !v.crypto.Equal(p.PreviousPublicEncryptionKey, prior) {
			return invalidBlock(KindDeviceRevocation, ReasonInvalidPreviousKey)
		}
		expectedRecipients := map[string]bool{}
		for _, d := range targetUser.Devices {
			if v.crypto.Equal(d.DeviceID, p.DeviceID) {
				continue
			}
			if d.IsRevokedAt(b.Index) {
				continue
			}
			expectedRecipients[b64(d.DeviceID)] = true
		}
		if len(p.PrivateKeys) != len(expectedRecipients) {
			return invalidBlock(KindDeviceRevocation, ReasonInvalidNewKey)
		}
		seen := map[string]bool{}
		for _, r := range p.PrivateKeys {
			key := b64(r.Recipient)
			if !expectedRecipients[key] || seen[key] {
				return invalidBlock(KindDeviceRevocation, ReasonInvalidRecipient)
			}
			seen[key] = true
		}
	}

	target.RevokedAt = b.Index
	if b.Nature == NatureDeviceRevocationV2 {
		targetUser.UserPublicKeys = append(targetUser.UserPublicKeys, UserPublicKeyEntry{Index: b.Index, PublicKey: p.PublicEncryptionKey})
	}

	if v.local != nil && v.crypto.Equal(targetUser.UserID, v.local.UserID) {
		if aerr := v.local.applyDeviceRevocation(b.Index, p, v.localDeviceShadow(target)); aerr != nil {
			return aerr
		}
	}
	return nil
}

// localDeviceShadow returns the LocalUser's own copy of a Device record
// so applyDeviceRevocation can mutate RevokedAt on the same struct the
// local user's device list holds. LocalUser.Devices and Verifier's
// per-user Devices are kept in sync by construction (appended at the
// same points), so a lookup by id is sufficient.
func (v *Verifier) localDeviceShadow(canonical *Device) *Device {
	for _, d := range v.local.Devices {
		if v.crypto.Equal(d.DeviceID, canonical.DeviceID) {
			return d
		}
	}
	shadow := &Device{}
	*shadow = *canonical
	v.local.Devices = append(v.local.Devices, shadow)
	return shadow
}

// --- User group creation / addition -------------------------------------

func (v *Verifier) verifyUserGroupCreation(b *Block) error {
	p, err := decodeUserGroupCreation(b.Nature, b.Payload)
	if err != nil {
		return invalidBlock(KindUserGroupCreation, ReasonInvalidNature)
	}
	authorDevice, _ := v.deviceByID(b.Author)
	if authorDevice == nil {
		return invalidBlock(KindUserGroupCreation, ReasonAuthorNotFound)
	}
	if !v.crypto.Verify(b.Hash(v.crypto), b.Signature, authorDevice.DevicePublicSignatureKey) {
		return invalidBlock(KindUserGroupCreation, ReasonInvalidSignature)
	}
	if !v.crypto.Verify(p.signData(), p.SelfSignature, p.PublicSignatureKey) {
		return invalidBlock(KindUserGroupCreation, ReasonInvalidSelfSignature)
	}
	groupKey := b64(p.PublicSignatureKey)
	if existing, ok := v.groups[groupKey]; ok {
		if !v.crypto.Equal(existing.PublicEncryptionKey, p.PublicEncryptionKey) {
			return invalidBlock(KindUserGroupCreation, ReasonGroupAlreadyExists)
		}
		return nil // idempotent replay
	}

	group := &Group{
		GroupID:             p.PublicSignatureKey,
		PublicSignatureKey:  p.PublicSignatureKey,
		PublicEncryptionKey: p.PublicEncryptionKey,
		LastGroupBlock:      b.Hash(v.crypto),
	}
	v.groups[groupKey] = group
	v.recoverGroupPrivateKeys(group, p.EncryptedGroupPrivateSigKey, p.Users, p.ProvisionalUsers)
	return nil
}

func (v *Verifier) verifyUserGroupAddition(b *Block) error {
	p, err := decodeUserGroupAddition(b.Nature, b.Payload)
	if err != nil {
		return invalidBlock(KindUserGroupAddition, ReasonInvalidNature)
	}
	authorDevice, _ := v.deviceByID(b.Author)
	if authorDevice == nil {
		return invalidBlock(KindUserGroupAddition, ReasonAuthorNotFound)
	}
	if !v.crypto.Verify(b.Hash(v.crypto), b.Signature, authorDevice.DevicePublicSignatureKey) {
		return invalidBlock(KindUserGroupAddition, ReasonInvalidSignature)
	}
	group, ok := v.groups[b64(p.GroupID)]
	if !ok {
		return invalidBlock(KindUserGroupAddition, ReasonInvalidGroupID)
	}
	if !v.crypto.Equal(group.LastGroupBlock, p.PreviousGroupBlock) {
		return invalidBlock(KindUserGroupAddition, ReasonInvalidPreviousGroupBlock)
	}
	if !v.crypto.Verify(p.signData(), p.SelfSignature, group.PublicSignatureKey) {
		return invalidBlock(KindUserGroupAddition, ReasonInvalidSelfSignature)
	}

	group.LastGroupBlock = b.Hash(v.crypto)
	if !group.hasPrivateKeys() {
		v.recoverGroupPrivateKeysViaUsers(group, p.Users, p.ProvisionalUsers)
	}
	return nil
}

// recoverGroupPrivateKeys attempts to seal-decrypt the group's private
// signature key (against our device/user encryption keys is not
// possible — it is sealed to the group's own encryption key) and then
// its private encryption key (sealed once per member).
func (v *Verifier) recoverGroupPrivateKeys(group *Group, encryptedSigKey []byte, users []GroupUserEntry, provisional []GroupProvisionalEntry) {
	privEnc := v.recoverGroupPrivateEncryptionKey(users, provisional)
	if privEnc == nil {
		return
	}
	privSig, err := v.crypto.SealDecrypt(encryptedSigKey, EncryptionKeyPair{Public: group.PublicEncryptionKey, Private: privEnc})
	if err != nil {
		return
	}
	group.PrivateEncryptionKey = privEnc
	group.PrivateSignatureKey = privSig
	v.registerGroupKey(group)
}

func (v *Verifier) recoverGroupPrivateKeysViaUsers(group *Group, users []GroupUserEntry, provisional []GroupProvisionalEntry) {
	privEnc := v.recoverGroupPrivateEncryptionKey(users, provisional)
	if privEnc == nil {
		return
	}
	group.PrivateEncryptionKey = privEnc
	v.registerGroupKey(group)
}

func (v *Verifier) recoverGroupPrivateEncryptionKey(users []GroupUserEntry, provisional []GroupProvisionalEntry) []byte {
	if v.local == nil {
		return nil
	}
	for _, u := range users {
		if !v.crypto.Equal(u.UserID, v.local.UserID) {
			continue
		}
		uk := v.local.FindUserKey(u.PublicUserEncryptionKey)
		if uk == nil || uk.Private == nil {
			continue
		}
		plaintext, err := v.crypto.SealDecrypt(u.EncryptedGroupPrivateEncKey, EncryptionKeyPair{Public: u.PublicUserEncryptionKey, Private: uk.Private})
		if err == nil {
			return plaintext
		}
	}
	for _, p := range provisional {
		key := provisionalKey(p.AppProvisionalSignatureKey, p.TankerProvisionalSignatureKey)
		pair, ok := v.local.ProvisionalUserKeys[key]
		if !ok {
			continue
		}
		onceSealed, err := v.crypto.SealDecrypt(p.TwiceSealedGroupPrivateEncKey, pair.TankerEncryptionKeyPair)
		if err != nil {
			continue
		}
		plaintext, err := v.crypto.SealDecrypt(onceSealed, pair.AppEncryptionKeyPair)
		if err == nil {
			return plaintext
		}
	}
	return nil
}

func (v *Verifier) registerGroupKey(group *Group) {
	if v.local == nil {
		return
	}
	v.local.GroupEncryptionKeys = append(v.local.GroupEncryptionKeys, UserKeyPair{
		Public:  group.PublicEncryptionKey,
		Private: group.PrivateEncryptionKey,
	})
}

// --- Provisional identity claim -----------------------------------------

func (v *Verifier) verifyProvisionalIdentityClaim(b *Block) error {
	p, err := decodeProvisionalIdentityClaim(b.Payload)
	if err != nil {
		return invalidBlock(KindProvisionalIdentityClaim, ReasonInvalidNature)
	}
	authorDevice, authorUser := v.deviceByID(b.Author)
	if authorDevice == nil {
		return invalidBlock(KindProvisionalIdentityClaim, ReasonAuthorNotFound)
	}
	if !v.crypto.Equal(authorUser.UserID, p.UserID) {
		return invalidBlock(KindProvisionalIdentityClaim, ReasonInvalidAuthor)
	}
	if !v.crypto.Verify(b.Hash(v.crypto), b.Signature, authorDevice.DevicePublicSignatureKey) {
		return invalidBlock(KindProvisionalIdentityClaim, ReasonInvalidSignature)
	}
	message := append(append([]byte{}, authorDevice.DeviceID...), p.AppSignaturePublicKey...)
	message = append(message, p.TankerSignaturePublicKey...)
	if !v.crypto.Verify(message, p.AuthorSignatureByAppKey, p.AppSignaturePublicKey) {
		return invalidBlock(KindProvisionalIdentityClaim, ReasonInvalidSignature)
	}
	if !v.crypto.Verify(message, p.AuthorSignatureByTankerKey, p.TankerSignaturePublicKey) {
		return invalidBlock(KindProvisionalIdentityClaim, ReasonInvalidSignature)
	}

	if v.local != nil && v.crypto.Equal(p.UserID, v.local.UserID) {
		if _, aerr := v.local.ApplyProvisionalIdentityClaim(p); aerr != nil {
			return aerr
		}
	}
	return nil
}

// --- Key publishes --------------------------------------------------------

func (v *Verifier) verifyKeyPublish(b *Block, kind Kind) error {
	authorDevice, _ := v.deviceByID(b.Author)
	if authorDevice == nil {
		return invalidBlock(kind, ReasonAuthorNotFound)
	}
	if !v.crypto.Verify(b.Hash(v.crypto), b.Signature, authorDevice.DevicePublicSignatureKey) {
		return invalidBlock(kind, ReasonInvalidSignature)
	}

	if kind == KindKeyPublishToProvisional {
		if _, err := decodeKeyPublishToProvisional(b.Payload); err != nil {
			return invalidBlock(kind, ReasonInvalidNature)
		}
		return nil
	}

	p, err := decodeKeyPublish(b.Payload)
	if err != nil {
		return invalidBlock(kind, ReasonInvalidNature)
	}
	switch kind {
	case KindKeyPublishToUserGroup:
		known := false
		for _, g := range v.groups {
			if v.crypto.Equal(g.PublicEncryptionKey, p.Recipient) {
				known = true
				break
			}
		}
		if !known {
			return invalidBlock(kind, ReasonInvalidRecipient)
		}
	case KindKeyPublishToUser:
		owned := false
		for _, u := range v.users {
			if v.crypto.Equal(u.latestPublicKey(), p.Recipient) {
				owned = true
				break
			}
			for _, entry := range u.UserPublicKeys {
				if v.crypto.Equal(entry.PublicKey, p.Recipient) && !v.crypto.Equal(entry.PublicKey, u.latestPublicKey()) {
					return invalidBlock(kind, ReasonInvalidUserPublicKey)
				}
			}
		}
		if !owned {
			return invalidBlock(kind, ReasonInvalidUserPublicKey)
		}
	case KindKeyPublishToDevice:
		if _, _, found := v.deviceOwnerRaw(p.Recipient); !found {
			return invalidBlock(kind, ReasonInvalidRecipient)
		}
	}
	return nil
}

func (v *Verifier) deviceOwnerRaw(deviceID []byte) (*Device, *User, bool) {
	d, u := v.deviceByID(deviceID)
	return d, u, d != nil
}

// FindGroup returns the external (and, if available, internal) view of
// a group by its id.
func (v *Verifier) FindGroup(groupID []byte) *Group {
	return v.groups[b64(groupID)]
}

// User returns the materialized aggregate for userID, or nil if no
// verified device-creation entry for that user has been applied yet.
func (v *Verifier) User(userID []byte) *User {
	return v.existingUser(userID)
}
