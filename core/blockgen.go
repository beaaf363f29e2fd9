package core

// Module G: block generator.
//
// Pure functions that build and sign one trustchain block each. None of
// them touch the network or the store; the manager (module I) composes
// them, submits the result, and only then mutates local state from the
// verifier's reply (§4.G).

// DelegationToken is the ephemeral signing capability embedded in an
// identity token (§6): a server-issued proof that this ephemeral key
// may author a device-creation block for a given user.
type DelegationToken struct {
	EphemeralPublicSignatureKey  []byte // 32
	EphemeralPrivateSignatureKey []byte // 64
	DelegationSignature          []byte // 64, over eph_pub ‖ user_id, signed by the trustchain
}

// MakeNewUser builds the root-authored ghost-device creation block for a
// brand new user: a fresh user encryption key pair is generated and
// sealed to the device's own encryption key, so the device can recover
// it immediately. The returned key pair is the new user key; the manager
// passes it to MakeNewDevice for the first device, and the LocalUser
// recovers it when the verifier applies the submitted blocks.
func MakeNewUser(crypto CryptoProvider, trustchainID, userID []byte, delegation *DelegationToken, devicePublicSignatureKey, devicePublicEncryptionKey []byte) (*Block, EncryptionKeyPair, error) {
	userKey, err := crypto.MakeEncryptionKeyPair()
	if err != nil {
		return nil, EncryptionKeyPair{}, wrapInternal("generating user encryption key pair", err)
	}
	sealedUserPriv := crypto.SealEncrypt(userKey.Private, devicePublicEncryptionKey)

	payload := &DeviceCreationPayload{
		EphemeralPublicSignatureKey: delegation.EphemeralPublicSignatureKey,
		UserID:                      userID,
		DelegationSignature:         delegation.DelegationSignature,
		PublicSignatureKey:          devicePublicSignatureKey,
		PublicEncryptionKey:         devicePublicEncryptionKey,
		LastReset:                   zero32,
		UserPublicEncryptionKey:     userKey.Public,
		EncryptedUserPrivateEncKey:  sealedUserPriv,
		IsGhostDevice:               true,
	}
	block := &Block{
		Version:      blockVersion,
		TrustchainID: trustchainID,
		Nature:       NatureDeviceCreationV3,
		Payload:      encodeDeviceCreationV3(payload),
	}
	signBlock(block, crypto, trustchainID, delegation.EphemeralPrivateSignatureKey)
	return block, userKey, nil
}

// MakeNewDevice builds a device-creation block authored by an existing
// device of the same user: create_user's second block (the real
// starting device, authored by the ghost device) and every subsequent
// create_new_device call share this path; isGhost distinguishes them.
func MakeNewDevice(crypto CryptoProvider, trustchainID, userID []byte, currentDeviceID, currentDeviceSignaturePrivateKey []byte, currentUserKey UserKeyPair, devicePublicSignatureKey, devicePublicEncryptionKey []byte, isGhost bool) (*Block, error) {
	ephemeral, err := crypto.MakeSignatureKeyPair()
	if err != nil {
		return nil, wrapInternal("generating ephemeral signature key pair", err)
	}
	delegationMessage := append(append([]byte{}, ephemeral.Public...), userID...)
	delegationSignature := crypto.Sign(delegationMessage, currentDeviceSignaturePrivateKey)
	sealedUserPriv := crypto.SealEncrypt(currentUserKey.Private, devicePublicEncryptionKey)

	payload := &DeviceCreationPayload{
		EphemeralPublicSignatureKey: ephemeral.Public,
		UserID:                      userID,
		DelegationSignature:         delegationSignature,
		PublicSignatureKey:          devicePublicSignatureKey,
		PublicEncryptionKey:         devicePublicEncryptionKey,
		LastReset:                   zero32,
		UserPublicEncryptionKey:     currentUserKey.Public,
		EncryptedUserPrivateEncKey:  sealedUserPriv,
		IsGhostDevice:               isGhost,
	}
	block := &Block{
		Version:      blockVersion,
		TrustchainID: trustchainID,
		Nature:       NatureDeviceCreationV3,
		Payload:      encodeDeviceCreationV3(payload),
	}
	signBlock(block, crypto, currentDeviceID, ephemeral.Private)
	return block, nil
}

// MakeDeviceRevocation rotates the user key: the outgoing private key
// is sealed to the new public key (so the issuing device can keep
// reading its own history), and the new private key is sealed once per
// surviving device. The returned key pair is the new user key; the
// LocalUser recovers it when the verifier applies the block, through the
// entry sealed to its own device.
func MakeDeviceRevocation(crypto CryptoProvider, trustchainID []byte, user *User, currentUserKey UserKeyPair, currentDeviceID, currentDeviceSignaturePrivateKey, deviceIDToRevoke []byte) (*Block, EncryptionKeyPair, error) {
	newUserKey, err := crypto.MakeEncryptionKeyPair()
	if err != nil {
		return nil, EncryptionKeyPair{}, wrapInternal("generating rotated user key pair", err)
	}
	encryptedPreviousEncKey := crypto.SealEncrypt(currentUserKey.Private, newUserKey.Public)

	var recipients []RevocationRecipient
	for _, d := range user.Devices {
		if crypto.Equal(d.DeviceID, deviceIDToRevoke) {
			continue
		}
		if d.RevokedAt != infiniteRevokedAt {
			continue
		}
		recipients = append(recipients, RevocationRecipient{
			Recipient:           d.DeviceID,
			EncryptedPrivateKey: crypto.SealEncrypt(newUserKey.Private, d.DevicePublicEncryptionKey),
		})
	}

	payload := &DeviceRevocationPayload{
		DeviceID:                    deviceIDToRevoke,
		PublicEncryptionKey:         newUserKey.Public,
		PreviousPublicEncryptionKey: currentUserKey.Public,
		EncryptedPreviousEncKey:     encryptedPreviousEncKey,
		PrivateKeys:                 recipients,
	}
	block := &Block{
		Version:      blockVersion,
		TrustchainID: trustchainID,
		Nature:       NatureDeviceRevocationV2,
		Payload:      encodeDeviceRevocationV2(payload),
	}
	signBlock(block, crypto, currentDeviceID, currentDeviceSignaturePrivateKey)
	return block, newUserKey, nil
}

// MakeKeyPublish seals resourceKey to recipientPublicKey and emits a
// key-publish block of the given kind (to a device, a user, or a
// group — anything whose recipient identifier is a single public key).
func MakeKeyPublish(crypto CryptoProvider, trustchainID []byte, authorDeviceID, authorDeviceSignaturePrivateKey []byte, kind Kind, recipientPublicKey, resourceID, resourceKey []byte) (*Block, error) {
	payload := &KeyPublishPayload{
		Recipient:  recipientPublicKey,
		ResourceID: resourceID,
		SealedKey:  crypto.SealEncrypt(resourceKey, recipientPublicKey),
	}
	block := &Block{
		Version:      blockVersion,
		TrustchainID: trustchainID,
		Nature:       PreferredNature(kind),
		Payload:      encodeKeyPublish(payload),
	}
	signBlock(block, crypto, authorDeviceID, authorDeviceSignaturePrivateKey)
	return block, nil
}

// MakeKeyPublishToProvisionalUser seals resourceKey twice: first to the
// provisional identity's app public key, then the result to its tanker
// public key, so claiming the identity requires both private halves.
func MakeKeyPublishToProvisionalUser(crypto CryptoProvider, trustchainID []byte, authorDeviceID, authorDeviceSignaturePrivateKey []byte, appPublicKey, tankerPublicKey, resourceID, resourceKey []byte) (*Block, error) {
	onceSealed := crypto.SealEncrypt(resourceKey, appPublicKey)
	twiceSealed := crypto.SealEncrypt(onceSealed, tankerPublicKey)
	payload := &KeyPublishToProvisionalPayload{
		AppPublicKey:    appPublicKey,
		TankerPublicKey: tankerPublicKey,
		ResourceID:      resourceID,
		TwiceSealedKey:  twiceSealed,
	}
	block := &Block{
		Version:      blockVersion,
		TrustchainID: trustchainID,
		Nature:       NatureKeyPublishToProvisionalUserV1,
		Payload:      encodeKeyPublishToProvisional(payload),
	}
	signBlock(block, crypto, authorDeviceID, authorDeviceSignaturePrivateKey)
	return block, nil
}

// GroupMemberInput names one user to seal a new group's private
// encryption key to, by that user's current public encryption key.
type GroupMemberInput struct {
	UserID                  []byte
	UserPublicEncryptionKey []byte
}

// GroupProvisionalMemberInput names one provisional identity to seal a
// new group's private encryption key to, twice (app, then tanker).
type GroupProvisionalMemberInput struct {
	AppPublicKey    []byte
	TankerPublicKey []byte
}

func sealGroupKeyToMembers(crypto CryptoProvider, groupPrivateEncryptionKey []byte, users []GroupMemberInput, provisionalUsers []GroupProvisionalMemberInput) ([]GroupUserEntry, []GroupProvisionalEntry) {
	userEntries := make([]GroupUserEntry, 0, len(users))
	for _, u := range users {
		userEntries = append(userEntries, GroupUserEntry{
			UserID:                      u.UserID,
			PublicUserEncryptionKey:     u.UserPublicEncryptionKey,
			EncryptedGroupPrivateEncKey: crypto.SealEncrypt(groupPrivateEncryptionKey, u.UserPublicEncryptionKey),
		})
	}
	provisionalEntries := make([]GroupProvisionalEntry, 0, len(provisionalUsers))
	for _, p := range provisionalUsers {
		onceSealed := crypto.SealEncrypt(groupPrivateEncryptionKey, p.AppPublicKey)
		twiceSealed := crypto.SealEncrypt(onceSealed, p.TankerPublicKey)
		provisionalEntries = append(provisionalEntries, GroupProvisionalEntry{
			AppProvisionalSignatureKey:    p.AppPublicKey,
			TankerProvisionalSignatureKey: p.TankerPublicKey,
			TwiceSealedGroupPrivateEncKey: twiceSealed,
		})
	}
	return userEntries, provisionalEntries
}

// CreateUserGroup builds the first block of a new group: its private
// signature key is sealed to its own public encryption key so any
// member who recovers the private encryption key can also recover the
// signature key, and the block is self-signed with the fresh group
// signature key (§4.B, §4.G).
func CreateUserGroup(crypto CryptoProvider, trustchainID []byte, authorDeviceID, authorDeviceSignaturePrivateKey []byte, groupSignatureKeyPair SignatureKeyPair, groupEncryptionKeyPair EncryptionKeyPair, users []GroupMemberInput, provisionalUsers []GroupProvisionalMemberInput) (*Block, error) {
	userEntries, provisionalEntries := sealGroupKeyToMembers(crypto, groupEncryptionKeyPair.Private, users, provisionalUsers)
	payload := &UserGroupCreationPayload{
		PublicSignatureKey:          groupSignatureKeyPair.Public,
		PublicEncryptionKey:         groupEncryptionKeyPair.Public,
		EncryptedGroupPrivateSigKey: crypto.SealEncrypt(groupSignatureKeyPair.Private, groupEncryptionKeyPair.Public),
		Users:                       userEntries,
		ProvisionalUsers:            provisionalEntries,
	}
	payload.SelfSignature = crypto.Sign(payload.signData(), groupSignatureKeyPair.Private)
	block := &Block{
		Version:      blockVersion,
		TrustchainID: trustchainID,
		Nature:       NatureUserGroupCreationV3,
		Payload:      encodeUserGroupCreation(payload),
	}
	signBlock(block, crypto, authorDeviceID, authorDeviceSignaturePrivateKey)
	return block, nil
}

// AddToUserGroup builds a block that adds members to an existing group,
// self-signed with the group's current private signature key and
// chained to the group's last applied block.
func AddToUserGroup(crypto CryptoProvider, trustchainID []byte, authorDeviceID, authorDeviceSignaturePrivateKey []byte, groupID, groupPrivateSignatureKey, previousGroupBlock, groupPrivateEncryptionKey []byte, users []GroupMemberInput, provisionalUsers []GroupProvisionalMemberInput) (*Block, error) {
	userEntries, provisionalEntries := sealGroupKeyToMembers(crypto, groupPrivateEncryptionKey, users, provisionalUsers)
	payload := &UserGroupAdditionPayload{
		GroupID:            groupID,
		PreviousGroupBlock: previousGroupBlock,
		Users:              userEntries,
		ProvisionalUsers:   provisionalEntries,
	}
	payload.SelfSignature = crypto.Sign(payload.signData(), groupPrivateSignatureKey)
	block := &Block{
		Version:      blockVersion,
		TrustchainID: trustchainID,
		Nature:       NatureUserGroupAdditionV3,
		Payload:      encodeUserGroupAddition(payload),
	}
	signBlock(block, crypto, authorDeviceID, authorDeviceSignaturePrivateKey)
	return block, nil
}

// MakeProvisionalIdentityClaim binds a provisional identity to the
// claiming user: both provisional private signature keys co-sign
// device_id ‖ app_pub_sig ‖ tanker_pub_sig, and both provisional
// private encryption keys are sealed together to the user's current
// public encryption key so only that user can recover them (§4.G).
func MakeProvisionalIdentityClaim(crypto CryptoProvider, trustchainID []byte, authorDeviceID, authorDeviceSignaturePrivateKey []byte, userID, userPublicKey []byte, appSignatureKeyPair, tankerSignatureKeyPair SignatureKeyPair, appEncryptionPrivateKey, tankerEncryptionPrivateKey []byte) (*Block, error) {
	message := append(append([]byte{}, authorDeviceID...), appSignatureKeyPair.Public...)
	message = append(message, tankerSignatureKeyPair.Public...)
	authorSigByApp := crypto.Sign(message, appSignatureKeyPair.Private)
	authorSigByTanker := crypto.Sign(message, tankerSignatureKeyPair.Private)

	plaintext := append(append([]byte{}, appEncryptionPrivateKey...), tankerEncryptionPrivateKey...)
	encryptedPrivateKeys := crypto.SealEncrypt(plaintext, userPublicKey)

	payload := &ProvisionalIdentityClaimPayload{
		UserID:                     userID,
		AppSignaturePublicKey:      appSignatureKeyPair.Public,
		TankerSignaturePublicKey:   tankerSignatureKeyPair.Public,
		AuthorSignatureByAppKey:    authorSigByApp,
		AuthorSignatureByTankerKey: authorSigByTanker,
		RecipientUserPublicKey:     userPublicKey,
		EncryptedPrivateKeys:       encryptedPrivateKeys,
	}
	block := &Block{
		Version:      blockVersion,
		TrustchainID: trustchainID,
		Nature:       NatureProvisionalIdentityClaimV1,
		Payload:      encodeProvisionalIdentityClaim(payload),
	}
	signBlock(block, crypto, authorDeviceID, authorDeviceSignaturePrivateKey)
	return block, nil
}
