package core

// Module B: payload codec.
//
// Each Kind has a canonical byte layout: fixed-size fields concatenated
// in field-declaration order, with list<T> prefixed by a varint count
// (§4.B). Field sizes here are fixed by the wire format and must not be
// reordered or renamed, or byte-exact interoperability with peer SDKs
// breaks (§6).

const (
	sizeHash        = 32
	sizeSignature   = 64
	sizePublicKey   = 32
	sealOverhead    = 48
	sealedKeySize   = sizePublicKey + sealOverhead  // 80
	twiceSealedSize = sizePublicKey + 2*sealOverhead // 128
)

// --- Device creation (preferred: v3) -------------------------------------

// DeviceCreationPayload is the canonical (v3) device-creation payload.
// v1/v2 decode into the same struct with the fields they lack left zero.
type DeviceCreationPayload struct {
	EphemeralPublicSignatureKey   []byte // 32
	UserID                        []byte // 32
	DelegationSignature           []byte // 64
	PublicSignatureKey            []byte // 32
	PublicEncryptionKey           []byte // 32
	LastReset                     []byte // 32, all-zero marker
	UserPublicEncryptionKey       []byte // 32, zero for v1
	EncryptedUserPrivateEncKey    []byte // 80 (sealed), zero for v1
	IsGhostDevice                 bool   // absent (false) for v1
	Revoked                       uint64 // opaque sentinel, see §9 open question
	sourceNature                  Nature
}

func encodeDeviceCreationV3(p *DeviceCreationPayload) []byte {
	buf := make([]byte, 0, 32+32+64+32+32+32+32+80+1+2)
	buf = writeFixed(buf, fixed32(p.EphemeralPublicSignatureKey))
	buf = writeFixed(buf, fixed32(p.UserID))
	buf = writeFixed(buf, fixedN(p.DelegationSignature, sizeSignature))
	buf = writeFixed(buf, fixed32(p.PublicSignatureKey))
	buf = writeFixed(buf, fixed32(p.PublicEncryptionKey))
	buf = writeFixed(buf, fixed32(p.LastReset))
	buf = writeFixed(buf, fixed32(p.UserPublicEncryptionKey))
	buf = writeFixed(buf, fixedN(p.EncryptedUserPrivateEncKey, sealedKeySize))
	if p.IsGhostDevice {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = writeVarint(buf, p.Revoked)
	return buf
}

func decodeDeviceCreation(nature Nature, data []byte) (*DeviceCreationPayload, error) {
	p := &DeviceCreationPayload{sourceNature: nature, LastReset: make([]byte, 32)}
	var ghost byte
	readers := []fieldReader{
		readInto(&p.EphemeralPublicSignatureKey, 32),
		readInto(&p.UserID, 32),
		readInto(&p.DelegationSignature, sizeSignature),
		readInto(&p.PublicSignatureKey, 32),
		readInto(&p.PublicEncryptionKey, 32),
		readInto(&p.LastReset, 32),
	}
	switch nature {
	case NatureDeviceCreationV1:
		// v1 predates user-key sealing and the ghost/revoked fields.
	case NatureDeviceCreationV2:
		readers = append(readers,
			readInto(&p.UserPublicEncryptionKey, 32),
			readInto(&p.EncryptedUserPrivateEncKey, sealedKeySize),
			readByte(&ghost),
		)
	case NatureDeviceCreationV3:
		readers = append(readers,
			readInto(&p.UserPublicEncryptionKey, 32),
			readInto(&p.EncryptedUserPrivateEncKey, sealedKeySize),
			readByte(&ghost),
			readVarintInto(&p.Revoked),
		)
	default:
		return nil, &UnknownNature{Value: uint64(nature)}
	}
	if err := unserializeGeneric(data, readers); err != nil {
		return nil, err
	}
	p.IsGhostDevice = ghost != 0
	return p, nil
}

// --- Device revocation (preferred: v2) -----------------------------------

type RevocationRecipient struct {
	Recipient          []byte // 32, device id
	EncryptedPrivateKey []byte // 80, sealed
}

type DeviceRevocationPayload struct {
	DeviceID                     []byte // 32
	PublicEncryptionKey          []byte // 32, new user key; zero for v1
	PreviousPublicEncryptionKey  []byte // 32; zero for v1
	EncryptedPreviousEncKey      []byte // 80 (sealed); zero for v1
	PrivateKeys                  []RevocationRecipient
	sourceNature                 Nature
}

func encodeDeviceRevocationV2(p *DeviceRevocationPayload) []byte {
	buf := make([]byte, 0, 256)
	buf = writeFixed(buf, fixed32(p.DeviceID))
	buf = writeFixed(buf, fixed32(p.PublicEncryptionKey))
	buf = writeFixed(buf, fixed32(p.PreviousPublicEncryptionKey))
	buf = writeFixed(buf, fixedN(p.EncryptedPreviousEncKey, sealedKeySize))
	buf = writeList(buf, p.PrivateKeys, func(buf []byte, r RevocationRecipient) []byte {
		buf = writeFixed(buf, fixed32(r.Recipient))
		buf = writeFixed(buf, fixedN(r.EncryptedPrivateKey, sealedKeySize))
		return buf
	})
	return buf
}

func decodeDeviceRevocation(nature Nature, data []byte) (*DeviceRevocationPayload, error) {
	p := &DeviceRevocationPayload{sourceNature: nature}
	readers := []fieldReader{readInto(&p.DeviceID, 32)}
	switch nature {
	case NatureDeviceRevocationV1:
		// v1: no rotation fields, only identifies the revoked device.
	case NatureDeviceRevocationV2:
		readers = append(readers,
			readInto(&p.PublicEncryptionKey, 32),
			readInto(&p.PreviousPublicEncryptionKey, 32),
			readInto(&p.EncryptedPreviousEncKey, sealedKeySize),
			func(c *cursor) error {
				return unserializeList(c, func(c *cursor) error {
					var recipient, enc []byte
					if err := readInto(&recipient, 32)(c); err != nil {
						return err
					}
					if err := readInto(&enc, sealedKeySize)(c); err != nil {
						return err
					}
					p.PrivateKeys = append(p.PrivateKeys, RevocationRecipient{Recipient: recipient, EncryptedPrivateKey: enc})
					return nil
				})
			},
		)
	default:
		return nil, &UnknownNature{Value: uint64(nature)}
	}
	if err := unserializeGeneric(data, readers); err != nil {
		return nil, err
	}
	return p, nil
}

// --- User group creation / addition (preferred: v3 for both) ------------

type GroupUserEntry struct {
	UserID                         []byte // 32
	PublicUserEncryptionKey        []byte // 32
	EncryptedGroupPrivateEncKey    []byte // 80, sealed to the user's key
}

type GroupProvisionalEntry struct {
	AppProvisionalSignatureKey     []byte // 32
	TankerProvisionalSignatureKey  []byte // 32
	TwiceSealedGroupPrivateEncKey  []byte // 128, sealed twice
}

type UserGroupCreationPayload struct {
	PublicSignatureKey              []byte // 32
	PublicEncryptionKey             []byte // 32
	EncryptedGroupPrivateSigKey     []byte // sealed 64B plaintext -> 112B
	Users                           []GroupUserEntry
	ProvisionalUsers                []GroupProvisionalEntry
	SelfSignature                   []byte // 64, over the canonical sign-data
}

// signData returns the canonical buffer group creation/addition
// self-signatures are computed over: the concatenation of all
// non-signature fields in declared order (§4.B).
func (p *UserGroupCreationPayload) signData() []byte {
	buf := make([]byte, 0, 512)
	buf = writeFixed(buf, fixed32(p.PublicSignatureKey))
	buf = writeFixed(buf, fixed32(p.PublicEncryptionKey))
	buf = writeFixed(buf, fixedN(p.EncryptedGroupPrivateSigKey, sizeSignature+sealOverhead))
	buf = writeList(buf, p.Users, encodeGroupUserEntry)
	buf = writeList(buf, p.ProvisionalUsers, encodeGroupProvisionalEntry)
	return buf
}

func encodeGroupUserEntry(buf []byte, e GroupUserEntry) []byte {
	buf = writeFixed(buf, fixed32(e.UserID))
	buf = writeFixed(buf, fixed32(e.PublicUserEncryptionKey))
	buf = writeFixed(buf, fixedN(e.EncryptedGroupPrivateEncKey, sealedKeySize))
	return buf
}

func encodeGroupProvisionalEntry(buf []byte, e GroupProvisionalEntry) []byte {
	buf = writeFixed(buf, fixed32(e.AppProvisionalSignatureKey))
	buf = writeFixed(buf, fixed32(e.TankerProvisionalSignatureKey))
	buf = writeFixed(buf, fixedN(e.TwiceSealedGroupPrivateEncKey, twiceSealedSize))
	return buf
}

func encodeUserGroupCreation(p *UserGroupCreationPayload) []byte {
	buf := p.signData()
	buf = writeFixed(buf, fixedN(p.SelfSignature, sizeSignature))
	return buf
}

func decodeUserGroupCreation(nature Nature, data []byte) (*UserGroupCreationPayload, error) {
	p := &UserGroupCreationPayload{}
	c := newCursor(data)
	for _, step := range []fieldReader{
		readInto(&p.PublicSignatureKey, 32),
		readInto(&p.PublicEncryptionKey, 32),
		readInto(&p.EncryptedGroupPrivateSigKey, sizeSignature+sealOverhead),
		func(c *cursor) error {
			return unserializeList(c, func(c *cursor) error {
				var userID, pubKey, enc []byte
				for _, r := range []fieldReader{readInto(&userID, 32), readInto(&pubKey, 32), readInto(&enc, sealedKeySize)} {
					if err := r(c); err != nil {
						return err
					}
				}
				p.Users = append(p.Users, GroupUserEntry{UserID: userID, PublicUserEncryptionKey: pubKey, EncryptedGroupPrivateEncKey: enc})
				return nil
			})
		},
		func(c *cursor) error {
			return unserializeList(c, func(c *cursor) error {
				var app, tanker, enc []byte
				for _, r := range []fieldReader{readInto(&app, 32), readInto(&tanker, 32), readInto(&enc, twiceSealedSize)} {
					if err := r(c); err != nil {
						return err
					}
				}
				p.ProvisionalUsers = append(p.ProvisionalUsers, GroupProvisionalEntry{AppProvisionalSignatureKey: app, TankerProvisionalSignatureKey: tanker, TwiceSealedGroupPrivateEncKey: enc})
				return nil
			})
		},
		readInto(&p.SelfSignature, sizeSignature),
	} {
		if err := step(c); err != nil {
			return nil, err
		}
	}
	if c.pos != len(data) {
		return nil, &TrailingGarbage{Consumed: c.pos, Total: len(data)}
	}
	return p, nil
}

type UserGroupAdditionPayload struct {
	GroupID            []byte // 32
	PreviousGroupBlock []byte // 32
	Users              []GroupUserEntry
	ProvisionalUsers   []GroupProvisionalEntry
	SelfSignature      []byte // 64, signed with the group's *current* key
}

func (p *UserGroupAdditionPayload) signData() []byte {
	buf := make([]byte, 0, 512)
	buf = writeFixed(buf, fixed32(p.GroupID))
	buf = writeFixed(buf, fixed32(p.PreviousGroupBlock))
	buf = writeList(buf, p.Users, encodeGroupUserEntry)
	buf = writeList(buf, p.ProvisionalUsers, encodeGroupProvisionalEntry)
	return buf
}

func encodeUserGroupAddition(p *UserGroupAdditionPayload) []byte {
	buf := p.signData()
	buf = writeFixed(buf, fixedN(p.SelfSignature, sizeSignature))
	return buf
}

func decodeUserGroupAddition(nature Nature, data []byte) (*UserGroupAdditionPayload, error) {
	p := &UserGroupAdditionPayload{}
	c := newCursor(data)
	for _, step := range []fieldReader{
		readInto(&p.GroupID, 32),
		readInto(&p.PreviousGroupBlock, 32),
		func(c *cursor) error {
			return unserializeList(c, func(c *cursor) error {
				var userID, pubKey, enc []byte
				for _, r := range []fieldReader{readInto(&userID, 32), readInto(&pubKey, 32), readInto(&enc, sealedKeySize)} {
					if err := r(c); err != nil {
						return err
					}
				}
				p.Users = append(p.Users, GroupUserEntry{UserID: userID, PublicUserEncryptionKey: pubKey, EncryptedGroupPrivateEncKey: enc})
				return nil
			})
		},
		func(c *cursor) error {
			return unserializeList(c, func(c *cursor) error {
				var app, tanker, enc []byte
				for _, r := range []fieldReader{readInto(&app, 32), readInto(&tanker, 32), readInto(&enc, twiceSealedSize)} {
					if err := r(c); err != nil {
						return err
					}
				}
				p.ProvisionalUsers = append(p.ProvisionalUsers, GroupProvisionalEntry{AppProvisionalSignatureKey: app, TankerProvisionalSignatureKey: tanker, TwiceSealedGroupPrivateEncKey: enc})
				return nil
			})
		},
		readInto(&p.SelfSignature, sizeSignature),
	} {
		if err := step(c); err != nil {
			return nil, err
		}
	}
	if c.pos != len(data) {
		return nil, &TrailingGarbage{Consumed: c.pos, Total: len(data)}
	}
	return p, nil
}

// --- Provisional identity claim ------------------------------------------

type ProvisionalIdentityClaimPayload struct {
	UserID                        []byte // 32
	AppSignaturePublicKey         []byte // 32
	TankerSignaturePublicKey      []byte // 32
	AuthorSignatureByAppKey       []byte // 64
	AuthorSignatureByTankerKey    []byte // 64
	RecipientUserPublicKey        []byte // 32
	EncryptedPrivateKeys          []byte // 2*32 + sealOverhead = 112
}

func encodeProvisionalIdentityClaim(p *ProvisionalIdentityClaimPayload) []byte {
	buf := make([]byte, 0, 32*4+64*2+112)
	buf = writeFixed(buf, fixed32(p.UserID))
	buf = writeFixed(buf, fixed32(p.AppSignaturePublicKey))
	buf = writeFixed(buf, fixed32(p.TankerSignaturePublicKey))
	buf = writeFixed(buf, fixedN(p.AuthorSignatureByAppKey, sizeSignature))
	buf = writeFixed(buf, fixedN(p.AuthorSignatureByTankerKey, sizeSignature))
	buf = writeFixed(buf, fixed32(p.RecipientUserPublicKey))
	buf = writeFixed(buf, fixedN(p.EncryptedPrivateKeys, 2*sizePublicKey+sealOverhead))
	return buf
}

func decodeProvisionalIdentityClaim(data []byte) (*ProvisionalIdentityClaimPayload, error) {
	p := &ProvisionalIdentityClaimPayload{}
	err := unserializeGeneric(data, []fieldReader{
		readInto(&p.UserID, 32),
		readInto(&p.AppSignaturePublicKey, 32),
		readInto(&p.TankerSignaturePublicKey, 32),
		readInto(&p.AuthorSignatureByAppKey, sizeSignature),
		readInto(&p.AuthorSignatureByTankerKey, sizeSignature),
		readInto(&p.RecipientUserPublicKey, 32),
		readInto(&p.EncryptedPrivateKeys, 2*sizePublicKey+sealOverhead),
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// --- Key publishes ---------------------------------------------------------
//
// spec.md describes these generically ("make_key_publish seals resource_key
// to the recipient"); the layout below is the canonical one this
// implementation settles on: recipient identifier, resource id, then the
// sealed (or twice-sealed, for provisional recipients) resource key.

type KeyPublishPayload struct {
	Recipient    []byte // 32: device id, user public key, or group public encryption key
	ResourceID   []byte // 32
	SealedKey    []byte // 80, sealed to Recipient
}

func encodeKeyPublish(p *KeyPublishPayload) []byte {
	buf := make([]byte, 0, 32+32+sealedKeySize)
	buf = writeFixed(buf, fixed32(p.Recipient))
	buf = writeFixed(buf, fixed32(p.ResourceID))
	buf = writeFixed(buf, fixedN(p.SealedKey, sealedKeySize))
	return buf
}

func decodeKeyPublish(data []byte) (*KeyPublishPayload, error) {
	p := &KeyPublishPayload{}
	err := unserializeGeneric(data, []fieldReader{
		readInto(&p.Recipient, 32),
		readInto(&p.ResourceID, 32),
		readInto(&p.SealedKey, sealedKeySize),
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

type KeyPublishToProvisionalPayload struct {
	AppPublicKey      []byte // 32
	TankerPublicKey   []byte // 32
	ResourceID        []byte // 32
	TwiceSealedKey    []byte // 128
}

func encodeKeyPublishToProvisional(p *KeyPublishToProvisionalPayload) []byte {
	buf := make([]byte, 0, 32*3+twiceSealedSize)
	buf = writeFixed(buf, fixed32(p.AppPublicKey))
	buf = writeFixed(buf, fixed32(p.TankerPublicKey))
	buf = writeFixed(buf, fixed32(p.ResourceID))
	buf = writeFixed(buf, fixedN(p.TwiceSealedKey, twiceSealedSize))
	return buf
}

func decodeKeyPublishToProvisional(data []byte) (*KeyPublishToProvisionalPayload, error) {
	p := &KeyPublishToProvisionalPayload{}
	err := unserializeGeneric(data, []fieldReader{
		readInto(&p.AppPublicKey, 32),
		readInto(&p.TankerPublicKey, 32),
		readInto(&p.ResourceID, 32),
		readInto(&p.TwiceSealedKey, twiceSealedSize),
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// --- helpers ---------------------------------------------------------------

func fixed32(b []byte) []byte { return fixedN(b, 32) }

// fixedN pads or truncates b to exactly n bytes; the wire format's fixed
// fields are always exactly n bytes by construction elsewhere, this
// guards callers that pass a freshly zero-valued struct.
func fixedN(b []byte, n int) []byte {
	if len(b) == n {
		return b
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func readInto(dst *[]byte, n int) fieldReader {
	return func(c *cursor) error {
		b, err := c.readFixed(n)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func readByte(dst *byte) fieldReader {
	return func(c *cursor) error {
		b, err := c.readFixed(1)
		if err != nil {
			return err
		}
		*dst = b[0]
		return nil
	}
}

func readVarintInto(dst *uint64) fieldReader {
	return func(c *cursor) error {
		v, err := c.readVarint()
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}
