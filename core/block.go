package core

// Module C: block framing.
//
// Wire layout: varint(version=1) ‖ varint(index) ‖ trustchain_id(32) ‖
// varint(nature) ‖ len_prefixed(payload) ‖ author(32) ‖ signature(64).
//
// hash(block) is the digest of the unsigned prefix: trustchain_id ‖
// varint(nature) ‖ len_prefixed(payload) ‖ author. The block layer never
// looks inside the payload.

const blockVersion = 1

// Block is the immutable, content-addressable record described in §3.
type Block struct {
	Version      uint64
	Index        uint64
	TrustchainID []byte // 32
	Nature       Nature
	Payload      []byte
	Author       []byte // 32
	Signature    []byte // 64
}

// unsignedPrefix returns trustchain_id ‖ varint(nature) ‖
// len_prefixed(payload) ‖ author — the bytes hash() and the signature
// are computed over. The trustchain-creation block is the one exception:
// its own trustchain_id field is defined as hash(block), so it cannot
// also be an input to that hash; a zero sentinel stands in for it there,
// matching the zeroed author/signature that block already carries.
func (b *Block) unsignedPrefix() []byte {
	buf := make([]byte, 0, 32+10+len(b.Payload)+10+32)
	if b.Nature == NatureTrustchainCreation {
		buf = writeFixed(buf, zero32)
	} else {
		buf = writeFixed(buf, fixed32(b.TrustchainID))
	}
	buf = writeVarint(buf, uint64(b.Nature))
	buf = writeLengthPrefixed(buf, b.Payload)
	buf = writeFixed(buf, fixed32(b.Author))
	return buf
}

// Hash is the block's identity: generic_hash(unsignedPrefix).
func (b *Block) Hash(crypto CryptoProvider) []byte {
	return crypto.GenericHash(b.unsignedPrefix())
}

// Serialize produces the wire bytes for b, including the signature.
func (b *Block) Serialize() []byte {
	buf := make([]byte, 0, 64+len(b.Payload))
	buf = writeVarint(buf, b.Version)
	buf = writeVarint(buf, b.Index)
	buf = writeFixed(buf, fixed32(b.TrustchainID))
	buf = writeVarint(buf, uint64(b.Nature))
	buf = writeLengthPrefixed(buf, b.Payload)
	buf = writeFixed(buf, fixed32(b.Author))
	buf = writeFixed(buf, fixedN(b.Signature, sizeSignature))
	return buf
}

// DeserializeBlock parses the wire format. An unknown version > 1 is
// rejected with UpgradeRequired; the payload is opaque at this layer.
func DeserializeBlock(data []byte) (*Block, error) {
	c := newCursor(data)
	version, err := c.readVarint()
	if err != nil {
		return nil, err
	}
	if version > blockVersion {
		return nil, &UpgradeRequired{Detail: "unknown block version"}
	}
	index, err := c.readVarint()
	if err != nil {
		return nil, err
	}
	trustchainID, err := c.readFixed(32)
	if err != nil {
		return nil, err
	}
	natureValue, err := c.readVarint()
	if err != nil {
		return nil, err
	}
	payload, err := c.readLengthPrefixed()
	if err != nil {
		return nil, err
	}
	author, err := c.readFixed(32)
	if err != nil {
		return nil, err
	}
	signature, err := c.readFixed(sizeSignature)
	if err != nil {
		return nil, err
	}
	if c.pos != len(data) {
		return nil, &TrailingGarbage{Consumed: c.pos, Total: len(data)}
	}
	return &Block{
		Version:      version,
		Index:        index,
		TrustchainID: trustchainID,
		Nature:       Nature(natureValue),
		Payload:      payload,
		Author:       author,
		Signature:    signature,
	}, nil
}

// signBlock fills in Author and Signature: the signature covers
// Hash(crypto), signed by signKey.
func signBlock(b *Block, crypto CryptoProvider, author []byte, signKey []byte) {
	b.Author = author
	b.Signature = crypto.Sign(b.Hash(crypto), signKey)
}
