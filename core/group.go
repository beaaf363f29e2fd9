package core

// Group is the data-model aggregate from §3: an external view (visible
// to anyone who can read the block) plus, when the local session holds
// access, the internal view recovered by seal-decrypting the block's
// per-user or per-provisional entry.
type Group struct {
	GroupID              []byte // = group public signature key
	PublicSignatureKey   []byte
	PublicEncryptionKey  []byte
	LastGroupBlock       []byte // hash of the most recently applied group block

	// Internal view: populated only if this session recovered the
	// group's private keys from a creation/addition entry addressed to
	// one of its own (user or provisional) keys.
	PrivateSignatureKey  []byte
	PrivateEncryptionKey []byte
}

func (g *Group) hasPrivateKeys() bool {
	return g.PrivateSignatureKey != nil && g.PrivateEncryptionKey != nil
}
