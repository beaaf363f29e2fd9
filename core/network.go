package core

// External interfaces (§6): the network client contract the core
// consumes, plus the identity-token and verification-key-token codecs
// that sit in front of it. The core never implements transport; it only
// shapes requests and parses responses.

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// UserBlockHistory is the root block plus every subsequent block the
// server holds for a user, as NetworkClient.FetchUserByID and
// FetchUserByDeviceID return it (§6).
type UserBlockHistory struct {
	RootBlock     *Block
	HistoryBlocks []*Block
}

// ProvisionalTankerKeys is the tanker half of a provisional identity's key
// material, disclosed by the server only once the owning user has proven
// the identity (§4.J "fetch the tanker half of the keys").
type ProvisionalTankerKeys struct {
	TankerSignatureKeyPair  SignatureKeyPair
	TankerEncryptionKeyPair EncryptionKeyPair
}

// VerificationMethod is an opaque server-side proof configuration (an
// email address, a phone number, an oidc subject, a passphrase hash —
// the core never inspects its contents beyond routing it to the server).
type VerificationMethod struct {
	Kind  string
	Value string

	// EncryptedVerificationKey is set only when registering a new
	// method during create_user: the ghost device's verification key,
	// symmetric-sealed under the user secret (§4.I).
	EncryptedVerificationKey []byte
}

// NetworkClient is everything the core consumes from the transport
// layer (§6). Implementations own retries, auth, and wire encoding. The
// Manager calls these methods while holding its session lock (§5);
// ProvisionalManager also calls FetchVerificationMethods and
// FetchProvisionalTankerKeys without holding it.
type NetworkClient interface {
	FetchUserByID(ctx context.Context, userID []byte) (*UserBlockHistory, error)
	FetchUserByDeviceID(ctx context.Context, deviceID []byte) (*UserBlockHistory, error)
	FetchLastUserKey(ctx context.Context, ghostDeviceID []byte) ([]byte, error)
	FetchEncryptedVerificationKey(ctx context.Context, method VerificationMethod) ([]byte, error)
	SubmitBlock(ctx context.Context, operation string, block *Block) error
	SubmitBlocks(ctx context.Context, operation string, blocks []*Block) error
	FetchProvisionalTankerKeys(ctx context.Context, appSignaturePublicKey, appEncryptionPublicKey []byte) (*ProvisionalTankerKeys, error)
	FetchVerificationMethods(ctx context.Context, userID []byte) ([]VerificationMethod, error)
	SetVerificationMethod(ctx context.Context, userID []byte, method VerificationMethod) error
}

// tracedClient wraps a NetworkClient with structured logging of failed
// calls: each failure is logged at Warn with a fresh correlation id and
// the operation name as logrus fields. Successful calls are not logged.
type tracedClient struct {
	inner  NetworkClient
	logger *logrus.Logger
}

// NewTracedClient wraps inner so each failed call is logged with a
// per-call correlation id. Pass logrus.StandardLogger() to use the process-wide
// logger.
func NewTracedClient(inner NetworkClient, logger *logrus.Logger) NetworkClient {
	if logger == nil {
		logger = logrus.New()
	}
	return &tracedClient{inner: inner, logger: logger}
}

func (c *tracedClient) entry(op string) *logrus.Entry {
	return c.logger.WithFields(logrus.Fields{
		"network_op":     op,
		"correlation_id": uuid.NewString(),
	})
}

func (c *tracedClient) FetchUserByID(ctx context.Context, userID []byte) (*UserBlockHistory, error) {
	log := c.entry("fetch_user_by_id")
	h, err := c.inner.FetchUserByID(ctx, userID)
	if err != nil {
		log.WithError(err).Warn("fetch_user_by_id failed")
	}
	return h, err
}

func (c *tracedClient) FetchUserByDeviceID(ctx context.Context, deviceID []byte) (*UserBlockHistory, error) {
	log := c.entry("fetch_user_by_device_id")
	h, err := c.inner.FetchUserByDeviceID(ctx, deviceID)
	if err != nil {
		log.WithError(err).Warn("fetch_user_by_device_id failed")
	}
	return h, err
}

func (c *tracedClient) FetchLastUserKey(ctx context.Context, ghostDeviceID []byte) ([]byte, error) {
	log := c.entry("fetch_last_user_key")
	k, err := c.inner.FetchLastUserKey(ctx, ghostDeviceID)
	if err != nil {
		log.WithError(err).Warn("fetch_last_user_key failed")
	}
	return k, err
}

func (c *tracedClient) FetchEncryptedVerificationKey(ctx context.Context, method VerificationMethod) ([]byte, error) {
	log := c.entry("fetch_encrypted_verification_key")
	k, err := c.inner.FetchEncryptedVerificationKey(ctx, method)
	if err != nil {
		log.WithError(err).Warn("fetch_encrypted_verification_key failed")
	}
	return k, err
}

func (c *tracedClient) SubmitBlock(ctx context.Context, operation string, block *Block) error {
	log := c.entry(operation)
	err := c.inner.SubmitBlock(ctx, operation, block)
	if err != nil {
		log.WithError(err).Warn("submit_block failed")
	}
	return err
}

func (c *tracedClient) SubmitBlocks(ctx context.Context, operation string, blocks []*Block) error {
	log := c.entry(operation)
	err := c.inner.SubmitBlocks(ctx, operation, blocks)
	if err != nil {
		log.WithError(err).Warn("submit_blocks failed")
	}
	return err
}

func (c *tracedClient) FetchProvisionalTankerKeys(ctx context.Context, appSignaturePublicKey, appEncryptionPublicKey []byte) (*ProvisionalTankerKeys, error) {
	log := c.entry("fetch_provisional_tanker_keys")
	k, err := c.inner.FetchProvisionalTankerKeys(ctx, appSignaturePublicKey, appEncryptionPublicKey)
	if err != nil {
		log.WithError(err).Warn("fetch_provisional_tanker_keys failed")
	}
	return k, err
}

func (c *tracedClient) FetchVerificationMethods(ctx context.Context, userID []byte) ([]VerificationMethod, error) {
	log := c.entry("fetch_verification_methods")
	m, err := c.inner.FetchVerificationMethods(ctx, userID)
	if err != nil {
		log.WithError(err).Warn("fetch_verification_methods failed")
	}
	return m, err
}

func (c *tracedClient) SetVerificationMethod(ctx context.Context, userID []byte, method VerificationMethod) error {
	log := c.entry("set_verification_method")
	err := c.inner.SetVerificationMethod(ctx, userID, method)
	if err != nil {
		log.WithError(err).Warn("set_verification_method failed")
	}
	return err
}

// --- Identity token ---------------------------------------------------

// IdentityToken is the parsed form of the base64-JSON identity blob a
// session is opened with (§6).
type IdentityToken struct {
	TrustchainID []byte
	UserID       []byte
	UserSecret   []byte
	Delegation   DelegationToken
}

type identityTokenWire struct {
	TrustchainID string `json:"trustchain_id"`
	Value        string `json:"value"`
	UserSecret   string `json:"user_secret"`
	DelegationToken struct {
		EphemeralPublicSignatureKey  string `json:"ephemeral_public_signature_key"`
		EphemeralPrivateSignatureKey string `json:"ephemeral_private_signature_key"`
		DelegationSignature          string `json:"delegation_signature"`
	} `json:"delegation_token"`
}

// ParseIdentityToken decodes a base64-JSON identity token and validates
// its embedded check hash, failing InvalidIdentity if it does not match
// hash_derivation(user_id, user_secret) (§6).
func ParseIdentityToken(crypto CryptoProvider, token string) (*IdentityToken, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, &InvalidArgument{Detail: "identity token is not valid base64"}
	}
	var wire identityTokenWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &InvalidArgument{Detail: "identity token is not valid JSON"}
	}

	trustchainID, err := unb64(wire.TrustchainID)
	if err != nil {
		return nil, &InvalidArgument{Detail: "identity token trustchain_id is not valid base64"}
	}
	userID, err := unb64(wire.Value)
	if err != nil {
		return nil, &InvalidArgument{Detail: "identity token value is not valid base64"}
	}
	userSecret, err := unb64(wire.UserSecret)
	if err != nil {
		return nil, &InvalidArgument{Detail: "identity token user_secret is not valid base64"}
	}
	ephPub, err := unb64(wire.DelegationToken.EphemeralPublicSignatureKey)
	if err != nil {
		return nil, &InvalidArgument{Detail: "identity token delegation ephemeral public key is not valid base64"}
	}
	ephPriv, err := unb64(wire.DelegationToken.EphemeralPrivateSignatureKey)
	if err != nil {
		return nil, &InvalidArgument{Detail: "identity token delegation ephemeral private key is not valid base64"}
	}
	delegationSig, err := unb64(wire.DelegationToken.DelegationSignature)
	if err != nil {
		return nil, &InvalidArgument{Detail: "identity token delegation signature is not valid base64"}
	}

	if !checkUserSecret(crypto, userID, userSecret) {
		return nil, &InvalidIdentity{Detail: "user_secret check hash does not match user_id"}
	}

	return &IdentityToken{
		TrustchainID: trustchainID,
		UserID:       userID,
		UserSecret:   userSecret,
		Delegation: DelegationToken{
			EphemeralPublicSignatureKey:  ephPub,
			EphemeralPrivateSignatureKey: ephPriv,
			DelegationSignature:          delegationSig,
		},
	}, nil
}

// checkUserSecret implements hash_derivation: the secret's last byte
// must equal the first byte of generic_hash(secret[:16] ‖ user_id).
func checkUserSecret(crypto CryptoProvider, userID, userSecret []byte) bool {
	if len(userSecret) != 32 {
		return false
	}
	mixed := append(append([]byte{}, userSecret[:16]...), userID...)
	check := crypto.GenericHash(mixed)
	return userSecret[31] == check[0]
}

// DeriveUserSecret computes a user_secret whose embedded check hash
// hash_derivation(user_id, .) accepts, for callers minting new
// identities rather than parsing server-issued ones.
func DeriveUserSecret(crypto CryptoProvider, userID []byte, randomHalf []byte) []byte {
	secret := make([]byte, 32)
	copy(secret, fixedN(randomHalf, 31))
	mixed := append(append([]byte{}, secret[:16]...), userID...)
	check := crypto.GenericHash(mixed)
	secret[31] = check[0]
	return secret
}

// --- Verification key token --------------------------------------------

// VerificationKey is a ghost device's reconstructable key material,
// the plaintext behind the server's encrypted-verification-key record
// (§6).
type VerificationKey struct {
	PrivateEncryptionKey []byte
	PrivateSignatureKey  []byte
}

type verificationKeyWire struct {
	PrivateEncryptionKey string `json:"privateEncryptionKey"`
	PrivateSignatureKey  string `json:"privateSignatureKey"`
}

// EncodeVerificationKey produces the base64-url(JSON(...)) printable
// token format (§6).
func EncodeVerificationKey(k *VerificationKey) string {
	wire := verificationKeyWire{
		PrivateEncryptionKey: base64.StdEncoding.EncodeToString(k.PrivateEncryptionKey),
		PrivateSignatureKey:  base64.StdEncoding.EncodeToString(k.PrivateSignatureKey),
	}
	raw, _ := json.Marshal(wire)
	return base64.URLEncoding.EncodeToString(raw)
}

// ParseVerificationKey decodes the printable verification key token.
func ParseVerificationKey(token string) (*VerificationKey, error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, &InvalidVerification{Detail: "verification key token is not valid base64url"}
	}
	var wire verificationKeyWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &InvalidVerification{Detail: "verification key token is not valid JSON"}
	}
	privEnc, err := base64.StdEncoding.DecodeString(wire.PrivateEncryptionKey)
	if err != nil {
		return nil, &InvalidVerification{Detail: "verification key privateEncryptionKey is not valid base64"}
	}
	privSig, err := base64.StdEncoding.DecodeString(wire.PrivateSignatureKey)
	if err != nil {
		return nil, &InvalidVerification{Detail: "verification key privateSignatureKey is not valid base64"}
	}
	return &VerificationKey{PrivateEncryptionKey: privEnc, PrivateSignatureKey: privSig}, nil
}
