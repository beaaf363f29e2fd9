package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// InvalidBlockReason enumerates why a single trustchain entry failed
// verification. These are recovered locally (§4.F, §7): the offending
// entry is skipped and the caller is not interrupted, unless the entry
// was the local user's own write.
type InvalidBlockReason string

const (
	ReasonInvalidSignature               InvalidBlockReason = "invalid_signature"
	ReasonInvalidDelegationSignature      InvalidBlockReason = "invalid_delegation_signature"
	ReasonInvalidSelfSignature            InvalidBlockReason = "invalid_self_signature"
	ReasonInvalidAuthor                   InvalidBlockReason = "invalid_author"
	ReasonRevokedAuthor                   InvalidBlockReason = "revoked_author"
	ReasonInvalidNature                   InvalidBlockReason = "invalid_nature"
	ReasonInvalidRootBlock                InvalidBlockReason = "invalid_root_block"
	ReasonInvalidAuthorForTrustchain      InvalidBlockReason = "invalid_author_for_trustchain_creation"
	ReasonInvalidLastReset                InvalidBlockReason = "invalid_last_reset"
	ReasonInvalidPublicUserKey            InvalidBlockReason = "invalid_public_user_key"
	ReasonInvalidPreviousKey              InvalidBlockReason = "invalid_previous_key"
	ReasonInvalidNewKey                   InvalidBlockReason = "invalid_new_key"
	ReasonMissingUserKeys                 InvalidBlockReason = "missing_user_keys"
	ReasonInvalidRevokedUser              InvalidBlockReason = "invalid_revoked_user"
	ReasonInvalidRevokedDevice            InvalidBlockReason = "invalid_revoked_device"
	ReasonDeviceAlreadyRevoked            InvalidBlockReason = "device_already_revoked"
	ReasonInvalidRevocationVersion        InvalidBlockReason = "invalid_revocation_version"
	ReasonForbidden                       InvalidBlockReason = "forbidden"
	ReasonGroupAlreadyExists              InvalidBlockReason = "group_already_exists"
	ReasonInvalidGroupID                  InvalidBlockReason = "invalid_group_id"
	ReasonInvalidPreviousGroupBlock       InvalidBlockReason = "invalid_previous_group_block"
	ReasonInvalidRecipient                InvalidBlockReason = "invalid_recipient"
	ReasonInvalidUserPublicKey            InvalidBlockReason = "invalid_user_public_key"
	ReasonVersionMismatch                 InvalidBlockReason = "version_mismatch"
	ReasonUnknownAuthor                   InvalidBlockReason = "unknown_author"
	ReasonAuthorNotFound                  InvalidBlockReason = "author_not_found"
)

// InvalidBlock reports why one trustchain entry was rejected.
type InvalidBlock struct {
	Nature Kind
	Reason InvalidBlockReason
}

func (e *InvalidBlock) Error() string {
	return fmt.Sprintf("invalid block (nature=%s): %s", e.Nature, e.Reason)
}

func invalidBlock(nature Kind, reason InvalidBlockReason) error {
	return &InvalidBlock{Nature: nature, Reason: reason}
}

// UpgradeRequired is returned for a block version or nature newer than
// this implementation understands. It always surfaces to the caller and
// halts the session (§7).
type UpgradeRequired struct {
	Detail string
}

func (e *UpgradeRequired) Error() string { return "upgrade required: " + e.Detail }

// PreconditionFailed covers operations attempted out of order, e.g.
// revoking an already-revoked device or attaching before verification.
type PreconditionFailed struct {
	Detail string
}

func (e *PreconditionFailed) Error() string { return "precondition failed: " + e.Detail }

// InvalidArgument covers malformed inputs to public operations.
type InvalidArgument struct {
	Detail string
}

func (e *InvalidArgument) Error() string { return "invalid argument: " + e.Detail }

// InvalidVerification is returned when a verification key or method is
// rejected; the caller may retry.
type InvalidVerification struct {
	Detail string
}

func (e *InvalidVerification) Error() string { return "invalid verification: " + e.Detail }

// DecryptionFailed covers symmetric or sealed decryption failures.
type DecryptionFailed struct {
	Detail string
}

func (e *DecryptionFailed) Error() string { return "decryption failed: " + e.Detail }

// InvalidIdentity is returned when an identity token's embedded check
// hash does not match hash_derivation(user_id, user_secret) (§6).
type InvalidIdentity struct {
	Detail string
}

func (e *InvalidIdentity) Error() string { return "invalid identity: " + e.Detail }

// Busy is returned when a session-scoped mutation is already in flight
// and re-entrant acquisition is attempted (§5).
type Busy struct{}

func (e *Busy) Error() string { return "session busy: a mutation is already in flight" }

// Internal wraps an invariant violation. It always surfaces and halts
// the session. Use wrapInternal to attach a stack trace via pkg/errors
// so operators can diagnose it after the fact.
type Internal struct {
	Message string
	cause   error
}

func (e *Internal) Error() string {
	if e.cause != nil {
		return "internal: " + e.Message + ": " + e.cause.Error()
	}
	return "internal: " + e.Message
}

func (e *Internal) Unwrap() error { return e.cause }

func wrapInternal(message string, err error) error {
	return &Internal{Message: message, cause: errors.Wrap(err, message)}
}

// RecordNotFound is the only semantically distinguished error the
// persistent store contract (§6) carries.
type RecordNotFound struct {
	Table string
	ID    string
}

func (e *RecordNotFound) Error() string {
	return fmt.Sprintf("record not found: table=%s id=%s", e.Table, e.ID)
}

// IsRecordNotFound reports whether err (or any error it wraps) is a
// RecordNotFound.
func IsRecordNotFound(err error) bool {
	var target *RecordNotFound
	return errors.As(err, &target)
}

// TrailingGarbage is returned by unserialize_generic when the cursor
// does not land exactly on len(data) after the fixed reader schedule.
type TrailingGarbage struct {
	Consumed, Total int
}

func (e *TrailingGarbage) Error() string {
	return fmt.Sprintf("trailing garbage: consumed %d of %d bytes", e.Consumed, e.Total)
}

// Truncated is returned by any static reader whose cursor would run
// past the end of the buffer.
type Truncated struct {
	Want, Have int
}

func (e *Truncated) Error() string {
	return fmt.Sprintf("truncated: wanted %d bytes, have %d", e.Want, e.Have)
}

// UnknownNature is returned when a block's nature tag is not a known
// wire value: a withdrawn version or a value never assigned (§4.B).
type UnknownNature struct {
	Value uint64
}

func (e *UnknownNature) Error() string {
	return fmt.Sprintf("unknown nature: %d", e.Value)
}
