package core

// Module B: nature taxonomy.
//
// Natures are integers assigned per the fixed table in spec.md §4.B; gaps
// correspond to withdrawn versions and are rejected with UnknownNature.
// Several on-wire values can map to the same Kind; writers always emit
// the preferred (newest) wire value for a Kind.

// Kind groups the wire-compatible nature versions that mean the same
// thing to the rest of the core.
type Kind string

const (
	KindTrustchainCreation        Kind = "trustchain_creation"
	KindDeviceCreation            Kind = "device_creation"
	KindKeyPublishToDevice        Kind = "key_publish_to_device"
	KindKeyPublishToUser          Kind = "key_publish_to_user"
	KindDeviceRevocation          Kind = "device_revocation"
	KindUserGroupCreation         Kind = "user_group_creation"
	KindKeyPublishToUserGroup     Kind = "key_publish_to_user_group"
	KindUserGroupAddition         Kind = "user_group_addition"
	KindKeyPublishToProvisional   Kind = "key_publish_to_provisional_user"
	KindProvisionalIdentityClaim  Kind = "provisional_identity_claim"
	KindSessionCertificate        Kind = "session_certificate"
	KindUserGroupRemoval          Kind = "user_group_removal"
)

// Nature is the tagged wire integer for one version of one Kind.
type Nature uint64

const (
	NatureTrustchainCreation Nature = 1

	NatureDeviceCreationV1 Nature = 2
	NatureKeyPublishToDeviceV1 Nature = 3
	NatureDeviceRevocationV1 Nature = 4

	NatureDeviceCreationV2 Nature = 6
	NatureDeviceCreationV3 Nature = 7

	NatureKeyPublishToUserV1 Nature = 8
	NatureDeviceRevocationV2 Nature = 9

	NatureUserGroupCreationV1 Nature = 10
	NatureKeyPublishToUserGroupV1 Nature = 11
	NatureUserGroupAdditionV1 Nature = 12

	NatureKeyPublishToProvisionalUserV1 Nature = 13
	NatureProvisionalIdentityClaimV1    Nature = 14

	NatureUserGroupCreationV2 Nature = 15
	NatureUserGroupAdditionV2 Nature = 16
	NatureUserGroupCreationV3 Nature = 17
	NatureUserGroupAdditionV3 Nature = 18

	NatureSessionCertificateV1 Nature = 19

	NatureUserGroupRemovalV1 Nature = 21
)

// natureKind maps every known wire nature to its Kind. Values absent
// from this map are withdrawn or never-assigned and must be rejected
// with UnknownNature.
var natureKind = map[Nature]Kind{
	NatureTrustchainCreation: KindTrustchainCreation,

	NatureDeviceCreationV1: KindDeviceCreation,
	NatureDeviceCreationV2: KindDeviceCreation,
	NatureDeviceCreationV3: KindDeviceCreation,

	NatureKeyPublishToDeviceV1: KindKeyPublishToDevice,
	NatureKeyPublishToUserV1:   KindKeyPublishToUser,

	NatureDeviceRevocationV1: KindDeviceRevocation,
	NatureDeviceRevocationV2: KindDeviceRevocation,

	NatureUserGroupCreationV1: KindUserGroupCreation,
	NatureUserGroupCreationV2: KindUserGroupCreation,
	NatureUserGroupCreationV3: KindUserGroupCreation,

	NatureKeyPublishToUserGroupV1: KindKeyPublishToUserGroup,

	NatureUserGroupAdditionV1: KindUserGroupAddition,
	NatureUserGroupAdditionV2: KindUserGroupAddition,
	NatureUserGroupAdditionV3: KindUserGroupAddition,

	NatureKeyPublishToProvisionalUserV1: KindKeyPublishToProvisional,
	NatureProvisionalIdentityClaimV1:    KindProvisionalIdentityClaim,

	NatureSessionCertificateV1: KindSessionCertificate,
	NatureUserGroupRemovalV1:   KindUserGroupRemoval,
}

// preferredNature is the newest wire value writers must emit for a Kind.
var preferredNature = map[Kind]Nature{
	KindTrustchainCreation:       NatureTrustchainCreation,
	KindDeviceCreation:           NatureDeviceCreationV3,
	KindKeyPublishToDevice:       NatureKeyPublishToDeviceV1,
	KindKeyPublishToUser:        NatureKeyPublishToUserV1,
	KindDeviceRevocation:         NatureDeviceRevocationV2,
	KindUserGroupCreation:        NatureUserGroupCreationV3,
	KindKeyPublishToUserGroup:    NatureKeyPublishToUserGroupV1,
	KindUserGroupAddition:        NatureUserGroupAdditionV3,
	KindKeyPublishToProvisional:  NatureKeyPublishToProvisionalUserV1,
	KindProvisionalIdentityClaim: NatureProvisionalIdentityClaimV1,
	KindSessionCertificate:       NatureSessionCertificateV1,
	KindUserGroupRemoval:         NatureUserGroupRemovalV1,
}

// KindOf resolves a wire nature to its Kind, or UnknownNature if the
// value is a withdrawn or never-assigned gap in the table.
func KindOf(n Nature) (Kind, error) {
	k, ok := natureKind[n]
	if !ok {
		return "", &UnknownNature{Value: uint64(n)}
	}
	return k, nil
}

// PreferredNature returns the wire value writers must emit for a Kind.
func PreferredNature(k Kind) Nature {
	return preferredNature[k]
}

// forwardCompatOnly lists natures carried in the table for completeness
// but whose full verification rules spec.md leaves as an open question
// (§9): session certificates, group removal. They decode far enough to
// be routed, then are rejected with UpgradeRequired rather than guessed
// at.
var forwardCompatOnly = map[Kind]bool{
	KindSessionCertificate: true,
	KindUserGroupRemoval:   true,
}
