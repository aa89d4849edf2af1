package wire

// Request/response tags, per §6.1. Preserved bit-exact from TPM 1.2
// Specification rev 103+ for host interoperability.
const (
	TagRQUCommand      uint16 = 0x00C1
	TagRQUAuth1Command uint16 = 0x00C2
	TagRQUAuth2Command uint16 = 0x00C3

	TagRSPCommand      uint16 = 0x00C4
	TagRSPAuth1Command uint16 = 0x00C5
	TagRSPAuth2Command uint16 = 0x00C6
)

// NumAuthSlots reports how many auth blocks a request tag carries.
func NumAuthSlots(tag uint16) (int, bool) {
	switch tag {
	case TagRQUCommand:
		return 0, true
	case TagRQUAuth1Command:
		return 1, true
	case TagRQUAuth2Command:
		return 2, true
	default:
		return 0, false
	}
}

// ResponseTagFor returns the response tag mirroring a given number of auth
// slots.
func ResponseTagFor(authSlots int) uint16 {
	switch authSlots {
	case 0:
		return TagRSPCommand
	case 1:
		return TagRSPAuth1Command
	default:
		return TagRSPAuth2Command
	}
}

// Return codes, per §6.1/§7.
//
// The values below marked "pinned" are fixed by the TPM 1.2 return-code
// table and preserved bit-exact. Values marked "assigned" cover return
// codes this package needs but that table does not fix to a particular
// hex value; they are chosen to avoid colliding with any pinned value.
const (
	Success uint32 = 0x00000000 // pinned

	RCAuthFail         uint32 = 0x01 // pinned
	RCBadIndex         uint32 = 0x02 // pinned
	RCBadParameter     uint32 = 0x03 // pinned
	RCDeactivated      uint32 = 0x06 // pinned
	RCDisabled         uint32 = 0x07 // pinned
	RCInvalidStructure uint32 = 0x09 // pinned
	RCInvalidKeyUsage  uint32 = 0x0B // pinned
	RCNoSpace          uint32 = 0x11 // pinned
	RCInvalidKeyHandle uint32 = 0x14 // pinned
	RCWrongPCRVal      uint32 = 0x18 // pinned
	RCBadParamSize     uint32 = 0x19 // pinned
	RCFailedSelfTest   uint32 = 0x1C // pinned
	RCDecryptError     uint32 = 0x20 // pinned
	RCEncryptError     uint32 = 0x21 // pinned
	RCNotFullWrite     uint32 = 0x2C // pinned
	RCAuthConflict     uint32 = 0x3B // pinned
	RCAreaLocked       uint32 = 0x3C // pinned
	RCBadLocality      uint32 = 0x3D // pinned
	RCMaxNVWrites      uint32 = 0x48 // pinned

	RCBadOrdinal       uint32 = 0x0A // assigned
	RCBadTag           uint32 = 0x1E // assigned
	RCBadVersion       uint32 = 0x2A // assigned
	RCDisabledCmd      uint32 = 0x1F // assigned
	RCOwnerSet         uint32 = 0x35 // assigned
	RCResources        uint32 = 0x15 // assigned
	RCSize             uint32 = 0x25 // assigned
	RCNoNVPermission   uint32 = 0x37 // assigned
	RCBadSignature     uint32 = 0x2D // assigned
	RCInappropriateEnc uint32 = 0x3A // assigned
	RCNotFIPS          uint32 = 0x2F // assigned
	RCBadPresence      uint32 = 0x3E // assigned

	RCFail              uint32 = 0x1001 // assigned: fatal internal, distinguished sentinel
	RCDefendLockRunning uint32 = 0x803  // pinned
)

// Ordinals in scope for this emulator core, per §2/§6.1.
const (
	OrdOIAP                     uint32 = 10
	OrdOSAP                     uint32 = 11
	OrdChangeAuth                uint32 = 12
	OrdTakeOwnership            uint32 = 13
	OrdChangeAuthOwner          uint32 = 16
	OrdSeal                     uint32 = 23
	OrdUnseal                   uint32 = 24
	OrdUnBind                   uint32 = 30
	OrdCreateWrapKey            uint32 = 31
	OrdLoadKey                  uint32 = 32
	OrdGetPubKey                uint32 = 33
	OrdSealx                    uint32 = 61
	OrdDirWriteAuth             uint32 = 25
	OrdDirRead                  uint32 = 26
	OrdCreateMaintenanceArchive uint32 = 40
	OrdLoadMaintenanceArchive   uint32 = 41
	OrdKillMaintenanceFeature   uint32 = 42
	OrdLoadManuMaintPub         uint32 = 43
	OrdReadManuMaintPub         uint32 = 44
	OrdExtend                   uint32 = 20
	OrdPCRRead                  uint32 = 21
	OrdNVDefineSpace            uint32 = 204
	OrdNVWriteValue             uint32 = 205
	OrdNVWriteValueAuth         uint32 = 206
	OrdNVReadValue              uint32 = 207
	OrdNVReadValueAuth          uint32 = 208
	OrdGetRandom                uint32 = 70
	OrdStartup                  uint32 = 153
	OrdLoadKey2                 uint32 = 65
	OrdFlushSpecific            uint32 = 186
	OrdSaveState                uint32 = 152

	OrdSHA1Start          uint32 = 160 // pinned
	OrdSHA1Update         uint32 = 161 // pinned
	OrdSHA1Complete       uint32 = 162 // pinned
	OrdSHA1CompleteExtend uint32 = 163 // pinned
)

// Reserved handles, per §3/§6.1.
const (
	KeyHandleSRK   uint32 = 0x40000000
	KeyHandleOwner uint32 = 0x40000001
	KeyHandleEK    uint32 = 0x40000006
)

// Entity types used by OSAP/DSAP, per §3.
const (
	EntityTypeKeyHandle uint16 = 0x0001
	EntityTypeOwner     uint16 = 0x0002
	EntityTypeSRK       uint16 = 0x0004
	EntityTypeNV        uint16 = 0x0011
)

// Reserved NV index values, per §6.1.
const (
	NVIndexDIR  uint32 = 0x10000001
	NVIndexLock uint32 = 0xFFFFFFFF
	NVIndexZero uint32 = 0x00000000
)

// Startup types, per §3/§8.
type StartupType uint16

const (
	StartupClear StartupType = 1
	StartupState StartupType = 2
	StartupDeactivated StartupType = 3
)
