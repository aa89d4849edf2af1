// Package keystore implements the Key hierarchy (§3 Key entities, §4.3
// KeyStore), the sealed/bound-data envelopes (§4.6), and the maintenance
// archive (§4.7). This is the emulator side of a LoadKey2/Seal/Unseal/
// MakeIdentity exchange: a handle-indexed table the dispatcher loads keys
// into and seals/unseals secrets against, rather than a single blob shipped
// to a kernel driver.
package keystore

import (
	"github.com/pkg/errors"

	"github.com/cyberus-technology/tpm12d/internal/pcr"
	"github.com/cyberus-technology/tpm12d/internal/tpmcrypto"
	"github.com/cyberus-technology/tpm12d/internal/wire"
)

// VersionTag discriminates TPM_KEY (V11) from TPM_KEY12 (V12).
type VersionTag int

const (
	VersionV11 VersionTag = iota
	VersionV12
)

// Usage names what a key may be used for.
type Usage uint16

const (
	UsageSigning Usage = iota
	UsageStorage
	UsageIdentity
	UsageAuthChange
	UsageBind
	UsageLegacy
	UsageMigrate
)

// AuthDataUsage names when a key's usageAuth must accompany an operation.
type AuthDataUsage uint8

const (
	AuthNever AuthDataUsage = iota
	AuthAlways
	AuthPrivyRead
)

// KeyFlags are the bits §3 names on keyFlags.
type KeyFlags struct {
	Migratable       bool
	Volatile         bool
	PCRIgnoredOnRead bool
	MigrateAuthority bool
}

// AlgorithmParms names the algorithm, scheme, and size a key was generated
// under.
type AlgorithmParms struct {
	AlgorithmID   uint32
	EncScheme     uint16
	SigScheme     uint16
	KeyBits       uint32
	Exponent      []byte
}

// StoreAsymkey is the private-half payload present when a key's secret
// material is available in clear (§3): usageAuth/migrationAuth, the digest
// the wrapper signed over, and the prime factors.
type StoreAsymkey struct {
	PayloadType   byte
	UsageAuth     [20]byte
	MigrationAuth [20]byte
	PubDataDigest [20]byte
	P, Q          []byte
}

const (
	PayloadNone byte = iota
	PayloadStorage
	PayloadBind
	PayloadMigrate
	PayloadMaint
	PayloadSeal
)

// Key is the internal, already-deserialized form of a loaded TPM_KEY /
// TPM_KEY12.
type Key struct {
	VersionTag     VersionTag
	Usage          Usage
	Flags          KeyFlags
	AuthDataUsage  AuthDataUsage
	AlgorithmParms AlgorithmParms
	PCRInfoShort   *pcr.InfoShort // V11 binding, mutually exclusive with PCRInfoLong
	PCRInfoLong    *pcr.InfoLong  // V12 binding
	PublicModulus  []byte

	// Private holds the recovered secret-half payload. Nil for a key whose
	// private half was never loaded in clear (public-only reference).
	Private *StoreAsymkey

	// ParentPCRStatus is true if this key (or its parent transitively) is
	// PCR-bound; such keys are evicted on Startup(ST_Clear), per §4.3.
	ParentPCRStatus bool

	// EncDataRaw is the still-wrapped private half as read off the wire,
	// pending decryption by the parent key (LoadKey2).
	EncDataRaw []byte
}

// ErrInvalidStructure is returned when a key fails a §3 invariant.
var ErrInvalidStructure = errors.New("keystore: invalid key structure")

// CheckInvariants enforces §3's per-usage structural invariants.
func (k *Key) CheckInvariants(fipsMode bool) error {
	switch k.Usage {
	case UsageStorage:
		if k.AlgorithmParms.AlgorithmID != AlgRSA || k.AlgorithmParms.EncScheme != EsRSAEsOAEPSHA1MGF1 ||
			k.AlgorithmParms.SigScheme != SsNone || k.AlgorithmParms.KeyBits != 2048 || len(k.AlgorithmParms.Exponent) != 0 {
			return errors.Wrap(ErrInvalidStructure, "storage key must be RSA/OAEP/SigNone/2048/exponent-empty")
		}
	case UsageIdentity:
		if k.AlgorithmParms.AlgorithmID != AlgRSA || k.AlgorithmParms.EncScheme != EsNone ||
			k.AlgorithmParms.KeyBits != 2048 || k.Flags.Migratable {
			return errors.Wrap(ErrInvalidStructure, "identity key must be RSA/EncNone/2048/non-migratable")
		}
	}
	if fipsMode {
		if k.AlgorithmParms.KeyBits < 1024 {
			return errors.Wrap(ErrInvalidStructure, "FIPS mode requires key size >= 1024")
		}
		if k.AuthDataUsage == AuthNever {
			return errors.Wrap(ErrInvalidStructure, "FIPS mode forbids authDataUsage=Never")
		}
		if k.Usage == UsageLegacy {
			return errors.Wrap(ErrInvalidStructure, "FIPS mode forbids keyUsage=Legacy")
		}
	}
	return nil
}

// Algorithm/encryption/signature scheme identifiers (TPM 1.2 Part 2).
const (
	AlgRSA uint32 = 0x00000001

	EsNone              uint16 = 0x0001
	EsRSAEsPKCSv15      uint16 = 0x0002
	EsRSAEsOAEPSHA1MGF1 uint16 = 0x0003

	SsNone           uint16 = 0x0001
	SsRSASaPKCS1v15SHA1 uint16 = 0x0002
)

// LoadKey decodes a Key from its wire TPM_KEY/TPM_KEY12 representation. tag
// distinguishes V11 (TPM_TAG_KEY not present — legacy ver{1,1,0,0}) from
// V12 (TPM_TAG_KEY12) per the tag-discriminated-union rule in §9.
func LoadKey(r *wire.Reader, versionTag VersionTag) (*Key, error) {
	k := &Key{VersionTag: versionTag}

	usage, err := r.LoadU16()
	if err != nil {
		return nil, err
	}
	k.Usage = Usage(usage)

	flagBits, err := r.LoadU32()
	if err != nil {
		return nil, err
	}
	k.Flags = KeyFlags{
		Migratable:       flagBits&0x00000001 != 0,
		Volatile:         flagBits&0x00000002 != 0,
		PCRIgnoredOnRead: flagBits&0x00000004 != 0,
		MigrateAuthority: flagBits&0x00000008 != 0,
	}

	authUsage, err := r.LoadU8()
	if err != nil {
		return nil, err
	}
	k.AuthDataUsage = AuthDataUsage(authUsage)

	algID, err := r.LoadU32()
	if err != nil {
		return nil, err
	}
	encScheme, err := r.LoadU16()
	if err != nil {
		return nil, err
	}
	sigScheme, err := r.LoadU16()
	if err != nil {
		return nil, err
	}
	keyBits, err := r.LoadU32()
	if err != nil {
		return nil, err
	}
	exponent, err := r.LoadSized()
	if err != nil {
		return nil, err
	}
	k.AlgorithmParms = AlgorithmParms{
		AlgorithmID: algID,
		EncScheme:   encScheme,
		SigScheme:   sigScheme,
		KeyBits:     keyBits,
		Exponent:    exponent,
	}

	pcrInfoBytes, err := r.LoadSized()
	if err != nil {
		return nil, err
	}
	if len(pcrInfoBytes) > 0 {
		pr := wire.NewReader(pcrInfoBytes)
		if versionTag == VersionV11 {
			info, err := pcr.LoadInfoShort(pr)
			if err != nil {
				return nil, err
			}
			k.PCRInfoShort = &info
		} else {
			info, err := pcr.LoadInfoLong(pr)
			if err != nil {
				return nil, err
			}
			k.PCRInfoLong = &info
		}
	}

	k.PublicModulus, err = r.LoadSized()
	if err != nil {
		return nil, err
	}

	encData, err := r.LoadSized()
	if err != nil {
		return nil, err
	}
	k.EncDataRaw = encData

	return k, nil
}

// Store encodes k's public portion (usage, flags, algorithmParms, pcrInfo,
// publicModulus) plus encData, which callers set directly before calling
// Store when re-serializing a key they hold the wrap for.
func (k *Key) Store(w *wire.Writer, encData []byte) {
	w.StoreU16(uint16(k.Usage))

	var flagBits uint32
	if k.Flags.Migratable {
		flagBits |= 0x00000001
	}
	if k.Flags.Volatile {
		flagBits |= 0x00000002
	}
	if k.Flags.PCRIgnoredOnRead {
		flagBits |= 0x00000004
	}
	if k.Flags.MigrateAuthority {
		flagBits |= 0x00000008
	}
	w.StoreU32(flagBits)
	w.StoreU8(uint8(k.AuthDataUsage))

	w.StoreU32(k.AlgorithmParms.AlgorithmID)
	w.StoreU16(k.AlgorithmParms.EncScheme)
	w.StoreU16(k.AlgorithmParms.SigScheme)
	w.StoreU32(k.AlgorithmParms.KeyBits)
	w.StoreSized(k.AlgorithmParms.Exponent)

	pcrW := wire.NewWriter()
	if k.PCRInfoShort != nil {
		k.PCRInfoShort.Store(pcrW)
	} else if k.PCRInfoLong != nil {
		k.PCRInfoLong.Store(pcrW)
	}
	w.StoreSized(pcrW.Bytes())

	w.StoreSized(k.PublicModulus)
	w.StoreSized(encData)
}

// PublicDigest returns SHA-1 of the key's public-key portion (algorithmParms
// + publicModulus), the pubDataDigest §4.3/§4.6 check against.
func (k *Key) PublicDigest() [20]byte {
	w := wire.NewWriter()
	w.StoreU32(k.AlgorithmParms.AlgorithmID)
	w.StoreU16(k.AlgorithmParms.EncScheme)
	w.StoreU16(k.AlgorithmParms.SigScheme)
	w.StoreU32(k.AlgorithmParms.KeyBits)
	w.StoreSized(k.AlgorithmParms.Exponent)
	w.StoreSized(k.PublicModulus)
	return [20]byte(tpmcrypto.SHA1(w.Bytes()))
}
