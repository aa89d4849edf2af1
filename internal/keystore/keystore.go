package keystore

import (
	"math/big"

	"github.com/pkg/errors"

	"github.com/cyberus-technology/tpm12d/internal/tpmcrypto"
	"github.com/cyberus-technology/tpm12d/internal/wire"
)

// ErrNoFreeSlot is returned when the key table is full.
var ErrNoFreeSlot = errors.New("keystore: no free key slot")

// ErrBadHandle is returned when a handle does not name a loaded key.
var ErrBadHandle = errors.New("keystore: unknown key handle")

// ErrReservedHandle names the case of an ordinal that must not expose
// EK/SRK being handed one of those handles. No function in this package
// returns it.
var ErrReservedHandle = errors.New("keystore: reserved handle not permitted here")

// ErrInvalidKeyUsage is returned for keystore-level usage mismatches (e.g. a
// non-migratable child whose migrationAuth doesn't equal tpmProof).
var ErrInvalidKeyUsage = errors.New("keystore: invalid key usage")

// Access discriminates how a caller intends to use a Get'd key.
type Access int

const (
	AccessReadOnly Access = iota
	AccessReadWrite
)

type entry struct {
	handle uint32
	key    *Key
	priv   *tpmcrypto.RSAKeyPair // non-nil when the private half is resident
}

// Store is the fixed-capacity KeyStore (§4.3, §6.1 resource model).
type Store struct {
	slots   []*entry
	nextSeq uint32
}

// NewStore returns a Store with room for capacity loaded keys, plus the
// reserved EK/SRK slots managed outside the general table.
func NewStore(capacity int) *Store {
	return &Store{slots: make([]*entry, capacity)}
}

// Count returns the number of loaded (non-reserved) keys.
func (s *Store) Count() int {
	n := 0
	for _, e := range s.slots {
		if e != nil {
			n++
		}
	}
	return n
}

func (s *Store) insert(k *Key, priv *tpmcrypto.RSAKeyPair) (uint32, error) {
	for i, e := range s.slots {
		if e == nil {
			s.nextSeq++
			handle := 0x01000000 | (s.nextSeq & 0x00FFFFFF)
			s.slots[i] = &entry{handle: handle, key: k, priv: priv}
			return handle, nil
		}
	}
	return 0, ErrNoFreeSlot
}

// Get returns the key loaded at handle. Reserved handles (EK/SRK/Owner) are
// never stored in this table — callers resolve those directly against the
// platform's permanent-data singletons.
func (s *Store) Get(handle uint32) (*Key, error) {
	for _, e := range s.slots {
		if e != nil && e.handle == handle {
			return e.key, nil
		}
	}
	return nil, ErrBadHandle
}

// private returns the resident RSA key pair for handle. Nothing in the
// module calls it.
func (s *Store) private(handle uint32) (*tpmcrypto.RSAKeyPair, error) {
	for _, e := range s.slots {
		if e != nil && e.handle == handle {
			if e.priv == nil {
				return nil, errors.New("keystore: key has no resident private half")
			}
			return e.priv, nil
		}
	}
	return nil, ErrBadHandle
}

// Evict removes handle from the table.
func (s *Store) Evict(handle uint32) {
	for i, e := range s.slots {
		if e != nil && e.handle == handle {
			if e.priv != nil {
				tpmcrypto.ZeroBytes(e.priv.D)
			}
			s.slots[i] = nil
			return
		}
	}
}

// EvictPCRBound removes every loaded key with ParentPCRStatus=true —
// Startup(ST_Clear), per §4.3.
func (s *Store) EvictPCRBound() {
	for i, e := range s.slots {
		if e != nil && e.key.ParentPCRStatus {
			s.slots[i] = nil
		}
	}
}

// SetParentPCRStatus sets handle's derived ParentPCRStatus bit directly
// (used by the dispatcher when a key is loaded, per §4.3's derivation rule).
func (s *Store) SetParentPCRStatus(handle uint32, v bool) error {
	for _, e := range s.slots {
		if e != nil && e.handle == handle {
			e.key.ParentPCRStatus = v
			return nil
		}
	}
	return ErrBadHandle
}

// IsPCRBound reports whether the key at handle is itself bound to a PCR
// release condition (distinct from ParentPCRStatus, which also accounts for
// inheritance).
func IsPCRBound(k *Key) bool {
	return k.PCRInfoShort != nil || k.PCRInfoLong != nil
}

// LiveEntry is one loaded key plus its resident private half (nil for a
// public-only reference), keyed by its table handle.
type LiveEntry struct {
	Handle uint32
	Key    *Key
	Priv   *tpmcrypto.RSAKeyPair
}

// Live returns every currently loaded key — for PermanentState's
// "savestate" blob, the caller filters to Flags.Volatile entries only
// (§6.5: "transient keys marked volatile=true"); non-volatile loaded keys
// do not survive a save/restore cycle and must be reloaded via LoadKey2.
func (s *Store) Live() []LiveEntry {
	out := make([]LiveEntry, 0, len(s.slots))
	for _, e := range s.slots {
		if e != nil {
			out = append(out, LiveEntry{Handle: e.handle, Key: e.key, Priv: e.priv})
		}
	}
	return out
}

// NextSeq returns the table's current handle sequence counter, for
// PermanentState serialization.
func (s *Store) NextSeq() uint32 { return s.nextSeq }

// Restore repopulates the table from a persisted Live/nextSeq pair,
// overwriting any keys currently held.
func (s *Store) Restore(live []LiveEntry, nextSeq uint32) {
	s.slots = make([]*entry, len(s.slots))
	for i, le := range live {
		if i >= len(s.slots) {
			break
		}
		s.slots[i] = &entry{handle: le.Handle, key: le.Key, priv: le.Priv}
	}
	s.nextSeq = nextSeq
}

// LoadKey2 loads a serialized Key under parent (identified by parentHandle,
// resolved by the caller to a Storage key's Key+private RSA pair), per
// §4.3: decrypt encData with the parent, recompute pubDataDigest, verify
// RSA consistency, enforce key-kind invariants, and for a non-migratable
// key verify migrationAuth == tpmProof.
func (s *Store) LoadKey2(parentKey *Key, parentPriv *tpmcrypto.RSAKeyPair, serialized []byte, versionTag VersionTag, tpmProof [20]byte, fipsMode bool) (uint32, error) {
	if parentKey.Usage != UsageStorage {
		return 0, errors.Wrap(ErrInvalidKeyUsage, "parent is not a storage key")
	}

	r := wire.NewReader(serialized)
	child, err := LoadKey(r, versionTag)
	if err != nil {
		return 0, err
	}

	plain, err := tpmcrypto.RSAPrivateDecryptOAEP(parentPriv, "TCPA", child.EncDataRaw)
	if err != nil {
		return 0, errors.Wrap(err, "keystore: decrypting child private half")
	}

	priv, err := loadStoreAsymkey(plain)
	if err != nil {
		return 0, err
	}
	child.Private = priv

	wantDigest := child.PublicDigest()
	if priv.PubDataDigest != wantDigest {
		return 0, errors.Wrap(ErrInvalidStructure, "pubDataDigest mismatch")
	}

	rsaPair := &tpmcrypto.RSAKeyPair{
		N: child.PublicModulus,
		E: []byte{0x01, 0x00, 0x01},
		P: priv.P,
		Q: priv.Q,
	}
	n := new(big.Int).Mul(new(big.Int).SetBytes(priv.P), new(big.Int).SetBytes(priv.Q))
	if n.Cmp(new(big.Int).SetBytes(child.PublicModulus)) != 0 {
		return 0, errors.Wrap(ErrInvalidStructure, "rsa modulus does not equal p*q")
	}
	if d, err := derivePrivateExponent(rsaPair); err != nil {
		return 0, errors.Wrap(err, "keystore: reconstructing rsa private exponent")
	} else {
		rsaPair.D = d
	}

	if err := child.CheckInvariants(fipsMode); err != nil {
		return 0, err
	}

	if !child.Flags.Migratable && priv.MigrationAuth != tpmProof {
		return 0, errors.Wrap(ErrInvalidKeyUsage, "non-migratable child's migrationAuth != tpmProof")
	}

	parentPCRBound := parentKey.ParentPCRStatus || IsPCRBound(parentKey)
	child.ParentPCRStatus = parentPCRBound

	return s.insert(child, rsaPair)
}

// CreateWrapKey generates a new RSA key pair (FIPS-aware), wraps it under
// parent, and assigns migrationAuth per §4.3: DM1 if migratable, tpmProof
// otherwise. usageAuth and migrationAuth arrive as the two already-ADIP-
// decrypted EncAuth values.
func CreateWrapKey(parentKey *Key, parentPriv *tpmcrypto.RSAKeyPair, tmpl *Key, usageAuth, migrationAuth, tpmProof, dm1 [20]byte, fipsMode bool) (*Key, []byte, error) {
	if parentKey.Usage != UsageStorage {
		return nil, nil, errors.Wrap(ErrInvalidKeyUsage, "parent is not a storage key")
	}

	bits := int(tmpl.AlgorithmParms.KeyBits)
	pair, err := tpmcrypto.RSAGen(bits, 65537)
	if err != nil {
		return nil, nil, errors.Wrap(err, "keystore: generating key")
	}

	k := &Key{
		VersionTag:     tmpl.VersionTag,
		Usage:          tmpl.Usage,
		Flags:          tmpl.Flags,
		AuthDataUsage:  tmpl.AuthDataUsage,
		AlgorithmParms: tmpl.AlgorithmParms,
		PCRInfoShort:   tmpl.PCRInfoShort,
		PCRInfoLong:    tmpl.PCRInfoLong,
		PublicModulus:  pair.N,
	}
	if err := k.CheckInvariants(fipsMode); err != nil {
		return nil, nil, err
	}

	// migrationAuth arrives ADIP-decrypted from the caller but §4.3 pins the
	// stored value to DM1 (migratable) or tpmProof (non-migratable); the
	// caller-supplied migrationAuth is not itself persisted.
	migAuth := tpmProof
	if k.Flags.Migratable {
		migAuth = dm1
	}
	_ = migrationAuth

	priv := &StoreAsymkey{
		PayloadType:   PayloadStorage,
		UsageAuth:     usageAuth,
		MigrationAuth: migAuth,
		PubDataDigest: k.PublicDigest(),
		P:             pair.P,
		Q:             pair.Q,
	}
	k.Private = priv

	plain := storeStoreAsymkey(priv)
	encData, err := tpmcrypto.RSAPublicEncryptOAEP(parentKey.PublicModulus, []byte{0x01, 0x00, 0x01}, "TCPA", plain)
	if err != nil {
		return nil, nil, errors.Wrap(err, "keystore: wrapping child under parent")
	}

	k.ParentPCRStatus = parentKey.ParentPCRStatus || IsPCRBound(parentKey)

	return k, encData, nil
}

// derivePrivateExponent reconstructs d from p, q, and the fixed public
// exponent 65537, since TPM_STORE_ASYMKEY only carries the prime factors.
func derivePrivateExponent(pair *tpmcrypto.RSAKeyPair) ([]byte, error) {
	p := new(big.Int).SetBytes(pair.P)
	q := new(big.Int).SetBytes(pair.Q)
	e := new(big.Int).SetBytes(pair.E)

	one := big.NewInt(1)
	pMinus1 := new(big.Int).Sub(p, one)
	qMinus1 := new(big.Int).Sub(q, one)
	phi := new(big.Int).Mul(pMinus1, qMinus1)

	d := new(big.Int).ModInverse(e, phi)
	if d == nil {
		return nil, errors.New("keystore: public exponent has no inverse mod phi(n)")
	}
	modLen := len(pair.N)
	return leftPad(d.Bytes(), modLen), nil
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b[len(b)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

func loadStoreAsymkey(plain []byte) (*StoreAsymkey, error) {
	r := wire.NewReader(plain)
	payloadType, err := r.LoadU8()
	if err != nil {
		return nil, err
	}
	p := &StoreAsymkey{PayloadType: payloadType}
	if err := r.LoadFixed(p.UsageAuth[:]); err != nil {
		return nil, err
	}
	if err := r.LoadFixed(p.MigrationAuth[:]); err != nil {
		return nil, err
	}
	if err := r.LoadFixed(p.PubDataDigest[:]); err != nil {
		return nil, err
	}
	p.P, err = r.LoadSized()
	if err != nil {
		return nil, err
	}
	p.Q, err = r.LoadSized()
	if err != nil {
		return nil, err
	}
	return p, nil
}

func storeStoreAsymkey(p *StoreAsymkey) []byte {
	w := wire.NewWriter()
	w.StoreU8(p.PayloadType)
	w.StoreBytes(p.UsageAuth[:])
	w.StoreBytes(p.MigrationAuth[:])
	w.StoreBytes(p.PubDataDigest[:])
	w.StoreSized(p.P)
	w.StoreSized(p.Q)
	return w.Bytes()
}
