// Package state implements PermanentState (§2 component 7, §6.5): the
// serialized aggregate of PermanentData, PermanentFlags, StClearFlags,
// StAnyFlags, the NvIndexTable, the AuthSessionTable, the PcrBank, and the
// loaded-key table, flushed through the NvStore capability as three
// independently-atomic blobs. This is the emulator-side concern of
// surviving process restarts — a real client connection never outlives one
// TCP session and has no persistence layer of its own — following
// libtpms' tpm_store.c TPM_STORE_BUFFER discipline: serialize into a
// growable buffer, tag every independently-versioned structure, and fail
// loudly on a tag mismatch rather than guess at a layout.
package state

import (
	"github.com/pkg/errors"

	"github.com/cyberus-technology/tpm12d/internal/config"
	"github.com/cyberus-technology/tpm12d/internal/keystore"
	"github.com/cyberus-technology/tpm12d/internal/nvram"
	"github.com/cyberus-technology/tpm12d/internal/pcr"
	"github.com/cyberus-technology/tpm12d/internal/sessions"
	"github.com/cyberus-technology/tpm12d/internal/store"
	"github.com/cyberus-technology/tpm12d/internal/tpmcrypto"
	"github.com/cyberus-technology/tpm12d/internal/wire"
)

// Blob key names under the NvStore capability (§6.3/§6.5).
const (
	KeyPermanent = "permanent"
	KeyVolatile  = "volatile"
	KeySaveState = "savestate"
)

// Structure tags. These are this emulator's own persisted-format
// discriminants, not TPM 1.2 wire tags (those live in internal/wire's
// Tag* constants) — chosen from a disjoint range so a stray permanent blob
// can never be mistaken for a wire frame.
const (
	TagPermanentV1  uint16 = 0x5001
	TagNVStateV2    uint16 = 0x5002
	TagSessionsV1   uint16 = 0x5003
	TagVolatileNVV1 uint16 = 0x5004
	TagSaveStateV1  uint16 = 0x5005
)

// ErrTagMismatch is returned, carrying wire.ErrTagMismatch's message text,
// for a tag mismatch in any of the three blobs —
// fatal per §6.5: a tag mismatch means the on-disk layout does not match
// this binary's understanding of it, and guessing at a migration is worse
// than refusing to start.
var ErrTagMismatch = errors.New("state: persisted blob tag mismatch")

// PermanentFlags mirrors TPM_PERMANENT_FLAGS (§3): sticky, sub-Clear policy
// bits that only change via an explicit administrative ordinal.
type PermanentFlags struct {
	Disable          bool
	Deactivated      bool
	Ownership        bool
	FIPS             bool
	NVLocked         bool
	AllowMaintenance bool
	ReadSRKPub       bool
	MaintenanceDone  bool
	Operator         bool
}

var permanentFlagPositions = []wire.BitPosition{
	{Name: "disable", Pos: 0},
	{Name: "deactivated", Pos: 1},
	{Name: "ownership", Pos: 2},
	{Name: "fips", Pos: 3},
	{Name: "nvLocked", Pos: 4},
	{Name: "allowMaintenance", Pos: 5},
	{Name: "readSRKPub", Pos: 6},
	{Name: "maintenanceDone", Pos: 7},
	{Name: "operator", Pos: 8},
}

func (f PermanentFlags) toMap() map[string]bool {
	return map[string]bool{
		"disable":          f.Disable,
		"deactivated":      f.Deactivated,
		"ownership":        f.Ownership,
		"fips":             f.FIPS,
		"nvLocked":         f.NVLocked,
		"allowMaintenance": f.AllowMaintenance,
		"readSRKPub":       f.ReadSRKPub,
		"maintenanceDone":  f.MaintenanceDone,
		"operator":         f.Operator,
	}
}

func permanentFlagsFromMap(m map[string]bool) PermanentFlags {
	return PermanentFlags{
		Disable:          m["disable"],
		Deactivated:      m["deactivated"],
		Ownership:        m["ownership"],
		FIPS:             m["fips"],
		NVLocked:         m["nvLocked"],
		AllowMaintenance: m["allowMaintenance"],
		ReadSRKPub:       m["readSRKPub"],
		MaintenanceDone:  m["maintenanceDone"],
		Operator:         m["operator"],
	}
}

// StClearFlags mirrors TPM_STCLEAR_FLAGS (§3): reset to zero on every
// Startup(ST_Clear).
type StClearFlags struct {
	BGlobalLock       bool
	Deactivated       bool
	PhysicalPresence  bool
	DisableForceClear bool
}

var stClearFlagPositions = []wire.BitPosition{
	{Name: "bGlobalLock", Pos: 0},
	{Name: "deactivated", Pos: 1},
	{Name: "physicalPresence", Pos: 2},
	{Name: "disableForceClear", Pos: 3},
}

func (f StClearFlags) toMap() map[string]bool {
	return map[string]bool{
		"bGlobalLock":       f.BGlobalLock,
		"deactivated":       f.Deactivated,
		"physicalPresence":  f.PhysicalPresence,
		"disableForceClear": f.DisableForceClear,
	}
}

func stClearFlagsFromMap(m map[string]bool) StClearFlags {
	return StClearFlags{
		BGlobalLock:       m["bGlobalLock"],
		Deactivated:       m["deactivated"],
		PhysicalPresence:  m["physicalPresence"],
		DisableForceClear: m["disableForceClear"],
	}
}

// StAnyFlags mirrors TPM_STANY_FLAGS (§3): reset on every Startup, of any
// kind.
type StAnyFlags struct {
	LocalityModifier uint8
}

// PermanentData mirrors TPM_PERMANENT_DATA (§3): the long-lived secrets and
// identity material that survive everything short of OwnerClear-induced
// regeneration.
type PermanentData struct {
	TPMProof  [20]byte
	OwnerAuth [20]byte

	EK     *keystore.Key
	EKPriv *tpmcrypto.RSAKeyPair

	SRK     *keystore.Key
	SRKPriv *tpmcrypto.RSAKeyPair

	// ManuMaintPub is the manufacturer's maintenance public key (N
	// component only; empty means no maintenance manufacturer is
	// configured). The counterpart private key never lives in TPM state —
	// see DESIGN.md's LoadMaintenanceArchive decryption-key decision.
	ManuMaintPub []byte

	NoOwnerNVWrite    uint32
	AuthDIR           [20]byte
	AllowLoadMaintPub bool
	OwnerInstalled    bool
}

// State is the full in-memory aggregate PermanentState serializes: every
// component §5's "single owned aggregate" names, assembled in one place so
// the dispatcher has one object to mutate and one pair of calls
// (LoadFromStore/Flush) to persist it.
type State struct {
	Flags   PermanentFlags
	Data    PermanentData
	StClear StClearFlags
	StAny   StAnyFlags

	NV       *nvram.Table
	Sessions *sessions.Table
	PCRs     *pcr.Bank
	Keys     *keystore.Store

	// SHA1Contexts holds the in-progress hash contexts SHA1Start/Update/
	// Complete manage across commands (§4.9), keyed by the handle the
	// dispatcher assigned.
	SHA1Contexts map[uint32]*tpmcrypto.SHA1Ctx

	// AuditDigest is the running audit-log digest the dispatcher folds every
	// audit-enabled ordinal's H_in/H_out into. It deliberately does not
	// travel through any of the three persisted blobs: no ordinal in this
	// emulator's scope reads it back out (no GetAuditDigest handler is
	// implemented), so a restart simply starting a fresh trail at zero costs
	// nothing a caller can observe.
	AuditDigest [20]byte
}

// NewFresh builds a brand-new State under cfg: a fresh tpmProof, a newly
// generated SRK and EK, no owner installed, and every other field at its
// zero value — the `tpm12d init-state` bootstrap path.
func NewFresh(cfg *config.Config) (*State, error) {
	proof, err := tpmcrypto.Rand(20)
	if err != nil {
		return nil, errors.Wrap(err, "state: generating tpmProof")
	}

	srkPair, err := tpmcrypto.RSAGen(2048, 65537)
	if err != nil {
		return nil, errors.Wrap(err, "state: generating SRK")
	}
	srk := &keystore.Key{
		VersionTag:    keystore.VersionV12,
		Usage:         keystore.UsageStorage,
		AuthDataUsage: keystore.AuthAlways,
		AlgorithmParms: keystore.AlgorithmParms{
			AlgorithmID: keystore.AlgRSA,
			EncScheme:   keystore.EsRSAEsOAEPSHA1MGF1,
			SigScheme:   keystore.SsNone,
			KeyBits:     2048,
		},
		PublicModulus: srkPair.N,
	}
	// The SRK sits at the root of the hierarchy, so there is no parent to
	// wrap a TPM_STORE_ASYMKEY under; its usageAuth ships as the TPM's
	// conventional well-known (all-zero) secret until TakeOwnership installs
	// the SRK auth the new owner supplies, matching how most TPM tooling
	// treats an unprotected SRK.
	srk.Private = &keystore.StoreAsymkey{PayloadType: keystore.PayloadStorage, PubDataDigest: srk.PublicDigest()}

	ekPair, err := tpmcrypto.RSAGen(2048, 65537)
	if err != nil {
		return nil, errors.Wrap(err, "state: generating EK")
	}
	ek := &keystore.Key{
		VersionTag:    keystore.VersionV12,
		Usage:         keystore.UsageIdentity,
		AuthDataUsage: keystore.AuthNever,
		AlgorithmParms: keystore.AlgorithmParms{
			AlgorithmID: keystore.AlgRSA,
			EncScheme:   keystore.EsNone,
			SigScheme:   keystore.SsNone,
			KeyBits:     2048,
		},
		PublicModulus: ekPair.N,
	}
	ek.Private = &keystore.StoreAsymkey{PayloadType: keystore.PayloadNone, PubDataDigest: ek.PublicDigest()}

	var tpmProof [20]byte
	copy(tpmProof[:], proof)

	s := &State{
		Data: PermanentData{
			TPMProof: tpmProof,
			SRK:      srk,
			SRKPriv:  srkPair,
			EK:       ek,
			EKPriv:   ekPair,
		},
		SHA1Contexts: make(map[uint32]*tpmcrypto.SHA1Ctx),
	}
	s.NV = nvram.New(cfg, &s.Flags.NVLocked, &s.StClear.BGlobalLock, &s.Data.NoOwnerNVWrite, &s.Data.AuthDIR)
	s.Sessions = sessions.NewTable(cfg.MaxSessions)
	s.PCRs = pcr.NewBank(cfg.NumPCRs)
	s.Keys = keystore.NewStore(cfg.MaxLoadedKeys)
	return s, nil
}

// Flush writes all three blobs to st. Per §5's ordering guarantee, a caller
// that returns success to a client after Flush has returned nil has
// satisfied "a return of success implies durability"; a partial failure
// (one blob written, the next erroring) is surfaced so the caller can
// refuse to acknowledge the command that triggered it.
func (s *State) Flush(st store.NvStore) error {
	if err := st.Write(KeyPermanent, s.storePermanent()); err != nil {
		return errors.Wrap(err, "state: flushing permanent blob")
	}
	if err := st.Write(KeyVolatile, s.storeVolatile()); err != nil {
		return errors.Wrap(err, "state: flushing volatile blob")
	}
	if err := st.Write(KeySaveState, s.storeSaveState()); err != nil {
		return errors.Wrap(err, "state: flushing savestate blob")
	}
	return nil
}

// LoadFromStore reconstructs a State from st. The "permanent" blob must
// exist (ErrNotFound propagates to the caller, who should fall back to
// NewFresh for first boot); "volatile" and "savestate" are optional — their
// absence just means no sessions/contexts survived, not a corrupt store.
func LoadFromStore(st store.NvStore, cfg *config.Config) (*State, error) {
	permBytes, err := st.Read(KeyPermanent)
	if err != nil {
		return nil, err
	}

	s := &State{SHA1Contexts: make(map[uint32]*tpmcrypto.SHA1Ctx)}
	if err := s.loadPermanent(cfg, permBytes); err != nil {
		return nil, errors.Wrap(err, "state: loading permanent blob")
	}

	s.Sessions = sessions.NewTable(cfg.MaxSessions)
	if volBytes, err := st.Read(KeyVolatile); err == nil {
		if err := s.loadVolatile(volBytes); err != nil {
			return nil, errors.Wrap(err, "state: loading volatile blob")
		}
	} else if errors.Cause(err) != store.ErrNotFound {
		return nil, errors.Wrap(err, "state: reading volatile blob")
	}

	s.Keys = keystore.NewStore(cfg.MaxLoadedKeys)
	if saveBytes, err := st.Read(KeySaveState); err == nil {
		if err := s.loadSaveState(saveBytes); err != nil {
			return nil, errors.Wrap(err, "state: loading savestate blob")
		}
	} else if errors.Cause(err) != store.ErrNotFound {
		return nil, errors.Wrap(err, "state: reading savestate blob")
	}

	return s, nil
}

// --- permanent blob ---------------------------------------------------

func (s *State) storePermanent() []byte {
	w := wire.NewWriter()
	w.StoreTag(TagPermanentV1)
	w.StoreBitmap(s.Flags.toMap(), permanentFlagPositions)
	w.StoreBytes(s.Data.TPMProof[:])
	w.StoreBytes(s.Data.OwnerAuth[:])
	storeOptionalKey(w, s.Data.EK, s.Data.EKPriv)
	storeOptionalKey(w, s.Data.SRK, s.Data.SRKPriv)
	w.StoreSized(s.Data.ManuMaintPub)
	w.StoreU32(s.Data.NoOwnerNVWrite)
	w.StoreBytes(s.Data.AuthDIR[:])
	w.StoreBool(s.Data.AllowLoadMaintPub)
	w.StoreBool(s.Data.OwnerInstalled)
	storeNVTable(w, s.NV)
	return w.Bytes()
}

func (s *State) loadPermanent(cfg *config.Config, b []byte) error {
	r := wire.NewReader(b)
	if err := r.LoadTag(TagPermanentV1); err != nil {
		return errors.Wrap(ErrTagMismatch, err.Error())
	}
	flagMap, err := r.LoadBitmap(permanentFlagPositions)
	if err != nil {
		return err
	}
	s.Flags = permanentFlagsFromMap(flagMap)

	if err := r.LoadFixed(s.Data.TPMProof[:]); err != nil {
		return err
	}
	if err := r.LoadFixed(s.Data.OwnerAuth[:]); err != nil {
		return err
	}

	s.Data.EK, s.Data.EKPriv, err = loadOptionalKey(r)
	if err != nil {
		return errors.Wrap(err, "state: loading EK")
	}
	s.Data.SRK, s.Data.SRKPriv, err = loadOptionalKey(r)
	if err != nil {
		return errors.Wrap(err, "state: loading SRK")
	}

	s.Data.ManuMaintPub, err = r.LoadSized()
	if err != nil {
		return err
	}
	s.Data.NoOwnerNVWrite, err = r.LoadU32()
	if err != nil {
		return err
	}
	if err := r.LoadFixed(s.Data.AuthDIR[:]); err != nil {
		return err
	}
	s.Data.AllowLoadMaintPub, err = r.LoadBool()
	if err != nil {
		return err
	}
	s.Data.OwnerInstalled, err = r.LoadBool()
	if err != nil {
		return err
	}

	s.NV = nvram.New(cfg, &s.Flags.NVLocked, &s.StClear.BGlobalLock, &s.Data.NoOwnerNVWrite, &s.Data.AuthDIR)
	entries, err := loadNVTable(r)
	if err != nil {
		return err
	}
	s.NV.Load(entries)
	return nil
}

func storeOptionalKey(w *wire.Writer, k *keystore.Key, priv *tpmcrypto.RSAKeyPair) {
	w.StoreBool(k != nil)
	if k == nil {
		return
	}
	k.Store(w, encodeRSAKeyPair(priv))
}

func loadOptionalKey(r *wire.Reader) (*keystore.Key, *tpmcrypto.RSAKeyPair, error) {
	present, err := r.LoadBool()
	if err != nil {
		return nil, nil, err
	}
	if !present {
		return nil, nil, nil
	}
	k, err := keystore.LoadKey(r, keystore.VersionV12)
	if err != nil {
		return nil, nil, err
	}
	priv, err := decodeRSAKeyPair(k.EncDataRaw)
	if err != nil {
		return nil, nil, err
	}
	k.EncDataRaw = nil
	k.Private = &keystore.StoreAsymkey{PayloadType: keystore.PayloadStorage, PubDataDigest: k.PublicDigest()}
	return k, priv, nil
}

// encodeRSAKeyPair/decodeRSAKeyPair serialize a full RSAKeyPair in the
// clear. This is the emulator's own persisted-state representation, not a
// TPM_STORE_ASYMKEY wire blob: there is no parent key to wrap the SRK/EK
// private halves with, since they sit at the root of the key hierarchy —
// the same reasoning tpm_store.c's permanent-data save path applies to
// TPM_PERMANENT_DATA.rsaPrivateKey, kept in the clear inside the
// implementation's own trust boundary.
func encodeRSAKeyPair(pair *tpmcrypto.RSAKeyPair) []byte {
	w := wire.NewWriter()
	w.StoreSized(pair.N)
	w.StoreSized(pair.E)
	w.StoreSized(pair.D)
	w.StoreSized(pair.P)
	w.StoreSized(pair.Q)
	return w.Bytes()
}

func decodeRSAKeyPair(b []byte) (*tpmcrypto.RSAKeyPair, error) {
	r := wire.NewReader(b)
	pair := &tpmcrypto.RSAKeyPair{}
	var err error
	if pair.N, err = r.LoadSized(); err != nil {
		return nil, err
	}
	if pair.E, err = r.LoadSized(); err != nil {
		return nil, err
	}
	if pair.D, err = r.LoadSized(); err != nil {
		return nil, err
	}
	if pair.P, err = r.LoadSized(); err != nil {
		return nil, err
	}
	if pair.Q, err = r.LoadSized(); err != nil {
		return nil, err
	}
	return pair, nil
}

var nvEntryAttrPositions = []wire.BitPosition{
	{Name: "ppRead", Pos: 0},
	{Name: "ppWrite", Pos: 1},
	{Name: "ownerRead", Pos: 2},
	{Name: "ownerWrite", Pos: 3},
	{Name: "authRead", Pos: 4},
	{Name: "authWrite", Pos: 5},
	{Name: "writeDefine", Pos: 6},
	{Name: "writeAll", Pos: 7},
	{Name: "writeSTClear", Pos: 8},
	{Name: "readSTClear", Pos: 9},
	{Name: "globalLock", Pos: 10},
}

func attrsToMap(a nvram.Attributes) map[string]bool {
	return map[string]bool{
		"ppRead":       a.PPRead,
		"ppWrite":      a.PPWrite,
		"ownerRead":    a.OwnerRead,
		"ownerWrite":   a.OwnerWrite,
		"authRead":     a.AuthRead,
		"authWrite":    a.AuthWrite,
		"writeDefine":  a.WriteDefine,
		"writeAll":     a.WriteAll,
		"writeSTClear": a.WriteSTClear,
		"readSTClear":  a.ReadSTClear,
		"globalLock":   a.GlobalLock,
	}
}

func attrsFromMap(m map[string]bool) nvram.Attributes {
	return nvram.Attributes{
		PPRead:       m["ppRead"],
		PPWrite:      m["ppWrite"],
		OwnerRead:    m["ownerRead"],
		OwnerWrite:   m["ownerWrite"],
		AuthRead:     m["authRead"],
		AuthWrite:    m["authWrite"],
		WriteDefine:  m["writeDefine"],
		WriteAll:     m["writeAll"],
		WriteSTClear: m["writeSTClear"],
		ReadSTClear:  m["readSTClear"],
		GlobalLock:   m["globalLock"],
	}
}

// storeNVTable serializes the durable portion of every defined NV index
// (§6.5: tagged NVSTATE_NV_V2; GPIO-range indexes omit their data body since
// that storage belongs to the Platform capability, not this blob). The
// volatile latch bits (bReadSTClear/bWriteSTClear/bWriteDefine) travel in
// the "volatile" blob instead — see storeVolatileNV.
func storeNVTable(w *wire.Writer, nv *nvram.Table) {
	w.StoreTag(TagNVStateV2)
	entries := nv.Entries()
	w.StoreU32(uint32(len(entries)))
	for _, e := range entries {
		w.StoreU32(e.NvIndex)
		w.StoreBitmap(attrsToMap(e.Attributes), nvEntryAttrPositions)

		readW := wire.NewWriter()
		e.PCRInfoRead.Store(readW)
		w.StoreSized(readW.Bytes())

		writeW := wire.NewWriter()
		e.PCRInfoWrite.Store(writeW)
		w.StoreSized(writeW.Bytes())

		w.StoreU32(e.DataSize)
		if nv.IsGPIOIndex(e.NvIndex) {
			w.StoreSized(nil)
		} else {
			w.StoreSized(e.Data)
		}
		w.StoreBytes(e.AuthValue[:])
		w.StoreBytes(e.Digest[:])
	}
}

func loadNVTable(r *wire.Reader) ([]*nvram.Entry, error) {
	if err := r.LoadTag(TagNVStateV2); err != nil {
		return nil, errors.Wrap(ErrTagMismatch, err.Error())
	}
	count, err := r.LoadU32()
	if err != nil {
		return nil, err
	}
	entries := make([]*nvram.Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		e := &nvram.Entry{}
		e.NvIndex, err = r.LoadU32()
		if err != nil {
			return nil, err
		}
		attrMap, err := r.LoadBitmap(nvEntryAttrPositions)
		if err != nil {
			return nil, err
		}
		e.Attributes = attrsFromMap(attrMap)

		readBytes, err := r.LoadSized()
		if err != nil {
			return nil, err
		}
		pr := wire.NewReader(readBytes)
		e.PCRInfoRead, err = pcr.LoadInfoShort(pr)
		if err != nil {
			return nil, err
		}

		writeBytes, err := r.LoadSized()
		if err != nil {
			return nil, err
		}
		pw := wire.NewReader(writeBytes)
		e.PCRInfoWrite, err = pcr.LoadInfoShort(pw)
		if err != nil {
			return nil, err
		}

		e.DataSize, err = r.LoadU32()
		if err != nil {
			return nil, err
		}
		e.Data, err = r.LoadSized()
		if err != nil {
			return nil, err
		}
		if len(e.Data) == 0 && e.DataSize > 0 {
			e.Data = make([]byte, e.DataSize)
		}
		if err := r.LoadFixed(e.AuthValue[:]); err != nil {
			return nil, err
		}
		if err := r.LoadFixed(e.Digest[:]); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// --- volatile blob ------------------------------------------------------

// storeVolatile serializes the AuthSessionTable plus each NV index's
// volatile latch bits, in NvIndex order matching storeNVTable's emission
// order (§6.5: "session table — entries with full nonces and derived keys
// — plus volatile NV flags", tagged SESSIONS_V1 / NV_INDEX_ENTRIES_VOLATILE_V1).
func (s *State) storeVolatile() []byte {
	w := wire.NewWriter()

	w.StoreTag(TagSessionsV1)
	live := s.Sessions.Live()
	w.StoreU32(uint32(len(live)))
	for _, sess := range live {
		w.StoreU32(sess.Handle)
		w.StoreU8(uint8(sess.Protocol))
		w.StoreU16(sess.EntityType)
		w.StoreU32(sess.EntityHandle)
		w.StoreBytes(sess.NonceEven[:])
		w.StoreBytes(sess.SharedSecret[:])
		w.StoreU8(uint8(sess.ADIPScheme))
		w.StoreBool(sess.ContinueAuthSession)
	}
	w.StoreU32(s.Sessions.NextSeq())

	w.StoreTag(TagVolatileNVV1)
	entries := s.NV.Entries()
	w.StoreU32(uint32(len(entries)))
	for _, e := range entries {
		w.StoreU32(e.NvIndex)
		w.StoreBool(e.ReadSTClearLatched())
		w.StoreBool(e.WriteSTClearLatched())
		w.StoreBool(e.WriteDefineLatched())
	}

	w.StoreBytes(encodePCRBank(s.PCRs))
	return w.Bytes()
}

func (s *State) loadVolatile(b []byte) error {
	r := wire.NewReader(b)
	if err := r.LoadTag(TagSessionsV1); err != nil {
		return errors.Wrap(ErrTagMismatch, err.Error())
	}
	n, err := r.LoadU32()
	if err != nil {
		return err
	}
	live := make([]*sessions.Session, 0, n)
	for i := uint32(0); i < n; i++ {
		sess := &sessions.Session{}
		if sess.Handle, err = r.LoadU32(); err != nil {
			return err
		}
		proto, err := r.LoadU8()
		if err != nil {
			return err
		}
		sess.Protocol = sessions.Protocol(proto)
		if sess.EntityType, err = r.LoadU16(); err != nil {
			return err
		}
		if sess.EntityHandle, err = r.LoadU32(); err != nil {
			return err
		}
		if err := r.LoadFixed(sess.NonceEven[:]); err != nil {
			return err
		}
		if err := r.LoadFixed(sess.SharedSecret[:]); err != nil {
			return err
		}
		scheme, err := r.LoadU8()
		if err != nil {
			return err
		}
		sess.ADIPScheme = sessions.ADIPScheme(scheme)
		if sess.ContinueAuthSession, err = r.LoadBool(); err != nil {
			return err
		}
		live = append(live, sess)
	}
	nextSeq, err := r.LoadU32()
	if err != nil {
		return err
	}
	s.Sessions.Restore(live, nextSeq)

	if err := r.LoadTag(TagVolatileNVV1); err != nil {
		return errors.Wrap(ErrTagMismatch, err.Error())
	}
	nvCount, err := r.LoadU32()
	if err != nil {
		return err
	}
	byIndex := make(map[uint32]*nvram.Entry, s.NV.Count())
	for _, e := range s.NV.Entries() {
		byIndex[e.NvIndex] = e
	}
	for i := uint32(0); i < nvCount; i++ {
		nvIndex, err := r.LoadU32()
		if err != nil {
			return err
		}
		readSTClear, err := r.LoadBool()
		if err != nil {
			return err
		}
		writeSTClear, err := r.LoadBool()
		if err != nil {
			return err
		}
		writeDefine, err := r.LoadBool()
		if err != nil {
			return err
		}
		if e, ok := byIndex[nvIndex]; ok {
			e.SetVolatileLatches(readSTClear, writeSTClear, writeDefine)
		}
	}

	return decodePCRBank(r, s.PCRs)
}

func encodePCRBank(b *pcr.Bank) []byte {
	w := wire.NewWriter()
	regs := b.Snapshot()
	w.StoreU32(uint32(len(regs)))
	for _, reg := range regs {
		w.StoreBytes(reg[:])
	}
	return w.Bytes()
}

func decodePCRBank(r *wire.Reader, b *pcr.Bank) error {
	n, err := r.LoadU32()
	if err != nil {
		return err
	}
	regs := make([][20]byte, n)
	for i := range regs {
		if err := r.LoadFixed(regs[i][:]); err != nil {
			return err
		}
	}
	b.Restore(regs)
	return nil
}

// --- savestate blob -------------------------------------------------------

// storeSaveState serializes StClearFlags, StAnyFlags, every active SHA-1
// context, and every loaded key with Flags.Volatile=true (§6.5).
func (s *State) storeSaveState() []byte {
	w := wire.NewWriter()
	w.StoreTag(TagSaveStateV1)
	w.StoreBitmap(s.StClear.toMap(), stClearFlagPositions)
	w.StoreU8(s.StAny.LocalityModifier)

	w.StoreU32(uint32(len(s.SHA1Contexts)))
	for handle, ctx := range s.SHA1Contexts {
		w.StoreU32(handle)
		w.StoreSized(ctx.Save())
	}

	live := s.Keys.Live()
	volatile := make([]keystore.LiveEntry, 0, len(live))
	for _, le := range live {
		if le.Key.Flags.Volatile {
			volatile = append(volatile, le)
		}
	}
	w.StoreU32(uint32(len(volatile)))
	for _, le := range volatile {
		w.StoreU32(le.Handle)
		var encData []byte
		if le.Priv != nil {
			encData = encodeRSAKeyPair(le.Priv)
		}
		le.Key.Store(w, encData)
		w.StoreBool(le.Priv != nil)
	}
	w.StoreU32(s.Keys.NextSeq())

	return w.Bytes()
}

func (s *State) loadSaveState(b []byte) error {
	r := wire.NewReader(b)
	if err := r.LoadTag(TagSaveStateV1); err != nil {
		return errors.Wrap(ErrTagMismatch, err.Error())
	}
	flagMap, err := r.LoadBitmap(stClearFlagPositions)
	if err != nil {
		return err
	}
	s.StClear = stClearFlagsFromMap(flagMap)
	s.StAny.LocalityModifier, err = r.LoadU8()
	if err != nil {
		return err
	}

	ctxCount, err := r.LoadU32()
	if err != nil {
		return err
	}
	s.SHA1Contexts = make(map[uint32]*tpmcrypto.SHA1Ctx, ctxCount)
	for i := uint32(0); i < ctxCount; i++ {
		handle, err := r.LoadU32()
		if err != nil {
			return err
		}
		saved, err := r.LoadSized()
		if err != nil {
			return err
		}
		ctx, err := tpmcrypto.RestoreSHA1(saved)
		if err != nil {
			return errors.Wrap(err, "state: restoring SHA-1 context")
		}
		s.SHA1Contexts[handle] = ctx
	}

	keyCount, err := r.LoadU32()
	if err != nil {
		return err
	}
	live := make([]keystore.LiveEntry, 0, keyCount)
	for i := uint32(0); i < keyCount; i++ {
		handle, err := r.LoadU32()
		if err != nil {
			return err
		}
		k, err := keystore.LoadKey(r, keystore.VersionV12)
		if err != nil {
			return err
		}
		havePriv, err := r.LoadBool()
		if err != nil {
			return err
		}
		var priv *tpmcrypto.RSAKeyPair
		if havePriv {
			priv, err = decodeRSAKeyPair(k.EncDataRaw)
			if err != nil {
				return err
			}
		}
		k.EncDataRaw = nil
		live = append(live, keystore.LiveEntry{Handle: handle, Key: k, Priv: priv})
	}
	nextSeq, err := r.LoadU32()
	if err != nil {
		return err
	}
	s.Keys.Restore(live, nextSeq)
	return nil
}
