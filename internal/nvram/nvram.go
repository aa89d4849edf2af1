// Package nvram implements NvIndexTable (§4.5): a sparse, fixed-budget table
// of NV-defined storage spaces, the attribute-conflict validation
// NV_DefineSpace enforces, and the authorization gating NV_ReadValue(Auth)/
// NV_WriteValue(Auth) apply before and after TPM_NV_DEFINED_SPACE locks. It
// uses the same fixed-capacity handle-table shape as internal/keystore's
// Store and internal/sessions' Table, keyed by nvIndex rather than a
// sequential handle, and follows libtpms' tpm_nvram.c for the per-bit
// semantics.
package nvram

import (
	"github.com/pkg/errors"

	"github.com/cyberus-technology/tpm12d/internal/config"
	"github.com/cyberus-technology/tpm12d/internal/pcr"
	"github.com/cyberus-technology/tpm12d/internal/platform"
	"github.com/cyberus-technology/tpm12d/internal/tpmcrypto"
	"github.com/cyberus-technology/tpm12d/internal/wire"
)

// Reserved nvIndex values, per §6.1.
const (
	IndexLock uint32 = wire.NVIndexLock
	IndexDIR  uint32 = wire.NVIndexDIR
	IndexZero uint32 = wire.NVIndexZero
)

// gpioSubRangeBase/gpioSubRangeTop bound the GPIO index sub-range this
// platform profile recognizes, mirroring the PC-Client GPIO range
// tpm_nvram.c treats as a compile-time platform choice (§9 open question,
// resolved in DESIGN.md as AllowGPIONV).
const (
	gpioSubRangeBase     uint32 = 0x00011100
	gpioSubRangeTop      uint32 = 0x000111FF
	pcClientSubRangeBase uint32 = 0x00010000
	pcClientSubRangeTop  uint32 = 0x0001FFFF
)

// Attribute bits, per §3 NvIndexEntry.permission.attributes.
type Attributes struct {
	PPRead       bool
	PPWrite      bool
	OwnerRead    bool
	OwnerWrite   bool
	AuthRead     bool
	AuthWrite    bool
	WriteDefine  bool
	WriteAll     bool
	WriteSTClear bool
	ReadSTClear  bool
	GlobalLock   bool
}

// Entry is one NvIndexEntry (§3).
type Entry struct {
	NvIndex      uint32
	PCRInfoRead  pcr.InfoShort
	PCRInfoWrite pcr.InfoShort
	Attributes   Attributes

	bReadSTClear  bool
	bWriteSTClear bool
	bWriteDefine  bool

	DataSize  uint32
	Data      []byte
	AuthValue [20]byte
	Digest    [20]byte
}

// OwnerState is the subset of PermanentFlags/PermanentData this package
// consults: whether an owner is installed, and disable/deactivated policy.
type OwnerState struct {
	OwnerInstalled bool
	Disable        bool
	Deactivated    bool
}

var (
	// ErrBadIndex is returned for nvIndex values the valid-index predicate
	// rejects (lock sentinel, reserved bit, or out-of-purview sub-range).
	ErrBadIndex = errors.New("nvram: invalid nvIndex")
	// ErrAuthConflict covers §4.5 step 3's two attribute-conflict cases and
	// DefineSpace's owner-installed-but-no-owner-auth case.
	ErrAuthConflict = errors.New("nvram: authorization attribute conflict")
	// ErrPerNoWrite is returned when an index defines no writeability at
	// all.
	ErrPerNoWrite = errors.New("nvram: no writeability granted")
	// ErrBadDataSize is returned for a zero-size define without owner auth.
	ErrBadDataSize = errors.New("nvram: bad data size")
	// ErrNoSpace covers both the defined-space budget and a write exceeding
	// an index's declared dataSize.
	ErrNoSpace = errors.New("nvram: insufficient NV space")
	// ErrMaxNVWrites is returned once the no-owner write counter would
	// exceed the platform maximum.
	ErrMaxNVWrites = errors.New("nvram: no-owner NV write budget exhausted")
	// ErrAreaLocked covers WRITEDEFINE latch, WRITE_STCLEAR latch, and
	// GLOBALLOCK gating.
	ErrAreaLocked = errors.New("nvram: area locked")
	// ErrNotFullWrite is returned for a partial write to a WRITEALL index.
	ErrNotFullWrite = errors.New("nvram: partial write to write-all index")
	// ErrNoNVPermission covers disable/deactivated/physical-presence gating
	// on an otherwise-valid index.
	ErrNoNVPermission = errors.New("nvram: permission denied")
	// ErrBadPresence is returned when a PPREAD/PPWRITE index is accessed
	// without physical presence asserted.
	ErrBadPresence = errors.New("nvram: physical presence required")
	// ErrNotFound is returned by Read/Write for an nvIndex with no defined
	// space.
	ErrNotFound = errors.New("nvram: index not defined")
	// ErrReadSTClearDisabled is returned by Read once a prior zero-length
	// read has latched bReadSTClear on a READSTCLEAR index, until the next
	// Startup(ST_Clear).
	ErrReadSTClearDisabled = errors.New("nvram: read disabled until next startup")
)

// Table is the NvIndexTable (§4.5): a fixed-capacity set of Entry slots
// bounded by a total serialized-size budget rather than a slot count.
type Table struct {
	cfg     *config.Config
	entries []*Entry

	nvLocked       *bool
	globalLock     *bool
	noOwnerNVWrite *uint32
	authDIR        *[20]byte
}

// New returns an empty Table governed by cfg. nvLocked/globalLock/
// noOwnerWrite/authDIR are pointers into the caller's PermanentFlags/
// StClearFlags/PermanentData so this package can read and mutate that
// shared state directly, the same "exclusively owned, borrowed under a
// dispatcher-held lock" pattern §3 describes for the NvIndexTable as a
// whole.
func New(cfg *config.Config, nvLocked, globalLock *bool, noOwnerNVWrite *uint32, authDIR *[20]byte) *Table {
	return &Table{cfg: cfg, nvLocked: nvLocked, globalLock: globalLock, noOwnerNVWrite: noOwnerNVWrite, authDIR: authDIR}
}

// DirWriteAuth implements the DirWriteAuth ordinal (§2, §8 scenario 6):
// always requires owner authorization and exactly 20 bytes, independent of
// the NvIndexTable's defined-space entries — authDIR[0] lives directly in
// PermanentData.
func (t *Table) DirWriteAuth(ownerAuthPresent bool, data [20]byte) error {
	if !ownerAuthPresent {
		return errors.Wrap(ErrAuthConflict, "DirWriteAuth requires owner auth")
	}
	*t.authDIR = data
	return nil
}

// DirRead implements the DirRead ordinal: no authorization required.
func (t *Table) DirRead() [20]byte {
	return *t.authDIR
}

// Count returns the number of defined indexes.
func (t *Table) Count() int { return len(t.entries) }

// validIndex implements §4.5's valid-index predicate.
func (t *Table) validIndex(nvIndex uint32) bool {
	if nvIndex == IndexLock {
		return false
	}
	if nvIndex&0x80000000 != 0 {
		return false
	}
	if nvIndex >= pcClientSubRangeBase && nvIndex <= pcClientSubRangeTop {
		if nvIndex >= gpioSubRangeBase && nvIndex <= gpioSubRangeTop {
			return t.cfg.AllowGPIONV
		}
		return t.cfg.AllowPCClientNV
	}
	return true
}

func (t *Table) isGPIO(nvIndex uint32) bool {
	return nvIndex >= gpioSubRangeBase && nvIndex <= gpioSubRangeTop
}

func (t *Table) find(nvIndex uint32) *Entry {
	for _, e := range t.entries {
		if e.NvIndex == nvIndex {
			return e
		}
	}
	return nil
}

// serializedSize measures the defined-space budget consumption: the sum of
// every entry's declared dataSize (§4.5's "serializing the table and
// measuring" free-space check, simplified to the data payload itself since
// the fixed-width header fields are budget-irrelevant per index count).
func (t *Table) serializedSize() int {
	total := 0
	for _, e := range t.entries {
		total += int(e.DataSize)
	}
	return total
}

// locAll is TPM_LOC_ALL: all five TPM 1.2 localities selected, i.e. no
// locality restriction on write.
const locAll uint8 = 0x1F

// checkWriteability implements §4.5 step 3's third bullet: an index that
// grants no writeability whatsoever is rejected outright. Mirrors
// tpm_nvram.c's writeLocalities computation: a pcrInfoWrite.localityAtRelease
// narrower than TPM_LOC_ALL is itself a (locality-gated) write path, so it
// only counts toward PER_NOWRITE when it is exactly TPM_LOC_ALL.
func checkWriteability(attrs Attributes, pcrWrite pcr.InfoShort) error {
	writeLocalities := pcrWrite.LocalityAtRelease != locAll
	if !attrs.OwnerWrite && !attrs.AuthWrite && !attrs.WriteDefine && !attrs.PPWrite && !writeLocalities {
		return ErrPerNoWrite
	}
	return nil
}

// DefineSpace implements NV_DefineSpace (§4.5 steps 1-7).
//
// ownerAuthPresent reports whether the command carried a verified owner
// authorization (required whenever an owner is installed); physical
// presence/noOwnerNVWrite bookkeeping covers the no-owner path.
func (t *Table) DefineSpace(owner OwnerState, physicalPresence bool, ownerAuthPresent bool, nvIndex uint32, attrs Attributes, pcrRead, pcrWrite pcr.InfoShort, dataSize uint32, encAuth [20]byte) error {
	if nvIndex == IndexLock {
		*t.nvLocked = true
		return nil
	}
	if !t.validIndex(nvIndex) {
		return ErrBadIndex
	}

	if !owner.OwnerInstalled {
		if !physicalPresence {
			return errors.Wrap(ErrNoNVPermission, "no owner: physical presence required")
		}
		if dataSize == 0 {
			return ErrBadDataSize
		}
		if err := t.bumpNoOwnerWrite(); err != nil {
			return err
		}
	} else if !ownerAuthPresent {
		return errors.Wrap(ErrAuthConflict, "owner installed: OSAP session required")
	}

	if attrs.OwnerWrite && attrs.AuthWrite {
		return ErrAuthConflict
	}
	if attrs.OwnerRead && attrs.AuthRead {
		return ErrAuthConflict
	}
	if err := checkWriteability(attrs, pcrWrite); err != nil {
		return err
	}
	if dataSize == 0 && !owner.OwnerInstalled {
		return ErrBadDataSize
	}

	existing := t.find(nvIndex)
	isDelete := dataSize == 0 && owner.OwnerInstalled
	if existing != nil {
		t.remove(nvIndex)
		if isDelete {
			return nil
		}
	} else if isDelete {
		return nil
	}

	newTotal := t.serializedSize() + int(dataSize)
	if newTotal > t.cfg.NVBudgetBytes {
		return ErrNoSpace
	}

	data := make([]byte, dataSize)
	for i := range data {
		data[i] = 0xFF
	}

	e := &Entry{
		NvIndex:      nvIndex,
		Attributes:   attrs,
		PCRInfoRead:  pcrRead,
		PCRInfoWrite: pcrWrite,
		DataSize:     dataSize,
		Data:         data,
		AuthValue:    encAuth,
		Digest:       digestFor(nvIndex, encAuth),
	}
	t.entries = append(t.entries, e)
	return nil
}

func digestFor(nvIndex uint32, authValue [20]byte) [20]byte {
	w := wire.NewWriter()
	w.StoreU32(nvIndex)
	return [20]byte(tpmcrypto.SHA1(w.Bytes(), authValue[:]))
}

func (t *Table) remove(nvIndex uint32) {
	for i, e := range t.entries {
		if e.NvIndex == nvIndex {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

func (t *Table) bumpNoOwnerWrite() error {
	if *t.noOwnerNVWrite+1 > t.cfg.MaxNoOwnerWrites {
		return ErrMaxNVWrites
	}
	*t.noOwnerNVWrite++
	return nil
}

// AuthContext is the gating inputs Read/Write need beyond the entry itself:
// current locality, physical presence, owner-auth presence (AUTHREAD/
// AUTHWRITE is satisfied by the entry's own authValue HMAC, verified by the
// dispatcher before calling in; an owner-bound read/write instead asserts
// ownerAuthPresent), and the owner's disable/deactivated policy.
type AuthContext struct {
	Locality         uint8
	PhysicalPresence bool
	OwnerAuthPresent bool
	AuthDataPresent  bool
	Owner            OwnerState
	PCRs             *pcr.Bank
}

// Read implements NV_ReadValue(Auth) (§4.5 Read/Write bullets, read side).
func (t *Table) Read(ctx AuthContext, plat platform.Platform, nvIndex uint32, offset, length uint32) ([]byte, error) {
	if t.isGPIO(nvIndex) {
		if !t.validIndex(nvIndex) {
			return nil, ErrBadIndex
		}
		return plat.GPIORead(nvIndex, int(length))
	}

	e := t.find(nvIndex)
	if e == nil {
		return nil, ErrNotFound
	}

	if *t.nvLocked {
		if e.Attributes.OwnerRead {
			if ctx.Owner.Disable {
				return nil, errors.Wrap(ErrNoNVPermission, "disable")
			}
			if ctx.Owner.Deactivated {
				return nil, errors.Wrap(ErrNoNVPermission, "deactivated")
			}
		}
		if e.Attributes.PPRead && !ctx.PhysicalPresence {
			return nil, ErrBadPresence
		}
		if e.Attributes.GlobalLock && *t.globalLock {
			return nil, ErrAreaLocked
		}
		if !e.PCRInfoRead.Selection.Empty() {
			if err := pcr.CheckInfoShort(ctx.PCRs, e.PCRInfoRead, ctx.Locality); err != nil {
				return nil, err
			}
		}
	}

	if e.Attributes.ReadSTClear && e.bReadSTClear && length > 0 {
		return nil, ErrReadSTClearDisabled
	}

	if length == 0 && e.Attributes.ReadSTClear {
		e.bReadSTClear = true
		return []byte{}, nil
	}

	if int(offset+length) > len(e.Data) {
		return nil, ErrNoSpace
	}
	out := make([]byte, length)
	copy(out, e.Data[offset:offset+length])
	return out, nil
}

// Write implements NV_WriteValue(Auth) (§4.5 Read/Write bullets, write
// side), including wearout avoidance and WRITEDEFINE/WRITEALL/GLOBALLOCK
// latching. DIR access goes through DirWriteAuth/DirRead instead — DIR is
// a PermanentData field, not a defined-space entry.
func (t *Table) Write(ctx AuthContext, plat platform.Platform, nvIndex uint32, offset uint32, data []byte) error {
	if t.isGPIO(nvIndex) {
		if !t.validIndex(nvIndex) {
			return ErrBadIndex
		}
		if !ctx.Owner.OwnerInstalled {
			if err := t.bumpNoOwnerWrite(); err != nil {
				return err
			}
		}
		return plat.GPIOWrite(nvIndex, data)
	}

	if nvIndex == IndexZero && len(data) == 0 {
		*t.globalLock = true
		return nil
	}

	e := t.find(nvIndex)
	if e == nil {
		return ErrNotFound
	}

	if *t.nvLocked {
		if e.Attributes.OwnerWrite {
			if ctx.Owner.Disable {
				return errors.Wrap(ErrNoNVPermission, "disable")
			}
			if ctx.Owner.Deactivated {
				return errors.Wrap(ErrNoNVPermission, "deactivated")
			}
		}
		if e.Attributes.PPWrite && !ctx.PhysicalPresence {
			return ErrBadPresence
		}
		if e.Attributes.GlobalLock && *t.globalLock {
			return ErrAreaLocked
		}
		if e.bWriteDefine && len(data) > 0 {
			return ErrAreaLocked
		}
		if !e.PCRInfoWrite.Selection.Empty() {
			if err := pcr.CheckInfoShort(ctx.PCRs, e.PCRInfoWrite, ctx.Locality); err != nil {
				return err
			}
		}
	}

	if e.Attributes.WriteSTClear && e.bWriteSTClear && len(data) > 0 {
		return ErrAreaLocked
	}

	if !ctx.Owner.OwnerInstalled {
		if err := t.bumpNoOwnerWrite(); err != nil {
			return err
		}
	}

	if len(data) == 0 {
		if e.Attributes.WriteSTClear {
			e.bWriteSTClear = true
		}
		if e.Attributes.WriteDefine {
			e.bWriteDefine = true
		}
		return nil
	}

	if e.Attributes.WriteAll && (offset != 0 || len(data) != int(e.DataSize)) {
		return ErrNotFullWrite
	}
	if int(offset)+len(data) > int(e.DataSize) {
		return ErrNoSpace
	}

	dirty := false
	for i, b := range data {
		if e.Data[int(offset)+i] != b {
			dirty = true
			break
		}
	}
	if dirty {
		copy(e.Data[offset:], data)
	}
	return nil
}

// StartupClear resets the volatile bReadSTClear/bWriteSTClear bits and
// StClearFlags.bGlobalLock on every entry, per §4.5 property 7 ("After
// Startup(ST_Clear), for every NV index bReadSTClear=bWriteSTClear=false
// and StClearFlags.bGlobalLock=false").
func (t *Table) StartupClear() {
	for _, e := range t.entries {
		e.bReadSTClear = false
		e.bWriteSTClear = false
	}
	*t.globalLock = false
}

// Entries exposes the live defined spaces for PermanentState serialization
// (§6.5) and test assertions.
func (t *Table) Entries() []*Entry { return t.entries }

// ReadSTClearLatched, WriteSTClearLatched, and WriteDefineLatched expose the
// volatile per-entry latch bits for PermanentState serialization — these
// bits live in the "volatile" blob (§6.5), not "permanent", so the caller
// serializes them separately from the entry's durable fields.
func (e *Entry) ReadSTClearLatched() bool  { return e.bReadSTClear }
func (e *Entry) WriteSTClearLatched() bool { return e.bWriteSTClear }
func (e *Entry) WriteDefineLatched() bool  { return e.bWriteDefine }

// SetVolatileLatches restores an entry's volatile latch bits when
// reconstructing a Table from persisted "permanent" + "volatile" blobs.
func (e *Entry) SetVolatileLatches(readSTClear, writeSTClear, writeDefine bool) {
	e.bReadSTClear = readSTClear
	e.bWriteSTClear = writeSTClear
	e.bWriteDefine = writeDefine
}

// IsGPIOIndex reports whether nvIndex falls in the GPIO sub-range this
// platform profile recognizes — exported so PermanentState serialization
// can omit GPIO data bodies (§6.5: "each entry omits GPIO data bodies",
// since GPIO storage lives in the Platform capability, not the TPM's own
// persisted state).
func (t *Table) IsGPIOIndex(nvIndex uint32) bool { return t.isGPIO(nvIndex) }

// Load installs entries directly, bypassing DefineSpace's validation —
// used by internal/state when reconstructing a Table from a persisted
// blob that was already validated when originally defined.
func (t *Table) Load(entries []*Entry) { t.entries = entries }
