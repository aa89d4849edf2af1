// Package pcr implements the PcrBank capability (§4.4): an array of
// platform configuration registers, the selection bitmap used to name a
// subset of them, and the composite-hash gating SealEnvelope/KeyStore
// consult before releasing a secret. It follows the usual
// selection-then-concatenate-then-hash shape, but owns the register array
// outright rather than fetching values from a kernel driver.
package pcr

import (
	"github.com/pkg/errors"

	"github.com/cyberus-technology/tpm12d/internal/tpmcrypto"
	"github.com/cyberus-technology/tpm12d/internal/wire"
)

// ErrBadIndex is returned for a PCR index outside the bank's configured
// range.
var ErrBadIndex = errors.New("pcr: index out of range")

// ErrWrongPCRValue is returned by CheckDigest when the recomputed composite
// hash does not match digestAtRelease.
var ErrWrongPCRValue = errors.New("pcr: composite hash mismatch")

// ErrBadLocality is returned by CheckDigest when the current locality is not
// a member of localityAtRelease.
var ErrBadLocality = errors.New("pcr: locality not permitted")

// Bank is a fixed-size array of 20-byte, extend-only registers.
type Bank struct {
	regs [][20]byte
}

// NewBank returns a Bank with n registers (16..24 per §4.4), all zeroed.
func NewBank(n int) *Bank {
	return &Bank{regs: make([][20]byte, n)}
}

// Count returns the number of registers in the bank.
func (b *Bank) Count() int { return len(b.regs) }

// Read returns the current value of pcr.
func (b *Bank) Read(pcr int) ([20]byte, error) {
	if pcr < 0 || pcr >= len(b.regs) {
		return [20]byte{}, errors.Wrapf(ErrBadIndex, "pcr %d", pcr)
	}
	return b.regs[pcr], nil
}

// Extend folds data into pcr: new = SHA1(old ∥ data). PCRs have no direct
// write operation, only extend.
func (b *Bank) Extend(pcr int, data [20]byte) ([20]byte, error) {
	if pcr < 0 || pcr >= len(b.regs) {
		return [20]byte{}, errors.Wrapf(ErrBadIndex, "pcr %d", pcr)
	}
	next := tpmcrypto.SHA1(b.regs[pcr][:], data[:])
	b.regs[pcr] = [20]byte(next)
	return b.regs[pcr], nil
}

// Reset zeroes pcr. The dispatcher's Startup(ST_Clear) handler calls it for
// every register in the bank.
func (b *Bank) Reset(pcr int) error {
	if pcr < 0 || pcr >= len(b.regs) {
		return errors.Wrapf(ErrBadIndex, "pcr %d", pcr)
	}
	b.regs[pcr] = [20]byte{}
	return nil
}

// Snapshot returns a copy of every register, for PermanentState
// serialization — PCR values live outside the three named blobs in a real
// TPM (backed by platform shielded locations) but this emulator has no
// separate PCR-shielded-location capability, so they ride along in the
// "volatile" blob (§6.5) like any other RAM-resident state.
func (b *Bank) Snapshot() [][20]byte {
	out := make([][20]byte, len(b.regs))
	copy(out, b.regs)
	return out
}

// Restore overwrites the bank's registers from a persisted Snapshot. regs
// shorter than the bank is zero-filled on the tail; regs longer is truncated
// — both tolerate a configured PCR count changing between runs.
func (b *Bank) Restore(regs [][20]byte) {
	for i := range b.regs {
		if i < len(regs) {
			b.regs[i] = regs[i]
		} else {
			b.regs[i] = [20]byte{}
		}
	}
}

// Selection is a bitmap over the bank's registers, the wire form of
// pcrSelection (§4.4): sizeOfSelect bytes, bit i%8 (least-significant
// first) of byte i/8 set means PCR i is selected.
type Selection struct {
	sizeOfSelect int
	bits         []byte
}

// NewSelection returns an empty Selection sized for a bank of n registers.
func NewSelection(n int) Selection {
	return Selection{sizeOfSelect: (n + 7) / 8, bits: make([]byte, (n+7)/8)}
}

// Set marks pcr as selected.
func (s *Selection) Set(pcr int) {
	s.bits[pcr/8] |= 1 << uint(pcr%8)
}

// IsSet reports whether pcr is selected.
func (s Selection) IsSet(pcr int) bool {
	if pcr/8 >= len(s.bits) {
		return false
	}
	return s.bits[pcr/8]&(1<<uint(pcr%8)) != 0
}

// Empty reports whether no register is selected — the trivially-passing
// case §4.4 carves out for CheckDigest.
func (s Selection) Empty() bool {
	for _, b := range s.bits {
		if b != 0 {
			return false
		}
	}
	return true
}

// Indexes returns the selected PCR indexes in ascending order.
func (s Selection) Indexes() []int {
	var out []int
	for i := 0; i < len(s.bits)*8; i++ {
		if s.IsSet(i) {
			out = append(out, i)
		}
	}
	return out
}

// Load decodes a Selection from r: u16 sizeOfSelect, then that many bytes.
func LoadSelection(r *wire.Reader) (Selection, error) {
	n, err := r.LoadU16()
	if err != nil {
		return Selection{}, err
	}
	bits, err := r.LoadBytes(int(n))
	if err != nil {
		return Selection{}, err
	}
	return Selection{sizeOfSelect: int(n), bits: bits}, nil
}

// Store encodes s into w: u16 sizeOfSelect followed by the raw bitmap.
func (s Selection) Store(w *wire.Writer) {
	w.StoreU16(uint16(s.sizeOfSelect))
	w.StoreBytes(s.bits)
}

// Composite computes the composite hash over the registers named by sel, in
// ascending index order, per §4.4:
//
//	SHA-1(sizeOf(selection) ∥ selection ∥ u32(sum of selected PCR sizes) ∥
//	      concat(selected PCRs in ascending index order))
func Composite(b *Bank, sel Selection) ([20]byte, error) {
	idxs := sel.Indexes()
	for _, i := range idxs {
		if i < 0 || i >= b.Count() {
			return [20]byte{}, errors.Wrapf(ErrBadIndex, "pcr %d", i)
		}
	}

	selW := wire.NewWriter()
	sel.Store(selW)

	valuesW := wire.NewWriter()
	for _, i := range idxs {
		valuesW.StoreBytes(b.regs[i][:])
	}

	sizeW := wire.NewWriter()
	sizeW.StoreU32(uint32(len(idxs) * 20))

	digest := tpmcrypto.SHA1(selW.Bytes(), sizeW.Bytes(), valuesW.Bytes())
	return [20]byte(digest), nil
}

// InfoShort is PcrInfoShort (§4.4): a selection, the locality set it is
// releasable under, and the composite hash recorded at binding time.
type InfoShort struct {
	Selection         Selection
	LocalityAtRelease uint8
	DigestAtRelease   [20]byte
}

// LoadInfoShort decodes a PcrInfoShort from r.
func LoadInfoShort(r *wire.Reader) (InfoShort, error) {
	sel, err := LoadSelection(r)
	if err != nil {
		return InfoShort{}, err
	}
	locality, err := r.LoadU8()
	if err != nil {
		return InfoShort{}, err
	}
	var digest [20]byte
	if err := r.LoadFixed(digest[:]); err != nil {
		return InfoShort{}, err
	}
	return InfoShort{Selection: sel, LocalityAtRelease: locality, DigestAtRelease: digest}, nil
}

// Store encodes i into w.
func (i InfoShort) Store(w *wire.Writer) {
	i.Selection.Store(w)
	w.StoreU8(i.LocalityAtRelease)
	w.StoreBytes(i.DigestAtRelease[:])
}

// InfoLong is PcrInfoLong (§4.4), the 1.2 variant that additionally
// distinguishes the selection/digest recorded at creation time from the one
// required at release time.
type InfoLong struct {
	CreationPCRSelection Selection
	ReleasePCRSelection  Selection
	LocalityAtCreation   uint8
	LocalityAtRelease    uint8
	DigestAtCreation     [20]byte
	DigestAtRelease      [20]byte
}

// LoadInfoLong decodes a PcrInfoLong from r.
func LoadInfoLong(r *wire.Reader) (InfoLong, error) {
	localityAtCreation, err := r.LoadU8()
	if err != nil {
		return InfoLong{}, err
	}
	localityAtRelease, err := r.LoadU8()
	if err != nil {
		return InfoLong{}, err
	}
	creationSel, err := LoadSelection(r)
	if err != nil {
		return InfoLong{}, err
	}
	releaseSel, err := LoadSelection(r)
	if err != nil {
		return InfoLong{}, err
	}
	var digestAtCreation, digestAtRelease [20]byte
	if err := r.LoadFixed(digestAtCreation[:]); err != nil {
		return InfoLong{}, err
	}
	if err := r.LoadFixed(digestAtRelease[:]); err != nil {
		return InfoLong{}, err
	}
	return InfoLong{
		CreationPCRSelection: creationSel,
		ReleasePCRSelection:  releaseSel,
		LocalityAtCreation:   localityAtCreation,
		LocalityAtRelease:    localityAtRelease,
		DigestAtCreation:     digestAtCreation,
		DigestAtRelease:      digestAtRelease,
	}, nil
}

// Store encodes i into w.
func (i InfoLong) Store(w *wire.Writer) {
	w.StoreU8(i.LocalityAtCreation)
	w.StoreU8(i.LocalityAtRelease)
	i.CreationPCRSelection.Store(w)
	i.ReleasePCRSelection.Store(w)
	w.StoreBytes(i.DigestAtCreation[:])
	w.StoreBytes(i.DigestAtRelease[:])
}

// CheckDigest recomputes the composite hash over sel against the bank's
// current register values and verifies it against digestAtRelease, and
// verifies locality is a member of localityAtRelease. An empty selection
// passes trivially regardless of locality, per §4.4.
func CheckDigest(b *Bank, sel Selection, digestAtRelease [20]byte, localityAtRelease uint8, locality uint8) error {
	if sel.Empty() {
		return nil
	}
	if localityAtRelease&(1<<locality) == 0 {
		return ErrBadLocality
	}
	got, err := Composite(b, sel)
	if err != nil {
		return err
	}
	if got != digestAtRelease {
		return ErrWrongPCRValue
	}
	return nil
}

// CheckInfoShort is the InfoShort-shaped convenience wrapper around
// CheckDigest that Unseal and the NV read/write gates call directly.
func CheckInfoShort(b *Bank, info InfoShort, locality uint8) error {
	return CheckDigest(b, info.Selection, info.DigestAtRelease, info.LocalityAtRelease, locality)
}

// CheckInfoLong is the release-time check for a PcrInfoLong-bound object.
func CheckInfoLong(b *Bank, info InfoLong, locality uint8) error {
	return CheckDigest(b, info.ReleasePCRSelection, info.DigestAtRelease, info.LocalityAtRelease, locality)
}
