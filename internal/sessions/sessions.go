// Package sessions implements AuthProtocol and the AuthSession table (§4.2,
// §4.3 lifecycle): OIAP/OSAP/DSAP session bookkeeping, command/response HMAC
// verification and emission, ADIP auth-data decryption, and dictionary-attack
// lockout. This is the emulator-side counterpart to a one-shot client auth
// exchange: a fixed-capacity table of sessions that persist across commands
// and verify the HMAC a client computed the same way, rather than compute
// one to send.
package sessions

import (
	"time"

	"github.com/pkg/errors"

	"github.com/cyberus-technology/tpm12d/internal/config"
	"github.com/cyberus-technology/tpm12d/internal/tpmcrypto"
)

// ErrAuthFail is returned when an HMAC does not verify.
var ErrAuthFail = errors.New("sessions: auth HMAC mismatch")

// ErrNoFreeSlot is returned when the session table is full.
var ErrNoFreeSlot = errors.New("sessions: no free session slot")

// ErrBadHandle is returned when a handle does not name a live session.
var ErrBadHandle = errors.New("sessions: unknown session handle")

// ErrDefendLockRunning is returned by Lockout.Check while the dictionary-
// attack backoff window is active.
var ErrDefendLockRunning = errors.New("sessions: defend lock running")

// Protocol identifies how a session's shared key was established.
type Protocol int

const (
	ProtocolNone Protocol = iota
	ProtocolOIAP
	ProtocolOSAP
	ProtocolDSAP
)

// ADIPScheme selects how EncAuth fields are decrypted for a session.
type ADIPScheme int

const (
	ADIPXor ADIPScheme = iota
	ADIPAES128CTR
)

// Session is one live AuthSession (§3 AuthSession).
type Session struct {
	Handle       uint32
	Protocol     Protocol
	EntityType   uint16
	EntityHandle uint32 // OSAP/DSAP only
	NonceEven    [20]byte
	SharedSecret [20]byte // OSAP/DSAP only; zero for OIAP
	ADIPScheme   ADIPScheme
	// ContinueAuthSession is the value recorded by the most recently
	// verified command's auth block; it governs whether the session
	// survives response emission.
	ContinueAuthSession bool
}

// Key returns the HMAC key this session authenticates with: usageAuth for
// OIAP (passed in per-call since OIAP has no bound entity), or the session's
// own shared secret for OSAP/DSAP.
func (s *Session) Key(oiapUsageAuth [20]byte) [20]byte {
	if s.Protocol == ProtocolOIAP {
		return oiapUsageAuth
	}
	return s.SharedSecret
}

// Table is the fixed-capacity AuthSessionTable (§6.1 resource model).
type Table struct {
	slots    []*Session
	capacity int
	nextSeq  uint32
}

// NewTable returns a Table with room for capacity concurrent sessions.
func NewTable(capacity int) *Table {
	return &Table{slots: make([]*Session, capacity), capacity: capacity}
}

// Count returns the number of live sessions.
func (t *Table) Count() int {
	n := 0
	for _, s := range t.slots {
		if s != nil {
			n++
		}
	}
	return n
}

// NewOIAP creates a protocolId=OIAP session with a fresh nonceEven.
func (t *Table) NewOIAP() (*Session, error) {
	nonce, err := tpmcrypto.Rand(20)
	if err != nil {
		return nil, errors.Wrap(err, "sessions: generating nonceEven")
	}
	s := &Session{Protocol: ProtocolOIAP}
	copy(s.NonceEven[:], nonce)
	return t.insert(s)
}

// NewOSAP creates a protocolId=OSAP session bound to (entityType,
// entityHandle), deriving sharedSecret = HMAC-SHA1(entityAuth,
// nonceOddOSAP ∥ nonceEvenOSAP) per §3 AuthSession. It returns the session
// plus the nonceEvenOSAP the caller must echo in the OSAP response.
func (t *Table) NewOSAP(entityType uint16, entityHandle uint32, entityAuth [20]byte, nonceOddOSAP [20]byte) (*Session, [20]byte, error) {
	nonceEvenOSAP, err := tpmcrypto.Rand(20)
	if err != nil {
		return nil, [20]byte{}, errors.Wrap(err, "sessions: generating nonceEvenOSAP")
	}
	nonceEven, err := tpmcrypto.Rand(20)
	if err != nil {
		return nil, [20]byte{}, errors.Wrap(err, "sessions: generating nonceEven")
	}

	var evenOSAP [20]byte
	copy(evenOSAP[:], nonceEvenOSAP)

	shared := tpmcrypto.HMACSHA1(entityAuth[:], nonceOddOSAP[:], evenOSAP[:])

	s := &Session{
		Protocol:     ProtocolOSAP,
		EntityType:   entityType,
		EntityHandle: entityHandle,
		SharedSecret: [20]byte(shared),
	}
	copy(s.NonceEven[:], nonceEven)

	sess, err := t.insert(s)
	if err != nil {
		return nil, [20]byte{}, err
	}
	return sess, evenOSAP, nil
}

// NewDSAP creates a protocolId=DSAP session over a delegation blob's shared
// secret, already derived by the caller (delegation-row unwrap happens in
// the NV/delegation layer, out of scope for this package).
func (t *Table) NewDSAP(entityType uint16, entityHandle uint32, sharedSecret [20]byte) (*Session, error) {
	nonceEven, err := tpmcrypto.Rand(20)
	if err != nil {
		return nil, errors.Wrap(err, "sessions: generating nonceEven")
	}
	s := &Session{
		Protocol:     ProtocolDSAP,
		EntityType:   entityType,
		EntityHandle: entityHandle,
		SharedSecret: sharedSecret,
	}
	copy(s.NonceEven[:], nonceEven)
	return t.insert(s)
}

func (t *Table) insert(s *Session) (*Session, error) {
	for i, slot := range t.slots {
		if slot == nil {
			t.nextSeq++
			s.Handle = 0x02000000 | (t.nextSeq & 0x00FFFFFF)
			t.slots[i] = s
			return s, nil
		}
	}
	return nil, ErrNoFreeSlot
}

// Get returns the live session for handle.
func (t *Table) Get(handle uint32) (*Session, error) {
	for _, s := range t.slots {
		if s != nil && s.Handle == handle {
			return s, nil
		}
	}
	return nil, ErrBadHandle
}

// Remove flushes handle's session, if live. Removing an already-absent
// handle is not an error (idempotent flush, mirrors FlushSpecific).
func (t *Table) Remove(handle uint32) {
	for i, s := range t.slots {
		if s != nil && s.Handle == handle {
			t.slots[i] = nil
			return
		}
	}
}

// RemoveEntity flushes every OSAP/DSAP session bound to entityHandle — used
// when the referenced key/entity is evicted or destroyed (§4.2 "entity
// referenced by an OSAP session is destroyed").
func (t *Table) RemoveEntity(entityHandle uint32) {
	for i, s := range t.slots {
		if s != nil && (s.Protocol == ProtocolOSAP || s.Protocol == ProtocolDSAP) && s.EntityHandle == entityHandle {
			t.slots[i] = nil
		}
	}
}

// Clear removes every session — Startup(ST_Clear).
func (t *Table) Clear() {
	for i := range t.slots {
		t.slots[i] = nil
	}
}

// Live returns every currently occupied session, for PermanentState's
// "volatile" blob serialization (§6.5: "session table — entries with full
// nonces and derived keys").
func (t *Table) Live() []*Session {
	out := make([]*Session, 0, len(t.slots))
	for _, s := range t.slots {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// NextSeq exposes the handle sequence counter, persisted alongside Live so a
// reloaded table never reissues a handle a crash interrupted mid-flight.
func (t *Table) NextSeq() uint32 { return t.nextSeq }

// Restore repopulates the table from a persisted Live/NextSeq pair,
// overwriting any sessions currently held — used when reconstructing a
// Table from the "volatile" blob.
func (t *Table) Restore(live []*Session, nextSeq uint32) {
	t.slots = make([]*Session, t.capacity)
	for i, s := range live {
		if i >= t.capacity {
			break
		}
		t.slots[i] = s
	}
	t.nextSeq = nextSeq
}

// AuthBlock is the wire-level per-session payload a request carries (§4.2).
type AuthBlock struct {
	AuthHandle          uint32
	NonceOdd            [20]byte
	ContinueAuthSession bool
	Auth                [20]byte // HMAC
}

// VerifyCommand checks an incoming command's auth HMAC against the session
// named by in.AuthHandle. key is the session's HMAC key: usageAuth for OIAP,
// ignored (the session's own sharedSecret is used) for OSAP/DSAP.
//
// hIn is SHA-1(ordinal ∥ paramsWithoutAuth), precomputed by the caller.
// On success it records in.ContinueAuthSession on the session; the caller
// keeps in.NonceOdd to thread into the response HMAC.
func VerifyCommand(sess *Session, oiapUsageAuth [20]byte, hIn [20]byte, in AuthBlock) error {
	key := sess.Key(oiapUsageAuth)
	expected := expectedHMAC(key, hIn, sess.NonceEven, in.NonceOdd, in.ContinueAuthSession)
	if !tpmcrypto.HMACEqual(tpmcrypto.Digest(expected), tpmcrypto.Digest(in.Auth)) {
		return ErrAuthFail
	}
	sess.ContinueAuthSession = in.ContinueAuthSession
	return nil
}

// EmitResponse computes the outgoing response auth block per §4.2: refreshes
// nonceEven, computes H_out = SHA-1(rc ∥ ordinal ∥ returnParams) via hOut
// (precomputed by the caller), and returns the AuthBlock to frame; its
// NonceOdd field carries the new nonceEven that was stored on the session.
func EmitResponse(sess *Session, oiapUsageAuth [20]byte, hOut [20]byte, nonceOdd [20]byte) (AuthBlock, error) {
	newNonceEven, err := tpmcrypto.Rand(20)
	if err != nil {
		return AuthBlock{}, errors.Wrap(err, "sessions: refreshing nonceEven")
	}
	var nextEven [20]byte
	copy(nextEven[:], newNonceEven)

	key := sess.Key(oiapUsageAuth)
	auth := expectedHMAC(key, hOut, nextEven, nonceOdd, sess.ContinueAuthSession)

	sess.NonceEven = nextEven

	return AuthBlock{
		NonceOdd:            nextEven,
		ContinueAuthSession: sess.ContinueAuthSession,
		Auth:                auth,
	}, nil
}

func expectedHMAC(key [20]byte, h [20]byte, nonceEven, nonceOdd [20]byte, continueSession bool) [20]byte {
	var cont byte
	if continueSession {
		cont = 1
	}
	return [20]byte(tpmcrypto.HMACSHA1(key[:], h[:], nonceEven[:], nonceOdd[:], []byte{cont}))
}

// DecryptADIPSingle decrypts a single EncAuth field per §4.2's XOR/AES128-CTR
// schemes, seeded with (sharedSecret ∥ nonceEven ∥ nonceOdd ∥ "XOR") — used
// for the common one-EncAuth ordinals.
func DecryptADIPSingle(scheme ADIPScheme, sharedSecret, nonceEven, nonceOdd [20]byte, encAuth [20]byte) ([20]byte, error) {
	return decryptADIP(scheme, sharedSecret, nonceEven[:], nonceOdd[:], encAuth)
}

// DecryptADIPSwapped decrypts the second of a two-EncAuth ordinal (usage +
// migration), whose MGF1 seed swaps nonceOdd/nonceEven order per §4.2.
func DecryptADIPSwapped(scheme ADIPScheme, sharedSecret, nonceEven, nonceOdd [20]byte, encAuth [20]byte) ([20]byte, error) {
	return decryptADIP(scheme, sharedSecret, nonceOdd[:], nonceEven[:], encAuth)
}

func decryptADIP(scheme ADIPScheme, sharedSecret [20]byte, first, second []byte, encAuth [20]byte) ([20]byte, error) {
	switch scheme {
	case ADIPXor:
		seed := append(append(append([]byte{}, sharedSecret[:]...), first...), second...)
		seed = append(seed, 'X', 'O', 'R')
		mask := tpmcrypto.MGF1(seed, 20)
		var out [20]byte
		for i := range out {
			out[i] = encAuth[i] ^ mask[i]
		}
		return out, nil
	case ADIPAES128CTR:
		iv := tpmcrypto.SHA1(first, second)
		var ctr [16]byte
		copy(ctr[:], iv[:16])
		plain, err := tpmcrypto.AES128CTRTPM(sharedSecret[:16], ctr, encAuth[:])
		if err != nil {
			return [20]byte{}, errors.Wrap(err, "sessions: ADIP AES128-CTR decrypt")
		}
		var out [20]byte
		copy(out[:], plain)
		return out, nil
	default:
		return [20]byte{}, errors.Errorf("sessions: unknown ADIP scheme %d", scheme)
	}
}

// Lockout implements the dictionary-attack mitigation policy (§4.2, Open
// Question resolved in DESIGN.md): exponential backoff keyed on consecutive
// owner-authorization AUTHFAILs.
type Lockout struct {
	cfg        config.LockoutConfig
	fails      int
	lockedTill time.Time
}

// NewLockout returns a Lockout governed by cfg.
func NewLockout(cfg config.LockoutConfig) *Lockout {
	return &Lockout{cfg: cfg}
}

// Check reports ErrDefendLockRunning if the backoff window (as of now) is
// still active.
func (l *Lockout) Check(now time.Time) error {
	if now.Before(l.lockedTill) {
		return ErrDefendLockRunning
	}
	return nil
}

// RecordAuthFail registers a failed owner-authorization attempt and arms the
// backoff once the threshold is crossed. The delay doubles per failure past
// the threshold, capped at cfg.MaxDelay.
func (l *Lockout) RecordAuthFail(now time.Time) {
	l.fails++
	if l.fails < l.cfg.Threshold {
		return
	}
	shift := l.fails - l.cfg.Threshold
	if shift > 32 {
		shift = 32
	}
	delay := l.cfg.BaseDelay << uint(shift)
	if delay <= 0 || delay > l.cfg.MaxDelay {
		delay = l.cfg.MaxDelay
	}
	l.lockedTill = now.Add(delay)
}

// Reset clears the failure counter and any active backoff — called on
// successful owner authorization.
func (l *Lockout) Reset() {
	l.fails = 0
	l.lockedTill = time.Time{}
}
