package dispatcher

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/cyberus-technology/tpm12d/internal/config"
	"github.com/cyberus-technology/tpm12d/internal/logging"
	"github.com/cyberus-technology/tpm12d/internal/platform"
	"github.com/cyberus-technology/tpm12d/internal/sessions"
	"github.com/cyberus-technology/tpm12d/internal/state"
	"github.com/cyberus-technology/tpm12d/internal/store"
	"github.com/cyberus-technology/tpm12d/internal/tpmcrypto"
	"github.com/cyberus-technology/tpm12d/internal/wire"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *platform.StaticPlatform) {
	t.Helper()
	cfg := config.Default()
	st, err := store.NewFileStore(afero.NewMemMapFs(), "/state")
	require.NoError(t, err)
	s, err := state.NewFresh(cfg)
	require.NoError(t, err)
	plat := platform.NewStaticPlatform()
	return New(s, st, plat, cfg, logging.NewNullLogger()), plat
}

// --- frame-building helpers, mirroring the production wire layout exactly --

func ordinalBytesOf(ordinal uint32) [4]byte {
	var b [4]byte
	b[0] = byte(ordinal >> 24)
	b[1] = byte(ordinal >> 16)
	b[2] = byte(ordinal >> 8)
	b[3] = byte(ordinal)
	return b
}

func hInFor(ordinal uint32, params []byte) [20]byte {
	ob := ordinalBytesOf(ordinal)
	return [20]byte(tpmcrypto.SHA1(ob[:], params))
}

func hOutFor(ordinal uint32, params []byte) [20]byte {
	var rc [4]byte
	ob := ordinalBytesOf(ordinal)
	return [20]byte(tpmcrypto.SHA1(rc[:], ob[:], params))
}

// authHMAC reproduces sessions.expectedHMAC's unexported formula so tests can
// construct and check auth blocks without reaching into the sessions
// package's internals.
func authHMAC(key, h, nonceEven, nonceOdd [20]byte, cont bool) [20]byte {
	var c byte
	if cont {
		c = 1
	}
	return [20]byte(tpmcrypto.HMACSHA1(key[:], h[:], nonceEven[:], nonceOdd[:], []byte{c}))
}

func xorADIPEncrypt(sharedSecret, first, second [20]byte, plain [20]byte) [20]byte {
	seed := append(append(append([]byte{}, sharedSecret[:]...), first[:]...), second[:]...)
	seed = append(seed, 'X', 'O', 'R')
	mask := tpmcrypto.MGF1(seed, 20)
	var out [20]byte
	for i := range out {
		out[i] = plain[i] ^ mask[i]
	}
	return out
}

// buildFrame assembles a complete request frame: header, params, then zero or
// more fixed 45-byte auth blocks.
func buildFrame(tag uint16, ordinal uint32, params []byte, auths ...sessions.AuthBlock) []byte {
	authLen := len(auths) * 45
	paramSize := uint32(10 + len(params) + authLen)
	w := wire.NewWriter()
	w.StoreU16(tag)
	w.StoreU32(paramSize)
	w.StoreU32(ordinal)
	w.StoreBytes(params)
	for _, ab := range auths {
		w.StoreU32(ab.AuthHandle)
		w.StoreBytes(ab.NonceOdd[:])
		w.StoreBool(ab.ContinueAuthSession)
		w.StoreBytes(ab.Auth[:])
	}
	return w.Bytes()
}

type respHeader struct {
	tag  uint16
	rc   uint32
	body []byte
}

func parseResponse(t *testing.T, resp []byte) respHeader {
	t.Helper()
	require.GreaterOrEqual(t, len(resp), 10)
	r := wire.NewReader(resp[:10])
	tag, err := r.LoadU16()
	require.NoError(t, err)
	paramSize, err := r.LoadU32()
	require.NoError(t, err)
	require.EqualValues(t, len(resp), paramSize)
	rc, err := r.LoadU32()
	require.NoError(t, err)
	return respHeader{tag: tag, rc: rc, body: resp[10:]}
}

// --- basic framing / control-flow tests -------------------------------------

func TestHandleUnknownOrdinalReturnsBadOrdinal(t *testing.T) {
	d, _ := newTestDispatcher(t)
	frame := buildFrame(wire.TagRQUCommand, 0xDEADBEEF, nil)
	resp := parseResponse(t, d.Handle(frame))
	require.Equal(t, wire.RCBadOrdinal, resp.rc)
}

func TestHandleBadTagRejected(t *testing.T) {
	d, _ := newTestDispatcher(t)
	frame := buildFrame(0x1234, wire.OrdGetRandom, []byte{0, 0, 0, 4})
	resp := parseResponse(t, d.Handle(frame))
	require.Equal(t, wire.RCBadTag, resp.rc)
}

func TestHandleParamSizeMismatchRejected(t *testing.T) {
	d, _ := newTestDispatcher(t)
	frame := buildFrame(wire.TagRQUCommand, wire.OrdGetRandom, []byte{0, 0, 0, 4})
	frame = append(frame, 0xFF) // trailing byte the header's paramSize doesn't account for
	resp := parseResponse(t, d.Handle(frame))
	require.Equal(t, wire.RCBadParamSize, resp.rc)
}

func TestHandleWrongAuthSlotCountRejected(t *testing.T) {
	d, _ := newTestDispatcher(t)
	// GetRandom only accepts tag RQU_COMMAND (0 auth slots); sending it under
	// RQU_AUTH1_COMMAND's tag must fail BAD_TAG before the handler ever runs.
	var ab sessions.AuthBlock
	frame := buildFrame(wire.TagRQUAuth1Command, wire.OrdGetRandom, []byte{0, 0, 0, 4}, ab)
	resp := parseResponse(t, d.Handle(frame))
	require.Equal(t, wire.RCBadTag, resp.rc)
}

// --- session-management + simple no-auth ordinals ---------------------------

func TestHandleGetRandomReturnsRequestedLength(t *testing.T) {
	d, _ := newTestDispatcher(t)
	params := []byte{0, 0, 0, 16}
	frame := buildFrame(wire.TagRQUCommand, wire.OrdGetRandom, params)
	resp := parseResponse(t, d.Handle(frame))
	require.Equal(t, wire.Success, resp.rc)

	r := wire.NewReader(resp.body)
	b, err := r.LoadSized()
	require.NoError(t, err)
	require.Len(t, b, 16)
	require.Equal(t, 0, r.Len())
}

func TestHandleOIAPCreatesSession(t *testing.T) {
	d, _ := newTestDispatcher(t)
	frame := buildFrame(wire.TagRQUCommand, wire.OrdOIAP, nil)
	resp := parseResponse(t, d.Handle(frame))
	require.Equal(t, wire.Success, resp.rc)

	r := wire.NewReader(resp.body)
	handle, err := r.LoadU32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x02000000|1), handle)
	var nonceEven [20]byte
	require.NoError(t, r.LoadFixed(nonceEven[:]))
	require.Equal(t, 0, r.Len())
}

func TestHandlePCRExtendThenRead(t *testing.T) {
	d, plat := newTestDispatcher(t)
	_ = plat

	var data [20]byte
	copy(data[:], []byte("extend-me-0123456789"))
	params := append([]byte{0, 0, 0, 3}, data[:]...)
	frame := buildFrame(wire.TagRQUCommand, wire.OrdExtend, params)
	resp := parseResponse(t, d.Handle(frame))
	require.Equal(t, wire.Success, resp.rc)

	r := wire.NewReader(resp.body)
	var extended [20]byte
	require.NoError(t, r.LoadFixed(extended[:]))
	want := [20]byte(tpmcrypto.SHA1(make([]byte, 20), data[:]))
	require.Equal(t, want, extended)

	readFrame := buildFrame(wire.TagRQUCommand, wire.OrdPCRRead, []byte{0, 0, 0, 3})
	readResp := parseResponse(t, d.Handle(readFrame))
	require.Equal(t, wire.Success, readResp.rc)
	r2 := wire.NewReader(readResp.body)
	var readBack [20]byte
	require.NoError(t, r2.LoadFixed(readBack[:]))
	require.Equal(t, extended, readBack)
}

func TestHandleFatalLatchAfterFlushFailure(t *testing.T) {
	cfg := config.Default()
	s, err := state.NewFresh(cfg)
	require.NoError(t, err)
	plat := platform.NewStaticPlatform()
	plat.SetPhysicalPresence(true)

	// A store that always fails Write latches the dispatcher's fatal flag the
	// first time a mutating ordinal (Startup, here) tries to flush.
	d := New(s, failingStore{}, plat, cfg, logging.NewNullLogger())

	frame := buildFrame(wire.TagRQUCommand, wire.OrdStartup, []byte{0, 1}) // ST_CLEAR
	resp := parseResponse(t, d.Handle(frame))
	require.Equal(t, wire.RCFailedSelfTest, resp.rc)

	frame2 := buildFrame(wire.TagRQUCommand, wire.OrdGetRandom, []byte{0, 0, 0, 4})
	resp2 := parseResponse(t, d.Handle(frame2))
	require.Equal(t, wire.RCFailedSelfTest, resp2.rc)
}

var errFailingStoreWrite = errors.New("dispatcher test: simulated store write failure")

type failingStore struct{}

func (failingStore) Write(string, []byte) error  { return errFailingStoreWrite }
func (failingStore) Read(string) ([]byte, error) { return nil, store.ErrNotFound }
func (failingStore) Truncate(string) error       { return nil }

// --- OSAP-authenticated seal/unseal round trip ------------------------------

// osapFixture carries everything a test needs to keep issuing
// authenticated commands over one OSAP session bound to the SRK.
type osapFixture struct {
	handle       uint32
	sharedSecret [20]byte
	nonceEven    [20]byte // the session's current (rotating) nonceEven
}

func openOSAPonSRK(t *testing.T, d *Dispatcher) osapFixture {
	t.Helper()
	var nonceOddOSAP [20]byte
	copy(nonceOddOSAP[:], []byte("client-osap-nonce-odd"))

	params := wire.NewWriter()
	params.StoreU16(wire.EntityTypeSRK)
	params.StoreU32(wire.KeyHandleSRK)
	params.StoreBytes(nonceOddOSAP[:])

	frame := buildFrame(wire.TagRQUCommand, wire.OrdOSAP, params.Bytes())
	resp := parseResponse(t, d.Handle(frame))
	require.Equal(t, wire.Success, resp.rc)

	r := wire.NewReader(resp.body)
	handle, err := r.LoadU32()
	require.NoError(t, err)
	var nonceEven, nonceEvenOSAP [20]byte
	require.NoError(t, r.LoadFixed(nonceEven[:]))
	require.NoError(t, r.LoadFixed(nonceEvenOSAP[:]))

	// The SRK carries the well-known (all-zero) usageAuth until an owner is
	// installed, mirroring state.NewFresh's documented first-boot story.
	var srkUsageAuth [20]byte
	shared := tpmcrypto.HMACSHA1(srkUsageAuth[:], nonceOddOSAP[:], nonceEvenOSAP[:])

	return osapFixture{handle: handle, sharedSecret: [20]byte(shared), nonceEven: nonceEven}
}

// authBlockFor builds the auth block for one command given the fixture's
// current session state, advancing the fixture's nonceEven the same way
// sessions.EmitResponse would after the exchange.
func (f *osapFixture) authBlockFor(t *testing.T, ordinal uint32, params []byte, nonceOdd [20]byte, cont bool) sessions.AuthBlock {
	t.Helper()
	hIn := hInFor(ordinal, params)
	auth := authHMAC(f.sharedSecret, hIn, f.nonceEven, nonceOdd, cont)
	return sessions.AuthBlock{AuthHandle: f.handle, NonceOdd: nonceOdd, ContinueAuthSession: cont, Auth: auth}
}

// observeResponseAuth verifies the response auth block's HMAC (proving the
// dispatcher signed with the same shared secret this fixture holds) and
// advances the fixture's nonceEven to the refreshed value the response
// carries, mirroring what a real client does after each round trip.
func (f *osapFixture) observeResponseAuth(t *testing.T, ordinal uint32, body []byte, reqNonceOdd [20]byte, cont bool) {
	t.Helper()
	r := wire.NewReader(body)
	// body = outParams ... respNonceEven(20) contAuth(1) auth(20); outParams
	// length is body minus the fixed 41-byte auth trailer.
	require.GreaterOrEqual(t, len(body), 41)
	outLen := len(body) - 41
	outParams, err := r.LoadBytes(outLen)
	require.NoError(t, err)
	var respNonceEven [20]byte
	require.NoError(t, r.LoadFixed(respNonceEven[:]))
	gotCont, err := r.LoadBool()
	require.NoError(t, err)
	require.Equal(t, cont, gotCont)
	var gotAuth [20]byte
	require.NoError(t, r.LoadFixed(gotAuth[:]))

	hOut := hOutFor(ordinal, outParams)
	wantAuth := authHMAC(f.sharedSecret, hOut, respNonceEven, reqNonceOdd, cont)
	require.Equal(t, wantAuth, gotAuth)

	f.nonceEven = respNonceEven
}

func TestHandleSealUnsealRoundTrip(t *testing.T) {
	d, _ := newTestDispatcher(t)
	f := openOSAPonSRK(t, d)

	var clientNonceOdd [20]byte
	copy(clientNonceOdd[:], []byte("seal-command-nonce-odd."))

	var plainAuth [20]byte
	copy(plainAuth[:], []byte("blob-authdata-1234567"))
	encAuth := xorADIPEncrypt(f.sharedSecret, f.nonceEven, clientNonceOdd, plainAuth)

	sealParams := wire.NewWriter()
	sealParams.StoreU32(wire.KeyHandleSRK)
	sealParams.StoreBytes(encAuth[:])
	sealParams.StoreSized(nil) // no PCR binding
	sealParams.StoreSized([]byte("top secret payload"))

	ab := f.authBlockFor(t, wire.OrdSeal, sealParams.Bytes(), clientNonceOdd, true)
	frame := buildFrame(wire.TagRQUAuth1Command, wire.OrdSeal, sealParams.Bytes(), ab)
	resp := parseResponse(t, d.Handle(frame))
	require.Equal(t, wire.Success, resp.rc)
	f.observeResponseAuth(t, wire.OrdSeal, resp.body, clientNonceOdd, true)

	sealedBytes := resp.body[:len(resp.body)-41]

	// --- Unseal the blob back, over the same OSAP session -----------------

	var unsealNonceOdd [20]byte
	copy(unsealNonceOdd[:], []byte("unseal-command-nonce-od"))

	unsealParams := wire.NewWriter()
	unsealParams.StoreU32(wire.KeyHandleSRK)
	unsealParams.StoreSized(sealedBytes)

	ab2 := f.authBlockFor(t, wire.OrdUnseal, unsealParams.Bytes(), unsealNonceOdd, false)
	frame2 := buildFrame(wire.TagRQUAuth1Command, wire.OrdUnseal, unsealParams.Bytes(), ab2)
	resp2 := parseResponse(t, d.Handle(frame2))
	require.Equal(t, wire.Success, resp2.rc)
	f.observeResponseAuth(t, wire.OrdUnseal, resp2.body, unsealNonceOdd, false)

	r := wire.NewReader(resp2.body[:len(resp2.body)-41])
	out, err := r.LoadSized()
	require.NoError(t, err)
	require.Equal(t, "top secret payload", string(out))
}

func TestHandleSealCorruptedAuthFails(t *testing.T) {
	d, _ := newTestDispatcher(t)
	f := openOSAPonSRK(t, d)

	var clientNonceOdd [20]byte
	copy(clientNonceOdd[:], []byte("bad-auth-test-nonce-odd"))

	sealParams := wire.NewWriter()
	sealParams.StoreU32(wire.KeyHandleSRK)
	var encAuth [20]byte // zero authData, still a validly-formed field
	sealParams.StoreBytes(encAuth[:])
	sealParams.StoreSized(nil)
	sealParams.StoreSized([]byte("payload"))

	ab := f.authBlockFor(t, wire.OrdSeal, sealParams.Bytes(), clientNonceOdd, false)
	ab.Auth[0] ^= 0xFF // corrupt the HMAC
	frame := buildFrame(wire.TagRQUAuth1Command, wire.OrdSeal, sealParams.Bytes(), ab)
	resp := parseResponse(t, d.Handle(frame))
	require.Equal(t, wire.RCAuthFail, resp.rc)
}

// --- NV define/write/read, no-owner bootstrap path --------------------------

func TestHandleNVDefineWriteReadNoOwner(t *testing.T) {
	d, plat := newTestDispatcher(t)
	plat.SetPhysicalPresence(true)

	const nvIndex = 0x00001000

	defParams := wire.NewWriter()
	defParams.StoreU32(nvIndex)
	defParams.StoreU32(0) // no attribute bits: AUTHWRITE/AUTHREAD off, world-writable with no owner
	defParams.StoreSized(nil)
	defParams.StoreSized(nil)
	defParams.StoreU32(8)
	var encAuth [20]byte
	defParams.StoreBytes(encAuth[:])

	frame := buildFrame(wire.TagRQUCommand, wire.OrdNVDefineSpace, defParams.Bytes())
	resp := parseResponse(t, d.Handle(frame))
	require.Equal(t, wire.Success, resp.rc)

	writeParams := wire.NewWriter()
	writeParams.StoreU32(nvIndex)
	writeParams.StoreU32(0)
	writeParams.StoreSized([]byte("12345678"))
	wFrame := buildFrame(wire.TagRQUCommand, wire.OrdNVWriteValue, writeParams.Bytes())
	wResp := parseResponse(t, d.Handle(wFrame))
	require.Equal(t, wire.Success, wResp.rc)

	readParams := wire.NewWriter()
	readParams.StoreU32(nvIndex)
	readParams.StoreU32(0)
	readParams.StoreU32(8)
	rFrame := buildFrame(wire.TagRQUCommand, wire.OrdNVReadValue, readParams.Bytes())
	rResp := parseResponse(t, d.Handle(rFrame))
	require.Equal(t, wire.Success, rResp.rc)

	r := wire.NewReader(rResp.body)
	data, err := r.LoadSized()
	require.NoError(t, err)
	require.Equal(t, "12345678", string(data))
}

// takeOwnership drives TakeOwnership to completion over an OSAP session
// bound to the SRK, installing ownerAuth and srkAuth. Callers keep their own
// copy of ownerAuth to open further owner-bound sessions.
func takeOwnership(t *testing.T, d *Dispatcher, ownerAuth, srkAuth [20]byte) {
	t.Helper()
	f := openOSAPonSRK(t, d)

	var clientNonceOdd [20]byte
	copy(clientNonceOdd[:], []byte("take-ownership-nonce-od"))

	encOwnerAuth := xorADIPEncrypt(f.sharedSecret, f.nonceEven, clientNonceOdd, ownerAuth)
	encSRKAuth := xorADIPEncrypt(f.sharedSecret, clientNonceOdd, f.nonceEven, srkAuth)

	params := wire.NewWriter()
	params.StoreU16(0) // protocolID: TPM_PID_ADIP_OSAP_XOR
	params.StoreBytes(encOwnerAuth[:])
	params.StoreBytes(encSRKAuth[:])
	// Minimal key template: loadKeyTemplate only needs a well-formed wire
	// shape, the SRK itself is never regenerated from it.
	params.StoreU16(0) // keyUsage
	params.StoreU32(0) // keyFlags
	params.StoreU8(0)  // authDataUsage
	params.StoreU32(0) // algorithmID
	params.StoreU16(0) // encScheme
	params.StoreU16(0) // sigScheme
	params.StoreU32(0) // keyBits
	params.StoreSized(nil) // exponent
	params.StoreSized(nil) // pcrInfo

	ab := f.authBlockFor(t, wire.OrdTakeOwnership, params.Bytes(), clientNonceOdd, false)
	frame := buildFrame(wire.TagRQUAuth1Command, wire.OrdTakeOwnership, params.Bytes(), ab)
	resp := parseResponse(t, d.Handle(frame))
	require.Equal(t, wire.Success, resp.rc)
}

// --- NV define/write/read with WRITE_STCLEAR locking, owner-authenticated ---

func TestHandleNVDefineWriteReadWithSTClearLocking(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var ownerAuth [20]byte
	copy(ownerAuth[:], []byte("owner-auth-1234567890"))
	var srkAuth [20]byte
	copy(srkAuth[:], []byte("srk-auth-12345678901"))
	takeOwnership(t, d, ownerAuth, srkAuth)

	// A fresh OIAP session authenticated with the now-installed owner auth
	// authorizes every owner-bound ordinal below; verifyOwnerSlot does not
	// require the session be bound to any particular entity.
	oiapFrame := buildFrame(wire.TagRQUCommand, wire.OrdOIAP, nil)
	oiapResp := parseResponse(t, d.Handle(oiapFrame))
	require.Equal(t, wire.Success, oiapResp.rc)
	oiapR := wire.NewReader(oiapResp.body)
	oiapHandle, err := oiapR.LoadU32()
	require.NoError(t, err)
	var oiapNonceEven [20]byte
	require.NoError(t, oiapR.LoadFixed(oiapNonceEven[:]))

	ownerAuthBlockFor := func(ordinal uint32, params []byte, nonceOdd [20]byte, cont bool) sessions.AuthBlock {
		hIn := hInFor(ordinal, params)
		auth := authHMAC(ownerAuth, hIn, oiapNonceEven, nonceOdd, cont)
		return sessions.AuthBlock{AuthHandle: oiapHandle, NonceOdd: nonceOdd, ContinueAuthSession: cont, Auth: auth}
	}
	observeOwnerAuth := func(ordinal uint32, body []byte, reqNonceOdd [20]byte, cont bool) {
		r := wire.NewReader(body)
		require.GreaterOrEqual(t, len(body), 41)
		outParams, err := r.LoadBytes(len(body) - 41)
		require.NoError(t, err)
		var respNonceEven [20]byte
		require.NoError(t, r.LoadFixed(respNonceEven[:]))
		gotCont, err := r.LoadBool()
		require.NoError(t, err)
		require.Equal(t, cont, gotCont)
		var gotAuth [20]byte
		require.NoError(t, r.LoadFixed(gotAuth[:]))

		hOut := hOutFor(ordinal, outParams)
		wantAuth := authHMAC(ownerAuth, hOut, respNonceEven, reqNonceOdd, cont)
		require.Equal(t, wantAuth, gotAuth)

		oiapNonceEven = respNonceEven
	}

	const nvIndex = 0x00010001
	const attrsOwnerWriteReadWriteSTClear = 1<<3 | 1<<2 | 1<<8 // OWNERWRITE | OWNERREAD | WRITE_STCLEAR

	defParams := wire.NewWriter()
	defParams.StoreU32(nvIndex)
	defParams.StoreU32(attrsOwnerWriteReadWriteSTClear)
	defParams.StoreSized(nil)
	defParams.StoreSized(nil)
	defParams.StoreU32(32)
	var defEncAuth [20]byte
	defParams.StoreBytes(defEncAuth[:])

	var defNonceOdd [20]byte
	copy(defNonceOdd[:], []byte("nv-define-nonce-odd-012"))
	defAuth := ownerAuthBlockFor(wire.OrdNVDefineSpace, defParams.Bytes(), defNonceOdd, true)
	defFrame := buildFrame(wire.TagRQUAuth1Command, wire.OrdNVDefineSpace, defParams.Bytes(), defAuth)
	defResp := parseResponse(t, d.Handle(defFrame))
	require.Equal(t, wire.Success, defResp.rc)
	observeOwnerAuth(wire.OrdNVDefineSpace, defResp.body, defNonceOdd, true)

	aaData := make([]byte, 32)
	for i := range aaData {
		aaData[i] = 0xAA
	}
	writeParams := wire.NewWriter()
	writeParams.StoreU32(nvIndex)
	writeParams.StoreU32(0)
	writeParams.StoreSized(aaData)
	var writeNonceOdd [20]byte
	copy(writeNonceOdd[:], []byte("nv-write-aa-nonce-odd-1"))
	writeAuth := ownerAuthBlockFor(wire.OrdNVWriteValue, writeParams.Bytes(), writeNonceOdd, true)
	writeFrame := buildFrame(wire.TagRQUAuth1Command, wire.OrdNVWriteValue, writeParams.Bytes(), writeAuth)
	writeResp := parseResponse(t, d.Handle(writeFrame))
	require.Equal(t, wire.Success, writeResp.rc)
	observeOwnerAuth(wire.OrdNVWriteValue, writeResp.body, writeNonceOdd, true)

	readParams := wire.NewWriter()
	readParams.StoreU32(nvIndex)
	readParams.StoreU32(0)
	readParams.StoreU32(32)
	var readNonceOdd [20]byte
	copy(readNonceOdd[:], []byte("nv-read-back-nonce-odd1"))
	readAuth := ownerAuthBlockFor(wire.OrdNVReadValue, readParams.Bytes(), readNonceOdd, true)
	readFrame := buildFrame(wire.TagRQUAuth1Command, wire.OrdNVReadValue, readParams.Bytes(), readAuth)
	readResp := parseResponse(t, d.Handle(readFrame))
	require.Equal(t, wire.Success, readResp.rc)
	observeOwnerAuth(wire.OrdNVReadValue, readResp.body, readNonceOdd, true)
	rr := wire.NewReader(readResp.body[:len(readResp.body)-41])
	readBack, err := rr.LoadSized()
	require.NoError(t, err)
	require.Equal(t, aaData, readBack)

	// A zero-length write latches bWriteSTClear.
	emptyWriteParams := wire.NewWriter()
	emptyWriteParams.StoreU32(nvIndex)
	emptyWriteParams.StoreU32(0)
	emptyWriteParams.StoreSized(nil)
	var emptyNonceOdd [20]byte
	copy(emptyNonceOdd[:], []byte("nv-write-empty-nonce-od"))
	emptyAuth := ownerAuthBlockFor(wire.OrdNVWriteValue, emptyWriteParams.Bytes(), emptyNonceOdd, true)
	emptyFrame := buildFrame(wire.TagRQUAuth1Command, wire.OrdNVWriteValue, emptyWriteParams.Bytes(), emptyAuth)
	emptyResp := parseResponse(t, d.Handle(emptyFrame))
	require.Equal(t, wire.Success, emptyResp.rc)
	observeOwnerAuth(wire.OrdNVWriteValue, emptyResp.body, emptyNonceOdd, true)

	// A further non-empty write is now locked until the next Startup(ST_Clear).
	bbData := make([]byte, 32)
	for i := range bbData {
		bbData[i] = 0xBB
	}
	lockedWriteParams := wire.NewWriter()
	lockedWriteParams.StoreU32(nvIndex)
	lockedWriteParams.StoreU32(0)
	lockedWriteParams.StoreSized(bbData)
	var lockedNonceOdd [20]byte
	copy(lockedNonceOdd[:], []byte("nv-write-bb-nonce-odd-1"))
	lockedAuth := ownerAuthBlockFor(wire.OrdNVWriteValue, lockedWriteParams.Bytes(), lockedNonceOdd, false)
	lockedFrame := buildFrame(wire.TagRQUAuth1Command, wire.OrdNVWriteValue, lockedWriteParams.Bytes(), lockedAuth)
	lockedResp := parseResponse(t, d.Handle(lockedFrame))
	require.Equal(t, wire.RCAreaLocked, lockedResp.rc)

	// Startup(ST_Clear) clears bWriteSTClear; a fresh OIAP session is needed
	// since the prior one was not continued past the locked attempt.
	startupFrame := buildFrame(wire.TagRQUCommand, wire.OrdStartup, []byte{0, 1})
	startupResp := parseResponse(t, d.Handle(startupFrame))
	require.Equal(t, wire.Success, startupResp.rc)

	oiapFrame2 := buildFrame(wire.TagRQUCommand, wire.OrdOIAP, nil)
	oiapResp2 := parseResponse(t, d.Handle(oiapFrame2))
	require.Equal(t, wire.Success, oiapResp2.rc)
	oiapR2 := wire.NewReader(oiapResp2.body)
	oiapHandle2, err := oiapR2.LoadU32()
	require.NoError(t, err)
	var oiapNonceEven2 [20]byte
	require.NoError(t, oiapR2.LoadFixed(oiapNonceEven2[:]))

	var finalNonceOdd [20]byte
	copy(finalNonceOdd[:], []byte("nv-write-final-nonce-od"))
	finalHIn := hInFor(wire.OrdNVWriteValue, lockedWriteParams.Bytes())
	finalAuth := sessions.AuthBlock{
		AuthHandle:          oiapHandle2,
		NonceOdd:            finalNonceOdd,
		ContinueAuthSession: false,
		Auth:                authHMAC(ownerAuth, finalHIn, oiapNonceEven2, finalNonceOdd, false),
	}
	finalFrame := buildFrame(wire.TagRQUAuth1Command, wire.OrdNVWriteValue, lockedWriteParams.Bytes(), finalAuth)
	finalResp := parseResponse(t, d.Handle(finalFrame))
	require.Equal(t, wire.Success, finalResp.rc)
}

func TestHandleNVDefineSpaceRequiresPhysicalPresenceBeforeOwner(t *testing.T) {
	d, _ := newTestDispatcher(t)

	defParams := wire.NewWriter()
	defParams.StoreU32(0x00001001)
	defParams.StoreU32(0)
	defParams.StoreSized(nil)
	defParams.StoreSized(nil)
	defParams.StoreU32(8)
	var encAuth [20]byte
	defParams.StoreBytes(encAuth[:])

	frame := buildFrame(wire.TagRQUCommand, wire.OrdNVDefineSpace, defParams.Bytes())
	resp := parseResponse(t, d.Handle(frame))
	require.Equal(t, wire.RCNoNVPermission, resp.rc)
}
