package sessions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberus-technology/tpm12d/internal/config"
	"github.com/cyberus-technology/tpm12d/internal/tpmcrypto"
)

func TestNewOIAPAssignsHandleAndNonce(t *testing.T) {
	tbl := NewTable(3)
	s, err := tbl.NewOIAP()
	require.NoError(t, err)
	assert.NotZero(t, s.Handle)
	assert.NotEqual(t, [20]byte{}, s.NonceEven)
	assert.Equal(t, ProtocolOIAP, s.Protocol)
}

func TestTableCapacityExhausted(t *testing.T) {
	tbl := NewTable(2)
	_, err := tbl.NewOIAP()
	require.NoError(t, err)
	_, err = tbl.NewOIAP()
	require.NoError(t, err)
	_, err = tbl.NewOIAP()
	assert.ErrorIs(t, err, ErrNoFreeSlot)
}

func TestGetUnknownHandle(t *testing.T) {
	tbl := NewTable(2)
	_, err := tbl.Get(0xdeadbeef)
	assert.ErrorIs(t, err, ErrBadHandle)
}

func TestRemoveFreesSlot(t *testing.T) {
	tbl := NewTable(1)
	s, err := tbl.NewOIAP()
	require.NoError(t, err)
	tbl.Remove(s.Handle)
	_, err = tbl.NewOIAP()
	assert.NoError(t, err)
}

func TestRemoveEntityFlushesBoundOSAPSessions(t *testing.T) {
	tbl := NewTable(2)
	var entityAuth, nonceOdd [20]byte
	s, _, err := tbl.NewOSAP(0x0001, 42, entityAuth, nonceOdd)
	require.NoError(t, err)

	tbl.RemoveEntity(42)
	_, err = tbl.Get(s.Handle)
	assert.ErrorIs(t, err, ErrBadHandle)
}

func TestClearRemovesAllSessions(t *testing.T) {
	tbl := NewTable(2)
	_, err := tbl.NewOIAP()
	require.NoError(t, err)
	_, err = tbl.NewOIAP()
	require.NoError(t, err)
	tbl.Clear()
	assert.Equal(t, 0, tbl.Count())
}

func TestOSAPSharedSecretMatchesSpecFormula(t *testing.T) {
	tbl := NewTable(2)
	var entityAuth [20]byte
	copy(entityAuth[:], []byte("entity-auth-value..."))
	var nonceOddOSAP [20]byte
	copy(nonceOddOSAP[:], []byte("nonce-odd-osap12345."))

	s, nonceEvenOSAP, err := tbl.NewOSAP(0x0001, 7, entityAuth, nonceOddOSAP)
	require.NoError(t, err)

	want := tpmcrypto.HMACSHA1(entityAuth[:], nonceOddOSAP[:], nonceEvenOSAP[:])
	assert.Equal(t, [20]byte(want), s.SharedSecret)
}

func TestVerifyCommandRoundTrip(t *testing.T) {
	tbl := NewTable(1)
	s, err := tbl.NewOIAP()
	require.NoError(t, err)

	var usageAuth [20]byte
	copy(usageAuth[:], []byte("owner-usage-auth...."))

	hIn := [20]byte(tpmcrypto.SHA1([]byte("ordinal+params")))
	nonceOdd := [20]byte(tpmcrypto.SHA1([]byte("client-nonce-odd")))

	auth := expectedHMAC(usageAuth, hIn, s.NonceEven, nonceOdd, true)
	in := AuthBlock{AuthHandle: s.Handle, NonceOdd: nonceOdd, ContinueAuthSession: true, Auth: auth}

	err = VerifyCommand(s, usageAuth, hIn, in)
	assert.NoError(t, err)
	assert.True(t, s.ContinueAuthSession)
}

func TestVerifyCommandRejectsBadHMAC(t *testing.T) {
	tbl := NewTable(1)
	s, err := tbl.NewOIAP()
	require.NoError(t, err)

	var usageAuth [20]byte
	hIn := [20]byte(tpmcrypto.SHA1([]byte("ordinal+params")))
	var nonceOdd, badAuth [20]byte

	err = VerifyCommand(s, usageAuth, hIn, AuthBlock{AuthHandle: s.Handle, NonceOdd: nonceOdd, Auth: badAuth})
	assert.ErrorIs(t, err, ErrAuthFail)
}

func TestEmitResponseRefreshesNonceEven(t *testing.T) {
	tbl := NewTable(1)
	s, err := tbl.NewOIAP()
	require.NoError(t, err)
	before := s.NonceEven

	var usageAuth, nonceOdd [20]byte
	hOut := [20]byte(tpmcrypto.SHA1([]byte("rc+ordinal+returnparams")))

	out, err := EmitResponse(s, usageAuth, hOut, nonceOdd)
	require.NoError(t, err)
	assert.NotEqual(t, before, s.NonceEven)
	assert.Equal(t, s.NonceEven, out.NonceOdd)
}

func TestDecryptADIPXorRoundTrip(t *testing.T) {
	var shared, nonceEven, nonceOdd [20]byte
	copy(shared[:], []byte("shared-secret-bytes."))
	copy(nonceEven[:], []byte("nonce-even-12345678."))
	copy(nonceOdd[:], []byte("nonce-odd--12345678."))

	var plain [20]byte
	copy(plain[:], []byte("plaintext-auth-value"))

	seed := append(append(append([]byte{}, shared[:]...), nonceEven[:]...), nonceOdd[:]...)
	seed = append(seed, 'X', 'O', 'R')
	mask := tpmcrypto.MGF1(seed, 20)
	var encAuth [20]byte
	for i := range encAuth {
		encAuth[i] = plain[i] ^ mask[i]
	}

	got, err := DecryptADIPSingle(ADIPXor, shared, nonceEven, nonceOdd, encAuth)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestDecryptADIPSwappedUsesReversedNonceOrder(t *testing.T) {
	var shared, nonceEven, nonceOdd [20]byte
	copy(shared[:], []byte("shared-secret-bytes."))
	copy(nonceEven[:], []byte("nonce-even-12345678."))
	copy(nonceOdd[:], []byte("nonce-odd--12345678."))

	var encAuth [20]byte
	copy(encAuth[:], []byte("whatever-cipher-byte"))

	viaSingle, err := DecryptADIPSingle(ADIPXor, shared, nonceEven, nonceOdd, encAuth)
	require.NoError(t, err)
	viaSwapped, err := DecryptADIPSwapped(ADIPXor, shared, nonceEven, nonceOdd, encAuth)
	require.NoError(t, err)
	assert.NotEqual(t, viaSingle, viaSwapped)
}

func TestDecryptADIPAES128CTR(t *testing.T) {
	var shared, nonceEven, nonceOdd [20]byte
	copy(shared[:], []byte("0123456789abcdef...."))
	copy(nonceEven[:], []byte("nonce-even-12345678."))
	copy(nonceOdd[:], []byte("nonce-odd--12345678."))

	iv := tpmcrypto.SHA1(nonceEven[:], nonceOdd[:])
	var ctr [16]byte
	copy(ctr[:], iv[:16])

	var plain [20]byte
	copy(plain[:], []byte("plaintext-auth-value"))
	cipher, err := tpmcrypto.AES128CTRTPM(shared[:16], ctr, plain[:])
	require.NoError(t, err)
	var encAuth [20]byte
	copy(encAuth[:], cipher)

	got, err := DecryptADIPSingle(ADIPAES128CTR, shared, nonceEven, nonceOdd, encAuth)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestLockoutArmsAfterThreshold(t *testing.T) {
	l := NewLockout(config.LockoutConfig{Threshold: 2, BaseDelay: time.Second, MaxDelay: time.Minute})
	now := time.Unix(0, 0)

	assert.NoError(t, l.Check(now))
	l.RecordAuthFail(now)
	assert.NoError(t, l.Check(now))
	l.RecordAuthFail(now)
	assert.ErrorIs(t, l.Check(now), ErrDefendLockRunning)
}

func TestLockoutResetClearsBackoff(t *testing.T) {
	l := NewLockout(config.LockoutConfig{Threshold: 1, BaseDelay: time.Second, MaxDelay: time.Minute})
	now := time.Unix(0, 0)
	l.RecordAuthFail(now)
	require.ErrorIs(t, l.Check(now), ErrDefendLockRunning)

	l.Reset()
	assert.NoError(t, l.Check(now))
}

func TestLockoutDelayCappedAtMaxDelay(t *testing.T) {
	l := NewLockout(config.LockoutConfig{Threshold: 1, BaseDelay: time.Second, MaxDelay: 2 * time.Second})
	now := time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		l.RecordAuthFail(now)
	}
	assert.ErrorIs(t, l.Check(now.Add(1*time.Second)), ErrDefendLockRunning)
	assert.NoError(t, l.Check(now.Add(3*time.Second)))
}
