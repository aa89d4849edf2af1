package keystore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberus-technology/tpm12d/internal/pcr"
	"github.com/cyberus-technology/tpm12d/internal/sessions"
	"github.com/cyberus-technology/tpm12d/internal/tpmcrypto"
)

func TestSealThenUnsealRoundTrip(t *testing.T) {
	parent, parentPriv := newStorageKey(t, 2048)
	bank := pcr.NewBank(24)

	var authData, tpmProof [20]byte
	copy(tpmProof[:], []byte("tpm-proof-value-xxxx"))
	copy(authData[:], []byte("blob-auth-value-good"))

	sealInfo := &StoredData{}
	out, err := Seal(parent, bank, 0, authData, sealInfo, tpmProof, []byte("hello"))
	require.NoError(t, err)

	got, err := Unseal(parent, parentPriv, bank, 0, tpmProof, out, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestSealRejectsMigratableParent(t *testing.T) {
	parent, _ := newStorageKey(t, 2048)
	parent.Flags.Migratable = true
	bank := pcr.NewBank(24)
	var authData, tpmProof [20]byte

	_, err := Seal(parent, bank, 0, authData, &StoredData{}, tpmProof, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKeyUsage)
}

func TestUnsealRejectsWrongTPMProof(t *testing.T) {
	parent, parentPriv := newStorageKey(t, 2048)
	bank := pcr.NewBank(24)
	var authData, tpmProof, wrongProof [20]byte
	copy(tpmProof[:], []byte("tpm-proof-value-xxxx"))
	copy(wrongProof[:], []byte("not-the-right-proof."))

	out, err := Seal(parent, bank, 0, authData, &StoredData{}, tpmProof, []byte("hello"))
	require.NoError(t, err)

	_, err = Unseal(parent, parentPriv, bank, 0, wrongProof, out, nil)
	assert.ErrorIs(t, err, ErrWrongSecret)
}

func TestSealBindsToPCRAndUnsealDetectsTamper(t *testing.T) {
	parent, parentPriv := newStorageKey(t, 2048)
	bank := pcr.NewBank(24)
	_, err := bank.Extend(0, [20]byte(tpmcrypto.SHA1([]byte("boot"))))
	require.NoError(t, err)

	sel := pcr.NewSelection(24)
	sel.Set(0)

	var authData, tpmProof [20]byte
	sealInfo := &StoredData{PCRInfoShort: &pcr.InfoShort{Selection: sel, LocalityAtRelease: 0x01}}
	out, err := Seal(parent, bank, 0, authData, sealInfo, tpmProof, []byte("secret"))
	require.NoError(t, err)

	_, err = bank.Extend(0, [20]byte(tpmcrypto.SHA1([]byte("tamper"))))
	require.NoError(t, err)

	_, err = Unseal(parent, parentPriv, bank, 0, tpmProof, out, nil)
	assert.ErrorIs(t, err, pcr.ErrWrongPCRValue)
}

func TestSealxThenUnsealReEncryptsUnderSession(t *testing.T) {
	parent, parentPriv := newStorageKey(t, 2048)
	bank := pcr.NewBank(24)
	var authData, tpmProof [20]byte

	var sharedSecret, nonceEven, nonceOdd [20]byte
	copy(sharedSecret[:], []byte("osap-shared-secret.."))
	copy(nonceEven[:], []byte("nonce-even-12345678."))
	copy(nonceOdd[:], []byte("nonce-odd--12345678."))

	sealInfo := &StoredData{}
	out, err := Sealx(parent, bank, 0, authData, sealInfo, tpmProof, []byte("xdata"), sessions.ADIPXor, sharedSecret, nonceEven, nonceOdd)
	require.NoError(t, err)

	sess := &sessions.Session{Protocol: sessions.ProtocolOSAP, SharedSecret: sharedSecret, NonceEven: nonceEven}
	reenc, err := Unseal(parent, parentPriv, bank, 0, tpmProof, out, sess)
	require.NoError(t, err)
	assert.NotEqual(t, "xdata", string(reenc))
	assert.False(t, sess.ContinueAuthSession)
}

func TestUnBindLegacyReturnsRawPlaintext(t *testing.T) {
	_, priv := newStorageKey(t, 2048)
	key := &Key{Usage: UsageLegacy, PublicModulus: priv.N}

	ct, err := tpmcrypto.RSAPublicEncryptOAEP(priv.N, []byte{0x01, 0x00, 0x01}, "TCPA", []byte("legacy-plaintext"))
	require.NoError(t, err)

	got, err := UnBind(key, priv, ct)
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext", string(got))
}

func TestUnBindBindKeyParsesBoundData(t *testing.T) {
	_, priv := newStorageKey(t, 2048)
	key := &Key{Usage: UsageBind, PublicModulus: priv.N}

	plain := append([]byte{0x01, PayloadBindByte}, []byte("bound-payload")...)
	ct, err := tpmcrypto.RSAPublicEncryptOAEP(priv.N, []byte{0x01, 0x00, 0x01}, "TCPA", plain)
	require.NoError(t, err)

	got, err := UnBind(key, priv, ct)
	require.NoError(t, err)
	assert.Equal(t, "bound-payload", string(got))
}
