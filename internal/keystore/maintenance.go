package keystore

import (
	"github.com/pkg/errors"

	"github.com/cyberus-technology/tpm12d/internal/tpmcrypto"
	"github.com/cyberus-technology/tpm12d/internal/wire"
)

// ErrMaintenanceDisabled names the condition of a maintenance-archive
// ordinal invoked while allowMaintenance is false, or LoadManuMaintPub
// invoked a second time. No function in this package returns it; the
// dispatcher reports those cases with its own sentinel.
var ErrMaintenanceDisabled = errors.New("keystore: maintenance feature disabled")

// MaintenanceArchive is the serialized output of CreateMaintenanceArchive:
// a1 (the SRK copy with encData replaced) plus the inner-wrap randomizer,
// when the caller requested one back.
type MaintenanceArchive struct {
	A1     []byte
	Random []byte // zero-length unless generateRandom was requested
}

// CreateMaintenanceArchive implements §4.7: wrap a copy of the SRK keyed to
// manuMaintPub, so that only the manufacturer can recover it.
func CreateMaintenanceArchive(srk *Key, srkPriv *tpmcrypto.RSAKeyPair, manuMaintPub []byte, ownerAuth, tpmProof [20]byte, generateRandom bool) (*MaintenanceArchive, error) {
	m1 := &StoreAsymkey{
		PayloadType:   PayloadMaint,
		UsageAuth:     tpmProof,
		MigrationAuth: ownerAuth,
		PubDataDigest: srk.PublicDigest(),
		P:             srkPriv.P,
		Q:             srkPriv.Q,
	}
	plainM1 := storeStoreAsymkey(m1)

	modLen := len(srk.PublicModulus)
	o1, err := oaepEncode(plainM1, []byte(hmacLabel(ownerAuth)), modLen)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: oaep-encoding maintenance payload")
	}

	var r1, returnedRandom []byte
	if generateRandom {
		r1, err = tpmcrypto.Rand(len(o1))
		if err != nil {
			return nil, errors.Wrap(err, "keystore: generating inner-wrap randomizer")
		}
		returnedRandom = r1
	} else {
		r1 = tpmcrypto.MGF1(ownerAuth[:], len(o1))
		returnedRandom = []byte{}
	}

	x1 := make([]byte, len(o1))
	for i := range o1 {
		x1[i] = o1[i] ^ r1[i]
	}

	a1EncData, err := tpmcrypto.RSAPublicEncryptOAEP(manuMaintPub, []byte{0x01, 0x00, 0x01}, "TCPA", x1)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: outer-wrapping maintenance payload")
	}

	a1 := &Key{
		VersionTag:     srk.VersionTag,
		Usage:          srk.Usage,
		Flags:          srk.Flags,
		AuthDataUsage:  srk.AuthDataUsage,
		AlgorithmParms: srk.AlgorithmParms,
		PCRInfoShort:   srk.PCRInfoShort,
		PCRInfoLong:    srk.PCRInfoLong,
		PublicModulus:  srk.PublicModulus,
	}
	w := wire.NewWriter()
	a1.Store(w, a1EncData)

	return &MaintenanceArchive{A1: w.Bytes(), Random: returnedRandom}, nil
}

func hmacLabel(ownerAuth [20]byte) string { return string(ownerAuth[:]) }

// oaepEncode runs the OAEP *encoding* step (no RSA) over msg, producing a
// modLen-byte padded block, so CreateMaintenanceArchive can XOR-mask it
// before the outer RSA-OAEP-encrypt — the façade only exposes full
// encrypt/decrypt, so this mirrors that shape using the SHA-1 digest +
// MGF1 primitives it already exports.
func oaepEncode(msg, label []byte, modLen int) ([]byte, error) {
	hLen := 20
	if len(msg) > modLen-2*hLen-2 {
		return nil, errors.New("keystore: maintenance payload too large for modulus")
	}
	lHash := tpmcrypto.SHA1(label)
	psLen := modLen - len(msg) - 2*hLen - 2
	ps := make([]byte, psLen)

	db := make([]byte, 0, modLen-hLen-1)
	db = append(db, lHash[:]...)
	db = append(db, ps...)
	db = append(db, 0x01)
	db = append(db, msg...)

	seed, err := tpmcrypto.Rand(hLen)
	if err != nil {
		return nil, err
	}
	dbMask := tpmcrypto.MGF1(seed, len(db))
	maskedDB := make([]byte, len(db))
	for i := range db {
		maskedDB[i] = db[i] ^ dbMask[i]
	}

	seedMask := tpmcrypto.MGF1(maskedDB, hLen)
	maskedSeed := make([]byte, hLen)
	for i := range seed {
		maskedSeed[i] = seed[i] ^ seedMask[i]
	}

	out := make([]byte, 0, modLen)
	out = append(out, 0x00)
	out = append(out, maskedSeed...)
	out = append(out, maskedDB...)
	return out, nil
}

// LoadMaintenanceArchive implements §4.7: invert the outer wrap using the
// manufacturer's maintenance private key (the counterpart of manuMaintPub
// CreateMaintenanceArchive encrypted to — see DESIGN.md's Open Question
// decision), strip the inner wrap with the MGF1(ownerAuth) mask, and return
// the recovered SRK key pair, tpmProof and ownerAuth. It replaces no state
// itself; installing the returned values is left to the caller. Archives
// made with generateRandom=true are not handled: the inner wrap is always
// taken to be the MGF1(ownerAuth) mask.
func LoadMaintenanceArchive(manuMaintPriv *tpmcrypto.RSAKeyPair, archive *MaintenanceArchive, ownerAuth [20]byte) (newSRKPriv *tpmcrypto.RSAKeyPair, newTPMProof, newOwnerAuth [20]byte, err error) {
	r := wire.NewReader(archive.A1)
	a1, loadErr := LoadKey(r, VersionV12)
	if loadErr != nil {
		return nil, [20]byte{}, [20]byte{}, loadErr
	}

	x1, decErr := tpmcrypto.RSAPrivateDecryptOAEP(manuMaintPriv, "TCPA", a1.EncDataRaw)
	if decErr != nil {
		return nil, [20]byte{}, [20]byte{}, errors.Wrap(decErr, "keystore: decrypting maintenance archive outer wrap")
	}

	r1 := tpmcrypto.MGF1(ownerAuth[:], len(x1))
	o1 := make([]byte, len(x1))
	for i := range x1 {
		o1[i] = x1[i] ^ r1[i]
	}

	plainM1, decodeErr := oaepDecode(o1, []byte(hmacLabel(ownerAuth)))
	if decodeErr != nil {
		return nil, [20]byte{}, [20]byte{}, errors.Wrap(decodeErr, "keystore: decoding maintenance payload — wrong owner auth?")
	}

	m1, parseErr := loadStoreAsymkey(plainM1)
	if parseErr != nil {
		return nil, [20]byte{}, [20]byte{}, parseErr
	}
	if m1.PayloadType != PayloadMaint {
		return nil, [20]byte{}, [20]byte{}, errors.Wrap(ErrInvalidKeyUsage, "maintenance archive payload is not Maint")
	}

	rsaPair := &tpmcrypto.RSAKeyPair{N: a1.PublicModulus, E: []byte{0x01, 0x00, 0x01}, P: m1.P, Q: m1.Q}
	d, derr := derivePrivateExponent(rsaPair)
	if derr != nil {
		return nil, [20]byte{}, [20]byte{}, derr
	}
	rsaPair.D = d

	return rsaPair, m1.UsageAuth, m1.MigrationAuth, nil
}

// oaepDecode inverts oaepEncode given the label the caller expects.
func oaepDecode(encoded, label []byte) ([]byte, error) {
	hLen := 20
	if len(encoded) < 2*hLen+2 || encoded[0] != 0x00 {
		return nil, errors.New("keystore: malformed oaep block")
	}
	maskedSeed := encoded[1 : 1+hLen]
	maskedDB := encoded[1+hLen:]

	seedMask := tpmcrypto.MGF1(maskedDB, hLen)
	seed := make([]byte, hLen)
	for i := range seed {
		seed[i] = maskedSeed[i] ^ seedMask[i]
	}

	dbMask := tpmcrypto.MGF1(seed, len(maskedDB))
	db := make([]byte, len(maskedDB))
	for i := range db {
		db[i] = maskedDB[i] ^ dbMask[i]
	}

	lHash := tpmcrypto.SHA1(label)
	if string(db[:hLen]) != string(lHash[:]) {
		return nil, errors.New("keystore: oaep label hash mismatch")
	}

	rest := db[hLen:]
	i := 0
	for i < len(rest) && rest[i] == 0x00 {
		i++
	}
	if i >= len(rest) || rest[i] != 0x01 {
		return nil, errors.New("keystore: oaep padding malformed")
	}
	return rest[i+1:], nil
}

// KillMaintenanceFeature atomically disables maintenance-archive ordinals;
// the caller (dispatcher) is responsible for persisting the resulting
// allowMaintenance=false flag.
func KillMaintenanceFeature() bool { return false }
