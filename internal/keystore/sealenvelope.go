package keystore

import (
	"github.com/pkg/errors"

	"github.com/cyberus-technology/tpm12d/internal/pcr"
	"github.com/cyberus-technology/tpm12d/internal/sessions"
	"github.com/cyberus-technology/tpm12d/internal/tpmcrypto"
	"github.com/cyberus-technology/tpm12d/internal/wire"
)

// StoredData tags (§4.6).
const (
	TagStoredDataV1 = 0x0101 // ver{1,1,0,0} packed as a u16 pair, stored as one field here
	TagStoredData12 = 0x0016 // TPM_TAG_STORED_DATA12
)

// Payload type bytes (§4.6).
const (
	PayloadSealByte byte = 0x05
	PayloadBindByte byte = 0x02
)

// ErrWrongSecret is returned when a sealed blob's tpmProof or storedDigest
// does not match.
var ErrWrongSecret = errors.New("keystore: sealed blob integrity check failed")

// StoredData is the wire envelope Seal/Sealx produce and Unseal consumes.
type StoredData struct {
	IsV2           bool
	EntityType     byte // V2 only; bit7 set means Sealx re-encrypt-on-Unseal, bit0 selects the scheme
	PCRInfoShort   *pcr.InfoShort
	PCRInfoLong    *pcr.InfoLong
	EncData        []byte
}

// LoadStoredData decodes a StoredData, discriminating V1 from V2 by tag.
func LoadStoredData(r *wire.Reader) (*StoredData, error) {
	tag, err := r.LoadU16()
	if err != nil {
		return nil, err
	}
	sd := &StoredData{}
	if tag == TagStoredData12 {
		sd.IsV2 = true
		et, err := r.LoadU8()
		if err != nil {
			return nil, err
		}
		sd.EntityType = et
	} else if tag == TagStoredDataV1 {
		// The remaining two bytes of the TPM_STRUCT_VER{1,1,0,0} version
		// quad; V1 carries no entity-type byte.
		if _, err := r.LoadU16(); err != nil {
			return nil, err
		}
	} else {
		return nil, errors.Wrap(wire.ErrTagMismatch, "keystore: unrecognized StoredData tag")
	}

	sealInfo, err := r.LoadSized()
	if err != nil {
		return nil, err
	}
	if len(sealInfo) > 0 {
		pr := wire.NewReader(sealInfo)
		if sd.IsV2 {
			info, err := pcr.LoadInfoLong(pr)
			if err != nil {
				return nil, err
			}
			sd.PCRInfoLong = &info
		} else {
			info, err := pcr.LoadInfoShort(pr)
			if err != nil {
				return nil, err
			}
			sd.PCRInfoShort = &info
		}
	}

	sd.EncData, err = r.LoadSized()
	if err != nil {
		return nil, err
	}
	return sd, nil
}

// storeWithoutEncData encodes every field except encData, the input to the
// storedDigest computation.
func (sd *StoredData) storeWithoutEncData(w *wire.Writer) {
	if sd.IsV2 {
		w.StoreU16(TagStoredData12)
		w.StoreU8(sd.EntityType)
	} else {
		w.StoreU16(TagStoredDataV1)
		w.StoreU16(0x0000)
	}
	pcrW := wire.NewWriter()
	if sd.PCRInfoLong != nil {
		sd.PCRInfoLong.Store(pcrW)
	} else if sd.PCRInfoShort != nil {
		sd.PCRInfoShort.Store(pcrW)
	}
	w.StoreSized(pcrW.Bytes())
}

// Store encodes the full StoredData including encData.
func (sd *StoredData) Store(w *wire.Writer) {
	sd.storeWithoutEncData(w)
	w.StoreSized(sd.EncData)
}

// SealedData is the cleartext encData decrypts to.
type SealedData struct {
	PayloadType   byte
	AuthData      [20]byte
	TPMProof      [20]byte
	StoredDigest  [20]byte
	Data          []byte
}

func loadSealedData(plain []byte) (*SealedData, error) {
	r := wire.NewReader(plain)
	payloadType, err := r.LoadU8()
	if err != nil {
		return nil, err
	}
	sd := &SealedData{PayloadType: payloadType}
	if err := r.LoadFixed(sd.AuthData[:]); err != nil {
		return nil, err
	}
	if err := r.LoadFixed(sd.TPMProof[:]); err != nil {
		return nil, err
	}
	if err := r.LoadFixed(sd.StoredDigest[:]); err != nil {
		return nil, err
	}
	sd.Data, err = r.LoadSized()
	if err != nil {
		return nil, err
	}
	return sd, nil
}

func storeSealedData(sd *SealedData) []byte {
	w := wire.NewWriter()
	w.StoreU8(sd.PayloadType)
	w.StoreBytes(sd.AuthData[:])
	w.StoreBytes(sd.TPMProof[:])
	w.StoreBytes(sd.StoredDigest[:])
	w.StoreSized(sd.Data)
	return w.Bytes()
}

// Seal implements §4.6 Seal: parent must be Storage and non-migratable. A
// is the already-ADIP-decrypted encAuth (no further validation per spec).
// pcrBank/locality fill digestAtCreation (and localityAtCreation for V2).
func Seal(parent *Key, pcrBank *pcr.Bank, locality uint8, authData [20]byte, sealInfo *StoredData, tpmProof [20]byte, inData []byte) (*StoredData, error) {
	if parent.Usage != UsageStorage {
		return nil, errors.Wrap(ErrInvalidKeyUsage, "seal parent must be a storage key")
	}
	if parent.Flags.Migratable {
		return nil, errors.Wrap(ErrInvalidKeyUsage, "seal parent must be non-migratable")
	}

	if sealInfo.IsV2 {
		if sealInfo.PCRInfoLong != nil {
			digest, err := pcr.Composite(pcrBank, sealInfo.PCRInfoLong.CreationPCRSelection)
			if err != nil {
				return nil, err
			}
			sealInfo.PCRInfoLong.DigestAtCreation = digest
			sealInfo.PCRInfoLong.LocalityAtCreation = locality
		}
	} else if sealInfo.PCRInfoShort != nil {
		digest, err := pcr.Composite(pcrBank, sealInfo.PCRInfoShort.Selection)
		if err != nil {
			return nil, err
		}
		// PcrInfoShort has a single digestAtRelease; §4.6 fills the
		// creation-time composite into the same field for V1 sealed blobs.
		sealInfo.PCRInfoShort.DigestAtRelease = digest
	}

	sealed := &SealedData{
		PayloadType: PayloadSealByte,
		AuthData:    authData,
		TPMProof:    tpmProof,
		Data:        inData,
	}

	withoutEncW := wire.NewWriter()
	sealInfo.storeWithoutEncData(withoutEncW)
	sealed.StoredDigest = [20]byte(tpmcrypto.SHA1(withoutEncW.Bytes()))

	plain := storeSealedData(sealed)
	encData, err := tpmcrypto.RSAPublicEncryptOAEP(parent.PublicModulus, []byte{0x01, 0x00, 0x01}, "TCPA", plain)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: sealing under parent")
	}
	sealInfo.EncData = encData
	return sealInfo, nil
}

// Sealx implements §4.6 Sealx: identical to Seal except inData is itself
// ADIP-encrypted under the session's sharedSecret before sealing, and the
// low bit of et records which scheme (XOR vs AES128-CTR) was used so Unseal
// can re-derive it.
func Sealx(parent *Key, pcrBank *pcr.Bank, locality uint8, authData [20]byte, sealInfo *StoredData, tpmProof [20]byte, inData []byte, scheme sessions.ADIPScheme, sharedSecret, nonceEven, nonceOdd [20]byte) (*StoredData, error) {
	sealInfo.IsV2 = true
	var et byte
	if scheme == sessions.ADIPAES128CTR {
		et = 0x01
	} else {
		et = 0x00
	}
	// bit7 signals "re-encrypt on Unseal" per §4.6; bit0 selects the scheme.
	sealInfo.EntityType = 0x80 | et

	encrypted, err := sealxEncrypt(scheme, sharedSecret, nonceEven, nonceOdd, inData)
	if err != nil {
		return nil, err
	}

	return Seal(parent, pcrBank, locality, authData, sealInfo, tpmProof, encrypted)
}

func sealxEncrypt(scheme sessions.ADIPScheme, sharedSecret, nonceEven, nonceOdd [20]byte, data []byte) ([]byte, error) {
	switch scheme {
	case sessions.ADIPXor:
		mask := tpmcrypto.MGF1(append(append(append([]byte{}, sharedSecret[:]...), nonceEven[:]...), nonceOdd[:]...), len(data))
		out := make([]byte, len(data))
		for i := range data {
			out[i] = data[i] ^ mask[i]
		}
		return out, nil
	case sessions.ADIPAES128CTR:
		iv := tpmcrypto.SHA1(nonceEven[:], nonceOdd[:])
		var ctr [16]byte
		copy(ctr[:], iv[:16])
		return tpmcrypto.AES128CTRTPM(sharedSecret[:16], ctr, data)
	default:
		return nil, errors.Errorf("keystore: unknown sealx scheme %d", scheme)
	}
}

// Unseal implements §4.6 Unseal: recompute and verify tpmProof/storedDigest,
// check PCR gating, verify payload==Seal, and, for a Sealx blob (et bit7
// set), re-encrypt the recovered data under resealSession's shared secret
// and nonceEven with the scheme et bit0 names, then mark that session not
// to continue.
func Unseal(parent *Key, parentPriv *tpmcrypto.RSAKeyPair, pcrBank *pcr.Bank, locality uint8, tpmProof [20]byte, sd *StoredData, resealSession *sessions.Session) ([]byte, error) {
	plain, err := tpmcrypto.RSAPrivateDecryptOAEP(parentPriv, "TCPA", sd.EncData)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: unwrapping sealed blob")
	}
	sealed, err := loadSealedData(plain)
	if err != nil {
		return nil, err
	}

	if sealed.TPMProof != tpmProof {
		return nil, errors.Wrap(ErrWrongSecret, "tpmProof mismatch")
	}
	if sealed.PayloadType != PayloadSealByte {
		return nil, errors.Wrap(ErrInvalidKeyUsage, "payload is not a Seal blob")
	}

	withoutEncW := wire.NewWriter()
	sd.storeWithoutEncData(withoutEncW)
	wantDigest := [20]byte(tpmcrypto.SHA1(withoutEncW.Bytes()))
	if sealed.StoredDigest != wantDigest {
		return nil, errors.Wrap(ErrWrongSecret, "storedDigest mismatch")
	}

	if sd.IsV2 && sd.PCRInfoLong != nil {
		if err := pcr.CheckInfoLong(pcrBank, *sd.PCRInfoLong, locality); err != nil {
			return nil, err
		}
	} else if sd.PCRInfoShort != nil {
		if err := pcr.CheckInfoShort(pcrBank, *sd.PCRInfoShort, locality); err != nil {
			return nil, err
		}
	}

	data := sealed.Data
	if sd.IsV2 && sd.EntityType&0x80 != 0 {
		if resealSession == nil || resealSession.Protocol == sessions.ProtocolOIAP {
			return nil, errors.Wrap(ErrInvalidKeyUsage, "sealx blob requires an OSAP/DSAP parent session to re-encrypt to")
		}
		scheme := sessions.ADIPXor
		if sd.EntityType&0x01 != 0 {
			scheme = sessions.ADIPAES128CTR
		}
		data, err = sealxEncrypt(scheme, resealSession.SharedSecret, resealSession.NonceEven, [20]byte{}, data)
		if err != nil {
			return nil, err
		}
		resealSession.ContinueAuthSession = false
	}

	return data, nil
}

// BoundData is the cleartext a Bind key's UnBind recovers, for a non-Legacy
// key (§4.6).
type BoundData struct {
	PayloadType byte
	Payload     []byte
}

// UnBind performs RSA private-decrypt with a Bind or Legacy key. For
// Legacy, the raw decrypted bytes are returned; otherwise the cleartext is
// parsed as BoundData and its payload returned.
func UnBind(key *Key, priv *tpmcrypto.RSAKeyPair, ct []byte) ([]byte, error) {
	if key.Usage != UsageBind && key.Usage != UsageLegacy {
		return nil, errors.Wrap(ErrInvalidKeyUsage, "unbind requires a Bind or Legacy key")
	}

	plain, err := tpmcrypto.RSAPrivateDecryptOAEP(priv, "TCPA", ct)
	if err != nil {
		return nil, errors.Wrap(err, "keystore: unbind decrypt")
	}

	if key.Usage == UsageLegacy {
		return plain, nil
	}

	r := wire.NewReader(plain)
	if _, err := r.LoadU8(); err != nil { // ver, unused beyond presence
		return nil, err
	}
	payloadType, err := r.LoadU8()
	if err != nil {
		return nil, err
	}
	if payloadType != PayloadBindByte {
		return nil, errors.Wrap(ErrInvalidKeyUsage, "bound data payload is not Bind")
	}
	return r.Remaining(), nil
}
