// Package tpmcrypto is the narrow, algorithm-agnostic crypto façade the
// emulator core consumes (§6.2). Every opaque context is (de)serializable so
// an in-flight SHA-1 hash can be saved/restored across commands (§4.9). The
// façade exists so the rest of the core never imports crypto/* directly;
// it wraps the standard library's aes, des, hmac, rand, rsa, sha1 and x509
// packages.
package tpmcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/subtle"
	"crypto/x509"
	"encoding/binary"
	"io"
	"math/big"

	"github.com/pkg/errors"
)

// DigestSize is the SHA-1 output width used throughout TPM 1.2.
const DigestSize = 20

// Digest is a 20-byte SHA-1 digest / secret-sized buffer.
type Digest [DigestSize]byte

// Rand fills n bytes of cryptographically secure randomness.
func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, errors.Wrap(err, "tpmcrypto: rand")
	}
	return b, nil
}

// SHA1Ctx is a save/restorable SHA-1 block-processing context, per §4.9: the
// five 32-bit state words, the 64-bit total-bit counter, the 64-byte block
// buffer, and the number of bytes currently buffered. It is built on top of
// a minimal from-scratch SHA-1 compressor rather than hash.Hash, because
// hash.Hash (as implemented by crypto/sha1) does not expose its internal
// state for serialization.
type SHA1Ctx struct {
	h      [5]uint32
	nbits  uint64
	buf    [64]byte
	nbuf   int
}

const sha1Tag uint32 = 0x53484131 // "SHA1", the container tag for future formats

// NewSHA1 returns a fresh SHA-1 context.
func NewSHA1() *SHA1Ctx {
	return &SHA1Ctx{h: [5]uint32{0x67452301, 0xEFCDAB89, 0x98BADCFE, 0x10325476, 0xC3D2E1F0}}
}

// Update feeds data into the hash.
func (c *SHA1Ctx) Update(data []byte) {
	c.nbits += uint64(len(data)) * 8
	for len(data) > 0 {
		n := copy(c.buf[c.nbuf:], data)
		c.nbuf += n
		data = data[n:]
		if c.nbuf == 64 {
			c.block(c.buf[:])
			c.nbuf = 0
		}
	}
}

// Final completes the hash and returns the digest. TPM_SHA1CompleteExtend's
// final read is always a one-shot in this emulator, so the context is not
// designed to be reused after Final.
func (c *SHA1Ctx) Final() Digest {
	msgBits := c.nbits // total bits processed before padding is appended

	// Append the mandatory 0x80 byte, then zero bytes until 56 mod 64, then
	// the original bit length as a big-endian u64.
	pad := make([]byte, 1, 72)
	pad[0] = 0x80
	for (c.nbuf+len(pad))%64 != 56 {
		pad = append(pad, 0x00)
	}
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], msgBits)
	pad = append(pad, lenBuf[:]...)

	c.Update(pad)

	var out Digest
	for i, h := range c.h {
		binary.BigEndian.PutUint32(out[i*4:], h)
	}
	return out
}

func (c *SHA1Ctx) block(p []byte) {
	var w [80]uint32
	for i := 0; i < 16; i++ {
		w[i] = binary.BigEndian.Uint32(p[i*4:])
	}
	for i := 16; i < 80; i++ {
		w[i] = rotl32(w[i-3]^w[i-8]^w[i-14]^w[i-16], 1)
	}
	a, b, cc, d, e := c.h[0], c.h[1], c.h[2], c.h[3], c.h[4]
	for i := 0; i < 80; i++ {
		var f, k uint32
		switch {
		case i < 20:
			f = (b & cc) | (^b & d)
			k = 0x5A827999
		case i < 40:
			f = b ^ cc ^ d
			k = 0x6ED9EBA1
		case i < 60:
			f = (b & cc) | (b & d) | (cc & d)
			k = 0x8F1BBCDC
		default:
			f = b ^ cc ^ d
			k = 0xCA62C1D6
		}
		t := rotl32(a, 5) + f + e + k + w[i]
		e = d
		d = cc
		cc = rotl32(b, 30)
		b = a
		a = t
	}
	c.h[0] += a
	c.h[1] += b
	c.h[2] += cc
	c.h[3] += d
	c.h[4] += e
}

func rotl32(x uint32, n uint) uint32 { return (x << n) | (x >> (32 - n)) }

// Save serializes the portable pieces of the context, per §4.9.
func (c *SHA1Ctx) Save() []byte {
	buf := make([]byte, 0, 4+20+8+64+4)
	put32 := func(v uint32) { var b [4]byte; binary.BigEndian.PutUint32(b[:], v); buf = append(buf, b[:]...) }
	put32(sha1Tag)
	for _, h := range c.h {
		put32(h)
	}
	var nb [8]byte
	binary.BigEndian.PutUint64(nb[:], c.nbits)
	buf = append(buf, nb[:]...)
	buf = append(buf, c.buf[:]...)
	put32(uint32(c.nbuf))
	return buf
}

// RestoreSHA1 reconstructs a context from Save's output.
func RestoreSHA1(b []byte) (*SHA1Ctx, error) {
	if len(b) != 4+20+8+64+4 {
		return nil, errors.New("tpmcrypto: bad sha1 context length")
	}
	if binary.BigEndian.Uint32(b[0:4]) != sha1Tag {
		return nil, errors.New("tpmcrypto: bad sha1 context tag")
	}
	c := &SHA1Ctx{}
	off := 4
	for i := range c.h {
		c.h[i] = binary.BigEndian.Uint32(b[off:])
		off += 4
	}
	c.nbits = binary.BigEndian.Uint64(b[off:])
	off += 8
	copy(c.buf[:], b[off:off+64])
	off += 64
	c.nbuf = int(binary.BigEndian.Uint32(b[off:]))
	return c, nil
}

// SHA1 hashes data in one call using the standard library (used everywhere
// that a context does not need to be saved mid-stream).
func SHA1(data ...[]byte) Digest {
	h := sha1.New()
	for _, d := range data {
		h.Write(d)
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// HMACSHA1 computes HMAC-SHA1(key, data...).
func HMACSHA1(key []byte, data ...[]byte) Digest {
	h := hmac.New(sha1.New, key)
	for _, d := range data {
		h.Write(d)
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}

// HMACEqual compares two HMACs in constant time.
func HMACEqual(a, b Digest) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// MGF1 is RFC 8017's mask-generation function over SHA-1, used both inside
// RSA-OAEP and directly by ADIP's XOR encryption scheme (§4.2), which is why
// it is exposed here rather than left buried inside an OAEP implementation.
func MGF1(seed []byte, outLen int) []byte {
	out := make([]byte, 0, outLen)
	var counter uint32
	for len(out) < outLen {
		var cbuf [4]byte
		binary.BigEndian.PutUint32(cbuf[:], counter)
		h := sha1.New()
		h.Write(seed)
		h.Write(cbuf[:])
		out = append(out, h.Sum(nil)...)
		counter++
	}
	return out[:outLen]
}

// RSAKeyPair is a generated RSA key pair in the byte-array form the façade's
// contract requires: big-endian, left-padded to modulus length where
// applicable.
type RSAKeyPair struct {
	N, E, D, P, Q []byte
}

// RSAGen generates an RSA key pair. bits must be a multiple of 16, per §6.2.
func RSAGen(bits int, pubExp int) (*RSAKeyPair, error) {
	if bits%16 != 0 {
		return nil, errors.New("tpmcrypto: key size must be a multiple of 16 bits")
	}
	if pubExp != 0 && pubExp != 65537 {
		return nil, errors.New("tpmcrypto: rejected weak public exponent")
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.Wrap(err, "tpmcrypto: rsa keygen")
	}
	modLen := (bits + 7) / 8
	return &RSAKeyPair{
		N: leftPad(priv.N.Bytes(), modLen),
		E: big.NewInt(int64(priv.E)).Bytes(),
		D: leftPad(priv.D.Bytes(), modLen),
		P: leftPad(priv.Primes[0].Bytes(), modLen/2),
		Q: leftPad(priv.Primes[1].Bytes(), modLen/2),
	}, nil
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b[len(b)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}

func toPublicKey(n, e []byte) *rsa.PublicKey {
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}
}

func toPrivateKey(pair *RSAKeyPair) (*rsa.PrivateKey, error) {
	pub := toPublicKey(pair.N, pair.E)
	priv := &rsa.PrivateKey{
		PublicKey: *pub,
		D:         new(big.Int).SetBytes(pair.D),
		Primes:    []*big.Int{new(big.Int).SetBytes(pair.P), new(big.Int).SetBytes(pair.Q)},
	}
	priv.Precompute()
	if err := priv.Validate(); err != nil {
		return nil, errors.Wrap(err, "tpmcrypto: invalid rsa key pair")
	}
	return priv, nil
}

// RSAPublicEncryptOAEP encrypts data under pub using OAEP/SHA-1 with the
// given label (TPM 1.2 always uses the literal "TCPA").
func RSAPublicEncryptOAEP(n, e []byte, label string, data []byte) ([]byte, error) {
	pub := toPublicKey(n, e)
	ct, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, data, []byte(label))
	if err != nil {
		return nil, errors.Wrap(err, "tpmcrypto: oaep encrypt")
	}
	return ct, nil
}

// RSAPrivateDecryptOAEP decrypts ciphertext using OAEP/SHA-1 with the given
// label.
func RSAPrivateDecryptOAEP(pair *RSAKeyPair, label string, ct []byte) ([]byte, error) {
	priv, err := toPrivateKey(pair)
	if err != nil {
		return nil, err
	}
	pt, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, priv, ct, []byte(label))
	if err != nil {
		return nil, errors.Wrap(err, "tpmcrypto: oaep decrypt")
	}
	return pt, nil
}

// RSAPublicEncryptPKCS1v15 encrypts data under pub using PKCS#1 v1.5.
func RSAPublicEncryptPKCS1v15(n, e []byte, data []byte) ([]byte, error) {
	pub := toPublicKey(n, e)
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, data)
	if err != nil {
		return nil, errors.Wrap(err, "tpmcrypto: pkcs1v15 encrypt")
	}
	return ct, nil
}

// RSAPrivateDecryptPKCS1v15 decrypts ciphertext using PKCS#1 v1.5.
func RSAPrivateDecryptPKCS1v15(pair *RSAKeyPair, ct []byte) ([]byte, error) {
	priv, err := toPrivateKey(pair)
	if err != nil {
		return nil, err
	}
	pt, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ct)
	if err != nil {
		return nil, errors.Wrap(err, "tpmcrypto: pkcs1v15 decrypt")
	}
	return pt, nil
}

// RSAPublicEncryptRaw performs unpadded (textbook) RSA encryption, used only
// for legacy compatibility paths some ordinals require.
func RSAPublicEncryptRaw(n, e []byte, data []byte) ([]byte, error) {
	pub := toPublicKey(n, e)
	m := new(big.Int).SetBytes(data)
	if m.Cmp(pub.N) >= 0 {
		return nil, errors.New("tpmcrypto: message too large for modulus")
	}
	c := new(big.Int).Exp(m, big.NewInt(int64(pub.E)), pub.N)
	return leftPad(c.Bytes(), (pub.N.BitLen()+7)/8), nil
}

// RSASignSHA1PKCS1 signs a pre-hashed digest using PKCS#1 v1.5 signing.
func RSASignSHA1PKCS1(pair *RSAKeyPair, digest Digest) ([]byte, error) {
	priv, err := toPrivateKey(pair)
	if err != nil {
		return nil, err
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, 0, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "tpmcrypto: rsa sign")
	}
	return sig, nil
}

// RSAVerifySHA1PKCS1 verifies a PKCS#1 v1.5 signature over msg's SHA-1 hash.
func RSAVerifySHA1PKCS1(n, e []byte, msg, sig []byte) bool {
	pub := toPublicKey(n, e)
	digest := SHA1(msg)
	return rsa.VerifyPKCS1v15(pub, 0, digest[:], sig) == nil
}

// ParseRSAPublicKeyDER extracts modulus/exponent bytes from a DER-encoded
// SubjectPublicKeyInfo, used when verifying externally supplied keys.
func ParseRSAPublicKeyDER(der []byte) (n, e []byte, err error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, nil, errors.Wrap(err, "tpmcrypto: parse der public key")
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, nil, errors.New("tpmcrypto: not an rsa public key")
	}
	return rsaPub.N.Bytes(), big.NewInt(int64(rsaPub.E)).Bytes(), nil
}

// AES128CBC encrypts or decrypts data with PKCS#7 padding under a zero IV,
// matching the façade's aes128_cbc_crypt contract.
func AES128CBC(key []byte, data []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "tpmcrypto: aes key")
	}
	iv := make([]byte, aes.BlockSize)
	if encrypt {
		padded := pkcs7Pad(data, aes.BlockSize)
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
		return out, nil
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.New("tpmcrypto: ciphertext not block-aligned")
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return pkcs7Unpad(out)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("tpmcrypto: empty padded buffer")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > len(data) {
		return nil, errors.New("tpmcrypto: invalid pkcs7 padding")
	}
	return data[:len(data)-pad], nil
}

// AES128CTRTPM implements the TPM 1.2 deviant AES-128-CTR mode: the counter
// increments ONLY its low 4 bytes, never carrying into the high 12 bytes.
// This must be reproduced exactly per §6.2 — standard CTR mode carries
// across the whole 16-byte counter and is NOT interchangeable.
func AES128CTRTPM(key []byte, ctr [aes.BlockSize]byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "tpmcrypto: aes key")
	}
	out := make([]byte, len(data))
	var ks [aes.BlockSize]byte
	low := binary.BigEndian.Uint32(ctr[12:16])
	for off := 0; off < len(data); off += aes.BlockSize {
		binary.BigEndian.PutUint32(ctr[12:16], low)
		block.Encrypt(ks[:], ctr[:])
		end := off + aes.BlockSize
		if end > len(data) {
			end = len(data)
		}
		for i := off; i < end; i++ {
			out[i] = data[i] ^ ks[i-off]
		}
		low++
	}
	return out, nil
}

// AESOFB128 encrypts/decrypts (symmetric) using AES-128-OFB.
func AESOFB128(key, iv []byte, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "tpmcrypto: aes key")
	}
	out := make([]byte, len(data))
	stream := cipher.NewOFB(block, iv)
	stream.XORKeyStream(out, data)
	return out, nil
}

// DESEDE3CBC encrypts or decrypts with Triple-DES CBC and PKCS#7 padding
// under a zero IV.
func DESEDE3CBC(key []byte, data []byte, encrypt bool) ([]byte, error) {
	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "tpmcrypto: 3des key")
	}
	iv := make([]byte, des.BlockSize)
	if encrypt {
		padded := pkcs7Pad(data, des.BlockSize)
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
		return out, nil
	}
	if len(data)%des.BlockSize != 0 {
		return nil, errors.New("tpmcrypto: ciphertext not block-aligned")
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return pkcs7Unpad(out)
}

// ZeroBytes overwrites b with zeros: the scoped-secret erasure primitive §9
// requires for tpmProof, sharedSecret, and decrypted key material.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
