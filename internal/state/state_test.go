package state

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberus-technology/tpm12d/internal/config"
	"github.com/cyberus-technology/tpm12d/internal/keystore"
	"github.com/cyberus-technology/tpm12d/internal/nvram"
	"github.com/cyberus-technology/tpm12d/internal/pcr"
	"github.com/cyberus-technology/tpm12d/internal/sessions"
	"github.com/cyberus-technology/tpm12d/internal/store"
	"github.com/cyberus-technology/tpm12d/internal/tpmcrypto"
)

func newMemStore(t *testing.T) store.NvStore {
	t.Helper()
	st, err := store.NewFileStore(afero.NewMemMapFs(), "/state")
	require.NoError(t, err)
	return st
}

func TestNewFreshThenFlushThenLoadFromStoreRoundTrip(t *testing.T) {
	cfg := config.Default()
	s, err := NewFresh(cfg)
	require.NoError(t, err)

	s.Flags.Ownership = true
	s.Flags.NVLocked = true
	s.Data.OwnerInstalled = true
	copy(s.Data.OwnerAuth[:], []byte("owner-auth-value...."))

	st := newMemStore(t)
	require.NoError(t, s.Flush(st))

	loaded, err := LoadFromStore(st, cfg)
	require.NoError(t, err)

	assert.Equal(t, s.Flags, loaded.Flags)
	assert.Equal(t, s.Data.TPMProof, loaded.Data.TPMProof)
	assert.Equal(t, s.Data.OwnerAuth, loaded.Data.OwnerAuth)
	assert.Equal(t, s.Data.OwnerInstalled, loaded.Data.OwnerInstalled)
	require.NotNil(t, loaded.Data.SRK)
	assert.Equal(t, s.Data.SRK.PublicModulus, loaded.Data.SRK.PublicModulus)
	require.NotNil(t, loaded.Data.SRKPriv)
	assert.Equal(t, s.Data.SRKPriv.P, loaded.Data.SRKPriv.P)
	assert.Equal(t, s.Data.SRKPriv.Q, loaded.Data.SRKPriv.Q)
	require.NotNil(t, loaded.Data.EK)
	assert.Equal(t, s.Data.EK.PublicModulus, loaded.Data.EK.PublicModulus)
}

func TestLoadFromStoreMissingPermanentReturnsNotFound(t *testing.T) {
	cfg := config.Default()
	st := newMemStore(t)
	_, err := LoadFromStore(st, cfg)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLoadFromStoreRejectsBadTag(t *testing.T) {
	cfg := config.Default()
	st := newMemStore(t)
	require.NoError(t, st.Write(KeyPermanent, []byte{0xDE, 0xAD, 0xBE, 0xEF}))
	_, err := LoadFromStore(st, cfg)
	assert.ErrorIs(t, err, ErrTagMismatch)
}

func TestFlushRoundTripsDefinedNVIndexesAndLatches(t *testing.T) {
	cfg := config.Default()
	s, err := NewFresh(cfg)
	require.NoError(t, err)

	var encAuth [20]byte
	copy(encAuth[:], []byte("nv-index-auth-value."))
	owner := nvram.OwnerState{}
	require.NoError(t, s.NV.DefineSpace(owner, true, false, 0x00015000, nvram.Attributes{OwnerWrite: true}, pcr.InfoShort{}, pcr.InfoShort{}, 16, encAuth))
	require.NoError(t, s.NV.Write(nvram.AuthContext{Owner: owner}, nil, 0x00015000, 0, []byte("0123456789ABCDEF")))

	st := newMemStore(t)
	require.NoError(t, s.Flush(st))

	loaded, err := LoadFromStore(st, cfg)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.NV.Count())
	loadedEntry := loaded.NV.Entries()[0]
	assert.Equal(t, uint32(0x00015000), loadedEntry.NvIndex)
	assert.Equal(t, []byte("0123456789ABCDEF"), loadedEntry.Data)
}

func TestFlushRoundTripsSessionsAndPCRs(t *testing.T) {
	cfg := config.Default()
	s, err := NewFresh(cfg)
	require.NoError(t, err)

	sess, err := s.Sessions.NewOIAP()
	require.NoError(t, err)

	_, err = s.PCRs.Extend(0, tpmcrypto.SHA1([]byte("measurement")))
	require.NoError(t, err)
	before, err := s.PCRs.Read(0)
	require.NoError(t, err)

	st := newMemStore(t)
	require.NoError(t, s.Flush(st))

	loaded, err := LoadFromStore(st, cfg)
	require.NoError(t, err)

	restoredSess, err := loaded.Sessions.Get(sess.Handle)
	require.NoError(t, err)
	assert.Equal(t, sessions.ProtocolOIAP, restoredSess.Protocol)
	assert.Equal(t, sess.NonceEven, restoredSess.NonceEven)

	after, err := loaded.PCRs.Read(0)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSaveStateRoundTripsVolatileKeyButDropsNonVolatile(t *testing.T) {
	cfg := config.Default()
	s, err := NewFresh(cfg)
	require.NoError(t, err)

	pair, err := tpmcrypto.RSAGen(1024, 65537)
	require.NoError(t, err)
	volatileKey := &keystore.Key{
		VersionTag: keystore.VersionV12,
		Usage:      keystore.UsageSigning,
		Flags:      keystore.KeyFlags{Volatile: true},
		AlgorithmParms: keystore.AlgorithmParms{
			AlgorithmID: keystore.AlgRSA,
			KeyBits:     1024,
		},
		PublicModulus: pair.N,
	}
	s.Keys.Restore([]keystore.LiveEntry{{Handle: 0x01000001, Key: volatileKey, Priv: pair}}, 1)

	nonVolatilePair, err := tpmcrypto.RSAGen(1024, 65537)
	require.NoError(t, err)
	nonVolatileKey := &keystore.Key{
		VersionTag: keystore.VersionV12,
		Usage:      keystore.UsageSigning,
		AlgorithmParms: keystore.AlgorithmParms{
			AlgorithmID: keystore.AlgRSA,
			KeyBits:     1024,
		},
		PublicModulus: nonVolatilePair.N,
	}
	s.Keys.Restore(append(s.Keys.Live(), keystore.LiveEntry{Handle: 0x01000002, Key: nonVolatileKey, Priv: nonVolatilePair}), 2)

	st := newMemStore(t)
	require.NoError(t, s.Flush(st))

	loaded, err := LoadFromStore(st, cfg)
	require.NoError(t, err)

	live := loaded.Keys.Live()
	require.Len(t, live, 1)
	assert.Equal(t, pair.N, live[0].Priv.N)
	assert.True(t, live[0].Key.Flags.Volatile)
}

func TestSaveStateRoundTripsSHA1Context(t *testing.T) {
	cfg := config.Default()
	s, err := NewFresh(cfg)
	require.NoError(t, err)

	ctx := tpmcrypto.NewSHA1()
	ctx.Update([]byte("partial message"))
	s.SHA1Contexts[7] = ctx

	st := newMemStore(t)
	require.NoError(t, s.Flush(st))

	loaded, err := LoadFromStore(st, cfg)
	require.NoError(t, err)

	restored, ok := loaded.SHA1Contexts[7]
	require.True(t, ok)

	ctx.Update([]byte(" continued"))
	restored.Update([]byte(" continued"))
	assert.Equal(t, ctx.Final(), restored.Final())
}
