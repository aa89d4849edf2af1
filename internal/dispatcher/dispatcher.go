// Package dispatcher implements the Dispatcher (§4.8): the single entry
// point that takes a raw request frame, resolves it to an ordinal handler,
// carries out the common prologue/epilogue (tag check, state check, the
// input/output auth digests, response framing, audit-digest folding), and
// returns the raw response frame. Each handler below is the server-side
// mirror of a client command: it computes the same digest a client would
// have used to authenticate the command, and uses it to verify rather than
// to sign.
package dispatcher

import (
	"time"

	"github.com/pkg/errors"

	"github.com/cyberus-technology/tpm12d/internal/config"
	"github.com/cyberus-technology/tpm12d/internal/keystore"
	"github.com/cyberus-technology/tpm12d/internal/logging"
	"github.com/cyberus-technology/tpm12d/internal/nvram"
	"github.com/cyberus-technology/tpm12d/internal/pcr"
	"github.com/cyberus-technology/tpm12d/internal/platform"
	"github.com/cyberus-technology/tpm12d/internal/sessions"
	"github.com/cyberus-technology/tpm12d/internal/state"
	"github.com/cyberus-technology/tpm12d/internal/store"
	"github.com/cyberus-technology/tpm12d/internal/tpmcrypto"
	"github.com/cyberus-technology/tpm12d/internal/wire"
)

var (
	errBadAuthCount             = errors.New("dispatcher: wrong number of auth sessions for ordinal")
	errBadHandle                = errors.New("dispatcher: unknown handle")
	errUnsupportedEntity        = errors.New("dispatcher: unsupported entity type")
	errADIPRequiresOSAP         = errors.New("dispatcher: ADIP-encrypted parameter requires an OSAP/DSAP session")
	errNoPrivateHalf            = errors.New("dispatcher: key has no resident private half")
	errMaintenanceDisabled      = errors.New("dispatcher: maintenance feature disabled")
	errOwnerAlreadySet          = errors.New("dispatcher: owner already installed")
	errAuthRequired             = errors.New("dispatcher: authorization required")
	errBadStartupType           = errors.New("dispatcher: unknown startup type")
	errPhysicalPresenceRequired = errors.New("dispatcher: physical presence required")
	errBoundEntityMismatch      = errors.New("dispatcher: OSAP/DSAP session not bound to this entity")
	errTrailingParams           = errors.New("dispatcher: request carried unconsumed trailing bytes")
)

// authUse records one verified auth slot: the session it verified against
// and the HMAC key (usageAuth for OIAP, sharedSecret for OSAP/DSAP) the
// epilogue must re-derive the response auth with.
type authUse struct {
	sess *sessions.Session
	key  [20]byte
}

type handlerFunc func(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error)

// ordinalSpec names everything the generic prologue/epilogue needs to know
// about one ordinal beyond its handler body (§4.8).
type ordinalSpec struct {
	// allowedAuthSlots is the set of auth-block counts this ordinal accepts;
	// most ordinals accept exactly one count, some (NV_DefineSpace before an
	// owner exists, NV_ReadValue/WriteValue without AUTHREAD/AUTHWRITE set)
	// accept either 0 or 1.
	allowedAuthSlots map[int]bool
	// allowNoOwner relaxes the disable/deactivated state check (§4.1) for
	// ordinals that must keep working before an owner exists or while the
	// TPM is otherwise deactivated: session bookkeeping, self-test-adjacent
	// queries, and the bootstrapping ordinals themselves.
	allowNoOwner bool
	// mutates marks an ordinal whose success must be durable before the
	// response is sent — the NV-durability-before-success discipline (§5).
	mutates bool
	// auditEnabled marks an ordinal whose H_in/H_out fold into the running
	// audit digest.
	auditEnabled bool
	handler      handlerFunc
}

// Dispatcher is the command-processing core: one State, one durability
// target, one Platform, wired together per §4.8/§4.9.
type Dispatcher struct {
	st      *state.State
	store   store.NvStore
	plat    platform.Platform
	cfg     *config.Config
	log     logging.Logger
	lockout *sessions.Lockout

	// fatal latches once a durability guarantee has been broken (a Flush
	// failed after a mutating ordinal reported success internally) — per
	// §4.1/§7, every subsequent ordinal returns FAILEDSELFTEST until the
	// process is restarted against a known-good store.
	fatal bool

	sha1Seq uint32
}

// New returns a Dispatcher wired against st/nvStore/plat/cfg, logging
// through log.
func New(st *state.State, nvStore store.NvStore, plat platform.Platform, cfg *config.Config, log logging.Logger) *Dispatcher {
	return &Dispatcher{
		st:      st,
		store:   nvStore,
		plat:    plat,
		cfg:     cfg,
		log:     log,
		lockout: sessions.NewLockout(cfg.Lockout),
	}
}

// Handle processes one raw request frame and returns the raw response
// frame, per §4.8's ten-step control flow. It never returns an error: every
// failure mode is itself expressed as a TPM return code in the response
// frame, exactly as a real TPM would reply to a malformed or unauthorized
// command rather than drop the connection.
func (d *Dispatcher) Handle(frame []byte) []byte {
	if len(frame) < 10 {
		return wire.StoreFinalResponse(wire.TagRSPCommand, wire.RCBadParamSize)
	}

	hdr := wire.NewReader(frame[:10])
	tag, _ := hdr.LoadU16()
	paramSize, _ := hdr.LoadU32()
	ordinal, _ := hdr.LoadU32()

	numSlots, ok := wire.NumAuthSlots(tag)
	if !ok {
		return wire.StoreFinalResponse(wire.TagRSPCommand, wire.RCBadTag)
	}
	respTag := wire.ResponseTagFor(numSlots)

	if int(paramSize) != len(frame) {
		return wire.StoreFinalResponse(respTag, wire.RCBadParamSize)
	}

	if d.fatal {
		return wire.StoreFinalResponse(respTag, wire.RCFailedSelfTest)
	}

	spec, ok := ordinalTable[ordinal]
	if !ok {
		return wire.StoreFinalResponse(respTag, wire.RCBadOrdinal)
	}
	if !spec.allowedAuthSlots[numSlots] {
		return wire.StoreFinalResponse(respTag, wire.RCBadTag)
	}

	if !spec.allowNoOwner {
		if d.st.Flags.Disable {
			return wire.StoreFinalResponse(respTag, wire.RCDisabled)
		}
		if d.st.StClear.Deactivated {
			return wire.StoreFinalResponse(respTag, wire.RCDeactivated)
		}
	}

	authRegionLen := numSlots * 45
	if len(frame)-10 < authRegionLen {
		return wire.StoreFinalResponse(respTag, wire.RCBadParamSize)
	}
	paramsRegion := frame[10 : len(frame)-authRegionLen]
	authBlocks, err := loadAuthBlocks(frame[len(frame)-authRegionLen:], numSlots)
	if err != nil {
		return wire.StoreFinalResponse(respTag, wire.RCBadParamSize)
	}

	var ordinalBytes [4]byte
	ordinalBytes[0] = byte(ordinal >> 24)
	ordinalBytes[1] = byte(ordinal >> 16)
	ordinalBytes[2] = byte(ordinal >> 8)
	ordinalBytes[3] = byte(ordinal)
	hIn := [20]byte(tpmcrypto.SHA1(ordinalBytes[:], paramsRegion))

	r := wire.NewReader(paramsRegion)
	out, uses, handlerErr := spec.handler(d, r, authBlocks, hIn)
	if handlerErr == nil && r.Len() != 0 {
		handlerErr = errTrailingParams
	}

	if handlerErr != nil {
		rc := rcFromErr(handlerErr)
		if rc != wire.RCDefendLockRunning {
			for _, ab := range authBlocks {
				d.st.Sessions.Remove(ab.AuthHandle)
			}
		}
		d.log.WithFields(logging.Fields{"ordinal": ordinal, "rc": rc}).Debug("command failed")
		return wire.StoreFinalResponse(respTag, rc)
	}

	if spec.mutates {
		if err := d.st.Flush(d.store); err != nil {
			d.fatal = true
			d.log.Errorf("dispatcher: flush failed after ordinal %d, latching fatal: %v", ordinal, err)
			return wire.StoreFinalResponse(respTag, wire.RCFailedSelfTest)
		}
	}

	var rcBytes [4]byte // Success is all-zero
	outBytes := out.Bytes()
	hOut := [20]byte(tpmcrypto.SHA1(rcBytes[:], ordinalBytes[:], outBytes))

	if spec.auditEnabled {
		d.st.AuditDigest = [20]byte(tpmcrypto.SHA1(d.st.AuditDigest[:], hIn[:], ordinalBytes[:], rcBytes[:], hOut[:]))
	}

	sb := wire.NewStoreBuffer()
	sb.StoreInitialResponse(respTag, wire.Success)
	sb.Writer().StoreBytes(outBytes)
	for i, use := range uses {
		respAuth, err := sessions.EmitResponse(use.sess, use.key, hOut, authBlocks[i].NonceOdd)
		if err != nil {
			d.fatal = true
			d.log.Errorf("dispatcher: emitting response auth failed: %v", err)
			return wire.StoreFinalResponse(respTag, wire.RCFailedSelfTest)
		}
		sb.Writer().StoreBytes(respAuth.NonceOdd[:]) // carries the refreshed nonceEven, per sessions.EmitResponse
		sb.Writer().StoreBool(respAuth.ContinueAuthSession)
		sb.Writer().StoreBytes(respAuth.Auth[:])
		if !respAuth.ContinueAuthSession {
			d.st.Sessions.Remove(use.sess.Handle)
		}
	}

	resp, err := sb.FinalizeSuccess()
	if err != nil {
		return wire.StoreFinalResponse(respTag, wire.RCFail)
	}
	return resp
}

func loadAuthBlocks(b []byte, n int) ([]sessions.AuthBlock, error) {
	r := wire.NewReader(b)
	out := make([]sessions.AuthBlock, n)
	for i := 0; i < n; i++ {
		var ab sessions.AuthBlock
		h, err := r.LoadU32()
		if err != nil {
			return nil, err
		}
		ab.AuthHandle = h
		if err := r.LoadFixed(ab.NonceOdd[:]); err != nil {
			return nil, err
		}
		cont, err := r.LoadBool()
		if err != nil {
			return nil, err
		}
		ab.ContinueAuthSession = cont
		if err := r.LoadFixed(ab.Auth[:]); err != nil {
			return nil, err
		}
		out[i] = ab
	}
	return out, nil
}

func rcFromErr(err error) uint32 {
	switch errors.Cause(err) {
	case sessions.ErrAuthFail:
		return wire.RCAuthFail
	case sessions.ErrDefendLockRunning:
		return wire.RCDefendLockRunning
	case sessions.ErrBadHandle, keystore.ErrBadHandle, errBadHandle:
		return wire.RCInvalidKeyHandle
	case sessions.ErrNoFreeSlot, keystore.ErrNoFreeSlot:
		return wire.RCResources
	case keystore.ErrInvalidKeyUsage:
		return wire.RCInvalidKeyUsage
	case keystore.ErrInvalidStructure:
		return wire.RCInvalidStructure
	case keystore.ErrWrongSecret:
		return wire.RCAuthFail
	case nvram.ErrBadIndex, nvram.ErrNotFound:
		return wire.RCBadIndex
	case nvram.ErrAuthConflict:
		return wire.RCAuthConflict
	case nvram.ErrPerNoWrite, nvram.ErrBadDataSize:
		return wire.RCBadParameter
	case nvram.ErrNoSpace:
		return wire.RCNoSpace
	case nvram.ErrMaxNVWrites:
		return wire.RCMaxNVWrites
	case nvram.ErrAreaLocked:
		return wire.RCAreaLocked
	case nvram.ErrNotFullWrite:
		return wire.RCNotFullWrite
	case nvram.ErrNoNVPermission:
		return wire.RCNoNVPermission
	case nvram.ErrReadSTClearDisabled:
		return wire.RCDisabledCmd
	case nvram.ErrBadPresence, errPhysicalPresenceRequired:
		return wire.RCBadPresence
	case pcr.ErrBadIndex:
		return wire.RCBadParameter
	case pcr.ErrWrongPCRValue:
		return wire.RCWrongPCRVal
	case pcr.ErrBadLocality:
		return wire.RCBadLocality
	case errMaintenanceDisabled:
		return wire.RCDisabledCmd
	case errOwnerAlreadySet:
		return wire.RCOwnerSet
	case errTrailingParams, wire.ErrUnderflow, wire.ErrBadBool, wire.ErrTagMismatch:
		return wire.RCBadParamSize
	case errBadAuthCount, errUnsupportedEntity, errADIPRequiresOSAP, errBoundEntityMismatch,
		errAuthRequired, errNoPrivateHalf, errBadStartupType:
		return wire.RCBadParameter
	default:
		return wire.RCFail
	}
}

// --- entity/key resolution helpers --------------------------------------

func (d *Dispatcher) resolveKey(handle uint32) (*keystore.Key, *tpmcrypto.RSAKeyPair, error) {
	switch handle {
	case wire.KeyHandleSRK:
		return d.st.Data.SRK, d.st.Data.SRKPriv, nil
	case wire.KeyHandleEK:
		return d.st.Data.EK, d.st.Data.EKPriv, nil
	}
	for _, le := range d.st.Keys.Live() {
		if le.Handle == handle {
			return le.Key, le.Priv, nil
		}
	}
	return nil, nil, keystore.ErrBadHandle
}

func (d *Dispatcher) keyUsageAuth(key *keystore.Key) ([20]byte, error) {
	if key.Private == nil {
		return [20]byte{}, errNoPrivateHalf
	}
	return key.Private.UsageAuth, nil
}

func (d *Dispatcher) findNVEntry(nvIndex uint32) *nvram.Entry {
	for _, e := range d.st.NV.Entries() {
		if e.NvIndex == nvIndex {
			return e
		}
	}
	return nil
}

func (d *Dispatcher) entityAuthForHandle(entityType uint16, handle uint32) ([20]byte, error) {
	switch entityType {
	case wire.EntityTypeOwner:
		return d.st.Data.OwnerAuth, nil
	case wire.EntityTypeSRK:
		return d.keyUsageAuth(d.st.Data.SRK)
	case wire.EntityTypeKeyHandle:
		key, _, err := d.resolveKey(handle)
		if err != nil {
			return [20]byte{}, err
		}
		return d.keyUsageAuth(key)
	case wire.EntityTypeNV:
		e := d.findNVEntry(handle)
		if e == nil {
			return [20]byte{}, nvram.ErrNotFound
		}
		return e.AuthValue, nil
	default:
		return [20]byte{}, errUnsupportedEntity
	}
}

// --- auth-slot verification ---------------------------------------------

func (d *Dispatcher) verifySlot(ab sessions.AuthBlock, hIn [20]byte, entityAuth [20]byte, requireBoundEntity uint32) (authUse, error) {
	sess, err := d.st.Sessions.Get(ab.AuthHandle)
	if err != nil {
		return authUse{}, err
	}
	if requireBoundEntity != 0 && sess.Protocol != sessions.ProtocolOIAP && sess.EntityHandle != requireBoundEntity {
		return authUse{}, errBoundEntityMismatch
	}
	key := sess.Key(entityAuth)
	if err := sessions.VerifyCommand(sess, entityAuth, hIn, ab); err != nil {
		return authUse{}, err
	}
	return authUse{sess: sess, key: key}, nil
}

// verifyOwnerSlot wraps verifySlot with the dictionary-attack lockout (§4.2,
// §9): a consecutive run of owner-auth AUTHFAILs arms an exponential
// backoff, checked before the HMAC is even examined.
func (d *Dispatcher) verifyOwnerSlot(ab sessions.AuthBlock, hIn [20]byte) (authUse, error) {
	now := time.Now()
	if err := d.lockout.Check(now); err != nil {
		return authUse{}, err
	}
	use, err := d.verifySlot(ab, hIn, d.st.Data.OwnerAuth, 0)
	if err != nil {
		if errors.Cause(err) == sessions.ErrAuthFail {
			d.lockout.RecordAuthFail(now)
		}
		return authUse{}, err
	}
	d.lockout.Reset()
	return use, nil
}

// decryptEncAuth inverts one ADIP-encrypted auth field using sess's bound
// shared secret; OIAP sessions have no shared secret, so ordinals that carry
// an EncAuth field always require OSAP/DSAP (§4.2).
func (d *Dispatcher) decryptEncAuth(sess *sessions.Session, nonceOdd [20]byte, encAuth [20]byte) ([20]byte, error) {
	if sess.Protocol == sessions.ProtocolOIAP {
		return [20]byte{}, errADIPRequiresOSAP
	}
	return sessions.DecryptADIPSingle(sess.ADIPScheme, sess.SharedSecret, sess.NonceEven, nonceOdd, encAuth)
}

func (d *Dispatcher) nextSHA1Handle() uint32 {
	d.sha1Seq++
	return 0x03000000 | (d.sha1Seq & 0x00FFFFFF)
}

// loadKeyTemplate decodes the template portion of a CreateWrapKey request —
// everything LoadKey reads except publicModulus/encData, which do not yet
// exist for a key that hasn't been generated.
func loadKeyTemplate(r *wire.Reader) (*keystore.Key, error) {
	k := &keystore.Key{VersionTag: keystore.VersionV12}

	usage, err := r.LoadU16()
	if err != nil {
		return nil, err
	}
	k.Usage = keystore.Usage(usage)

	flagBits, err := r.LoadU32()
	if err != nil {
		return nil, err
	}
	k.Flags = keystore.KeyFlags{
		Migratable:       flagBits&0x00000001 != 0,
		Volatile:         flagBits&0x00000002 != 0,
		PCRIgnoredOnRead: flagBits&0x00000004 != 0,
		MigrateAuthority: flagBits&0x00000008 != 0,
	}

	authUsage, err := r.LoadU8()
	if err != nil {
		return nil, err
	}
	k.AuthDataUsage = keystore.AuthDataUsage(authUsage)

	algID, err := r.LoadU32()
	if err != nil {
		return nil, err
	}
	encScheme, err := r.LoadU16()
	if err != nil {
		return nil, err
	}
	sigScheme, err := r.LoadU16()
	if err != nil {
		return nil, err
	}
	keyBits, err := r.LoadU32()
	if err != nil {
		return nil, err
	}
	exponent, err := r.LoadSized()
	if err != nil {
		return nil, err
	}
	k.AlgorithmParms = keystore.AlgorithmParms{
		AlgorithmID: algID,
		EncScheme:   encScheme,
		SigScheme:   sigScheme,
		KeyBits:     keyBits,
		Exponent:    exponent,
	}

	pcrBytes, err := r.LoadSized()
	if err != nil {
		return nil, err
	}
	if len(pcrBytes) > 0 {
		info, err := pcr.LoadInfoShort(wire.NewReader(pcrBytes))
		if err != nil {
			return nil, err
		}
		k.PCRInfoShort = &info
	}

	return k, nil
}

// attrsFromBits decodes NV_DefineSpace's wire attribute bitmap. The bit
// layout is this emulator's own request-wire convention (there is no real
// TPM driver on the other end of this dispatcher to match bit-for-bit).
func attrsFromBits(v uint32) nvram.Attributes {
	return nvram.Attributes{
		PPRead:       v&(1<<0) != 0,
		PPWrite:      v&(1<<1) != 0,
		OwnerRead:    v&(1<<2) != 0,
		OwnerWrite:   v&(1<<3) != 0,
		AuthRead:     v&(1<<4) != 0,
		AuthWrite:    v&(1<<5) != 0,
		WriteDefine:  v&(1<<6) != 0,
		WriteAll:     v&(1<<7) != 0,
		WriteSTClear: v&(1<<8) != 0,
		ReadSTClear:  v&(1<<9) != 0,
		GlobalLock:   v&(1<<10) != 0,
	}
}

func nvAuthContext(d *Dispatcher, ownerAuthPresent, authDataPresent bool) nvram.AuthContext {
	return nvram.AuthContext{
		Locality:         d.plat.LocalityModifier(),
		PhysicalPresence: d.plat.PhysicalPresence(),
		OwnerAuthPresent: ownerAuthPresent,
		AuthDataPresent:  authDataPresent,
		Owner: nvram.OwnerState{
			OwnerInstalled: d.st.Data.OwnerInstalled,
			Disable:        d.st.Flags.Disable,
			Deactivated:    d.st.StClear.Deactivated,
		},
		PCRs: d.st.PCRs,
	}
}

var allSlots01 = map[int]bool{0: true, 1: true}
var slot1Only = map[int]bool{1: true}
var slot0Only = map[int]bool{0: true}

var ordinalTable = map[uint32]ordinalSpec{
	wire.OrdOIAP:        {allowedAuthSlots: slot0Only, allowNoOwner: true, handler: handleOIAP},
	wire.OrdOSAP:        {allowedAuthSlots: slot0Only, allowNoOwner: true, handler: handleOSAP},
	wire.OrdGetRandom:   {allowedAuthSlots: slot0Only, allowNoOwner: true, handler: handleGetRandom},
	wire.OrdPCRRead:     {allowedAuthSlots: slot0Only, allowNoOwner: true, handler: handlePCRRead},
	wire.OrdExtend:      {allowedAuthSlots: slot0Only, allowNoOwner: true, handler: handleExtend},
	wire.OrdStartup:     {allowedAuthSlots: slot0Only, allowNoOwner: true, mutates: true, handler: handleStartup},
	wire.OrdDirRead:     {allowedAuthSlots: slot0Only, allowNoOwner: true, handler: handleDirRead},
	wire.OrdFlushSpecific: {allowedAuthSlots: slot0Only, allowNoOwner: true, handler: handleFlushSpecific},

	wire.OrdDirWriteAuth: {allowedAuthSlots: slot1Only, mutates: true, auditEnabled: true, handler: handleDirWriteAuth},

	wire.OrdSeal:            {allowedAuthSlots: slot1Only, auditEnabled: true, handler: handleSeal},
	wire.OrdSealx:           {allowedAuthSlots: slot1Only, auditEnabled: true, handler: handleSealx},
	wire.OrdUnseal:          {allowedAuthSlots: slot1Only, auditEnabled: true, handler: handleUnseal},
	wire.OrdUnBind:          {allowedAuthSlots: slot1Only, auditEnabled: true, handler: handleUnBind},
	wire.OrdCreateWrapKey:   {allowedAuthSlots: slot1Only, auditEnabled: true, handler: handleCreateWrapKey},
	wire.OrdLoadKey2:        {allowedAuthSlots: slot1Only, auditEnabled: true, handler: handleLoadKey2},
	wire.OrdGetPubKey:       {allowedAuthSlots: allSlots01, handler: handleGetPubKey},
	wire.OrdChangeAuth:      {allowedAuthSlots: slot1Only, auditEnabled: true, handler: handleChangeAuth},

	wire.OrdNVDefineSpace:    {allowedAuthSlots: allSlots01, mutates: true, auditEnabled: true, handler: handleNVDefineSpace},
	wire.OrdNVWriteValue:     {allowedAuthSlots: allSlots01, mutates: true, auditEnabled: true, handler: handleNVWrite(false)},
	wire.OrdNVWriteValueAuth: {allowedAuthSlots: slot1Only, mutates: true, auditEnabled: true, handler: handleNVWrite(true)},
	wire.OrdNVReadValue:      {allowedAuthSlots: allSlots01, handler: handleNVRead(false)},
	wire.OrdNVReadValueAuth:  {allowedAuthSlots: slot1Only, handler: handleNVRead(true)},

	wire.OrdCreateMaintenanceArchive: {allowedAuthSlots: slot1Only, auditEnabled: true, handler: handleCreateMaintenanceArchive},
	wire.OrdLoadMaintenanceArchive:   {allowedAuthSlots: slot1Only, auditEnabled: true, handler: handleLoadMaintenanceArchive},
	wire.OrdKillMaintenanceFeature:   {allowedAuthSlots: slot1Only, mutates: true, auditEnabled: true, handler: handleKillMaintenanceFeature},
	wire.OrdLoadManuMaintPub:         {allowedAuthSlots: slot0Only, allowNoOwner: true, mutates: true, auditEnabled: true, handler: handleLoadManuMaintPub},
	wire.OrdReadManuMaintPub:         {allowedAuthSlots: slot0Only, allowNoOwner: true, handler: handleReadManuMaintPub},

	wire.OrdSHA1Start:          {allowedAuthSlots: slot0Only, allowNoOwner: true, handler: handleSHA1Start},
	wire.OrdSHA1Update:         {allowedAuthSlots: slot0Only, allowNoOwner: true, handler: handleSHA1Update},
	wire.OrdSHA1Complete:       {allowedAuthSlots: slot0Only, allowNoOwner: true, handler: handleSHA1Complete},
	wire.OrdSHA1CompleteExtend: {allowedAuthSlots: slot0Only, allowNoOwner: true, handler: handleSHA1CompleteExtend},

	wire.OrdTakeOwnership:   {allowedAuthSlots: slot1Only, allowNoOwner: true, mutates: true, auditEnabled: true, handler: handleTakeOwnership},
	wire.OrdChangeAuthOwner: {allowedAuthSlots: slot1Only, mutates: true, auditEnabled: true, handler: handleChangeAuthOwner},
	wire.OrdSaveState:       {allowedAuthSlots: slot0Only, allowNoOwner: true, handler: handleSaveState},
}

// --- session-management ordinals ----------------------------------------

func handleOIAP(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	sess, err := d.st.Sessions.NewOIAP()
	if err != nil {
		return nil, nil, err
	}
	w := wire.NewWriter()
	w.StoreU32(sess.Handle)
	w.StoreBytes(sess.NonceEven[:])
	return w, nil, nil
}

func handleOSAP(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	entityType, err := r.LoadU16()
	if err != nil {
		return nil, nil, err
	}
	entityValue, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	var nonceOddOSAP [20]byte
	if err := r.LoadFixed(nonceOddOSAP[:]); err != nil {
		return nil, nil, err
	}

	entityAuth, err := d.entityAuthForHandle(entityType, entityValue)
	if err != nil {
		return nil, nil, err
	}
	sess, nonceEvenOSAP, err := d.st.Sessions.NewOSAP(entityType, entityValue, entityAuth, nonceOddOSAP)
	if err != nil {
		return nil, nil, err
	}

	w := wire.NewWriter()
	w.StoreU32(sess.Handle)
	w.StoreBytes(sess.NonceEven[:])
	w.StoreBytes(nonceEvenOSAP[:])
	return w, nil, nil
}

func handleFlushSpecific(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	handle, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	if _, err := r.LoadU32(); err != nil { // resourceType: this emulator's handle namespaces self-identify
		return nil, nil, err
	}
	switch handle & 0xFF000000 {
	case 0x01000000:
		d.st.Keys.Evict(handle)
		d.st.Sessions.RemoveEntity(handle)
	case 0x02000000:
		d.st.Sessions.Remove(handle)
	default:
		return nil, nil, errBadHandle
	}
	return wire.NewWriter(), nil, nil
}

func handleGetRandom(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	n, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	b, err := tpmcrypto.Rand(int(n))
	if err != nil {
		return nil, nil, err
	}
	w := wire.NewWriter()
	w.StoreSized(b)
	return w, nil, nil
}

// --- PCR ordinals ---------------------------------------------------------

func handlePCRRead(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	idx, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	v, err := d.st.PCRs.Read(int(idx))
	if err != nil {
		return nil, nil, err
	}
	w := wire.NewWriter()
	w.StoreBytes(v[:])
	return w, nil, nil
}

func handleExtend(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	idx, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	var in [20]byte
	if err := r.LoadFixed(in[:]); err != nil {
		return nil, nil, err
	}
	out, err := d.st.PCRs.Extend(int(idx), in)
	if err != nil {
		return nil, nil, err
	}
	d.plat.NotifyPCRExtend(int(idx), out)
	w := wire.NewWriter()
	w.StoreBytes(out[:])
	return w, nil, nil
}

func handleStartup(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	st, err := r.LoadU16()
	if err != nil {
		return nil, nil, err
	}
	switch wire.StartupType(st) {
	case wire.StartupClear:
		d.st.Sessions.Clear()
		d.st.Keys.EvictPCRBound()
		d.st.NV.StartupClear()
		for i := 0; i < d.st.PCRs.Count(); i++ {
			if err := d.st.PCRs.Reset(i); err != nil {
				return nil, nil, err
			}
		}
	case wire.StartupState:
		// Resume from the loaded savestate blob; nothing further to do here.
	case wire.StartupDeactivated:
		d.st.StClear.Deactivated = true
	default:
		return nil, nil, errBadStartupType
	}
	return wire.NewWriter(), nil, nil
}

// --- DIR ordinals -----------------------------------------------------------

func handleDirWriteAuth(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	idx, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	var val [20]byte
	if err := r.LoadFixed(val[:]); err != nil {
		return nil, nil, err
	}
	if idx != 0 {
		return nil, nil, errBadHandle
	}
	if len(auth) != 1 {
		return nil, nil, errBadAuthCount
	}
	use, err := d.verifyOwnerSlot(auth[0], hIn)
	if err != nil {
		return nil, nil, err
	}
	if err := d.st.NV.DirWriteAuth(true, val); err != nil {
		return nil, nil, err
	}
	return wire.NewWriter(), []authUse{use}, nil
}

func handleDirRead(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	if _, err := r.LoadU32(); err != nil {
		return nil, nil, err
	}
	v := d.st.NV.DirRead()
	w := wire.NewWriter()
	w.StoreBytes(v[:])
	return w, nil, nil
}

// --- sealed/bound data ordinals ------------------------------------------

func handleSeal(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	keyHandle, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	var encAuth [20]byte
	if err := r.LoadFixed(encAuth[:]); err != nil {
		return nil, nil, err
	}
	pcrBytes, err := r.LoadSized()
	if err != nil {
		return nil, nil, err
	}
	inData, err := r.LoadSized()
	if err != nil {
		return nil, nil, err
	}

	key, _, err := d.resolveKey(keyHandle)
	if err != nil {
		return nil, nil, err
	}
	if len(auth) != 1 {
		return nil, nil, errBadAuthCount
	}
	entityAuth, err := d.keyUsageAuth(key)
	if err != nil {
		return nil, nil, err
	}
	use, err := d.verifySlot(auth[0], hIn, entityAuth, keyHandle)
	if err != nil {
		return nil, nil, err
	}

	authData, err := d.decryptEncAuth(use.sess, auth[0].NonceOdd, encAuth)
	if err != nil {
		return nil, nil, err
	}

	sealInfo := &keystore.StoredData{}
	if len(pcrBytes) > 0 {
		info, err := pcr.LoadInfoShort(wire.NewReader(pcrBytes))
		if err != nil {
			return nil, nil, err
		}
		sealInfo.PCRInfoShort = &info
	}

	out, err := keystore.Seal(key, d.st.PCRs, d.plat.LocalityModifier(), authData, sealInfo, d.st.Data.TPMProof, inData)
	if err != nil {
		return nil, nil, err
	}

	w := wire.NewWriter()
	out.Store(w)
	return w, []authUse{use}, nil
}

func handleSealx(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	keyHandle, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	var encAuth [20]byte
	if err := r.LoadFixed(encAuth[:]); err != nil {
		return nil, nil, err
	}
	pcrBytes, err := r.LoadSized()
	if err != nil {
		return nil, nil, err
	}
	inData, err := r.LoadSized()
	if err != nil {
		return nil, nil, err
	}

	key, _, err := d.resolveKey(keyHandle)
	if err != nil {
		return nil, nil, err
	}
	if len(auth) != 1 {
		return nil, nil, errBadAuthCount
	}
	entityAuth, err := d.keyUsageAuth(key)
	if err != nil {
		return nil, nil, err
	}
	use, err := d.verifySlot(auth[0], hIn, entityAuth, keyHandle)
	if err != nil {
		return nil, nil, err
	}
	if use.sess.Protocol == sessions.ProtocolOIAP {
		return nil, nil, errADIPRequiresOSAP
	}

	authData, err := d.decryptEncAuth(use.sess, auth[0].NonceOdd, encAuth)
	if err != nil {
		return nil, nil, err
	}

	sealInfo := &keystore.StoredData{}
	if len(pcrBytes) > 0 {
		info, err := pcr.LoadInfoLong(wire.NewReader(pcrBytes))
		if err != nil {
			return nil, nil, err
		}
		sealInfo.PCRInfoLong = &info
	}

	out, err := keystore.Sealx(key, d.st.PCRs, d.plat.LocalityModifier(), authData, sealInfo, d.st.Data.TPMProof, inData,
		use.sess.ADIPScheme, use.sess.SharedSecret, use.sess.NonceEven, auth[0].NonceOdd)
	if err != nil {
		return nil, nil, err
	}

	w := wire.NewWriter()
	out.Store(w)
	return w, []authUse{use}, nil
}

func handleUnseal(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	keyHandle, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	sdBytes, err := r.LoadSized()
	if err != nil {
		return nil, nil, err
	}

	key, priv, err := d.resolveKey(keyHandle)
	if err != nil {
		return nil, nil, err
	}
	if len(auth) != 1 {
		return nil, nil, errBadAuthCount
	}
	entityAuth, err := d.keyUsageAuth(key)
	if err != nil {
		return nil, nil, err
	}
	use, err := d.verifySlot(auth[0], hIn, entityAuth, keyHandle)
	if err != nil {
		return nil, nil, err
	}

	sd, err := keystore.LoadStoredData(wire.NewReader(sdBytes))
	if err != nil {
		return nil, nil, err
	}

	var reseal *sessions.Session
	if use.sess.Protocol != sessions.ProtocolOIAP {
		reseal = use.sess
	}

	data, err := keystore.Unseal(key, priv, d.st.PCRs, d.plat.LocalityModifier(), d.st.Data.TPMProof, sd, reseal)
	if err != nil {
		return nil, nil, err
	}

	w := wire.NewWriter()
	w.StoreSized(data)
	return w, []authUse{use}, nil
}

func handleUnBind(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	keyHandle, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	ct, err := r.LoadSized()
	if err != nil {
		return nil, nil, err
	}

	key, priv, err := d.resolveKey(keyHandle)
	if err != nil {
		return nil, nil, err
	}
	if len(auth) != 1 {
		return nil, nil, errBadAuthCount
	}
	entityAuth, err := d.keyUsageAuth(key)
	if err != nil {
		return nil, nil, err
	}
	use, err := d.verifySlot(auth[0], hIn, entityAuth, keyHandle)
	if err != nil {
		return nil, nil, err
	}

	data, err := keystore.UnBind(key, priv, ct)
	if err != nil {
		return nil, nil, err
	}
	w := wire.NewWriter()
	w.StoreSized(data)
	return w, []authUse{use}, nil
}

// --- key-hierarchy ordinals ------------------------------------------------

func handleCreateWrapKey(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	parentHandle, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	var encUsageAuth, encMigAuth [20]byte
	if err := r.LoadFixed(encUsageAuth[:]); err != nil {
		return nil, nil, err
	}
	if err := r.LoadFixed(encMigAuth[:]); err != nil {
		return nil, nil, err
	}
	tmpl, err := loadKeyTemplate(r)
	if err != nil {
		return nil, nil, err
	}

	parentKey, parentPriv, err := d.resolveKey(parentHandle)
	if err != nil {
		return nil, nil, err
	}
	if len(auth) != 1 {
		return nil, nil, errBadAuthCount
	}
	entityAuth, err := d.keyUsageAuth(parentKey)
	if err != nil {
		return nil, nil, err
	}
	use, err := d.verifySlot(auth[0], hIn, entityAuth, parentHandle)
	if err != nil {
		return nil, nil, err
	}
	if use.sess.Protocol == sessions.ProtocolOIAP {
		return nil, nil, errADIPRequiresOSAP
	}

	usageAuth, err := d.decryptEncAuth(use.sess, auth[0].NonceOdd, encUsageAuth)
	if err != nil {
		return nil, nil, err
	}
	migAuth, err := sessions.DecryptADIPSwapped(use.sess.ADIPScheme, use.sess.SharedSecret, use.sess.NonceEven, auth[0].NonceOdd, encMigAuth)
	if err != nil {
		return nil, nil, err
	}

	dm1Bytes, err := tpmcrypto.Rand(20)
	if err != nil {
		return nil, nil, err
	}
	var dm1 [20]byte
	copy(dm1[:], dm1Bytes)

	newKey, encData, err := keystore.CreateWrapKey(parentKey, parentPriv, tmpl, usageAuth, migAuth, d.st.Data.TPMProof, dm1, d.st.Flags.FIPS)
	if err != nil {
		return nil, nil, err
	}

	w := wire.NewWriter()
	newKey.Store(w, encData)
	return w, []authUse{use}, nil
}

func handleLoadKey2(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	parentHandle, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	serialized, err := r.LoadSized()
	if err != nil {
		return nil, nil, err
	}

	parentKey, parentPriv, err := d.resolveKey(parentHandle)
	if err != nil {
		return nil, nil, err
	}
	if len(auth) != 1 {
		return nil, nil, errBadAuthCount
	}
	entityAuth, err := d.keyUsageAuth(parentKey)
	if err != nil {
		return nil, nil, err
	}
	use, err := d.verifySlot(auth[0], hIn, entityAuth, parentHandle)
	if err != nil {
		return nil, nil, err
	}

	handle, err := d.st.Keys.LoadKey2(parentKey, parentPriv, serialized, keystore.VersionV12, d.st.Data.TPMProof, d.st.Flags.FIPS)
	if err != nil {
		return nil, nil, err
	}

	w := wire.NewWriter()
	w.StoreU32(handle)
	return w, []authUse{use}, nil
}

func handleGetPubKey(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	keyHandle, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	key, _, err := d.resolveKey(keyHandle)
	if err != nil {
		return nil, nil, err
	}

	var uses []authUse
	switch {
	case len(auth) == 1:
		entityAuth, err := d.keyUsageAuth(key)
		if err != nil {
			return nil, nil, err
		}
		use, err := d.verifySlot(auth[0], hIn, entityAuth, keyHandle)
		if err != nil {
			return nil, nil, err
		}
		uses = []authUse{use}
	case key.AuthDataUsage == keystore.AuthAlways:
		return nil, nil, errAuthRequired
	case len(auth) != 0:
		return nil, nil, errBadAuthCount
	}

	w := wire.NewWriter()
	w.StoreU32(key.AlgorithmParms.AlgorithmID)
	w.StoreU16(key.AlgorithmParms.EncScheme)
	w.StoreU16(key.AlgorithmParms.SigScheme)
	w.StoreU32(key.AlgorithmParms.KeyBits)
	w.StoreSized(key.AlgorithmParms.Exponent)
	w.StoreSized(key.PublicModulus)
	return w, uses, nil
}

// handleChangeAuth changes a loaded key's usageAuth in place. Real TPM
// ChangeAuth re-wraps the key under its parent and returns a fresh blob;
// this emulator keeps the key resident in the key table instead, so the
// response carries only the key's public portion with an empty encData
// rather than a re-wrapped blob — there is no second party here to hand a
// re-wrapped blob to.
func handleChangeAuth(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	if _, err := r.LoadU32(); err != nil { // parentHandle: informational only, see comment above
		return nil, nil, err
	}
	protocolID, err := r.LoadU16()
	if err != nil {
		return nil, nil, err
	}
	var encNewAuth [20]byte
	if err := r.LoadFixed(encNewAuth[:]); err != nil {
		return nil, nil, err
	}
	entityType, err := r.LoadU16()
	if err != nil {
		return nil, nil, err
	}
	keyHandle, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	if entityType != wire.EntityTypeKeyHandle {
		return nil, nil, errUnsupportedEntity
	}

	key, _, err := d.resolveKey(keyHandle)
	if err != nil {
		return nil, nil, err
	}
	if key.Private == nil {
		return nil, nil, errNoPrivateHalf
	}
	if len(auth) != 1 {
		return nil, nil, errBadAuthCount
	}
	use, err := d.verifySlot(auth[0], hIn, key.Private.UsageAuth, keyHandle)
	if err != nil {
		return nil, nil, err
	}
	if use.sess.Protocol == sessions.ProtocolOIAP {
		return nil, nil, errADIPRequiresOSAP
	}

	scheme := sessions.ADIPXor
	if protocolID == 1 {
		scheme = sessions.ADIPAES128CTR
	}
	use.sess.ADIPScheme = scheme

	newAuth, err := d.decryptEncAuth(use.sess, auth[0].NonceOdd, encNewAuth)
	if err != nil {
		return nil, nil, err
	}
	key.Private.UsageAuth = newAuth

	w := wire.NewWriter()
	key.Store(w, nil)
	return w, []authUse{use}, nil
}

// --- NV ordinals ------------------------------------------------------------

func handleNVDefineSpace(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	nvIndex, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	attrBits, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	pcrReadBytes, err := r.LoadSized()
	if err != nil {
		return nil, nil, err
	}
	pcrWriteBytes, err := r.LoadSized()
	if err != nil {
		return nil, nil, err
	}
	dataSize, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	var encAuth [20]byte
	if err := r.LoadFixed(encAuth[:]); err != nil {
		return nil, nil, err
	}

	var pcrRead, pcrWrite pcr.InfoShort
	if len(pcrReadBytes) > 0 {
		pcrRead, err = pcr.LoadInfoShort(wire.NewReader(pcrReadBytes))
		if err != nil {
			return nil, nil, err
		}
	}
	if len(pcrWriteBytes) > 0 {
		pcrWrite, err = pcr.LoadInfoShort(wire.NewReader(pcrWriteBytes))
		if err != nil {
			return nil, nil, err
		}
	}

	owner := nvram.OwnerState{
		OwnerInstalled: d.st.Data.OwnerInstalled,
		Disable:        d.st.Flags.Disable,
		Deactivated:    d.st.StClear.Deactivated,
	}

	var ownerAuthPresent bool
	var uses []authUse
	if owner.OwnerInstalled {
		if len(auth) != 1 {
			return nil, nil, errBadAuthCount
		}
		use, err := d.verifyOwnerSlot(auth[0], hIn)
		if err != nil {
			return nil, nil, err
		}
		uses = []authUse{use}
		ownerAuthPresent = true
	} else if len(auth) != 0 {
		return nil, nil, errBadAuthCount
	}

	attrs := attrsFromBits(attrBits)
	if err := d.st.NV.DefineSpace(owner, d.plat.PhysicalPresence(), ownerAuthPresent, nvIndex, attrs, pcrRead, pcrWrite, dataSize, encAuth); err != nil {
		return nil, nil, err
	}
	// Redefining or deleting an index invalidates any OSAP/DSAP session a
	// caller had bound to its old contents.
	d.st.Sessions.RemoveEntity(nvIndex)

	return wire.NewWriter(), uses, nil
}

func handleNVWrite(requireAuth bool) handlerFunc {
	return func(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
		nvIndex, err := r.LoadU32()
		if err != nil {
			return nil, nil, err
		}
		offset, err := r.LoadU32()
		if err != nil {
			return nil, nil, err
		}
		data, err := r.LoadSized()
		if err != nil {
			return nil, nil, err
		}

		entry := d.findNVEntry(nvIndex)
		var ownerAuthPresent, authDataPresent bool
		var uses []authUse
		switch {
		case requireAuth || len(auth) == 1:
			if len(auth) != 1 {
				return nil, nil, errBadAuthCount
			}
			if entry != nil && entry.Attributes.OwnerWrite && !entry.Attributes.AuthWrite {
				use, err := d.verifyOwnerSlot(auth[0], hIn)
				if err != nil {
					return nil, nil, err
				}
				uses = []authUse{use}
				ownerAuthPresent = true
			} else {
				var entityAuth [20]byte
				if entry != nil {
					entityAuth = entry.AuthValue
				}
				use, err := d.verifySlot(auth[0], hIn, entityAuth, nvIndex)
				if err != nil {
					return nil, nil, err
				}
				uses = []authUse{use}
				authDataPresent = true
			}
		case len(auth) != 0:
			return nil, nil, errBadAuthCount
		}

		ctx := nvAuthContext(d, ownerAuthPresent, authDataPresent)
		if err := d.st.NV.Write(ctx, d.plat, nvIndex, offset, data); err != nil {
			return nil, nil, err
		}
		return wire.NewWriter(), uses, nil
	}
}

func handleNVRead(requireAuth bool) handlerFunc {
	return func(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
		nvIndex, err := r.LoadU32()
		if err != nil {
			return nil, nil, err
		}
		offset, err := r.LoadU32()
		if err != nil {
			return nil, nil, err
		}
		length, err := r.LoadU32()
		if err != nil {
			return nil, nil, err
		}

		entry := d.findNVEntry(nvIndex)
		var ownerAuthPresent, authDataPresent bool
		var uses []authUse
		switch {
		case requireAuth || len(auth) == 1:
			if len(auth) != 1 {
				return nil, nil, errBadAuthCount
			}
			if entry != nil && entry.Attributes.OwnerRead && !entry.Attributes.AuthRead {
				use, err := d.verifyOwnerSlot(auth[0], hIn)
				if err != nil {
					return nil, nil, err
				}
				uses = []authUse{use}
				ownerAuthPresent = true
			} else {
				var entityAuth [20]byte
				if entry != nil {
					entityAuth = entry.AuthValue
				}
				use, err := d.verifySlot(auth[0], hIn, entityAuth, nvIndex)
				if err != nil {
					return nil, nil, err
				}
				uses = []authUse{use}
				authDataPresent = true
			}
		case len(auth) != 0:
			return nil, nil, errBadAuthCount
		}

		ctx := nvAuthContext(d, ownerAuthPresent, authDataPresent)
		data, err := d.st.NV.Read(ctx, d.plat, nvIndex, offset, length)
		if err != nil {
			return nil, nil, err
		}
		w := wire.NewWriter()
		w.StoreSized(data)
		return w, uses, nil
	}
}

// --- maintenance ordinals ---------------------------------------------------

func handleCreateMaintenanceArchive(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	generateRandom, err := r.LoadBool()
	if err != nil {
		return nil, nil, err
	}
	if !d.st.Flags.AllowMaintenance {
		return nil, nil, errMaintenanceDisabled
	}
	if len(auth) != 1 {
		return nil, nil, errBadAuthCount
	}
	use, err := d.verifyOwnerSlot(auth[0], hIn)
	if err != nil {
		return nil, nil, err
	}

	archive, err := keystore.CreateMaintenanceArchive(d.st.Data.SRK, d.st.Data.SRKPriv, d.st.Data.ManuMaintPub, d.st.Data.OwnerAuth, d.st.Data.TPMProof, generateRandom)
	if err != nil {
		return nil, nil, err
	}

	w := wire.NewWriter()
	w.StoreSized(archive.A1)
	w.StoreSized(archive.Random)
	return w, []authUse{use}, nil
}

// handleLoadMaintenanceArchive always reports disabled: the manufacturer's
// maintenance private key never exists in this process's state (see
// DESIGN.md's Open Question decision), so this ordinal cannot be carried
// out and is refused unconditionally with the same DISABLED_CMD code the
// other maintenance ordinals return once the feature is switched off.
func handleLoadMaintenanceArchive(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	return nil, nil, errMaintenanceDisabled
}

func handleKillMaintenanceFeature(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	if len(auth) != 1 {
		return nil, nil, errBadAuthCount
	}
	use, err := d.verifyOwnerSlot(auth[0], hIn)
	if err != nil {
		return nil, nil, err
	}
	d.st.Flags.AllowMaintenance = keystore.KillMaintenanceFeature()
	return wire.NewWriter(), []authUse{use}, nil
}

func handleLoadManuMaintPub(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	pub, err := r.LoadSized()
	if err != nil {
		return nil, nil, err
	}
	if d.st.Data.AllowLoadMaintPub {
		return nil, nil, errMaintenanceDisabled
	}
	if !d.plat.PhysicalPresence() {
		return nil, nil, errPhysicalPresenceRequired
	}
	d.st.Data.ManuMaintPub = pub
	d.st.Data.AllowLoadMaintPub = true

	digest := tpmcrypto.SHA1(pub)
	w := wire.NewWriter()
	w.StoreBytes(digest[:])
	return w, nil, nil
}

func handleReadManuMaintPub(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	digest := tpmcrypto.SHA1(d.st.Data.ManuMaintPub)
	w := wire.NewWriter()
	w.StoreBytes(digest[:])
	return w, nil, nil
}

// --- SHA-1 multi-command context ordinals -----------------------------------

func handleSHA1Start(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	handle := d.nextSHA1Handle()
	d.st.SHA1Contexts[handle] = tpmcrypto.NewSHA1()
	w := wire.NewWriter()
	w.StoreU32(handle)
	return w, nil, nil
}

func handleSHA1Update(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	handle, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	data, err := r.LoadSized()
	if err != nil {
		return nil, nil, err
	}
	ctx, ok := d.st.SHA1Contexts[handle]
	if !ok {
		return nil, nil, errBadHandle
	}
	ctx.Update(data)
	return wire.NewWriter(), nil, nil
}

func handleSHA1Complete(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	handle, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	data, err := r.LoadSized()
	if err != nil {
		return nil, nil, err
	}
	ctx, ok := d.st.SHA1Contexts[handle]
	if !ok {
		return nil, nil, errBadHandle
	}
	ctx.Update(data)
	digest := ctx.Final()
	delete(d.st.SHA1Contexts, handle)

	w := wire.NewWriter()
	w.StoreBytes(digest[:])
	return w, nil, nil
}

func handleSHA1CompleteExtend(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	handle, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	data, err := r.LoadSized()
	if err != nil {
		return nil, nil, err
	}
	pcrIndex, err := r.LoadU32()
	if err != nil {
		return nil, nil, err
	}
	ctx, ok := d.st.SHA1Contexts[handle]
	if !ok {
		return nil, nil, errBadHandle
	}
	ctx.Update(data)
	digest := ctx.Final()
	delete(d.st.SHA1Contexts, handle)

	out, err := d.st.PCRs.Extend(int(pcrIndex), [20]byte(digest))
	if err != nil {
		return nil, nil, err
	}
	d.plat.NotifyPCRExtend(int(pcrIndex), out)

	w := wire.NewWriter()
	w.StoreBytes(digest[:])
	w.StoreBytes(out[:])
	return w, nil, nil
}

// --- ownership ordinals ------------------------------------------------------

// handleTakeOwnership establishes ownerAuth and the SRK's usageAuth. Real
// TakeOwnership also ships a fresh SRK template to regenerate the SRK under;
// this emulator's SRK is generated once at NewFresh and kept for the
// process's lifetime, so the template is parsed (for wire-shape fidelity)
// and otherwise unused.
func handleTakeOwnership(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	if d.st.Data.OwnerInstalled {
		return nil, nil, errOwnerAlreadySet
	}
	protocolID, err := r.LoadU16()
	if err != nil {
		return nil, nil, err
	}
	var encOwnerAuth, encSRKAuth [20]byte
	if err := r.LoadFixed(encOwnerAuth[:]); err != nil {
		return nil, nil, err
	}
	if err := r.LoadFixed(encSRKAuth[:]); err != nil {
		return nil, nil, err
	}
	if _, err := loadKeyTemplate(r); err != nil {
		return nil, nil, err
	}

	if len(auth) != 1 {
		return nil, nil, errBadAuthCount
	}
	use, err := d.verifySlot(auth[0], hIn, d.st.Data.SRK.Private.UsageAuth, wire.KeyHandleSRK)
	if err != nil {
		return nil, nil, err
	}
	if use.sess.Protocol == sessions.ProtocolOIAP {
		return nil, nil, errADIPRequiresOSAP
	}

	scheme := sessions.ADIPXor
	if protocolID == 1 {
		scheme = sessions.ADIPAES128CTR
	}
	use.sess.ADIPScheme = scheme

	ownerAuth, err := d.decryptEncAuth(use.sess, auth[0].NonceOdd, encOwnerAuth)
	if err != nil {
		return nil, nil, err
	}
	srkAuth, err := sessions.DecryptADIPSwapped(scheme, use.sess.SharedSecret, use.sess.NonceEven, auth[0].NonceOdd, encSRKAuth)
	if err != nil {
		return nil, nil, err
	}

	d.st.Data.OwnerAuth = ownerAuth
	d.st.Data.SRK.Private.UsageAuth = srkAuth
	d.st.Data.OwnerInstalled = true
	d.st.Flags.AllowMaintenance = true

	return wire.NewWriter(), []authUse{use}, nil
}

func handleChangeAuthOwner(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	protocolID, err := r.LoadU16()
	if err != nil {
		return nil, nil, err
	}
	var encNewAuth [20]byte
	if err := r.LoadFixed(encNewAuth[:]); err != nil {
		return nil, nil, err
	}
	entityType, err := r.LoadU16()
	if err != nil {
		return nil, nil, err
	}
	if entityType != wire.EntityTypeOwner {
		return nil, nil, errUnsupportedEntity
	}

	if len(auth) != 1 {
		return nil, nil, errBadAuthCount
	}
	use, err := d.verifyOwnerSlot(auth[0], hIn)
	if err != nil {
		return nil, nil, err
	}
	if use.sess.Protocol == sessions.ProtocolOIAP {
		return nil, nil, errADIPRequiresOSAP
	}

	scheme := sessions.ADIPXor
	if protocolID == 1 {
		scheme = sessions.ADIPAES128CTR
	}
	use.sess.ADIPScheme = scheme

	newAuth, err := d.decryptEncAuth(use.sess, auth[0].NonceOdd, encNewAuth)
	if err != nil {
		return nil, nil, err
	}
	d.st.Data.OwnerAuth = newAuth
	return wire.NewWriter(), []authUse{use}, nil
}

func handleSaveState(d *Dispatcher, r *wire.Reader, auth []sessions.AuthBlock, hIn [20]byte) (*wire.Writer, []authUse, error) {
	if err := d.st.Flush(d.store); err != nil {
		return nil, nil, err
	}
	return wire.NewWriter(), nil, nil
}
