// Package platform implements the Platform capability (§6.4): physical
// presence and locality signaling, and GPIO-backed NV index storage. There
// is no third-party library for "host pin state," so this stays a small
// stdlib-only struct behind a five-method interface.
package platform

import "sync"

// Platform is the external collaborator the dispatcher/NV layer consult for
// physical-presence gating, locality-gated PCR/NV access, and GPIO-backed NV
// indexes (§6.4).
type Platform interface {
	PhysicalPresence() bool
	LocalityModifier() uint8
	GPIORead(nvIndex uint32, length int) ([]byte, error)
	GPIOWrite(nvIndex uint32, data []byte) error
	NotifyPCRExtend(pcrIndex int, digest [20]byte)
}

// StaticPlatform is a test/reference Platform: physical presence and
// locality are fields the test harness sets directly, and GPIO indexes are
// backed by an in-memory byte map.
type StaticPlatform struct {
	mu sync.Mutex

	presence bool
	locality uint8
	gpio     map[uint32][]byte

	extends []pcrExtendCall
}

type pcrExtendCall struct {
	PCRIndex int
	Digest   [20]byte
}

// NewStaticPlatform returns a StaticPlatform with physical presence
// deasserted and locality 0.
func NewStaticPlatform() *StaticPlatform {
	return &StaticPlatform{gpio: make(map[uint32][]byte)}
}

// SetPhysicalPresence sets the physical-presence bit the test harness wants
// the core to observe.
func (p *StaticPlatform) SetPhysicalPresence(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presence = v
}

// SetLocality sets the locality modifier (0..4) the core observes.
func (p *StaticPlatform) SetLocality(l uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.locality = l
}

// PhysicalPresence implements Platform.
func (p *StaticPlatform) PhysicalPresence() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.presence
}

// LocalityModifier implements Platform.
func (p *StaticPlatform) LocalityModifier() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locality
}

// GPIORead implements Platform: zero-filled until first write.
func (p *StaticPlatform) GPIORead(nvIndex uint32, length int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.gpio[nvIndex]
	if !ok {
		return make([]byte, length), nil
	}
	out := make([]byte, length)
	copy(out, b)
	return out, nil
}

// GPIOWrite implements Platform.
func (p *StaticPlatform) GPIOWrite(nvIndex uint32, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	p.gpio[nvIndex] = cp
	return nil
}

// NotifyPCRExtend implements Platform. This is optional per §6.4; the
// StaticPlatform records it so tests can assert on extend notifications.
func (p *StaticPlatform) NotifyPCRExtend(pcrIndex int, digest [20]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extends = append(p.extends, pcrExtendCall{PCRIndex: pcrIndex, Digest: digest})
}

// Extends returns a copy of every NotifyPCRExtend call observed so far, for
// test assertions.
func (p *StaticPlatform) Extends() []pcrExtendCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]pcrExtendCall, len(p.extends))
	copy(out, p.extends)
	return out
}
