package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStaticPlatformPresenceAndLocality(t *testing.T) {
	p := NewStaticPlatform()
	assert.False(t, p.PhysicalPresence())
	assert.Equal(t, uint8(0), p.LocalityModifier())

	p.SetPhysicalPresence(true)
	p.SetLocality(2)
	assert.True(t, p.PhysicalPresence())
	assert.Equal(t, uint8(2), p.LocalityModifier())
}

func TestStaticPlatformGPIOReadBeforeWriteIsZeroFilled(t *testing.T) {
	p := NewStaticPlatform()
	b, err := p.GPIORead(0x0001, 4)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}

func TestStaticPlatformGPIOWriteThenRead(t *testing.T) {
	p := NewStaticPlatform()
	assert.NoError(t, p.GPIOWrite(0x0002, []byte{1, 2, 3}))
	b, err := p.GPIORead(0x0002, 3)
	assert.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)
}

func TestStaticPlatformGPIOWriteIsCopied(t *testing.T) {
	p := NewStaticPlatform()
	data := []byte{9, 9}
	assert.NoError(t, p.GPIOWrite(0x0003, data))
	data[0] = 0
	b, _ := p.GPIORead(0x0003, 2)
	assert.Equal(t, []byte{9, 9}, b)
}

func TestStaticPlatformNotifyPCRExtendRecordsCalls(t *testing.T) {
	p := NewStaticPlatform()
	var digest [20]byte
	digest[0] = 0xAB
	p.NotifyPCRExtend(7, digest)
	got := p.Extends()
	assert.Len(t, got, 1)
	assert.Equal(t, 7, got[0].PCRIndex)
	assert.Equal(t, digest, got[0].Digest)
}
