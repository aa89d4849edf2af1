package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionCommandPrintsBuildMetadata(t *testing.T) {
	cmd := newVersionCmd()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	require.NoError(t, cmd.RunE(cmd, nil))
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["serve"])
	require.True(t, names["init-state"])
	require.True(t, names["version"])
}

func TestReadFrameRejectsOversizedFrame(t *testing.T) {
	head := []byte{0x00, 0xC1, 0x00, 0x00, 0x00, 0x10} // paramSize 16, header claims 16 bytes total
	r := bytes.NewReader(append(head, make([]byte, 10)...))
	_, err := readFrame(r, 8) // cap smaller than paramSize
	require.Error(t, err)
}

func TestReadFrameRejectsTruncatedInput(t *testing.T) {
	head := []byte{0x00, 0xC1, 0x00, 0x0A, 0x00, 0x00}
	r := bytes.NewReader(head[:4]) // short of the fixed 6-byte header
	_, err := readFrame(r, 4096)
	require.Error(t, err)
}

func TestReadFrameParsesWellFormedFrame(t *testing.T) {
	// tag=0x00C1, paramSize=10 (header only, no params/ordinal beyond this slice)
	head := []byte{0x00, 0xC1, 0x00, 0x00, 0x00, 0x0A}
	rest := []byte{0x00, 0x00, 0x00, 0x46} // 4 bytes "ordinal" padding out paramSize
	r := bytes.NewReader(append(append([]byte{}, head...), rest...))
	frame, err := readFrame(r, 4096)
	require.NoError(t, err)
	require.Len(t, frame, 10)
}
