package dex

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

func TestBuildAndValidate(t *testing.T) {
	b := Build("035", []byte("class data"))

	h, err := Validate(b)
	require.NoError(t, err)
	assert.Equal(t, "035", h.Version)
	assert.Equal(t, uint32(len(b)), h.FileSize)
	assert.Equal(t, uint32(HeaderSize), h.HeaderSize)
	assert.Equal(t, uint32(len("class data")), h.DataSize)
}

func TestValidate_Corruption(t *testing.T) {
	good := Build("039", []byte{1, 2, 3, 4, 5, 6, 7, 8})

	mutate := func(f func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		f(b)
		return b
	}

	cases := map[string][]byte{
		"short":     good[:HeaderSize-1],
		"magic":     mutate(func(b []byte) { b[0] = 'x' }),
		"version":   mutate(func(b []byte) { copy(b[4:7], "099") }),
		"endian":    Seal(mutate(func(b []byte) { binary.LittleEndian.PutUint32(b[40:], 0x78563412) })),
		"hdr size":  Seal(mutate(func(b []byte) { binary.LittleEndian.PutUint32(b[36:], 0x80) })),
		"checksum":  mutate(func(b []byte) { b[8] ^= 0xff }),
		"body flip": mutate(func(b []byte) { b[len(b)-1] ^= 0xff }),
		"truncated": good[:len(good)-2],
	}
	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Validate(b)
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, domain.KindFormat), "got %v", err)
		})
	}
}

func TestSplit(t *testing.T) {
	a := Build("035", []byte("first"))
	b := Build("035", []byte("second dex"))
	blob := append(append([]byte(nil), a...), b...)

	parts, err := Split(blob)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, a, parts[0])
	assert.Equal(t, b, parts[1])

	_, err = Split(append(blob, 0x00))
	assert.Error(t, err)
}
