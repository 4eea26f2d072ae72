package p2p

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Zollkron/gamerchain-sub000/common"
)

func TestReadBufferReset(t *testing.T) {
	reader := bytes.NewReader(common.FromHex("0x010202030303040505"))
	var b readBuffer

	s1, _ := b.read(reader, 1)
	s2, _ := b.read(reader, 2)
	s3, _ := b.read(reader, 3)

	assert.Equal(t, []byte{1}, s1)
	assert.Equal(t, []byte{2, 2}, s2)
	assert.Equal(t, []byte{3, 3, 3}, s3)

	b.reset()

	s4, _ := b.read(reader, 1)
	s5, _ := b.read(reader, 2)

	assert.Equal(t, []byte{4}, s4)
	assert.Equal(t, []byte{5, 5}, s5)

	s6, err := b.read(reader, 2)

	assert.EqualError(t, err, "EOF")
	assert.Nil(t, s6)
}

func TestWriteBuffer(t *testing.T) {
	var b writeBuffer
	b.write([]byte{1, 2})
	z := b.appendZero(3)
	copy(z, []byte{3, 3, 3})
	b.write([]byte{4})

	assert.Equal(t, []byte{1, 2, 3, 3, 3, 4}, b.data)

	b.reset()
	assert.Len(t, b.data, 0)
}
