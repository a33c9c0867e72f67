package ctx

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redotail/redotail/pkg/types"
)

func TestScnRoundTripLittle(t *testing.T) {
	values := []uint64{
		0, 1, 100, 0x7FFFFFFFFFFF, 0x800000000000, 0x123456789ABC,
		0x1234567890ABCD, 1<<62 - 1,
	}
	for _, v := range values {
		var buf [8]byte
		WriteScnLittle(buf[:], types.Scn(v))
		assert.Equal(t, types.Scn(v), ReadScnLittle(buf[:]), "value 0x%x", v)
	}
}

func TestScnRoundTripBig(t *testing.T) {
	values := []uint64{
		0, 1, 100, 0x7FFFFFFFFFFF, 0x800000000000, 0x123456789ABC,
		0x1234567890ABCD, 1<<62 - 1,
	}
	for _, v := range values {
		var buf [8]byte
		WriteScnBig(buf[:], types.Scn(v))
		assert.Equal(t, types.Scn(v), ReadScnBig(buf[:]), "value 0x%x", v)
	}
}

func TestScnNoneSentinel(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0, 0}
	assert.True(t, ReadScnLittle(buf).IsNone())
	assert.True(t, ReadScnBig(buf).IsNone())
	assert.True(t, ReadScnRLittle(buf).IsNone())
	assert.True(t, ReadScnRBig(buf).IsNone())
}

func TestScnSixByteForm(t *testing.T) {
	// 6-byte form: top bit of byte 5 clear.
	buf := []byte{0xBC, 0x9A, 0x78, 0x56, 0x34, 0x12, 0, 0}
	assert.Equal(t, types.Scn(0x123456789ABC), ReadScnLittle(buf))
}

func TestScnEightByteForm(t *testing.T) {
	// 8-byte form: byte 5 top bit set, bytes 6-7 carry bits 32..47 and
	// bytes 4-5 move to bits 48..62.
	var buf [8]byte
	WriteScnLittle(buf[:], types.Scn(0x1234567890ABCD))
	assert.Equal(t, byte(0x80), buf[5]&0x80)
	assert.Equal(t, types.Scn(0x1234567890ABCD), ReadScnLittle(buf[:]))
}

func TestReadHelpers(t *testing.T) {
	b := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}

	assert.Equal(t, uint16(0x0201), Read16Little(b))
	assert.Equal(t, uint16(0x0102), Read16Big(b))
	assert.Equal(t, uint32(0x04030201), Read32Little(b))
	assert.Equal(t, uint32(0x01020304), Read32Big(b))
	assert.Equal(t, uint64(0x07060504030201), Read56Little(b))
	assert.Equal(t, uint64(0x0807060504030201), Read64Little(b))
	assert.Equal(t, uint64(0x0102030405060708), Read64Big(b))
}

func TestCtxEndianDispatch(t *testing.T) {
	c := New()
	b := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	assert.Equal(t, uint32(0x04030201), c.Read32(b))
	c.SetBigEndian()
	assert.Equal(t, uint32(0x01020304), c.Read32(b))
}

func TestShutdownBroadcast(t *testing.T) {
	c := New()
	var mtx sync.Mutex
	cond := sync.NewCond(&mtx)
	c.RegisterCond(cond)

	done := make(chan struct{})
	go func() {
		mtx.Lock()
		for !c.HardShutdown() {
			cond.Wait()
		}
		mtx.Unlock()
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	c.StopHard()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by StopHard")
	}
	assert.True(t, c.SoftShutdown())
}

func TestErrorClassification(t *testing.T) {
	err := RedoError(40002, "invalid header block number")
	require.Error(t, err)
	assert.Equal(t, KindRedo, KindOf(err))
	assert.Equal(t, 40002, CodeOf(err))
	assert.Contains(t, err.Error(), "40002")

	assert.Equal(t, KindRuntime, KindOf(assert.AnError))
	assert.Equal(t, 0, CodeOf(assert.AnError))
}
