package ctx

import "github.com/redotail/redotail/pkg/types"

// Endian-dispatching readers over the redo stream. The stream's byte order is
// fixed by the first file header; methods pick the right static helper.

func (c *Ctx) Read16(b []byte) uint16 {
	if c.IsBigEndian() {
		return Read16Big(b)
	}
	return Read16Little(b)
}

func (c *Ctx) Read32(b []byte) uint32 {
	if c.IsBigEndian() {
		return Read32Big(b)
	}
	return Read32Little(b)
}

func (c *Ctx) Read56(b []byte) uint64 {
	if c.IsBigEndian() {
		return Read56Big(b)
	}
	return Read56Little(b)
}

func (c *Ctx) Read64(b []byte) uint64 {
	if c.IsBigEndian() {
		return Read64Big(b)
	}
	return Read64Little(b)
}

// ReadScn reads the 6-or-8-byte SCN wire form.
func (c *Ctx) ReadScn(b []byte) types.Scn {
	if c.IsBigEndian() {
		return ReadScnBig(b)
	}
	return ReadScnLittle(b)
}

// ReadScnR reads the rolled SCN variant used inside change vector headers,
// where the high word precedes the low word.
func (c *Ctx) ReadScnR(b []byte) types.Scn {
	if c.IsBigEndian() {
		return ReadScnRBig(b)
	}
	return ReadScnRLittle(b)
}

func (c *Ctx) WriteScn(b []byte, v types.Scn) {
	if c.IsBigEndian() {
		WriteScnBig(b, v)
	} else {
		WriteScnLittle(b, v)
	}
}

func Read16Little(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func Read16Big(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func Read32Little(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func Read32Big(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func Read56Little(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48
}

func Read56Big(b []byte) uint64 {
	return uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3]) |
		uint64(b[4])<<40 | uint64(b[5])<<32 | uint64(b[6])<<48
}

func Read64Little(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func Read64Big(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}

func scnFrom8(b0, b1, b2, b3, b4, b5, b6, b7 byte) types.Scn {
	return types.Scn(uint64(b0) | uint64(b1)<<8 | uint64(b2)<<16 | uint64(b3)<<24 |
		uint64(b4)<<32 | uint64(b5)<<40 | uint64(b6)<<48 | uint64(b7)<<56)
}

func scnFrom6(b0, b1, b2, b3, b4, b5 byte) types.Scn {
	return types.Scn(uint64(b0) | uint64(b1)<<8 | uint64(b2)<<16 | uint64(b3)<<24 |
		uint64(b4)<<32 | uint64(b5)<<40)
}

// ReadScnLittle decodes the SCN wire format: 6 bytes for values under 2^47,
// 8 bytes with the top bit of byte 5 set for larger ones (bytes 6-7 then
// carry bits 32..47 and bytes 4-5 move up to bits 48..62).
func ReadScnLittle(b []byte) types.Scn {
	if b[0] == 0xFF && b[1] == 0xFF && b[2] == 0xFF && b[3] == 0xFF && b[4] == 0xFF && b[5] == 0xFF {
		return types.ScnNone
	}
	if b[5]&0x80 == 0x80 {
		return scnFrom8(b[0], b[1], b[2], b[3], b[6], b[7], b[4], b[5]&0x7F)
	}
	return scnFrom6(b[0], b[1], b[2], b[3], b[4], b[5])
}

func ReadScnBig(b []byte) types.Scn {
	if b[0] == 0xFF && b[1] == 0xFF && b[2] == 0xFF && b[3] == 0xFF && b[4] == 0xFF && b[5] == 0xFF {
		return types.ScnNone
	}
	if b[4]&0x80 == 0x80 {
		return scnFrom8(b[3], b[2], b[1], b[0], b[7], b[6], b[5], b[4]&0x7F)
	}
	return scnFrom6(b[3], b[2], b[1], b[0], b[5], b[4])
}

func ReadScnRLittle(b []byte) types.Scn {
	if b[0] == 0xFF && b[1] == 0xFF && b[2] == 0xFF && b[3] == 0xFF && b[4] == 0xFF && b[5] == 0xFF {
		return types.ScnNone
	}
	if b[1]&0x80 == 0x80 {
		return scnFrom8(b[2], b[3], b[4], b[5], 0, 0, b[0], b[1]&0x7F)
	}
	return scnFrom6(b[2], b[3], b[4], b[5], b[0], b[1])
}

func ReadScnRBig(b []byte) types.Scn {
	if b[0] == 0xFF && b[1] == 0xFF && b[2] == 0xFF && b[3] == 0xFF && b[4] == 0xFF && b[5] == 0xFF {
		return types.ScnNone
	}
	if b[0]&0x80 == 0x80 {
		return scnFrom8(b[5], b[4], b[3], b[2], 0, 0, b[1], b[0]&0x7F)
	}
	return scnFrom6(b[5], b[4], b[3], b[2], b[1], b[0])
}

func WriteScnLittle(b []byte, v types.Scn) {
	d := uint64(v)
	if d < 0x800000000000 {
		b[0] = byte(d)
		b[1] = byte(d >> 8)
		b[2] = byte(d >> 16)
		b[3] = byte(d >> 24)
		b[4] = byte(d >> 32)
		b[5] = byte(d >> 40)
	} else {
		b[0] = byte(d)
		b[1] = byte(d >> 8)
		b[2] = byte(d >> 16)
		b[3] = byte(d >> 24)
		b[4] = byte(d >> 48)
		b[5] = byte(d>>56)&0x7F | 0x80
		b[6] = byte(d >> 32)
		b[7] = byte(d >> 40)
	}
}

func WriteScnBig(b []byte, v types.Scn) {
	d := uint64(v)
	if d < 0x800000000000 {
		b[3] = byte(d)
		b[2] = byte(d >> 8)
		b[1] = byte(d >> 16)
		b[0] = byte(d >> 24)
		b[5] = byte(d >> 32)
		b[4] = byte(d >> 40)
	} else {
		b[3] = byte(d)
		b[2] = byte(d >> 8)
		b[1] = byte(d >> 16)
		b[0] = byte(d >> 24)
		b[5] = byte(d >> 48)
		b[4] = byte(d>>56)&0x7F | 0x80
		b[7] = byte(d >> 32)
		b[6] = byte(d >> 40)
	}
}
