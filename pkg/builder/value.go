package builder

import (
	"fmt"
	"math"
	"strings"

	"github.com/redotail/redotail/pkg/charset"
	"github.com/redotail/redotail/pkg/ctx"
	"github.com/redotail/redotail/pkg/metadata"
)

// Column type numbers as stored in the dictionary.
const (
	typeVarchar   = 1
	typeNumber    = 2
	typeDate      = 12
	typeRaw       = 23
	typeChar      = 96
	typeFloat     = 100
	typeDouble    = 101
	typeTimestamp = 180
	typeTsTz      = 181
	typeTsLocalTz = 231
)

const hexDigits = "0123456789abcdef"

// decodeValue renders one column's bytes into its string form for emission.
func (b *Builder) decodeValue(col *metadata.Column, data []byte) string {
	switch col.TypeNo {
	case typeVarchar, typeChar:
		return b.decodeChars(col, data)
	case typeNumber:
		return decodeNumber(data)
	case typeDate, typeTimestamp:
		return decodeTimestamp(data, "")
	case typeTsTz, typeTsLocalTz:
		return decodeTimestampTz(data)
	case typeRaw:
		return hexString(data)
	case typeFloat:
		if len(data) == 4 {
			return fmt.Sprintf("%g", math.Float32frombits(ctx.Read32Little(data)))
		}
		return unknownValue(data)
	case typeDouble:
		if len(data) == 8 {
			return fmt.Sprintf("%g", math.Float64frombits(ctx.Read64Little(data)))
		}
		return unknownValue(data)
	default:
		return unknownValue(data)
	}
}

// decodeChars runs character data through the configured decoder, or the
// column's own charset when the dictionary names one.
func (b *Builder) decodeChars(col *metadata.Column, data []byte) string {
	dec := b.decoder
	if col.CharsetId != 0 {
		if d := charset.GetById(col.CharsetId); d != nil {
			dec = d
		}
	}
	var sb strings.Builder
	for len(data) > 0 {
		r, n := dec.Decode(data)
		sb.WriteRune(r)
		data = data[n:]
	}
	return sb.String()
}

func unknownValue(data []byte) string {
	return "?" + hexString(data)
}

func hexString(data []byte) string {
	out := make([]byte, 0, len(data)*2)
	for _, c := range data {
		out = append(out, hexDigits[c>>4], hexDigits[c&0xF])
	}
	return string(out)
}

// decodeNumber renders the base-100 mantissa encoding as a decimal string.
// The first byte carries the sign and exponent; mantissa bytes follow as
// digit+1 (positive) or 101-digit (negative, terminated by 0x66).
func decodeNumber(data []byte) string {
	if len(data) == 0 {
		return unknownValue(data)
	}
	digits := data[0]
	if digits == 0x80 {
		return "0"
	}

	var sb strings.Builder
	j, jMax := 1, len(data)-1

	appendPair := func(value int) {
		sb.WriteByte(byte('0' + value/10))
		sb.WriteByte(byte('0' + value%10))
	}

	switch {
	case digits > 0x80 && jMax >= 1:
		zeros := 0
		if digits <= 0xC0 {
			// Pure fraction.
			sb.WriteByte('0')
			zeros = int(0xC0 - digits)
		} else {
			d := int(digits - 0xC0)
			value := int(data[j]) - 1
			if value < 10 {
				sb.WriteByte(byte('0' + value))
			} else {
				appendPair(value)
			}
			j++
			d--
			for d > 0 {
				if j <= jMax {
					appendPair(int(data[j]) - 1)
					j++
				} else {
					sb.WriteString("00")
				}
				d--
			}
		}
		if j <= jMax {
			sb.WriteByte('.')
			for ; zeros > 0; zeros-- {
				sb.WriteString("00")
			}
			for j <= jMax-1 {
				appendPair(int(data[j]) - 1)
				j++
			}
			value := int(data[j]) - 1
			sb.WriteByte(byte('0' + value/10))
			if value%10 != 0 {
				sb.WriteByte(byte('0' + value%10))
			}
		}

	case digits < 0x80 && jMax >= 1:
		sb.WriteByte('-')
		if data[jMax] == 0x66 {
			jMax--
		}
		zeros := 0
		if digits >= 0x3F {
			sb.WriteByte('0')
			zeros = int(digits - 0x3F)
		} else {
			d := int(0x3F - digits)
			value := 101 - int(data[j])
			if value < 10 {
				sb.WriteByte(byte('0' + value))
			} else {
				appendPair(value)
			}
			j++
			d--
			for d > 0 {
				if j <= jMax {
					appendPair(101 - int(data[j]))
					j++
				} else {
					sb.WriteString("00")
				}
				d--
			}
		}
		if j <= jMax {
			sb.WriteByte('.')
			for ; zeros > 0; zeros-- {
				sb.WriteString("00")
			}
			for j <= jMax-1 {
				appendPair(101 - int(data[j]))
				j++
			}
			value := 101 - int(data[jMax])
			sb.WriteByte(byte('0' + value/10))
			if value%10 != 0 {
				sb.WriteByte(byte('0' + value%10))
			}
		}

	default:
		return unknownValue(data)
	}
	return sb.String()
}

// decodeTimestamp unpacks the 7- or 11-byte date/timestamp structure.
// Bytes: century+100, year+100, month, day, hour+1, minute+1, second+1,
// then an optional big-endian nanosecond fraction.
func decodeTimestamp(data []byte, tz string) string {
	if len(data) != 7 && len(data) != 11 {
		return unknownValue(data)
	}

	val1, val2 := int(data[0]), int(data[1])
	var year int
	if val1 >= 100 && val2 >= 100 {
		year = (val1-100)*100 + (val2 - 100)
	} else {
		year = -((100-val1)*100 + (100 - val2))
	}
	month := int(data[2])
	day := int(data[3])
	hour := int(data[4]) - 1
	minute := int(data[5]) - 1
	second := int(data[6]) - 1

	var fraction uint32
	if len(data) == 11 {
		fraction = uint32(data[7])<<24 | uint32(data[8])<<16 | uint32(data[9])<<8 | uint32(data[10])
	}

	out := fmt.Sprintf("%04d-%02d-%02d %02d:%02d:%02d", year, month, day, hour, minute, second)
	if fraction > 0 {
		out += fmt.Sprintf(".%09d", fraction)
	}
	if tz != "" {
		out += " " + tz
	}
	return out
}

// timeZoneNames maps the two tz bytes outside the fixed-offset range to
// region names. The table ships the zones seen in supported databases;
// unknown keys render as TZ?.
var timeZoneNames = map[uint16]string{
	0x8000: "UTC",
	0x80D4: "Europe/Warsaw",
	0x80C8: "Europe/London",
	0x80E0: "Europe/Paris",
	0x8144: "America/New_York",
	0x8158: "America/Chicago",
	0x8170: "America/Los_Angeles",
	0x81E0: "Asia/Tokyo",
	0x81F4: "Asia/Shanghai",
	0x8234: "Australia/Sydney",
}

// decodeTimestampTz handles the 9/13-byte timestamp-with-timezone form: the
// trailing two bytes are either a fixed offset (byte 11 in [5,36] encodes
// hours+20, byte 12 minutes+60) or a key into the zone name table.
func decodeTimestampTz(data []byte) string {
	if len(data) != 9 && len(data) != 13 {
		return unknownValue(data)
	}
	tzb1, tzb2 := data[len(data)-2], data[len(data)-1]

	var tz string
	if tzb1 >= 5 && tzb1 <= 36 {
		var sign byte = '+'
		if tzb1 < 20 || (tzb1 == 20 && tzb2 < 60) {
			sign = '-'
		}
		var hh, mm int
		if tzb1 < 20 {
			hh = 20 - int(tzb1)
		} else {
			hh = int(tzb1) - 20
		}
		if tzb2 < 60 {
			mm = 60 - int(tzb2)
		} else {
			mm = int(tzb2) - 60
		}
		tz = fmt.Sprintf("%c%02d:%02d", sign, hh, mm)
	} else {
		key := uint16(tzb1)<<8 | uint16(tzb2)
		var ok bool
		if tz, ok = timeZoneNames[key]; !ok {
			tz = "TZ?"
		}
	}
	return decodeTimestamp(data[:len(data)-2], tz)
}
