package charset

import "fmt"

// windows-1252 upper half differences from Latin-1 live in 0x80..0x9F.
var mapMSWIN1252 = [128]rune{
	0x20AC, 0, 0x201A, 0x0192, 0x201E, 0x2026, 0x2020, 0x2021,
	0x02C6, 0x2030, 0x0160, 0x2039, 0x0152, 0, 0x017D, 0,
	0, 0x2018, 0x2019, 0x201C, 0x201D, 0x2022, 0x2013, 0x2014,
	0x02DC, 0x2122, 0x0161, 0x203A, 0x0153, 0, 0x017E, 0x0178,
	0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5, 0xA6, 0xA7,
	0xA8, 0xA9, 0xAA, 0xAB, 0xAC, 0xAD, 0xAE, 0xAF,
	0xB0, 0xB1, 0xB2, 0xB3, 0xB4, 0xB5, 0xB6, 0xB7,
	0xB8, 0xB9, 0xBA, 0xBB, 0xBC, 0xBD, 0xBE, 0xBF,
	0xC0, 0xC1, 0xC2, 0xC3, 0xC4, 0xC5, 0xC6, 0xC7,
	0xC8, 0xC9, 0xCA, 0xCB, 0xCC, 0xCD, 0xCE, 0xCF,
	0xD0, 0xD1, 0xD2, 0xD3, 0xD4, 0xD5, 0xD6, 0xD7,
	0xD8, 0xD9, 0xDA, 0xDB, 0xDC, 0xDD, 0xDE, 0xDF,
	0xE0, 0xE1, 0xE2, 0xE3, 0xE4, 0xE5, 0xE6, 0xE7,
	0xE8, 0xE9, 0xEA, 0xEB, 0xEC, 0xED, 0xEE, 0xEF,
	0xF0, 0xF1, 0xF2, 0xF3, 0xF4, 0xF5, 0xF6, 0xF7,
	0xF8, 0xF9, 0xFA, 0xFB, 0xFC, 0xFD, 0xFE, 0xFF,
}

// ISO-8859-1 maps the upper half onto itself.
var mapISO8859P1 = func() [128]rune {
	var m [128]rune
	for i := range m {
		m[i] = rune(0x80 + i)
	}
	return m
}()

// ISO-8859-2 (central European) upper half.
var mapISO8859P2 = [128]rune{
	0x80, 0x81, 0x82, 0x83, 0x84, 0x85, 0x86, 0x87,
	0x88, 0x89, 0x8A, 0x8B, 0x8C, 0x8D, 0x8E, 0x8F,
	0x90, 0x91, 0x92, 0x93, 0x94, 0x95, 0x96, 0x97,
	0x98, 0x99, 0x9A, 0x9B, 0x9C, 0x9D, 0x9E, 0x9F,
	0x00A0, 0x0104, 0x02D8, 0x0141, 0x00A4, 0x013D, 0x015A, 0x00A7,
	0x00A8, 0x0160, 0x015E, 0x0164, 0x0179, 0x00AD, 0x017D, 0x017B,
	0x00B0, 0x0105, 0x02DB, 0x0142, 0x00B4, 0x013E, 0x015B, 0x02C7,
	0x00B8, 0x0161, 0x015F, 0x0165, 0x017A, 0x02DD, 0x017E, 0x017C,
	0x0154, 0x00C1, 0x00C2, 0x0102, 0x00C4, 0x0139, 0x0106, 0x00C7,
	0x010C, 0x00C9, 0x0118, 0x00CB, 0x011A, 0x00CD, 0x00CE, 0x010E,
	0x0110, 0x0143, 0x0147, 0x00D3, 0x00D4, 0x0150, 0x00D6, 0x00D7,
	0x0158, 0x016E, 0x00DA, 0x0170, 0x00DC, 0x00DD, 0x0162, 0x00DF,
	0x0155, 0x00E1, 0x00E2, 0x0103, 0x00E4, 0x013A, 0x0107, 0x00E7,
	0x010D, 0x00E9, 0x0119, 0x00EB, 0x011B, 0x00ED, 0x00EE, 0x010F,
	0x0111, 0x0144, 0x0148, 0x00F3, 0x00F4, 0x0151, 0x00F6, 0x00F7,
	0x0159, 0x016F, 0x00FA, 0x0171, 0x00FC, 0x00FD, 0x0163, 0x02D9,
}

var registry = map[string]*Decoder{
	"AL32UTF8":     {Name: "AL32UTF8", kind: KindUTF8},
	"UTF8":         {Name: "UTF8", kind: KindUTF8},
	"AL16UTF16":    {Name: "AL16UTF16", kind: KindUTF16},
	"US7ASCII":     {Name: "US7ASCII", kind: Kind7bit},
	"WE8ISO8859P1": {Name: "WE8ISO8859P1", kind: Kind8bit, m: &mapISO8859P1},
	"EE8ISO8859P2": {Name: "EE8ISO8859P2", kind: Kind8bit, m: &mapISO8859P2},
	"WE8MSWIN1252": {Name: "WE8MSWIN1252", kind: Kind8bit, m: &mapMSWIN1252},
	"NOMAPPING":    {Name: "NOMAPPING", kind: KindNone},
}

// byId maps the well-known numeric ids of the sets shipped here to their
// decoders.
var byId = map[uint64]*Decoder{
	1:    registry["US7ASCII"],
	31:   registry["WE8ISO8859P1"],
	32:   registry["EE8ISO8859P2"],
	178:  registry["WE8MSWIN1252"],
	871:  registry["UTF8"],
	873:  registry["AL32UTF8"],
	2000: registry["AL16UTF16"],
}

// Get resolves a decoder by character set name.
func Get(name string) (*Decoder, error) {
	if d, ok := registry[name]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("unsupported character set: %s", name)
}

// GetById resolves a decoder by the numeric character set id carried in
// column metadata, nil when unknown.
func GetById(id uint64) *Decoder {
	return byId[id]
}

// NoMapping is the raw passthrough decoder.
func NoMapping() *Decoder { return registry["NOMAPPING"] }
