package rom

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cespare/xxhash"
)

// ErrNoHeader is returned for images too short to hold a cartridge header.
var ErrNoHeader = errors.New("image is too short to hold a cartridge header")

// Header layout, as offsets into the image.
const (
	offTitle        = 0x134
	offManufacturer = 0x13F
	offCGBFlag      = 0x143
	offCartType     = 0x147
	offROMSize      = 0x148
	offRAMSize      = 0x149
	offChecksum     = 0x14D
	headerEnd       = 0x150
)

// CGBMode is the colour support declared at 0x143.
type CGBMode uint8

const (
	CGBNone CGBMode = iota
	CGBSupported
	CGBOnly
)

func (m CGBMode) String() string {
	switch m {
	case CGBSupported:
		return "CGB compatible"
	case CGBOnly:
		return "CGB only"
	default:
		return "DMG"
	}
}

var ramSizes = map[uint8]int{
	0x00: 0,
	0x01: 2 * 1024,
	0x02: 8 * 1024,
	0x03: 32 * 1024,
	0x04: 128 * 1024,
	0x05: 64 * 1024,
}

var cartridgeTypes = map[uint8]string{
	0x00: "ROM ONLY",
	0x01: "MBC1",
	0x02: "MBC1+RAM",
	0x03: "MBC1+RAM+BATTERY",
	0x05: "MBC2",
	0x06: "MBC2+BATTERY",
	0x08: "ROM+RAM",
	0x09: "ROM+RAM+BATTERY",
	0x0B: "MMM01",
	0x0C: "MMM01+RAM",
	0x0D: "MMM01+RAM+BATTERY",
	0x0F: "MBC3+TIMER+BATTERY",
	0x10: "MBC3+TIMER+RAM+BATTERY",
	0x11: "MBC3",
	0x12: "MBC3+RAM",
	0x13: "MBC3+RAM+BATTERY",
	0x19: "MBC5",
	0x1A: "MBC5+RAM",
	0x1B: "MBC5+RAM+BATTERY",
	0x1C: "MBC5+RUMBLE",
	0x1D: "MBC5+RUMBLE+RAM",
	0x1E: "MBC5+RUMBLE+RAM+BATTERY",
	0x20: "MBC6",
	0x22: "MBC7+SENSOR+RUMBLE+RAM+BATTERY",
	0xFC: "POCKET CAMERA",
	0xFD: "BANDAI TAMA5",
	0xFE: "HuC3",
	0xFF: "HuC1+RAM+BATTERY",
}

// Header is the cartridge header found at 0x0100-0x014F. It is informational:
// the core decides whether it can run an image.
type Header struct {
	Title string
	// ManufacturerCode is empty on older cartridges, where the bytes are
	// part of the title.
	ManufacturerCode string
	CGB              CGBMode
	CartridgeType    uint8
	// ROMSize and RAMSize are in bytes; zero when the code is unknown.
	ROMSize        int
	RAMSize        int
	HeaderChecksum uint8
	// ChecksumValid reports whether HeaderChecksum matches bytes 0x134-0x14C.
	ChecksumValid bool
}

// ParseHeader decodes the cartridge header of image.
func ParseHeader(image []byte) (*Header, error) {
	if len(image) < headerEnd {
		return nil, ErrNoHeader
	}

	h := &Header{
		CartridgeType:  image[offCartType],
		RAMSize:        ramSizes[image[offRAMSize]],
		HeaderChecksum: image[offChecksum],
	}

	switch image[offCGBFlag] {
	case 0x80:
		h.CGB = CGBSupported
	case 0xC0:
		h.CGB = CGBOnly
	}

	titleEnd := offCGBFlag + 1
	if h.CGB != CGBNone {
		titleEnd = offCGBFlag
	}
	h.Title = cleanTitle(image[offTitle:titleEnd])

	if code := image[offManufacturer:offCGBFlag]; h.CGB != CGBNone && isUpperAlnum(code) {
		h.ManufacturerCode = string(code)
	}

	// 32KB << n
	if n := image[offROMSize]; n <= 8 {
		h.ROMSize = (32 * 1024) << n
	}

	var sum uint8
	for _, b := range image[offTitle:offChecksum] {
		sum = sum - b - 1
	}
	h.ChecksumValid = sum == h.HeaderChecksum

	return h, nil
}

// TypeName returns the mapper description of CartridgeType.
func (h *Header) TypeName() string {
	if name, ok := cartridgeTypes[h.CartridgeType]; ok {
		return name
	}
	return fmt.Sprintf("unknown (0x%02X)", h.CartridgeType)
}

func (h *Header) String() string {
	return fmt.Sprintf("%s | %s | %s | ROM %dKB | RAM %dKB",
		h.Title, h.CGB, h.TypeName(), h.ROMSize/1024, h.RAMSize/1024)
}

// cleanTitle cuts the title at the first NUL and drops trailing padding.
func cleanTitle(raw []byte) string {
	if i := strings.IndexByte(string(raw), 0); i >= 0 {
		raw = raw[:i]
	}
	return strings.TrimRight(string(raw), " ")
}

func isUpperAlnum(b []byte) bool {
	for _, c := range b {
		if (c < 'A' || c > 'Z') && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}

// Fingerprint identifies an image by the xxhash64 of its bytes.
func Fingerprint(image []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(image))
}
