package measure

import (
	"fmt"
	"strconv"
	"strings"
)

// Firmware versions travel as four 16-bit fields packed into a 64-bit
// integer, most significant pair first:
//
//	firmware = (major<<48) | (minor<<32) | (build<<16) | revision
//
// The packing is a wire-format contract shared with the relational
// store's firmware view; both sides must agree bit for bit.

// PackFirmware packs a four-part firmware version.
func PackFirmware(major, minor, build, revision uint16) uint64 {
	return uint64(major)<<48 | uint64(minor)<<32 | uint64(build)<<16 | uint64(revision)
}

// UnpackFirmware splits a packed firmware version into its fields.
func UnpackFirmware(fw uint64) (major, minor, build, revision uint16) {
	return uint16(fw >> 48), uint16(fw >> 32), uint16(fw >> 16), uint16(fw)
}

// FirmwareString renders a packed firmware version as "major.minor.build.revision".
func FirmwareString(fw uint64) string {
	major, minor, build, revision := UnpackFirmware(fw)
	return fmt.Sprintf("%d.%d.%d.%d", major, minor, build, revision)
}

// ParseFirmware parses a dotted firmware version back into packed form.
func ParseFirmware(s string) (uint64, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("firmware version %q: want 4 dotted fields, got %d", s, len(parts))
	}

	var fields [4]uint16
	for i, part := range parts {
		n, err := strconv.ParseUint(part, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("firmware version %q: field %d: %w", s, i, err)
		}
		fields[i] = uint16(n)
	}

	return PackFirmware(fields[0], fields[1], fields[2], fields[3]), nil
}
