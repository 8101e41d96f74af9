package measure

import "testing"

func TestFirmwareRoundTrip(t *testing.T) {
	fw := PackFirmware(7, 2, 3, 1)

	major, minor, build, revision := UnpackFirmware(fw)
	if major != 7 || minor != 2 || build != 3 || revision != 1 {
		t.Errorf("UnpackFirmware = %d.%d.%d.%d, want 7.2.3.1", major, minor, build, revision)
	}

	if got := FirmwareString(fw); got != "7.2.3.1" {
		t.Errorf("FirmwareString = %q, want \"7.2.3.1\"", got)
	}
}

func TestFirmwareTopBit(t *testing.T) {
	// A major version with the top bit set must survive packing; the
	// store keeps the packed value in a signed 64-bit column.
	fw := PackFirmware(0x8001, 0xffff, 0, 0xffff)

	major, minor, build, revision := UnpackFirmware(fw)
	if major != 0x8001 || minor != 0xffff || build != 0 || revision != 0xffff {
		t.Errorf("UnpackFirmware = %x.%x.%x.%x", major, minor, build, revision)
	}
}

func TestParseFirmware(t *testing.T) {
	fw, err := ParseFirmware("1.38.16.0")
	if err != nil {
		t.Fatalf("ParseFirmware: %v", err)
	}
	if got := FirmwareString(fw); got != "1.38.16.0" {
		t.Errorf("FirmwareString = %q, want \"1.38.16.0\"", got)
	}

	if _, err := ParseFirmware("1.2.3"); err == nil {
		t.Error("ParseFirmware should reject three fields")
	}
	if _, err := ParseFirmware("1.2.3.999999"); err == nil {
		t.Error("ParseFirmware should reject a field over 16 bits")
	}
}
