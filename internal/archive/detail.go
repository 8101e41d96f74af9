package archive

import (
	"bufio"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/xtxerr/perfscan/internal/errors"
	"github.com/xtxerr/perfscan/internal/measure"
)

// Manifest and detail-record file names inside a bundle.
const (
	manifestName   = "results.yaml"
	unameName      = "detail/uname_system_info.txt"
	dmidecodeName  = "detail/dmidecode_system_info.txt"
	quicktestProps = "detail/Quicktest_properties-fixed.txt"
	capabilityProp = "detail/Capability_properties-fixed.txt"
)

const manifestStampLayout = "2006/01/02 15:04:05"

// resolveHost determines the stable device identifier. Captures report
// hosts inconsistently, so several locations are tried in order of
// trustworthiness: the bundle file name, the manifest identity triple,
// the TPM properties, and finally the uname record.
func (d *Detail) resolveHost() (string, error) {
	if m := hostRe.FindStringSubmatch(d.path); m != nil {
		return m[1], nil
	}

	if host := d.hostFromManifest(); host != "" {
		return host, nil
	}

	if host := d.hostFromProperties(); host != "" {
		return host, nil
	}

	if host := d.hostFromUname(); host != "" {
		return host, nil
	}

	return "", errors.NewCorruptSource(d.path, "cannot determine hostname")
}

// hostFromManifest assembles the host from the manifest identity triple.
// The manifest mostly fails as real YAML, so only the line-oriented parse
// is used here; it is also much faster.
func (d *Detail) hostFromManifest() string {
	entry := d.open(manifestName)
	if entry == nil {
		return ""
	}

	reader, err := entry.Open()
	if err != nil {
		return ""
	}
	defer reader.Close()

	fields := parseLooseYAML(reader)
	manufacturer := fields["Manufacturer"]
	vendor := fields["Vendor string"]
	device := fields["Device name"]
	if manufacturer == "" || vendor == "" || device == "" {
		return ""
	}

	return canonicalJoin(manufacturer, vendor, device)
}

func (d *Detail) hostFromProperties() string {
	info := d.DeviceInfo()
	if info == nil {
		return ""
	}

	var parts []string
	for _, p := range []string{info.Platform, info.Vendor, info.VendorString} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return ""
	}

	return canonicalJoin(parts...)
}

// hostFromUname falls back to the uname node name, unless the capture
// ran on a throwaway algtest machine whose node name means nothing.
func (d *Detail) hostFromUname() string {
	entry := d.open(unameName)
	if entry == nil {
		return ""
	}

	reader, err := entry.Open()
	if err != nil {
		return ""
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	if !scanner.Scan() {
		return ""
	}

	fields := strings.Fields(scanner.Text())
	if len(fields) < 2 || strings.Contains(fields[1], "algtest") {
		return ""
	}
	return fields[1]
}

func canonicalJoin(parts ...string) string {
	return strings.ToLower(strings.ReplaceAll(strings.Join(parts, "-"), " ", "-"))
}

// resolveStamp determines the capture timestamp: the manifest execution
// date, then the bundle file name, then the first member's mtime.
func (d *Detail) resolveStamp() (time.Time, error) {
	if stamp, ok := d.stampFromManifest(); ok {
		return stamp, nil
	}
	if stamp, ok := d.stampFromFilename(); ok {
		return stamp, nil
	}
	if stamp, ok := d.stampFromMembers(); ok {
		return stamp, nil
	}

	return time.Time{}, errors.NewCorruptSource(d.path, "cannot determine time stamp")
}

func (d *Detail) stampFromManifest() (time.Time, bool) {
	entry := d.open(manifestName)
	if entry == nil {
		return time.Time{}, false
	}

	reader, err := entry.Open()
	if err != nil {
		return time.Time{}, false
	}
	defer reader.Close()

	fields, err := parseManifest(d.log, d.Source(), reader)
	if err != nil {
		return time.Time{}, false
	}

	raw, ok := fields["Execution date/time"]
	if !ok {
		return time.Time{}, false
	}

	stamp, err := time.Parse(manifestStampLayout, raw)
	if err != nil {
		d.log.Warn("bad manifest execution date", "source", d.Source(), "value", raw)
		return time.Time{}, false
	}
	return stamp, true
}

// stampFromFilename parses bundle names of the shape
// out-<host>-<yymmdd>-<hhmmss>.zip.
func (d *Detail) stampFromFilename() (time.Time, bool) {
	parts := strings.Split(filepath.Base(d.path), "-")
	if len(parts) < 4 {
		return time.Time{}, false
	}

	raw := parts[len(parts)-2] + " " + strings.TrimSuffix(parts[len(parts)-1], ".zip")
	stamp, err := time.Parse("060102 150405", raw)
	if err != nil {
		return time.Time{}, false
	}
	return stamp, true
}

func (d *Detail) stampFromMembers() (time.Time, bool) {
	for _, entry := range d.handle.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		return entry.Modified, true
	}
	return time.Time{}, false
}

// DeviceInfo assembles device identity metadata from the TPM property
// records and dmidecode output. The result is cached; nil means the
// bundle carries no identity at all.
func (d *Detail) DeviceInfo() *measure.DeviceInfo {
	if d.deviceLoaded {
		return d.device
	}
	d.deviceLoaded = true

	info := &measure.DeviceInfo{}

	if props := d.properties(); props != nil {
		if manufacturer, ok := props["TPM2_PT_MANUFACTURER"]; ok {
			info.Vendor = manufacturer.Value

			var words []uint64
			for n := 1; n <= 4; n++ {
				words = append(words, props[fmt.Sprintf("TPM2_PT_VENDOR_STRING_%d", n)].Raw)
			}
			info.VendorString = decodeVendorString(words)

			fw1, ok1 := props["TPM2_PT_FIRMWARE_VERSION_1"]
			fw2, ok2 := props["TPM2_PT_FIRMWARE_VERSION_2"]
			if ok1 && ok2 {
				info.Firmware = fw1.Raw<<32 | fw2.Raw&0xffffffff
				info.HasFirmware = true
			}
		}
	}

	info.Platform = d.platformFromDmidecode()

	if info.Empty() {
		return nil
	}

	d.device = info
	return info
}

// properties parses the first available TPM property record.
func (d *Detail) properties() map[string]Property {
	for _, name := range []string{quicktestProps, capabilityProp} {
		entry := d.open(name)
		if entry == nil {
			continue
		}

		reader, err := entry.Open()
		if err != nil {
			continue
		}

		props, err := parseProperties(reader)
		reader.Close()
		if err != nil {
			d.log.Error("bad property record", "source", d.Source(), "file", name, "error", err)
			continue
		}
		return props
	}
	return nil
}

func (d *Detail) platformFromDmidecode() string {
	entry := d.open(dmidecodeName)
	if entry == nil {
		return ""
	}

	reader, err := entry.Open()
	if err != nil {
		return ""
	}
	defer reader.Close()

	fields, err := parseManifest(d.log, d.Source(), reader)
	if err != nil {
		return ""
	}
	return fields["Product Name"]
}
