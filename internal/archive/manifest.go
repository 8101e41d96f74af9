package archive

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

var propertyHeaderRe = regexp.MustCompile(`^(\S+):$`)

// parseManifest parses a manifest record. Strict YAML is tried first;
// real-world manifests frequently are not valid YAML, in which case the
// line-oriented parse recovers the top-level key/value pairs.
func parseManifest(log *slog.Logger, source string, reader io.Reader) (map[string]string, error) {
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err == nil {
		fields := make(map[string]string, len(doc))
		for key, value := range doc {
			switch v := value.(type) {
			case string:
				fields[key] = v
			case nil:
			case map[string]any, []any:
			default:
				fields[key] = fmt.Sprint(v)
			}
		}
		return fields, nil
	}

	log.Warn("manifest is not valid YAML, trying brute force parse", "source", source)
	return parseLooseYAML(strings.NewReader(string(raw))), nil
}

// parseLooseYAML scrapes "key: value" pairs line by line, ignoring
// structure. Good enough for the flat manifests captures produce, and
// the only thing that works on the broken ones.
func parseLooseYAML(reader io.Reader) map[string]string {
	fields := make(map[string]string)

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ": ")
		if !found {
			continue
		}
		key = strings.Trim(key, " \t\"'")
		value = strings.Trim(value, " \"'")
		if key != "" {
			fields[key] = value
		}
	}

	return fields
}

// Property is one entry of a TPM property record: the raw register value
// and, when present, its decoded string form.
type Property struct {
	Raw   uint64
	Value string
}

// parseProperties parses a TPM property record:
//
//	TPM2_PT_MANUFACTURER:
//	  raw: 0x49465800
//	  value: "IFX"
//
// A key line before any section header is malformed.
func parseProperties(reader io.Reader) (map[string]Property, error) {
	props := make(map[string]Property)
	header := ""

	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()

		if m := propertyHeaderRe.FindStringSubmatch(line); m != nil {
			header = m[1]
			props[header] = Property{}
			continue
		}

		key, value, found := strings.Cut(line, ": ")
		if !found {
			continue
		}
		key = strings.Trim(key, " \t\"'")
		value = strings.Trim(value, " \t\"'")

		if header == "" {
			return nil, fmt.Errorf("%s found before any header", key)
		}

		entry := props[header]
		switch key {
		case "value":
			if value != "" {
				entry.Value = value
			}
		case "raw":
			raw, err := strconv.ParseUint(strings.TrimPrefix(value, "0x"), 16, 64)
			if err != nil {
				return nil, fmt.Errorf("%s: bad raw value %q", header, value)
			}
			entry.Raw = raw
		}
		props[header] = entry
	}

	return props, scanner.Err()
}

// decodeVendorString decodes the four 32-bit vendor string registers
// into text: big-endian bytes per register, trailing NULs stripped, hex
// form when the result is not printable.
func decodeVendorString(words []uint64) string {
	var data []byte
	for _, word := range words {
		var chunk []byte
		for word > 0 {
			chunk = append([]byte{byte(word & 0xff)}, chunk...)
			word >>= 8
		}
		data = append(data, chunk...)
	}

	for len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}

	printable := true
	for _, c := range data {
		if !unicode.IsPrint(rune(c)) {
			printable = false
			break
		}
	}

	if printable {
		return string(data)
	}

	var hex strings.Builder
	for _, c := range data {
		fmt.Fprintf(&hex, "%02x", c)
	}
	return hex.String()
}
