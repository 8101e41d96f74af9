// Package measure defines the measurement abstraction shared by all
// source backends.
//
// A Measurement is one capture run: stable identity metadata (source,
// host, timestamp, optional device identity) plus per-algorithm lists of
// raw numeric samples. Backends construct Measurements lazily; the raw
// content is parsed only between Open and Close, and only for the
// algorithms actually requested.
package measure

import (
	"time"
)

// DefaultColumn is the sample column read when the caller does not ask
// for another one. Key-generation captures additionally carry a
// "private" column with raw key material.
const DefaultColumn = "duration"

// Measurement is a handle to one capture run. Opening it acquires the
// underlying resource (archive handle, database row); the returned
// Detail must be closed when the caller is done.
type Measurement interface {
	// Source is the opaque locator of this capture (archive file name
	// or database row reference). It is stable across runs and is the
	// identity used for idempotent ingestion.
	Source() string

	// Open acquires the capture content. The Detail is only valid until
	// Close is called on it.
	Open() (Detail, error)
}

// Detail is the opened view of a Measurement. Host and Stamp are eager
// (resolved during Open); sample content stays lazy per algorithm.
type Detail interface {
	Source() string

	// Host is the stable device identifier. Two measurements with equal
	// hosts were captured on the same physical device.
	Host() string

	// Stamp is the capture timestamp.
	Stamp() time.Time

	// ListPerf lists the algorithm names present in this capture.
	ListPerf() ([]string, error)

	// Samples returns the raw samples of one algorithm from the given
	// column. A nil slice with a nil error means the capture has no
	// samples for that algorithm; callers skip the data point.
	Samples(alg, column string) ([]float64, error)

	// DeviceInfo returns device identity metadata, or nil when the
	// capture carries none.
	DeviceInfo() *DeviceInfo

	// Aggregator returns the statistic computation strategy for one
	// algorithm of this capture.
	Aggregator(alg, column string) Aggregator

	Close() error
}

// DeviceInfo is optional device identity metadata attached to a capture.
type DeviceInfo struct {
	Platform     string
	Vendor       string
	VendorString string

	// Firmware is the packed firmware version (four 16-bit fields in a
	// 64-bit integer, most significant pair first). Valid only when
	// HasFirmware is set.
	Firmware    uint64
	HasFirmware bool
}

// Empty reports whether the info carries no identity at all.
func (d *DeviceInfo) Empty() bool {
	return d == nil || (d.Platform == "" && d.Vendor == "" && d.VendorString == "" && !d.HasFirmware)
}

// FirmwareString renders the packed firmware version as a dotted string,
// or false when the capture carries no firmware version.
func (d *DeviceInfo) FirmwareString() (string, bool) {
	if d == nil || !d.HasFirmware {
		return "", false
	}
	return FirmwareString(d.Firmware), true
}
