// Package geoip provides MMDB-based IP geolocation.
//
// The reader degrades gracefully: a missing database file yields a nil
// reader, and lookups on a nil reader return nil. Callers treat a nil
// GeoData as "location unknown" rather than an error.
package geoip

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoData contains geolocation information for an IP address
type GeoData struct {
	CountryCode string  `json:"country_code,omitempty"`
	CountryName string  `json:"country_name,omitempty"`
	City        string  `json:"city,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	Timezone    string  `json:"timezone,omitempty"`
}

// Reader provides IP geolocation lookups using MMDB databases
type Reader struct {
	db     *geoip2.Reader
	dbPath string
}

// NewReader creates a new GeoIP reader from an MMDB file.
//
// Returns nil, nil if no path is configured (geolocation disabled).
func NewReader(mmdbPath string) (*Reader, error) {
	if mmdbPath == "" {
		return nil, nil
	}

	db, err := geoip2.Open(mmdbPath)
	if err != nil {
		return nil, err
	}

	return &Reader{db: db, dbPath: mmdbPath}, nil
}

// Lookup performs a geolocation lookup for the given IP address.
//
// Returns nil if no database is loaded, the IP is invalid, or the IP is
// a private/local address.
func (r *Reader) Lookup(ipStr string) *GeoData {
	if r == nil || r.db == nil {
		return nil
	}

	// Handle "ip:port" format by extracting just the IP
	host, _, err := net.SplitHostPort(ipStr)
	if err != nil {
		host = ipStr
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
		return nil
	}

	record, err := r.db.City(ip)
	if err != nil {
		return nil
	}

	data := &GeoData{
		CountryCode: record.Country.IsoCode,
		Latitude:    record.Location.Latitude,
		Longitude:   record.Location.Longitude,
		Timezone:    record.Location.TimeZone,
	}
	if name, ok := record.Country.Names["en"]; ok {
		data.CountryName = name
	}
	if name, ok := record.City.Names["en"]; ok {
		data.City = name
	}
	if !IsValidLatLon(data.Latitude, data.Longitude) {
		return nil
	}
	return data
}

// Close closes the underlying MMDB handle.
func (r *Reader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
