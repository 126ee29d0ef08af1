// Package geoip provides optional country lookups for peer addresses,
// backed by a MaxMind GeoLite2 database. Used to enrich ban and session
// log lines; when no database is configured every lookup returns empty
// strings.
package geoip

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// Resolver wraps a GeoLite2 country database. The zero-value (or nil)
// resolver is safe to use and resolves nothing.
type Resolver struct {
	db *geoip2.Reader
}

// NewResolver opens the database at dbPath (a GeoLite2-Country.mmdb file).
func NewResolver(dbPath string) (*Resolver, error) {
	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", dbPath, err)
	}
	return &Resolver{db: db}, nil
}

// Lookup returns the country name and ISO code for an address in text
// form. Private and loopback addresses resolve to a fixed marker;
// unresolvable input resolves to empty strings.
func (r *Resolver) Lookup(ipStr string) (country, countryCode string) {
	if r == nil || r.db == nil {
		return "", ""
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", ""
	}

	if ip.IsPrivate() || ip.IsLoopback() {
		return "Private", "XX"
	}

	record, err := r.db.Country(ip)
	if err != nil {
		return "", ""
	}

	country = record.Country.Names["en"]
	countryCode = record.Country.IsoCode

	if country == "" {
		country = "Unknown"
		countryCode = "ZZ"
	}

	return country, countryCode
}

// Close closes the underlying database.
func (r *Resolver) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
