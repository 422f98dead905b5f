package geoip

import (
	"log/slog"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

type Location struct {
	Country string
	City    string
}

// Locator resolves client IPs to coarse locations. A Locator without a
// database answers every lookup with an empty Location.
type Locator struct {
	db *maxminddb.Reader
}

type record struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

func Open(dbPath string) *Locator {
	if dbPath == "" {
		return &Locator{}
	}
	db, err := maxminddb.Open(dbPath)
	if err != nil {
		slog.Warn("geoip: failed to open database, geolocation disabled", "path", dbPath, "error", err)
		return &Locator{}
	}
	slog.Info("geoip: loaded database", "path", dbPath)
	return &Locator{db: db}
}

func (l *Locator) Lookup(ip string) Location {
	if l == nil || l.db == nil || ip == "" {
		return Location{}
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Location{}
	}
	var rec record
	if err := l.db.Lookup(parsed, &rec); err != nil {
		return Location{}
	}
	return Location{Country: rec.Country.ISOCode, City: rec.City.Names["en"]}
}

func (l *Locator) Country(ip string) string {
	return l.Lookup(ip).Country
}

func (l *Locator) Enabled() bool {
	return l != nil && l.db != nil
}

func (l *Locator) Close() error {
	if l != nil && l.db != nil {
		return l.db.Close()
	}
	return nil
}
