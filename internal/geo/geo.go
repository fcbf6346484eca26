package geo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/oschwald/maxminddb-golang"

	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/logger"
)

// ErrNoFix means the locator answered but could not place the kiosk.
var ErrNoFix = errors.New("no location fix")

type Position struct {
	Latitude       float64
	Longitude      float64
	AccuracyRadius int // kilometres, 0 when exact
	City           string
	CountryCode    string
	Source         string
}

// Locator resolves where the kiosk is. Timeouts are carried by ctx.
type Locator interface {
	IsServiceEnabled(ctx context.Context) bool
	CurrentPosition(ctx context.Context) (Position, error)
}

// FromConfig picks fixed coordinates when configured, then a GeoIP database,
// and otherwise a locator that reports the service as disabled.
func FromConfig(cfg config.LocationConfig) (Locator, error) {
	if cfg.Latitude != "" || cfg.Longitude != "" {
		return ParseStatic(cfg.Latitude, cfg.Longitude)
	}
	if cfg.GeoIPPath != "" {
		return OpenMaxMind(cfg.GeoIPPath, cfg.PublicIP)
	}
	logger.Warning("no location source configured, attendance submission will fail")
	return Disabled{}, nil
}

// Disabled is a locator with location services switched off.
type Disabled struct{}

func (Disabled) IsServiceEnabled(context.Context) bool { return false }

func (Disabled) CurrentPosition(context.Context) (Position, error) {
	return Position{}, ErrNoFix
}

// StaticLocator reports the fixed coordinates of a kiosk that never moves.
type StaticLocator struct {
	Pos Position
}

func ParseStatic(lat, lon string) (*StaticLocator, error) {
	la, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude %q: %w", lat, err)
	}
	lo, err := strconv.ParseFloat(lon, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude %q: %w", lon, err)
	}
	if la < -90 || la > 90 || lo < -180 || lo > 180 {
		return nil, fmt.Errorf("coordinates out of range: %f, %f", la, lo)
	}
	return &StaticLocator{Pos: Position{Latitude: la, Longitude: lo, Source: "static"}}, nil
}

func (s *StaticLocator) IsServiceEnabled(context.Context) bool { return true }

func (s *StaticLocator) CurrentPosition(ctx context.Context) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	return s.Pos, nil
}

type maxmindLookupResult struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Location struct {
		Longitude      float64 `maxminddb:"longitude"`
		Latitude       float64 `maxminddb:"latitude"`
		AccuracyRadius int     `maxminddb:"accuracy_radius"`
	} `maxminddb:"location"`
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// MaxMindLocator places the kiosk by looking its public IP up in a GeoLite2
// City database.
type MaxMindLocator struct {
	db *maxminddb.Reader
	ip net.IP
}

func OpenMaxMind(path, publicIP string) (*MaxMindLocator, error) {
	ip := net.ParseIP(publicIP)
	if ip == nil {
		return nil, fmt.Errorf("invalid kiosk public IP %q", publicIP)
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open mmdb %s: %w", path, err)
	}
	logger.Info("connected to maxmind db successfully", logger.LoggerOptions{Key: "path", Data: path})
	return &MaxMindLocator{db: db, ip: ip}, nil
}

func (m *MaxMindLocator) IsServiceEnabled(context.Context) bool {
	return m.db != nil && m.ip != nil
}

func (m *MaxMindLocator) CurrentPosition(ctx context.Context) (Position, error) {
	if !m.IsServiceEnabled(ctx) {
		return Position{}, ErrNoFix
	}

	type lookup struct {
		res maxmindLookupResult
		err error
	}
	ch := make(chan lookup, 1)
	go func() {
		var l lookup
		l.err = m.db.Lookup(m.ip, &l.res)
		ch <- l
	}()

	select {
	case <-ctx.Done():
		return Position{}, ctx.Err()
	case l := <-ch:
		if l.err != nil {
			return Position{}, fmt.Errorf("maxmind lookup: %w", l.err)
		}
		if l.res.Location.Latitude == 0 && l.res.Location.Longitude == 0 {
			return Position{}, fmt.Errorf("%w: %s not in database", ErrNoFix, m.ip)
		}
		return Position{
			Latitude:       l.res.Location.Latitude,
			Longitude:      l.res.Location.Longitude,
			AccuracyRadius: l.res.Location.AccuracyRadius,
			City:           l.res.City.Names["en"],
			CountryCode:    l.res.Country.ISOCode,
			Source:         "maxmind",
		}, nil
	}
}

func (m *MaxMindLocator) Close() error {
	if m.db == nil {
		return nil
	}
	err := m.db.Close()
	m.db = nil
	return err
}
