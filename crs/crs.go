// Package crs resolves coordinate reference system definitions and maps
// geographic WGS84 coordinates into a destination CRS.
package crs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ctessum/geom/proj"
)

var (
	// ErrUnknownCRS is returned for definitions that cannot be resolved or parsed.
	ErrUnknownCRS = errors.New("crs: unknown coordinate reference system")
	// ErrProjection wraps failures of the underlying transformation library.
	ErrProjection = errors.New("crs: projection failed")
)

// aliases maps EPSG codes to proj4 definitions for the systems commonly used as
// rectification targets.
var aliases = map[int]string{
	4326: "+proj=longlat +datum=WGS84 +no_defs",
	4258: "+proj=longlat +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +no_defs",
	3035: "+proj=laea +lat_0=52 +lon_0=10 +x_0=4321000 +y_0=3210000 +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs",
	3857: "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +no_defs",
	3395: "+proj=merc +lon_0=0 +k=1 +x_0=0 +y_0=0 +datum=WGS84 +units=m +no_defs",
}

// geographicNames are the proj4 projection names of lon/lat systems.
var geographicNames = map[string]bool{
	"longlat": true,
	"latlong": true,
	"lonlat":  true,
	"latlon":  true,
}

// CRS is a parsed, immutable coordinate reference system.
type CRS struct {
	// def is the definition the CRS was created from, e.g. "EPSG:3035".
	def string
	// proj4 is the resolved proj4 definition.
	proj4 string
	// sr is the parsed spatial reference.
	sr *proj.SR
	// geographic is true for longitude/latitude systems.
	geographic bool
}

// WGS84 is the geographic system of the source pixel coordinates.
var WGS84 = MustParse("EPSG:4326")

// Parse resolves an "EPSG:<code>" alias or a proj4 string.
func Parse(def string) (*CRS, error) {
	p4, err := resolve(def)
	if err != nil {
		return nil, err
	}
	sr, err := proj.Parse(p4)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnknownCRS, def, err)
	}
	return &CRS{
		def:        def,
		proj4:      p4,
		sr:         sr,
		geographic: geographicNames[strings.ToLower(sr.Name)],
	}, nil
}

// MustParse is like Parse but panics on error. Intended for package-level definitions.
func MustParse(def string) *CRS {
	c, err := Parse(def)
	if err != nil {
		panic(err)
	}
	return c
}

func resolve(def string) (string, error) {
	def = strings.TrimSpace(def)
	if def == "" {
		return "", fmt.Errorf("%w: empty definition", ErrUnknownCRS)
	}
	upper := strings.ToUpper(def)
	if !strings.HasPrefix(upper, "EPSG:") {
		return def, nil
	}
	code, err := strconv.Atoi(strings.TrimPrefix(upper, "EPSG:"))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownCRS, def)
	}
	if p4, ok := aliases[code]; ok {
		return p4, nil
	}
	// WGS84 / UTM zones
	switch {
	case code > 32600 && code <= 32660:
		return fmt.Sprintf("+proj=utm +zone=%d +datum=WGS84 +units=m +no_defs", code-32600), nil
	case code > 32700 && code <= 32760:
		return fmt.Sprintf("+proj=utm +zone=%d +south +datum=WGS84 +units=m +no_defs", code-32700), nil
	}
	return "", fmt.Errorf("%w: no definition for %q", ErrUnknownCRS, def)
}

// IsGeographic reports whether coordinates are longitude/latitude degrees.
func (c *CRS) IsGeographic() bool { return c.geographic }

// Proj4 returns the resolved proj4 definition.
func (c *CRS) Proj4() string { return c.proj4 }

func (c *CRS) String() string { return c.def }

// MarshalText encodes the CRS as its original definition.
func (c *CRS) MarshalText() ([]byte, error) {
	return []byte(c.def), nil
}
