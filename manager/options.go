package manager

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Defaults for contour requests.
const (
	DefaultMultiplier     = 1
	DefaultBuffer         = 1
	DefaultExtent         = 4096
	DefaultContourLayer   = "contours"
	DefaultElevationKey   = "ele"
	DefaultLevelKey       = "level"
	DefaultSubsampleBelow = 100
)

// Upper bounds on request options. Each one bounds the work or memory a
// single contour tile can take.
const (
	MaxBuffer         = 64
	MaxExtent         = 1 << 16
	MaxOverzoom       = 24
	MaxSubsampleBelow = 1024
)

// ErrInvalidOptions is returned for options outside their valid range.
var ErrInvalidOptions = errors.New("invalid contour options")

//Options 单级别等高线请求参数
type Options struct {
	// Levels are the contour intervals, the first one is traced and the
	// rest only rank lines in the level property. Empty means no contours.
	Levels         []float64 `json:"levels"`
	Multiplier     float64   `json:"multiplier"`
	Buffer         int       `json:"buffer"`
	Extent         int       `json:"extent"`
	ContourLayer   string    `json:"contourLayer"`
	ElevationKey   string    `json:"elevationKey"`
	LevelKey       string    `json:"levelKey"`
	SubsampleBelow int       `json:"subsampleBelow"`
	Overzoom       int       `json:"overzoom"`
}

// DefaultOptions returns the defaults with the given levels.
func DefaultOptions(levels ...float64) Options {
	return Options{
		Levels:         levels,
		Multiplier:     DefaultMultiplier,
		Buffer:         DefaultBuffer,
		Extent:         DefaultExtent,
		ContourLayer:   DefaultContourLayer,
		ElevationKey:   DefaultElevationKey,
		LevelKey:       DefaultLevelKey,
		SubsampleBelow: DefaultSubsampleBelow,
	}
}

// withDefaults fills fields whose zero value is meaningless. Buffer and
// Overzoom are taken as given since 0 is valid for both.
func (o Options) withDefaults() Options {
	if o.Multiplier == 0 {
		o.Multiplier = DefaultMultiplier
	}
	if o.Extent <= 0 {
		o.Extent = DefaultExtent
	}
	if o.ContourLayer == "" {
		o.ContourLayer = DefaultContourLayer
	}
	if o.ElevationKey == "" {
		o.ElevationKey = DefaultElevationKey
	}
	if o.LevelKey == "" {
		o.LevelKey = DefaultLevelKey
	}
	if o.SubsampleBelow <= 0 {
		o.SubsampleBelow = DefaultSubsampleBelow
	}
	return o
}

// Validate checks o after defaults are applied.
func (o Options) Validate() error {
	o = o.withDefaults()
	if err := validateLevels(o.Levels); err != nil {
		return err
	}
	return validateCommon(o.Multiplier, o.Buffer, o.Extent, o.SubsampleBelow, o.Overzoom)
}

func validateLevels(levels []float64) error {
	for _, l := range levels {
		if !(l > 0) || math.IsInf(l, 0) {
			return fmt.Errorf("%w: level %v must be a positive number", ErrInvalidOptions, l)
		}
	}
	return nil
}

func validateCommon(multiplier float64, buffer, extent, subsampleBelow, overzoom int) error {
	switch {
	case math.IsNaN(multiplier) || math.IsInf(multiplier, 0):
		return fmt.Errorf("%w: multiplier %v", ErrInvalidOptions, multiplier)
	case buffer < 0 || buffer > MaxBuffer:
		return fmt.Errorf("%w: buffer %d not in [0, %d]", ErrInvalidOptions, buffer, MaxBuffer)
	case extent < 0 || extent > MaxExtent:
		return fmt.Errorf("%w: extent %d not in [0, %d]", ErrInvalidOptions, extent, MaxExtent)
	case subsampleBelow < 0 || subsampleBelow > MaxSubsampleBelow:
		return fmt.Errorf("%w: subsampleBelow %d not in [0, %d]", ErrInvalidOptions, subsampleBelow, MaxSubsampleBelow)
	case overzoom < 0 || overzoom > MaxOverzoom:
		return fmt.Errorf("%w: overzoom %d not in [0, %d]", ErrInvalidOptions, overzoom, MaxOverzoom)
	}
	return nil
}

// CacheKey serializes every option as sorted, escaped k=v pairs joined by
// commas, so that requests differing in any option never share a cache entry.
func (o Options) CacheKey() string {
	o = o.withDefaults()
	return joinSorted(map[string]string{
		"buffer":         strconv.Itoa(o.Buffer),
		"contourLayer":   o.ContourLayer,
		"elevationKey":   o.ElevationKey,
		"extent":         strconv.Itoa(o.Extent),
		"levelKey":       o.LevelKey,
		"levels":         formatList(o.Levels, ","),
		"multiplier":     formatNumber(o.Multiplier),
		"overzoom":       strconv.Itoa(o.Overzoom),
		"subsampleBelow": strconv.Itoa(o.SubsampleBelow),
	}, ",")
}

//GlobalOptions 按缩放级别配置的等高线参数
type GlobalOptions struct {
	// Thresholds maps a minimum zoom to the levels used from that zoom on.
	Thresholds     map[int][]float64
	Multiplier     float64
	Buffer         int
	Extent         int
	ContourLayer   string
	ElevationKey   string
	LevelKey       string
	SubsampleBelow int
	Overzoom       int
}

// DefaultGlobalOptions returns the defaults with no thresholds.
func DefaultGlobalOptions() GlobalOptions {
	return GlobalOptions{
		Thresholds:     map[int][]float64{},
		Multiplier:     DefaultMultiplier,
		Buffer:         DefaultBuffer,
		Extent:         DefaultExtent,
		ContourLayer:   DefaultContourLayer,
		ElevationKey:   DefaultElevationKey,
		LevelKey:       DefaultLevelKey,
		SubsampleBelow: DefaultSubsampleBelow,
	}
}

// Validate checks every threshold level and option of g.
func (g GlobalOptions) Validate() error {
	for _, levels := range g.Thresholds {
		if err := validateLevels(levels); err != nil {
			return err
		}
	}
	return validateCommon(g.Multiplier, g.Buffer, g.Extent, g.SubsampleBelow, g.Overzoom)
}

// OptionsForZoom picks the levels of the greatest threshold zoom not above
// zoom. Below every threshold zoom the levels are empty.
func OptionsForZoom(g GlobalOptions, zoom int) Options {
	var levels []float64
	best := math.MinInt
	for z, l := range g.Thresholds {
		if z <= zoom && z > best {
			best = z
			levels = l
		}
	}
	return Options{
		Levels:         levels,
		Multiplier:     g.Multiplier,
		Buffer:         g.Buffer,
		Extent:         g.Extent,
		ContourLayer:   g.ContourLayer,
		ElevationKey:   g.ElevationKey,
		LevelKey:       g.LevelKey,
		SubsampleBelow: g.SubsampleBelow,
		Overzoom:       g.Overzoom,
	}
}

// EncodeThresholds writes thresholds as zoom*level*level~zoom*level with
// zooms in string order.
func EncodeThresholds(thresholds map[int][]float64) string {
	keys := make([]string, 0, len(thresholds))
	for z := range thresholds {
		keys = append(keys, strconv.Itoa(z))
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		z, _ := strconv.Atoi(k)
		if levels := formatList(thresholds[z], "*"); levels != "" {
			parts[i] = k + "*" + levels
		} else {
			parts[i] = k
		}
	}
	return strings.Join(parts, "~")
}

// DecodeThresholds parses the EncodeThresholds format.
func DecodeThresholds(s string) (map[int][]float64, error) {
	thresholds := map[int][]float64{}
	if s == "" {
		return thresholds, nil
	}
	for _, part := range strings.Split(s, "~") {
		fields := strings.Split(part, "*")
		z, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("bad threshold zoom %q: %w", fields[0], err)
		}
		levels := make([]float64, 0, len(fields)-1)
		for _, f := range fields[1:] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("bad threshold level %q: %w", f, err)
			}
			levels = append(levels, v)
		}
		thresholds[z] = levels
	}
	return thresholds, nil
}

// EncodeOptions writes every option as sorted, escaped k=v pairs joined by &.
func EncodeOptions(g GlobalOptions) string {
	return joinSorted(map[string]string{
		"thresholds":     EncodeThresholds(g.Thresholds),
		"buffer":         strconv.Itoa(g.Buffer),
		"contourLayer":   g.ContourLayer,
		"elevationKey":   g.ElevationKey,
		"extent":         strconv.Itoa(g.Extent),
		"levelKey":       g.LevelKey,
		"multiplier":     formatNumber(g.Multiplier),
		"overzoom":       strconv.Itoa(g.Overzoom),
		"subsampleBelow": strconv.Itoa(g.SubsampleBelow),
	}, "&")
}

// DecodeOptions overlays the options found in s on base. Anything up to a
// "?" is ignored so whole URLs can be passed; unknown keys are skipped.
// Values out of range give ErrInvalidOptions.
func DecodeOptions(s string, base GlobalOptions) (GlobalOptions, error) {
	g := base
	if i := strings.LastIndex(s, "?"); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return g, nil
	}
	for _, part := range strings.Split(s, "&") {
		kv := strings.SplitN(part, "=", 2)
		k, err := url.PathUnescape(kv[0])
		if err != nil {
			return base, err
		}
		var v string
		if len(kv) > 1 {
			if v, err = url.PathUnescape(kv[1]); err != nil {
				return base, err
			}
		}
		switch k {
		case "thresholds":
			if g.Thresholds, err = DecodeThresholds(v); err != nil {
				return base, err
			}
		case "multiplier":
			if g.Multiplier, err = strconv.ParseFloat(v, 64); err != nil {
				return base, fmt.Errorf("bad multiplier %q: %w", v, err)
			}
		case "extent", "overzoom", "buffer", "subsampleBelow":
			n, err := strconv.Atoi(v)
			if err != nil {
				return base, fmt.Errorf("bad %s %q: %w", k, v, err)
			}
			switch k {
			case "extent":
				g.Extent = n
			case "overzoom":
				g.Overzoom = n
			case "buffer":
				g.Buffer = n
			default:
				g.SubsampleBelow = n
			}
		case "contourLayer":
			g.ContourLayer = v
		case "elevationKey":
			g.ElevationKey = v
		case "levelKey":
			g.LevelKey = v
		}
	}
	if err := g.Validate(); err != nil {
		return base, err
	}
	return g, nil
}

func joinSorted(values map[string]string, sep string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = escapeComponent(k) + "=" + escapeComponent(values[k])
	}
	return strings.Join(parts, sep)
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatList(values []float64, sep string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = formatNumber(v)
	}
	return strings.Join(parts, sep)
}

// escapeComponent percent-encodes everything except letters, digits and
// -_.!~*'() so thresholds stay readable in URLs.
func escapeComponent(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9',
			strings.IndexByte("-_.!~*'()", c) >= 0:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&15])
		}
	}
	return b.String()
}
