package parser

import (
	"strconv"
	"strings"
	"time"

	"github.com/seismoworks/geomotion/internal/domain"
)

// header accumulates recognised header fields while the key/value lines of a
// file are tokenized. Fields the registry does not know about are retained
// verbatim for diagnostics.
type header struct {
	originTime   time.Time
	hasTime      bool
	hypocenter   domain.Hypocenter
	magnitudes   domain.Magnitudes
	unrecognized map[string]string
}

// fieldParser parses one recognised header value into the header struct.
// Each entry states its expected type and unit scale explicitly, so the
// archive's unit quirks live in one table instead of being scattered.
type fieldParser func(h *header, value string) error

// headerRegistry maps normalised header keys to typed field parsers. The
// archive spells several of these differently across eras, hence the
// aliases.
var headerRegistry = map[string]fieldParser{
	"origin time": timeField(func(h *header, t time.Time) {
		h.originTime = t
		h.hasTime = true
	}),
	"event time": timeField(func(h *header, t time.Time) {
		h.originTime = t
		h.hasTime = true
	}),
	"epicentre latitude":  floatField(1, func(h *header, v float64) { h.hypocenter.Latitude = v }),
	"epicenter latitude":  floatField(1, func(h *header, v float64) { h.hypocenter.Latitude = v }),
	"latitude":            floatField(1, func(h *header, v float64) { h.hypocenter.Latitude = v }),
	"epicentre longitude": floatField(1, func(h *header, v float64) { h.hypocenter.Longitude = v }),
	"epicenter longitude": floatField(1, func(h *header, v float64) { h.hypocenter.Longitude = v }),
	"longitude":           floatField(1, func(h *header, v float64) { h.hypocenter.Longitude = v }),
	"hypocentral depth":   floatField(1, func(h *header, v float64) { h.hypocenter.HypocentralDepth = v }),
	"centroid depth":      floatField(1, func(h *header, v float64) { h.hypocenter.CentroidDepth = v }),
	"magnitude ml":        floatField(1, func(h *header, v float64) { h.magnitudes.Ml = v }),
	"magnitude ms":        floatField(1, func(h *header, v float64) { h.magnitudes.Ms = v }),
	"magnitude mw":        floatField(1, func(h *header, v float64) { h.magnitudes.Mw = v }),
	"magnitude mb":        floatField(1, func(h *header, v float64) { h.magnitudes.Mb = v }),
}

// siteBlock accumulates the per-site key/value lines of one block.
type siteBlock struct {
	bearing     float64
	distance    float64 // metres after scaling
	timestep    float64
	duration    float64
	bufferStart time.Time
	samples     int // declared samples per channel, 0 if absent
}

type siteFieldParser func(b *siteBlock, value string) error

// siteRegistry maps normalised site-block keys to typed parsers. Distance is
// published in kilometres and scaled to metres here.
var siteRegistry = map[string]siteFieldParser{
	"bearing": siteFloat(1, func(b *siteBlock, v float64) { b.bearing = v }),
	"distance": siteFloat(1000, func(b *siteBlock, v float64) { b.distance = v }),
	"timestep": siteFloat(1, func(b *siteBlock, v float64) { b.timestep = v }),
	"duration": siteFloat(1, func(b *siteBlock, v float64) { b.duration = v }),
	"buffer start": func(b *siteBlock, value string) error {
		t, err := parseTimestamp(value)
		if err != nil {
			return err
		}
		b.bufferStart = t
		return nil
	},
	"samples": func(b *siteBlock, value string) error {
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return err
		}
		b.samples = n
		return nil
	},
}

func floatField(scale float64, assign func(*header, float64)) fieldParser {
	return func(h *header, value string) error {
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return err
		}
		assign(h, v*scale)
		return nil
	}
}

func timeField(assign func(*header, time.Time)) fieldParser {
	return func(h *header, value string) error {
		t, err := parseTimestamp(value)
		if err != nil {
			return err
		}
		assign(h, t)
		return nil
	}
}

func siteFloat(scale float64, assign func(*siteBlock, float64)) siteFieldParser {
	return func(b *siteBlock, value string) error {
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return err
		}
		assign(b, v*scale)
		return nil
	}
}

// timestampLayouts are tried in order. Bare timestamps are taken as UTC,
// which is what the archive uses throughout.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05",
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	value = strings.TrimSuffix(value, " UTC")

	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
