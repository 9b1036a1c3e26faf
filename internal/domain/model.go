package domain

import (
	"fmt"
	"time"
)

// SiteStatus is the operational state of a recording site.
type SiteStatus string

const (
	StatusOperational    SiteStatus = "Operational"
	StatusDecommissioned SiteStatus = "Decommissioned"
	StatusUnknown        SiteStatus = "Unknown"
)

// ParseSiteStatus maps the registry CSV status column onto a SiteStatus.
// The registry has used several spellings for closed sites over the years.
func ParseSiteStatus(raw string) SiteStatus {
	switch raw {
	case "Operational", "Open", "operational":
		return StatusOperational
	case "Decommissioned", "Closed", "closed":
		return StatusDecommissioned
	default:
		return StatusUnknown
	}
}

// Site is a fixed recording station. Sites are replaced wholesale by
// registry updates and never deleted, only status-transitioned.
type Site struct {
	Code      string     `json:"code"` // upstream-assigned natural key
	Name      string     `json:"name"`
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Status    SiteStatus `json:"status"`
	Opened    time.Time  `json:"opened"` // stored UTC
	Notes     string     `json:"notes,omitempty"`
}

// Hypocenter locates an event's rupture point.
type Hypocenter struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	HypocentralDepth float64 `json:"hypocentral_depth"` // km
	CentroidDepth    float64 `json:"centroid_depth"`    // km
}

// Magnitudes holds the magnitude estimates published for an event. Any of
// them may be zero for a given record.
type Magnitudes struct {
	Ml float64 `json:"ml,omitempty"`
	Ms float64 `json:"ms,omitempty"`
	Mw float64 `json:"mw,omitempty"`
	Mb float64 `json:"mb,omitempty"`
}

// Event is a single seismic occurrence. Events are created on first
// encounter during an update, never mutated afterwards except to gain
// records, and never deleted. ID is local to one cache instance.
type Event struct {
	ID         int64      `json:"id"`
	Time       time.Time  `json:"time"` // origin time, stored UTC
	Hypocenter Hypocenter `json:"hypocenter"`
	Magnitudes Magnitudes `json:"magnitudes"`
}

// Channel is one axis of acceleration measurement.
type Channel struct {
	Name         string    `json:"name"` // "N", "E", or "V"
	Acceleration []float64 `json:"acceleration"` // m/s²
}

// Record is one site's measurement of one event. At most one record exists
// per (event, site) pair; re-ingesting the pair overwrites it.
type Record struct {
	SiteCode    string    `json:"site_code"`
	Bearing     float64   `json:"bearing"`  // degrees from site to epicentre
	Distance    float64   `json:"distance"` // metres to epicentre
	Timestep    float64   `json:"timestep"` // seconds between samples
	Duration    float64   `json:"duration"` // seconds
	BufferStart time.Time `json:"buffer_start"` // recording start, UTC
	Channels    []Channel `json:"channels"` // at least one
}

// ParsedFile is the parser's output for one archive file: the event it
// describes plus the records of every site block that parsed cleanly.
type ParsedFile struct {
	Event    Event
	Records  []Record
	Failures []ParseFailure // site blocks dropped from this file

	// Unrecognized holds header fields the registry did not know about,
	// kept verbatim for diagnostics. The archive is known to contain
	// extra and variant fields.
	Unrecognized map[string]string
}

// ParseFailure describes a file or site block the parser had to drop. It
// carries enough context to report the malformed file upstream.
type ParseFailure struct {
	File   string
	Site   string // empty when the whole file failed
	Reason string
}

func (f ParseFailure) Error() string {
	if f.Site != "" {
		return fmt.Sprintf("parse %s (site %s): %s", f.File, f.Site, f.Reason)
	}
	return fmt.Sprintf("parse %s: %s", f.File, f.Reason)
}

// UpdateKind selects which watermark an update state call refers to.
type UpdateKind string

const (
	UpdateKindSites  UpdateKind = "sites"
	UpdateKindEvents UpdateKind = "events"
)

// Watermark is the last fully processed (year, month) archive unit.
type Watermark struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// Before reports whether w is chronologically earlier than other.
func (w Watermark) Before(other Watermark) bool {
	if w.Year != other.Year {
		return w.Year < other.Year
	}
	return w.Month < other.Month
}

// Next returns the month following w.
func (w Watermark) Next() Watermark {
	if w.Month >= 12 {
		return Watermark{Year: w.Year + 1, Month: 1}
	}
	return Watermark{Year: w.Year, Month: w.Month + 1}
}

func (w Watermark) String() string {
	return fmt.Sprintf("%04d-%02d", w.Year, w.Month)
}

// UpdateSummary reports the outcome of one update_events run. Item-level
// failures are aggregated here rather than aborting the run.
type UpdateSummary struct {
	RunID           string         `json:"run_id"`
	Started         time.Time      `json:"started"`
	Finished        time.Time      `json:"finished"`
	MonthsProcessed int            `json:"months_processed"`
	FilesProcessed  int            `json:"files_processed"`
	FilesSkipped    int            `json:"files_skipped"`
	EventsMerged    int            `json:"events_merged"`
	RecordsMerged   int            `json:"records_merged"`
	Failures        []ParseFailure `json:"failures,omitempty"`
}
