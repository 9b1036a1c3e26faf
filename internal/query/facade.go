// Package query is the read-only facade over the cache store. It adds no
// caching policy of its own; its one job beyond pass-through is presenting
// times in the configured local timezone, since the cache stores UTC.
package query

import (
	"context"
	"time"

	"github.com/seismoworks/geomotion/internal/domain"
)

// ReadStore is the read side of the cache store.
type ReadStore interface {
	GetYears(ctx context.Context) ([]int, error)
	GetMonths(ctx context.Context, year int) ([]int, error)
	GetEvents(ctx context.Context, year, month int) ([]domain.Event, error)
	GetSites(ctx context.Context, eventID int64) ([]string, error)
	GetSiteInfo(ctx context.Context, code string) (domain.Site, error)
	GetRecord(ctx context.Context, eventID int64, code string) (domain.Record, error)
}

// Facade exposes cache queries with local-time presentation.
type Facade struct {
	store ReadStore
	local *time.Location
}

// New creates a Facade. Pass nil for local to present times in UTC.
func New(store ReadStore, local *time.Location) *Facade {
	if local == nil {
		local = time.UTC
	}
	return &Facade{store: store, local: local}
}

// Years returns the distinct years with cached events, ascending.
func (f *Facade) Years(ctx context.Context) ([]int, error) {
	return f.store.GetYears(ctx)
}

// Months returns the distinct months with cached events in a year, ascending.
func (f *Facade) Months(ctx context.Context, year int) ([]int, error) {
	return f.store.GetMonths(ctx, year)
}

// Events returns the events of a (year, month), ordered by time ascending,
// with origin times in the local timezone.
func (f *Facade) Events(ctx context.Context, year, month int) ([]domain.Event, error) {
	events, err := f.store.GetEvents(ctx, year, month)
	if err != nil {
		return nil, err
	}
	for i := range events {
		events[i].Time = events[i].Time.In(f.local)
	}
	return events, nil
}

// Sites returns the site codes with records for an event, sorted
// lexicographically.
func (f *Facade) Sites(ctx context.Context, eventID int64) ([]string, error) {
	return f.store.GetSites(ctx, eventID)
}

// SiteInfo returns one site's registry entry with its opening date in the
// local timezone.
func (f *Facade) SiteInfo(ctx context.Context, code string) (domain.Site, error) {
	site, err := f.store.GetSiteInfo(ctx, code)
	if err != nil {
		return domain.Site{}, err
	}
	site.Opened = site.Opened.In(f.local)
	return site, nil
}

// Record returns the record of an event at a site with its buffer start in
// the local timezone.
func (f *Facade) Record(ctx context.Context, eventID int64, code string) (domain.Record, error) {
	rec, err := f.store.GetRecord(ctx, eventID, code)
	if err != nil {
		return domain.Record{}, err
	}
	rec.BufferStart = rec.BufferStart.In(f.local)
	return rec, nil
}
