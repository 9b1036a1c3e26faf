package archive

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/seismoworks/geomotion/internal/domain"
	"github.com/seismoworks/geomotion/internal/errors"
)

// openedLayout is how the delta web service formats the Opened column. The
// value is NZ local time, not UTC.
const openedLayout = "2006-01-02 15:04:05.000"

// SiteRegistry implements SiteSource over the delta web service CSV export.
type SiteRegistry struct {
	url        string
	httpClient *http.Client
	local      *time.Location
	logger     *slog.Logger
}

// NewSiteRegistry creates a registry client. local is the timezone the CSV's
// Opened column is expressed in.
func NewSiteRegistry(url string, timeout time.Duration, local *time.Location, logger *slog.Logger) *SiteRegistry {
	return &SiteRegistry{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		local:  local,
		logger: logger,
	}
}

// FetchSites downloads and parses the full site registry. Sites with
// duplicate codes refer to co-located sensors and are dropped after the
// first occurrence; rows that fail to parse are skipped with a warning
// rather than failing the whole listing.
func (r *SiteRegistry) FetchSites(ctx context.Context) ([]domain.Site, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, "fetch site registry", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, errors.New(errors.KindNotFound, "site registry not found at "+r.url)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Newf(errors.KindTransient, "site registry: status %d: %s", resp.StatusCode, body)
	}

	return r.parseCSV(resp.Body)
}

func (r *SiteRegistry) parseCSV(body io.Reader) ([]domain.Site, error) {
	reader := csv.NewReader(body)
	reader.FieldsPerRecord = -1

	// The first line is a note describing the filtering applied upstream.
	if _, err := reader.Read(); err != nil {
		return nil, errors.Wrap(errors.KindParse, "site registry preamble", err)
	}

	headerRow, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(errors.KindParse, "site registry header", err)
	}
	cols := make(map[string]int, len(headerRow))
	for i, name := range headerRow {
		cols[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"Code", "Name", "Latitude", "Longitude", "Opened", "Status"} {
		if _, ok := cols[required]; !ok {
			return nil, errors.Newf(errors.KindParse, "site registry missing column %q", required)
		}
	}

	var sites []domain.Site
	seen := make(map[string]bool)
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(errors.KindParse, "site registry row", err)
		}

		site, err := r.parseRow(row, cols)
		if err != nil {
			r.logger.Warn("skipping malformed site row", "error", err)
			continue
		}
		if seen[site.Code] {
			continue
		}
		seen[site.Code] = true
		sites = append(sites, site)
	}
	return sites, nil
}

func (r *SiteRegistry) parseRow(row []string, cols map[string]int) (domain.Site, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	code := field("Code")
	if code == "" {
		return domain.Site{}, fmt.Errorf("row has no code")
	}

	lat, err := strconv.ParseFloat(field("Latitude"), 64)
	if err != nil {
		return domain.Site{}, fmt.Errorf("site %s: bad latitude: %w", code, err)
	}
	lon, err := strconv.ParseFloat(field("Longitude"), 64)
	if err != nil {
		return domain.Site{}, fmt.Errorf("site %s: bad longitude: %w", code, err)
	}

	opened, err := time.ParseInLocation(openedLayout, field("Opened"), r.local)
	if err != nil {
		return domain.Site{}, fmt.Errorf("site %s: bad opened date: %w", code, err)
	}

	return domain.Site{
		Code:      code,
		Name:      field("Name"),
		Latitude:  lat,
		Longitude: lon,
		Status:    domain.ParseSiteStatus(field("Status")),
		Opened:    opened.UTC(),
		Notes:     field("Notes"),
	}, nil
}
