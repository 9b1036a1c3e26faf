package parser_test

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seismoworks/geomotion/internal/domain"
	"github.com/seismoworks/geomotion/internal/parser"
)

// sampleLine formats values as the archive does: fixed-width 8-character
// fields, no guaranteed separator.
func sampleLine(values ...float64) string {
	var b strings.Builder
	for _, v := range values {
		fmt.Fprintf(&b, "%8.1f", v)
	}
	return b.String()
}

const testHeader = `GeoNet strong motion record (preliminary)
Origin time: 2011-06-13 02:20:49 UTC
Epicentre latitude: -43.564
Epicentre longitude: 172.740
Hypocentral depth: 6
Centroid depth: 7
Magnitude ML: 6.0
Magnitude MW: 6.0
`

// siteBlock builds a well-formed block with two horizontal channels and a
// vertical one, four samples each, in archive units (mm/s²).
func siteBlock(code string, samples ...float64) string {
	if len(samples) == 0 {
		samples = []float64{1000, -2000, 1500, 500}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Site %s\n", code)
	b.WriteString("Bearing: 57\n")
	b.WriteString("Distance: 2.0\n")
	b.WriteString("Timestep: 0.02\n")
	b.WriteString("Duration: 0.08\n")
	b.WriteString("Buffer start: 2011-06-13 02:20:44 UTC\n")
	fmt.Fprintf(&b, "Samples: %d\n", len(samples))
	for _, axis := range []string{"0", "90", "999"} {
		fmt.Fprintf(&b, "Channel %s\n", axis)
		b.WriteString(sampleLine(samples...) + "\n")
	}
	return b.String()
}

func TestParseFile_FullRecord(t *testing.T) {
	data := testHeader + "\n" + siteBlock("CECS")

	parsed, err := parser.ParseFile("20110613_022049_CECS.V1A", []byte(data))
	require.NoError(t, err)
	assert.Empty(t, parsed.Failures)

	want := time.Date(2011, time.June, 13, 2, 20, 49, 0, time.UTC)
	assert.True(t, parsed.Event.Time.Equal(want), "origin time")
	assert.InDelta(t, -43.564, parsed.Event.Hypocenter.Latitude, 1e-9)
	assert.InDelta(t, 172.740, parsed.Event.Hypocenter.Longitude, 1e-9)
	assert.InDelta(t, 6, parsed.Event.Hypocenter.HypocentralDepth, 1e-9)
	assert.InDelta(t, 7, parsed.Event.Hypocenter.CentroidDepth, 1e-9)
	assert.InDelta(t, 6.0, parsed.Event.Magnitudes.Ml, 1e-9)

	require.Len(t, parsed.Records, 1)
	rec := parsed.Records[0]
	assert.Equal(t, "CECS", rec.SiteCode)
	assert.InDelta(t, 57, rec.Bearing, 1e-9)
	assert.InDelta(t, 2000, rec.Distance, 1e-9) // km scaled to metres
	assert.InDelta(t, 0.02, rec.Timestep, 1e-9)

	require.Len(t, rec.Channels, 3)
	names := []string{rec.Channels[0].Name, rec.Channels[1].Name, rec.Channels[2].Name}
	assert.Equal(t, []string{"N", "E", "V"}, names)

	// Axis 0 is due north and axis 90 due east, so after realignment each
	// named channel equals the raw samples scaled from mm/s² to m/s².
	for _, ch := range rec.Channels {
		require.Len(t, ch.Acceleration, 4)
		assert.InDelta(t, 1.0, ch.Acceleration[0], 1e-9)
		assert.InDelta(t, -2.0, ch.Acceleration[1], 1e-9)
	}
}

func TestParseFile_MalformedBlockIsolated(t *testing.T) {
	bad := "Site BWRS\nBearing: 12\nTimestep: 0.02\nSamples: 4\nChannel 0\nnot-a-sample\n"
	data := testHeader + "\n" + siteBlock("AAAS") + bad + siteBlock("CECS")

	parsed, err := parser.ParseFile("file.V1A", []byte(data))
	require.NoError(t, err)

	require.Len(t, parsed.Records, 2)
	assert.Equal(t, "AAAS", parsed.Records[0].SiteCode)
	assert.Equal(t, "CECS", parsed.Records[1].SiteCode)

	require.Len(t, parsed.Failures, 1)
	assert.Equal(t, "BWRS", parsed.Failures[0].Site)
	assert.Equal(t, "file.V1A", parsed.Failures[0].File)
	assert.Contains(t, parsed.Failures[0].Reason, "non-numeric sample")
}

func TestParseFile_NoOriginTime(t *testing.T) {
	data := "Epicentre latitude: -43.5\n\n" + siteBlock("CECS")

	_, err := parser.ParseFile("broken.V1A", []byte(data))
	require.Error(t, err)

	var pf domain.ParseFailure
	require.ErrorAs(t, err, &pf)
	assert.Equal(t, "broken.V1A", pf.File)
	assert.Contains(t, pf.Reason, "origin time")
}

func TestParseFile_GarbledOriginTimeIsFatal(t *testing.T) {
	data := "Origin time: yesterday-ish\n" + siteBlock("CECS")

	_, err := parser.ParseFile("garbled.V1A", []byte(data))
	var pf domain.ParseFailure
	require.ErrorAs(t, err, &pf)
}

func TestParseFile_NaNSentinelInvalidatesBlock(t *testing.T) {
	var b strings.Builder
	b.WriteString(testHeader + "\n")
	b.WriteString("Site CECS\nTimestep: 0.02\nChannel 999\n")
	// The sentinel fills its 8-character field completely, abutting the
	// neighbouring sample.
	b.WriteString(sampleLine(100.0, 999999.9, 200.0) + "\n")

	parsed, err := parser.ParseFile("nan.V1A", []byte(b.String()))
	require.NoError(t, err)
	assert.Empty(t, parsed.Records)
	require.Len(t, parsed.Failures, 1)
	assert.Contains(t, parsed.Failures[0].Reason, "non-finite")
}

func TestParseFile_TruncatedChannel(t *testing.T) {
	var b strings.Builder
	b.WriteString(testHeader + "\n")
	b.WriteString("Site CECS\nTimestep: 0.02\nSamples: 10\nChannel 999\n")
	b.WriteString(sampleLine(100, 200, 300) + "\n")

	parsed, err := parser.ParseFile("short.V1A", []byte(b.String()))
	require.NoError(t, err)
	assert.Empty(t, parsed.Records)
	require.Len(t, parsed.Failures, 1)
	assert.Contains(t, parsed.Failures[0].Reason, "truncated")
}

func TestParseFile_UnrecognizedHeaderKeysRetained(t *testing.T) {
	data := testHeader + "Processing volume: Vol1\n\n" + siteBlock("CECS")

	parsed, err := parser.ParseFile("extra.V1A", []byte(data))
	require.NoError(t, err)
	assert.Equal(t, "Vol1", parsed.Unrecognized["Processing volume"])
}

func TestParseFile_DuplicateAxisDiscarded(t *testing.T) {
	var b strings.Builder
	b.WriteString(testHeader + "\n")
	b.WriteString("Site CECS\nTimestep: 0.02\n")
	b.WriteString("Channel 45\n" + sampleLine(1000, 2000) + "\n")
	b.WriteString("Channel 45\n" + sampleLine(9000, 9000) + "\n")
	b.WriteString("Channel 999\n" + sampleLine(500, 500) + "\n")

	parsed, err := parser.ParseFile("dup.V1A", []byte(b.String()))
	require.NoError(t, err)
	require.Len(t, parsed.Records, 1)

	rec := parsed.Records[0]
	require.Len(t, rec.Channels, 2)
	assert.Equal(t, "H45", rec.Channels[0].Name)
	assert.Equal(t, "V", rec.Channels[1].Name)
	// The repeated 45-degree block was dropped, not summed.
	assert.InDelta(t, 1.0, rec.Channels[0].Acceleration[0], 1e-9)
}

func TestParseFile_MissingTimestepFailsBlock(t *testing.T) {
	data := testHeader + "\nSite CECS\nChannel 999\n" + sampleLine(100) + "\n"

	parsed, err := parser.ParseFile("nots.V1A", []byte(data))
	require.NoError(t, err)
	assert.Empty(t, parsed.Records)
	require.Len(t, parsed.Failures, 1)
	assert.Contains(t, parsed.Failures[0].Reason, "timestep")
}

func TestParseFile_HeaderOnlyNoBlocks(t *testing.T) {
	parsed, err := parser.ParseFile("empty.V1A", []byte(testHeader))
	require.NoError(t, err)
	assert.Empty(t, parsed.Records)
	assert.Empty(t, parsed.Failures)
}
