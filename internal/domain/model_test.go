package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/seismoworks/geomotion/internal/domain"
)

func TestWatermarkOrdering(t *testing.T) {
	a := domain.Watermark{Year: 2011, Month: 6}
	b := domain.Watermark{Year: 2011, Month: 7}
	c := domain.Watermark{Year: 2012, Month: 1}

	assert.True(t, a.Before(b))
	assert.True(t, b.Before(c))
	assert.False(t, c.Before(a))
	assert.False(t, a.Before(a))
}

func TestWatermarkNext(t *testing.T) {
	assert.Equal(t, domain.Watermark{Year: 2011, Month: 7}, domain.Watermark{Year: 2011, Month: 6}.Next())
	assert.Equal(t, domain.Watermark{Year: 2012, Month: 1}, domain.Watermark{Year: 2011, Month: 12}.Next())
}

func TestWatermarkString(t *testing.T) {
	assert.Equal(t, "2011-06", domain.Watermark{Year: 2011, Month: 6}.String())
}

func TestParseSiteStatus(t *testing.T) {
	assert.Equal(t, domain.StatusOperational, domain.ParseSiteStatus("Operational"))
	assert.Equal(t, domain.StatusOperational, domain.ParseSiteStatus("Open"))
	assert.Equal(t, domain.StatusDecommissioned, domain.ParseSiteStatus("Closed"))
	assert.Equal(t, domain.StatusUnknown, domain.ParseSiteStatus("???"))
}

func TestParseFailureError(t *testing.T) {
	whole := domain.ParseFailure{File: "a.V1A", Reason: "no origin time"}
	assert.Equal(t, "parse a.V1A: no origin time", whole.Error())

	block := domain.ParseFailure{File: "a.V1A", Site: "CECS", Reason: "truncated channel"}
	assert.Equal(t, "parse a.V1A (site CECS): truncated channel", block.Error())
}
