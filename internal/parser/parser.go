// Package parser turns raw archive recorder files into structured events and
// records. The format is loosely structured text that varies across archive
// eras, so parsing is tolerant: header fields go through a registry of typed
// parsers, site blocks are isolated from each other, and only a file without
// a usable origin time is rejected outright.
package parser

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/seismoworks/geomotion/internal/domain"
)

// nanSentinel is the archive's representation of a missing sample. It fills
// the whole 8-character field, leaving no separator before the next value.
const nanSentinel = 999999.9

// accelScale converts archive millimetres/s² to m/s².
const accelScale = 1.0 / 1000.0

// sampleFieldWidth is the fixed width of one sample in a data line.
const sampleFieldWidth = 8

// verticalAxis is the heading the archive uses to mark the vertical channel.
const verticalAxis = 999

// ParseFile parses one archive recorder file. Site blocks that fail to parse
// are dropped individually and reported in ParsedFile.Failures; the returned
// error is non-nil only when the whole file is unusable, in which case it is
// a domain.ParseFailure naming the file and reason.
func ParseFile(name string, data []byte) (domain.ParsedFile, error) {
	lines := splitLines(data)

	headerLines, blocks := sectionize(lines)

	hdr := parseHeader(headerLines)
	if !hdr.hasTime {
		return domain.ParsedFile{}, domain.ParseFailure{
			File:   name,
			Reason: "header has no usable origin time",
		}
	}

	out := domain.ParsedFile{
		Event: domain.Event{
			Time:       hdr.originTime,
			Hypocenter: hdr.hypocenter,
			Magnitudes: hdr.magnitudes,
		},
		Unrecognized: hdr.unrecognized,
	}

	for _, b := range blocks {
		rec, err := parseSiteBlock(b)
		if err != nil {
			out.Failures = append(out.Failures, domain.ParseFailure{
				File:   name,
				Site:   b.code,
				Reason: err.Error(),
			})
			continue
		}
		out.Records = append(out.Records, rec)
	}

	return out, nil
}

// rawBlock is one site's slice of the file, starting at its "Site <CODE>"
// line.
type rawBlock struct {
	code  string
	lines []string
}

func splitLines(data []byte) []string {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	return strings.Split(text, "\n")
}

// sectionize splits the file into the header region and per-site blocks.
func sectionize(lines []string) ([]string, []rawBlock) {
	var header []string
	var blocks []rawBlock

	for _, line := range lines {
		if code, ok := siteLine(line); ok {
			blocks = append(blocks, rawBlock{code: code})
			continue
		}
		if len(blocks) == 0 {
			header = append(header, line)
		} else {
			b := &blocks[len(blocks)-1]
			b.lines = append(b.lines, line)
		}
	}
	return header, blocks
}

func siteLine(line string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(line), "Site ")
	if !ok {
		return "", false
	}
	code := strings.ToUpper(strings.TrimSpace(rest))
	return code, code != ""
}

// parseHeader tokenizes the header lines independently. Recognised keys go
// through the field registry; everything else is kept verbatim so malformed
// files can be reported upstream with full context. A field that fails its
// typed parser is treated the same as an unrecognised one.
func parseHeader(lines []string) header {
	hdr := header{unrecognized: make(map[string]string)}

	for _, line := range lines {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue // free heading text
		}
		norm := strings.ToLower(strings.TrimSpace(key))
		fp, known := headerRegistry[norm]
		if !known {
			hdr.unrecognized[strings.TrimSpace(key)] = strings.TrimSpace(value)
			continue
		}
		if err := fp(&hdr, value); err != nil {
			hdr.unrecognized[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	return hdr
}

// rawChannel is one channel section inside a site block.
type rawChannel struct {
	axis    float64
	samples []float64
}

// parseSiteBlock parses one site's block. Any malformation inside the block
// (bad key value, wrong sample width, non-numeric or non-finite sample,
// truncated channel) fails only this block.
func parseSiteBlock(b rawBlock) (domain.Record, error) {
	var meta siteBlock
	var channels []rawChannel

	for _, line := range b.lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if rest, ok := strings.CutPrefix(trimmed, "Channel "); ok {
			axis, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
			if err != nil {
				return domain.Record{}, errors.New("bad channel axis: " + rest)
			}
			channels = append(channels, rawChannel{axis: axis})
			continue
		}

		if len(channels) == 0 {
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			norm := strings.ToLower(strings.TrimSpace(key))
			fp, known := siteRegistry[norm]
			if !known {
				continue
			}
			if err := fp(&meta, value); err != nil {
				return domain.Record{}, errors.New("bad " + norm + " value")
			}
			continue
		}

		ch := &channels[len(channels)-1]
		values, err := decodeSampleLine(line)
		if err != nil {
			return domain.Record{}, err
		}
		ch.samples = append(ch.samples, values...)
	}

	if meta.timestep <= 0 {
		return domain.Record{}, errors.New("missing or non-positive timestep")
	}

	named, err := alignChannels(channels, meta.samples)
	if err != nil {
		return domain.Record{}, err
	}

	return domain.Record{
		SiteCode:    b.code,
		Bearing:     meta.bearing,
		Distance:    meta.distance,
		Timestep:    meta.timestep,
		Duration:    meta.duration,
		BufferStart: meta.bufferStart,
		Channels:    named,
	}, nil
}

// decodeSampleLine splits a data line into fixed-width fields and parses
// each. Splitting on whitespace is not safe because the NaN sentinel fills
// its field completely.
func decodeSampleLine(line string) ([]float64, error) {
	var values []float64
	for start := 0; start < len(line); start += sampleFieldWidth {
		end := start + sampleFieldWidth
		if end > len(line) {
			end = len(line)
		}
		field := strings.TrimSpace(line[start:end])
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, errors.New("non-numeric sample: " + field)
		}
		if v == nanSentinel {
			v = math.NaN()
		}
		values = append(values, v*accelScale)
	}
	return values, nil
}

// alignChannels realigns raw channel sections to named N/E/V channels. The
// vertical axis is the 999-degree sentinel; the first two distinct
// horizontal axes are rotated onto north and east headings. Sections
// repeating an already-seen axis are discarded. A lone horizontal axis is
// kept under its raw heading rather than dropped.
func alignChannels(raw []rawChannel, declared int) ([]domain.Channel, error) {
	seen := make(map[float64]bool)
	var horizontals []rawChannel
	var vertical *rawChannel

	for i := range raw {
		ch := raw[i]
		if seen[ch.axis] {
			continue
		}
		seen[ch.axis] = true

		if err := checkSamples(ch.samples, declared); err != nil {
			return nil, err
		}
		ch.samples = trimDeclared(ch.samples, declared)

		if ch.axis == verticalAxis {
			vertical = &ch
		} else if len(horizontals) < 2 {
			horizontals = append(horizontals, ch)
		}
	}

	var out []domain.Channel
	switch len(horizontals) {
	case 2:
		if len(horizontals[0].samples) != len(horizontals[1].samples) {
			return nil, errors.New("horizontal channel length mismatch")
		}
		n := make([]float64, len(horizontals[0].samples))
		e := make([]float64, len(horizontals[0].samples))
		for _, h := range horizontals {
			rad := h.axis * math.Pi / 180
			cos, sin := math.Cos(rad), math.Sin(rad)
			for i, v := range h.samples {
				n[i] += v * cos
				e[i] += v * sin
			}
		}
		out = append(out,
			domain.Channel{Name: "N", Acceleration: n},
			domain.Channel{Name: "E", Acceleration: e},
		)
	case 1:
		out = append(out, domain.Channel{
			Name:         "H" + strconv.FormatFloat(horizontals[0].axis, 'f', -1, 64),
			Acceleration: horizontals[0].samples,
		})
	}
	if vertical != nil {
		out = append(out, domain.Channel{Name: "V", Acceleration: vertical.samples})
	}

	if len(out) == 0 {
		return nil, errors.New("no usable channels")
	}
	return out, nil
}

func checkSamples(samples []float64, declared int) error {
	if len(samples) == 0 {
		return errors.New("empty channel")
	}
	if declared > 0 && len(samples) < declared {
		return errors.New("truncated channel")
	}
	for _, v := range samples {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("non-finite sample")
		}
	}
	return nil
}

// trimDeclared drops trailing values past the declared count. The declared
// count is not always trustworthy, but extra values on the final line are.
func trimDeclared(samples []float64, declared int) []float64 {
	if declared > 0 && len(samples) > declared {
		return samples[:declared]
	}
	return samples
}
