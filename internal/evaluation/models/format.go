package models

import (
	"fmt"
	"slices"
	"strings"

	strutil "evalbus/pkg/platform/strings"
)

// Format is an output format a subscriber can deliver.
type Format string

const (
	FormatPNG      Format = "PNG"
	FormatSVG      Format = "SVG"
	FormatCSV      Format = "CSV"
	FormatCSV2     Format = "CSV2"
	FormatNetCDF   Format = "NETCDF"
	FormatNetCDF2  Format = "NETCDF2"
	FormatProtobuf Format = "PROTOBUF"
	FormatPairs    Format = "PAIRS"
)

var knownFormats = []Format{
	FormatPNG, FormatSVG, FormatCSV, FormatCSV2,
	FormatNetCDF, FormatNetCDF2, FormatProtobuf, FormatPairs,
}

// ParseFormat accepts any case and surrounding whitespace.
func ParseFormat(raw string) (Format, error) {
	f := Format(strings.ToUpper(strings.TrimSpace(raw)))
	if !slices.Contains(knownFormats, f) {
		return "", fmt.Errorf("unknown format %q", raw)
	}
	return f, nil
}

// ParseFormats parses a list, stopping at the first unknown format. Elements
// may themselves be comma separated, as they are when read from environment.
func ParseFormats(raw []string) ([]Format, error) {
	out := make([]Format, 0, len(raw))
	for _, r := range raw {
		for _, part := range strutil.SplitList(r) {
			f, err := ParseFormat(part)
			if err != nil {
				return nil, err
			}
			if !slices.Contains(out, f) {
				out = append(out, f)
			}
		}
	}
	return out, nil
}

// SortFormats returns a sorted copy.
func SortFormats(formats []Format) []Format {
	out := slices.Clone(formats)
	slices.Sort(out)
	return out
}

// Intersect returns the formats of a that also appear in b, in a's order.
func Intersect(a, b []Format) []Format {
	var out []Format
	for _, f := range a {
		if slices.Contains(b, f) {
			out = append(out, f)
		}
	}
	return out
}

func (f Format) String() string {
	return string(f)
}
