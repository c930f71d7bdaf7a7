// Package gpx extracts summary metadata from GPX track files so imported
// tracks carry their point count and time range without re-parsing on every
// read.
package gpx

import (
	"encoding/xml"
	"io"
	"math"
	"os"
	"time"

	apperrors "github.com/wayfarer/sync-engine/internal/errors"
)

// Summary is what the sync engine keeps about a track file.
type Summary struct {
	Name       string
	PointCount int
	StartedAt  int64 // unix ms, 0 when the file carries no timestamps
	EndedAt    int64
	DistanceM  float64
}

type gpxFile struct {
	Metadata struct {
		Name string `xml:"name"`
	} `xml:"metadata"`
	Tracks []struct {
		Name     string `xml:"name"`
		Segments []struct {
			Points []trackPoint `xml:"trkpt"`
		} `xml:"trkseg"`
	} `xml:"trk"`
}

type trackPoint struct {
	Lat  float64 `xml:"lat,attr"`
	Lon  float64 `xml:"lon,attr"`
	Time string  `xml:"time"`
}

// Parse reads one GPX document.
func Parse(r io.Reader) (*Summary, error) {
	var doc gpxFile
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "not a valid GPX file", err)
	}

	s := &Summary{Name: doc.Metadata.Name}
	var prev *trackPoint

	for ti := range doc.Tracks {
		trk := &doc.Tracks[ti]
		if s.Name == "" {
			s.Name = trk.Name
		}
		for si := range trk.Segments {
			for pi := range trk.Segments[si].Points {
				pt := &trk.Segments[si].Points[pi]
				s.PointCount++

				if pt.Time != "" {
					if ts, err := time.Parse(time.RFC3339, pt.Time); err == nil {
						ms := ts.UnixMilli()
						if s.StartedAt == 0 || ms < s.StartedAt {
							s.StartedAt = ms
						}
						if ms > s.EndedAt {
							s.EndedAt = ms
						}
					}
				}
				if prev != nil {
					s.DistanceM += haversineM(prev.Lat, prev.Lon, pt.Lat, pt.Lon)
				}
				prev = pt
			}
			// Segment boundaries are gaps, not travel.
			prev = nil
		}
	}

	if s.PointCount == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "GPX file contains no track points")
	}
	return s, nil
}

// ParseFile parses the GPX document at path.
func ParseFile(path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "cannot open GPX file", err)
	}
	defer f.Close()
	return Parse(f)
}

const earthRadiusM = 6371000

func haversineM(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusM * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
