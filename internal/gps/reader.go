package gps

import (
	"bufio"
	"io"
	"strings"

	nmea "github.com/adrianmo/go-nmea"
)

// FixReader turns an NMEA byte stream into fixes. One fix is produced per
// RMC sentence; GGA sentences in between fill in altitude and satellites.
type FixReader struct {
	r       *bufio.Reader
	current Fix

	// Skipped counts lines that failed to parse.
	Skipped int
}

// NewFixReader reads NMEA sentences from r, typically a serial port.
func NewFixReader(r io.Reader) *FixReader {
	return &FixReader{r: bufio.NewReader(r)}
}

// Next blocks until the next RMC sentence and returns the combined fix,
// valid or not. It returns the reader's error (io.EOF at end of input).
func (fr *FixReader) Next() (Fix, error) {
	for {
		line, err := fr.r.ReadString('\n')
		line = strings.TrimSpace(line)

		if line != "" && strings.HasPrefix(line, "$") {
			if fix, ok := fr.handle(line); ok {
				return fix, nil
			}
		}
		if err != nil {
			return Fix{}, err
		}
	}
}

func (fr *FixReader) handle(line string) (Fix, bool) {
	sentence, err := nmea.Parse(line)
	if err != nil {
		// noisy GPS or partial sentences
		fr.Skipped++
		return Fix{}, false
	}

	switch sentence.DataType() {
	case nmea.TypeRMC:
		m := sentence.(nmea.RMC)
		fr.current.Time = m.Time.String()
		fr.current.Date = m.Date.String()
		fr.current.Latitude = m.Latitude
		fr.current.Longitude = m.Longitude
		fr.current.SpeedKnots = m.Speed
		fr.current.CourseDeg = m.Course
		fr.current.Validity = m.Validity
		return fr.current, true

	case nmea.TypeGGA:
		m := sentence.(nmea.GGA)
		if m.FixQuality != nmea.Invalid {
			fr.current.Altitude = m.Altitude
			fr.current.Satellites = m.NumSatellites
		}
	}
	return Fix{}, false
}
