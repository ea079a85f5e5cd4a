package scm

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnparseableTime is returned when a timestamp matches none of the
// layouts accepted for its Layout.
var ErrUnparseableTime = errors.New("unparseable time")

// Layout selects which vendor encoding a raw timestamp is expected in.
type Layout int

const (
	// LayoutTeamCity is the TeamCity REST encoding, e.g. 20240131T101500+0200.
	LayoutTeamCity Layout = iota
	// LayoutChangeSet is the changeset item encoding. The zone-less ISO form
	// is tried first and interpreted in local time, then the git form with a
	// trailing numeric zone.
	LayoutChangeSet
)

const (
	teamCityBasicLayout = "20060102T150405"
	teamCityBasicLen    = len(teamCityBasicLayout)
	teamCityOffsetLen   = len("+0000")

	changeSetISOLayout = "2006-01-02T15:04:05.000"
	changeSetGitLayout = "2006-01-02 15:04:05 -0700"
)

// Millis converts raw into epoch milliseconds. Callers must treat a zero
// result as unknown; an error is always returned alongside it.
func Millis(raw string, layout Layout) (int64, error) {
	var (
		t   time.Time
		err error
	)

	switch layout {
	case LayoutTeamCity:
		t, err = parseTeamCity(raw)
	case LayoutChangeSet:
		t, err = parseChangeSet(raw)
	default:
		err = fmt.Errorf("unknown layout %d", layout)
	}

	if err != nil {
		return 0, fmt.Errorf("%w %q: %w", ErrUnparseableTime, raw, err)
	}

	return t.UnixMilli(), nil
}

// parseTeamCity splits the 15 character basic date-time from its colon-less
// offset and reapplies the offset as a fixed zone. Sub-second precision is
// not part of the encoding.
func parseTeamCity(raw string) (time.Time, error) {
	if len(raw) != teamCityBasicLen+teamCityOffsetLen {
		return time.Time{}, fmt.Errorf("expected %d characters, got %d",
			teamCityBasicLen+teamCityOffsetLen, len(raw))
	}

	local, err := time.Parse(teamCityBasicLayout, raw[:teamCityBasicLen])
	if err != nil {
		return time.Time{}, err
	}

	offset, err := parseOffset(raw[teamCityBasicLen:])
	if err != nil {
		return time.Time{}, err
	}

	return time.Date(
		local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), 0,
		time.FixedZone("", offset),
	), nil
}

// parseOffset turns "+hhmm" (formatted as ±HH:MM) into seconds east of UTC.
func parseOffset(raw string) (int, error) {
	formatted := raw[:3] + ":" + raw[3:]

	z, err := time.Parse("-07:00", formatted)
	if err != nil {
		return 0, fmt.Errorf("offset %q: %w", formatted, err)
	}

	_, secs := z.Zone()

	return secs, nil
}

func parseChangeSet(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(changeSetISOLayout, raw, time.Local)
	if err == nil {
		return t, nil
	}

	t, gitErr := time.Parse(changeSetGitLayout, raw)
	if gitErr != nil {
		return time.Time{}, errors.Join(err, gitErr)
	}

	return t, nil
}
