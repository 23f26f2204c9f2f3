package diabetactic

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

// absentSegment stands in for an unset optional field in cache keys.
const absentSegment = "~"

// Params carries the typed parameters of one operation call.
//
// Implementations must tolerate unset optional fields: CacheKey on a zero
// value is valid and deterministic.
type Params interface {
	PathValues() map[string]string
	Query() url.Values
	CacheKey() string
}

// Ptr returns a pointer to v. Handy for optional parameter fields.
func Ptr[T any](v T) *T {
	return &v
}

// NoParams is used by operations without parameters.
type NoParams struct{}

func (NoParams) PathValues() map[string]string { return nil }
func (NoParams) Query() url.Values             { return nil }
func (NoParams) CacheKey() string              { return "" }

// IDParams addresses a single server-side record through the {id}
// placeholder.
type IDParams struct {
	ID *string
}

func (p IDParams) PathValues() map[string]string {
	if p.ID == nil {
		return nil
	}
	return map[string]string{"id": *p.ID}
}

func (p IDParams) Query() url.Values { return nil }

func (p IDParams) CacheKey() string {
	return "id=" + stringSegment(p.ID)
}

// GlucoseCreateParams are sent as query parameters on glucose.create.
type GlucoseCreateParams struct {
	GlucoseLevel *float64
	ReadingType  *string
	Notes        *string
}

func (p GlucoseCreateParams) PathValues() map[string]string { return nil }

func (p GlucoseCreateParams) Query() url.Values {
	q := url.Values{}
	if p.GlucoseLevel != nil {
		q.Set("glucose_level", formatFloat(*p.GlucoseLevel))
	}
	if p.ReadingType != nil {
		q.Set("reading_type", *p.ReadingType)
	}
	if p.Notes != nil && *p.Notes != "" {
		q.Set("notes", *p.Notes)
	}
	return q
}

func (p GlucoseCreateParams) CacheKey() string {
	return joinSegments(
		"glucose_level="+floatSegment(p.GlucoseLevel),
		"reading_type="+stringSegment(p.ReadingType),
		"notes="+stringSegment(p.Notes),
	)
}

// ListParams filter list operations (glucose.mine, appointments.mine).
type ListParams struct {
	Limit *int
	Since *time.Time
}

func (p ListParams) PathValues() map[string]string { return nil }

func (p ListParams) Query() url.Values {
	q := url.Values{}
	if p.Limit != nil {
		q.Set("limit", strconv.Itoa(*p.Limit))
	}
	if p.Since != nil {
		q.Set("since", p.Since.UTC().Format(time.RFC3339))
	}
	return q
}

func (p ListParams) CacheKey() string {
	limit := absentSegment
	if p.Limit != nil {
		limit = strconv.Itoa(*p.Limit)
	}
	since := absentSegment
	if p.Since != nil {
		since = p.Since.UTC().Format(time.RFC3339)
	}
	return joinSegments("limit="+limit, "since="+since)
}

func stringSegment(s *string) string {
	if s == nil {
		return absentSegment
	}
	// QueryEscape leaves "~" alone; a present "~" must not read as absent.
	return strings.ReplaceAll(url.QueryEscape(*s), absentSegment, "%7E")
}

func floatSegment(f *float64) string {
	if f == nil {
		return absentSegment
	}
	return formatFloat(*f)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func joinSegments(parts ...string) string {
	return strings.Join(parts, "&")
}
