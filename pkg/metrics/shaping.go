package metrics

import (
	"sort"
	"strings"
	"time"

	"github.com/yourusername/social-report-exporter/pkg/model"
)

// DefaultWindowDays is the length of the plotted window when the range has no start
const DefaultWindowDays = 28

// Point is one plotted day
type Point struct {
	Day   time.Time
	Value float64
}

// PostDay aggregates one day of publication activity
type PostDay struct {
	Day      time.Time
	Posts    float64
	Comments float64
	Shares   float64
}

// ResolveRange substitutes deterministic defaults for open bounds: the end
// defaults to now's day and the start to a 28-day window ending there.
// The result is only used for fetching and plotting.
func ResolveRange(r model.DateRange, now time.Time) (start, end time.Time) {
	if r.End != nil {
		end = truncateDay(*r.End)
	} else {
		end = truncateDay(now)
	}
	if r.Start != nil {
		start = truncateDay(*r.Start)
	} else {
		start = end.AddDate(0, 0, -(DefaultWindowDays - 1))
	}
	return start, end
}

// ResolvedQuery builds a query whose bounds are the resolved plotting range
func ResolvedQuery(sel model.Selection, now time.Time) (Query, time.Time, time.Time) {
	start, end := ResolveRange(sel.Range, now)
	s, e := start.Format(model.DateLayout), end.Format(model.DateLayout)
	return Query{AccountID: sel.AccountID(), Start: &s, End: &e, Credential: sel.Credential}, start, end
}

// Days lists every day from start to end inclusive
func Days(start, end time.Time) []time.Time {
	start, end = truncateDay(start), truncateDay(end)
	days := make([]time.Time, 0)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// FillDaily returns one point per day of the range, zero where the series has no value
func FillDaily(values []DailyValue, start, end time.Time) []Point {
	byDay := make(map[time.Time]float64, len(values))
	for _, v := range values {
		if day, ok := parseDay(v.Date); ok {
			byDay[day] += v.Value
		}
	}

	days := Days(start, end)
	points := make([]Point, len(days))
	for i, day := range days {
		points[i] = Point{Day: day, Value: byDay[day]}
	}
	return points
}

// BucketEngagedPosts counts posts and sums comments and shares per creation day,
// gap-filled over the range. Posts outside the range are dropped.
func BucketEngagedPosts(posts []EngagedPost, start, end time.Time) []PostDay {
	byDay := make(map[time.Time]*PostDay)
	for _, p := range posts {
		day, ok := parseDay(p.CreatedTime)
		if !ok {
			continue
		}
		b, exists := byDay[day]
		if !exists {
			b = &PostDay{Day: day}
			byDay[day] = b
		}
		b.Posts++
		b.Comments += p.Comments
		b.Shares += p.Shares
	}
	return fillPostDays(byDay, start, end)
}

// FillPostDays gap-fills the per-day rows reported by the service
func FillPostDays(rows []InstagramPostDay, start, end time.Time) []PostDay {
	byDay := make(map[time.Time]*PostDay)
	for _, r := range rows {
		day, ok := parseDay(r.Date)
		if !ok {
			continue
		}
		b, exists := byDay[day]
		if !exists {
			b = &PostDay{Day: day}
			byDay[day] = b
		}
		b.Posts += r.Posts
		b.Comments += r.Comments
		b.Shares += r.Shares
	}
	return fillPostDays(byDay, start, end)
}

func fillPostDays(byDay map[time.Time]*PostDay, start, end time.Time) []PostDay {
	days := Days(start, end)
	out := make([]PostDay, len(days))
	for i, day := range days {
		if b, ok := byDay[day]; ok {
			out[i] = *b
			continue
		}
		out[i] = PostDay{Day: day}
	}
	return out
}

// ImageUnavailable replaces a missing post image URL
const ImageUnavailable = "URL no disponible"

// CombineTopPosts merges both platforms' rankings, sorts by reach descending
// (ties keep Facebook first) and keeps limit posts.
func CombineTopPosts(facebook, instagram []TopPost, limit int) []TopPost {
	combined := make([]TopPost, 0, len(facebook)+len(instagram))
	for _, p := range facebook {
		p.Platform = Facebook
		combined = append(combined, withImage(p))
	}
	for _, p := range instagram {
		p.Platform = Instagram
		combined = append(combined, withImage(p))
	}

	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].Reach > combined[j].Reach
	})

	if limit > 0 && len(combined) > limit {
		combined = combined[:limit]
	}
	return combined
}

func withImage(p TopPost) TopPost {
	if strings.TrimSpace(p.ImageURL) == "" {
		p.ImageURL = ImageUnavailable
	}
	return p
}

// TruncateWords keeps the first limit space-separated words, appending "..." when cut
func TruncateWords(text string, limit int) string {
	words := strings.Split(text, " ")
	if len(words) <= limit {
		return text
	}
	return strings.Join(words[:limit], " ") + "..."
}

// parseDay reads the day of a YYYY-MM-DD or RFC3339-like timestamp
func parseDay(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < len(model.DateLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(model.DateLayout, s[:len(model.DateLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
