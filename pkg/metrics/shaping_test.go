package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/social-report-exporter/pkg/model"
)

func day(s string) time.Time {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestResolveRange(t *testing.T) {
	now := time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)

	t.Run("closed range is kept", func(t *testing.T) {
		r, err := model.NewDateRange("2024-01-01", "2024-01-07")
		require.NoError(t, err)
		start, end := ResolveRange(r, now)
		assert.Equal(t, day("2024-01-01"), start)
		assert.Equal(t, day("2024-01-07"), end)
	})

	t.Run("open range defaults to trailing window", func(t *testing.T) {
		start, end := ResolveRange(model.DateRange{}, now)
		assert.Equal(t, day("2024-03-10"), end)
		assert.Equal(t, day("2024-02-12"), start)
		assert.Len(t, Days(start, end), DefaultWindowDays)
	})

	t.Run("open start uses window before end", func(t *testing.T) {
		r, err := model.NewDateRange("", "2024-01-28")
		require.NoError(t, err)
		start, _ := ResolveRange(r, now)
		assert.Equal(t, day("2024-01-01"), start)
	})
}

func TestFillDaily(t *testing.T) {
	values := []DailyValue{
		{Date: "2024-01-01", Value: 3},
		{Date: "2024-01-03T00:00:00+0000", Value: 5},
		{Date: "2024-01-09", Value: 100}, // outside
		{Date: "garbage", Value: 7},
	}

	points := FillDaily(values, day("2024-01-01"), day("2024-01-04"))
	require.Len(t, points, 4)
	assert.Equal(t, []float64{3, 0, 5, 0}, []float64{points[0].Value, points[1].Value, points[2].Value, points[3].Value})
	assert.Equal(t, day("2024-01-02"), points[1].Day)
}

func TestFillDaily_SingleDay(t *testing.T) {
	points := FillDaily(nil, day("2024-05-05"), day("2024-05-05"))
	require.Len(t, points, 1)
	assert.Zero(t, points[0].Value)
}

func TestBucketEngagedPosts(t *testing.T) {
	posts := []EngagedPost{
		{ID: "a", CreatedTime: "2024-01-02T09:00:00+0000", Shares: 3, Comments: 4},
		{ID: "b", CreatedTime: "2024-01-02T18:30:00+0000", Shares: 1, Comments: 2},
		{ID: "c", CreatedTime: "2024-01-03T01:00:00+0000", Comments: 1},
		{ID: "d", CreatedTime: "2023-12-31T01:00:00+0000", Comments: 50},
	}

	rows := BucketEngagedPosts(posts, day("2024-01-01"), day("2024-01-03"))
	require.Len(t, rows, 3)
	assert.Equal(t, PostDay{Day: day("2024-01-01")}, rows[0])
	assert.Equal(t, PostDay{Day: day("2024-01-02"), Posts: 2, Comments: 6, Shares: 4}, rows[1])
	assert.Equal(t, PostDay{Day: day("2024-01-03"), Posts: 1, Comments: 1}, rows[2])
}

func TestFillPostDays(t *testing.T) {
	rows := FillPostDays([]InstagramPostDay{
		{Date: "2024-01-02", Posts: 2, Comments: 9, Shares: 1},
	}, day("2024-01-01"), day("2024-01-02"))

	require.Len(t, rows, 2)
	assert.Zero(t, rows[0].Posts)
	assert.Equal(t, float64(2), rows[1].Posts)
	assert.Equal(t, float64(9), rows[1].Comments)
}

func TestCombineTopPosts(t *testing.T) {
	fb := []TopPost{
		{ID: "f1", Reach: 50, ImageURL: "https://x/f1.jpg"},
		{ID: "f2", Reach: 300},
		{ID: "f3", Reach: 10},
	}
	ig := []TopPost{
		{ID: "i1", Reach: 300},
		{ID: "i2", Reach: 120},
		{ID: "i3", Reach: 5},
	}

	top := CombineTopPosts(fb, ig, 5)
	require.Len(t, top, 5)

	ids := make([]string, len(top))
	for i, p := range top {
		ids[i] = p.ID
	}
	assert.Equal(t, []string{"f2", "i1", "i2", "f1", "f3"}, ids)
	assert.Equal(t, Facebook, top[0].Platform)
	assert.Equal(t, Instagram, top[1].Platform)
	assert.Equal(t, ImageUnavailable, top[0].ImageURL)
	assert.Equal(t, "https://x/f1.jpg", top[3].ImageURL)
}

func TestCombineTopPosts_Empty(t *testing.T) {
	assert.Empty(t, CombineTopPosts(nil, nil, 5))
}

func TestTruncateWords(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"uno dos tres", "uno dos tres"},
		{"1 2 3 4 5 6 7 8 9 10", "1 2 3 4 5 6 7 8 9 10"},
		{"1 2 3 4 5 6 7 8 9 10 11", "1 2 3 4 5 6 7 8 9 10..."},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TruncateWords(tt.in, 10), "input %q", tt.in)
	}
}
