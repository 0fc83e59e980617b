package metrics

import (
	"github.com/yourusername/social-report-exporter/pkg/model"
)

// Platform names a social network
type Platform string

const (
	Facebook  Platform = "Facebook"
	Instagram Platform = "Instagram"
)

// Total labels read by the report
const (
	TotalFollowersGained = "Total de Seguidores Ganado"
)

// DailyValue is one day of a time series
type DailyValue struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// EngagedPost is a Facebook post with its engagement counters
type EngagedPost struct {
	ID          string  `json:"id"`
	CreatedTime string  `json:"created_time"`
	Shares      float64 `json:"shares"`
	Comments    float64 `json:"comments"`
}

// InstagramPostDay is one row of the Instagram per-day publication counters
type InstagramPostDay struct {
	Date     string  `json:"date"`
	Posts    float64 `json:"posts"`
	Comments float64 `json:"comments"`
	Shares   float64 `json:"shares"`
}

// FacebookGrowth holds the Facebook daily series
type FacebookGrowth struct {
	LikesPerDay        []DailyValue `json:"Me gusta por Día"`
	FollowersPerDay    []DailyValue `json:"Seguidores por Día"`
	ImpressionsPerDay  []DailyValue `json:"Impresiones por Día"`
	PageVisitsPerDay   []DailyValue `json:"Visitas a la Página por Día"`
	ReachPerDay        []DailyValue `json:"Alcance por Día"`
	VideoViewsPerDay   []DailyValue `json:"Reproducciones por Día"`
	VideoViews30sByDay []DailyValue `json:"Reproducciones 30s por Día"`
}

// FacebookActivity holds the Facebook post activity
type FacebookActivity struct {
	EngagedPosts []EngagedPost `json:"Publicaciones con Engagement"`
}

// FacebookMetrics is the response of the Facebook metrics endpoint
type FacebookMetrics struct {
	Growth   FacebookGrowth     `json:"Crecimiento"`
	Activity FacebookActivity   `json:"Actividad"`
	Totals   model.MetricTotals `json:"Totales"`
}

// InstagramGrowth holds the Instagram daily series
type InstagramGrowth struct {
	ImpressionsPerDay []DailyValue       `json:"Impresiones por Día"`
	ReachPerDay       []DailyValue       `json:"Alcance por Día"`
	PostsPerDay       []InstagramPostDay `json:"Publicaciones por Día"`
}

// InstagramMetrics is the response of the Instagram metrics endpoint
type InstagramMetrics struct {
	Growth InstagramGrowth    `json:"Crecimiento"`
	Totals model.MetricTotals `json:"Totales"`
}

// FollowerMetrics is the response of the Instagram followers-by-day endpoint
type FollowerMetrics struct {
	Growth struct {
		FollowersPerDay []DailyValue `json:"Seguidores por Día"`
	} `json:"Crecimiento"`
	Totals model.MetricTotals `json:"Totales"`
}

// TopPost is one post of the top-reach ranking
type TopPost struct {
	ID        string   `json:"id"`
	Caption   string   `json:"caption"`
	Timestamp string   `json:"timestamp"`
	Reach     float64  `json:"reach"`
	MediaType string   `json:"media_type"`
	ImageURL  string   `json:"image_url"`
	Platform  Platform `json:"platform"`
}

type topPostsResponse struct {
	TopPosts []TopPost `json:"top_posts"`
}

// Query addresses one metrics request. Nil bounds are omitted from the request.
type Query struct {
	AccountID  string
	Start      *string
	End        *string
	Credential string
}

// QueryFor builds a query from the selection's own bounds
func QueryFor(sel model.Selection) Query {
	return Query{
		AccountID:  sel.AccountID(),
		Start:      sel.Range.StartString(),
		End:        sel.Range.EndString(),
		Credential: sel.Credential,
	}
}

// cacheKey identifies the query's data as seen by its credential
func (q Query) cacheKey(kind string) string {
	start, end := "-", "-"
	if q.Start != nil {
		start = *q.Start
	}
	if q.End != nil {
		end = *q.End
	}
	return "metrics:" + kind + ":" + model.CredentialFingerprint(q.Credential) + ":" + q.AccountID + ":" + start + ":" + end
}
