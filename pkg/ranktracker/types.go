package ranktracker

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/rotisserie/eris"
)

// Project is a provider "site".
type Project struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Title        string `json:"title"`
	KeywordCount int    `json:"keyword_count"`
}

// DisplayName returns Name, falling back to Title (usually the domain).
func (p Project) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Title
}

// SearchEngine is one search engine attached to a project.
type SearchEngine struct {
	SiteEngineID   int64  `json:"site_engine_id"`
	SearchEngineID int64  `json:"search_engine_id"`
	Name           string `json:"name"`
	URL            string `json:"url"`
}

// Keyword is a tracked keyword. It fans out to every engine in SiteEngineIDs.
type Keyword struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	SiteEngineIDs []int64 `json:"site_engine_ids"`
}

// ProjectStats holds the aggregate ranking summary for a project.
type ProjectStats struct {
	TodayAvg          float64 `json:"today_avg"`
	YesterdayAvg      float64 `json:"yesterday_avg"`
	TotalUp           int     `json:"total_up"`
	TotalDown         int     `json:"total_down"`
	Top5              int     `json:"top5"`
	Top10             int     `json:"top10"`
	Top30             int     `json:"top30"`
	Visibility        float64 `json:"visibility"`
	VisibilityPercent float64 `json:"visibility_percent"`
}

// PositionsQuery bounds a keyword position history request.
type PositionsQuery struct {
	DateFrom       string // YYYY-MM-DD
	DateTo         string // YYYY-MM-DD
	SearchEngineID int64  // site_engine_id; zero means all engines
}

// PositionGroup holds the position history of every keyword for one engine.
type PositionGroup struct {
	SiteEngineID int64              `json:"site_engine_id"`
	Keywords     []KeywordPositions `json:"keywords"`
}

// KeywordPositions is one keyword's history plus its market metrics.
type KeywordPositions struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Positions    []Position      `json:"positions"`
	Volume       *int64          `json:"volume"`
	Competition  *float64        `json:"competition"`
	SuggestedBid *float64        `json:"suggested_bid"`
	CPC          *float64        `json:"cpc"`
	Results      *int64          `json:"results"`
	KEI          *float64        `json:"kei"`
	TotalSum     *int64          `json:"total_sum"`
	LandingPages json.RawMessage `json:"landing_pages"`
	Features     json.RawMessage `json:"features"`
}

// Position is a single ranking observation.
type Position struct {
	Date         string `json:"date"`
	Pos          *int   `json:"pos"`
	Change       *int   `json:"change"`
	URL          string `json:"url"`
	IsMap        Flag   `json:"is_map"`
	MapPosition  *int   `json:"map_position"`
	PaidPosition *int   `json:"paid_position"`
}

// Flag decodes a boolean the provider may send as true/false, 0/1 or "0"/"1".
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	switch string(data) {
	case "", "null":
		*f = false
		return nil
	case "true":
		*f = true
		return nil
	case "false":
		*f = false
		return nil
	}
	n, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return eris.Errorf("ranktracker: invalid flag %q", string(data))
	}
	*f = n != 0
	return nil
}
