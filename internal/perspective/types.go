// Package perspective watches newly discovered listings until maturity and
// classifies them as Top or Archived by growth rate.
package perspective

import (
	"time"
)

// Metrics is one analytics reading of a listing
type Metrics struct {
	Price              string  `json:"price"`
	EstTotalSales      float64 `json:"est_total_sales"`
	EstMonthlySales    float64 `json:"est_mo_sales"`
	AgeInMonths        float64 `json:"listing_age_in_months"`
	EstReviews         float64 `json:"est_reviews"`
	EstReviewsInMonths float64 `json:"est_reviews_in_months"`
	ConversionRate     float64 `json:"conversion_rate"`
	Views              float64 `json:"views"`
	Favorers           float64 `json:"num_favorers"`
	URL                string  `json:"url"`
}

// SameTracked reports whether two readings agree on every tracked counter
func (m Metrics) SameTracked(o Metrics) bool {
	return m.EstTotalSales == o.EstTotalSales &&
		m.EstMonthlySales == o.EstMonthlySales &&
		m.EstReviews == o.EstReviews &&
		m.EstReviewsInMonths == o.EstReviewsInMonths &&
		m.Views == o.Views &&
		m.Favorers == o.Favorers &&
		m.ConversionRate == o.ConversionRate
}

// Snapshot is a timestamped reading
type Snapshot struct {
	At      time.Time `json:"at"`
	Metrics Metrics   `json:"metrics"`
}

// Entry is the reading history of one tracked listing, oldest first
type Entry struct {
	ListingID string
	URL       string
	Snapshots []Snapshot
}

// First returns the earliest reading
func (e Entry) First() Snapshot {
	return e.Snapshots[0]
}

// Last returns the latest reading
func (e Entry) Last() Snapshot {
	return e.Snapshots[len(e.Snapshots)-1]
}

// Outcome is the terminal state of a matured listing
type Outcome string

const (
	OutcomeTop      Outcome = "top"
	OutcomeArchived Outcome = "archived"
)

// ReasonBelowThreshold marks a listing archived for insufficient growth
const ReasonBelowThreshold = "below_threshold"

// Classification is the write-once summary of a matured listing
type Classification struct {
	ListingID    string    `json:"listing_id"`
	URL          string    `json:"url"`
	Outcome      Outcome   `json:"outcome"`
	DiscoveredAt time.Time `json:"discovered_at"`
	MaturedAt    time.Time `json:"matured_at"`
	ViewsStart   float64   `json:"views_start"`
	ViewsEnd     float64   `json:"views_end"`
	LikesStart   float64   `json:"likes_start"`
	LikesEnd     float64   `json:"likes_end"`
	ViewsPerDay  float64   `json:"avg_views_per_day"`
	LikesPerDay  float64   `json:"avg_likes_per_day"`
	DaysObserved int       `json:"days_observed"`
	Reason       string    `json:"reason,omitempty"`
	Latest       Metrics   `json:"latest"`
}

// FieldChange is the movement of one counter between two readings
type FieldChange struct {
	Field string  `json:"field"`
	Old   float64 `json:"old"`
	New   float64 `json:"new"`
	Diff  float64 `json:"diff"`
}

// Change lists the counters of a tracked listing that moved since its first reading
type Change struct {
	ListingID string        `json:"listing_id"`
	URL       string        `json:"url"`
	From      time.Time     `json:"from"`
	To        time.Time     `json:"to"`
	Fields    []FieldChange `json:"changes"`
}
