package perspective

import (
	"math"
	"time"
)

// Thresholds are the maturity window and growth-rate floors
type Thresholds struct {
	MaturityDays   int
	MinViewsPerDay float64
	MinLikesPerDay float64
	Tolerance      float64
}

// DefaultThresholds returns the production classification constants
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaturityDays:   60,
		MinViewsPerDay: 25,
		MinLikesPerDay: 1,
		Tolerance:      0.8,
	}
}

// Matured reports whether the entry's first reading is at least MaturityDays old
func (t Thresholds) Matured(e Entry, now time.Time) bool {
	if len(e.Snapshots) == 0 {
		return false
	}
	window := time.Duration(t.MaturityDays) * 24 * time.Hour
	return now.Sub(e.First().At) >= window
}

// Classify decides the outcome of a matured entry; ok is false while the entry is immature
func (t Thresholds) Classify(e Entry, now time.Time) (c Classification, ok bool) {
	if !t.Matured(e, now) {
		return Classification{}, false
	}

	first, last := e.First(), e.Last()
	days := int(last.At.Sub(first.At).Hours() / 24)
	if days < 1 {
		days = 1
	}

	viewsPerDay := (last.Metrics.Views - first.Metrics.Views) / float64(days)
	likesPerDay := (last.Metrics.Favorers - first.Metrics.Favorers) / float64(days)

	url := last.Metrics.URL
	if url == "" {
		url = e.URL
	}

	c = Classification{
		ListingID:    e.ListingID,
		URL:          url,
		DiscoveredAt: first.At,
		MaturedAt:    now,
		ViewsStart:   first.Metrics.Views,
		ViewsEnd:     last.Metrics.Views,
		LikesStart:   first.Metrics.Favorers,
		LikesEnd:     last.Metrics.Favorers,
		ViewsPerDay:  round2(viewsPerDay),
		LikesPerDay:  round2(likesPerDay),
		DaysObserved: days,
		Latest:       last.Metrics,
	}

	if viewsPerDay >= t.MinViewsPerDay*t.Tolerance && likesPerDay >= t.MinLikesPerDay*t.Tolerance {
		c.Outcome = OutcomeTop
	} else {
		c.Outcome = OutcomeArchived
		c.Reason = ReasonBelowThreshold
	}
	return c, true
}

// Changes returns the counters that moved between the entry's first and latest reading
func Changes(e Entry) (Change, bool) {
	if len(e.Snapshots) < 2 {
		return Change{}, false
	}
	first, last := e.First(), e.Last()

	fields := []struct {
		name          string
		before, after float64
	}{
		{"est_total_sales", first.Metrics.EstTotalSales, last.Metrics.EstTotalSales},
		{"est_mo_sales", first.Metrics.EstMonthlySales, last.Metrics.EstMonthlySales},
		{"listing_age_in_months", first.Metrics.AgeInMonths, last.Metrics.AgeInMonths},
		{"est_reviews", first.Metrics.EstReviews, last.Metrics.EstReviews},
		{"est_reviews_in_months", first.Metrics.EstReviewsInMonths, last.Metrics.EstReviewsInMonths},
		{"views", first.Metrics.Views, last.Metrics.Views},
		{"num_favorers", first.Metrics.Favorers, last.Metrics.Favorers},
		{"conversion_rate", first.Metrics.ConversionRate, last.Metrics.ConversionRate},
	}

	ch := Change{ListingID: e.ListingID, URL: last.Metrics.URL, From: first.At, To: last.At}
	if ch.URL == "" {
		ch.URL = e.URL
	}
	for _, f := range fields {
		if f.after == f.before {
			continue
		}
		ch.Fields = append(ch.Fields, FieldChange{Field: f.name, Old: f.before, New: f.after, Diff: round2(f.after - f.before)})
	}
	return ch, len(ch.Fields) > 0
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
