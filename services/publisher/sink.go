package publisher

import (
	"context"
	"encoding/json"
	"time"

	"sjsage522/shopwatch/internal/bridge"
	"sjsage522/shopwatch/internal/catalog"
	"sjsage522/shopwatch/internal/perspective"
	"sjsage522/shopwatch/logger"
)

// Event field keys on the stream
const (
	KeyRunStarted  = "run_started"
	KeyNewListings = "new_listings"
	KeyClassified  = "classified"
	KeyRunFinished = "run_finished"
)

// RunInfo identifies a run in events
type RunInfo struct {
	RunID   string    `json:"run_id"`
	Kind    string    `json:"kind"`
	Trigger string    `json:"trigger"`
	At      time.Time `json:"at"`
}

// RunStats is the coarse per-run summary
type RunStats struct {
	ShopsTotal     int  `json:"shops_total"`
	ShopsSucceeded int  `json:"shops_succeeded"`
	ShopsFailed    int  `json:"shops_failed"`
	ProductsFound  int  `json:"products_found"`
	NewListings    int  `json:"new_listings"`
	Top            int  `json:"top"`
	Archived       int  `json:"archived"`
	Stopped        bool `json:"stopped"`
}

// Sink receives run events. Delivery failures are reported in the Result and
// never affect the run.
type Sink interface {
	RunStarted(ctx context.Context, run RunInfo) bridge.Result
	NewListings(ctx context.Context, run RunInfo, listings []catalog.Listing) bridge.Result
	Classified(ctx context.Context, run RunInfo, results []perspective.Classification) bridge.Result
	RunFinished(ctx context.Context, run RunInfo, stats RunStats) bridge.Result
}

type envelope struct {
	RunInfo
	Listings        []catalog.Listing            `json:"listings,omitempty"`
	Classifications []perspective.Classification `json:"classifications,omitempty"`
	Stats           *RunStats                    `json:"stats,omitempty"`
}

// StreamSink marshals events to JSON and publishes them from the bridge loop
type StreamSink struct {
	loop      *bridge.Loop
	publisher Publisher
	log       *logger.Logger
}

var _ Sink = (*StreamSink)(nil)

// NewStreamSink creates a sink that publishes through loop
func NewStreamSink(loop *bridge.Loop, pub Publisher) *StreamSink {
	return &StreamSink{loop: loop, publisher: pub, log: logger.ForPublisher()}
}

func (s *StreamSink) RunStarted(ctx context.Context, run RunInfo) bridge.Result {
	return s.send(ctx, KeyRunStarted, envelope{RunInfo: run})
}

func (s *StreamSink) NewListings(ctx context.Context, run RunInfo, listings []catalog.Listing) bridge.Result {
	if len(listings) == 0 {
		return bridge.Success(0)
	}
	return s.send(ctx, KeyNewListings, envelope{RunInfo: run, Listings: listings})
}

func (s *StreamSink) Classified(ctx context.Context, run RunInfo, results []perspective.Classification) bridge.Result {
	if len(results) == 0 {
		return bridge.Success(0)
	}
	return s.send(ctx, KeyClassified, envelope{RunInfo: run, Classifications: results})
}

func (s *StreamSink) RunFinished(ctx context.Context, run RunInfo, stats RunStats) bridge.Result {
	res := s.send(ctx, KeyRunFinished, envelope{RunInfo: run, Stats: &stats})
	if !res.OK {
		return res
	}
	trim := s.loop.Do(ctx, func(ctx context.Context) bridge.Result {
		if err := s.publisher.TrimStreams(ctx); err != nil {
			return bridge.Failure(err)
		}
		return bridge.Success(nil)
	})
	if !trim.OK {
		s.log.Warn().Err(trim.Err).Msg("Failed to trim streams")
	}
	return res
}

func (s *StreamSink) send(ctx context.Context, key string, ev envelope) bridge.Result {
	data, err := json.Marshal(ev)
	if err != nil {
		return bridge.Failure(err)
	}
	res := s.loop.Do(ctx, func(ctx context.Context) bridge.Result {
		if err := s.publisher.Publish(ctx, key, data); err != nil {
			return bridge.Failure(err)
		}
		return bridge.Success(len(data))
	})
	if !res.OK {
		s.log.Warn().Err(res.Err).Str("event", key).Str("run_id", ev.RunID).Msg("Event not delivered")
	}
	return res
}

// NopSink drops every event
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) RunStarted(context.Context, RunInfo) bridge.Result { return bridge.Success(nil) }

func (NopSink) NewListings(context.Context, RunInfo, []catalog.Listing) bridge.Result {
	return bridge.Success(nil)
}

func (NopSink) Classified(context.Context, RunInfo, []perspective.Classification) bridge.Result {
	return bridge.Success(nil)
}

func (NopSink) RunFinished(context.Context, RunInfo, RunStats) bridge.Result {
	return bridge.Success(nil)
}
