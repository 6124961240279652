// Package publish pushes the client's derived state into Redis for the
// page-rendering layer, which reads it instead of holding a socket of
// its own.
package publish

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oddsview-terminal/oddsview/internal/feed"
)

// RedisClient abstracts the Redis operations used by the Publisher.
// In production this is satisfied by a thin wrapper over
// *redis.Client; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// Snapshotter is the feed client's produced interface.
type Snapshotter interface {
	Snapshot() feed.Snapshot
}

// oddsRow holds the last-written values for one instrument so duplicate
// writes can be suppressed.
type oddsRow struct {
	Bid string
	Ask string
}

// Publisher polls the feed snapshot at a fixed interval and persists
// per-instrument odds under the schema:
//
//	Key:    odds:{asset_id}
//	Fields: outcome, bid, ask, mid, prob_pct, american, european, ts
//
// plus a feed:status hash carrying connection status and last error.
type Publisher struct {
	client   RedisClient
	source   Snapshotter
	interval time.Duration
	log      *logrus.Entry

	last       map[string]oddsRow
	lastStatus string
	lastError  string
}

// New creates a Publisher polling at the given interval.
func New(client RedisClient, source Snapshotter, interval time.Duration, logger *logrus.Entry) *Publisher {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if interval == 0 {
		interval = time.Second
	}
	return &Publisher{
		client:   client,
		source:   source,
		interval: interval,
		log:      logger.WithField("component", "publish"),
		last:     make(map[string]oddsRow),
	}
}

// Run polls and flushes until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flush(ctx)
		}
	}
}

// flush writes status and any instrument whose best prices changed
// since the previous poll.
func (p *Publisher) flush(ctx context.Context) {
	snap := p.source.Snapshot()

	status := string(snap.ConnectionStatus)
	if status != p.lastStatus || snap.LastError != p.lastError {
		err := p.client.HSet(ctx, "feed:status",
			"status", status,
			"last_error", snap.LastError,
			"ts", strconv.FormatInt(time.Now().UnixMilli(), 10),
		)
		if err != nil {
			p.log.WithError(err).Warn("status write failed")
			return
		}
		p.lastStatus = status
		p.lastError = snap.LastError
	}

	for assetID, d := range snap.LiveOdds {
		bid := strconv.FormatFloat(d.BestBid, 'f', -1, 64)
		ask := strconv.FormatFloat(d.BestAsk, 'f', -1, 64)

		if prev, ok := p.last[assetID]; ok && prev.Bid == bid && prev.Ask == ask {
			continue
		}

		err := p.client.HSet(ctx, "odds:"+assetID,
			"outcome", d.Outcome,
			"bid", bid,
			"ask", ask,
			"mid", strconv.FormatFloat(d.MidPrice, 'f', -1, 64),
			"prob_pct", strconv.FormatFloat(d.ProbabilityPct, 'f', -1, 64),
			"american", strconv.Itoa(d.AmericanOdds),
			"european", strconv.FormatFloat(d.EuropeanOdds, 'f', 2, 64),
			"ts", strconv.FormatInt(d.UpdatedAt.UnixMilli(), 10),
		)
		if err != nil {
			p.log.WithError(err).WithField("asset_id", assetID).Warn("odds write failed")
			continue
		}
		p.last[assetID] = oddsRow{Bid: bid, Ask: ask}
	}
}
