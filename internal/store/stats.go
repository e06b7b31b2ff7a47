package store

import (
	"context"
	"fmt"

	"github.com/gyaneshwarpardhi/partnerbridge/internal/event"
)

// Bucket is the number of events sharing one (direction, stage, failed) state.
type Bucket struct {
	Direction event.Direction `json:"direction"`
	Stage     event.Stage     `json:"stage"`
	Failed    bool            `json:"failed"`
	Count     int             `json:"count"`
}

// Stats aggregates event counts for observability.
type Stats struct {
	Buckets []Bucket       `json:"buckets"`
	Totals  map[string]int `json:"totals"`

	OutboundPending  int `json:"outbound_pending"`
	OutboundComplete int `json:"outbound_complete"`
	OutboundFailed   int `json:"outbound_failed"`
	InboundTotal     int `json:"inbound_total"`
	InboundComplete  int `json:"inbound_complete"`
}

// Stats counts events per direction and state.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT direction, stage, failed, COUNT(*)
FROM common_event
GROUP BY direction, stage, failed
ORDER BY direction, stage, failed
`)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	st := Stats{Totals: map[string]int{}}
	for rows.Next() {
		var (
			b          Bucket
			dir, stage string
		)
		if err := rows.Scan(&dir, &stage, &b.Failed, &b.Count); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		b.Direction = event.Direction(dir)
		b.Stage = event.Stage(stage)
		st.Buckets = append(st.Buckets, b)
		st.Totals[b.Direction.String()] += b.Count

		switch {
		case b.Direction == event.Outbound && b.Failed:
			st.OutboundFailed += b.Count
		case b.Direction == event.Outbound && b.Stage == event.StageReceived:
			st.OutboundPending += b.Count
		case b.Direction == event.Outbound && b.Stage == event.StageCommitted:
			st.OutboundComplete += b.Count
		case b.Direction == event.Inbound && !b.Failed && event.Rank(event.Inbound, b.Stage) >= event.Rank(event.Inbound, event.StageConverted):
			st.InboundComplete += b.Count
		}
		if b.Direction == event.Inbound {
			st.InboundTotal += b.Count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate stats: %w", err)
	}
	return st, nil
}
