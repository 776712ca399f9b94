package changelog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/geodisk/geodisk"
)

// followerState names the states of Follow's state machine, kept only for log messages: Idle
// -> Reading -> EOF -> Sleeping(poll) -> Reading, with a transition to Stopped on a corrupted
// record.
type followerState int

const (
	followerIdle followerState = iota
	followerReading
	followerEOF
	followerSleeping
	followerStopped
)

func (st followerState) String() string {
	switch st {
	case followerReading:
		return "Reading"
	case followerEOF:
		return "EOF"
	case followerSleeping:
		return "Sleeping"
	case followerStopped:
		return "Stopped"
	default:
		return "Idle"
	}
}

// Follow replays records like ScanAllRecords, but at EOF it blocks, polling every poll
// interval for newly appended records, until the scanner signals stop (ProcessRecord returns
// ErrStopScan) or ctx is cancelled. A short read at the tail is never surfaced as an error —
// it just means nothing new has been appended yet. A corrupted record surfaces CorruptRecord
// and the follower transitions to Stopped.
func (s *Store) Follow(ctx context.Context, scanner Scanner, poll time.Duration) error {
	offset := int64(fileHeaderSize)
	state := followerIdle

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		state = followerReading
		end := s.EndOffset()
		next, err := s.scanRange(ctx, offset, end, scanner, false)
		if err != nil {
			if errors.Is(err, ErrStopScan) {
				slog.Debug("changelog follower stopped by scanner", "offset", next)
				return nil
			}
			state = followerStopped
			var de geodisk.Error
			if errors.As(err, &de) {
				slog.Error("changelog follower observed a bad record, stopping", "state", state.String(), "offset", next, "code", de.Code.String())
			}
			return err
		}
		offset = next

		state = followerEOF
		state = followerSleeping
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(poll):
		}
	}
}
