package sync

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/rs/zerolog"
)

// DefaultPageSize is the history page size.
const DefaultPageSize = 10

// CursorStore persists the sync cursor.
type CursorStore interface {
	LoadCursor(ctx context.Context) (*big.Int, error)
	SaveCursor(ctx context.Context, cursor *big.Int) (bool, error)
	ResetCursor(ctx context.Context) error
}

// SyncResult is the outcome of one history sync.
type SyncResult struct {
	Cursor *big.Int
	Added  []string
	// Reset is set when the stored cursor was invalid and has been returned to the baseline.
	Reset bool
	// Bootstrapped is set when a baseline cursor was replaced by the mailbox's current
	// high-water mark. Nothing is listed on that cycle.
	Bootstrapped bool
}

// HistoryEngine lists messages added since a cursor and computes the next cursor.
type HistoryEngine struct {
	cursors  CursorStore
	pageSize int64
	log      zerolog.Logger
}

func NewHistoryEngine(cursors CursorStore, pageSize int64, log zerolog.Logger) *HistoryEngine {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &HistoryEngine{cursors: cursors, pageSize: pageSize, log: log}
}

// Sync fetches every history page after cursor. The returned cursor is never below cursor.
// Added ids keep their listing order; repeats across records or pages are dropped.
func (e *HistoryEngine) Sync(ctx context.Context, p MailProvider, cursor *big.Int) (*SyncResult, error) {
	if cursor == nil || cursor.Sign() <= 0 {
		return e.bootstrap(ctx, p)
	}

	next := new(big.Int).Set(cursor)
	seen := make(map[string]struct{})
	added := []string{}
	pageToken := ""
	pages := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := p.ListHistory(ctx, cursor, e.pageSize, pageToken)
		if err != nil {
			if errors.Is(err, ErrCursorInvalid) {
				return e.reset(ctx, cursor, err)
			}
			return nil, fmt.Errorf("list history from %s: %w", cursor, err)
		}
		pages++

		advance(next, page.HistoryID)
		for _, rec := range page.Records {
			advance(next, rec.ID)
			for _, id := range rec.AddedMessageIDs {
				if _, dup := seen[id]; dup || id == "" {
					continue
				}
				seen[id] = struct{}{}
				added = append(added, id)
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	e.log.Debug().
		Str("from", cursor.String()).
		Str("to", next.String()).
		Int("pages", pages).
		Int("added", len(added)).
		Msg("history synced")

	return &SyncResult{Cursor: next, Added: added}, nil
}

func (e *HistoryEngine) bootstrap(ctx context.Context, p MailProvider) (*SyncResult, error) {
	id, err := p.CurrentHistoryID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read current history id: %w", err)
	}
	if id == nil || id.Sign() <= 0 {
		return &SyncResult{Cursor: new(big.Int), Added: []string{}, Bootstrapped: true}, nil
	}
	e.log.Info().Str("cursor", id.String()).Msg("baseline cursor established")
	return &SyncResult{Cursor: new(big.Int).Set(id), Added: []string{}, Bootstrapped: true}, nil
}

func (e *HistoryEngine) reset(ctx context.Context, cursor *big.Int, cause error) (*SyncResult, error) {
	e.log.Warn().Err(cause).Str("cursor", cursor.String()).Msg("history cursor expired, resetting to baseline")
	if err := e.cursors.ResetCursor(ctx); err != nil {
		return nil, fmt.Errorf("reset cursor: %w", err)
	}
	return &SyncResult{Cursor: new(big.Int), Added: []string{}, Reset: true}, nil
}

// advance raises next to candidate when candidate is strictly greater.
func advance(next, candidate *big.Int) {
	if candidate != nil && candidate.Cmp(next) > 0 {
		next.Set(candidate)
	}
}
