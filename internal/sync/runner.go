package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/swiftshield-sync/internal/auth"
)

// Cycle status values recorded after each run.
const (
	StatusOK       = "ok"
	StatusUnlinked = "unlinked"
	StatusError    = "error"
	StatusCanceled = "canceled"
)

// Credentials yields a usable access token and invalidates the link on auth failure.
type Credentials interface {
	EnsureUsable(ctx context.Context) (auth.Credential, error)
	Invalidate(ctx context.Context, message string)
}

// StatusRecorder keeps the outcome of the last cycle.
type StatusRecorder interface {
	SaveSyncStatus(ctx context.Context, provider, cursor, status, errorMsg string) error
}

// CycleReport summarizes one cycle.
type CycleReport struct {
	StartedAt    time.Time `json:"started_at"`
	Duration     string    `json:"duration"`
	Cursor       string    `json:"cursor"`
	Added        int       `json:"added"`
	Ignored      int       `json:"ignored"`
	Skipped      int       `json:"skipped"`
	Dispatched   int       `json:"dispatched"`
	Threats      int       `json:"threats"`
	Persisted    bool      `json:"persisted"`
	Reset        bool      `json:"reset"`
	Bootstrapped bool      `json:"bootstrapped"`
}

// Runner executes one sync cycle: credential, history, fetch and decode, scan, cursor.
type Runner struct {
	Credentials Credentials
	Cursors     CursorStore
	History     *HistoryEngine
	Providers   ProviderFactory
	Dispatcher  Dispatcher
	Status      StatusRecorder // optional
	Log         zerolog.Logger
}

const revokedMessage = "Gmail access was revoked or expired. Please re-link Gmail."

// RunCycle runs one cycle. The cursor is persisted only when every listed message has been
// handled; any early exit leaves it where it was so the next cycle retries the range.
func (r *Runner) RunCycle(ctx context.Context) (*CycleReport, error) {
	report := &CycleReport{StartedAt: time.Now().UTC()}
	defer func() { report.Duration = time.Since(report.StartedAt).String() }()

	err := r.run(ctx, report)
	r.recordStatus(report, err)
	return report, err
}

func (r *Runner) run(ctx context.Context, report *CycleReport) error {
	cred, err := r.Credentials.EnsureUsable(ctx)
	if err != nil {
		return err
	}

	provider, err := r.Providers(ctx, cred.AccessToken)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	cursor, err := r.Cursors.LoadCursor(ctx)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	report.Cursor = cursor.String()

	res, err := r.History.Sync(ctx, provider, cursor)
	if err != nil {
		return r.handleAuth(ctx, err)
	}
	report.Added = len(res.Added)
	report.Reset = res.Reset
	report.Bootstrapped = res.Bootstrapped

	if res.Reset {
		report.Cursor = res.Cursor.String()
		return nil
	}

	for _, id := range res.Added {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := provider.FetchMessage(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				r.Log.Debug().Str("message_id", id).Msg("message gone before fetch, skipping")
				report.Skipped++
				continue
			}
			if auth.IsAuthError(err) {
				return r.handleAuth(ctx, err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, ErrTransient) {
				return err
			}
			r.Log.Error().Err(err).Str("message_id", id).Msg("fetch message, skipping")
			report.Skipped++
			continue
		}
		if msg.Ignored {
			r.Log.Debug().Str("message_id", id).Strs("labels", msg.Labels).Msg("message excluded by label")
			report.Ignored++
			continue
		}

		verdict, err := r.Dispatcher.Submit(ctx, msg)
		if err != nil {
			if errors.Is(err, ErrBackendUnavailable) || ctx.Err() != nil {
				return err
			}
			r.Log.Error().Err(err).Str("message_id", id).Msg("scan message")
			report.Dispatched++
			continue
		}
		report.Dispatched++
		if verdict != nil && verdict.IsThreat {
			report.Threats++
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	persisted, err := r.Cursors.SaveCursor(ctx, res.Cursor)
	if err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	report.Persisted = persisted
	report.Cursor = res.Cursor.String()

	r.Log.Info().
		Str("cursor", report.Cursor).
		Int("added", report.Added).
		Int("dispatched", report.Dispatched).
		Int("threats", report.Threats).
		Bool("persisted", persisted).
		Msg("sync cycle complete")
	return nil
}

// handleAuth invalidates the link when a mailbox call answered 401/403.
func (r *Runner) handleAuth(ctx context.Context, err error) error {
	if auth.ReasonOf(err) == auth.Unauthorized {
		r.Credentials.Invalidate(ctx, revokedMessage)
	}
	return err
}

func (r *Runner) recordStatus(report *CycleReport, err error) {
	status, msg := StatusOK, ""
	switch {
	case err == nil:
	case auth.ReasonOf(err) == auth.NoCredential:
		status = StatusUnlinked
		r.Log.Info().Msg("no linked Gmail account, skipping cycle")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, msg = StatusCanceled, err.Error()
		r.Log.Info().Msg("sync cycle canceled")
	default:
		status, msg = StatusError, err.Error()
		r.Log.Error().Err(err).Msg("sync cycle failed")
	}

	if r.Status == nil {
		return
	}
	// the cycle context may already be canceled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Status.SaveSyncStatus(ctx, string(ProviderGmail), report.Cursor, status, msg); err != nil {
		r.Log.Error().Err(err).Msg("save sync status")
	}
}
