package scan

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/swiftshield-sync/internal/backend"
	"github.com/Martian-dev/swiftshield-sync/internal/events"
	"github.com/Martian-dev/swiftshield-sync/internal/sync"
)

const (
	previewRunes    = 100
	previewEllipsis = "..."

	unknownDetection = "unknown"
	unknownSender    = "Unknown Sender"
	noSubject        = "No Subject"
)

// Scanner is the classification backend.
type Scanner interface {
	ScanEmail(ctx context.Context, req backend.ScanRequest) (*backend.ScanResponse, error)
}

// Dispatcher submits decoded messages and raises onNewThreatDetected for positive verdicts.
type Dispatcher struct {
	scanner Scanner
	events  events.Emitter
	log     zerolog.Logger
}

func NewDispatcher(scanner Scanner, emitter events.Emitter, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{scanner: scanner, events: emitter, log: log}
}

// Submit scans one message. A nil verdict with a nil error means the backend answered with
// an error field. Unreachable backends are reported as sync.ErrBackendUnavailable.
func (d *Dispatcher) Submit(ctx context.Context, msg *sync.DecodedMessage) (*sync.Verdict, error) {
	resp, err := d.scanner.ScanEmail(ctx, buildRequest(msg))
	if err != nil {
		var transportErr *backend.TransportError
		if errors.As(err, &transportErr) {
			return nil, fmt.Errorf("%w: %w", sync.ErrBackendUnavailable, err)
		}
		var statusErr *backend.StatusError
		if errors.As(err, &statusErr) {
			d.log.Warn().
				Str("message_id", msg.ID).
				Int("status", statusErr.StatusCode).
				Str("body", statusErr.Body).
				Msg("scan rejected")
		}
		return nil, err
	}

	if resp.HasError() {
		d.log.Warn().Str("message_id", msg.ID).RawJSON("error", resp.Error).Msg("scan returned error")
		return nil, nil
	}
	if resp.LogDetails == nil {
		d.log.Debug().Str("message_id", msg.ID).Msg("scan returned no log details")
		return &sync.Verdict{Raw: resp}, nil
	}

	verdict := toVerdict(resp.LogDetails)
	verdict.Raw = resp
	if !verdict.IsThreat {
		d.log.Debug().Str("message_id", msg.ID).Str("detection_id", verdict.DetectionID).Msg("message clean")
		return verdict, nil
	}

	d.log.Info().
		Str("message_id", msg.ID).
		Str("detection_id", verdict.DetectionID).
		Str("severity", resp.LogDetails.Severity).
		Msg("threat detected")
	d.events.Emit(events.NewThreatDetected, ThreatEvent(resp.LogDetails, msg.ID))
	return verdict, nil
}

func buildRequest(msg *sync.DecodedMessage) backend.ScanRequest {
	urls := msg.URLs
	if urls == nil {
		urls = []string{}
	}
	return backend.ScanRequest{
		MessageID:    msg.ID,
		Source:       msg.Sender,
		Subject:      msg.Subject,
		Date:         msg.Date,
		BodyPlain:    msg.PlainText,
		BodyHTML:     msg.HTMLText,
		DetectedURLs: urls,
	}
}

func toVerdict(ld *backend.LogDetails) *sync.Verdict {
	return &sync.Verdict{
		IsThreat:    ld.IsPhishing || ld.Severity == "high",
		DetectionID: orDefault(ld.ID, unknownDetection),
		Preview:     Preview(ld),
	}
}

// ThreatEvent builds the onNewThreatDetected payload.
func ThreatEvent(ld *backend.LogDetails, messageID string) events.ThreatDetected {
	return events.ThreatDetected{
		Type:        "email",
		DetectionID: orDefault(ld.ID, unknownDetection),
		Sender:      orDefault(ld.Source, unknownSender),
		Subject:     orDefault(ld.Subject, noSubject),
		Preview:     Preview(ld),
		MessageID:   messageID,
	}
}

// Preview is the first non-empty of preview, plain body, HTML body, cut to 100 runes,
// always followed by an ellipsis.
func Preview(ld *backend.LogDetails) string {
	text := ""
	for _, s := range []string{ld.Preview, ld.BodyPlain, ld.BodyHTML} {
		if s != "" {
			text = s
			break
		}
	}
	runes := []rune(text)
	if len(runes) > previewRunes {
		runes = runes[:previewRunes]
	}
	return string(runes) + previewEllipsis
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
