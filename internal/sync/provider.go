package sync

import (
	"context"
	"errors"
	"math/big"
)

// ProviderName identifies a mailbox provider in persisted sync status.
type ProviderName string

const ProviderGmail ProviderName = "gmail"

var (
	// ErrCursorInvalid means the history window has rolled past the start cursor.
	ErrCursorInvalid = errors.New("history cursor no longer valid")
	// ErrNotFound means a listed message was deleted or moved before it could be fetched.
	ErrNotFound = errors.New("message not found")
	// ErrBackendUnavailable means the classification backend cannot be reached; the cycle stops.
	ErrBackendUnavailable = errors.New("scan backend unavailable")
	// ErrTransient marks a mailbox call that timed out or never reached the server; the cycle stops.
	ErrTransient = errors.New("mailbox temporarily unreachable")
)

// excludedLabels are never scanned.
var excludedLabels = map[string]struct{}{
	"SENT":  {},
	"DRAFT": {},
	"SPAM":  {},
	"TRASH": {},
}

// ChangeRecord is one history entry carrying the ids of messages added at that point.
type ChangeRecord struct {
	ID              *big.Int
	AddedMessageIDs []string
}

// HistoryPage is one page of a history listing.
type HistoryPage struct {
	// HistoryID is the mailbox high-water mark reported with the page; nil when absent.
	HistoryID     *big.Int
	Records       []ChangeRecord
	NextPageToken string
}

// DecodedMessage is a message flattened for scanning.
type DecodedMessage struct {
	ID        string
	Sender    string
	Subject   string
	Date      string
	PlainText string
	HTMLText  string
	URLs      []string
	Labels    []string
	// Ignored is set for messages whose labels exclude them from scanning; bodies are not decoded.
	Ignored bool
}

// Excluded reports whether any label is SENT, DRAFT, SPAM or TRASH.
func Excluded(labels []string) bool {
	for _, l := range labels {
		if _, ok := excludedLabels[l]; ok {
			return true
		}
	}
	return false
}

// Verdict is the classification result for one message.
type Verdict struct {
	IsThreat    bool
	DetectionID string
	Preview     string
	Raw         any
}

// MailProvider is the mailbox API as seen by one sync cycle.
type MailProvider interface {
	// ListHistory returns messageAdded history after start. Returns ErrCursorInvalid when
	// start is outside the history window.
	ListHistory(ctx context.Context, start *big.Int, pageSize int64, pageToken string) (*HistoryPage, error)
	// CurrentHistoryID returns the mailbox's current high-water mark.
	CurrentHistoryID(ctx context.Context) (*big.Int, error)
	// FetchMessage fetches and decodes one message. Returns ErrNotFound for deleted messages.
	FetchMessage(ctx context.Context, id string) (*DecodedMessage, error)
}

// ProviderFactory builds a MailProvider bound to an access token.
type ProviderFactory func(ctx context.Context, accessToken string) (MailProvider, error)

// Dispatcher submits a decoded message for classification.
type Dispatcher interface {
	Submit(ctx context.Context, msg *DecodedMessage) (*Verdict, error)
}
