package gmail

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/swiftshield-sync/internal/auth"
	"github.com/Martian-dev/swiftshield-sync/internal/sync"
)

const (
	user = "me"

	// requestTimeout bounds a single Gmail API call.
	requestTimeout = 30 * time.Second
)

// Adapter implements sync.MailProvider for Gmail.
type Adapter struct {
	svc *gmail.Service
}

// New creates a Gmail adapter authorized by a bearer access token. Refresh is handled
// by the caller, so the token source never refreshes on its own.
func New(ctx context.Context, accessToken string, opts ...option.ClientOption) (*Adapter, error) {
	base := &http.Client{Timeout: requestTimeout}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	httpClient := oauth2.NewClient(ctx, ts)

	opts = append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc}, nil
}

// Factory adapts New to sync.ProviderFactory.
func Factory(opts ...option.ClientOption) sync.ProviderFactory {
	return func(ctx context.Context, accessToken string) (sync.MailProvider, error) {
		return New(ctx, accessToken, opts...)
	}
}

// ListHistory returns one page of messageAdded history after start.
func (a *Adapter) ListHistory(ctx context.Context, start *big.Int, pageSize int64, pageToken string) (*sync.HistoryPage, error) {
	if start == nil || start.Sign() <= 0 || !start.IsUint64() {
		return nil, fmt.Errorf("start history id %v: %w", start, sync.ErrCursorInvalid)
	}

	call := a.svc.Users.History.List(user).
		StartHistoryId(start.Uint64()).
		HistoryTypes("messageAdded").
		MaxResults(pageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		return nil, classifyHistoryError(err)
	}

	page := &sync.HistoryPage{NextPageToken: resp.NextPageToken}
	if resp.HistoryId != 0 {
		page.HistoryID = new(big.Int).SetUint64(resp.HistoryId)
	}
	for _, h := range resp.History {
		rec := sync.ChangeRecord{ID: new(big.Int).SetUint64(h.Id)}
		for _, added := range h.MessagesAdded {
			if added.Message != nil && added.Message.Id != "" {
				rec.AddedMessageIDs = append(rec.AddedMessageIDs, added.Message.Id)
			}
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// CurrentHistoryID reads the mailbox high-water mark from the profile.
func (a *Adapter) CurrentHistoryID(ctx context.Context) (*big.Int, error) {
	profile, err := a.svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return nil, classifyError(err, "get profile")
	}
	return new(big.Int).SetUint64(profile.HistoryId), nil
}

// FetchMessage fetches the full message and decodes it. Messages carrying an excluded
// label come back with Ignored set and no decoded body.
func (a *Adapter) FetchMessage(ctx context.Context, id string) (*sync.DecodedMessage, error) {
	msg, err := a.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("get message %s: %w", id, sync.ErrNotFound)
		}
		return nil, classifyError(err, "get message "+id)
	}
	return Decode(msg), nil
}

func classifyHistoryError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusNotFound {
			return fmt.Errorf("list history: %w: %v", sync.ErrCursorInvalid, err)
		}
		if apiErr.Code == http.StatusBadRequest && mentionsStartHistoryID(apiErr) {
			return fmt.Errorf("list history: %w: %v", sync.ErrCursorInvalid, err)
		}
	}
	return classifyError(err, "list history")
}

func mentionsStartHistoryID(apiErr *googleapi.Error) bool {
	if strings.Contains(strings.ToLower(apiErr.Message), "starthistoryid") {
		return true
	}
	for _, item := range apiErr.Errors {
		if strings.Contains(strings.ToLower(item.Message), "starthistoryid") ||
			strings.EqualFold(item.Reason, "invalidStartHistoryId") {
			return true
		}
	}
	return false
}

// classifyError maps 401/403 to an Unauthorized AuthError. Quota 403s stay transient.
// Timeouts and connection failures are marked sync.ErrTransient.
func classifyError(err error, op string) error {
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, sync.ErrTransient, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return &auth.AuthError{Reason: auth.Unauthorized, Message: op, Err: err}
		case http.StatusForbidden:
			if !isRateLimited(apiErr) {
				return &auth.AuthError{Reason: auth.Unauthorized, Message: op, Err: err}
			}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isRateLimited(apiErr *googleapi.Error) bool {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}
