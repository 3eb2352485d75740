package gmail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/Martian-dev/swiftshield-sync/internal/auth"
	"github.com/Martian-dev/swiftshield-sync/internal/sync"
)

func newTestAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	a, err := New(context.Background(), "access-token", option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)
	return a
}

func apiError(w http.ResponseWriter, code int, reason, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q,"errors":[{"reason":%q,"message":%q}]}}`, code, message, reason, message)
}

func TestListHistory_ParsesPage(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/v1/users/me/history", r.URL.Path)
		assert.Equal(t, "Bearer access-token", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "100", q.Get("startHistoryId"))
		assert.Equal(t, "messageAdded", q.Get("historyTypes"))
		assert.Equal(t, "10", q.Get("maxResults"))
		assert.Equal(t, "tok", q.Get("pageToken"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"history": [
				{"id": "105", "messagesAdded": [{"message": {"id": "m1"}}, {"message": {"id": "m2"}}]},
				{"id": "110", "messagesAdded": [{"message": {"id": "m3"}}]}
			],
			"historyId": "120",
			"nextPageToken": "next"
		}`)
	})

	page, err := a.ListHistory(context.Background(), big.NewInt(100), 10, "tok")
	require.NoError(t, err)
	assert.Equal(t, "120", page.HistoryID.String())
	assert.Equal(t, "next", page.NextPageToken)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "105", page.Records[0].ID.String())
	assert.Equal(t, []string{"m1", "m2"}, page.Records[0].AddedMessageIDs)
	assert.Equal(t, []string{"m3"}, page.Records[1].AddedMessageIDs)
}

func TestListHistory_InvalidCursor(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"not found": func(w http.ResponseWriter, r *http.Request) {
			apiError(w, http.StatusNotFound, "notFound", "Requested entity was not found.")
		},
		"bad start id": func(w http.ResponseWriter, r *http.Request) {
			apiError(w, http.StatusBadRequest, "invalidArgument", "Invalid startHistoryId")
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			a := newTestAdapter(t, h)
			_, err := a.ListHistory(context.Background(), big.NewInt(100), 10, "")
			assert.ErrorIs(t, err, sync.ErrCursorInvalid)
		})
	}
}

func TestListHistory_CursorBeyondUint64IsInvalid(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	huge, _ := new(big.Int).SetString("99999999999999999999999", 10)
	_, err := a.ListHistory(context.Background(), huge, 10, "")
	assert.ErrorIs(t, err, sync.ErrCursorInvalid)
}

func TestListHistory_Unauthorized(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusUnauthorized, "authError", "Invalid Credentials")
	})
	_, err := a.ListHistory(context.Background(), big.NewInt(100), 10, "")
	assert.Equal(t, auth.Unauthorized, auth.ReasonOf(err))
}

func TestListHistory_RateLimitIsNotAuth(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusForbidden, "userRateLimitExceeded", "slow down")
	})
	_, err := a.ListHistory(context.Background(), big.NewInt(100), 10, "")
	require.Error(t, err)
	assert.False(t, auth.IsAuthError(err))
	assert.False(t, errors.Is(err, sync.ErrCursorInvalid))
}

func TestCurrentHistoryID(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/v1/users/me/profile", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"emailAddress":"me@example.com","historyId":"9001"}`)
	})
	id, err := a.CurrentHistoryID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "9001", id.String())
}

func TestFetchMessage(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gmail/v1/users/me/messages/m1":
			assert.Equal(t, "full", r.URL.Query().Get("format"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{
				"id": "m1",
				"labelIds": ["INBOX"],
				"payload": {
					"mimeType": "text/plain",
					"headers": [{"name": "From", "value": "a@b.com"}, {"name": "Subject", "value": "Hi"}],
					"body": {"data": "`+b64url("click https://x.example/p")+`"}
				}
			}`)
		case "/gmail/v1/users/me/messages/gone":
			apiError(w, http.StatusNotFound, "notFound", "Requested entity was not found.")
		case "/gmail/v1/users/me/messages/denied":
			apiError(w, http.StatusForbidden, "forbidden", "Insufficient Permission")
		default:
			http.NotFound(w, r)
		}
	})

	msg, err := a.FetchMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", msg.Sender)
	assert.Equal(t, "Hi", msg.Subject)
	assert.Equal(t, []string{"https://x.example/p"}, msg.URLs)

	_, err = a.FetchMessage(context.Background(), "gone")
	assert.ErrorIs(t, err, sync.ErrNotFound)

	_, err = a.FetchMessage(context.Background(), "denied")
	assert.Equal(t, auth.Unauthorized, auth.ReasonOf(err))
}

func TestFetchMessage_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL + "/"
	srv.Close()

	a, err := New(context.Background(), "access-token", option.WithEndpoint(endpoint))
	require.NoError(t, err)

	_, err = a.FetchMessage(context.Background(), "m1")
	require.Error(t, err)
	assert.ErrorIs(t, err, sync.ErrTransient)
	assert.NotErrorIs(t, err, sync.ErrNotFound)
	assert.False(t, auth.IsAuthError(err))
}
