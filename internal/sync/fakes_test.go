package sync

import (
	"context"
	"math/big"
	gosync "sync"

	"github.com/Martian-dev/swiftshield-sync/internal/auth"
)

type fakeProvider struct {
	pages    map[string]*HistoryPage // keyed by page token
	listErr  error
	current  *big.Int
	messages map[string]*DecodedMessage
	fetchErr map[string]error

	listCalls []string
	fetched   []string
}

func (f *fakeProvider) ListHistory(_ context.Context, start *big.Int, _ int64, pageToken string) (*HistoryPage, error) {
	f.listCalls = append(f.listCalls, start.String()+"|"+pageToken)
	if f.listErr != nil {
		return nil, f.listErr
	}
	if p, ok := f.pages[pageToken]; ok {
		return p, nil
	}
	return &HistoryPage{}, nil
}

func (f *fakeProvider) CurrentHistoryID(context.Context) (*big.Int, error) {
	return f.current, nil
}

func (f *fakeProvider) FetchMessage(_ context.Context, id string) (*DecodedMessage, error) {
	f.fetched = append(f.fetched, id)
	if err := f.fetchErr[id]; err != nil {
		return nil, err
	}
	if m, ok := f.messages[id]; ok {
		return m, nil
	}
	return &DecodedMessage{ID: id, Sender: "a@b.com", Subject: "s"}, nil
}

type memCursors struct {
	mu     gosync.Mutex
	cursor *big.Int
	resets int
}

func newMemCursors(v int64) *memCursors { return &memCursors{cursor: big.NewInt(v)} }

func (m *memCursors) LoadCursor(context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.cursor), nil
}

func (m *memCursors) SaveCursor(_ context.Context, c *big.Int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Cmp(m.cursor) <= 0 {
		return false, nil
	}
	m.cursor = new(big.Int).Set(c)
	return true, nil
}

func (m *memCursors) ResetCursor(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursor = new(big.Int)
	m.resets++
	return nil
}

type fakeCredentials struct {
	err         error
	invalidated []string
}

func (f *fakeCredentials) EnsureUsable(context.Context) (auth.Credential, error) {
	if f.err != nil {
		return auth.Credential{}, f.err
	}
	return auth.Credential{AccessToken: "a", RefreshToken: "r"}, nil
}

func (f *fakeCredentials) Invalidate(_ context.Context, message string) {
	f.invalidated = append(f.invalidated, message)
}

type fakeDispatcher struct {
	submitted []string
	errFor    map[string]error
	threats   map[string]bool
}

func (f *fakeDispatcher) Submit(_ context.Context, msg *DecodedMessage) (*Verdict, error) {
	f.submitted = append(f.submitted, msg.ID)
	if err := f.errFor[msg.ID]; err != nil {
		return nil, err
	}
	return &Verdict{IsThreat: f.threats[msg.ID], DetectionID: "d-" + msg.ID}, nil
}

type fakeStatus struct {
	statuses []string
}

func (f *fakeStatus) SaveSyncStatus(_ context.Context, _, _, status, _ string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func rec(id int64, msgs ...string) ChangeRecord {
	return ChangeRecord{ID: big.NewInt(id), AddedMessageIDs: msgs}
}
