package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Checker-Finance/p2p-autotrader/internal/store"
	"github.com/Checker-Finance/p2p-autotrader/pkg/model"
)

// --- Fakes ---

type fakeMessages struct {
	mu    sync.Mutex
	msgs  map[string][]model.ChatMessage
	err   error
	calls int
}

func (f *fakeMessages) ChatMessages(_ context.Context, num string, _, _ int) ([]model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.ChatMessage(nil), f.msgs[num]...), nil
}

func (f *fakeMessages) add(num string, m model.ChatMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgs == nil {
		f.msgs = map[string][]model.ChatMessage{}
	}
	f.msgs[num] = append(f.msgs[num], m)
}

type fakeReceipts struct {
	mu  sync.Mutex
	evs []model.ReceiptEvidence
}

func (f *fakeReceipts) PublishReceipt(_ context.Context, ev model.ReceiptEvidence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evs = append(f.evs, ev)
	return nil
}

func newTestWatcher(t *testing.T, src MessageSource, pub ReceiptPublisher) (*Watcher, *store.HybridStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	st := store.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil, time.Hour, zap.NewNop())
	w := NewWatcher(zap.NewNop(), Config{Interval: time.Hour}, src, st, pub)
	return w, st, mr
}

func image(id int64, url string) model.ChatMessage {
	return model.ChatMessage{ID: id, Type: "image", ImageURL: url, CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// --- Polling ---

func TestWatcher_RecordsReceiptsOnce(t *testing.T) {
	src := &fakeMessages{}
	src.add("o-1", model.ChatMessage{ID: 1, Type: "text", Content: "hola"})
	src.add("o-1", image(2, "https://img/receipt.png"))
	own := image(3, "https://img/qr.png")
	own.Self = true
	src.add("o-1", own)

	pub := &fakeReceipts{}
	w, st, _ := newTestWatcher(t, src, pub)
	ctx := context.Background()

	w.Watch("o-1")
	w.RunOnce(ctx)
	w.RunOnce(ctx)

	receipts, err := st.ListReceipts(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, int64(2), receipts[0].MessageID)
	assert.Equal(t, "https://img/receipt.png", receipts[0].ImageURL)

	require.Len(t, pub.evs, 1)
	cursor, err := st.ChatCursor(ctx, "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), cursor)
}

func TestWatcher_ProcessesOutOfOrderPages(t *testing.T) {
	src := &fakeMessages{}
	src.add("o-1", image(5, "https://img/b"))
	src.add("o-1", image(4, "https://img/a"))

	w, st, _ := newTestWatcher(t, src, nil)
	ctx := context.Background()

	w.Watch("o-1")
	w.RunOnce(ctx)

	receipts, err := st.ListReceipts(ctx, "o-1")
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, int64(4), receipts[0].MessageID)

	src.add("o-1", image(6, "https://img/c"))
	w.RunOnce(ctx)
	receipts, err = st.ListReceipts(ctx, "o-1")
	require.NoError(t, err)
	assert.Len(t, receipts, 3)
}

func TestWatcher_SourceErrorKeepsCursor(t *testing.T) {
	src := &fakeMessages{err: errors.New("429")}
	w, st, _ := newTestWatcher(t, src, nil)
	ctx := context.Background()

	w.Watch("o-1")
	w.RunOnce(ctx)

	cursor, err := st.ChatCursor(ctx, "o-1")
	require.NoError(t, err)
	assert.Zero(t, cursor)
	assert.Equal(t, []string{"o-1"}, w.Watching())
}

// --- Watch set ---

func TestWatcher_FollowStopsOnFinalEvent(t *testing.T) {
	src := &fakeMessages{}
	src.add("o-1", model.ChatMessage{ID: 9, Type: "text"})
	w, st, mr := newTestWatcher(t, src, nil)
	ctx := context.Background()

	w.Watch("o-1")
	w.Watch("o-2")
	w.RunOnce(ctx)
	require.True(t, mr.Exists("p2p:chat:cursor:o-1"))

	ch := make(chan model.ReleaseEvent, 2)
	ch <- model.ReleaseEvent{OrderNumber: "o-1", Stage: model.StageRiskEvaluated}
	ch <- model.ReleaseEvent{OrderNumber: "o-1", Stage: model.StageReleased, Final: true}
	close(ch)
	w.Follow(ch)

	assert.Equal(t, []string{"o-2"}, w.Watching())
	cursor, err := st.ChatCursor(ctx, "o-1")
	require.NoError(t, err)
	assert.Zero(t, cursor)
}

func TestWatcher_ExpiresOldOrders(t *testing.T) {
	src := &fakeMessages{}
	w, _, _ := newTestWatcher(t, src, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	w.Watch("o-1")
	now = now.Add(25 * time.Hour)
	w.RunOnce(context.Background())

	assert.Empty(t, w.Watching())
	assert.Zero(t, src.calls)
}

func TestWatcher_StartStop(t *testing.T) {
	w, _, _ := newTestWatcher(t, &fakeMessages{}, nil)
	done := make(chan struct{})
	go func() {
		w.Start(context.Background())
		close(done)
	}()
	w.Stop()
	w.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
