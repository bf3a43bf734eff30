package replica

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"serialkv/internal/client"
	"serialkv/internal/codec"
	"serialkv/internal/engine"
	"serialkv/internal/log"
	"serialkv/internal/mirror"
	"serialkv/internal/model"
)

func newStore(t *testing.T) *engine.Store {
	t.Helper()
	s, err := engine.Open(engine.Config{Path: filepath.Join(t.TempDir(), "changelog.log")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type harness struct {
	replica *Replica
	store   *engine.Store
	logs    *observer.ObservedLogs
	ctx     context.Context
	cancel  context.CancelFunc

	mu    sync.Mutex
	paths []string
}

// newHarness starts a fake master answering with handler and a fresh
// replica pointed at it.
func newHarness(t *testing.T, handler func(h *harness, w http.ResponseWriter, r *http.Request)) *harness {
	t.Helper()
	h := &harness{store: newStore(t)}
	h.ctx, h.cancel = context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(h.cancel)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		h.paths = append(h.paths, r.URL.Path)
		h.mu.Unlock()
		handler(h, w, r)
	}))
	t.Cleanup(srv.Close)

	core, logs := observer.New(zap.DebugLevel)
	h.logs = logs
	h.replica = New(h.store, client.New(srv.URL, nil), Config{RetryInterval: time.Millisecond}, log.New(zap.New(core)))
	return h
}

func (h *harness) requested() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.paths...)
}

// stopOnSleep makes the first retry sleep end the loop.
func (h *harness) stopOnSleep() *int {
	var sleeps int
	h.replica.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps++
		h.cancel()
		return context.Canceled
	}
	return &sleeps
}

func TestRunFetchFailure(t *testing.T) {
	h := newHarness(t, func(_ *harness, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	sleeps := h.stopOnSleep()

	require.NoError(t, h.replica.Run(h.ctx))

	assert.Equal(t, 1, *sleeps)
	assert.Equal(t, model.NoSerial, h.store.LatestSerial())
	failures := h.logs.FilterMessageSnippet("failed fetching")
	require.Equal(t, 1, failures.Len())
	assert.True(t, strings.HasPrefix(failures.All()[0].Message, "404: failed fetching"))
	assert.Contains(t, failures.All()[0].Message, "/+changelog/0")
	assert.Zero(t, h.logs.FilterMessageSnippet("could not read answer").Len())
}

func TestRunRetriesSameSerialWithBackoff(t *testing.T) {
	h := newHarness(t, func(_ *harness, w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	var intervals []time.Duration
	h.replica.cfg = Config{RetryInterval: time.Millisecond, BackoffCoeff: 2, MaxRetryInterval: 4 * time.Millisecond}
	h.replica.sleep = func(ctx context.Context, d time.Duration) error {
		intervals = append(intervals, d)
		if len(intervals) == 5 {
			h.cancel()
		}
		return nil
	}

	require.NoError(t, h.replica.Run(h.ctx))

	assert.Equal(t, []time.Duration{
		time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond, 4 * time.Millisecond,
	}, intervals)
	for _, p := range h.requested() {
		assert.Equal(t, "/+changelog/0", p)
	}
	assert.Len(t, h.requested(), 5)
}

func TestRunTransportFailure(t *testing.T) {
	h := newHarness(t, func(_ *harness, w http.ResponseWriter, _ *http.Request) {})
	h.replica.master = client.New("http://127.0.0.1:1", nil)
	h.stopOnSleep()

	require.NoError(t, h.replica.Run(h.ctx))
	assert.Equal(t, 1, h.logs.FilterMessageSnippet("failed fetching http://127.0.0.1:1/+changelog/0").Len())
}

func TestRunDecodeError(t *testing.T) {
	h := newHarness(t, func(_ *harness, w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("qlwekj"))
	})
	sleeps := h.stopOnSleep()

	require.NoError(t, h.replica.Run(h.ctx))

	assert.Equal(t, 1, *sleeps)
	assert.Equal(t, model.NoSerial, h.store.LatestSerial())
	assert.Equal(t, 1, h.logs.FilterMessageSnippet("could not read answer").Len())
	assert.Zero(t, h.logs.FilterMessageSnippet("failed fetching").Len())
}

func TestRunRejectsEntryForAnotherSerial(t *testing.T) {
	master := newStore(t)
	for i := 0; i < 2; i++ {
		_, err := master.Commit(context.Background(), model.Mutation{Kind: model.KindUser, Name: "u", Op: model.PUT})
		require.NoError(t, err)
	}
	raw1, err := master.RawEntry(1)
	require.NoError(t, err)

	h := newHarness(t, func(_ *harness, w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(raw1)
	})
	h.stopOnSleep()

	require.NoError(t, h.replica.Run(h.ctx))
	assert.Equal(t, model.NoSerial, h.store.LatestSerial())
	assert.Equal(t, 1, h.logs.FilterMessageSnippet("could not read answer").Len())
}

func TestRunAppliesMasterEntry(t *testing.T) {
	master := newStore(t)
	user, err := codec.Encode(model.User{Name: "this"})
	require.NoError(t, err)
	_, err = master.Commit(context.Background(), model.Mutation{Kind: model.KindUser, Name: "this", Op: model.PUT, Value: user})
	require.NoError(t, err)
	raw0, err := master.RawEntry(0)
	require.NoError(t, err)

	h := newHarness(t, func(h *harness, w http.ResponseWriter, r *http.Request) {
		w.Header().Set(client.SerialHeader, "0")
		switch r.URL.Path {
		case "/+changelog/0":
			_, _ = w.Write(raw0)
		default:
			// the replica moved on to serial 1; stop it there
			h.cancel()
		}
	})
	h.replica.sleep = func(context.Context, time.Duration) error {
		t.Error("a successful apply must not sleep")
		return nil
	}

	require.NoError(t, h.replica.Run(h.ctx))

	assert.Equal(t, model.Serial(0), h.store.LatestSerial())
	got, err := h.store.RawEntry(0)
	require.NoError(t, err)
	assert.Equal(t, raw0, got)
	assert.Equal(t, 1, h.logs.FilterMessageSnippet("committed serial=0").Len())
	assert.Equal(t, []string{"/+changelog/0", "/+changelog/1"}, h.requested())
}

func TestRunEmptyBodyPollsAgainWithoutSleeping(t *testing.T) {
	h := newHarness(t, func(h *harness, w http.ResponseWriter, _ *http.Request) {
		if len(h.requested()) == 3 {
			h.cancel()
		}
	})
	h.replica.sleep = func(context.Context, time.Duration) error {
		t.Error("an empty answer must not sleep")
		return nil
	}

	require.NoError(t, h.replica.Run(h.ctx))
	assert.Equal(t, []string{"/+changelog/0", "/+changelog/0", "/+changelog/0"}, h.requested())
	assert.Equal(t, model.NoSerial, h.store.LatestSerial())
}

func TestRunStopsDuringLongPoll(t *testing.T) {
	h := newHarness(t, func(_ *harness, _ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	done := make(chan error, 1)
	go func() { done <- h.replica.Run(h.ctx) }()
	time.Sleep(50 * time.Millisecond)
	h.cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("replica loop did not stop on shutdown")
	}
}

type divergedStore struct{}

func (divergedStore) LatestSerial() model.Serial { return model.NoSerial }

func (divergedStore) ApplyEntry(context.Context, model.Serial, []byte) error {
	return errors.Wrap(engine.ErrSerialMismatch, "test")
}

func TestRunSurfacesSerialMismatch(t *testing.T) {
	master := newStore(t)
	_, err := master.Commit(context.Background(), model.Mutation{Kind: model.KindUser, Name: "u", Op: model.PUT})
	require.NoError(t, err)
	raw0, _ := master.RawEntry(0)

	h := newHarness(t, func(_ *harness, w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(raw0)
	})
	h.replica.store = divergedStore{}

	err = h.replica.Run(h.ctx)
	assert.True(t, errors.Is(err, engine.ErrSerialMismatch), "got %v", err)
}

type flakySnapshot struct {
	failures int
	calls    int
}

func (f *flakySnapshot) Snapshot(context.Context) (model.NameSerials, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, &client.StatusError{StatusCode: http.StatusBadGateway, URL: "http://master/root/pypi/+name2serials"}
	}
	return model.NameSerials{"hello": 42}, nil
}

func TestSeedRetriesUntilSnapshot(t *testing.T) {
	h := newHarness(t, func(_ *harness, _ http.ResponseWriter, _ *http.Request) {})
	h.replica.sleep = func(context.Context, time.Duration) error { return nil }
	src := &flakySnapshot{failures: 2}
	state := mirror.NewState()

	require.NoError(t, h.replica.Seed(h.ctx, src, state))

	assert.Equal(t, 3, src.calls)
	serial, ok := state.Get("hello")
	assert.True(t, ok)
	assert.Equal(t, int64(42), serial)
}

func TestSeedStopsOnShutdown(t *testing.T) {
	h := newHarness(t, func(_ *harness, _ http.ResponseWriter, _ *http.Request) {})
	h.stopOnSleep()
	src := &flakySnapshot{failures: 100}

	err := h.replica.Seed(h.ctx, src, mirror.NewState())
	assert.Error(t, err)
	assert.Equal(t, 1, src.calls)
}

func TestSeedGivesUpAfterAttempts(t *testing.T) {
	h := newHarness(t, func(_ *harness, _ http.ResponseWriter, _ *http.Request) {})
	h.replica.cfg.SeedAttempts = 3
	h.replica.sleep = func(context.Context, time.Duration) error { return nil }
	src := &flakySnapshot{failures: 100}

	err := h.replica.Seed(h.ctx, src, mirror.NewState())
	assert.Error(t, err)
	assert.Equal(t, 3, src.calls)
}

func TestStartReplicatesWhenSeedFails(t *testing.T) {
	// --- given ---
	master := newStore(t)
	_, err := master.Commit(context.Background(), model.Mutation{Kind: model.KindUser, Name: "u", Op: model.PUT})
	require.NoError(t, err)
	raw0, _ := master.RawEntry(0)

	h := newHarness(t, func(h *harness, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/+changelog/0" {
			_, _ = w.Write(raw0)
			return
		}
		h.cancel()
	})
	h.replica.cfg.SeedAttempts = 2
	h.replica.sleep = func(context.Context, time.Duration) error { return nil }
	src := &flakySnapshot{failures: 100}
	state := mirror.NewState()
	state.Set("local", 3)

	// --- when ---
	err = h.replica.Start(h.ctx, src, state)

	// --- then ---
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
	assert.Equal(t, model.Serial(0), h.store.LatestSerial())
	serial, ok := state.Get("local")
	assert.True(t, ok)
	assert.Equal(t, int64(3), serial)
	assert.Equal(t, 1, h.logs.FilterMessageSnippet("serving mirror state from the local changelog").Len())
}

func TestRunRetriesEntryWithUnknownKind(t *testing.T) {
	raw, err := codec.EncodeEntry(&model.ChangelogEntry{
		Serial:    0,
		Mutations: []model.Mutation{{Kind: model.Kind(42), Name: "x", Op: model.PUT}},
	})
	require.NoError(t, err)

	h := newHarness(t, func(_ *harness, w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(raw)
	})
	sleeps := h.stopOnSleep()

	require.NoError(t, h.replica.Run(h.ctx))

	assert.Equal(t, 1, *sleeps)
	assert.Equal(t, model.NoSerial, h.store.LatestSerial())
	assert.Equal(t, 1, h.logs.FilterMessageSnippet("could not read answer").Len())
	assert.Zero(t, h.logs.FilterMessageSnippet("committed serial").Len())
}
