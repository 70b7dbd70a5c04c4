package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/image-hub/internal/cache"
	"github.com/any-hub/image-hub/internal/imaging"
	"github.com/any-hub/image-hub/internal/logging"
	"github.com/any-hub/image-hub/internal/memcache"
	"github.com/any-hub/image-hub/internal/upstream"
)

func TestRequestFallsBackMemoryDiskNetwork(t *testing.T) {
	const key = "https://img/x.jpg"
	payload := pngBytes(t, 2048)

	store, err := cache.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("store error: %v", err)
	}
	memory := memcache.New(memcache.Options{MaxEntries: 10, MaxBytes: 1 << 20})

	var fetches atomic.Int32
	var failNetwork atomic.Bool
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		fetches.Add(1)
		if failNetwork.Load() {
			return nil, &upstream.StatusError{URL: url, StatusCode: http.StatusServiceUnavailable}
		}
		return payload, nil
	})
	coord, dispatcher := newTestCoordinator(t, store, memory, fetcher)

	// Miss -> network fetch
	var calls atomic.Int32
	done := make(chan *imaging.Image, 1)
	coord.Request(key, func(img *imaging.Image) {
		calls.Add(1)
		done <- img
	})
	img := waitImage(t, done)
	if img == nil {
		t.Fatalf("expected decoded image from network")
	}
	if len(img.Raw) != 2048 {
		t.Fatalf("expected 2048 raw bytes, got %d", len(img.Raw))
	}

	waitFor(t, func() bool {
		entries, _ := store.ListEntries(context.Background())
		return len(entries) == 1
	})
	entries, _ := store.ListEntries(context.Background())
	if entries[0].Name != cache.EntryName(key) || entries[0].SizeBytes != 2048 {
		t.Fatalf("unexpected disk entry: %+v", entries[0])
	}

	// Disk hit while network is failing
	failNetwork.Store(true)
	memory.Purge()
	img2, ok := coord.Await(context.Background(), key)
	if !ok || img2 == nil {
		t.Fatalf("expected disk hit while network fails")
	}
	if fetches.Load() != 1 {
		t.Fatalf("disk hit must not reach network, fetches=%d", fetches.Load())
	}
	if _, ok := memory.Get(key); !ok {
		t.Fatalf("disk hit should populate the memory tier")
	}

	// Memory hit returns the shared decoded image
	img3, ok := coord.Await(context.Background(), key)
	if !ok || img3 != img2 {
		t.Fatalf("expected shared image from memory tier")
	}

	coord.Close()
	dispatcher.Stop()
	if calls.Load() != 1 {
		t.Fatalf("first callback should fire exactly once, got %d", calls.Load())
	}
}

func TestRequestInvalidKeyCompletesWithNil(t *testing.T) {
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		t.Errorf("invalid key must not reach network: %q", url)
		return nil, errors.New("unexpected")
	})
	coord, _ := newTestCoordinator(t, cache.NewMemoryStore(), nil, fetcher)

	for _, key := range []string{"", "   ", "not a url", "ftp://host/a.jpg", "https://", "/poster.jpg", "http://exa mple.com/a.jpg"} {
		img, ok := coord.Await(context.Background(), key)
		if ok || img != nil {
			t.Fatalf("expected no image for %q", key)
		}
	}
}

func TestCancelWhileNetworkPendingSuppressesCallback(t *testing.T) {
	started := make(chan struct{})
	aborted := make(chan struct{})
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		close(started)
		<-ctx.Done()
		close(aborted)
		return nil, ctx.Err()
	})
	coord, dispatcher := newTestCoordinator(t, cache.NewMemoryStore(), nil, fetcher)

	var calls atomic.Int32
	h := coord.Request("https://img/pending.jpg", func(*imaging.Image) { calls.Add(1) })
	<-started
	if h.State() != StateNetworkInFlight {
		t.Fatalf("expected network_in_flight, got %s", h.State())
	}
	h.Cancel()

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatalf("cancel should abort the in-flight fetch")
	}
	select {
	case <-h.Done():
	default:
		t.Fatalf("done channel should be closed after cancel")
	}

	coord.Close()
	dispatcher.Stop()
	if calls.Load() != 0 {
		t.Fatalf("callback fired %d times after cancel", calls.Load())
	}
	if h.State() != StateCancelled {
		t.Fatalf("expected cancelled, got %s", h.State())
	}
}

func TestCancelAfterCompletionBeforeDispatchSuppressesCallback(t *testing.T) {
	payload := pngBytes(t, 0)
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		return payload, nil
	})
	queue := &queueDispatcher{}
	coord, err := New(Options{
		Store:      cache.NewMemoryStore(),
		Fetcher:    fetcher,
		Dispatcher: queue,
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new coordinator error: %v", err)
	}

	var calls atomic.Int32
	h := coord.Request("https://img/ready.jpg", func(*imaging.Image) { calls.Add(1) })
	waitFor(t, func() bool { return queue.Len() == 1 })

	h.Cancel()
	queue.Drain()
	coord.Close()

	if calls.Load() != 0 {
		t.Fatalf("callback must not fire once cancelled, got %d", calls.Load())
	}
	if h.State() != StateCancelled {
		t.Fatalf("expected cancelled, got %s", h.State())
	}
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	payload := pngBytes(t, 0)
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		return payload, nil
	})
	coord, _ := newTestCoordinator(t, cache.NewMemoryStore(), nil, fetcher)

	done := make(chan *imaging.Image, 1)
	h := coord.Request("https://img/done.jpg", func(img *imaging.Image) { done <- img })
	if waitImage(t, done) == nil {
		t.Fatalf("expected image")
	}
	waitFor(t, func() bool { return h.State() == StateCompleted })

	h.Cancel()
	h.Cancel()
	if h.State() != StateCompleted {
		t.Fatalf("cancel after completion must not change state, got %s", h.State())
	}
}

func TestDecodeFailureIsNotPersisted(t *testing.T) {
	store := cache.NewMemoryStore()
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		return []byte("<html>captive portal</html>"), nil
	})
	coord, _ := newTestCoordinator(t, store, nil, fetcher)

	if img, ok := coord.Await(context.Background(), "https://img/bad.jpg"); ok || img != nil {
		t.Fatalf("undecodable payload must complete with nil")
	}
	coord.Close()

	entries, _ := store.ListEntries(context.Background())
	if len(entries) != 0 {
		t.Fatalf("undecodable bytes must not be stored, got %d entries", len(entries))
	}
}

func TestNetworkFailuresCompleteWithNil(t *testing.T) {
	testCases := []struct {
		name string
		body []byte
		err  error
	}{
		{"status", nil, &upstream.StatusError{URL: "x", StatusCode: http.StatusNotFound}},
		{"transport", nil, fmt.Errorf("%w: connection refused", upstream.ErrNetwork)},
		{"empty body", []byte{}, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
				return tc.body, tc.err
			})
			coord, _ := newTestCoordinator(t, cache.NewMemoryStore(), nil, fetcher)
			if img, ok := coord.Await(context.Background(), "https://img/fail.jpg"); ok || img != nil {
				t.Fatalf("expected nil completion")
			}
		})
	}
}

func TestConcurrentRequestsForSameKeyAreNotCoalesced(t *testing.T) {
	const callers = 5
	payload := pngBytes(t, 0)
	var fetches atomic.Int32
	release := make(chan struct{})
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		if fetches.Add(1) == callers {
			close(release)
		}
		<-release
		return payload, nil
	})
	coord, _ := newTestCoordinator(t, cache.NewMemoryStore(), nil, fetcher)

	var wg sync.WaitGroup
	var delivered atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if img, ok := coord.Await(context.Background(), "https://img/same.jpg"); ok && img != nil {
				delivered.Add(1)
			}
		}()
	}
	wg.Wait()

	if fetches.Load() != callers {
		t.Fatalf("expected one fetch per caller, got %d", fetches.Load())
	}
	if delivered.Load() != callers {
		t.Fatalf("expected %d deliveries, got %d", callers, delivered.Load())
	}
}

func TestStorageFailureDegradesToMiss(t *testing.T) {
	payload := pngBytes(t, 0)
	var fetches atomic.Int32
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		fetches.Add(1)
		return payload, nil
	})
	coord, _ := newTestCoordinator(t, brokenStore{cache.NewMemoryStore()}, nil, fetcher)

	for i := 0; i < 2; i++ {
		if _, ok := coord.Await(context.Background(), "https://img/nospace.jpg"); !ok {
			t.Fatalf("storage failure must not hide the fetched image")
		}
	}
	if fetches.Load() != 2 {
		t.Fatalf("failed store should force a refetch, got %d fetches", fetches.Load())
	}
}

func TestCorruptDiskEntryFallsBackToNetwork(t *testing.T) {
	const key = "https://img/corrupt.jpg"
	payload := pngBytes(t, 0)
	store := cache.NewMemoryStore()
	if err := store.Store(context.Background(), key, []byte("garbage")); err != nil {
		t.Fatalf("seed error: %v", err)
	}
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		return payload, nil
	})
	coord, _ := newTestCoordinator(t, store, nil, fetcher)

	if _, ok := coord.Await(context.Background(), key); !ok {
		t.Fatalf("expected network fallback for corrupt entry")
	}
	coord.Close()

	got, err := store.Obtain(context.Background(), key)
	if err != nil || !bytes.Equal(got, payload) {
		t.Fatalf("corrupt entry should be overwritten with valid bytes, err=%v", err)
	}
}

func TestClearCacheEmptiesBothTiers(t *testing.T) {
	payload := pngBytes(t, 0)
	store := cache.NewMemoryStore()
	memory := memcache.New(memcache.Options{MaxEntries: 10})
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		return payload, nil
	})
	coord, _ := newTestCoordinator(t, store, memory, fetcher)

	for _, key := range []string{"https://img/1.png", "https://img/2.png"} {
		if _, ok := coord.Await(context.Background(), key); !ok {
			t.Fatalf("expected image for %s", key)
		}
	}
	waitFor(t, func() bool { return coord.DiskUsage(context.Background()) == int64(2*len(payload)) })
	if len(coord.ListEntries(context.Background())) != 2 {
		t.Fatalf("expected two entries before clear")
	}

	cleared := make(chan struct{})
	coord.ClearCache(func() { close(cleared) })
	select {
	case <-cleared:
	case <-time.After(2 * time.Second):
		t.Fatalf("clear did not complete")
	}

	if coord.DiskUsage(context.Background()) != 0 || len(coord.ListEntries(context.Background())) != 0 {
		t.Fatalf("disk tier should be empty after clear")
	}
	if memory.Len() != 0 {
		t.Fatalf("memory tier should be purged after clear")
	}
}

func TestCallbacksAlwaysRunOnDispatcher(t *testing.T) {
	payload := pngBytes(t, 0)
	memory := memcache.New(memcache.Options{MaxEntries: 10})
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		return payload, nil
	})

	var inDispatch atomic.Bool
	var dispatches atomic.Int32
	serial := NewSerialDispatcher(16, logging.Discard())
	t.Cleanup(serial.Stop)
	tracking := DispatcherFunc(func(fn func()) {
		dispatches.Add(1)
		serial.Dispatch(func() {
			inDispatch.Store(true)
			defer inDispatch.Store(false)
			fn()
		})
	})
	coord, err := New(Options{
		Store:      cache.NewMemoryStore(),
		Memory:     memory,
		Fetcher:    fetcher,
		Dispatcher: tracking,
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new coordinator error: %v", err)
	}
	t.Cleanup(coord.Close)

	// network, memory and invalid-key completions
	for _, key := range []string{"https://img/a.png", "https://img/a.png", "::bad::"} {
		done := make(chan bool, 1)
		coord.Request(key, func(*imaging.Image) { done <- inDispatch.Load() })
		select {
		case ok := <-done:
			if !ok {
				t.Fatalf("callback for %q ran outside the dispatcher", key)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("callback for %q never ran", key)
		}
	}
	if dispatches.Load() != 3 {
		t.Fatalf("expected one dispatch per request, got %d", dispatches.Load())
	}
}

func TestAwaitCancelsWhenContextEnds(t *testing.T) {
	aborted := make(chan struct{})
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		<-ctx.Done()
		close(aborted)
		return nil, ctx.Err()
	})
	coord, _ := newTestCoordinator(t, cache.NewMemoryStore(), nil, fetcher)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := coord.Await(ctx, "https://img/slow.jpg"); ok {
		t.Fatalf("expected await to give up")
	}
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatalf("await should cancel the underlying fetch")
	}
}

func TestSlotCancelsPreviousHandle(t *testing.T) {
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	coord, _ := newTestCoordinator(t, cache.NewMemoryStore(), nil, fetcher)

	var slot Slot
	first := slot.Request(coord, "https://img/first.jpg", nil)
	second := slot.Request(coord, "https://img/second.jpg", nil)

	if first.State() != StateCancelled {
		t.Fatalf("first handle should be cancelled, got %s", first.State())
	}
	if second.State().terminal() {
		t.Fatalf("second handle should still be live, got %s", second.State())
	}
	slot.Cancel()
	if second.State() != StateCancelled {
		t.Fatalf("slot cancel should cancel the live handle, got %s", second.State())
	}
}

func TestCloseCompletesPendingRequestsWithNil(t *testing.T) {
	store := &stallingStore{MemoryStore: cache.NewMemoryStore(), entered: make(chan struct{}, 1)}
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		t.Errorf("fetch should not start after close")
		return nil, ctx.Err()
	})
	coord, _ := newTestCoordinator(t, store, nil, fetcher)

	type result struct {
		img *imaging.Image
		ok  bool
	}
	results := make(chan result, 1)
	go func() {
		img, ok := coord.Await(context.Background(), "https://img/pending.jpg")
		results <- result{img, ok}
	}()

	select {
	case <-store.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("request never reached the disk tier")
	}
	coord.Close()

	select {
	case r := <-results:
		if r.ok || r.img != nil {
			t.Fatalf("request interrupted by close should complete with nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("request left pending after close")
	}

	completed := make(chan *imaging.Image, 1)
	h := coord.Request("https://img/late.jpg", func(img *imaging.Image) { completed <- img })
	if img := waitImage(t, completed); img != nil {
		t.Fatalf("request after close should complete with nil")
	}
	if h.State() != StateCompleted {
		t.Fatalf("expected completed handle, got %s", h.State())
	}
}

func TestCallbackCanReissueRequestsWhileQueueIsFull(t *testing.T) {
	key := "https://img/reissue.png"
	payload := pngBytes(t, 0)
	memory := memcache.New(memcache.Options{MaxEntries: 4})
	fetcher := upstream.FetcherFunc(func(ctx context.Context, url string) ([]byte, error) {
		return payload, nil
	})

	dispatcher := NewSerialDispatcher(1, logging.Discard())
	coord, err := New(Options{
		Store:      cache.NewMemoryStore(),
		Memory:     memory,
		Fetcher:    fetcher,
		Dispatcher: dispatcher,
		Logger:     logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new coordinator error: %v", err)
	}
	t.Cleanup(func() {
		coord.Close()
		dispatcher.Stop()
	})

	if _, ok := coord.Await(context.Background(), key); !ok {
		t.Fatalf("warm-up request failed")
	}

	// 内存命中会在回调所在的 goroutine 上同步 Dispatch
	done := make(chan struct{})
	var remaining atomic.Int32
	remaining.Store(2)
	coord.Request(key, func(*imaging.Image) {
		for i := 0; i < 2; i++ {
			coord.Request(key, func(*imaging.Image) {
				if remaining.Add(-1) == 0 {
					close(done)
				}
			})
		}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("nested requests never completed")
	}
}

func TestNewValidatesOptions(t *testing.T) {
	base := Options{
		Store:      cache.NewMemoryStore(),
		Fetcher:    upstream.FetcherFunc(func(context.Context, string) ([]byte, error) { return nil, nil }),
		Dispatcher: Immediate,
		Logger:     logging.Discard(),
	}

	testCases := []struct {
		name   string
		mutate func(*Options)
	}{
		{"missing store", func(o *Options) { o.Store = nil }},
		{"missing fetcher", func(o *Options) { o.Fetcher = nil }},
		{"missing dispatcher", func(o *Options) { o.Dispatcher = nil }},
		{"missing logger", func(o *Options) { o.Logger = nil }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			opts := base
			tc.mutate(&opts)
			if _, err := New(opts); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	coord, err := New(base)
	if err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
	coord.Close()
}

func newTestCoordinator(t *testing.T, store cache.Store, memory *memcache.Cache, fetcher upstream.Fetcher) (*Coordinator, *SerialDispatcher) {
	t.Helper()
	dispatcher := NewSerialDispatcher(64, logging.Discard())
	coord, err := New(Options{
		Store:       store,
		Memory:      memory,
		Fetcher:     fetcher,
		Dispatcher:  dispatcher,
		Logger:      logging.Discard(),
		DiskWorkers: 4,
	})
	if err != nil {
		t.Fatalf("new coordinator error: %v", err)
	}
	t.Cleanup(func() {
		coord.Close()
		dispatcher.Stop()
	})
	return coord, dispatcher
}

// pngBytes encodes a small PNG and pads it with trailing zeros up to size;
// the PNG decoder stops at IEND so the padding keeps the payload decodable.
func pngBytes(t *testing.T, size int) []byte {
	t.Helper()
	src := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		src.Set(x, x, color.RGBA{G: 200, A: 255})
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("png encode error: %v", err)
	}
	if buf.Len() > size {
		return buf.Bytes()
	}
	return append(buf.Bytes(), make([]byte, size-buf.Len())...)
}

func waitImage(t *testing.T, ch <-chan *imaging.Image) *imaging.Image {
	t.Helper()
	select {
	case img := <-ch:
		return img
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for completion")
		return nil
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

// queueDispatcher holds dispatched callbacks until Drain is called.
type queueDispatcher struct {
	mu    sync.Mutex
	queue []func()
}

func (q *queueDispatcher) Dispatch(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = append(q.queue, fn)
}

func (q *queueDispatcher) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

func (q *queueDispatcher) Drain() {
	q.mu.Lock()
	pending := q.queue
	q.queue = nil
	q.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// brokenStore simulates a full disk: every read and write fails.
type brokenStore struct {
	*cache.MemoryStore
}

func (brokenStore) Obtain(context.Context, string) ([]byte, error) {
	return nil, fmt.Errorf("%w: no space left on device", cache.ErrStorage)
}

func (brokenStore) Store(context.Context, string, []byte) error {
	return fmt.Errorf("%w: no space left on device", cache.ErrStorage)
}

// stallingStore blocks every read until the caller's context ends.
type stallingStore struct {
	*cache.MemoryStore
	entered chan struct{}
}

func (s *stallingStore) Obtain(ctx context.Context, key string) ([]byte, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}
