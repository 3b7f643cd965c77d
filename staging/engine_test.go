package staging_test

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webgis_backend/logging"
	"webgis_backend/staging"
)

const (
	stagingDir = "/upload/staging"
	avatarDir  = "/upload/avatar"
)

// recorder собирает разосланные события.
type recorder struct {
	mu     sync.Mutex
	events []staging.Event
}

func (r *recorder) Broadcast(e staging.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Filename == key {
			n++
		}
	}
	return n
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// flakyFs ломает запись, переименование или удаление по запросу.
type flakyFs struct {
	afero.Fs
	failOpen     atomic.Bool
	renameFails  atomic.Int32
	renameCalled atomic.Int32
	failRemove   atomic.Bool
	removeCalled atomic.Int32
}

func (f *flakyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if f.failOpen.Load() {
		return nil, &os.PathError{Op: "open", Path: name, Err: errors.New("disk full")}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func (f *flakyFs) Rename(oldname, newname string) error {
	f.renameCalled.Add(1)
	if f.renameFails.Load() > 0 {
		f.renameFails.Add(-1)
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: errors.New("device busy")}
	}
	return f.Fs.Rename(oldname, newname)
}

func (f *flakyFs) Remove(name string) error {
	f.removeCalled.Add(1)
	if f.failRemove.Load() {
		return &os.PathError{Op: "remove", Path: name, Err: errors.New("input/output error")}
	}
	return f.Fs.Remove(name)
}

type fixture struct {
	fs     afero.Fs
	engine *staging.Engine
	events *recorder
	store  *staging.DirStore
}

func newFixture(t *testing.T, fs afero.Fs, ttl time.Duration, opts ...staging.Option) *fixture {
	t.Helper()

	area, err := staging.NewArea(fs, stagingDir)
	require.NoError(t, err)
	store, err := staging.NewDirStore(fs, avatarDir, "/uploads/avatar")
	require.NoError(t, err)

	events := &recorder{}
	opts = append([]staging.Option{
		staging.WithTTL(ttl),
		staging.WithNotifier(events),
		staging.WithLogger(logging.NewTestLogger().Logger),
	}, opts...)

	engine, err := staging.New(area, store, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	return &fixture{fs: fs, engine: engine, events: events, store: store}
}

func exists(t *testing.T, fs afero.Fs, path string) bool {
	t.Helper()
	ok, err := afero.Exists(fs, path)
	require.NoError(t, err)
	return ok
}

func TestStage(t *testing.T) {
	f := newFixture(t, afero.NewMemMapFs(), time.Minute)

	key, err := f.engine.Stage([]byte("png-bytes"), "PNG")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(key, ".png"))

	content, err := afero.ReadFile(f.fs, filepath.Join(stagingDir, key))
	require.NoError(t, err)
	assert.Equal(t, "png-bytes", string(content))

	u, err := f.engine.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, key, u.Key)
	assert.Equal(t, staging.StatePending, u.State)
	assert.Equal(t, int64(len("png-bytes")), u.Size)
	assert.Equal(t, time.Minute, u.TTL)
	assert.Equal(t, "/staging/"+key, u.URL())
	assert.WithinDuration(t, time.Now().Add(time.Minute), u.ExpiresAt(), time.Second)
	assert.Equal(t, 1, f.engine.Pending())
}

func TestStageWriteFailureCreatesNoReservation(t *testing.T) {
	fs := &flakyFs{Fs: afero.NewMemMapFs()}
	f := newFixture(t, fs, time.Minute)
	fs.failOpen.Store(true)

	_, err := f.engine.Stage([]byte("data"), ".jpg")
	require.Error(t, err)
	assert.ErrorIs(t, err, staging.ErrIO)
	assert.Equal(t, 0, f.engine.Pending())
}

func TestStageDoesNotOverwriteLiveKey(t *testing.T) {
	f := newFixture(t, afero.NewMemMapFs(), time.Minute,
		staging.WithKeyFunc(func(ext string) string { return "fixed" + ext }))

	key, err := f.engine.Stage([]byte("first"), ".png")
	require.NoError(t, err)

	_, err = f.engine.Stage([]byte("second"), ".png")
	require.Error(t, err)
	assert.ErrorIs(t, err, staging.ErrIO)

	content, err := afero.ReadFile(f.fs, filepath.Join(stagingDir, key))
	require.NoError(t, err)
	assert.Equal(t, "first", string(content))
	assert.Equal(t, 1, f.engine.Pending())
}

func TestPromoteBeforeTTL(t *testing.T) {
	ttl := 50 * time.Millisecond
	f := newFixture(t, afero.NewMemMapFs(), ttl)

	key, err := f.engine.Stage([]byte("avatar"), ".png")
	require.NoError(t, err)

	url, err := f.engine.Promote(key, "")
	require.NoError(t, err)
	assert.Equal(t, "/uploads/avatar/"+key, url)

	assert.True(t, exists(t, f.fs, filepath.Join(avatarDir, key)))
	assert.False(t, exists(t, f.fs, filepath.Join(stagingDir, key)))
	assert.Equal(t, 0, f.engine.Pending())

	// Отменённый таймер не должен сработать.
	time.Sleep(3 * ttl)
	assert.Equal(t, 0, f.events.total())
	assert.True(t, exists(t, f.fs, filepath.Join(avatarDir, key)))
}

func TestPromoteWithNameHint(t *testing.T) {
	f := newFixture(t, afero.NewMemMapFs(), time.Minute)

	key, err := f.engine.Stage([]byte("avatar"), ".jpg")
	require.NoError(t, err)

	url, err := f.engine.Promote(key, "../alice smith")
	require.NoError(t, err)
	assert.Equal(t, "/uploads/avatar/alicesmith_"+key, url)
	assert.True(t, exists(t, f.fs, filepath.Join(avatarDir, "alicesmith_"+key)))
}

func TestPromoteTwice(t *testing.T) {
	f := newFixture(t, afero.NewMemMapFs(), time.Minute)

	key, err := f.engine.Stage([]byte("avatar"), ".png")
	require.NoError(t, err)

	_, err = f.engine.Promote(key, "")
	require.NoError(t, err)

	_, err = f.engine.Promote(key, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, staging.ErrNotFound)
}

func TestPromoteUnknownKey(t *testing.T) {
	f := newFixture(t, afero.NewMemMapFs(), time.Minute)

	_, err := f.engine.Promote("1700000000000-abc.png", "")
	assert.ErrorIs(t, err, staging.ErrNotFound)

	_, err = f.engine.Promote("../etc/passwd", "")
	assert.ErrorIs(t, err, staging.ErrInvalid)
}

func TestExpiry(t *testing.T) {
	ttl := 30 * time.Millisecond
	f := newFixture(t, afero.NewMemMapFs(), ttl)

	key, err := f.engine.Stage([]byte("avatar"), ".png")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.events.count(key) == 1
	}, time.Second, 5*time.Millisecond)

	assert.False(t, exists(t, f.fs, filepath.Join(stagingDir, key)))
	assert.Equal(t, 0, f.engine.Pending())
	_, err = f.engine.Lookup(key)
	assert.ErrorIs(t, err, staging.ErrNotFound)

	time.Sleep(3 * ttl)
	assert.Equal(t, 1, f.events.count(key))

	f.events.mu.Lock()
	assert.Equal(t, staging.Event{Type: "FILE_DELETED", Filename: key}, f.events.events[0])
	f.events.mu.Unlock()
}

func TestPromoteAfterExpiry(t *testing.T) {
	ttl := 20 * time.Millisecond
	f := newFixture(t, afero.NewMemMapFs(), ttl)

	key, err := f.engine.Stage([]byte("avatar"), ".png")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.events.count(key) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = f.engine.Promote(key, "")
	assert.ErrorIs(t, err, staging.ErrNotFound)
	assert.False(t, exists(t, f.fs, filepath.Join(avatarDir, key)))
	assert.False(t, exists(t, f.fs, filepath.Join(stagingDir, key)))
}

func TestDiscard(t *testing.T) {
	ttl := 40 * time.Millisecond
	f := newFixture(t, afero.NewMemMapFs(), ttl)

	key, err := f.engine.Stage([]byte("avatar"), ".png")
	require.NoError(t, err)

	require.NoError(t, f.engine.Discard(key))
	assert.False(t, exists(t, f.fs, filepath.Join(stagingDir, key)))
	assert.Equal(t, 0, f.engine.Pending())

	time.Sleep(3 * ttl)
	assert.Equal(t, 0, f.events.total())

	assert.ErrorIs(t, f.engine.Discard(key), staging.ErrNotFound)
	_, err = f.engine.Promote(key, "")
	assert.ErrorIs(t, err, staging.ErrNotFound)
}

func TestPromoteRetriesMoveOnce(t *testing.T) {
	fs := &flakyFs{Fs: afero.NewMemMapFs()}
	f := newFixture(t, fs, time.Minute)

	key, err := f.engine.Stage([]byte("avatar"), ".png")
	require.NoError(t, err)

	fs.renameFails.Store(1)
	_, err = f.engine.Promote(key, "")
	require.NoError(t, err)
	assert.Equal(t, int32(2), fs.renameCalled.Load())
	assert.True(t, exists(t, fs, filepath.Join(avatarDir, key)))
}

func TestPromoteMoveFailureRearms(t *testing.T) {
	ttl := 60 * time.Millisecond
	fs := &flakyFs{Fs: afero.NewMemMapFs()}
	f := newFixture(t, fs, ttl)

	key, err := f.engine.Stage([]byte("avatar"), ".png")
	require.NoError(t, err)

	fs.renameFails.Store(2)
	_, err = f.engine.Promote(key, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, staging.ErrIO)

	// Файл на месте, резервация снова ждёт подтверждения.
	u, err := f.engine.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, staging.StatePending, u.State)
	assert.True(t, exists(t, fs, filepath.Join(stagingDir, key)))

	// Без повторной попытки файл уберёт таймер.
	require.Eventually(t, func() bool {
		return f.events.count(key) == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, exists(t, fs, filepath.Join(stagingDir, key)))
}

func TestPromoteAfterFailedMove(t *testing.T) {
	fs := &flakyFs{Fs: afero.NewMemMapFs()}
	f := newFixture(t, fs, time.Minute)

	key, err := f.engine.Stage([]byte("avatar"), ".png")
	require.NoError(t, err)

	fs.renameFails.Store(2)
	_, err = f.engine.Promote(key, "")
	require.Error(t, err)

	url, err := f.engine.Promote(key, "")
	require.NoError(t, err)
	assert.Equal(t, "/uploads/avatar/"+key, url)
	assert.Equal(t, 0, f.engine.Pending())
}

func TestExpiryRetriesFailedRemove(t *testing.T) {
	ttl := 20 * time.Millisecond
	fs := &flakyFs{Fs: afero.NewMemMapFs()}
	f := newFixture(t, fs, ttl)

	key, err := f.engine.Stage([]byte("avatar"), ".png")
	require.NoError(t, err)
	fs.failRemove.Store(true)

	// Таймер срабатывает несколько раз, но файл на месте: запись жива, событий нет.
	require.Eventually(t, func() bool {
		return fs.removeCalled.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.events.total())
	assert.True(t, exists(t, fs, filepath.Join(stagingDir, key)))
	// Между срабатыванием и перевзводом записи нет в таблице доли миллисекунды.
	require.Eventually(t, func() bool {
		u, err := f.engine.Lookup(key)
		return err == nil && u.State == staging.StatePending
	}, time.Second, time.Millisecond)

	fs.failRemove.Store(false)
	require.Eventually(t, func() bool {
		return f.events.count(key) == 1
	}, time.Second, 5*time.Millisecond)
	assert.False(t, exists(t, fs, filepath.Join(stagingDir, key)))
	assert.Equal(t, 0, f.engine.Pending())
}

func TestDiscardFailedRemoveKeepsReservation(t *testing.T) {
	reg := prometheus.NewRegistry()
	fs := &flakyFs{Fs: afero.NewMemMapFs()}
	f := newFixture(t, fs, time.Minute, staging.WithRegisterer(reg))

	key, err := f.engine.Stage([]byte("avatar"), ".png")
	require.NoError(t, err)

	fs.failRemove.Store(true)
	err = f.engine.Discard(key)
	assert.ErrorIs(t, err, staging.ErrIO)
	assert.True(t, exists(t, fs, filepath.Join(stagingDir, key)))
	u, err := f.engine.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, staging.StatePending, u.State)

	fs.failRemove.Store(false)
	require.NoError(t, f.engine.Discard(key))
	assert.False(t, exists(t, fs, filepath.Join(stagingDir, key)))
	assert.Equal(t, 0, f.engine.Pending())
	assert.Equal(t, 0, f.events.total())

	expected := `
# HELP webgis_staging_failures_total Total number of failed staging operations by operation.
# TYPE webgis_staging_failures_total counter
webgis_staging_failures_total{operation="discard"} 1
# HELP webgis_staging_pending_uploads Number of staged uploads waiting for promotion.
# TYPE webgis_staging_pending_uploads gauge
webgis_staging_pending_uploads 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"webgis_staging_failures_total", "webgis_staging_pending_uploads"))
}

// Promote и таймер гоняются за одним ключом: ровно один из них должен победить.
func TestPromoteRacesExpiry(t *testing.T) {
	ttl := 5 * time.Millisecond
	f := newFixture(t, afero.NewMemMapFs(), ttl)

	const n = 100
	keys := make([]string, n)
	for i := range keys {
		key, err := f.engine.Stage([]byte("avatar"), ".png")
		require.NoError(t, err)
		keys[i] = key
	}

	promoted := make([]bool, n)
	var wg sync.WaitGroup
	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			time.Sleep(time.Duration(rand.Intn(10_000)) * time.Microsecond)
			_, err := f.engine.Promote(keys[i], "")
			if err == nil {
				promoted[i] = true
				return
			}
			assert.ErrorIs(t, err, staging.ErrNotFound)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		for i, key := range keys {
			if !promoted[i] && f.events.count(key) == 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(3 * ttl)

	for i, key := range keys {
		inStable := exists(t, f.fs, filepath.Join(avatarDir, key))
		inStaging := exists(t, f.fs, filepath.Join(stagingDir, key))
		assert.False(t, inStaging, key)
		if promoted[i] {
			assert.True(t, inStable, key)
			assert.Equal(t, 0, f.events.count(key), key)
		} else {
			assert.False(t, inStable, key)
			assert.Equal(t, 1, f.events.count(key), key)
		}
	}
	assert.Equal(t, 0, f.engine.Pending())
}

func TestCloseDiscardsPending(t *testing.T) {
	f := newFixture(t, afero.NewMemMapFs(), 50*time.Millisecond)

	a, err := f.engine.Stage([]byte("a"), ".png")
	require.NoError(t, err)
	b, err := f.engine.Stage([]byte("b"), ".png")
	require.NoError(t, err)

	require.NoError(t, f.engine.Close())
	assert.False(t, exists(t, f.fs, filepath.Join(stagingDir, a)))
	assert.False(t, exists(t, f.fs, filepath.Join(stagingDir, b)))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, f.events.total())

	_, err = f.engine.Stage([]byte("c"), ".png")
	assert.ErrorIs(t, err, staging.ErrClosed)
	_, err = f.engine.Promote(a, "")
	assert.ErrorIs(t, err, staging.ErrClosed)
	assert.ErrorIs(t, f.engine.Close(), staging.ErrClosed)
}

func TestNewSweepsOrphans(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(stagingDir, 0o750))
	orphan := filepath.Join(stagingDir, "1600000000000-deadbeef.png")
	require.NoError(t, afero.WriteFile(fs, orphan, []byte("old"), 0o640))

	newFixture(t, fs, time.Minute)
	assert.False(t, exists(t, fs, orphan))
}

func TestNewWithoutSweepKeepsFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(stagingDir, 0o750))
	orphan := filepath.Join(stagingDir, "1600000000000-deadbeef.png")
	require.NoError(t, afero.WriteFile(fs, orphan, []byte("old"), 0o640))

	newFixture(t, fs, time.Minute, staging.WithSweepOnStart(false))
	assert.True(t, exists(t, fs, orphan))
}

func TestSweepKeepsLiveAndFreshFiles(t *testing.T) {
	f := newFixture(t, afero.NewMemMapFs(), time.Minute)

	key, err := f.engine.Stage([]byte("live"), ".png")
	require.NoError(t, err)
	orphan := filepath.Join(stagingDir, "orphan.png")
	require.NoError(t, afero.WriteFile(f.fs, orphan, []byte("orphan"), 0o640))

	n, err := f.engine.Sweep(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, exists(t, f.fs, orphan))

	n, err = f.engine.Sweep(0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, exists(t, f.fs, orphan))
	assert.True(t, exists(t, f.fs, filepath.Join(stagingDir, key)))
}

func TestNewRejectsNonPositiveTTL(t *testing.T) {
	fs := afero.NewMemMapFs()
	area, err := staging.NewArea(fs, stagingDir)
	require.NoError(t, err)
	store, err := staging.NewDirStore(fs, avatarDir, "/uploads/avatar")
	require.NoError(t, err)

	_, err = staging.New(area, store, staging.WithTTL(0))
	assert.ErrorIs(t, err, staging.ErrInvalid)
}

func TestEngineOnDisk(t *testing.T) {
	dir := t.TempDir()
	fs := afero.NewBasePathFs(afero.NewOsFs(), dir)
	f := newFixture(t, fs, time.Minute)

	key, err := f.engine.Stage([]byte("on disk"), ".gif")
	require.NoError(t, err)
	_, err = f.engine.Promote(key, "bob")
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, avatarDir, "bob_"+key))
	require.NoError(t, err)
	assert.Equal(t, "on disk", string(content))
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, afero.NewMemMapFs(), time.Minute, staging.WithRegisterer(reg))

	a, err := f.engine.Stage([]byte("a"), ".png")
	require.NoError(t, err)
	_, err = f.engine.Stage([]byte("b"), ".png")
	require.NoError(t, err)
	_, err = f.engine.Promote(a, "")
	require.NoError(t, err)

	expected := `
# HELP webgis_staging_pending_uploads Number of staged uploads waiting for promotion.
# TYPE webgis_staging_pending_uploads gauge
webgis_staging_pending_uploads 1
# HELP webgis_staging_transitions_total Total number of staged upload transitions by resulting state.
# TYPE webgis_staging_transitions_total counter
webgis_staging_transitions_total{state="pending"} 2
webgis_staging_transitions_total{state="promoted"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"webgis_staging_pending_uploads", "webgis_staging_transitions_total"))
}
