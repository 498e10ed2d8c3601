package playout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testNow = time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)

// at returns testNow plus the given offset, for readable slot boundaries.
func at(offset time.Duration) time.Time { return testNow.Add(offset) }

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// memStorage keeps media files as byte slices keyed by asset.
type memStorage struct {
	mu      sync.Mutex
	files   map[AssetKey][]byte
	staged  map[string][]byte
	nextTmp int
	failRm  bool
}

func newMemStorage() *memStorage {
	return &memStorage{files: make(map[AssetKey][]byte), staged: make(map[string][]byte)}
}

func (s *memStorage) Path(key AssetKey) string { return "/media/" + key.String() }

func (s *memStorage) Exists(key AssetKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.files[key]
	return ok, nil
}

func (s *memStorage) Stage(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTmp++
	path := fmt.Sprintf("/media/.upload-%d", s.nextTmp)
	s.staged[path] = b
	return path, nil
}

func (s *memStorage) Import(staged string, key AssetKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.staged[staged]
	if !ok {
		return fmt.Errorf("no staged file %s", staged)
	}
	delete(s.staged, staged)
	s.files[key] = b
	return nil
}

func (s *memStorage) Remove(key AssetKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRm {
		return errors.New("read-only file system")
	}
	delete(s.files, key)
	return nil
}

func (s *memStorage) List() ([]AssetKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]AssetKey, 0, len(s.files))
	for k := range s.files {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys, nil
}

func (s *memStorage) put(key AssetKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[key] = []byte(key.String())
}

// putPath stores a file written by a fake transcoder to Path(key).
func (s *memStorage) putPath(path string) {
	name := strings.TrimPrefix(path, "/media/")
	i := strings.LastIndex(name, ".")
	s.put(AssetKey{Name: name[:i], Format: name[i+1:]})
}

func (s *memStorage) has(key AssetKey) bool {
	ok, _ := s.Exists(key)
	return ok
}

// fakeTranscoder writes renditions into a memStorage and reports the
// requested duration back on probe.
type fakeTranscoder struct {
	storage      *memStorage
	probeSeconds float64
	toVideoErr   error
	gate         chan struct{}
	started      chan struct{}

	calls     atomic.Int32
	mu        sync.Mutex
	durations map[string]float64
}

func newFakeTranscoder(storage *memStorage) *fakeTranscoder {
	return &fakeTranscoder{storage: storage, durations: make(map[string]float64)}
}

func (f *fakeTranscoder) ToVideo(ctx context.Context, _, outPath string, seconds float64, _, _ int) error {
	f.calls.Add(1)
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.toVideoErr != nil {
		return f.toVideoErr
	}
	f.storage.putPath(outPath)
	f.mu.Lock()
	f.durations[outPath] = seconds
	f.mu.Unlock()
	return nil
}

func (f *fakeTranscoder) ProbeDurationSeconds(_ context.Context, path string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.durations[path]; ok {
		return d, nil
	}
	if f.probeSeconds > 0 {
		return f.probeSeconds, nil
	}
	return 0, errors.New("invalid data found when processing input")
}

type fakeProcess struct {
	id         string
	done       chan struct{}
	once       sync.Once
	terminated atomic.Bool
}

func (p *fakeProcess) ID() string            { return p.id }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Terminate(context.Context) error {
	p.terminated.Store(true)
	p.exit()
	return nil
}

func (p *fakeProcess) exit() { p.once.Do(func() { close(p.done) }) }

type fakePublisher struct {
	mu    sync.Mutex
	paths []string
	procs []*fakeProcess
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, path string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := &fakeProcess{id: fmt.Sprintf("session-%d", len(f.procs)+1), done: make(chan struct{})}
	f.paths = append(f.paths, path)
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakePublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func (f *fakePublisher) process(i int) *fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

// manualTimers records scheduled callbacks; tests fire them explicitly.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	delay   time.Duration
	f       func()
	stopped bool
}

func (m *manualTimers) AfterFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{delay: d, f: f}
	m.timers = append(m.timers, t)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		was := !t.stopped
		t.stopped = true
		return was
	}
}

func (m *manualTimers) snapshot() []*manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*manualTimer(nil), m.timers...)
}

// fireLive runs every callback whose timer was not stopped, in the order
// they were scheduled.
func (m *manualTimers) fireLive() {
	for _, t := range m.snapshot() {
		m.mu.Lock()
		stopped := t.stopped
		t.stopped = true
		m.mu.Unlock()
		if !stopped {
			t.f()
		}
	}
}

func (m *manualTimers) live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type testEnv struct {
	clock       *fakeClock
	repo        *InMemoryRepository
	descriptors *InMemoryDescriptorStore
	storage     *memStorage
	transcoder  *fakeTranscoder
	publisher   *fakePublisher
	timers      *manualTimers
	registry    *Registry
	svc         *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock:       newFakeClock(testNow),
		repo:        NewInMemoryRepository(),
		descriptors: NewInMemoryDescriptorStore(),
		storage:     newMemStorage(),
		publisher:   &fakePublisher{},
		timers:      &manualTimers{},
	}
	env.transcoder = newFakeTranscoder(env.storage)

	reg, err := NewRegistry(context.Background(), env.descriptors, env.storage, nil, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	env.registry = reg

	svc, err := NewService(Config{
		Repository: env.repo,
		Registry:   reg,
		Storage:    env.storage,
		Transcoder: env.transcoder,
		Publisher:  env.publisher,
		Location:   time.UTC,
		Clock:      env.clock,
		AfterFunc:  env.timers.AfterFunc,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	env.svc = svc
	return env
}

// addSource registers an already stored source asset.
func (env *testEnv) addSource(t *testing.T, name, format string, mt MediaType, seconds float64) AssetKey {
	t.Helper()
	key := AssetKey{Name: name, Format: format}
	env.storage.put(key)
	err := env.registry.RegisterSource(context.Background(), Asset{
		Name: name, Format: format, MediaType: mt, DurationSeconds: seconds,
	}, "")
	if err != nil {
		t.Fatalf("RegisterSource(%s): %v", key, err)
	}
	return key
}

// insertRaw writes an entry straight into the repository, bypassing
// admission.
func (env *testEnv) insertRaw(t *testing.T, key AssetKey, start, end time.Time, priority int) EntryID {
	t.Helper()
	id, err := env.repo.Insert(context.Background(), Entry{
		AssetName: key.Name, AssetFormat: key.Format, Start: start, End: end, Priority: priority,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := env.registry.AddReference(context.Background(), key, id); err != nil {
		t.Fatalf("AddReference: %v", err)
	}
	return id
}

func (env *testEnv) asset(t *testing.T, key AssetKey) Asset {
	t.Helper()
	a, err := env.registry.Get(key)
	if err != nil {
		t.Fatalf("Get(%s): %v", key, err)
	}
	return a
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
	t.Fatal("condition not met before deadline")
}

func uploadBody(s string) io.Reader { return bytes.NewBufferString(s) }
