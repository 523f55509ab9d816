package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skypro1111/consult-capture/internal/audio"
	"github.com/skypro1111/consult-capture/internal/clock"
	"github.com/skypro1111/consult-capture/internal/device"
	"github.com/skypro1111/consult-capture/internal/upload"
)

var testStart = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// fakeDevice hands out counted streams and clock-driven recorders
type fakeDevice struct {
	clock *clock.Fake

	mu         sync.Mutex
	denyErr    error
	hold       chan struct{}
	waiting    int
	supported  map[string]bool
	startErr   error
	emptyFinal bool
	streams    []*fakeStream
	recorders  []*fakeRecorder
}

func newFakeDevice(c *clock.Fake) *fakeDevice {
	return &fakeDevice{
		clock:     c,
		supported: map[string]bool{audio.MimeWebMOpus: true, audio.MimeWebM: true},
	}
}

func (d *fakeDevice) RequestAccess(ctx context.Context, c device.Constraints) (device.Stream, error) {
	d.mu.Lock()
	hold := d.hold
	if hold != nil {
		d.waiting++
	}
	d.mu.Unlock()

	if hold != nil {
		<-hold
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.denyErr != nil {
		return nil, d.denyErr
	}
	s := &fakeStream{}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevice) IsTypeSupported(mimeType string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.supported[mimeType]
}

func (d *fakeDevice) NewRecorder(s device.Stream, opts device.RecorderOptions, sink device.Sink) (device.Recorder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := &fakeRecorder{
		clock:      d.clock,
		opts:       opts,
		sink:       sink,
		startErr:   d.startErr,
		emptyFinal: d.emptyFinal,
	}
	d.recorders = append(d.recorders, r)
	return r, nil
}

func (d *fakeDevice) setDeny(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.denyErr = err
}

func (d *fakeDevice) setHold(ch chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hold = ch
}

func (d *fakeDevice) waitingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiting
}

func (d *fakeDevice) openedStreams() []*fakeStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeStream(nil), d.streams...)
}

func (d *fakeDevice) lastRecorder() *fakeRecorder {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.recorders) == 0 {
		return nil
	}
	return d.recorders[len(d.recorders)-1]
}

type fakeStream struct {
	mu       sync.Mutex
	released int
}

func (s *fakeStream) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released++
}

func (s *fakeStream) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// fakeRecorder emits "c<n>;" every interval of fake time and "end;" on stop
type fakeRecorder struct {
	clock      *clock.Fake
	opts       device.RecorderOptions
	sink       device.Sink
	startErr   error
	emptyFinal bool

	mu    sync.Mutex
	state string
	task  clock.Task
	n     int
}

func (r *fakeRecorder) emit() {
	r.mu.Lock()
	r.n++
	n := r.n
	r.mu.Unlock()
	r.sink.Data([]byte(fmt.Sprintf("c%d;", n)))
}

func (r *fakeRecorder) Start() error {
	if r.startErr != nil {
		return r.startErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.task = r.clock.Every(r.opts.Interval, r.emit)
	r.state = "recording"
	return nil
}

func (r *fakeRecorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != "recording" {
		return device.ErrNotRecording
	}
	r.task.Stop()
	r.state = "paused"
	return nil
}

func (r *fakeRecorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != "paused" {
		return device.ErrNotRecording
	}
	r.task = r.clock.Every(r.opts.Interval, r.emit)
	r.state = "recording"
	return nil
}

func (r *fakeRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != "recording" && r.state != "paused" {
		return device.ErrNotRecording
	}
	r.task.Stop()
	r.state = "stopped"

	final := []byte("end;")
	if r.emptyFinal {
		final = nil
	}
	go func() {
		if len(final) > 0 {
			r.sink.Data(final)
		}
		r.sink.Stopped(nil)
	}()
	return nil
}

func (r *fakeRecorder) MimeType() string {
	if r.opts.MimeType == "" {
		return audio.MimeWebM
	}
	return r.opts.MimeType
}

func (r *fakeRecorder) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// crash simulates the device ending the recording on its own
func (r *fakeRecorder) crash(err error) {
	r.mu.Lock()
	r.task.Stop()
	r.state = "stopped"
	r.mu.Unlock()
	r.sink.Stopped(err)
}

// countingPlayback wraps FilePlayback and counts calls
type countingPlayback struct {
	inner *FilePlayback

	mu      sync.Mutex
	created int
	revoked []string
}

func (p *countingPlayback) Create(a *audio.Artifact) (string, error) {
	ref, err := p.inner.Create(a)
	if err == nil {
		p.mu.Lock()
		p.created++
		p.mu.Unlock()
	}
	return ref, err
}

func (p *countingPlayback) Revoke(ref string) error {
	p.mu.Lock()
	p.revoked = append(p.revoked, ref)
	p.mu.Unlock()
	return p.inner.Revoke(ref)
}

func (p *countingPlayback) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created, len(p.revoked)
}

type collected struct {
	Path        string
	PatientID   string
	PatientData string
	File        []byte
}

// collectorServer answers uploads with the queued status codes, then 200
type collectorServer struct {
	*httptest.Server

	mu       sync.Mutex
	statuses []int
	reqs     []collected
}

func newCollectorServer(t *testing.T, statuses ...int) *collectorServer {
	t.Helper()
	cs := &collectorServer{statuses: statuses}
	cs.Server = httptest.NewServer(http.HandlerFunc(cs.handle))
	t.Cleanup(cs.Close)
	return cs
}

func (cs *collectorServer) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := collected{
		Path:        r.URL.Path,
		PatientID:   r.FormValue("patient_id"),
		PatientData: r.FormValue("patient_data"),
	}
	if f, _, err := r.FormFile("file"); err == nil {
		req.File, _ = io.ReadAll(f)
		f.Close()
	}

	cs.mu.Lock()
	cs.reqs = append(cs.reqs, req)
	n := len(cs.reqs)
	status := http.StatusOK
	if len(cs.statuses) > 0 {
		status = cs.statuses[0]
		cs.statuses = cs.statuses[1:]
	}
	cs.mu.Unlock()

	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"id":"c-%d","filename":"recording.webm","patient_id":%q}`, n, req.PatientID)
}

func (cs *collectorServer) requests() []collected {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]collected(nil), cs.reqs...)
}

// events records every callback
type events struct {
	mu       sync.Mutex
	states   [][2]State
	statuses []upload.Status
	progress []int
	results  []upload.Result
	errs     []*Error
}

func (e *events) callbacks() Callbacks {
	return Callbacks{
		OnStateChange: func(from, to State) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.states = append(e.states, [2]State{from, to})
		},
		OnUploadStatusChange: func(s upload.Status) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.statuses = append(e.statuses, s)
		},
		OnUploadProgress: func(p int) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.progress = append(e.progress, p)
		},
		OnUploadComplete: func(r upload.Result) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.results = append(e.results, r)
		},
		OnError: func(err *Error) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.errs = append(e.errs, err)
		},
	}
}

func (e *events) Statuses() []upload.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]upload.Status(nil), e.statuses...)
}

func (e *events) Errors() []*Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Error(nil), e.errs...)
}

func (e *events) Results() []upload.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]upload.Result(nil), e.results...)
}

func (e *events) Targets() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]State, 0, len(e.states))
	for _, s := range e.states {
		out = append(out, s[1])
	}
	return out
}

type harness struct {
	t      *testing.T
	clock  *clock.Fake
	dev    *fakeDevice
	play   *countingPlayback
	srv    *collectorServer
	events *events
	cfg    Config
	deps   Deps

	mu        sync.Mutex
	target    upload.Target
	targetErr error

	ctrl *Controller
}

// newHarness builds a controller over fakes. setup runs before New and
// may change the config, deps or device.
func newHarness(t *testing.T, setup func(h *harness), statuses ...int) *harness {
	t.Helper()

	fc := clock.NewFake(testStart)
	h := &harness{
		t:      t,
		clock:  fc,
		dev:    newFakeDevice(fc),
		play:   &countingPlayback{inner: &FilePlayback{Dir: t.TempDir()}},
		srv:    newCollectorServer(t, statuses...),
		events: &events{},
		target: upload.ExistingSubject("p-1"),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := upload.NewClient(upload.Config{BaseURL: h.srv.URL, Timeout: 5 * time.Second}, logger, nil)
	require.NoError(t, err)

	h.deps = Deps{
		Device:   h.dev,
		Uploader: client,
		Target: func() (upload.Target, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.target, h.targetErr
		},
		Playback:  h.play,
		Clock:     fc,
		Logger:    logger,
		Callbacks: h.events.callbacks(),
	}

	if setup != nil {
		setup(h)
	}

	ctrl, err := New(h.cfg, h.deps)
	require.NoError(t, err)
	h.ctrl = ctrl
	t.Cleanup(func() { ctrl.Close() })

	return h
}

func (h *harness) setTarget(target upload.Target, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.target = target
	h.targetErr = err
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	snap, err := h.ctrl.Snapshot(context.Background())
	require.NoError(h.t, err)
	return snap
}

func (h *harness) waitState(want State) Snapshot {
	h.t.Helper()
	var last Snapshot
	require.Eventually(h.t, func() bool {
		snap, err := h.ctrl.Snapshot(context.Background())
		if err != nil {
			return false
		}
		last = snap
		return snap.State == want
	}, 3*time.Second, 5*time.Millisecond, "waiting for state %s", want)
	return last
}

func (h *harness) start() {
	h.t.Helper()
	h.waitState(StateReady)
	require.NoError(h.t, h.ctrl.Start(context.Background()))
	require.Equal(h.t, StateRecording, h.snapshot().State)
}
