package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultProbeTimeout = 3 * time.Second
	defaultStopGrace    = 5 * time.Second
	defaultSampleRate   = 44100
	defaultChannels     = 1
	defaultBitrate      = 128000
	readBufferSize      = 32 * 1024
)

// ExecConfig configures the subprocess-backed capture device
type ExecConfig struct {
	// Input is the capture device name substituted for {input}
	Input string

	// DefaultEncoding is used for probing and when no encoding is requested
	DefaultEncoding string

	// Encoders maps a mime type to an argv template. Templates may use
	// {rate}, {channels}, {bitrate} and {input}. The encoder must write
	// the encoded stream to stdout.
	Encoders map[string][]string

	ProbeTimeout time.Duration
	StopGrace    time.Duration
}

// ExecDevice captures audio by running one encoder subprocess per
// recording (arecord, ffmpeg) and reading its stdout
type ExecDevice struct {
	cfg      ExecConfig
	logger   *slog.Logger
	lookPath func(string) (string, error)
}

// NewExecDevice creates a device from the encoder table
func NewExecDevice(cfg ExecConfig, logger *slog.Logger) (*ExecDevice, error) {
	if len(cfg.Encoders) == 0 {
		return nil, fmt.Errorf("no encoders configured")
	}
	if argv := cfg.Encoders[cfg.DefaultEncoding]; len(argv) == 0 {
		return nil, fmt.Errorf("default encoding %q has no encoder", cfg.DefaultEncoding)
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.Input == "" {
		cfg.Input = "default"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &ExecDevice{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "device")),
		lookPath: exec.LookPath,
	}, nil
}

// IsTypeSupported reports whether an encoder is configured for mimeType and
// its binary can be found
func (d *ExecDevice) IsTypeSupported(mimeType string) bool {
	argv := d.cfg.Encoders[mimeType]
	if len(argv) == 0 {
		return false
	}
	_, err := d.lookPath(argv[0])
	return err == nil
}

// RequestAccess probes the default encoder: access is granted once it
// produces its first bytes within the probe timeout. The probe process is
// always stopped before returning; the returned stream carries the
// constraints for later recordings.
func (d *ExecDevice) RequestAccess(ctx context.Context, c Constraints) (Stream, error) {
	argv, err := d.command(d.cfg.DefaultEncoding, c, 0)
	if err != nil {
		return nil, err
	}
	if _, err := d.lookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("%w: %s not found", ErrNoDevice, argv[0])
	}

	if err := d.probe(ctx, argv); err != nil {
		d.logger.Warn("Microphone access probe failed",
			slog.String("encoder", argv[0]),
			slog.String("error", err.Error()))
		return nil, err
	}

	d.logger.Debug("Microphone access granted",
		slog.String("encoder", argv[0]),
		slog.Int("sample_rate", c.SampleRate),
		slog.Int("channels", c.Channels))

	return &execStream{constraints: c}, nil
}

func (d *ExecDevice) probe(ctx context.Context, argv []string) error {
	probeCtx, cancel := context.WithTimeout(ctx, d.cfg.ProbeTimeout)
	defer cancel()

	stderr := &tailBuffer{limit: 512}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stderr = stderr
	cmd.WaitDelay = d.cfg.StopGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create probe pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	first := make(chan error, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := io.ReadFull(stdout, buf)
		first <- err
	}()

	var readErr error
	timedOut := false
	select {
	case readErr = <-first:
	case <-probeCtx.Done():
		timedOut = true
	}

	_ = cmd.Process.Kill()
	_ = cmd.Wait()

	switch {
	case timedOut && ctx.Err() != nil:
		return ctx.Err()
	case timedOut:
		return fmt.Errorf("%w: no audio within %s", ErrNoDevice, d.cfg.ProbeTimeout)
	case readErr != nil:
		return fmt.Errorf("%w: %s", ErrPermissionDenied, stderr.Detail())
	}
	return nil
}

// NewRecorder binds a recorder to an acquired stream
func (d *ExecDevice) NewRecorder(s Stream, opts RecorderOptions, sink Sink) (Recorder, error) {
	es, ok := s.(*execStream)
	if !ok || es == nil {
		return nil, fmt.Errorf("stream was not acquired from this device")
	}
	if sink == nil {
		return nil, fmt.Errorf("recorder sink is required")
	}
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("chunk interval must be positive, got %s", opts.Interval)
	}

	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = d.cfg.DefaultEncoding
	}
	argv, err := d.command(mimeType, es.constraints, opts.BitsPerSecond)
	if err != nil {
		return nil, err
	}

	r := &execRecorder{
		dev:      d,
		stream:   es,
		opts:     opts,
		sink:     sink,
		mimeType: mimeType,
		argv:     argv,
		stderr:   &tailBuffer{limit: 512},
		exited:   make(chan struct{}),
	}
	if err := es.attach(r); err != nil {
		return nil, err
	}
	return r, nil
}

// command expands the encoder template for mimeType
func (d *ExecDevice) command(mimeType string, c Constraints, bitrate int) ([]string, error) {
	tmpl := d.cfg.Encoders[mimeType]
	if len(tmpl) == 0 {
		return nil, fmt.Errorf("no encoder configured for %q", mimeType)
	}

	rate := c.SampleRate
	if rate <= 0 {
		rate = defaultSampleRate
	}
	channels := c.Channels
	if channels <= 0 {
		channels = defaultChannels
	}
	if bitrate <= 0 {
		bitrate = defaultBitrate
	}

	return ExpandTemplate(tmpl, map[string]string{
		"rate":     strconv.Itoa(rate),
		"channels": strconv.Itoa(channels),
		"bitrate":  strconv.Itoa(bitrate),
		"input":    d.cfg.Input,
	}), nil
}

// ExpandTemplate substitutes {name} placeholders in every argument
func ExpandTemplate(tmpl []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)

	out := make([]string, len(tmpl))
	for i, arg := range tmpl {
		out[i] = r.Replace(arg)
	}
	return out
}

// execStream is the access grant returned by RequestAccess. At most one
// recorder is active on it at a time.
type execStream struct {
	constraints Constraints

	mu       sync.Mutex
	released bool
	active   *execRecorder
}

// Release stops the active recorder, if any
func (s *execStream) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	rec := s.active
	s.active = nil
	s.mu.Unlock()

	if rec != nil {
		rec.halt()
	}
}

func (s *execStream) attach(r *execRecorder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return ErrStreamReleased
	}
	if s.active != nil && !s.active.done() {
		return fmt.Errorf("stream already has an active recorder")
	}
	s.active = r
	return nil
}

func (s *execStream) detach(r *execRecorder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == r {
		s.active = nil
	}
}

type recorderState int

const (
	recorderIdle recorderState = iota
	recorderRunning
	recorderPaused
	recorderStopping
	recorderStopped
)

// execRecorder runs one encoder process. Stdout is accumulated and handed
// to the sink every interval; the remainder becomes the final chunk.
type execRecorder struct {
	dev      *ExecDevice
	stream   *execStream
	opts     RecorderOptions
	sink     Sink
	mimeType string
	argv     []string
	stderr   *tailBuffer

	mu            sync.Mutex
	cmd           *exec.Cmd
	state         recorderState
	pending       []byte
	tickStop      chan struct{}
	stopRequested bool
	exited        chan struct{}

	tickWG sync.WaitGroup
	emitMu sync.Mutex // serializes sink calls
}

// MimeType returns the encoding this recorder produces
func (r *execRecorder) MimeType() string {
	return r.mimeType
}

// Start launches the encoder
func (r *execRecorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != recorderIdle {
		return fmt.Errorf("recorder already started")
	}

	cmd := exec.Command(r.argv[0], r.argv[1:]...)
	cmd.Stderr = r.stderr
	cmd.WaitDelay = r.dev.cfg.StopGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create encoder pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start encoder %s: %w", r.argv[0], err)
	}

	r.cmd = cmd
	r.state = recorderRunning
	r.startTicker()

	readDone := make(chan struct{})
	go r.readLoop(stdout, readDone)
	go func() {
		<-readDone
		r.finish(cmd.Wait())
	}()

	r.dev.logger.Info("Encoder started",
		slog.String("encoder", r.argv[0]),
		slog.String("mime_type", r.mimeType),
		slog.Int("pid", cmd.Process.Pid),
		slog.Duration("interval", r.opts.Interval))

	return nil
}

// Pause suspends the encoder process and chunk emission
func (r *execRecorder) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != recorderRunning {
		return ErrNotRecording
	}
	if err := suspendProcess(r.cmd.Process); err != nil {
		return fmt.Errorf("failed to pause encoder: %w", err)
	}
	r.stopTicker()
	r.state = recorderPaused
	return nil
}

// Resume continues a paused encoder and restarts the chunk interval
func (r *execRecorder) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != recorderPaused {
		return ErrNotRecording
	}
	if err := resumeProcess(r.cmd.Process); err != nil {
		return fmt.Errorf("failed to resume encoder: %w", err)
	}
	r.state = recorderRunning
	r.startTicker()
	return nil
}

// Stop asks the encoder to finish. The final chunk and the stopped
// notification are delivered asynchronously once the process exits.
func (r *execRecorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked()
}

func (r *execRecorder) stopLocked() error {
	if r.state != recorderRunning && r.state != recorderPaused {
		return ErrNotRecording
	}

	proc := r.cmd.Process
	if r.state == recorderPaused {
		_ = resumeProcess(proc)
	}
	r.stopRequested = true
	r.state = recorderStopping
	r.stopTicker()

	if err := interruptProcess(proc); err != nil {
		_ = proc.Kill()
	}

	grace := r.dev.cfg.StopGrace
	exited := r.exited
	go func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-exited:
		case <-t.C:
			r.dev.logger.Warn("Encoder did not exit in time, killing",
				slog.Int("pid", proc.Pid),
				slog.Duration("grace", grace))
			_ = proc.Kill()
		}
	}()

	return nil
}

// halt stops the recorder on stream release, whatever state it is in
func (r *execRecorder) halt() {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case recorderIdle:
		r.state = recorderStopped
	case recorderRunning, recorderPaused:
		_ = r.stopLocked()
	}
}

func (r *execRecorder) done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == recorderStopped
}

func (r *execRecorder) readLoop(stdout io.Reader, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, readBufferSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			r.mu.Lock()
			r.pending = append(r.pending, buf[:n]...)
			r.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// startTicker must be called with mu held
func (r *execRecorder) startTicker() {
	stop := make(chan struct{})
	r.tickStop = stop
	r.tickWG.Add(1)

	go func() {
		defer r.tickWG.Done()
		t := time.NewTicker(r.opts.Interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				r.flush()
			}
		}
	}()
}

// stopTicker must be called with mu held
func (r *execRecorder) stopTicker() {
	if r.tickStop != nil {
		close(r.tickStop)
		r.tickStop = nil
	}
}

func (r *execRecorder) flush() {
	r.emitMu.Lock()
	defer r.emitMu.Unlock()

	r.mu.Lock()
	data := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(data) > 0 {
		r.sink.Data(data)
	}
}

func (r *execRecorder) finish(waitErr error) {
	r.mu.Lock()
	r.stopTicker()
	requested := r.stopRequested
	r.state = recorderStopped
	close(r.exited)
	r.mu.Unlock()

	r.tickWG.Wait()
	r.flush()

	var err error
	if !requested {
		detail := r.stderr.Detail()
		if waitErr != nil && detail == "" {
			detail = waitErr.Error()
		}
		err = fmt.Errorf("encoder exited unexpectedly: %s", detail)
		r.dev.logger.Error("Encoder exited unexpectedly",
			slog.String("encoder", r.argv[0]),
			slog.String("detail", detail))
	} else {
		r.dev.logger.Info("Encoder stopped", slog.String("encoder", r.argv[0]))
	}

	r.emitMu.Lock()
	r.sink.Stopped(err)
	r.emitMu.Unlock()

	r.stream.detach(r)
}

// tailBuffer keeps the last limit bytes written to it
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

// Detail returns the captured output as a single trimmed line
func (b *tailBuffer) Detail() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := strings.TrimSpace(string(b.buf))
	if s == "" {
		return "encoder exited without producing audio"
	}
	return strings.Join(strings.Fields(s), " ")
}

var _ Device = (*ExecDevice)(nil)

// IsAccessError reports whether err means the microphone cannot be used
func IsAccessError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNoDevice)
}
