package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/consult-capture/internal/audio"
	"github.com/skypro1111/consult-capture/internal/clock"
	"github.com/skypro1111/consult-capture/internal/device"
	"github.com/skypro1111/consult-capture/internal/metrics"
	"github.com/skypro1111/consult-capture/internal/upload"
)

const tickInterval = time.Second

// ErrNoPlayback is returned when no finalized recording is available
var ErrNoPlayback = errors.New("no recording available for playback")

// Config holds capture policy
type Config struct {
	ChunkInterval       time.Duration
	MaxDuration         time.Duration
	FinalizeTimeout     time.Duration
	EncodingPreferences []string
	BitsPerSecond       int
	Constraints         device.Constraints
}

func (c *Config) applyDefaults() {
	if c.ChunkInterval <= 0 {
		c.ChunkInterval = 30 * time.Second
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = time.Hour
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = 15 * time.Second
	}
	if len(c.EncodingPreferences) == 0 {
		c.EncodingPreferences = audio.DefaultEncodingPreferences
	}
	if c.BitsPerSecond <= 0 {
		c.BitsPerSecond = 128000
	}
	if c.Constraints.SampleRate <= 0 {
		c.Constraints.SampleRate = 44100
	}
	if c.Constraints.Channels <= 0 {
		c.Constraints.Channels = 1
	}
}

// Uploader transfers a finalized artifact. Submit blocks until the task
// is terminal.
type Uploader interface {
	Submit(ctx context.Context, a *audio.Artifact, target upload.Target, obs upload.Observer) *upload.Task
}

// Callbacks are the caller-facing event channels. They run in order on a
// dedicated goroutine; nil callbacks are skipped. Callbacks must not call
// Close.
type Callbacks struct {
	OnUploadStatusChange func(status upload.Status)
	OnUploadProgress     func(percent int)
	OnUploadComplete     func(result upload.Result)
	OnError              func(err *Error)
	OnStateChange        func(from, to State)
}

// Deps are the collaborators of a controller
type Deps struct {
	Device   device.Device
	Uploader Uploader

	// Gate is consulted before every start; nil never blocks
	Gate func() error

	// Target resolves the upload destination once a recording is finalized
	Target func() (upload.Target, error)

	Playback  PlaybackStore
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Callbacks Callbacks
}

// Snapshot is a point-in-time view of the session
type Snapshot struct {
	SessionID         string              `json:"session_id"`
	State             State               `json:"state"`
	ElapsedSeconds    int                 `json:"elapsed_seconds"`
	MaxSeconds        int                 `json:"max_seconds"`
	Starting          bool                `json:"starting"`
	PermissionGranted bool                `json:"permission_granted"`
	PermissionMessage string              `json:"permission_message,omitempty"`
	MimeType          string              `json:"mime_type,omitempty"`
	EncodingFallback  bool                `json:"encoding_fallback"`
	BufferedChunks    int                 `json:"buffered_chunks"`
	BufferedBytes     int                 `json:"buffered_bytes"`
	Artifact          *audio.ArtifactInfo `json:"artifact,omitempty"`
	PlaybackAvailable bool                `json:"playback_available"`
	Upload            *upload.TaskInfo    `json:"upload,omitempty"`
	LastError         *Error              `json:"last_error,omitempty"`
}

// Playback locates the local playback copy of the finalized recording
type Playback struct {
	Ref      string
	MimeType string
}

// Controller owns one capture session. Every state change happens on its
// event loop goroutine: caller actions, hardware completions, recorder
// chunks and clock ticks all arrive there as messages.
type Controller struct {
	id       string
	cfg      Config
	dev      device.Device
	up       Uploader
	gate     func() error
	target   func() (upload.Target, error)
	playback PlaybackStore
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	cb       Callbacks

	inbox     chan func()
	done      chan struct{}
	ctx       context.Context // cancelled on teardown
	cancel    context.CancelFunc
	notify    *notifier
	closeOnce sync.Once

	// Loop-owned state
	state             State
	exiting           bool
	permissionGranted bool
	permissionMsg     string
	permGen           uint64
	recGen            uint64
	pendingStart      *startAttempt
	stream            device.Stream
	recorder          device.Recorder
	mimeType          string
	encodingFallback  bool
	tick              clock.Task
	finalizeTimer     clock.Task
	elapsed           int
	recordedFor       time.Duration
	segmentStart      time.Time
	buffer            *audio.ChunkBuffer
	artifact          *audio.Artifact
	playbackRef       string
	uploadSeq         uint64
	task              *upload.Task
	lastErr           *Error
}

type startAttempt struct {
	gen   uint64
	reply chan error
}

// New mounts a controller: it starts the event loop and immediately
// requests microphone access
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Device == nil {
		return nil, fmt.Errorf("capture device is required")
	}
	if deps.Uploader == nil {
		return nil, fmt.Errorf("uploader is required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	c := &Controller{
		id:       id,
		cfg:      cfg,
		dev:      deps.Device,
		up:       deps.Uploader,
		gate:     deps.Gate,
		target:   deps.Target,
		playback: deps.Playback,
		clock:    deps.Clock,
		logger:   deps.Logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		metrics:  deps.Metrics,
		cb:       deps.Callbacks,
		inbox:    make(chan func()),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		notify:   newNotifier(),
		state:    StateIdle,
		buffer:   audio.NewChunkBuffer(),
	}

	c.logger.Info("Capture session mounted",
		slog.Duration("chunk_interval", cfg.ChunkInterval),
		slog.Duration("max_duration", cfg.MaxDuration))

	// The loop is not running yet, so mount-time state is set directly.
	c.requestPermission()
	go c.loop()

	return c, nil
}

// ID returns the session identifier
func (c *Controller) ID() string {
	return c.id
}

func (c *Controller) loop() {
	defer close(c.done)

	for fn := range c.inbox {
		fn()
		if c.exiting {
			return
		}
	}
}

// post delivers fn to the loop. It returns false once the loop has exited.
func (c *Controller) post(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.done:
		return false
	}
}

// do runs fn on the loop and returns its result
func (c *Controller) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.inbox <- func() { reply <- fn() }:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-reply
}

// Start begins a recording. The gate is checked first; then permission is
// re-acquired if missing and a fresh stream is opened. Start returns once
// the session is recording or the attempt has failed. Failures are also
// reported through OnError.
func (c *Controller) Start(ctx context.Context) error {
	var wait chan error
	err := c.do(ctx, func() error {
		ch, err := c.beginStart()
		wait = ch
		return err
	})
	if err != nil {
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pause suspends chunk emission and the elapsed-time clock
func (c *Controller) Pause(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.state != StateRecording {
			return invalid("pause", c.state)
		}
		if err := c.recorder.Pause(); err != nil {
			return fmt.Errorf("failed to pause recorder: %w", err)
		}
		c.stopTick()
		c.closeSegment()
		c.setState(StatePaused)
		c.logger.Info("Recording paused", slog.Int("elapsed_seconds", c.elapsed))
		return nil
	})
}

// Resume continues a paused recording without resetting elapsed time
func (c *Controller) Resume(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.state != StatePaused {
			return invalid("resume", c.state)
		}
		if err := c.recorder.Resume(); err != nil {
			return fmt.Errorf("failed to resume recorder: %w", err)
		}
		c.tick = c.clock.Every(tickInterval, c.tickFunc(c.recGen))
		c.segmentStart = c.clock.Now()
		c.setState(StateRecording)
		c.logger.Info("Recording resumed", slog.Int("elapsed_seconds", c.elapsed))
		return nil
	})
}

// Stop ends the recording. Finalization and upload follow asynchronously.
func (c *Controller) Stop(ctx context.Context) error {
	return c.do(ctx, func() error {
		if !c.state.Capturing() {
			return invalid("stop", c.state)
		}
		c.stopRecording("caller")
		return nil
	})
}

// Reset discards the finalized recording and returns to Ready without
// requesting permission again. Resetting from Ready does nothing.
func (c *Controller) Reset(ctx context.Context) error {
	return c.do(ctx, func() error {
		switch c.state {
		case StateReady:
			return nil
		case StateReadyToUpload, StateCompleted, StateFailed:
			c.discardArtifact()
			c.uploadSeq++
			c.task = nil
			c.lastErr = nil
			c.setState(StateReady)
			c.logger.Info("Session reset")
			return nil
		default:
			return invalid("reset", c.state)
		}
	})
}

// RetryPermission requests microphone access again after a denial
func (c *Controller) RetryPermission(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.pendingStart != nil {
			return ErrBusy
		}
		switch c.state {
		case StatePermissionDenied, StateIdle:
			c.requestPermission()
			return nil
		case StateReady, StateRequestingPermission:
			return nil
		default:
			return invalid("request permission", c.state)
		}
	})
}

// RetryUpload submits the kept recording again as a new upload task
func (c *Controller) RetryUpload(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.state != StateFailed || c.artifact == nil {
			return invalid("retry upload", c.state)
		}
		c.lastErr = nil
		c.logger.Info("Retrying upload")
		c.submitUpload()
		return nil
	})
}

// Snapshot returns the current session view
func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.do(ctx, func() error {
		snap = c.snapshot()
		return nil
	})
	return snap, err
}

// Playback returns the local playback reference of the finalized recording
func (c *Controller) Playback(ctx context.Context) (Playback, error) {
	var p Playback
	err := c.do(ctx, func() error {
		if c.playbackRef == "" || c.artifact == nil {
			return ErrNoPlayback
		}
		p = Playback{Ref: c.playbackRef, MimeType: c.artifact.MimeType()}
		return nil
	})
	return p, err
}

// Close tears the session down from any state: the clock is cancelled,
// the microphone released and the playback reference revoked. An upload
// already in flight keeps running. Close is idempotent; every later action
// returns ErrClosed.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		reply := make(chan struct{})
		if c.post(func() {
			c.teardown()
			close(reply)
		}) {
			<-reply
		}
		<-c.done
		c.notify.close()
	})
	return nil
}

func (c *Controller) snapshot() Snapshot {
	stats := c.buffer.GetStats()
	snap := Snapshot{
		SessionID:         c.id,
		State:             c.state,
		ElapsedSeconds:    c.elapsed,
		MaxSeconds:        int(c.cfg.MaxDuration / time.Second),
		Starting:          c.pendingStart != nil,
		PermissionGranted: c.permissionGranted,
		PermissionMessage: c.permissionMsg,
		MimeType:          c.mimeType,
		EncodingFallback:  c.encodingFallback,
		BufferedChunks:    stats.Chunks,
		BufferedBytes:     stats.SizeBytes,
		PlaybackAvailable: c.playbackRef != "",
		LastError:         c.lastErr,
	}
	if c.artifact != nil {
		info := c.artifact.Info()
		snap.Artifact = &info
	}
	if c.task != nil {
		info := c.task.Info()
		snap.Upload = &info
	}
	return snap
}
