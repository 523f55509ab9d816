package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/skypro1111/consult-capture/internal/audio"
	"github.com/skypro1111/consult-capture/internal/device"
	"github.com/skypro1111/consult-capture/internal/upload"
)

// Everything in this file runs on the event loop goroutine, except the
// bodies of the goroutines it spawns, which only communicate via post.

func (c *Controller) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		c.logger.Error("Illegal state transition ignored",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
		return
	}

	c.state = to
	c.logger.Debug("State changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()))

	if cb := c.cb.OnStateChange; cb != nil {
		c.notify.push(func() { cb(from, to) })
	}
}

// raise records e as the last error and reports it to the caller
func (c *Controller) raise(e *Error) {
	c.lastErr = e
	c.metrics.RecordCaptureError(string(e.Kind))

	attrs := []any{
		slog.String("kind", string(e.Kind)),
		slog.String("message", e.Message),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	c.logger.Warn("Session error", attrs...)

	if cb := c.cb.OnError; cb != nil {
		c.notify.push(func() { cb(e) })
	}
}

func permissionOutcome(err error) string {
	switch {
	case errors.Is(err, device.ErrPermissionDenied):
		return "denied"
	case errors.Is(err, device.ErrNoDevice):
		return "no_device"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// requestPermission probes microphone access. The probe stream is released
// as soon as the answer is known.
func (c *Controller) requestPermission() {
	c.permGen++
	gen := c.permGen
	c.setState(StateRequestingPermission)

	go func() {
		s, err := c.dev.RequestAccess(c.ctx, c.cfg.Constraints)
		if !c.post(func() { c.onPermission(gen, s, err) }) && s != nil {
			s.Release()
		}
	}()
}

func (c *Controller) onPermission(gen uint64, s device.Stream, err error) {
	if s != nil {
		s.Release()
	}
	if gen != c.permGen || c.state != StateRequestingPermission {
		return
	}

	if err != nil {
		c.permissionGranted = false
		c.permissionMsg = MsgPermissionRequired
		c.metrics.RecordPermission(permissionOutcome(err))
		c.logger.Warn("Microphone access not granted", slog.String("error", err.Error()))
		c.setState(StatePermissionDenied)
		return
	}

	c.permissionGranted = true
	c.permissionMsg = ""
	c.metrics.RecordPermission("granted")
	c.logger.Info("Microphone access granted")
	c.setState(StateReady)
}

func (c *Controller) beginStart() (chan error, error) {
	switch {
	case c.pendingStart != nil, c.state == StateRequestingPermission:
		return nil, ErrBusy
	case c.state != StateReady && c.state != StatePermissionDenied:
		return nil, invalid("start", c.state)
	}

	if c.gate != nil {
		if err := c.gate(); err != nil {
			e := &Error{Kind: KindValidationBlocked, Message: err.Error(), Err: err}
			c.raise(e)
			return nil, e
		}
	}

	c.recGen++
	att := &startAttempt{gen: c.recGen, reply: make(chan error, 1)}
	c.pendingStart = att

	go c.acquire(att.gen, c.permissionGranted)
	return att.reply, nil
}

type acquireResult struct {
	gen        uint64
	reacquired bool
	permErr    error
	stream     device.Stream
	openErr    error
}

// acquire runs off the loop: it re-acquires permission if needed, then
// opens the recording stream
func (c *Controller) acquire(gen uint64, granted bool) {
	res := acquireResult{gen: gen}

	if !granted {
		probe, err := c.dev.RequestAccess(c.ctx, c.cfg.Constraints)
		if err != nil {
			res.permErr = err
			c.post(func() { c.onAcquired(res) })
			return
		}
		probe.Release()
		res.reacquired = true
	}

	res.stream, res.openErr = c.dev.RequestAccess(c.ctx, c.cfg.Constraints)
	if !c.post(func() { c.onAcquired(res) }) && res.stream != nil {
		res.stream.Release()
	}
}

func (c *Controller) onAcquired(res acquireResult) {
	att := c.pendingStart
	if att == nil || att.gen != res.gen {
		if res.stream != nil {
			res.stream.Release()
		}
		return
	}
	c.pendingStart = nil

	if res.permErr != nil {
		c.permissionGranted = false
		c.permissionMsg = MsgPermissionRequired
		c.metrics.RecordPermission(permissionOutcome(res.permErr))
		e := &Error{Kind: KindPermissionDenied, Message: MsgPermissionRequired, Err: res.permErr}
		c.raise(e)
		att.reply <- e
		return
	}

	if res.reacquired {
		c.permissionGranted = true
		c.permissionMsg = ""
		c.metrics.RecordPermission("granted")
		c.setState(StateReady)
	}

	if res.openErr != nil {
		att.reply <- c.startFailed(res.openErr)
		return
	}

	att.reply <- c.beginRecording(res.stream)
}

func (c *Controller) startFailed(err error) error {
	e := &Error{Kind: KindHardwareStartFailure, Message: MsgStartFailed, Err: err}
	c.raise(e)
	return e
}

func (c *Controller) beginRecording(stream device.Stream) error {
	mimeType, ok := audio.NegotiateEncoding(c.dev.IsTypeSupported, c.cfg.EncodingPreferences)
	c.encodingFallback = !ok
	if !ok {
		c.metrics.RecordCaptureError(string(KindEncodingUnsupported))
		c.logger.Warn("No preferred encoding supported, using device default",
			slog.Any("preferences", c.cfg.EncodingPreferences))
	}

	gen := c.recGen
	rec, err := c.dev.NewRecorder(stream, device.RecorderOptions{
		MimeType:      mimeType,
		BitsPerSecond: c.cfg.BitsPerSecond,
		Interval:      c.cfg.ChunkInterval,
	}, &recorderSink{c: c, gen: gen})
	if err != nil {
		stream.Release()
		return c.startFailed(err)
	}

	c.buffer.Reset()
	c.elapsed = 0
	c.recordedFor = 0
	c.segmentStart = time.Time{}

	if err := rec.Start(); err != nil {
		stream.Release()
		return c.startFailed(err)
	}

	c.stream = stream
	c.recorder = rec
	c.mimeType = rec.MimeType()
	c.lastErr = nil
	c.tick = c.clock.Every(tickInterval, c.tickFunc(gen))
	c.segmentStart = c.clock.Now()
	c.setState(StateRecording)
	c.metrics.RecordRecordingStarted()

	c.logger.Info("Recording started",
		slog.String("mime_type", c.mimeType),
		slog.Bool("encoding_fallback", c.encodingFallback))
	return nil
}

func (c *Controller) tickFunc(gen uint64) func() {
	return func() {
		c.post(func() { c.onTick(gen) })
	}
}

func (c *Controller) onTick(gen uint64) {
	if gen != c.recGen || c.state != StateRecording {
		return
	}

	c.elapsed++
	if limit := int(c.cfg.MaxDuration / time.Second); limit > 0 && c.elapsed >= limit {
		c.logger.Warn("Maximum recording time reached, stopping",
			slog.Int("elapsed_seconds", c.elapsed))
		c.stopRecording("auto_stop")
	}
}

// recorderSink turns recorder callbacks into loop messages
type recorderSink struct {
	c   *Controller
	gen uint64
}

func (s *recorderSink) Data(chunk []byte) {
	s.c.post(func() { s.c.onChunk(s.gen, chunk) })
}

func (s *recorderSink) Stopped(err error) {
	s.c.post(func() { s.c.onRecorderStopped(s.gen, err) })
}

func (c *Controller) onChunk(gen uint64, data []byte) {
	if gen != c.recGen {
		return
	}
	switch c.state {
	case StateRecording, StatePaused, StateFinalizing:
	default:
		return
	}

	chunk, ok := c.buffer.Append(data, c.clock.Now())
	if !ok {
		return
	}
	c.metrics.RecordChunk(len(chunk.Data))
	c.logger.Debug("Chunk buffered",
		slog.Uint64("seq", uint64(chunk.Seq)),
		slog.Int("size_bytes", len(chunk.Data)))
}

// stopRecording moves a capturing session to Finalizing. The final chunk
// and the stopped notification arrive later from the recorder.
func (c *Controller) stopRecording(reason string) {
	c.stopTick()
	c.closeSegment()
	if err := c.recorder.Stop(); err != nil {
		c.logger.Warn("Recorder stop failed", slog.String("error", err.Error()))
	}
	c.releaseStream()
	c.metrics.RecordRecordingStopped(reason)
	c.setState(StateFinalizing)

	gen := c.recGen
	c.finalizeTimer = c.clock.Every(c.cfg.FinalizeTimeout, func() {
		c.post(func() { c.onFinalizeTimeout(gen) })
	})

	c.logger.Info("Recording stopped",
		slog.String("reason", reason),
		slog.Int("elapsed_seconds", c.elapsed))
}

func (c *Controller) onFinalizeTimeout(gen uint64) {
	if gen != c.recGen || c.state != StateFinalizing {
		return
	}
	c.logger.Warn("Recorder did not report stop in time, finalizing buffered audio",
		slog.Duration("timeout", c.cfg.FinalizeTimeout))
	c.finalize()
}

func (c *Controller) onRecorderStopped(gen uint64, err error) {
	if gen != c.recGen {
		return
	}

	switch c.state {
	case StateFinalizing:
		if err != nil {
			c.logger.Warn("Recorder reported an error on stop", slog.String("error", err.Error()))
		}
		c.finalize()

	case StateRecording, StatePaused:
		c.stopTick()
		c.closeSegment()
		c.releaseStream()
		c.metrics.RecordRecordingStopped("device")
		c.setState(StateFinalizing)
		c.raise(&Error{Kind: KindHardwareFailure, Message: MsgRecordingLost, Err: err})
		c.finalize()
	}
}

// finalize assembles the buffered chunks into the artifact and hands it
// to the uploader
func (c *Controller) finalize() {
	c.stopFinalizeTimer()
	c.recorder = nil

	chunks := c.buffer.Chunks()
	raw := c.buffer.Bytes()
	c.buffer.Reset()

	if len(chunks) == 0 {
		c.raise(&Error{Kind: KindHardwareFailure, Message: MsgNoAudio})
		c.setState(StateReady)
		return
	}

	duration := c.recordedFor
	now := c.clock.Now()
	art, err := audio.Assemble(chunks, c.mimeType, duration, now)
	if err != nil {
		c.logger.Warn("Artifact container could not be finalized, keeping raw bytes",
			slog.String("error", err.Error()))
		art = audio.NewArtifact(raw, c.mimeType, duration, now)
	}

	c.artifact = art
	c.metrics.RecordArtifact(art.Size(), art.Duration().Seconds())

	if c.playback != nil {
		ref, err := c.playback.Create(art)
		if err != nil {
			c.logger.Warn("Playback copy unavailable", slog.String("error", err.Error()))
		} else {
			c.playbackRef = ref
		}
	}

	c.setState(StateReadyToUpload)
	c.logger.Info("Recording finalized",
		slog.Int("chunks", len(chunks)),
		slog.Int("size_bytes", art.Size()),
		slog.Duration("duration", duration),
		slog.String("mime_type", art.MimeType()))

	c.submitUpload()
}

// submitUpload starts a new upload task for the kept artifact. The
// transfer runs detached from the session lifetime.
func (c *Controller) submitUpload() {
	c.uploadSeq++
	seq := c.uploadSeq

	target, err := c.resolveTarget()
	if err != nil {
		c.task = nil
		c.setState(StateFailed)
		c.notifyStatus(upload.StatusFailed)
		c.raise(&Error{Kind: KindTransportFailure, Message: "Upload failed: " + err.Error(), Err: err})
		return
	}

	c.setState(StateUploading)

	art := c.artifact
	obs := &uploadObserver{c: c, seq: seq}
	go func() {
		task := c.up.Submit(context.Background(), art, target, obs)
		c.post(func() { c.onUploadDone(seq, task) })
	}()
}

func (c *Controller) resolveTarget() (upload.Target, error) {
	if c.target == nil {
		return upload.Target{}, errors.New("no upload target configured")
	}
	t, err := c.target()
	if err != nil {
		return upload.Target{}, err
	}
	return t, t.Validate()
}

func (c *Controller) notifyStatus(s upload.Status) {
	if cb := c.cb.OnUploadStatusChange; cb != nil {
		c.notify.push(func() { cb(s) })
	}
}

// uploadObserver forwards task updates into the loop
type uploadObserver struct {
	c   *Controller
	seq uint64
}

func (o *uploadObserver) StatusChanged(t *upload.Task, s upload.Status) {
	o.c.post(func() {
		if o.seq != o.c.uploadSeq {
			return
		}
		o.c.task = t
		o.c.notifyStatus(s)
	})
}

func (o *uploadObserver) Progress(t *upload.Task, percent int) {
	o.c.post(func() {
		if o.seq != o.c.uploadSeq {
			return
		}
		o.c.task = t
		if cb := o.c.cb.OnUploadProgress; cb != nil {
			o.c.notify.push(func() { cb(percent) })
		}
	})
}

func (c *Controller) onUploadDone(seq uint64, task *upload.Task) {
	if seq != c.uploadSeq || c.state != StateUploading {
		return
	}
	c.task = task

	if task.Status() == upload.StatusSucceeded && task.Result() != nil {
		result := *task.Result()
		c.setState(StateCompleted)
		c.logger.Info("Upload completed", slog.String("result_id", result.ID))
		if cb := c.cb.OnUploadComplete; cb != nil {
			c.notify.push(func() { cb(result) })
		}
		return
	}

	msg := "Upload failed"
	var cause error
	if terr := task.Err(); terr != nil {
		msg = terr.Message
		cause = terr
	}
	c.setState(StateFailed)
	c.raise(&Error{Kind: KindTransportFailure, Message: msg, Err: cause})
}

func (c *Controller) stopTick() {
	if c.tick != nil {
		c.tick.Stop()
		c.tick = nil
	}
}

// closeSegment adds the time since the last start or resume to the
// recorded duration
func (c *Controller) closeSegment() {
	if c.segmentStart.IsZero() {
		return
	}
	c.recordedFor += c.clock.Now().Sub(c.segmentStart)
	c.segmentStart = time.Time{}
}

func (c *Controller) stopFinalizeTimer() {
	if c.finalizeTimer != nil {
		c.finalizeTimer.Stop()
		c.finalizeTimer = nil
	}
}

func (c *Controller) releaseStream() {
	if c.stream != nil {
		c.stream.Release()
		c.stream = nil
	}
}

// discardArtifact drops the artifact and revokes its playback reference
// exactly once
func (c *Controller) discardArtifact() {
	if c.playbackRef != "" && c.playback != nil {
		if err := c.playback.Revoke(c.playbackRef); err != nil {
			c.logger.Warn("Failed to revoke playback copy", slog.String("error", err.Error()))
		}
	}
	c.playbackRef = ""
	c.artifact = nil
}

func (c *Controller) teardown() {
	c.cancel()

	if att := c.pendingStart; att != nil {
		att.reply <- ErrClosed
		c.pendingStart = nil
	}

	c.stopTick()
	c.stopFinalizeTimer()
	if c.state.Capturing() && c.recorder != nil {
		if err := c.recorder.Stop(); err != nil {
			c.logger.Warn("Recorder stop failed during teardown", slog.String("error", err.Error()))
		}
		c.metrics.RecordRecordingStopped("teardown")
	}
	c.recorder = nil
	c.releaseStream()
	c.buffer.Reset()
	c.discardArtifact()

	c.recGen++
	c.permGen++
	c.uploadSeq++

	from := c.state
	c.setState(StateIdle)
	c.exiting = true

	c.logger.Info("Capture session closed", slog.String("from_state", from.String()))
}
