// Package device defines the hardware capture collaborator used by the
// capture session: access requests, streams and chunked recorders.
//
// ExecDevice implements it with encoder subprocesses such as arecord or
// ffmpeg writing the encoded stream to stdout. Pause and resume suspend
// the process with job-control signals; stop interrupts it so the encoder
// can flush its container before exiting.
package device
