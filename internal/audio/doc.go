// Package audio handles the recorded audio between capture and upload.
// It buffers recorder chunks in arrival order, negotiates the recorder
// encoding against an ordered fallback list, and assembles the final
// immutable artifact, finalizing WAV container sizes when needed.
package audio
