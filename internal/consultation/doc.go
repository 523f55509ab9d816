// Package consultation tracks which patient the next recording belongs to
// and provides the gate the capture session consults before starting.
package consultation
