package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateEncodingFallsThroughInOrder(t *testing.T) {
	tests := []struct {
		name      string
		supported map[string]bool
		want      string
		wantOK    bool
	}{
		{
			name:      "preferred codec available",
			supported: map[string]bool{MimeWebMOpus: true, MimeWebM: true},
			want:      MimeWebMOpus,
			wantOK:    true,
		},
		{
			name:      "plain webm when opus missing",
			supported: map[string]bool{MimeWebM: true, MimeOgg: true},
			want:      MimeWebM,
			wantOK:    true,
		},
		{
			name:      "mp4 before ogg",
			supported: map[string]bool{MimeOgg: true, MimeMP4: true},
			want:      MimeMP4,
			wantOK:    true,
		},
		{
			name:      "ogg as last resort",
			supported: map[string]bool{MimeOgg: true},
			want:      MimeOgg,
			wantOK:    true,
		},
		{
			name:      "nothing supported leaves the choice to the recorder",
			supported: map[string]bool{MimeWAV: true},
			want:      "",
			wantOK:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NegotiateEncoding(func(m string) bool { return tt.supported[m] }, DefaultEncodingPreferences)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantOK, ok)
		})
	}
}

func TestNegotiateEncodingNilProbe(t *testing.T) {
	got, ok := NegotiateEncoding(nil, DefaultEncodingPreferences)
	assert.Empty(t, got)
	assert.False(t, ok)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "webm", Extension(MimeWebMOpus))
	assert.Equal(t, "webm", Extension(MimeWebM))
	assert.Equal(t, "mp4", Extension(MimeMP4))
	assert.Equal(t, "ogg", Extension("audio/ogg; codecs=opus"))
	assert.Equal(t, "wav", Extension("audio/x-wav"))
	assert.Equal(t, "webm", Extension(""))
	assert.True(t, IsWAV(MimeWAV))
	assert.False(t, IsWAV(MimeOgg))
}

func TestAssembleConcatenatesChunks(t *testing.T) {
	b := NewChunkBuffer()
	b.Append([]byte("first-"), time.Now())
	b.Append([]byte("second-"), time.Now())
	b.Append([]byte("final"), time.Now())

	created := time.Unix(1700000000, 0)
	a, err := Assemble(b.Chunks(), MimeOgg, 45*time.Second, created)
	require.NoError(t, err)

	assert.Equal(t, []byte("first-second-final"), a.Bytes())
	assert.Equal(t, MimeOgg, a.MimeType())
	assert.Equal(t, 45*time.Second, a.Duration())
	assert.Equal(t, created, a.CreatedAt())

	info := a.Info()
	assert.Equal(t, 18, info.SizeBytes)
	assert.InDelta(t, 45.0, info.Duration, 0.001)
}

func TestAssembleIsImmutable(t *testing.T) {
	b := NewChunkBuffer()
	b.Append([]byte("abc"), time.Now())

	a, err := Assemble(b.Chunks(), MimeWebM, time.Second, time.Now())
	require.NoError(t, err)

	out := a.Bytes()
	out[0] = 'z'
	b.Reset()

	assert.Equal(t, []byte("abc"), a.Bytes())
}

func TestAssembleFinalizesWAV(t *testing.T) {
	first, err := EncodeWAV(make([]byte, 100), 8000, 1, 16)
	require.NoError(t, err)

	b := NewChunkBuffer()
	b.Append(first, time.Now())
	b.Append(make([]byte, 60), time.Now())

	a, err := Assemble(b.Chunks(), MimeWAV, time.Second, time.Now())
	require.NoError(t, err)

	info, err := GetWAVInfo(a.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(160), info.DataSize)
}

func TestAssembleRequiresChunks(t *testing.T) {
	_, err := Assemble(nil, MimeWebM, 0, time.Now())
	assert.Error(t, err)
}
