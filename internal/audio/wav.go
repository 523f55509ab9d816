package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	wavHeaderSize   = 44
	wavChunkHeader  = 8
	wavRIFFSizeAt   = 4
	wavFirstChunkAt = 12
)

// WAVHeader represents the canonical 44-byte header of a PCM WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo holds basic information about a WAV payload
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
}

// NewWAVHeader builds a PCM header for dataSize bytes of audio
func NewWAVHeader(sampleRate, channels, bitsPerSample int, dataSize uint32) WAVHeader {
	blockAlign := uint16(channels * bitsPerSample / 8)
	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(blockAlign),
		BlockAlign:    blockAlign,
		BitsPerSample: uint16(bitsPerSample),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// EncodeWAV wraps raw PCM bytes in a WAV container
func EncodeWAV(pcm []byte, sampleRate, channels, bitsPerSample int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 || bitsPerSample <= 0 || bitsPerSample%8 != 0 {
		return nil, fmt.Errorf("invalid PCM layout: %d channels, %d bits", channels, bitsPerSample)
	}

	header := NewWAVHeader(sampleRate, channels, bitsPerSample, uint32(len(pcm)))

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	buf.Write(pcm)

	return buf.Bytes(), nil
}

// FinalizeWAV rewrites the RIFF and data chunk sizes of a WAV payload in
// place. Encoders writing to a pipe cannot seek back, so they emit
// placeholder sizes; the artifact gets the real ones once it is complete.
func FinalizeWAV(data []byte) error {
	if len(data) < wavFirstChunkAt {
		return fmt.Errorf("WAV data too short: got %d bytes", len(data))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing RIFF/WAVE header")
	}

	offset := wavFirstChunkAt
	for offset+wavChunkHeader <= len(data) {
		id := string(data[offset : offset+4])
		size := binary.LittleEndian.Uint32(data[offset+4 : offset+8])

		if id == "data" {
			payload := len(data) - offset - wavChunkHeader
			binary.LittleEndian.PutUint32(data[offset+4:offset+8], uint32(payload))
			binary.LittleEndian.PutUint32(data[wavRIFFSizeAt:wavRIFFSizeAt+4], uint32(len(data)-8))
			return nil
		}

		next := offset + wavChunkHeader + int(size)
		if size%2 == 1 {
			next++
		}
		if next <= offset || next > len(data) {
			break
		}
		offset = next
	}

	return fmt.Errorf("invalid WAV file: missing data chunk")
}

// GetWAVInfo extracts metadata from a canonical WAV payload
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	if len(data) < wavHeaderSize {
		return nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if string(header.ChunkID[:]) != "RIFF" || string(header.Format[:]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF/WAVE header")
	}
	if string(header.Subchunk2ID[:]) != "data" {
		return nil, fmt.Errorf("invalid WAV file: data chunk is not canonical")
	}
	if header.SampleRate == 0 || header.BlockAlign == 0 {
		return nil, fmt.Errorf("invalid WAV file: zero sample rate or block align")
	}

	frames := header.Subchunk2Size / uint32(header.BlockAlign)

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(frames) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
	}, nil
}
