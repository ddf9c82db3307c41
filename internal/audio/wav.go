package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
)

const wavHeaderSize = 44

// streamingSize marks RIFF and data chunk lengths as unknown, which players
// treat as "read until EOF".
const streamingSize = 0xFFFFFFFF

// EncodeWAV wraps a complete 16-bit PCM buffer in a WAV container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           make([]int, len(pcm)/2),
		SourceBitDepth: 16,
	}
	for i := range buffer.Data {
		buffer.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return encode(buffer, f)
}

// StreamHeader returns a 44-byte WAV header for a stream of unknown length.
func StreamHeader(f Format) ([]byte, error) {
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		SourceBitDepth: 16,
	}
	data, err := encode(buffer, f)
	if err != nil {
		return nil, err
	}
	if len(data) < wavHeaderSize {
		return nil, fmt.Errorf("wav header truncated: %d bytes", len(data))
	}
	header := data[:wavHeaderSize]
	binary.LittleEndian.PutUint32(header[4:8], streamingSize)
	binary.LittleEndian.PutUint32(header[40:44], streamingSize)
	return header, nil
}

// encode runs the wav encoder against an in-memory file because it needs to
// seek back and patch chunk sizes on Close.
func encode(buffer *goaudio.IntBuffer, f Format) ([]byte, error) {
	fs := afero.NewMemMapFs()
	const name = "stream.wav"
	file, err := fs.Create(name)
	if err != nil {
		return nil, fmt.Errorf("create in-memory wav: %w", err)
	}

	enc := wav.NewEncoder(file, f.SampleRate, 16, f.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		file.Close()
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		file.Close()
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("rewind wav: %w", err)
	}
	defer file.Close()
	return io.ReadAll(file)
}
