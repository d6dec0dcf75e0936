// Package wav reads and writes the minimal linear-PCM RIFF/WAVE container
// used for playable assets in the mianvoice pipeline: the fixed 44-byte
// header followed by raw little-endian 16-bit samples. Downstream mouth-sync
// and the digital-human renderer require raw samples, so every compressed
// asset is re-wrapped into this container by the transcoder.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/xlwl/mianvoice/pkg/audio"
)

// HeaderSize is the length of the canonical PCM WAVE header this package
// produces: RIFF chunk descriptor, "fmt " subchunk (16 bytes of fields), and
// the "data" subchunk header.
const HeaderSize = 44

const bitsPerSample = 16

// ErrNotWAV is returned by [Decode] when the stream does not begin with a
// RIFF/WAVE PCM header this package understands.
var ErrNotWAV = errors.New("wav: not a PCM RIFF/WAVE stream")

// WriteHeader writes the 44-byte PCM WAVE header for dataLen bytes of 16-bit
// samples in the given format.
func WriteHeader(w io.Writer, format audio.Format, dataLen int) error {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return fmt.Errorf("wav: invalid format %v", format)
	}
	byteRate := format.SampleRate * format.Channels * bitsPerSample / 8
	blockAlign := format.Channels * bitsPerSample / 8

	var hdr [HeaderSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(dataLen+HeaderSize-8))
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16) // PCM subchunk size
	binary.LittleEndian.PutUint16(hdr[20:22], 1)  // audio format: linear PCM
	binary.LittleEndian.PutUint16(hdr[22:24], uint16(format.Channels))
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(hdr[34:36], bitsPerSample)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], uint32(dataLen))

	_, err := w.Write(hdr[:])
	return err
}

// Write writes a complete WAVE file: header followed by the PCM payload.
func Write(w io.Writer, format audio.Format, pcm []byte) error {
	if err := WriteHeader(w, format, len(pcm)); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}

// Decode parses a PCM WAVE stream and returns the raw samples and their
// format. Streams with extra subchunks between "fmt " and "data" are
// accepted; compressed (non-PCM) WAVE files return [ErrNotWAV].
func Decode(r io.Reader) (pcm []byte, format audio.Format, err error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, audio.Format{}, ErrNotWAV
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, audio.Format{}, ErrNotWAV
	}

	var haveFmt bool
	for {
		var chunkHdr [8]byte
		if _, err := io.ReadFull(r, chunkHdr[:]); err != nil {
			return nil, audio.Format{}, ErrNotWAV
		}
		id := string(chunkHdr[0:4])
		size := binary.LittleEndian.Uint32(chunkHdr[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, audio.Format{}, ErrNotWAV
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, audio.Format{}, ErrNotWAV
			}
			audioFormat := binary.LittleEndian.Uint16(body[0:2])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if audioFormat != 1 || bits != bitsPerSample {
				return nil, audio.Format{}, ErrNotWAV
			}
			format.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			haveFmt = true

		case "data":
			if !haveFmt {
				return nil, audio.Format{}, ErrNotWAV
			}
			pcm = make([]byte, size)
			if _, err := io.ReadFull(r, pcm); err != nil {
				return nil, audio.Format{}, fmt.Errorf("wav: short data chunk: %w", err)
			}
			return pcm, format, nil

		default:
			// Skip unknown subchunks (LIST, fact, ...).
			if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
				return nil, audio.Format{}, ErrNotWAV
			}
		}
	}
}

// Sniff reports whether the first bytes of b look like a RIFF/WAVE stream.
// It needs at least 12 bytes to decide.
func Sniff(b []byte) bool {
	return len(b) >= 12 && string(b[0:4]) == "RIFF" && string(b[8:12]) == "WAVE"
}
