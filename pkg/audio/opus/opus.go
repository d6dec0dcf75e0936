// Package opus provides an Opus → PCM [audio.Decoder] backed by libopus via
// gopus.
//
// The decoder consumes DCA-framed streams: a sequence of Opus packets, each
// preceded by its int16 little-endian byte length. DCA is the de-facto
// container for pre-encoded voice assets in Go audio tooling and is what the
// interview orchestrator serves for compressed voice responses.
package opus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"layeh.com/gopus"

	"github.com/xlwl/mianvoice/pkg/audio"
)

// Opus voice assets are 48 kHz stereo at 20 ms frame size.
const (
	sampleRate  = 48000
	channels    = 2
	frameSizeMs = 20
	// frameSize is the number of samples per channel per 20 ms frame.
	frameSize = sampleRate * frameSizeMs / 1000 // 960

	// maxPacket bounds a single Opus packet; anything larger means the
	// stream is not DCA-framed.
	maxPacket = 8192
)

// Decoder implements [audio.Decoder] for DCA-framed Opus streams.
// The zero value is ready to use; each Decode call creates a fresh libopus
// decoder so calls are independent and safe to run concurrently.
type Decoder struct{}

// Compile-time assertion that Decoder satisfies the audio.Decoder interface.
var _ audio.Decoder = (*Decoder)(nil)

// Decode reads length-prefixed Opus packets from r until EOF and returns the
// concatenated interleaved PCM along with its fixed 48 kHz stereo format.
func (Decoder) Decode(ctx context.Context, r io.Reader) ([]byte, audio.Format, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("opus: create decoder: %w", err)
	}

	format := audio.Format{SampleRate: sampleRate, Channels: channels}
	var pcm []byte
	packet := make([]byte, maxPacket)

	for {
		if err := ctx.Err(); err != nil {
			return nil, audio.Format{}, err
		}

		var pktLen int16
		if err := binary.Read(r, binary.LittleEndian, &pktLen); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, audio.Format{}, fmt.Errorf("opus: read packet length: %w", err)
		}
		if pktLen <= 0 || int(pktLen) > maxPacket {
			return nil, audio.Format{}, fmt.Errorf("opus: invalid packet length %d", pktLen)
		}

		buf := packet[:pktLen]
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, audio.Format{}, fmt.Errorf("opus: read packet: %w", err)
		}

		samples, err := dec.Decode(buf, frameSize, false)
		if err != nil {
			return nil, audio.Format{}, fmt.Errorf("opus: decode packet: %w", err)
		}
		pcm = append(pcm, audio.Int16sToBytes(samples)...)
	}

	if len(pcm) == 0 {
		return nil, audio.Format{}, errors.New("opus: stream contained no audio")
	}
	return pcm, format, nil
}
