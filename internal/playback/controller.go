// Package playback manages the single active audio playback for the
// interview session: deduplication by response identity, the
// idle → preparing → playing → completed state machine, and the amplitude
// sampling that drives the digital human's mouth.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xlwl/mianvoice/internal/observe"
	"github.com/xlwl/mianvoice/pkg/audio"
)

// State represents the playback lifecycle position.
type State int

const (
	// StateIdle means no playback is active.
	StateIdle State = iota

	// StatePreparing means the asset is being resolved/transcoded.
	StatePreparing

	// StatePlaying means the device is producing audio.
	StatePlaying

	// StateCompleted is the transient position after natural completion,
	// before returning to idle.
	StateCompleted

	// StateFailed is the transient position after a device error, before
	// returning to idle.
	StateFailed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePreparing:
		return "preparing"
	case StatePlaying:
		return "playing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrDuplicateResponse reports that a play request carried an identity the
// ledger has already seen. Duplicates are dropped by design; callers log
// and move on.
var ErrDuplicateResponse = errors.New("playback: duplicate response dropped")

// Mouth-sync mapping defaults: openness = clamp(rms·gain, 0, maxOpenness).
const (
	defaultGain        = 3.0
	defaultMaxOpenness = 0.8
)

// Request identifies one playable response.
type Request struct {
	// AssetPath is the local path or URL of the audio asset.
	AssetPath string

	// Identity is the dedup key from [Identity]. Empty skips deduplication.
	Identity string

	// Text is the spoken response text, forwarded to the renderer.
	Text string
}

// MouthSample is one normalized mouth-openness value derived from playback
// amplitude. Consumed immediately by the avatar renderer; never persisted.
type MouthSample struct {
	// Openness in [0, maxOpenness].
	Openness float64

	// Timestamp relative to playback start.
	Timestamp time.Duration
}

// AssetPreparer resolves an asset path or URL into a locally playable PCM
// file. Implemented by the transcoder.
type AssetPreparer interface {
	EnsurePlayable(ctx context.Context, source string) (string, error)
}

// Option is a functional option for configuring a [Controller].
type Option func(*Controller)

// WithMouthMapping overrides the RMS → openness gain and ceiling.
func WithMouthMapping(gain, maxOpenness float64) Option {
	return func(c *Controller) {
		c.gain = gain
		c.maxOpenness = maxOpenness
	}
}

// WithAssetSink registers the renderer callback invoked with every prepared
// playable asset path before the device starts ("ready for a new playable
// asset"). May be nil.
func WithAssetSink(fn func(path string)) Option {
	return func(c *Controller) { c.assetSink = fn }
}

// WithMetrics overrides the metrics instance, primarily for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller enforces at-most-one concurrent playback with exactly-once
// semantics per response identity.
//
// All methods are safe for concurrent use. Event channels (Speaking,
// MouthSamples, Done) are buffered; slow consumers lose mouth samples (they
// are ephemeral by design) but never lifecycle events.
type Controller struct {
	prep        AssetPreparer
	sink        audio.Sink
	ledger      *Ledger
	gain        float64
	maxOpenness float64
	assetSink   func(string)
	metrics     *observe.Metrics

	mu       sync.Mutex
	state    State
	activeID string

	speakingCh chan bool
	mouthCh    chan MouthSample
	doneCh     chan error

	wg sync.WaitGroup
}

// New creates a Controller playing through sink, resolving assets with prep,
// and deduplicating against ledger.
func New(prep AssetPreparer, sink audio.Sink, ledger *Ledger, opts ...Option) *Controller {
	c := &Controller{
		prep:        prep,
		sink:        sink,
		ledger:      ledger,
		gain:        defaultGain,
		maxOpenness: defaultMaxOpenness,
		speakingCh:  make(chan bool, 8),
		mouthCh:     make(chan MouthSample, 64),
		doneCh:      make(chan error, 4),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// State returns the current lifecycle position.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Speaking delivers true when playback starts and false when it ends
// (complete, failed, or interrupted).
func (c *Controller) Speaking() <-chan bool { return c.speakingCh }

// MouthSamples delivers openness samples while playback is active. A final
// zero sample is emitted when speaking stops.
func (c *Controller) MouthSamples() <-chan MouthSample { return c.mouthCh }

// Done delivers one value per accepted Play call: nil for natural
// completion, an error otherwise. Duplicate-dropped requests emit nothing.
func (c *Controller) Done() <-chan error { return c.doneCh }

// Play executes one playback request. It returns once the device has
// started; completion is reported on [Controller.Done].
//
// A request whose identity is already completed or in flight is dropped with
// [ErrDuplicateResponse]. A non-duplicate request arriving while another
// playback is active tears the active one down first (interrupt semantics).
func (c *Controller) Play(ctx context.Context, req Request) error {
	if !c.ledger.Begin(req.Identity) {
		c.metrics.DuplicateDrops.Add(ctx, 1)
		slog.Warn("duplicate voice response dropped", "identity", req.Identity)
		return ErrDuplicateResponse
	}

	c.mu.Lock()
	if c.state == StatePreparing || c.state == StatePlaying {
		prev := c.activeID
		c.mu.Unlock()
		slog.Info("interrupting active playback for new response", "prev", prev)
		c.Stop()
		c.wg.Wait()
		c.mu.Lock()
	}
	c.state = StatePreparing
	c.activeID = req.Identity
	c.mu.Unlock()

	c.metrics.ActivePlaybacks.Add(ctx, 1)

	path, err := c.prep.EnsurePlayable(ctx, req.AssetPath)
	if err != nil {
		// Transcode failures are non-fatal: attempt the original asset.
		slog.Warn("asset preparation failed, falling back to original", "asset", req.AssetPath, "err", err)
		path = req.AssetPath
	}

	if c.assetSink != nil {
		c.assetSink(path)
	}

	if err := c.sink.Play(ctx, path); err != nil {
		c.finish(ctx, req.Identity, fmt.Errorf("playback: device start: %w", err))
		return fmt.Errorf("playback: device start: %w", err)
	}

	c.mu.Lock()
	c.state = StatePlaying
	c.mu.Unlock()
	c.emitSpeaking(true)
	slog.Info("playback started", "asset", path, "identity", req.Identity)

	c.wg.Add(1)
	go c.supervise(ctx, req.Identity)
	return nil
}

// Stop interrupts the active playback, if any. Completion (as an error) is
// still reported on Done by the supervising goroutine.
func (c *Controller) Stop() {
	c.mu.Lock()
	active := c.state == StatePreparing || c.state == StatePlaying
	c.mu.Unlock()
	if !active {
		return
	}
	if err := c.sink.Stop(); err != nil {
		slog.Warn("sink stop failed", "err", err)
	}
}

// supervise consumes amplitude tap frames until the sink reports completion,
// emitting mouth samples along the way.
func (c *Controller) supervise(ctx context.Context, id string) {
	defer c.wg.Done()

	amp := c.sink.Amplitude()
	for {
		select {
		case frame, ok := <-amp:
			if !ok {
				amp = nil
				continue
			}
			c.emitMouth(frame)

		case err := <-c.sink.Done():
			c.finish(ctx, id, err)
			return

		case <-ctx.Done():
			_ = c.sink.Stop()
			c.finish(ctx, id, ctx.Err())
			return
		}
	}
}

// finish settles one playback: ledger bookkeeping, state transition, final
// events. err == nil means natural completion.
func (c *Controller) finish(ctx context.Context, id string, err error) {
	c.mu.Lock()
	if err == nil {
		c.state = StateCompleted
	} else {
		c.state = StateFailed
	}
	c.mu.Unlock()

	if err == nil {
		c.ledger.Complete(id)
		slog.Info("playback completed", "identity", id, "played_total", c.ledger.Size())
	} else {
		// Clear in-flight so a retried identical response is not wrongly
		// treated as a duplicate.
		c.ledger.Fail(id)
		slog.Error("playback failed", "identity", id, "err", err)
	}

	c.emitSpeaking(false)
	c.emitSample(MouthSample{Openness: 0})
	c.metrics.ActivePlaybacks.Add(ctx, -1)

	c.mu.Lock()
	c.state = StateIdle
	c.activeID = ""
	c.mu.Unlock()

	select {
	case c.doneCh <- err:
	default:
		slog.Warn("playback done event dropped: consumer not keeping up")
	}
}

// emitMouth converts one amplitude frame into a mouth sample.
func (c *Controller) emitMouth(frame audio.Frame) {
	rms := audio.RMS(frame.Data)
	open := rms * c.gain
	if open > c.maxOpenness {
		open = c.maxOpenness
	}
	c.emitSample(MouthSample{Openness: open, Timestamp: frame.Timestamp})
}

func (c *Controller) emitSample(s MouthSample) {
	select {
	case c.mouthCh <- s:
	default:
		// Mouth samples are ephemeral; dropping under backpressure is fine.
	}
}

func (c *Controller) emitSpeaking(v bool) {
	select {
	case c.speakingCh <- v:
	default:
	}
}
