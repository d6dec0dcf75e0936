// Package interview orchestrates a voice interview session: it records the
// interviewee, turns speech into text, exchanges turns with the remote
// orchestrator, and plays the digital human's responses, looping until the
// interview is declared complete.
package interview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xlwl/mianvoice/internal/health"
	"github.com/xlwl/mianvoice/internal/observe"
	"github.com/xlwl/mianvoice/internal/playback"
	"github.com/xlwl/mianvoice/internal/protocol"
	"github.com/xlwl/mianvoice/internal/record"
)

// ErrCompleted is the clean-shutdown cause when the interview finishes.
var ErrCompleted = errors.New("interview: session completed")

// Recorder captures one utterance at a time.
type Recorder interface {
	Record(ctx context.Context) (record.Result, error)
	Stop()
	Active() bool
}

// Speech converts between audio and text.
type Speech interface {
	Recognize(ctx context.Context, pcm []byte) (string, error)
	Synthesize(ctx context.Context, text string) (string, error)
}

// Player plays response assets and reports when each playback ends.
type Player interface {
	Play(ctx context.Context, req playback.Request) error
	Stop()
	Done() <-chan error
	State() playback.State
}

// Conn is the duplex connection to the remote orchestrator.
type Conn interface {
	Connect(ctx context.Context, sess protocol.Session) (bool, error)
	SubmitText(ctx context.Context, text string) error
	Interrupt(ctx context.Context) error
	Events() <-chan protocol.Event
	State() protocol.ConnState
	Close() error
}

// Config tunes the turn loop.
type Config struct {
	// Session identifies and contextualizes the interview being joined.
	Session protocol.Session

	// ConnectRetries bounds how many dial attempts Run makes before giving
	// up. Zero means 3.
	ConnectRetries int

	// ConnectSpacing is the pause between dial attempts. Zero means 4s.
	ConnectSpacing time.Duration

	// AutoListen restarts recording automatically after each response
	// finishes playing.
	AutoListen bool

	// ListenRestartDelay is the pause before auto-listening resumes.
	// Zero means 500ms.
	ListenRestartDelay time.Duration

	// WatchdogDelay bounds how long a submitted utterance may wait for a
	// response before listening resumes anyway. Zero means 5s.
	WatchdogDelay time.Duration

	// CompletionKeywords end the session when one appears in a response
	// and no explicit completion flag was sent.
	CompletionKeywords []string
}

func (c Config) withDefaults() Config {
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 3
	}
	if c.ConnectSpacing <= 0 {
		c.ConnectSpacing = 4 * time.Second
	}
	if c.ListenRestartDelay <= 0 {
		c.ListenRestartDelay = 500 * time.Millisecond
	}
	if c.WatchdogDelay <= 0 {
		c.WatchdogDelay = 5 * time.Second
	}
	return c
}

// Option configures a [Manager].
type Option func(*Manager)

// WithMetrics attaches turn-loop instrumentation.
func WithMetrics(m *observe.Metrics) Option {
	return func(mg *Manager) { mg.metrics = m }
}

// Manager drives the interview turn loop.
type Manager struct {
	cfg      Config
	recorder Recorder
	speech   Speech
	player   Player
	conn     Conn
	ledger   *playback.Ledger
	log      *slog.Logger
	metrics  *observe.Metrics

	conv *Conversation

	// listenCh serializes listen requests so at most one recording runs.
	listenCh chan struct{}

	// noticeCh carries one-line user-facing status updates and transient
	// error advisories. Sends never block; a slow consumer just misses lines.
	noticeCh chan string

	// submittedCh tells the event loop an utterance went out, carrying the
	// turn start time. The listen loop never touches turn state directly.
	submittedCh chan time.Time

	// completed is latched by the event loop and read by Snapshot.
	completed atomic.Bool

	// state below is owned by the event loop goroutine.
	processing bool
	speaking   bool
	awaiting   bool // an utterance was submitted, response pending
	turnStart  time.Time
}

// New assembles a manager. The ledger must be the same one the player's
// controller deduplicates with, so a session reset clears both.
func New(cfg Config, recorder Recorder, speech Speech, player Player, conn Conn, ledger *playback.Ledger, log *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:         cfg.withDefaults(),
		recorder:    recorder,
		speech:      speech,
		player:      player,
		conn:        conn,
		ledger:      ledger,
		log:         log,
		conv:        NewConversation(),
		listenCh:    make(chan struct{}, 1),
		noticeCh:    make(chan string, 8),
		submittedCh: make(chan time.Time, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Conversation returns the session transcript.
func (m *Manager) Conversation() *Conversation {
	return m.conv
}

// Notices returns the stream of one-line status updates and transient error
// advisories, suitable for direct display.
func (m *Manager) Notices() <-chan string {
	return m.noticeCh
}

func (m *Manager) notify(format string, args ...any) {
	select {
	case m.noticeCh <- fmt.Sprintf(format, args...):
	default:
	}
}

// Snapshot reports the live session state for status probes.
func (m *Manager) Snapshot() health.SessionSnapshot {
	return health.SessionSnapshot{
		SessionID:  m.cfg.Session.ID,
		Connection: m.conn.State().String(),
		Playback:   m.player.State().String(),
		Turns:      m.conv.Len(),
		Completed:  m.completed.Load(),
	}
}

// Run joins the session and drives the turn loop until the interview
// completes, the context ends, or the connection is lost. It returns nil
// on clean completion.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.connect(ctx); err != nil {
		return err
	}
	defer m.teardown()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.eventLoop(ctx) })
	g.Go(func() error { return m.listenLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, ErrCompleted) {
		m.log.Info("interview completed", "turns", m.conv.Len())
		return nil
	}
	return err
}

// Listen requests a recording pass. It is a no-op when one is already
// queued or running.
func (m *Manager) Listen() {
	select {
	case m.listenCh <- struct{}{}:
	default:
	}
}

// Interrupt cuts off the current response, both locally and remotely.
func (m *Manager) Interrupt(ctx context.Context) error {
	m.player.Stop()
	if err := m.conn.Interrupt(ctx); err != nil && !errors.Is(err, protocol.ErrNotConnected) {
		return err
	}
	return nil
}

// connect dials with bounded retries. The protocol client enforces its own
// attempt spacing; a false start counts against the retry budget only when
// the dial itself failed.
func (m *Manager) connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= m.cfg.ConnectRetries; attempt++ {
		started, err := m.conn.Connect(ctx, m.cfg.Session)
		if err == nil {
			if started {
				return nil
			}
			if m.conn.State() == protocol.StateConnected {
				return nil
			}
		} else {
			lastErr = err
			m.log.Warn("connect attempt failed",
				"attempt", attempt,
				"retries", m.cfg.ConnectRetries,
				"error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.ConnectSpacing):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no attempt started")
	}
	return fmt.Errorf("interview: connect session %s: %w", m.cfg.Session.ID, lastErr)
}

// eventLoop handles protocol events, playback completions, and the
// re-listen and watchdog timers. All turn-loop state lives here.
func (m *Manager) eventLoop(ctx context.Context) error {
	relisten := time.NewTimer(0)
	stopTimer(relisten)
	defer relisten.Stop()
	watchdog := time.NewTimer(0)
	stopTimer(watchdog)
	defer watchdog.Stop()

	// The orchestrator opens with a greeting; nudge listening in case the
	// first response never arrives.
	if m.cfg.AutoListen {
		watchdog.Reset(m.cfg.WatchdogDelay)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-m.conn.Events():
			if !ok {
				return errors.New("interview: event stream closed")
			}
			switch ev.Kind {
			case protocol.KindVoiceResponse:
				stopTimer(watchdog)
				m.awaiting = false
				if err := m.handleResponse(ctx, ev.Voice); err != nil {
					m.log.Error("handling response", "error", err)
					if m.metrics != nil {
						m.metrics.SpeechErrors.Add(ctx, 1)
					}
					m.scheduleRelisten(relisten)
				}
				// A completed response with nothing left to play (blank
				// text, or a dropped duplicate) ends the session here;
				// otherwise the pending playback's Done does.
				if m.completed.Load() && m.playbackSettled() {
					return ErrCompleted
				}
			case protocol.KindStatus:
				m.processing = ev.Status.IsProcessing
				m.speaking = ev.Status.IsDigitalHumanSpeaking
				if ev.Status.Completed() {
					m.completed.Store(true)
				}
				if m.completed.Load() && m.playbackSettled() && !m.recorder.Active() {
					return ErrCompleted
				}
				if !m.processing && !m.speaking && !m.awaiting {
					m.scheduleRelisten(relisten)
				}
			case protocol.KindError:
				m.log.Warn("server error", "message", ev.Err)
				m.notify("server error: %s", ev.Err)
				if m.metrics != nil {
					m.metrics.SpeechErrors.Add(ctx, 1)
				}
				m.awaiting = false
				m.scheduleRelisten(relisten)
			case protocol.KindDisconnected:
				if ev.Err != "" {
					return fmt.Errorf("interview: connection lost: %s", ev.Err)
				}
				return errors.New("interview: disconnected")
			}

		case turnStart := <-m.submittedCh:
			m.awaiting = true
			m.turnStart = turnStart
			stopTimer(watchdog)
			watchdog.Reset(m.cfg.WatchdogDelay)

		case err := <-m.player.Done():
			if err != nil {
				m.log.Warn("playback ended with error", "error", err)
			}
			if m.completed.Load() {
				return ErrCompleted
			}
			if !m.turnStart.IsZero() && m.metrics != nil {
				m.metrics.TurnDuration.Record(ctx, time.Since(m.turnStart).Seconds())
				m.turnStart = time.Time{}
			}
			m.scheduleRelisten(relisten)

		case <-relisten.C:
			if m.completed.Load() {
				return ErrCompleted
			}
			m.Listen()

		case <-watchdog.C:
			if m.awaiting {
				m.log.Warn("no response within watchdog window, resuming listening")
				m.awaiting = false
			}
			m.scheduleRelisten(relisten)
		}
	}
}

// playbackSettled reports whether no response is being prepared or played,
// so a latched completion can surface immediately instead of waiting for a
// playback Done that will never come.
func (m *Manager) playbackSettled() bool {
	st := m.player.State()
	return st != playback.StatePreparing && st != playback.StatePlaying
}

// scheduleRelisten arms the auto-listen timer, when auto-listen is on and
// nothing is being recorded, processed, or spoken.
func (m *Manager) scheduleRelisten(t *time.Timer) {
	if !m.cfg.AutoListen || m.completed.Load() {
		return
	}
	if m.recorder.Active() || m.processing || m.speaking || m.awaiting {
		return
	}
	if m.player.State() == playback.StatePlaying || m.player.State() == playback.StatePreparing {
		return
	}
	stopTimer(t)
	t.Reset(m.cfg.ListenRestartDelay)
}

// listenLoop serializes recording passes requested via Listen.
func (m *Manager) listenLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.listenCh:
			if err := m.listenOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				m.log.Warn("listen pass failed", "error", err)
				m.notify("speech error: %v", err)
				if m.metrics != nil {
					m.metrics.SpeechErrors.Add(ctx, 1)
				}
				// Keep the loop alive; the next playback completion or
				// status event re-triggers listening.
			}
		}
	}
}

// listenOnce records one utterance, recognizes it, and submits the text.
func (m *Manager) listenOnce(ctx context.Context) error {
	if m.completed.Load() {
		return nil
	}
	m.notify("listening")
	res, err := m.recorder.Record(ctx)
	if err != nil {
		if errors.Is(err, record.ErrBusy) {
			return nil
		}
		return fmt.Errorf("record: %w", err)
	}
	if !res.Valid || len(res.PCM) == 0 {
		m.log.Debug("capture discarded", "duration", res.Duration)
		m.Listen()
		return nil
	}

	m.notify("recognizing %.1fs of speech", res.Duration.Seconds())
	start := time.Now()
	text, err := m.speech.Recognize(ctx, res.PCM)
	if err != nil {
		return fmt.Errorf("recognize: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		m.log.Debug("empty transcript, listening again")
		m.Listen()
		return nil
	}

	turn := m.conv.Append(RoleUser, text)
	m.log.Info("utterance submitted", "turn_id", turn.ID, "chars", len([]rune(text)))
	m.notify("you: %s", text)
	if m.metrics != nil {
		m.metrics.Turns.Add(ctx, 1)
	}
	if err := m.conn.SubmitText(ctx, text); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	select {
	case m.submittedCh <- start:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// handleResponse logs the response, resolves its audio asset, and starts
// playback. Completion is latched before playback so the session ends after
// the final response finishes playing.
func (m *Manager) handleResponse(ctx context.Context, v protocol.VoiceResponse) error {
	if echo := strings.TrimSpace(v.UserText); echo != "" {
		// Re-broadcast responses echo the same user text; record it once.
		if last, ok := m.conv.LastByRole(RoleUser); !ok || last.Text != echo {
			m.conv.Append(RoleUser, echo)
		}
	}
	// The explicit completion flag is authoritative and counts even when
	// the response carries no text to speak.
	text := strings.TrimSpace(v.Text)
	if v.Completed() || (text != "" && m.matchesCompletionKeyword(text)) {
		m.completed.Store(true)
	}
	if text == "" {
		return nil
	}

	source := v.AudioURL
	if v.ClientTTS() {
		path, err := m.speech.Synthesize(ctx, text)
		if err != nil {
			return fmt.Errorf("synthesize response: %w", err)
		}
		source = path
	}

	identity := playback.Identity(text, v.AudioURL)
	err := m.player.Play(ctx, playback.Request{
		AssetPath: source,
		Identity:  identity,
		Text:      text,
	})
	if errors.Is(err, playback.ErrDuplicateResponse) {
		// A re-broadcast of a response already played or in flight; it gets
		// no conversation turn of its own.
		m.log.Debug("duplicate response dropped", "identity", identity)
		return nil
	}
	if err != nil {
		return err
	}

	turn := m.conv.Append(RoleAssistant, text)
	m.log.Info("response playing", "turn_id", turn.ID, "chars", len([]rune(text)))
	m.notify("interviewer: %s", text)
	return nil
}

// matchesCompletionKeyword reports whether the response text signals the end
// of the interview without an explicit flag.
func (m *Manager) matchesCompletionKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range m.cfg.CompletionKeywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// teardown releases resources in dependency order: capture first, then
// playback, then the connection, then the dedup ledger.
func (m *Manager) teardown() {
	m.recorder.Stop()
	m.player.Stop()
	if err := m.conn.Close(); err != nil {
		m.log.Warn("closing connection", "error", err)
	}
	m.ledger.Reset()
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
