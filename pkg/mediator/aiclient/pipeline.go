package aiclient

import (
	"log/slog"
	"strings"
	"time"
)

// transcriptPipeline refines raw provider frames into the binding's event
// stream: output transcription accumulates into whole sentences, input
// transcription is debounced and passed through the script and echo filters,
// audio is gated on pause.
type transcriptPipeline struct {
	logger   *slog.Logger
	debounce time.Duration
	now      func() time.Time

	in     <-chan rawEvent
	out    chan<- Event
	done   <-chan struct{}
	paused func() bool

	onSetup func()
	onError func(error)

	ring   *echoRing
	outBuf strings.Builder
	inBuf  strings.Builder
}

func newTranscriptPipeline(
	logger *slog.Logger,
	debounce, echoWindow time.Duration,
	now func() time.Time,
	in <-chan rawEvent,
	out chan<- Event,
	done <-chan struct{},
	paused func() bool,
	onSetup func(),
	onError func(error),
) *transcriptPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 400 * time.Millisecond
	}
	if now == nil {
		now = time.Now
	}
	if paused == nil {
		paused = func() bool { return false }
	}
	return &transcriptPipeline{
		logger:   logger,
		debounce: debounce,
		now:      now,
		in:       in,
		out:      out,
		done:     done,
		paused:   paused,
		onSetup:  onSetup,
		onError:  onError,
		ring:     newEchoRing(echoWindow),
	}
}

func (p *transcriptPipeline) Run() {
	defer close(p.out)

	var (
		debounceTimer  *time.Timer
		debounceActive bool
	)
	stopTimer := func() {
		if debounceTimer == nil {
			return
		}
		if !debounceTimer.Stop() {
			select {
			case <-debounceTimer.C:
			default:
			}
		}
		debounceActive = false
	}
	resetTimer := func() {
		if debounceTimer == nil {
			debounceTimer = time.NewTimer(p.debounce)
			debounceActive = true
			return
		}
		stopTimer()
		debounceTimer.Reset(p.debounce)
		debounceActive = true
	}
	debounceCh := func() <-chan time.Time {
		if !debounceActive || debounceTimer == nil {
			return nil
		}
		return debounceTimer.C
	}
	defer stopTimer()

	for {
		select {
		case ev, ok := <-p.in:
			if !ok {
				return
			}
			if ev.err != nil {
				if p.onError != nil {
					p.onError(ev.err)
				}
				p.emit(Event{Kind: EventError, Err: ev.err})
				return
			}
			if ev.setupComplete {
				if p.onSetup != nil {
					p.onSetup()
				}
				p.emit(Event{Kind: EventSetupComplete})
				continue
			}
			if ev.outputText != "" {
				p.appendOutput(ev.outputText)
			}
			if ev.inputText != "" {
				p.inBuf.WriteString(ev.inputText)
				resetTimer()
			}
			if len(ev.audio) > 0 && !p.paused() {
				p.emit(Event{Kind: EventAudioChunk, Audio: ev.audio})
			}
			if ev.turnComplete {
				stopTimer()
				p.finalizeInput()
				p.flushOutput()
				p.emit(Event{Kind: EventTurnComplete})
			}
		case <-debounceCh():
			debounceActive = false
			p.finalizeInput()
		}
	}
}

// appendOutput accumulates output transcription and emits the buffer as one
// sentence once it ends in a terminator.
func (p *transcriptPipeline) appendOutput(chunk string) {
	p.outBuf.WriteString(chunk)
	trimmed := strings.TrimSpace(p.outBuf.String())
	if trimmed == "" {
		return
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		p.outBuf.Reset()
		p.emitSentence(trimmed)
	}
}

func (p *transcriptPipeline) flushOutput() {
	trimmed := strings.TrimSpace(p.outBuf.String())
	p.outBuf.Reset()
	if trimmed == "" {
		return
	}
	p.emitSentence(trimmed)
}

func (p *transcriptPipeline) emitSentence(raw string) {
	cleaned := cleanSentence(raw)
	if cleaned == "" {
		return
	}
	p.ring.Add(cleaned, p.now())
	p.emit(Event{Kind: EventOutputSentence, Text: cleaned})
}

func (p *transcriptPipeline) finalizeInput() {
	text := strings.Join(strings.Fields(p.inBuf.String()), " ")
	p.inBuf.Reset()
	if text == "" {
		return
	}
	if !acceptTranscript(text) {
		p.logger.Debug("input transcript rejected by script filter", "len", len(text))
		return
	}
	if p.ring.IsEcho(text, p.now()) {
		p.logger.Debug("input transcript rejected as assistant echo", "text", text)
		return
	}
	p.emit(Event{Kind: EventInputTranscript, Text: text})
}

// emit delivers one event unless the binding is shutting down.
func (p *transcriptPipeline) emit(ev Event) {
	if p.done == nil {
		p.out <- ev
		return
	}
	select {
	case p.out <- ev:
	case <-p.done:
	}
}
