package progress

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Mode selects how the webhook relay batches progress text.
type Mode string

const (
	// ModeComplete posts once, on finish.
	ModeComplete Mode = "complete"
	// ModeIteration posts at every iteration boundary.
	ModeIteration Mode = "iteration"
	// ModePeriodic posts accumulated text on a timer.
	ModePeriodic Mode = "periodic"
	// ModeSentence posts up to the last complete sentence as text arrives.
	ModeSentence Mode = "sentence"
)

// MinPeriodicInterval is the floor for the periodic timer.
const MinPeriodicInterval = time.Second

// ParseMode validates a client-supplied mode string, defaulting to complete.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeIteration, ModePeriodic, ModeSentence:
		return Mode(s)
	default:
		return ModeComplete
	}
}

// webhookEvent is the relay's POST body.
type webhookEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Sender relays progress to an external webhook URL. Delivery failures are
// logged and swallowed; they never propagate into the request.
type Sender struct {
	url        string
	mode       Mode
	interval   time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.Mutex
	buf       strings.Builder
	sentUpTo  int
	iterStart int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSender creates a webhook relay. The interval only matters in periodic
// mode and is clamped to MinPeriodicInterval.
func NewSender(url string, mode Mode, interval time.Duration, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	if interval < MinPeriodicInterval {
		interval = MinPeriodicInterval
	}
	s := &Sender{
		url:        url,
		mode:       mode,
		interval:   interval,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "webhook"),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if mode == ModePeriodic {
		go s.periodicLoop()
	} else {
		close(s.done)
	}
	return s
}

// Callbacks returns the surface that feeds this relay.
func (s *Sender) Callbacks() *Callbacks {
	return &Callbacks{
		OnProgress:          s.onProgress,
		OnIterationComplete: s.onIterationComplete,
		OnComplete:          s.onComplete,
		OnError:             func(msg string) { s.Close() },
	}
}

func (s *Sender) onProgress(chunk string) {
	s.mu.Lock()
	s.buf.WriteString(chunk)
	var toSend string
	if s.mode == ModeSentence {
		if end := lastSentenceEnd(s.buf.String()[s.sentUpTo:]); end > 0 {
			toSend = s.buf.String()[s.sentUpTo : s.sentUpTo+end]
			s.sentUpTo += end
		}
	}
	s.mu.Unlock()
	if toSend != "" {
		s.post("progress", toSend)
	}
}

func (s *Sender) onIterationComplete(text string) {
	if s.mode != ModeIteration {
		return
	}
	if strings.TrimSpace(text) != "" {
		s.post("progress", text)
	}
}

func (s *Sender) onComplete(response string) {
	s.Close()
	s.mu.Lock()
	remainder := s.buf.String()[s.sentUpTo:]
	s.sentUpTo = s.buf.Len()
	s.mu.Unlock()

	if s.mode == ModeComplete && remainder != "" {
		s.post("progress", remainder)
	}
	s.post("complete", response)
}

// Close stops the periodic loop. Idempotent.
func (s *Sender) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Sender) periodicLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			pending := s.buf.String()[s.sentUpTo:]
			s.sentUpTo = s.buf.Len()
			s.mu.Unlock()
			if pending != "" {
				s.post("progress", pending)
			}
		}
	}
}

func (s *Sender) post(eventType, text string) {
	body, err := json.Marshal(webhookEvent{Type: eventType, Text: text})
	if err != nil {
		s.logger.Warn("webhook marshal failed", "error", err)
		return
	}
	resp, err := s.httpClient.Post(s.url, "application/json", bytes.NewReader(body))
	if err != nil {
		s.logger.Warn("webhook delivery failed", "url", s.url, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger.Warn("webhook returned non-success", "url", s.url, "status", resp.StatusCode)
	}
}

var sentenceEnd = regexp.MustCompile(`[.!?](\s|$)`)

// lastSentenceEnd returns the offset just past the final sentence-ending
// punctuation in s, or 0 when no complete sentence exists.
func lastSentenceEnd(s string) int {
	locs := sentenceEnd.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return 0
	}
	last := locs[len(locs)-1]
	// Include the punctuation but not trailing whitespace.
	return last[0] + 1
}
