package progress

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type capture struct {
	mu     sync.Mutex
	events []webhookEvent
}

func (c *capture) serve(w http.ResponseWriter, r *http.Request) {
	var ev webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *capture) all() []webhookEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webhookEvent(nil), c.events...)
}

func newCapture(t *testing.T) (*capture, string) {
	t.Helper()
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.serve))
	t.Cleanup(srv.Close)
	return c, srv.URL
}

func TestCompleteModeSinglePost(t *testing.T) {
	c, url := newCapture(t)
	s := NewSender(url, ModeComplete, 0, nil)
	cbs := s.Callbacks()

	cbs.Progress("part one. ")
	cbs.Progress("part two.")
	cbs.Complete("part one. part two.")

	events := c.all()
	if len(events) != 2 {
		t.Fatalf("events = %d, want progress+complete", len(events))
	}
	if events[0].Type != "progress" || events[0].Text != "part one. part two." {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].Type != "complete" {
		t.Errorf("events[1] = %+v", events[1])
	}
}

func TestIterationMode(t *testing.T) {
	c, url := newCapture(t)
	s := NewSender(url, ModeIteration, 0, nil)
	cbs := s.Callbacks()

	cbs.IterationComplete("first pass")
	cbs.IterationComplete("  ") // blank iterations are skipped
	cbs.IterationComplete("second pass")
	cbs.Complete("done")

	events := c.all()
	if len(events) != 3 {
		t.Fatalf("events = %v", events)
	}
	if events[0].Text != "first pass" || events[1].Text != "second pass" {
		t.Errorf("iteration posts = %+v", events[:2])
	}
	if events[2].Type != "complete" {
		t.Errorf("terminal = %+v", events[2])
	}
}

func TestSentenceMode(t *testing.T) {
	c, url := newCapture(t)
	s := NewSender(url, ModeSentence, 0, nil)
	cbs := s.Callbacks()

	cbs.Progress("The answer")
	if len(c.all()) != 0 {
		t.Fatal("no complete sentence yet, nothing should post")
	}
	cbs.Progress(" is 42. More to")
	events := c.all()
	if len(events) != 1 || events[0].Text != "The answer is 42." {
		t.Fatalf("events = %+v", events)
	}
	cbs.Progress(" come! And")
	events = c.all()
	if len(events) != 2 || events[1].Text != " More to come!" {
		t.Fatalf("events = %+v", events)
	}
	cbs.Complete("whole response")
	events = c.all()
	if events[len(events)-1].Type != "complete" {
		t.Errorf("terminal = %+v", events[len(events)-1])
	}
}

func TestPeriodicMode(t *testing.T) {
	c, url := newCapture(t)
	s := NewSender(url, ModePeriodic, time.Second, nil)
	cbs := s.Callbacks()

	cbs.Progress("tick one ")
	time.Sleep(1200 * time.Millisecond)
	cbs.Progress("tick two")
	cbs.Complete("all")

	events := c.all()
	if len(events) < 2 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Type != "progress" || events[0].Text != "tick one " {
		t.Errorf("first periodic post = %+v", events[0])
	}
	if events[len(events)-1].Type != "complete" {
		t.Errorf("terminal = %+v", events[len(events)-1])
	}
}

func TestPeriodicIntervalClamped(t *testing.T) {
	s := NewSender("http://127.0.0.1:1", ModePeriodic, 10*time.Millisecond, nil)
	defer s.Close()
	if s.interval < MinPeriodicInterval {
		t.Errorf("interval = %v, want >= %v", s.interval, MinPeriodicInterval)
	}
}

func TestWebhookFailureSwallowed(t *testing.T) {
	// Nothing listens on this port; delivery must fail silently.
	s := NewSender("http://127.0.0.1:1", ModeComplete, 0, nil)
	cbs := s.Callbacks()
	cbs.Progress("text")
	cbs.Complete("text") // must not panic or block forever
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"complete", ModeComplete},
		{"iteration", ModeIteration},
		{"periodic", ModePeriodic},
		{"sentence", ModeSentence},
		{"", ModeComplete},
		{"bogus", ModeComplete},
	}
	for _, tt := range tests {
		if got := ParseMode(tt.in); got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLastSentenceEnd(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"no end", 0},
		{"done.", 5},
		{"one. two! three", 9},
		{"what? now", 5},
		{"v1.2 release", 0}, // punctuation must precede whitespace or end
	}
	for _, tt := range tests {
		if got := lastSentenceEnd(tt.in); got != tt.want {
			t.Errorf("lastSentenceEnd(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNilCallbacksSafe(t *testing.T) {
	var cbs *Callbacks
	cbs.Status("x")
	cbs.Progress("x")
	cbs.Complete("x")
	cbs.Error("x")
	cbs.ToolUse("t", nil)
	cbs.ToolResult("t", "r")
	cbs.IterationComplete("x")
}

func TestMergeFansOut(t *testing.T) {
	var a, b []string
	merged := Merge(
		&Callbacks{OnStatus: func(m string) { a = append(a, m) }},
		nil,
		&Callbacks{OnStatus: func(m string) { b = append(b, m) }},
	)
	merged.Status("hello")
	if len(a) != 1 || len(b) != 1 {
		t.Errorf("fan-out missed: a=%v b=%v", a, b)
	}
}
