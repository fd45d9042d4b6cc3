package progress

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSend_NilNotifier(t *testing.T) {
	if err := Send(nil, Event{Kind: KindPage}); err != nil {
		t.Errorf("Send(nil) error = %v, want nil", err)
	}
}

func TestSend_ReturnsNotifierError(t *testing.T) {
	want := errors.New("display closed")
	n := NotifierFunc(func(Event) error { return want })

	if err := Send(n, Event{Kind: KindRetry}); !errors.Is(err, want) {
		t.Errorf("Send() error = %v, want %v", err, want)
	}
}

func TestSend_RecoversPanic(t *testing.T) {
	n := NotifierFunc(func(Event) error { panic("boom") })

	err := Send(n, Event{Kind: KindResult})
	if err == nil {
		t.Fatal("Expected error from panicking notifier")
	}
	if !strings.Contains(err.Error(), "result") {
		t.Errorf("error %q should name the event kind", err)
	}
}

func TestMulti_CallsEveryNotifier(t *testing.T) {
	calls := 0
	counting := NotifierFunc(func(Event) error {
		calls++
		return nil
	})
	failing := NotifierFunc(func(Event) error { return errors.New("first") })
	panicking := NotifierFunc(func(Event) error { panic("second") })

	m := Multi{failing, panicking, counting, counting}
	err := m.Notify(Event{Kind: KindPage})

	if err == nil || err.Error() != "first" {
		t.Errorf("Multi error = %v, want first", err)
	}
	if calls != 2 {
		t.Errorf("counting notifier calls = %d, want 2", calls)
	}
}

func TestLogReporter_Notify(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		contains []string
	}{
		{
			name:     "first page",
			event:    Event{Kind: KindFirstPage, Endpoint: "repos/o/r/actions/runs", Records: 100, LastPage: 3, PagesRemaining: 2},
			contains: []string{"Downloaded first page", `"last_page":3`, `"pages_remaining":2`},
		},
		{
			name:     "page with progress",
			event:    Event{Kind: KindPage, Page: 2, LastPage: 4, Records: 100},
			contains: []string{"Downloaded page", `"progress_pct":50`},
		},
		{
			name:     "retry",
			event:    Event{Kind: KindRetry, Page: 1, RetryIndex: 2, MaxRetries: 4, Delay: 4 * time.Second, Err: errors.New("502")},
			contains: []string{"Retrying request after backoff", `"retry":2`, `"level":"warn"`},
		},
		{
			name:     "failed result",
			event:    Event{Kind: KindResult, Success: false, Page: 5, Err: errors.New("exhausted")},
			contains: []string{"Request failed", `"level":"error"`},
		},
		{
			name:     "rate limit wait",
			event:    Event{Kind: KindRateLimitWait, Page: 7, Delay: 35 * time.Second},
			contains: []string{"Rate limit budget low", `"next_page":7`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			r := NewLogReporter(zerolog.New(buf).Level(zerolog.DebugLevel))

			if err := r.Notify(tt.event); err != nil {
				t.Fatalf("Notify() error = %v", err)
			}

			output := buf.String()
			for _, want := range tt.contains {
				if !strings.Contains(output, want) {
					t.Errorf("output %q missing %q", output, want)
				}
			}
		})
	}
}
