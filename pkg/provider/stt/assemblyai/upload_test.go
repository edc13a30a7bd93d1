package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/MrWong99/tutorvox/pkg/provider/stt"
)

// uploadServer fakes the v2 REST API. statuses is consumed one entry per
// poll; the last entry repeats.
func uploadServer(t *testing.T, statuses []string, final map[string]any) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/upload", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if len(body) == 0 {
			http.Error(w, "empty", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"upload_url": "https://cdn.example/audio-1"})
	})
	mux.HandleFunc("POST /v2/transcript", func(w http.ResponseWriter, r *http.Request) {
		var req transcriptRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.AudioURL != "https://cdn.example/audio-1" {
			http.Error(w, "bad audio_url", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "job-1", "status": "queued"})
	})
	mux.HandleFunc("GET /v2/transcript/job-1", func(w http.ResponseWriter, _ *http.Request) {
		i := int(polls.Add(1)) - 1
		if i >= len(statuses) {
			i = len(statuses) - 1
		}
		resp := map[string]any{"id": "job-1", "status": statuses[i]}
		if statuses[i] == statusCompleted {
			for k, v := range final {
				resp[k] = v
			}
		}
		if statuses[i] == statusError {
			resp["error"] = "audio too short"
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &polls
}

// runTranscribe drives Transcribe while advancing the fake clock every time
// the poll loop starts waiting.
func runTranscribe(t *testing.T, p *Provider, clock *clockwork.FakeClock) (stt.Transcript, error) {
	t.Helper()
	type result struct {
		tr  stt.Transcript
		err error
	}
	done := make(chan result, 1)
	go func() {
		tr, err := p.Transcribe(context.Background(), stt.Segment{Audio: []byte("RIFF....WAVE"), Language: "es"})
		done <- result{tr, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		waiting := make(chan error, 1)
		go func() { waiting <- clock.BlockUntilContext(ctx, 1) }()
		select {
		case r := <-done:
			return r.tr, r.err
		case err := <-waiting:
			if err != nil {
				t.Fatal("timeout waiting for poll loop")
			}
			clock.Advance(500 * time.Millisecond)
		}
	}
}

func TestTranscribe_PollsUntilCompleted(t *testing.T) {
	t.Parallel()

	srv, polls := uploadServer(t, []string{statusQueued, statusProcessing, statusCompleted}, map[string]any{
		"text":       "Me llamo Ana.",
		"confidence": 0.93,
		"words":      []map[string]any{{"text": "Me", "start": 0, "end": 200, "confidence": 0.9}},
	})
	clock := clockwork.NewFakeClock()
	p, _ := New("key", WithAPIBaseURL(srv.URL), WithClock(clock))

	tr, err := runTranscribe(t, p, clock)
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "Me llamo Ana." || !tr.IsFinal || tr.Confidence != 0.93 {
		t.Errorf("transcript = %+v", tr)
	}
	if polls.Load() != 3 {
		t.Errorf("polls = %d, want 3", polls.Load())
	}
}

func TestTranscribe_ErrorStatus(t *testing.T) {
	t.Parallel()

	srv, _ := uploadServer(t, []string{statusProcessing, statusError}, nil)
	clock := clockwork.NewFakeClock()
	p, _ := New("key", WithAPIBaseURL(srv.URL), WithClock(clock))

	_, err := runTranscribe(t, p, clock)
	if !errors.Is(err, stt.ErrTranscriptionFailed) {
		t.Fatalf("err = %v, want ErrTranscriptionFailed", err)
	}
}

func TestTranscribe_PollBudgetExhausted(t *testing.T) {
	t.Parallel()

	srv, polls := uploadServer(t, []string{statusProcessing}, nil)
	clock := clockwork.NewFakeClock()
	p, _ := New("key", WithAPIBaseURL(srv.URL), WithClock(clock), WithPolling(500*time.Millisecond, 4))

	_, err := runTranscribe(t, p, clock)
	if !errors.Is(err, stt.ErrPollTimeout) {
		t.Fatalf("err = %v, want ErrPollTimeout", err)
	}
	if polls.Load() != 4 {
		t.Errorf("polls = %d, want 4", polls.Load())
	}
}

func TestTranscribe_EmptySegment(t *testing.T) {
	t.Parallel()
	p, _ := New("key")
	if _, err := p.Transcribe(context.Background(), stt.Segment{}); err == nil {
		t.Fatal("expected error for empty segment")
	}
}
