package assemblyai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/tutorvox/pkg/provider/stt"
)

// Job states reported by GET /v2/transcript/{id}.
const (
	statusQueued     = "queued"
	statusProcessing = "processing"
	statusCompleted  = "completed"
	statusError      = "error"
)

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptRequest struct {
	AudioURL     string `json:"audio_url"`
	LanguageCode string `json:"language_code,omitempty"`
	Punctuate    bool   `json:"punctuate"`
	FormatText   bool   `json:"format_text"`
}

type transcriptResponse struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
	Words      []word  `json:"words"`
}

// Transcribe uploads seg, creates a transcription job and polls it every
// poll interval until it completes, fails, or the attempt ceiling is reached.
func (p *Provider) Transcribe(ctx context.Context, seg stt.Segment) (stt.Transcript, error) {
	if len(seg.Audio) == 0 {
		return stt.Transcript{}, fmt.Errorf("assemblyai: empty segment")
	}

	var up uploadResponse
	if err := p.doJSON(ctx, http.MethodPost, "/v2/upload", "application/octet-stream", bytes.NewReader(seg.Audio), &up); err != nil {
		return stt.Transcript{}, fmt.Errorf("assemblyai: upload: %w", err)
	}

	body, err := json.Marshal(transcriptRequest{
		AudioURL:     up.UploadURL,
		LanguageCode: seg.Language,
		Punctuate:    true,
		FormatText:   true,
	})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("assemblyai: encode job: %w", err)
	}
	var job transcriptResponse
	if err := p.doJSON(ctx, http.MethodPost, "/v2/transcript", "application/json", bytes.NewReader(body), &job); err != nil {
		return stt.Transcript{}, fmt.Errorf("assemblyai: create job: %w", err)
	}

	for attempt := 1; attempt <= p.pollAttempts; attempt++ {
		var tr transcriptResponse
		if err := p.doJSON(ctx, http.MethodGet, "/v2/transcript/"+job.ID, "", nil, &tr); err != nil {
			return stt.Transcript{}, fmt.Errorf("assemblyai: poll job %s: %w", job.ID, err)
		}

		switch tr.Status {
		case statusCompleted:
			return completedTranscript(tr), nil
		case statusError:
			return stt.Transcript{}, fmt.Errorf("assemblyai: job %s: %w: %s", job.ID, stt.ErrTranscriptionFailed, tr.Error)
		case statusQueued, statusProcessing:
		default:
			slog.Warn("assemblyai: unknown job status", "job", job.ID, "status", tr.Status)
		}

		if attempt == p.pollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return stt.Transcript{}, ctx.Err()
		case <-p.clock.After(p.pollInterval):
		}
	}
	return stt.Transcript{}, fmt.Errorf("assemblyai: job %s after %d attempts: %w", job.ID, p.pollAttempts, stt.ErrPollTimeout)
}

func completedTranscript(tr transcriptResponse) stt.Transcript {
	words := make([]stt.WordDetail, 0, len(tr.Words))
	for _, w := range tr.Words {
		words = append(words, stt.WordDetail{
			Word:       w.Text,
			Start:      time.Duration(w.Start) * time.Millisecond,
			End:        time.Duration(w.End) * time.Millisecond,
			Confidence: w.Confidence,
		})
	}
	return stt.Transcript{
		Text:       tr.Text,
		IsFinal:    true,
		Confidence: tr.Confidence,
		Words:      words,
	}
}

// doJSON sends a request to the REST API and decodes a JSON response into out.
func (p *Provider) doJSON(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, p.apiBaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", p.apiKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
