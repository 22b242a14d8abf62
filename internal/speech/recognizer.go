// Package speech turns microphone audio frames into transcripts for the
// chant counter. It owns the listening on/off switch; the counter never
// sees audio.
package speech

import (
	"context"
	"fmt"

	"github.com/loqalabs/harijap/internal/config"
)

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts speech-to-text backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error)
}

// NewRecognizer picks the backend named by cfg.Mode. hints lists phrases the
// recognizer should expect; backends that cannot use them ignore them.
func NewRecognizer(cfg config.SpeechConfig, hints []string) (Recognizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockRecognizer(cfg.MockPhrase), nil
	case "exec":
		return NewExecRecognizer(cfg, hints)
	default:
		return nil, fmt.Errorf("unsupported speech mode %q", cfg.Mode)
	}
}
