package speech

import "context"

type mockRecognizer struct {
	phrase string
}

// NewMockRecognizer hears phrase in every non-empty final buffer. Partial
// requests yield no text.
func NewMockRecognizer(phrase string) Recognizer {
	return &mockRecognizer{phrase: phrase}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, _ int, _ int, final bool) (TranscriptResult, error) {
	if !final || len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	return TranscriptResult{Text: m.phrase, Confidence: 1}, nil
}
