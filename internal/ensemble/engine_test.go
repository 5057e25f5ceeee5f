package ensemble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anpr-edge/internal/domain/anpr"
	"anpr-edge/internal/ingest"
)

type stubRecognizer struct {
	text  string
	conf  float64
	delay time.Duration
	none  bool
	err   error
}

func (s stubRecognizer) Recognize(ctx context.Context, _ ingest.Crop) (anpr.RecognitionResult, bool, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return anpr.RecognitionResult{}, false, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return anpr.RecognitionResult{}, false, s.err
	}
	if s.none {
		return anpr.RecognitionResult{}, false, nil
	}
	return anpr.RecognitionResult{Text: s.text, Confidence: s.conf}, true, nil
}

func TestNewEngineValidation(t *testing.T) {
	_, err := NewEngine("nope", 1, zerolog.Nop())
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	_, err = NewEngine(PolicyMajority, 1, zerolog.Nop(), Model{Name: "crnn"})
	assert.Error(t, err)

	r := stubRecognizer{text: "A", conf: 1}
	_, err = NewEngine(PolicyMajority, 1, zerolog.Nop(), Model{Name: "crnn", Weight: 1, Recognizer: r}, Model{Name: "crnn", Weight: 1, Recognizer: r})
	assert.Error(t, err)
}

func TestEngineUsesConfigOrder(t *testing.T) {
	// The first model finishes last; the tie must still go to its text.
	e, err := NewEngine(PolicyMajority, 1, zerolog.Nop(),
		Model{Name: "crnn", Weight: 1, Recognizer: stubRecognizer{text: "AAA111", conf: 0.5, delay: 30 * time.Millisecond}},
		Model{Name: "transformer", Weight: 1, Recognizer: stubRecognizer{text: "BBB222", conf: 0.9}},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Models())

	d, votes, err := e.Run(context.Background(), ingest.Crop{})
	require.NoError(t, err)
	assert.Equal(t, "AAA111", d.Text)
	require.Len(t, votes, 2)
	assert.Equal(t, "crnn", votes[0].Model)
	assert.Equal(t, "transformer", votes[1].Model)
}

func TestEngineSkipsFailedAndSilentModels(t *testing.T) {
	e, err := NewEngine(PolicyWeighted, 1, zerolog.Nop(),
		Model{Name: "crnn", Weight: 1, Recognizer: stubRecognizer{err: errors.New("onnx session closed")}},
		Model{Name: "transformer", Weight: 2, Recognizer: stubRecognizer{none: true}},
		Model{Name: "tesseract", Weight: 0.5, Recognizer: stubRecognizer{text: "ABC123", conf: 0.8}},
	)
	require.NoError(t, err)

	d, votes, err := e.Run(context.Background(), ingest.Crop{})
	require.NoError(t, err)
	assert.Equal(t, "ABC123", d.Text)
	assert.InDelta(t, 0.4, d.Confidence, 1e-9)
	assert.Equal(t, []anpr.ModelVote{{Model: "tesseract", Text: "ABC123", Confidence: 0.8, Weight: 0.5}}, votes)
}

func TestEngineNoOpinions(t *testing.T) {
	e, err := NewEngine(PolicyMajority, 1, zerolog.Nop(),
		Model{Name: "crnn", Weight: 1, Recognizer: stubRecognizer{none: true}},
	)
	require.NoError(t, err)

	d, votes, err := e.Run(context.Background(), ingest.Crop{})
	require.NoError(t, err)
	assert.True(t, d.Inconclusive())
	assert.Empty(t, votes)
}

func TestEngineCancelled(t *testing.T) {
	e, err := NewEngine(PolicyMajority, 1, zerolog.Nop(),
		Model{Name: "crnn", Weight: 1, Recognizer: stubRecognizer{text: "A", conf: 1, delay: time.Second}},
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = e.Run(ctx, ingest.Crop{})
	assert.ErrorIs(t, err, context.Canceled)
}
