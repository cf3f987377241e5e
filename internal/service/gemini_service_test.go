package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/genai"
)

func testService() *GeminiService {
	return &GeminiService{
		JudgeModel:        "judge-test",
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          90 * time.Second,
		RequestTimeout:    time.Minute,
		circuitBreakerMax: 5,
	}
}

func TestCalculateBackoff(t *testing.T) {
	s := testService()

	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		delay := s.calculateBackoff(attempt)
		assert.Greater(t, delay, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, delay, s.MaxDelay+s.MaxDelay/4)
		prev = delay
	}

	// far past the cap the delay stops growing
	assert.LessOrEqual(t, s.calculateBackoff(30), s.MaxDelay+s.MaxDelay/4)
}

func TestIsRetryableError(t *testing.T) {
	s := testService()

	assert.False(t, s.isRetryableError(nil))
	assert.False(t, s.isRetryableError(context.Canceled))
	assert.False(t, s.isRetryableError(errors.New("context deadline exceeded")))

	assert.True(t, s.isRetryableError(&genai.APIError{Code: 429}))
	assert.True(t, s.isRetryableError(&genai.APIError{Code: 503}))
	assert.False(t, s.isRetryableError(&genai.APIError{Code: 400}))
	assert.False(t, s.isRetryableError(&genai.APIError{Code: 404}))

	assert.True(t, s.isRetryableError(errors.New("dial tcp: connection refused")))
	assert.True(t, s.isRetryableError(errors.New("unexpected EOF")))
	assert.False(t, s.isRetryableError(errors.New("invalid api key")))
}

func TestCircuitBreaker(t *testing.T) {
	s := testService()

	count, open := s.GetCircuitBreakerStatus()
	assert.Equal(t, 0, count)
	assert.False(t, open)

	s.consecutiveErrors.Store(int64(s.circuitBreakerMax))
	_, open = s.GetCircuitBreakerStatus()
	assert.True(t, open)

	_, err := s.generate(context.Background(), "transcribe", nil, nil, nil)
	assert.ErrorContains(t, err, "circuit breaker open")

	s.ResetCircuitBreaker()
	count, open = s.GetCircuitBreakerStatus()
	assert.Equal(t, 0, count)
	assert.False(t, open)
}

// One service instance is shared by every concurrent pipeline run, so the
// breaker counter must tolerate failures recorded from multiple goroutines.
func TestCircuitBreakerConcurrentFailures(t *testing.T) {
	s := testService()

	const failures = 20
	var wg sync.WaitGroup
	for i := 0; i < failures; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.consecutiveErrors.Add(1)
			s.GetCircuitBreakerStatus()
		}()
	}
	wg.Wait()

	count, open := s.GetCircuitBreakerStatus()
	assert.Equal(t, failures, count)
	assert.True(t, open)

	s.ResetCircuitBreaker()
	count, open = s.GetCircuitBreakerStatus()
	assert.Equal(t, 0, count)
	assert.False(t, open)
}

func TestValidateGenerateResponse(t *testing.T) {
	s := testService()

	assert.Error(t, s.validateGenerateResponse(nil))
	assert.Error(t, s.validateGenerateResponse(&genai.GenerateContentResponse{}))
	assert.Error(t, s.validateGenerateResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{}},
	}))
	assert.NoError(t, s.validateGenerateResponse(&genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "{}"}}},
		}},
	}))
}

func TestValidateEmbeddingResponse(t *testing.T) {
	s := testService()

	_, err := s.validateEmbeddingResponse(nil)
	assert.Error(t, err)

	_, err = s.validateEmbeddingResponse(&genai.EmbedContentResponse{})
	assert.Error(t, err)

	values, err := s.validateEmbeddingResponse(&genai.EmbedContentResponse{
		Embeddings: []*genai.ContentEmbedding{{Values: []float32{0.1, 0.2}}},
	})
	assert.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, values)
}
