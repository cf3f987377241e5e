package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sauravm/transcript-judge/internal/config"
	"github.com/sauravm/transcript-judge/internal/model"
	"github.com/sauravm/transcript-judge/internal/prompt"
	"google.golang.org/genai"
)

// ProgressFunc receives coarse progress for one in-flight AI call.
type ProgressFunc func(percent int, message string)

// CritiqueInput carries the segment-flow comparison inputs. Audio is the
// ground truth; Original is the (possibly normalized) transcript under test.
type CritiqueInput struct {
	Audio    []byte
	MimeType string
	Original *model.Transcript
	Judge    *model.Transcript
}

// APICritiqueInput carries the structured-flow comparison inputs.
type APICritiqueInput struct {
	APIResponse model.JSON
	JudgeOutput model.JSON
}

type AIServiceInterface interface {
	Transcribe(ctx context.Context, audio []byte, mimeType, prompt string, schema model.JSON, onProgress ProgressFunc) (*model.Transcript, error)
	Normalize(ctx context.Context, transcript *model.Transcript, targetScript string, onProgress ProgressFunc) (*model.Transcript, error)
	Critique(ctx context.Context, in CritiqueInput, prompt string, schema model.JSON, onProgress ProgressFunc) (*model.Critique, error)
	TranscribeForAPIFlow(ctx context.Context, audio []byte, mimeType, prompt string, schema model.JSON, onProgress ProgressFunc) (model.JSON, error)
	CritiqueForAPIFlow(ctx context.Context, in APICritiqueInput, prompt string, schema model.JSON, onProgress ProgressFunc) (*model.APICritique, error)
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	ModelName() string
}

type GeminiService struct {
	Client            *genai.Client
	JudgeModel        string
	EmbeddingModel    string
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	RequestTimeout    time.Duration
	circuitBreakerMax int

	// consecutiveErrors is shared by every concurrent pipeline run.
	consecutiveErrors atomic.Int64
}

func NewGeminiService(ctx context.Context) (*GeminiService, error) {
	geminiConfig := config.LoadGeminiConfig()
	if !geminiConfig.Configured() {
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  geminiConfig.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiService{
		Client:            client,
		JudgeModel:        geminiConfig.JudgeModel,
		EmbeddingModel:    geminiConfig.EmbeddingModel,
		MaxRetries:        3,
		BaseDelay:         time.Second,
		MaxDelay:          90 * time.Second,
		RequestTimeout:    5 * time.Minute,
		circuitBreakerMax: 5,
	}, nil
}

func (s *GeminiService) ModelName() string {
	return s.JudgeModel
}

func (s *GeminiService) Transcribe(ctx context.Context, audio []byte, mimeType, promptText string, schema model.JSON, onProgress ProgressFunc) (*model.Transcript, error) {
	parts := []*genai.Part{
		genai.NewPartFromBytes(audio, mimeType),
		genai.NewPartFromText(promptText),
	}
	text, err := s.generate(ctx, "transcribe", parts, schema, onProgress)
	if err != nil {
		return nil, err
	}
	transcript, err := parseTranscript(text)
	if err != nil {
		return nil, fmt.Errorf("parse transcript: %w", err)
	}
	return transcript, nil
}

func (s *GeminiService) Normalize(ctx context.Context, transcript *model.Transcript, targetScript string, onProgress ProgressFunc) (*model.Transcript, error) {
	encoded, err := json.Marshal(transcript)
	if err != nil {
		return nil, fmt.Errorf("encode transcript: %w", err)
	}
	resolved := prompt.Resolve(prompt.DefaultNormalization, map[string]string{
		"target_script":       targetScript,
		"original_transcript": string(encoded),
	})

	parts := []*genai.Part{genai.NewPartFromText(resolved.Prompt)}
	text, err := s.generate(ctx, "normalize", parts, nil, onProgress)
	if err != nil {
		return nil, err
	}
	normalized, err := parseTranscript(text)
	if err != nil {
		return nil, fmt.Errorf("parse normalized transcript: %w", err)
	}
	if len(normalized.Segments) != len(transcript.Segments) {
		return nil, fmt.Errorf("normalization changed segment count: %d -> %d",
			len(transcript.Segments), len(normalized.Segments))
	}
	return normalized, nil
}

func (s *GeminiService) Critique(ctx context.Context, in CritiqueInput, promptText string, schema model.JSON, onProgress ProgressFunc) (*model.Critique, error) {
	parts := []*genai.Part{
		genai.NewPartFromBytes(in.Audio, in.MimeType),
		genai.NewPartFromText(promptText),
	}
	text, err := s.generate(ctx, "critique", parts, schema, onProgress)
	if err != nil {
		return nil, err
	}
	critique, err := parseCritique(text)
	if err != nil {
		return nil, fmt.Errorf("parse critique: %w", err)
	}
	return critique, nil
}

func (s *GeminiService) TranscribeForAPIFlow(ctx context.Context, audio []byte, mimeType, promptText string, schema model.JSON, onProgress ProgressFunc) (model.JSON, error) {
	parts := []*genai.Part{
		genai.NewPartFromBytes(audio, mimeType),
		genai.NewPartFromText(promptText),
	}
	text, err := s.generate(ctx, "transcribe_api", parts, schema, onProgress)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("judge output is not valid JSON")
	}
	return model.JSON(text), nil
}

func (s *GeminiService) CritiqueForAPIFlow(ctx context.Context, in APICritiqueInput, promptText string, schema model.JSON, onProgress ProgressFunc) (*model.APICritique, error) {
	parts := []*genai.Part{genai.NewPartFromText(promptText)}
	text, err := s.generate(ctx, "critique_api", parts, schema, onProgress)
	if err != nil {
		return nil, err
	}
	critique, err := parseAPICritique(text)
	if err != nil {
		return nil, fmt.Errorf("parse api critique: %w", err)
	}
	return critique, nil
}

// generate is the single retrying call path every judge operation goes
// through: jittered exponential backoff, a consecutive-error circuit
// breaker, and response validation.
func (s *GeminiService) generate(ctx context.Context, op string, parts []*genai.Part, schema model.JSON, onProgress ProgressFunc) (string, error) {
	if errs := s.consecutiveErrors.Load(); errs >= int64(s.circuitBreakerMax) {
		return "", fmt.Errorf("circuit breaker open: too many consecutive errors (%d)", errs)
	}

	genConfig := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0.1)),
		ResponseMIMEType: "application/json",
	}
	if len(schema) > 0 {
		var responseSchema genai.Schema
		if err := json.Unmarshal(schema, &responseSchema); err != nil {
			return "", fmt.Errorf("invalid response schema: %w", err)
		}
		genConfig.ResponseSchema = &responseSchema
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.RequestTimeout)
	defer cancel()

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}

	if onProgress != nil {
		onProgress(5, op+" request sent")
	}

	var lastErr error
	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.calculateBackoff(attempt)
			slog.Info("retrying gemini call", "op", op, "attempt", attempt, "max", s.MaxRetries, "delay", delay)

			select {
			case <-time.After(delay):
			case <-timeoutCtx.Done():
				return "", fmt.Errorf("context done during retry: %w", timeoutCtx.Err())
			}
		}

		result, err := s.Client.Models.GenerateContent(timeoutCtx, s.JudgeModel, contents, genConfig)
		if err == nil {
			s.consecutiveErrors.Store(0)
			if err := s.validateGenerateResponse(result); err != nil {
				return "", fmt.Errorf("invalid response: %w", err)
			}
			if onProgress != nil {
				onProgress(95, op+" response received")
			}
			return result.Text(), nil
		}

		lastErr = err

		if !s.isRetryableError(err) {
			slog.Warn("non-retryable gemini error", "op", op, "error", err)
			s.consecutiveErrors.Add(1)
			return "", fmt.Errorf("%s failed: %w", op, err)
		}

		slog.Warn("retryable gemini error", "op", op, "attempt", attempt+1, "error", err)
	}

	s.consecutiveErrors.Add(1)
	return "", fmt.Errorf("max retries (%d) exceeded for %s: %w", s.MaxRetries, op, lastErr)
}

func (s *GeminiService) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	trimmedText := strings.TrimSpace(text)
	if trimmedText == "" {
		return nil, fmt.Errorf("text for embedding cannot be empty")
	}
	if len(trimmedText) > 10000 {
		slog.Warn("embedding text exceeds recommended limit, truncating", "length", len(trimmedText))
		trimmedText = trimmedText[:10000]
	}
	if errs := s.consecutiveErrors.Load(); errs >= int64(s.circuitBreakerMax) {
		return nil, fmt.Errorf("circuit breaker open: too many consecutive errors (%d)", errs)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.RequestTimeout)
	defer cancel()

	content := []*genai.Content{genai.NewContentFromText(trimmedText, genai.RoleUser)}

	var lastErr error
	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := s.calculateBackoff(attempt)
			slog.Info("retrying embedding call", "attempt", attempt, "max", s.MaxRetries, "delay", delay)

			select {
			case <-time.After(delay):
			case <-timeoutCtx.Done():
				return nil, fmt.Errorf("context done during retry: %w", timeoutCtx.Err())
			}
		}

		result, err := s.Client.Models.EmbedContent(timeoutCtx, s.EmbeddingModel, content, nil)
		if err == nil {
			s.consecutiveErrors.Store(0)
			embeddings, err := s.validateEmbeddingResponse(result)
			if err != nil {
				return nil, fmt.Errorf("invalid embedding response: %w", err)
			}
			return embeddings, nil
		}

		lastErr = err

		if !s.isRetryableError(err) {
			slog.Warn("non-retryable embedding error", "error", err)
			s.consecutiveErrors.Add(1)
			return nil, fmt.Errorf("generate embedding failed: %w", err)
		}
	}

	s.consecutiveErrors.Add(1)
	return nil, fmt.Errorf("max retries (%d) exceeded for embedding: %w", s.MaxRetries, lastErr)
}

func (s *GeminiService) calculateBackoff(attempt int) time.Duration {
	delay := s.BaseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
	if delay > s.MaxDelay {
		delay = s.MaxDelay
	}

	jitter := time.Duration(float64(delay) * 0.25)
	delay = delay - jitter/2 + time.Duration(float64(jitter)*0.5)

	return delay
}

func (s *GeminiService) isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	if strings.Contains(errMsg, "context canceled") ||
		strings.Contains(errMsg, "context deadline exceeded") {
		return false
	}
	if apiErr, ok := err.(*genai.APIError); ok {
		switch apiErr.Code {
		case 429: // Rate limit
			return true
		case 500, 502, 503, 504: // Server errors
			return true
		case 400, 401, 403, 404: // Client errors
			return false
		}
	}

	if strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "temporary failure") ||
		strings.Contains(errMsg, "EOF") {
		return true
	}

	return false
}

func (s *GeminiService) validateGenerateResponse(resp *genai.GenerateContentResponse) error {
	if resp == nil {
		return fmt.Errorf("response is nil")
	}
	if len(resp.Candidates) == 0 {
		return fmt.Errorf("no candidates in response")
	}
	if resp.Candidates[0].Content == nil {
		return fmt.Errorf("candidate content is nil")
	}
	if len(resp.Candidates[0].Content.Parts) == 0 {
		return fmt.Errorf("no parts in content")
	}
	return nil
}

func (s *GeminiService) validateEmbeddingResponse(resp *genai.EmbedContentResponse) ([]float32, error) {
	if resp == nil {
		return nil, fmt.Errorf("response is nil")
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}

	embeddings := resp.Embeddings[0].Values
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("embedding vector is empty")
	}

	for i, val := range embeddings {
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return nil, fmt.Errorf("invalid embedding value at index %d: %v", i, val)
		}
	}

	return embeddings, nil
}

func (s *GeminiService) ResetCircuitBreaker() {
	s.consecutiveErrors.Store(0)
	slog.Info("circuit breaker reset")
}

func (s *GeminiService) GetCircuitBreakerStatus() (consecutiveErrors int, isOpen bool) {
	errs := int(s.consecutiveErrors.Load())
	return errs, errs >= s.circuitBreakerMax
}
