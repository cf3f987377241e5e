package config

import (
	"os"
	"sync"
)

type GeminiConfig struct {
	APIKey         string
	JudgeModel     string
	EmbeddingModel string
}

var (
	geminiConfig *GeminiConfig
	geminiOnce   sync.Once
)

func LoadGeminiConfig() *GeminiConfig {
	geminiOnce.Do(func() {
		judgeModel := os.Getenv("GEMINI_JUDGE_MODEL")
		if judgeModel == "" {
			judgeModel = "gemini-2.5-flash"
		}
		embeddingModel := os.Getenv("GEMINI_EMBEDDING_MODEL")
		if embeddingModel == "" {
			embeddingModel = "gemini-embedding-001"
		}
		geminiConfig = &GeminiConfig{
			APIKey:         os.Getenv("GEMINI_API_KEY"),
			JudgeModel:     judgeModel,
			EmbeddingModel: embeddingModel,
		}
	})
	return geminiConfig
}

// Configured reports whether judge credentials are present. The orchestrator
// refuses to create a task without them.
func (c *GeminiConfig) Configured() bool {
	return c != nil && c.APIKey != ""
}
