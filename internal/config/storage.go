package config

import (
	"os"
	"sync"
)

// StorageConfig points at the object store holding audio payloads that are
// too large to keep inline in postgres.
type StorageConfig struct {
	BaseURL string
	APIKey  string
}

var (
	storageConfig *StorageConfig
	storageOnce   sync.Once
)

func LoadStorageConfig() *StorageConfig {
	storageOnce.Do(func() {
		storageConfig = &StorageConfig{
			BaseURL: os.Getenv("AUDIO_STORAGE_URL"),
			APIKey:  os.Getenv("AUDIO_STORAGE_API_KEY"),
		}
	})
	return storageConfig
}
