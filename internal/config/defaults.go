package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/torikomi/data/db/documents.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/torikomi/data/indices/bleve"
	}
	if cfg.Broker.Type == "" {
		cfg.Broker.Type = "memory"
	}
	if cfg.Broker.RedisAddr == "" {
		cfg.Broker.RedisAddr = "localhost:6379"
	}
	if cfg.Broker.VisibilityTimeout == 0 {
		cfg.Broker.VisibilityTimeout = Duration(35 * time.Minute)
	}
	if cfg.Worker.PoolSize == 0 {
		cfg.Worker.PoolSize = 2
	}
	if cfg.Worker.TaskTimeout == 0 {
		cfg.Worker.TaskTimeout = Duration(30 * time.Minute)
	}
	if cfg.Worker.MaxRetryAttempts == 0 {
		cfg.Worker.MaxRetryAttempts = 3
	}
	if cfg.Ingest.ChunkSize == 0 {
		cfg.Ingest.ChunkSize = 1000
	}
	if cfg.Ingest.MaxFileSizeMB == 0 {
		cfg.Ingest.MaxFileSizeMB = 20
	}
	if cfg.Ingest.AllowedExtensions == nil {
		cfg.Ingest.AllowedExtensions = []string{".pdf", ".docx", ".xlsx", ".txt", ".md"}
	}
	if cfg.Cleanup.OlderThanDays == 0 {
		cfg.Cleanup.OlderThanDays = 30
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = cfg.Ingest.AllowedExtensions
	}
}
