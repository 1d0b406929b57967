package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// FactoryConfig selects and configures a Store implementation.
type FactoryConfig struct {
	// Provider is "chromem" (default, embedded) or "qdrant" (external).
	Provider string

	Chromem ChromemConfig
	Qdrant  QdrantConfig
}

// NewStore creates a Store based on the configuration.
//
// The chromem provider is the default: it is embedded, pure Go, and needs
// no external service. The qdrant provider targets an external Qdrant
// server for larger deployments.
func NewStore(cfg FactoryConfig, embedder Embedder, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemStore(cfg.Chromem, embedder, logger)
	case "qdrant":
		return NewQdrantStore(cfg.Qdrant, embedder, logger)
	default:
		return nil, fmt.Errorf("unsupported vectorstore provider: %s (supported: chromem, qdrant)", cfg.Provider)
	}
}
