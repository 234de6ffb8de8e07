package downstream

import (
	"fmt"

	"github.com/harmonia/maestro/internal/config"
	"github.com/harmonia/maestro/pkg/models"
)

// Registry routes jobs to the engine responsible for their type.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds the engine registry from configuration.
func NewRegistry(cfg config.EnginesConfig) *Registry {
	return &Registry{clients: map[string]Client{
		models.JobTypeMetadata: NewHTTPClient(cfg.MetadataBaseURL, cfg.Token, cfg.Timeout),
		models.JobTypeAudio:    NewHTTPClient(cfg.AudioBaseURL, cfg.Token, cfg.Timeout),
	}}
}

// NewRegistryWithClients builds a registry from explicit clients; used by tests.
func NewRegistryWithClients(clients map[string]Client) *Registry {
	return &Registry{clients: clients}
}

// ForType returns the client for a job type.
func (r *Registry) ForType(jobType string) (Client, error) {
	c, ok := r.clients[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, jobType)
	}
	return c, nil
}
