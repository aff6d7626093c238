package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/KinnaTo/videoconverter/internal/uploader"
)

// credentialSource fetches object-store credentials.
type credentialSource interface {
	MinioCredentials(ctx context.Context) (*uploader.Credentials, error)
}

// credCache caches object-store credentials and refreshes them lazily:
// once at startup (soft), and on demand when an upload fails for any
// reason other than cancellation.
type credCache struct {
	mu     sync.Mutex
	source credentialSource
	creds  *uploader.Credentials
}

func newCredCache(source credentialSource) *credCache {
	return &credCache{source: source}
}

// Get returns cached credentials, fetching when the cache is empty or
// force is set.
func (c *credCache) Get(ctx context.Context, force bool) (*uploader.Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.creds != nil && !force {
		return c.creds, nil
	}

	creds, err := c.source.MinioCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching object-store credentials: %w", err)
	}
	c.creds = creds
	return creds, nil
}
