package probe

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
)

// CheckBroker pings the task-queue broker.
func CheckBroker(ctx context.Context, url string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("broker url: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker ping: %w", err)
	}
	return nil
}

// CheckDatastore verifies the opaque datastore location is usable: its parent
// directory exists and the file can be opened for writing. The store itself
// is initialized idempotently by its owner, not by the orchestrator.
func CheckDatastore(path string) error {
	if path == "" {
		return fmt.Errorf("empty datastore path")
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return fmt.Errorf("datastore dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("datastore open: %w", err)
	}
	return f.Close()
}
