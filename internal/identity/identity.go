package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Placeholder is used when no identifier can be obtained.
const Placeholder = "unknown-device"

const configKey = "device_uuid"

// ConfigStore persists the generated identifier between runs.
type ConfigStore interface {
	AppConfigValue(ctx context.Context, key string) (string, error)
	UpsertAppConfig(ctx context.Context, key, value string) error
}

// Resolve returns the device identifier: the override if set, otherwise the
// persisted identifier, otherwise a newly generated one that is persisted for
// the next start. On failure it returns Placeholder together with the error so
// that startup can continue.
func Resolve(ctx context.Context, override string, store ConfigStore) (string, error) {
	if id := strings.TrimSpace(override); id != "" {
		return id, nil
	}
	if store == nil {
		return Placeholder, fmt.Errorf("resolve device id: no config store")
	}

	id, err := store.AppConfigValue(ctx, configKey)
	if err != nil {
		return Placeholder, fmt.Errorf("resolve device id: %w", err)
	}
	if id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := store.UpsertAppConfig(ctx, configKey, id); err != nil {
		return Placeholder, fmt.Errorf("persist device id: %w", err)
	}
	return id, nil
}

// StatusLine renders the device line of the status board.
func StatusLine(id string, err error) string {
	if err != nil {
		return fmt.Sprintf("Error fetching device ID: %v", err)
	}
	return fmt.Sprintf("Device ID: %s", id)
}
