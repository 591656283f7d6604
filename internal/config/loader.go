package config

import "context"

// Loader retrieves configuration from a source such as a file.
type Loader interface {
	Load(ctx context.Context) (*Config, error)
}
