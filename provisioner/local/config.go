package local

import (
	"log/slog"
	"time"
)

type Config struct {
	// Logger to use
	Logger *slog.Logger
	// Name of the cloud, recorded as a label on every container
	Cloud string
	// Address of the docker daemon, DOCKER_HOST is used when empty
	DockerHost string
	// Maximum number of nodes that can be provisioned, unlimited when 0
	MaxNodes int

	// Interval between two polls of a bounded wait
	PollInterval time.Duration
	// Number of polls to wait for a new container to be running
	ActiveTimeout int
}
