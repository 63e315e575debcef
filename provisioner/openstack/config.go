package openstack

import (
	"log/slog"
	"time"
)

type Config struct {
	// Logger to use
	Logger *slog.Logger `json:"-"`
	// Name of the cloud, recorded in server metadata
	Cloud string `json:"cloud"`

	// Connection, read from the OS_* environment variables when AuthURL is empty
	AuthURL           string `json:"auth-url"`
	ProjectName       string `json:"project-name"`
	Username          string `json:"username"`
	Password          string `json:"-"`
	RegionName        string `json:"region-name"`
	UserDomainName    string `json:"user-domain-name"`
	ProjectDomainName string `json:"project-domain-name"`

	// Interval between two polls of a bounded wait
	PollInterval time.Duration `json:"poll-interval"`
	// Number of polls to wait for a new server to become active
	ActiveTimeout int `json:"active-timeout"`
}
