package provisioner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gammadia/ehos/config"
	"github.com/gammadia/ehos/provisioner/local"
	"github.com/gammadia/ehos/provisioner/openstack"
	"github.com/gammadia/ehos/scheduler"
	"github.com/samber/lo"
)

// Connect opens the connection to a configured cloud using its backend.
func Connect(ctx context.Context, name string, cloud config.Cloud, log *slog.Logger) (scheduler.Provisioner, error) {
	logger := log.With("cloud", name)

	switch cloud.Backend {
	case config.BackendDocker:
		config := local.Config{
			Logger:     logger,
			Cloud:      name,
			DockerHost: cloud.DockerHost,
			MaxNodes:   cloud.MaxNodes,
		}
		logger.Debug("Provisioner config", "backend", cloud.Backend, "config", string(lo.Must(json.Marshal(config))))
		return local.NewProvisioner(ctx, config)

	case config.BackendOpenStack:
		config := openstack.Config{
			Logger:            logger,
			Cloud:             name,
			AuthURL:           cloud.AuthURL,
			ProjectName:       cloud.ProjectName,
			Username:          cloud.Username,
			Password:          cloud.Password,
			RegionName:        cloud.RegionName,
			UserDomainName:    cloud.UserDomainName,
			ProjectDomainName: cloud.ProjectDomainName,
		}
		logger.Debug("Provisioner config", "backend", cloud.Backend, "config", string(lo.Must(json.Marshal(config))))
		return openstack.NewProvisioner(ctx, config)

	default:
		return nil, fmt.Errorf("unknown backend '%s'", cloud.Backend)
	}
}

// ConnectAll connects every cloud of the file. Either all clouds are connected, or none.
func ConnectAll(ctx context.Context, file *config.File, log *slog.Logger) (map[string]scheduler.Provisioner, error) {
	provisioners := make(map[string]scheduler.Provisioner, len(file.Clouds))

	for _, name := range file.CloudNames() {
		provisioner, err := Connect(ctx, name, file.Clouds[name], log)
		if err != nil {
			for _, p := range provisioners {
				p.Shutdown()
			}
			return nil, fmt.Errorf("failed to connect to cloud '%s': %w", name, err)
		}
		provisioners[name] = provisioner
		log.Info("Connected to cloud", "cloud", name, "backend", file.Clouds[name].Backend)
	}

	return provisioners, nil
}
