package openstack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gammadia/ehos/provisioner/internal"
	"github.com/gammadia/ehos/scheduler"
	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/limits"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/startstop"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/images"
	"github.com/samber/lo"
)

type Provisioner struct {
	config Config
	log    *slog.Logger

	compute *gophercloud.ServiceClient
	image   *gophercloud.ServiceClient
	network *gophercloud.ServiceClient
}

// Provisioner implements scheduler.Provisioner
var _ scheduler.Provisioner = (*Provisioner)(nil)

// NewProvisioner authenticates against the cloud and opens the compute, image and network services.
func NewProvisioner(ctx context.Context, config Config) (*Provisioner, error) {
	opts, err := authOptions(config)
	if err != nil {
		return nil, err
	}

	config = withDefaults(config)

	provider, err := internal.RetryResult(ctx, config.Logger, "authentication", 3, func() (*gophercloud.ProviderClient, error) {
		return openstack.AuthenticatedClient(opts)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get authenticated client: %w", err)
	}

	region := config.RegionName
	if region == "" {
		region = os.Getenv("OS_REGION_NAME")
	}

	compute, err := openstack.NewComputeV2(provider, gophercloud.EndpointOpts{Region: region})
	if err != nil {
		return nil, fmt.Errorf("failed to get compute client: %w", err)
	}

	image, err := openstack.NewImageServiceV2(provider, gophercloud.EndpointOpts{Region: region})
	if err != nil {
		return nil, fmt.Errorf("failed to get image client: %w", err)
	}

	network, err := openstack.NewNetworkV2(provider, gophercloud.EndpointOpts{Region: region})
	if err != nil {
		return nil, fmt.Errorf("failed to get network client: %w", err)
	}

	config.Logger.Info("Connected to cloud", "auth-url", opts.IdentityEndpoint, "region", region)
	return newProvisioner(config, compute, image, network), nil
}

func newProvisioner(config Config, compute, image, network *gophercloud.ServiceClient) *Provisioner {
	config = withDefaults(config)

	return &Provisioner{
		config:  config,
		log:     config.Logger,
		compute: compute,
		image:   image,
		network: network,
	}
}

func withDefaults(config Config) Config {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.ActiveTimeout <= 0 {
		config.ActiveTimeout = 200
	}
	return config
}

func authOptions(config Config) (gophercloud.AuthOptions, error) {
	if config.AuthURL == "" {
		opts, err := openstack.AuthOptionsFromEnv()
		if err != nil {
			return opts, fmt.Errorf("failed to get auth options from env: %w", err)
		}
		opts.AllowReauth = true
		return opts, nil
	}

	return gophercloud.AuthOptions{
		IdentityEndpoint: config.AuthURL,
		Username:         config.Username,
		Password:         config.Password,
		DomainName:       config.UserDomainName,
		AllowReauth:      true,
		Scope: &gophercloud.AuthScope{
			ProjectName: config.ProjectName,
			DomainName:  config.ProjectDomainName,
		},
	}, nil
}

func (p *Provisioner) checkConnection() error {
	if p.compute == nil || p.image == nil || p.network == nil {
		return fmt.Errorf("cloud '%s': %w", p.config.Cloud, scheduler.ErrNotConnected)
	}
	return nil
}

// normalizeID drops everything from the first dot of a server id.
func normalizeID(id string) string {
	id, _, _ = strings.Cut(id, ".")
	return id
}

func isNotFound(err error) bool {
	var notFound gophercloud.ErrDefault404
	return errors.As(err, &notFound)
}

func (p *Provisioner) CreateNode(ctx context.Context, spec scheduler.NodeSpec) (string, error) {
	if err := p.checkConnection(); err != nil {
		return "", err
	}

	ref, err := p.resolveRefs(spec)
	if err != nil {
		return "", fmt.Errorf("failed to create server '%s': %w", spec.Name, err)
	}

	var networks []servers.Network
	if ref.network != "" {
		networks = []servers.Network{{UUID: ref.network}}
	}

	server, err := servers.Create(p.compute, keypairs.CreateOptsExt{
		CreateOptsBuilder: servers.CreateOpts{
			Name:           spec.Name,
			ImageRef:       ref.image,
			FlavorRef:      ref.flavor,
			Networks:       networks,
			SecurityGroups: spec.SecurityGroups,
			UserData:       spec.UserData,
			Metadata: map[string]string{
				"ehos-cloud":      p.config.Cloud,
				"ehos-created-at": time.Now().Format(time.RFC3339),
			},
		},
		KeyName: spec.KeyPair,
	}).Extract()
	if err != nil {
		return "", fmt.Errorf("failed to create server '%s': %w", spec.Name, err)
	}

	p.log.Info("Created server, waiting for it to become active", "node", server.ID, "name", spec.Name)

	err = internal.PollUntil(ctx, p.log, fmt.Sprintf("server '%s' to become active", spec.Name), p.config.ActiveTimeout, p.config.PollInterval, func() (bool, error) {
		current, err := servers.Get(p.compute, server.ID).Extract()
		if err != nil {
			return false, fmt.Errorf("failed to get server '%s': %w", spec.Name, err)
		}

		switch current.Status {
		case "ACTIVE":
			return true, nil
		case "ERROR":
			return false, fmt.Errorf("server '%s' is in error state: %s", spec.Name, current.Fault.Message)
		default:
			return false, nil
		}
	})
	if err != nil {
		if deleteErr := servers.Delete(p.compute, server.ID).ExtractErr(); deleteErr != nil && !isNotFound(deleteErr) {
			p.log.Error("Failed to delete server that did not start", "node", server.ID, "name", spec.Name, "error", deleteErr)
		}
		return "", err
	}

	return server.ID, nil
}

func (p *Provisioner) DeleteNode(ctx context.Context, id string) error {
	if err := p.checkConnection(); err != nil {
		return err
	}

	id = normalizeID(id)
	if err := servers.Delete(p.compute, id).ExtractErr(); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("server '%s': %w", id, scheduler.ErrNodeNotFound)
		}
		return fmt.Errorf("failed to delete server '%s': %w", id, err)
	}

	p.log.Info("Deleted server", "node", id)
	return nil
}

// ListNodes returns every server of the project. Names have underscores
// replaced by dashes, names and statuses are lower-cased.
func (p *Provisioner) ListNodes(ctx context.Context) ([]scheduler.Server, error) {
	if err := p.checkConnection(); err != nil {
		return nil, err
	}

	pages, err := servers.List(p.compute, servers.ListOpts{}).AllPages()
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}

	all, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, fmt.Errorf("failed to extract servers: %w", err)
	}

	return lo.Map(all, func(server servers.Server, _ int) scheduler.Server {
		return scheduler.Server{
			ID:     server.ID,
			Name:   strings.ToLower(strings.ReplaceAll(server.Name, "_", "-")),
			Status: strings.ToLower(server.Status),
		}
	}), nil
}

func (p *Provisioner) ResourceLimits(ctx context.Context) (scheduler.ResourceLimits, error) {
	if err := p.checkConnection(); err != nil {
		return scheduler.ResourceLimits{}, err
	}

	l, err := limits.Get(p.compute, limits.GetOpts{}).Extract()
	if err != nil {
		return scheduler.ResourceLimits{}, fmt.Errorf("failed to get limits: %w", err)
	}

	return scheduler.ResourceLimits{
		TotalCores:     l.Absolute.MaxTotalCores,
		UsedCores:      l.Absolute.TotalCoresUsed,
		TotalInstances: l.Absolute.MaxTotalInstances,
		UsedInstances:  l.Absolute.TotalInstancesUsed,
		TotalRAM:       l.Absolute.MaxTotalRAMSize,
		UsedRAM:        l.Absolute.TotalRAMUsed,
	}, nil
}

func (p *Provisioner) ServerLog(ctx context.Context, id string) (string, error) {
	if err := p.checkConnection(); err != nil {
		return "", err
	}

	output, err := servers.ShowConsoleOutput(p.compute, normalizeID(id), servers.ShowConsoleOutputOpts{}).Extract()
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("server '%s': %w", id, scheduler.ErrNodeNotFound)
		}
		return "", fmt.Errorf("failed to get console output of server '%s': %w", id, err)
	}

	return output, nil
}

func (p *Provisioner) WaitForLogMatch(ctx context.Context, id, pattern string, timeout int) ([]string, error) {
	return internal.WaitForLogMatch(ctx, p.log, func() (string, error) {
		return p.ServerLog(ctx, id)
	}, pattern, timeout, p.config.PollInterval)
}

func (p *Provisioner) StopNode(ctx context.Context, id string, timeout int) error {
	if err := p.checkConnection(); err != nil {
		return err
	}

	id = normalizeID(id)
	if err := startstop.Stop(p.compute, id).ExtractErr(); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("server '%s': %w", id, scheduler.ErrNodeNotFound)
		}
		return fmt.Errorf("failed to stop server '%s': %w", id, err)
	}

	return internal.PollUntil(ctx, p.log, fmt.Sprintf("server '%s' to shut off", id), timeout, p.config.PollInterval, func() (bool, error) {
		server, err := servers.Get(p.compute, id).Extract()
		if err != nil {
			return false, fmt.Errorf("failed to get server '%s': %w", id, err)
		}
		return server.Status == "SHUTOFF", nil
	})
}

// SnapshotNode creates an image of the server and waits until the image is active.
func (p *Provisioner) SnapshotNode(ctx context.Context, id, imageName string, timeout int) (string, error) {
	if err := p.checkConnection(); err != nil {
		return "", err
	}

	id = normalizeID(id)
	imageID, err := servers.CreateImage(p.compute, id, servers.CreateImageOpts{Name: imageName}).ExtractImageID()
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("server '%s': %w", id, scheduler.ErrNodeNotFound)
		}
		return "", fmt.Errorf("failed to create image '%s' of server '%s': %w", imageName, id, err)
	}

	p.log.Info("Created image, waiting for it to become active", "node", id, "image", imageID, "name", imageName)

	err = internal.PollUntil(ctx, p.log, fmt.Sprintf("image '%s' to become active", imageName), timeout, p.config.PollInterval, func() (bool, error) {
		image, err := images.Get(p.image, imageID).Extract()
		if err != nil {
			return false, fmt.Errorf("failed to get image '%s': %w", imageID, err)
		}
		return image.Status == images.ImageStatusActive, nil
	})
	if err != nil {
		return "", err
	}

	return imageID, nil
}

func (p *Provisioner) Shutdown() {
	p.compute = nil
	p.image = nil
	p.network = nil
	p.log.Debug("Disconnected from cloud")
}
