package openstack

import (
	"fmt"

	"github.com/gammadia/ehos/scheduler"
	"github.com/google/uuid"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/openstack/imageservice/v2/images"
	"github.com/gophercloud/gophercloud/openstack/networking/v2/networks"
	"github.com/samber/lo"
)

// refs are the ids of the image, flavor and network of a new server.
type refs struct {
	image   string
	flavor  string
	network string
}

// resolveRefs looks up the image, flavor and network of a node template by name.
// Values that already are ids are used as is, empty values stay empty.
func (p *Provisioner) resolveRefs(spec scheduler.NodeSpec) (refs, error) {
	var r refs
	var err error

	if r.image, err = p.resolveImage(spec.Image); err != nil {
		return refs{}, err
	}
	if r.flavor, err = p.resolveFlavor(spec.Flavor); err != nil {
		return refs{}, err
	}
	if r.network, err = p.resolveNetwork(spec.Network); err != nil {
		return refs{}, err
	}

	p.log.Debug("Resolved node template", "image", r.image, "flavor", r.flavor, "network", r.network)
	return r, nil
}

func isID(ref string) bool {
	_, err := uuid.Parse(ref)
	return err == nil
}

// single returns the only id of a lookup by name.
func single(kind, name string, ids []string) (string, error) {
	switch len(ids) {
	case 1:
		return ids[0], nil
	case 0:
		return "", fmt.Errorf("%s '%s' not found", kind, name)
	default:
		return "", fmt.Errorf("%s name '%s' is ambiguous, matching %v", kind, name, ids)
	}
}

func (p *Provisioner) resolveImage(ref string) (string, error) {
	if ref == "" || isID(ref) {
		return ref, nil
	}

	pages, err := images.List(p.image, images.ListOpts{Name: ref}).AllPages()
	if err != nil {
		return "", fmt.Errorf("failed to list images: %w", err)
	}
	found, err := images.ExtractImages(pages)
	if err != nil {
		return "", fmt.Errorf("failed to extract images: %w", err)
	}

	return single("image", ref, lo.Map(found, func(i images.Image, _ int) string { return i.ID }))
}

// resolveFlavor accepts a flavor id or name. Flavor ids are not always UUIDs, so both are looked up.
func (p *Provisioner) resolveFlavor(ref string) (string, error) {
	if ref == "" || isID(ref) {
		return ref, nil
	}

	pages, err := flavors.ListDetail(p.compute, nil).AllPages()
	if err != nil {
		return "", fmt.Errorf("failed to list flavors: %w", err)
	}
	found, err := flavors.ExtractFlavors(pages)
	if err != nil {
		return "", fmt.Errorf("failed to extract flavors: %w", err)
	}

	if flavor, ok := lo.Find(found, func(f flavors.Flavor) bool { return f.ID == ref }); ok {
		return flavor.ID, nil
	}

	named := lo.Filter(found, func(f flavors.Flavor, _ int) bool { return f.Name == ref })
	return single("flavor", ref, lo.Map(named, func(f flavors.Flavor, _ int) string { return f.ID }))
}

func (p *Provisioner) resolveNetwork(ref string) (string, error) {
	if ref == "" || isID(ref) {
		return ref, nil
	}

	pages, err := networks.List(p.network, networks.ListOpts{Name: ref}).AllPages()
	if err != nil {
		return "", fmt.Errorf("failed to list networks: %w", err)
	}
	found, err := networks.ExtractNetworks(pages)
	if err != nil {
		return "", fmt.Errorf("failed to extract networks: %w", err)
	}

	return single("network", ref, lo.Map(found, func(n networks.Network, _ int) string { return n.ID }))
}
