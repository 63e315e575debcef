package scheduler

import "context"

const (
	// ReadyLogPattern is printed on the console of a node once it has booted
	ReadyLogPattern = "The EHOS vm is up after "
	// DefaultTimeout is the default countdown of the blocking operations, in polling ticks
	DefaultTimeout = 200
)

// NodeSpec describes the server to create for a new node.
type NodeSpec struct {
	Name           string   `json:"name"`
	Image          string   `json:"image"`
	Flavor         string   `json:"flavor"`
	Network        string   `json:"network"`
	KeyPair        string   `json:"key-pair"`
	SecurityGroups []string `json:"security-groups"`
	UserData       []byte   `json:"-"`
}

// Server is a server as listed by a provisioner.
type Server struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ResourceLimits are the quotas of a cloud account.
// A negative total means the resource is unlimited.
type ResourceLimits struct {
	TotalCores     int `json:"total-cores"`
	UsedCores      int `json:"used-cores"`
	TotalInstances int `json:"total-instances"`
	UsedInstances  int `json:"used-instances"`
	TotalRAM       int `json:"total-ram"`
	UsedRAM        int `json:"used-ram"`
}

// HasRoomFor reports whether the quotas leave room for n more instances.
func (l ResourceLimits) HasRoomFor(n int) bool {
	if l.TotalInstances >= 0 && l.UsedInstances+n > l.TotalInstances {
		return false
	}
	if l.TotalCores >= 0 && l.UsedCores >= l.TotalCores {
		return false
	}
	if l.TotalRAM >= 0 && l.UsedRAM >= l.TotalRAM {
		return false
	}
	return true
}

// Provisioner operates the servers of one cloud.
//
// Timeouts of the blocking operations are countdowns in polling ticks
// (one tick per second in production); exhausting one yields ErrTimeout.
type Provisioner interface {
	CreateNode(ctx context.Context, spec NodeSpec) (string, error)
	// DeleteNode returns ErrNodeNotFound if the server does not exist.
	DeleteNode(ctx context.Context, id string) error
	ListNodes(ctx context.Context) ([]Server, error)
	ResourceLimits(ctx context.Context) (ResourceLimits, error)

	ServerLog(ctx context.Context, id string) (string, error)
	WaitForLogMatch(ctx context.Context, id, pattern string, timeout int) ([]string, error)
	StopNode(ctx context.Context, id string, timeout int) error
	SnapshotNode(ctx context.Context, id, imageName string, timeout int) (string, error)

	// Shutdown releases the connection. The provisioner must not be used afterwards.
	Shutdown()
}
