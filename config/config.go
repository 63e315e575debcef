package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/gammadia/ehos/scheduler"
	sprig "github.com/go-task/slim-sprig/v3"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

var (
	ErrMissingOption = errors.New("missing option")
	ErrInvalidOption = errors.New("invalid option")
)

const (
	BackendOpenStack = "openstack"
	BackendDocker    = "docker"
)

// File is the daemon configuration file. It is read again at every cycle.
type File struct {
	EHOS   Defaults         `yaml:"ehos"`
	Clouds map[string]Cloud `yaml:"clouds"`
}

// Defaults holds the pool thresholds and the node template inherited by every cloud.
type Defaults struct {
	NodesMin   *int `yaml:"nodes_min"`
	NodesMax   *int `yaml:"nodes_max"`
	NodesSpare *int `yaml:"nodes_spare"`
	SleepMin   *int `yaml:"sleep_min"`

	Template `yaml:",inline"`
}

// Template describes the servers created for the nodes.
type Template struct {
	Image          string   `yaml:"image"`
	Flavor         string   `yaml:"flavor"`
	Network        string   `yaml:"network"`
	Key            string   `yaml:"key"`
	SecurityGroups []string `yaml:"security_groups"`
	// Rendered as a template, then passed as user data to new servers
	UserdataFile string `yaml:"userdata_file"`
}

type Cloud struct {
	Backend string `yaml:"backend"`

	// OpenStack
	AuthURL           string `yaml:"auth_url"`
	ProjectName       string `yaml:"project_name"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	RegionName        string `yaml:"region_name"`
	UserDomainName    string `yaml:"user_domain_name"`
	ProjectDomainName string `yaml:"project_domain_name"`

	// Docker
	DockerHost string `yaml:"docker_host"`
	MaxNodes   int    `yaml:"max_nodes"`

	Template `yaml:",inline"`
}

// Load reads, renders and validates the configuration file at path.
func Load(path string) (*File, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	return Parse(path, buf)
}

// Parse renders source as a template, then decodes it strictly.
func Parse(name string, source []byte) (*File, error) {
	rendered, err := render(name, string(source), nil)
	if err != nil {
		return nil, err
	}

	var file File
	decoder := yaml.NewDecoder(strings.NewReader(rendered))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	for cloudName, cloud := range file.Clouds {
		if cloud.Backend == "" {
			cloud.Backend = BackendOpenStack
			file.Clouds[cloudName] = cloud
		}
	}

	if err := file.Validate(); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &file, nil
}

func render(name, source string, data any) (string, error) {
	tmpl, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(source)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var output bytes.Buffer
	if err := tmpl.Execute(&output, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return output.String(), nil
}

func (f *File) Validate() error {
	for _, option := range []lo.Tuple2[string, *int]{
		{A: "nodes_min", B: f.EHOS.NodesMin},
		{A: "nodes_max", B: f.EHOS.NodesMax},
		{A: "nodes_spare", B: f.EHOS.NodesSpare},
		{A: "sleep_min", B: f.EHOS.SleepMin},
	} {
		if option.B == nil {
			return fmt.Errorf("ehos.%s: %w", option.A, ErrMissingOption)
		}
	}

	if *f.EHOS.NodesMin < 0 {
		return fmt.Errorf("ehos.nodes_min must not be negative: %w", ErrInvalidOption)
	}
	if *f.EHOS.NodesMax < *f.EHOS.NodesMin {
		return fmt.Errorf("ehos.nodes_max must be greater than or equal to nodes_min: %w", ErrInvalidOption)
	}
	if *f.EHOS.NodesSpare < 0 {
		return fmt.Errorf("ehos.nodes_spare must not be negative: %w", ErrInvalidOption)
	}
	if *f.EHOS.SleepMin <= 0 {
		return fmt.Errorf("ehos.sleep_min must be greater than 0: %w", ErrInvalidOption)
	}

	if len(f.Clouds) == 0 {
		return fmt.Errorf("clouds: %w", ErrMissingOption)
	}
	for _, name := range f.CloudNames() {
		cloud := f.Clouds[name]
		switch cloud.Backend {
		case BackendOpenStack, BackendDocker:
		default:
			return fmt.Errorf("clouds.%s.backend '%s' is not one of openstack, docker: %w", name, cloud.Backend, ErrInvalidOption)
		}
		if f.templateOf(cloud).Image == "" {
			return fmt.Errorf("clouds.%s.image: %w", name, ErrMissingOption)
		}
		if cloud.MaxNodes < 0 {
			return fmt.Errorf("clouds.%s.max_nodes must not be negative: %w", name, ErrInvalidOption)
		}
	}

	return nil
}

// CloudNames returns the configured cloud names in lexical order.
func (f *File) CloudNames() []string {
	names := lo.Keys(f.Clouds)
	slices.Sort(names)
	return names
}

// templateOf merges the node template of a cloud over the defaults.
func (f *File) templateOf(cloud Cloud) Template {
	merged := f.EHOS.Template
	if cloud.Image != "" {
		merged.Image = cloud.Image
	}
	if cloud.Flavor != "" {
		merged.Flavor = cloud.Flavor
	}
	if cloud.Network != "" {
		merged.Network = cloud.Network
	}
	if cloud.Key != "" {
		merged.Key = cloud.Key
	}
	if cloud.SecurityGroups != nil {
		merged.SecurityGroups = cloud.SecurityGroups
	}
	if cloud.UserdataFile != "" {
		merged.UserdataFile = cloud.UserdataFile
	}
	return merged
}

// UserdataData is available to user data templates.
type UserdataData struct {
	Cloud string
}

// Settings converts the file into the scheduler settings, reading the user data files.
func (f *File) Settings() (scheduler.Settings, error) {
	settings := scheduler.Settings{
		Thresholds: scheduler.Thresholds{
			Min:   *f.EHOS.NodesMin,
			Max:   *f.EHOS.NodesMax,
			Spare: *f.EHOS.NodesSpare,
		},
		Sleep:     time.Duration(*f.EHOS.SleepMin) * time.Second,
		Templates: make(map[string]scheduler.NodeSpec, len(f.Clouds)),
	}

	for _, name := range f.CloudNames() {
		tmpl := f.templateOf(f.Clouds[name])

		spec := scheduler.NodeSpec{
			Image:          tmpl.Image,
			Flavor:         tmpl.Flavor,
			Network:        tmpl.Network,
			KeyPair:        tmpl.Key,
			SecurityGroups: tmpl.SecurityGroups,
		}

		if tmpl.UserdataFile != "" {
			source, err := os.ReadFile(tmpl.UserdataFile)
			if err != nil {
				return scheduler.Settings{}, fmt.Errorf("read userdata file of cloud '%s': %w", name, err)
			}
			userdata, err := render(tmpl.UserdataFile, string(source), UserdataData{Cloud: name})
			if err != nil {
				return scheduler.Settings{}, fmt.Errorf("userdata file of cloud '%s': %w", name, err)
			}
			spec.UserData = []byte(userdata)
		}

		settings.Templates[name] = spec
	}

	return settings, nil
}

// Reloader returns a function loading the settings from path, for scheduler.Config.Reload.
func Reloader(path string) func() (scheduler.Settings, error) {
	return func() (scheduler.Settings, error) {
		file, err := Load(path)
		if err != nil {
			return scheduler.Settings{}, fmt.Errorf("configuration '%s': %w", path, err)
		}
		return file.Settings()
	}
}
