// Package config loads agent settings from the environment and the sets to
// preload from a YAML file.
package config

import (
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/pmlproject9/portset/pkg/constants"
	"github.com/pmlproject9/portset/pkg/ipset"
	"github.com/pmlproject9/portset/pkg/portset"
	"github.com/pmlproject9/portset/pkg/registry"
)

// EnvPrefix prefixes the environment variables read by FromEnvironment.
const EnvPrefix = "portset"

// Agent holds the settings of the agent. Flags default to these values.
type Agent struct {
	ListenAddress    string        `envconfig:"LISTEN_ADDRESS"`
	ConfigFile       string        `envconfig:"CONFIG_FILE"`
	MaxMemSize       int           `envconfig:"MAX_MEMSIZE"`
	ListPageSize     int           `envconfig:"LIST_PAGE_SIZE"`
	KernelSync       bool          `envconfig:"KERNEL_SYNC"`
	KernelSyncPeriod time.Duration `envconfig:"KERNEL_SYNC_PERIOD"`
	Mark             string        `envconfig:"MARK"`
	Protocols        []string      `envconfig:"PROTOCOLS"`
}

// Defaults returns the built-in settings.
func Defaults() Agent {
	return Agent{
		ListenAddress:    constants.DefaultListenAddr,
		ListPageSize:     constants.DefaultListPageSize,
		KernelSyncPeriod: 30 * time.Second,
		Mark:             constants.DefaultMark,
		Protocols:        []string{ipset.ProtocolTCP, ipset.ProtocolUDP},
	}
}

// FromEnvironment returns the defaults overridden by PORTSET_* variables.
func FromEnvironment() (Agent, error) {
	cfg := Defaults()
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, errors.Wrap(err, "error to read environment")
	}
	return cfg, nil
}

// SetConfig declares one set and its initial members.
type SetConfig struct {
	Name                  string `json:"name"`
	portset.CreateRequest `json:",inline"`
	Members               []portset.ADTRequest `json:"members,omitempty"`
}

// File is the content of a preload file.
type File struct {
	Sets []SetConfig `json:"sets"`
}

// Load reads a preload file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error to read %s", path)
	}
	return Parse(data)
}

// Parse decodes a preload file.
func Parse(data []byte) (*File, error) {
	f := &File{}
	if err := yaml.UnmarshalStrict(data, f); err != nil {
		return nil, errors.Wrap(err, "error to parse set file")
	}
	return f, nil
}

// Apply creates the declared sets in r and adds their members. Sets which
// already exist with the same configuration are kept, and members already
// present are not an error.
func (f *File) Apply(r *registry.Registry) error {
	for _, sc := range f.Sets {
		req := sc.CreateRequest
		if _, _, err := r.Create(sc.Name, &req, true); err != nil {
			return err
		}
		for i := range sc.Members {
			m := sc.Members[i]
			if m.Lineno == nil {
				lineno := uint32(i + 1)
				m.Lineno = &lineno
			}
			if _, err := r.Uadt(sc.Name, portset.ADTAdd, &m, portset.FlagExist); err != nil {
				return errors.Wrapf(err, "set %s", sc.Name)
			}
		}
		klog.V(2).Infof("loaded set %s with %d member entries", sc.Name, len(sc.Members))
	}
	return nil
}
