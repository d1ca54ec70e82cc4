package config

import (
	"os"
	"path/filepath"
	"sync"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/creasty/defaults"
	"gopkg.in/yaml.v2"
)

// DefaultLocation is the default path of the daemon configuration file.
const DefaultLocation = "/etc/infinibay/config.yml"

var (
	mu      sync.RWMutex
	_config *Configuration

	_debugViaFlag bool
)

// Locker specific to writing the configuration to the disk, this happens
// in areas that might already be locked, so we don't want to crash the process.
var _writeLock sync.Mutex

// SystemConfiguration defines where the daemon keeps its state on disk and
// how it logs.
type SystemConfiguration struct {
	// RootDirectory is where the sqlite database and other node state live.
	RootDirectory string `default:"/var/lib/infinibay" yaml:"root_directory"`

	// LogDirectory is where the daemon log file is written.
	LogDirectory string `default:"/var/log/infinibay" yaml:"log_directory"`

	Timezone string `default:"UTC" yaml:"timezone"`
}

// HypervisorConfiguration defines how the daemon reaches libvirt.
type HypervisorConfiguration struct {
	// Socket is the path of the local libvirt management socket.
	Socket string `default:"/var/run/libvirt/libvirt-sock" yaml:"socket"`

	// TimeoutSeconds bounds every individual hypervisor call. A call that
	// exceeds it is treated exactly like a connection failure.
	TimeoutSeconds int `default:"10" yaml:"timeout_seconds"`

	// ReconcileInterval is how often, in minutes, the daemon re-pushes every
	// active filter to libvirt. Zero disables the periodic job.
	ReconcileInterval int `default:"60" yaml:"reconcile_interval"`

	// ReconcileWorkers is the size of the worker pool used when re-pushing
	// filters at boot and on the periodic schedule.
	ReconcileWorkers int `default:"4" yaml:"reconcile_workers"`
}

// ApiConfiguration defines the internal webserver that the panel talks to.
type ApiConfiguration struct {
	Host string `default:"0.0.0.0" yaml:"host"`
	Port int    `default:"8080" yaml:"port"`
}

// Configuration is the root daemon configuration, loaded from and persisted
// to a single YAML file.
type Configuration struct {
	// The location from which this configuration instance was instantiated.
	path string

	Debug bool `default:"false" yaml:"debug"`

	System     SystemConfiguration     `yaml:"system"`
	Hypervisor HypervisorConfiguration `yaml:"hypervisor"`
	Api        ApiConfiguration        `yaml:"api"`
}

// NewAtPath creates a new struct and set the path where it should be stored.
// This function does not modify the currently stored global configuration.
func NewAtPath(path string) (*Configuration, error) {
	var c Configuration
	// Configures the default values for many of the configuration options
	// present in the structs.
	if err := defaults.Set(&c); err != nil {
		return nil, err
	}
	c.path = path
	return &c, nil
}

// Set the global configuration instance.
func Set(c *Configuration) {
	mu.Lock()
	_config = c
	mu.Unlock()
}

// SetDebugViaFlag tracks if the application is running in debug mode because
// of a command line flag argument. If so we do not want to store that in the
// configuration file.
func SetDebugViaFlag(d bool) {
	mu.Lock()
	_config.Debug = d
	_debugViaFlag = d
	mu.Unlock()
}

// Get returns the global configuration instance. This is a thread-safe
// operation that will block if the configuration is presently being modified.
func Get() *Configuration {
	mu.RLock()
	// Create a copy of the struct so that all modifications made beyond this
	// point are immutable.
	c := *_config
	mu.RUnlock()
	return &c
}

// Update performs an in-situ update of the global configuration object using
// a thread-safe mutex lock.
func Update(callback func(c *Configuration)) {
	mu.Lock()
	callback(_config)
	mu.Unlock()
}

// FromFile reads the configuration from the provided file and stores it in
// the global singleton for this instance.
func FromFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "config: could not read configuration file")
	}
	c, err := NewAtPath(path)
	if err != nil {
		return errors.WithStackIf(err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return errors.Wrap(err, "config: could not decode configuration file")
	}
	Set(c)
	return nil
}

// WriteToDisk writes the configuration to the disk. This is a thread safe
// operation and will only allow one write at a time.
func WriteToDisk(c *Configuration) error {
	_writeLock.Lock()
	defer _writeLock.Unlock()

	ccopy := *c
	// If debugging is set with a flag, don't save it to the configuration
	// file, otherwise you'll always end up in debug mode.
	if _debugViaFlag {
		ccopy.Debug = false
	}
	if c.path == "" {
		return errors.New("config: cannot write to disk, no path defined in configuration")
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return errors.WithStackIf(err)
	}
	b, err := yaml.Marshal(&ccopy)
	if err != nil {
		return errors.WithStackIf(err)
	}
	if err := os.WriteFile(c.path, b, 0o600); err != nil {
		return errors.WithStackIf(err)
	}
	return nil
}

// ConfigureDirectories ensures the directories the daemon writes to exist.
func ConfigureDirectories() error {
	c := Get()
	for _, p := range []string{c.System.RootDirectory, c.System.LogDirectory} {
		log.WithField("path", p).Debug("ensuring directory exists")
		if err := os.MkdirAll(p, 0o755); err != nil {
			return errors.Wrapf(err, "config: could not create directory %s", p)
		}
	}
	return nil
}
