// Package config loads the rshim daemon configuration from YAML.
//
// Values absent from the file are filled from [Default]:
//
//	cfg, err := config.Load("/etc/rshim.yaml")
//	if err != nil {
//	    return err
//	}
//	pkg.SetLogLevel(cfg.Log.SlogLevel())
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"go.yaml.in/yaml/v3"

	"github.com/ardnew/rshim/pkg"
)

// Config is the complete daemon configuration.
type Config struct {
	Log     Log      `yaml:"log"`
	Allow   []string `yaml:"allow"`
	USB     USB      `yaml:"usb"`
	PCIe    PCIe     `yaml:"pcie"`
	Metrics Metrics  `yaml:"metrics"`
	IDs     IDs      `yaml:"ids"`
}

// Log selects the logger level and output format.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// USB configures the USB backend.
type USB struct {
	Disable      bool          `yaml:"disable"`
	Timeout      time.Duration `yaml:"timeout"`
	ReadRetries  int           `yaml:"read_retries"`
	WriteRetries int           `yaml:"write_retries"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PCIe configures the PCIe backend.
type PCIe struct {
	Disable   bool          `yaml:"disable"`
	SysfsPath string        `yaml:"sysfs_path"`
	SpinMin   time.Duration `yaml:"spin_min"`
	SpinMax   time.Duration `yaml:"spin_max"`
	// SpinLimit bounds gateway spin-waits; 0 waits indefinitely.
	SpinLimit int `yaml:"spin_limit"`
}

// Metrics configures the Prometheus endpoint. An empty Listen disables it.
type Metrics struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// IDs names the hardware ID databases used for log annotation.
type IDs struct {
	USB string `yaml:"usb"`
	PCI string `yaml:"pci"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: Log{Level: "info", Format: "text"},
		USB: USB{
			Timeout:      20 * time.Second,
			ReadRetries:  5,
			WriteRetries: 5,
			PollInterval: 100 * time.Millisecond,
		},
		PCIe: PCIe{
			SysfsPath: "/sys/bus/pci/devices",
			SpinMin:   time.Microsecond,
			SpinMax:   time.Millisecond,
		},
		Metrics: Metrics{Path: "/metrics"},
	}
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read config %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes raw YAML over [Default]. Keys present in b replace the
// defaults, including explicit zero values.
func Parse(b []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("unable to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Apply overlays the non-zero fields of o, such as command-line overrides,
// and validates the result.
func (c *Config) Apply(o Config) error {
	if err := mergo.Merge(c, o, mergo.WithOverride); err != nil {
		return fmt.Errorf("unable to apply config overrides: %w", err)
	}
	return c.Validate()
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := pkg.ParseLogLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := pkg.ParseLogFormat(c.Log.Format); err != nil {
		return err
	}
	switch {
	case c.USB.Timeout <= 0:
		return fmt.Errorf("usb.timeout %v: %w", c.USB.Timeout, pkg.ErrInvalidParameter)
	case c.USB.ReadRetries < 0, c.USB.WriteRetries < 0:
		return fmt.Errorf("usb retries must be non-negative: %w", pkg.ErrInvalidParameter)
	case c.USB.PollInterval <= 0:
		return fmt.Errorf("usb.poll_interval %v: %w", c.USB.PollInterval, pkg.ErrInvalidParameter)
	case c.PCIe.SpinMin <= 0 || c.PCIe.SpinMax < c.PCIe.SpinMin:
		return fmt.Errorf("pcie spin range [%v, %v]: %w", c.PCIe.SpinMin, c.PCIe.SpinMax, pkg.ErrInvalidParameter)
	case c.PCIe.SpinLimit < 0:
		return fmt.Errorf("pcie.spin_limit %d: %w", c.PCIe.SpinLimit, pkg.ErrInvalidParameter)
	}
	return nil
}

// SlogLevel returns the configured level, falling back to info.
func (l Log) SlogLevel() slog.Level {
	lvl, _ := pkg.ParseLogLevel(l.Level)
	return lvl
}

// LogFormat returns the configured format, falling back to text.
func (l Log) LogFormat() pkg.LogFormat {
	f, _ := pkg.ParseLogFormat(l.Format)
	return f
}
