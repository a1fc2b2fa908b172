package config

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "fiberdbg"
	configFile string = "config.yml"
)

// Default values for the fiber runtime layout. They match the flare
// runtime; a config file can override them for forks of the runtime.
const (
	DefaultStackRegistrySymbol    = "flare::fiber::detail::stack_registry"
	DefaultFiberEntityType        = "flare::fiber::detail::FiberEntity"
	DefaultFiberStackReservedSize = 512
	DefaultFiberStateDead         = 3
	DefaultSwitchRoutine          = "jump_context"
	DefaultMaxStackDepth          = 100

	// MaxFiberStackReservedSize is the largest control block reservation
	// accepted, the alignment of fiber stack tops in the runtime.
	MaxFiberStackReservedSize = 1 << 20
)

// SubstitutePathRule describes a rule for substitution of path to source code file.
type SubstitutePathRule struct {
	// Directory path will be substituted if it matches `From`.
	From string
	// Path to which substitution is performed.
	To string
}

// SubstitutePathRules is a slice of source code path substitution rules.
type SubstitutePathRules []SubstitutePathRule

// Substitute applies the first rule whose From directory contains path.
//
// Only whole directories are substituted, for example:
// substitute from `/dir/subdir`, substitute to `/new`
// for file path `/dir/subdir/file` will return file path `/new/file`.
// for file path `/dir/subdir-2/file` substitution will not be applied.
func (rules SubstitutePathRules) Substitute(path string) string {
	const separator = "/"
	for _, r := range rules {
		from, to := r.From, r.To
		if !strings.HasSuffix(from, separator) {
			from = from + separator
		}
		if !strings.HasSuffix(to, separator) {
			to = to + separator
		}
		if strings.HasPrefix(path, from) {
			return to + path[len(from):]
		}
	}
	return path
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`
	// Source code path substitution rules.
	SubstitutePath SubstitutePathRules `yaml:"substitute-path"`

	// MaxStackDepth is the maximum number of frames unwound for a fiber.
	MaxStackDepth *int `yaml:"max-stack-depth,omitempty"`

	// StackRegistrySymbol is the (demangled) name of the global stack
	// registry of the fiber runtime.
	StackRegistrySymbol string `yaml:"stack-registry-symbol,omitempty"`
	// FiberEntityType is the qualified name of the fiber control block type.
	FiberEntityType string `yaml:"fiber-entity-type,omitempty"`
	// FiberStackReservedSize is the number of bytes reserved at the top of
	// every fiber stack for the control block.
	FiberStackReservedSize *int `yaml:"fiber-stack-reserved-size,omitempty"`
	// FiberStateDead is the numeric value of the "dead" fiber state.
	FiberStateDead *int `yaml:"fiber-state-dead,omitempty"`
	// SwitchRoutine is the name of the context switch routine. A call stack
	// whose innermost frame is inside it is reported as possibly wrong.
	SwitchRoutine string `yaml:"switch-routine,omitempty"`

	// If ShowInstruction is true list-fibers prints the instruction at the
	// current instruction pointer of every fiber.
	ShowInstruction bool `yaml:"show-instruction"`
}

// GetMaxStackDepth returns the configured maximum stack depth.
func (c *Config) GetMaxStackDepth() int {
	if c == nil || c.MaxStackDepth == nil || *c.MaxStackDepth <= 0 {
		return DefaultMaxStackDepth
	}
	return *c.MaxStackDepth
}

// GetStackRegistrySymbol returns the configured stack registry symbol.
func (c *Config) GetStackRegistrySymbol() string {
	if c == nil || c.StackRegistrySymbol == "" {
		return DefaultStackRegistrySymbol
	}
	return c.StackRegistrySymbol
}

// GetFiberEntityType returns the configured control block type name.
func (c *Config) GetFiberEntityType() string {
	if c == nil || c.FiberEntityType == "" {
		return DefaultFiberEntityType
	}
	return c.FiberEntityType
}

// GetFiberStackReservedSize returns the configured control block reservation.
func (c *Config) GetFiberStackReservedSize() uint64 {
	if c == nil || c.FiberStackReservedSize == nil || *c.FiberStackReservedSize <= 0 || *c.FiberStackReservedSize > MaxFiberStackReservedSize {
		return DefaultFiberStackReservedSize
	}
	return uint64(*c.FiberStackReservedSize)
}

// GetFiberStateDead returns the configured value of the dead fiber state.
func (c *Config) GetFiberStateDead() uint32 {
	if c == nil || c.FiberStateDead == nil || *c.FiberStateDead <= 0 || int64(*c.FiberStateDead) > math.MaxUint32 {
		return DefaultFiberStateDead
	}
	return uint32(*c.FiberStateDead)
}

// GetSwitchRoutine returns the configured context switch routine name.
func (c *Config) GetSwitchRoutine() string {
	if c == nil || c.SwitchRoutine == "" {
		return DefaultSwitchRoutine
	}
	return c.SwitchRoutine
}

// Validate returns an error for the first value that can not describe a
// fiber runtime. Unset values are valid.
func (c *Config) Validate() error {
	if c.MaxStackDepth != nil && *c.MaxStackDepth <= 0 {
		return fmt.Errorf("max-stack-depth must be greater than zero, got %d", *c.MaxStackDepth)
	}
	if n := c.FiberStackReservedSize; n != nil && (*n <= 0 || *n > MaxFiberStackReservedSize) {
		return fmt.Errorf("fiber-stack-reserved-size must be between 1 and %d, got %d", MaxFiberStackReservedSize, *n)
	}
	// Zero is the state of a fiber that is ready to run.
	if n := c.FiberStateDead; n != nil && (*n <= 0 || int64(*n) > math.MaxUint32) {
		return fmt.Errorf("fiber-state-dead must be between 1 and %d, got %d", uint32(math.MaxUint32), *n)
	}
	return nil
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	if _, err := os.Stat(fullConfigFile); os.IsNotExist(err) {
		if err := createDefaultConfig(fullConfigFile); err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}

	c, err := LoadConfigFromFile(fullConfigFile)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFromFile decodes the configuration stored at path.
func LoadConfigFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %v", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %v", path, err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for fiberdbg.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Define sources path substitution rules. Can be used to rewrite a source path stored
# in program's debug information, if the sources were moved to a different place
# between compilation and debugging.
substitute-path:
  # - {from: path, to: path}

# Maximum number of frames shown for a fiber call stack.
# max-stack-depth: 100

# Layout of the fiber runtime.
# stack-registry-symbol: "flare::fiber::detail::stack_registry"
# fiber-entity-type: "flare::fiber::detail::FiberEntity"
# fiber-stack-reserved-size: 512
# fiber-state-dead: 3
# switch-routine: "jump_context"

# Uncomment the following line to print the current instruction of every fiber in list-fibers.
# show-instruction: true
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return filepath.Join(configPath, configDir, file), nil
	}
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userHomeDir, ".config", configDir, file), nil
}
