package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".pdrwalk"
	configFile string = "config.yml"

	// configDirEnv overrides the directory holding the configuration file.
	configDirEnv = "PDRWALK_CONFIG_DIR"

	// DefaultMaxStackDepth is used when max-stack-depth is not set.
	DefaultMaxStackDepth = 50
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// ABI is the MIPS calling convention assumed when a snapshot does not
	// specify one (o32, n32, n64, o64, eabi32, eabi64).
	ABI string `yaml:"abi,omitempty"`
	// ByteOrder is the byte order assumed when a snapshot does not specify
	// one (big or little).
	ByteOrder string `yaml:"byte-order,omitempty"`

	// MaxStackDepth is the maximum number of frames printed by unwind.
	MaxStackDepth *int `yaml:"max-stack-depth,omitempty"`

	// PCCacheSize is the number of program counters whose procedure
	// descriptor lookup is remembered.
	PCCacheSize int `yaml:"pc-cache-size,omitempty"`

	// DebugInfoDirectories is the list of directories searched for the
	// images named by a snapshot.
	DebugInfoDirectories []string `yaml:"debug-info-directories"`

	// Color controls colored output: "auto", "always" or "never".
	Color string `yaml:"color,omitempty"`
}

// StackDepth returns the configured maximum stack depth.
func (c *Config) StackDepth() int {
	if c.MaxStackDepth == nil || *c.MaxStackDepth < 0 {
		return DefaultMaxStackDepth
	}
	return *c.MaxStackDepth
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not create config directory: %v.\n", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config file: %v\n", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Closing config file failed: %v.\n", err)
		}
	}()

	c, err := readConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to decode config file: %v.\n", err)
		return &Config{}
	}
	return c
}

// LoadConfigFile reads the configuration from the file at path.
func LoadConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readConfig(f)
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
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

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for pdrwalk.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# MIPS ABI and byte order used when a snapshot does not name them.
# abi: o32
# byte-order: big

# Maximum number of frames printed by the unwind command.
# max-stack-depth: 50

# Number of procedure descriptor lookups cached per session.
# pc-cache-size: 1024

# Colored output: auto, always or never.
# color: auto

# List of directories searched for the images named by a snapshot.
debug-info-directories: []
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
	if dir := os.Getenv(configDirEnv); dir != "" {
		return path.Join(dir, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
