package daemon

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// DefaultPort is the node HTTP listen port.
	DefaultPort = 7443
)

// Config holds all derived configuration for the node daemon.
type Config struct {
	NodeName string
	Port     int
	DataDir  string
	RelayURL string
	LogLevel string
}

// NodeOpts holds options for the node daemon.
type NodeOpts struct {
	NodeName string
	Port     int
	DataDir  string
	RelayURL string
	LogLevel string
}

// NewConfig creates a node configuration from options, applying
// defaults: node name from the hostname, port 7443, data under
// ~/.agentmail.
func NewConfig(opts NodeOpts) (*Config, error) {
	name := sanitizeNodeName(opts.NodeName)
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("determine node name: %w", err)
		}
		name = sanitizeNodeName(hostname)
	}
	if name == "" {
		return nil, fmt.Errorf("node name is empty after sanitization")
	}

	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determine data dir: %w", err)
		}
		dataDir = filepath.Join(home, ".agentmail")
	}

	logLevel := opts.LogLevel
	if logLevel == "" {
		logLevel = "info"
	}

	return &Config{
		NodeName: name,
		Port:     port,
		DataDir:  dataDir,
		RelayURL: strings.TrimRight(opts.RelayURL, "/"),
		LogLevel: logLevel,
	}, nil
}

// DBPath is the mailbox database location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "mailbox.db")
}

// IdentityPath is the identity key file location.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.DataDir, "keys", "identity.json")
}

// sanitizeNodeName lowercases a name and keeps only characters valid in
// the local part of an agent address.
func sanitizeNodeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// LoadConfigFile loads and parses a config file with key=value pairs.
// A missing file is not an error.
func LoadConfigFile(path string) (map[string]string, error) {
	config := make(map[string]string)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			fmt.Printf("Warning: invalid config line %d in %s: %s\n", lineNum, path, line)
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		if (strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`)) ||
			(strings.HasPrefix(value, `'`) && strings.HasSuffix(value, `'`)) {
			value = value[1 : len(value)-1]
		}

		config[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return config, nil
}

// ApplyConfigFile overlays file values onto opts for any option the
// caller left unset. Flags always win over the file.
func ApplyConfigFile(opts *NodeOpts, values map[string]string) error {
	if opts.NodeName == "" {
		opts.NodeName = values["name"]
	}
	if opts.Port == 0 && values["port"] != "" {
		port, err := strconv.Atoi(values["port"])
		if err != nil {
			return fmt.Errorf("invalid port in config file: %q", values["port"])
		}
		opts.Port = port
	}
	if opts.DataDir == "" {
		opts.DataDir = values["data_dir"]
	}
	if opts.RelayURL == "" {
		opts.RelayURL = values["relay_url"]
	}
	if opts.LogLevel == "" {
		opts.LogLevel = values["log_level"]
	}
	return nil
}
