// Package plugins hosts sandboxed bytecode modules. Each plugin declares
// a manifest with its capability set; the runtime executes its program
// under CPU and memory budgets, and every effect goes through the typed
// host API, which checks the caller's capability mask.
package plugins

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Capabilities is the fixed capability enumeration; everything defaults
// to off.
type Capabilities struct {
	Filesystem     bool `json:"filesystem,omitempty"`
	Network        bool `json:"network,omitempty"`
	AudioRead      bool `json:"audioRead,omitempty"`
	AudioWrite     bool `json:"audioWrite,omitempty"`
	ChatRead       bool `json:"chatRead,omitempty"`
	ChatWrite      bool `json:"chatWrite,omitempty"`
	UserManagement bool `json:"userManagement,omitempty"`
	ServerConfig   bool `json:"serverConfig,omitempty"`
}

func (c *Capabilities) Has(name string) bool {
	switch name {
	case "filesystem":
		return c.Filesystem
	case "network":
		return c.Network
	case "audio_read":
		return c.AudioRead
	case "audio_write":
		return c.AudioWrite
	case "chat_read":
		return c.ChatRead
	case "chat_write":
		return c.ChatWrite
	case "user_management":
		return c.UserManagement
	case "server_config":
		return c.ServerConfig
	}
	return false
}

func (c *Capabilities) Enabled() []string {
	names := []string{}
	for _, name := range []string{"filesystem", "network", "audio_read", "audio_write", "chat_read", "chat_write", "user_management", "server_config"} {
		if c.Has(name) {
			names = append(names, name)
		}
	}
	return names
}

type Manifest struct {
	Name             string       `json:"name"`
	Version          string       `json:"version"`
	Author           string       `json:"author"`
	Description      string       `json:"description"`
	MinServerVersion string       `json:"minServerVersion"`
	ProgramFile      string       `json:"programFile"`
	Capabilities     Capabilities `json:"capabilities"`
	Subscribe        []string     `json:"subscribe,omitempty"`

	// resource budgets; zero picks the host defaults
	MaxSteps  int64 `json:"maxSteps,omitempty"`
	MaxMemory int   `json:"maxMemory,omitempty"`
}

func LoadManifest(path string) (Manifest, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	return ParseManifest(bytes)
}

func ParseManifest(bytes []byte) (Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(bytes, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("manifest: %w", err)
	}
	if err := manifest.Validate(); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: missing name")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest: missing version")
	}
	if m.ProgramFile == "" {
		return fmt.Errorf("manifest: missing programFile")
	}
	if !isSemver(m.Version) {
		return fmt.Errorf("manifest: version %q is not x.y.z", m.Version)
	}
	return nil
}

func isSemver(v string) bool {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if _, err := strconv.ParseUint(part, 10, 32); err != nil {
			return false
		}
	}
	return true
}
