package plugins

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"speakeasy-server/internal/auth"
	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/metrics"
)

type PluginState string

const (
	StateLoaded   PluginState = "loaded"
	StateActive   PluginState = "active"
	StateDisabled PluginState = "disabled"
	StateError    PluginState = "error"
)

var ErrUnsignedNeedsConfirmation = errors.New("conflict: unsigned plugin requires explicit confirmation")

// Plugin is one installed module and its runtime state.
type Plugin struct {
	Manifest Manifest
	Trust    TrustLevel
	State    PluginState
	Reason   string
	// synthetic sender identity for chat_write
	SyntheticSender uuid.UUID

	program []byte
	vm      *VM
	host    *HostAPI
	sub     *hub.Subscription
	mutex   sync.Mutex
}

// Manager owns every plugin instance; each active plugin runs its event
// deliveries on its own goroutine.
type Manager struct {
	mutex   sync.Mutex
	plugins map[string]*Plugin

	dir         string
	trustedKeys []ed25519.PublicKey
	sugar       *zap.SugaredLogger

	kickFunc     func(sessionID int64, reason string) bool
	onTapChanged func(enabled bool)
}

func NewManager(dir string, trustedKeyHex []string, sugar *zap.SugaredLogger) (*Manager, error) {
	manager := &Manager{
		plugins: make(map[string]*Plugin),
		dir:     dir,
		sugar:   sugar,
	}
	for _, raw := range trustedKeyHex {
		key, err := hex.DecodeString(raw)
		if err != nil || len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("bad trusted plugin key %q", raw)
		}
		manager.trustedKeys = append(manager.trustedKeys, ed25519.PublicKey(key))
	}
	return manager, nil
}

// SetKickFunc wires user_management effects back into signaling.
func (m *Manager) SetKickFunc(fn func(sessionID int64, reason string) bool) {
	m.kickFunc = fn
}

// SetTapChangedFunc is notified when any plugin with audio_read becomes
// active or the last one stops; the router enables its cleartext tap
// only while needed.
func (m *Manager) SetTapChangedFunc(fn func(enabled bool)) {
	m.onTapChanged = fn
}

// Install loads a plugin from its directory. Unsigned plugins install
// only with confirmUnsigned, and that confirmation is audited with the
// requesting admin as actor.
func (m *Manager) Install(name string, actor uuid.UUID, confirmUnsigned bool) (*Plugin, error) {
	pluginDir := filepath.Join(m.dir, name)

	manifest, err := LoadManifest(filepath.Join(pluginDir, "manifest.json"))
	if err != nil {
		return nil, err
	}

	program, err := os.ReadFile(filepath.Join(pluginDir, manifest.ProgramFile))
	if err != nil {
		return nil, err
	}

	signature, _ := os.ReadFile(filepath.Join(pluginDir, manifest.ProgramFile+".sig"))
	trust := DetermineTrust(program, signature, m.trustedKeys)

	if trust == TrustUnsigned {
		if !confirmUnsigned {
			return nil, ErrUnsignedNeedsConfirmation
		}
		auth.Audit(&actor, "plugin.unsigned_confirmed", "plugin", manifest.Name, map[string]any{
			"version":      manifest.Version,
			"capabilities": manifest.Capabilities.Enabled(),
		})
	}

	senderID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	plugin := &Plugin{
		Manifest:        manifest,
		Trust:           trust,
		State:           StateLoaded,
		SyntheticSender: senderID,
		program:         program,
	}
	plugin.host = &HostAPI{
		plugin:   plugin,
		sugar:    m.sugar,
		dataDir:  filepath.Join(pluginDir, "data"),
		kickFunc: m.kickFunc,
	}
	plugin.vm = NewVM(program, manifest.MaxMemory, manifest.MaxSteps, func(id byte, args []int64) (int64, error) {
		return plugin.host.dispatch(plugin.vm, id, args)
	})

	m.mutex.Lock()
	m.plugins[manifest.Name] = plugin
	m.mutex.Unlock()

	auth.Audit(&actor, "plugin.installed", "plugin", manifest.Name, map[string]any{
		"version": manifest.Version,
		"trust":   string(trust),
	})
	hub.Publish(hub.PluginLoaded, map[string]any{"plugin": manifest.Name, "trust": string(trust)})
	return plugin, nil
}

func (m *Manager) Get(name string) (*Plugin, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	plugin, exists := m.plugins[name]
	return plugin, exists
}

func (m *Manager) List() []*Plugin {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	list := make([]*Plugin, 0, len(m.plugins))
	for _, plugin := range m.plugins {
		list = append(list, plugin)
	}
	return list
}

// Enable transitions loaded or disabled -> active and starts the event
// delivery loop.
func (m *Manager) Enable(name string, actor uuid.UUID) error {
	plugin, exists := m.Get(name)
	if !exists {
		return errors.New("not_found")
	}

	plugin.mutex.Lock()
	defer plugin.mutex.Unlock()

	switch plugin.State {
	case StateActive:
		return nil
	case StateError:
		return fmt.Errorf("conflict: plugin failed: %s", plugin.Reason)
	}

	patterns := plugin.Manifest.Subscribe
	if len(patterns) == 0 {
		patterns = defaultPatterns(&plugin.Manifest.Capabilities)
	}
	patterns = filterPatterns(patterns, &plugin.Manifest.Capabilities)

	plugin.sub = hub.Subscribe("plugin-"+name, patterns, 128)
	plugin.State = StateActive

	go m.deliverLoop(plugin)

	m.notifyTap()
	auth.Audit(&actor, "plugin.enabled", "plugin", name, nil)
	hub.Publish(hub.PluginEnabled, map[string]any{"plugin": name})
	return nil
}

// Disable transitions active -> disabled and stops deliveries.
func (m *Manager) Disable(name string, actor uuid.UUID) error {
	plugin, exists := m.Get(name)
	if !exists {
		return errors.New("not_found")
	}

	plugin.mutex.Lock()
	if plugin.State == StateActive && plugin.sub != nil {
		plugin.sub.Close()
		plugin.sub = nil
	}
	if plugin.State != StateError {
		plugin.State = StateDisabled
	}
	plugin.mutex.Unlock()

	m.notifyTap()
	auth.Audit(&actor, "plugin.disabled", "plugin", name, nil)
	hub.Publish(hub.PluginDisabled, map[string]any{"plugin": name})
	return nil
}

// deliverLoop feeds bus events into the plugin program. Each delivery
// gets a fresh CPU budget window; blowing it, faulting memory or any
// other runtime error terminates the plugin into error state.
func (m *Manager) deliverLoop(plugin *Plugin) {
	sub := plugin.sub
	if sub == nil {
		return
	}

	for event := range sub.C() {
		plugin.mutex.Lock()
		if plugin.State != StateActive {
			plugin.mutex.Unlock()
			return
		}

		payload, err := json.Marshal(map[string]any{"topic": event.Topic, "payload": event.Payload})
		if err == nil {
			// event JSON lands at the base of linear memory, length first
			if len(payload) > len(plugin.vm.Memory())-8 {
				payload = payload[:len(plugin.vm.Memory())-8]
			}
			lengthPrefix := []byte{
				byte(len(payload) >> 24), byte(len(payload) >> 16),
				byte(len(payload) >> 8), byte(len(payload)),
			}
			plugin.vm.WriteBytes(0, lengthPrefix)
			plugin.vm.WriteBytes(4, payload)

			plugin.vm.ResetBudget()
			err = plugin.vm.Run(0)
		}

		if err != nil && !errors.Is(err, ErrCapabilityDenied) {
			plugin.State = StateError
			plugin.Reason = err.Error()
			if plugin.sub != nil {
				plugin.sub.Close()
				plugin.sub = nil
			}
			plugin.mutex.Unlock()

			metrics.Inc("plugins.terminated")
			m.sugar.Warnf("Plugin [%s] terminated: %v", plugin.Manifest.Name, err)
			hub.Publish(hub.PluginErrored, map[string]any{"plugin": plugin.Manifest.Name, "reason": plugin.Reason})
			m.notifyTap()
			return
		}
		if err != nil {
			// capability denials fail the call, not the plugin
			metrics.Inc("plugins.capability_denials")
		}
		plugin.mutex.Unlock()
	}
}

// notifyTap recomputes whether any active plugin holds audio_read.
func (m *Manager) notifyTap() {
	if m.onTapChanged == nil {
		return
	}

	enabled := false
	for _, plugin := range m.List() {
		if plugin.State == StateActive && plugin.Manifest.Capabilities.AudioRead {
			enabled = true
			break
		}
	}
	m.onTapChanged(enabled)
}

// defaultPatterns derives a subscription set from the capability mask
// when the manifest does not name one.
func defaultPatterns(caps *Capabilities) []string {
	patterns := []string{"plugin.*", "channel.*", "client.*"}
	if caps.ChatRead {
		patterns = append(patterns, "chat.*")
	}
	if caps.AudioRead {
		patterns = append(patterns, "media.*")
	}
	return patterns
}

// filterPatterns strips subscriptions the capability mask does not
// allow: chat.* needs chat_read, media.* needs audio_read.
func filterPatterns(patterns []string, caps *Capabilities) []string {
	filtered := []string{}
	for _, pattern := range patterns {
		switch {
		case len(pattern) >= 5 && pattern[:5] == "chat." && !caps.ChatRead:
			continue
		case len(pattern) >= 6 && pattern[:6] == "media." && !caps.AudioRead:
			continue
		}
		filtered = append(filtered, pattern)
	}
	return filtered
}
