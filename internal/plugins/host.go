package plugins

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"speakeasy-server/internal/database"
	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/models"
)

var ErrCapabilityDenied = errors.New("forbidden")

// HostAPI mediates every plugin effect. Each entry point checks the
// plugin's capability mask before doing anything; the VM has no other
// way to touch the outside world.
type HostAPI struct {
	plugin *Plugin
	sugar  *zap.SugaredLogger

	// plugin-scoped directory for the filesystem capability
	dataDir string
	// kick/move requests are delegated; wired by the manager so the
	// plugin host does not import signaling
	kickFunc func(sessionID int64, reason string) bool
}

func (h *HostAPI) require(capability string) error {
	if !h.plugin.Manifest.Capabilities.Has(capability) {
		return fmt.Errorf("%w: capability %s not granted", ErrCapabilityDenied, capability)
	}
	return nil
}

// dispatch routes one hostcall from the VM.
func (h *HostAPI) dispatch(vm *VM, id byte, args []int64) (int64, error) {
	switch id {
	case HostLog:
		text, err := vm.ReadString(args[0], args[1])
		if err != nil {
			return 0, err
		}
		h.sugar.Infof("[plugin %s] %s", h.plugin.Manifest.Name, text)
		return 0, nil

	case HostChatSend:
		if err := h.require("chat_write"); err != nil {
			return 0, err
		}
		text, err := vm.ReadString(args[0], args[1])
		if err != nil {
			return 0, err
		}
		return 0, h.chatSend(text)

	case HostKick:
		if err := h.require("user_management"); err != nil {
			return 0, err
		}
		if h.kickFunc == nil {
			return 0, nil
		}
		if h.kickFunc(args[0], "kicked by plugin "+h.plugin.Manifest.Name) {
			return 1, nil
		}
		return 0, nil

	case HostSetSetting:
		if err := h.require("server_config"); err != nil {
			return 0, err
		}
		key, err := vm.ReadString(args[0], args[1])
		if err != nil {
			return 0, err
		}
		value, err := vm.ReadString(args[2], args[3])
		if err != nil {
			return 0, err
		}
		if err := database.SetSetting(database.Conn(), key, value); err != nil {
			return 0, err
		}
		hub.Publish(hub.ServerEdited, map[string]any{"setting": key, "by": "plugin:" + h.plugin.Manifest.Name})
		return 0, nil

	case HostFileWrite:
		if err := h.require("filesystem"); err != nil {
			return 0, err
		}
		name, err := vm.ReadString(args[0], args[1])
		if err != nil {
			return 0, err
		}
		data, err := vm.ReadString(args[2], args[3])
		if err != nil {
			return 0, err
		}
		path, err := h.scopedPath(name)
		if err != nil {
			return 0, err
		}
		return int64(len(data)), os.WriteFile(path, []byte(data), 0o644)

	case HostFileRead:
		if err := h.require("filesystem"); err != nil {
			return 0, err
		}
		name, err := vm.ReadString(args[0], args[1])
		if err != nil {
			return 0, err
		}
		path, err := h.scopedPath(name)
		if err != nil {
			return 0, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		return vm.WriteBytes(args[2], data)

	case HostConnect:
		if err := h.require("network"); err != nil {
			return 0, err
		}
		address, err := vm.ReadString(args[0], args[1])
		if err != nil {
			return 0, err
		}
		conn, err := net.DialTimeout("tcp", address, 5*time.Second)
		if err != nil {
			return 0, nil
		}
		conn.Close()
		return 1, nil

	case HostAudioSend:
		if err := h.require("audio_write"); err != nil {
			return 0, err
		}
		// the frame is injected as a synthetic cleartext source; the
		// router treats the payload like any transport-mode frame
		payload, err := vm.ReadString(args[0], args[1])
		if err != nil {
			return 0, err
		}
		hub.Publish(hub.MediaFrame, map[string]any{
			"plugin":  h.plugin.Manifest.Name,
			"payload": []byte(payload),
		})
		return 0, nil
	}

	return 0, fmt.Errorf("unknown hostcall %d", id)
}

// scopedPath confines filesystem access to the plugin's own directory.
func (h *HostAPI) scopedPath(name string) (string, error) {
	clean := filepath.Clean(name)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: path escapes plugin directory", ErrCapabilityDenied)
	}
	if err := os.MkdirAll(h.dataDir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(h.dataDir, clean), nil
}

// chatSend posts a message as the plugin's synthetic sender into the
// default channel.
func (h *HostAPI) chatSend(text string) error {
	channel, err := database.GetDefaultChannel(database.Conn())
	if err != nil {
		return err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return err
	}

	message := models.ChatMessage{
		ID:        id,
		ChannelID: channel.ID,
		SenderID:  h.plugin.SyntheticSender,
		Content:   text,
		Kind:      models.MessageSystem,
		CreatedAt: time.Now().UTC(),
	}
	if err := database.CreateMessage(database.Conn(), &message); err != nil {
		return err
	}
	hub.Publish(hub.ChatMessageCreated, message)
	return nil
}
