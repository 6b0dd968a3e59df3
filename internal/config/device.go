package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DeviceRegistration is the read-only identity document provisioned at
// <home>/.sightai/config/device-registration.json. The node never writes it.
type DeviceRegistration struct {
	DeviceID       string `json:"deviceId"`
	DeviceName     string `json:"deviceName"`
	GatewayAddress string `json:"gatewayAddress"`
	RewardAddress  string `json:"rewardAddress"`
	Code           string `json:"code"`
}

// DeviceRegistrationPath resolves the registration document location.
func DeviceRegistrationPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".sightai", "config", "device-registration.json"), nil
}

// LoadDeviceRegistration reads and parses the registration document.
func LoadDeviceRegistration(path string) (*DeviceRegistration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device registration: %w", err)
	}
	var reg DeviceRegistration
	if err = json.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parse device registration: %w", err)
	}
	if reg.DeviceID == "" {
		return nil, fmt.Errorf("device registration has no deviceId")
	}
	return &reg, nil
}

// EphemeralDeviceRegistration builds a throwaway identity for nodes that have
// not been provisioned. The gateway decides whether to accept it.
func EphemeralDeviceRegistration() *DeviceRegistration {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "edge-node"
	}
	return &DeviceRegistration{
		DeviceID:   "device-" + uuid.NewString(),
		DeviceName: hostname,
	}
}
