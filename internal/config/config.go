// Package config loads bridge connection settings the way the teacher
// driver loads its device settings: an optional .env file at the
// project root, overridden by environment variables, with USB
// identifiers expressed in hex (0x-prefixed).
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/gousb"
)

// BridgeConfig describes which USB-I3C bridge to open and how its
// endpoints are laid out.
type BridgeConfig struct {
	VendorID     gousb.ID
	ProductID    gousb.ID
	ConfigNum    int
	InterfaceNum int
	AltSetting   int
	BulkOutAddr  uint8
	BulkInAddr   uint8
	InterruptAddr uint8
	ReattemptMax int
	Label        string
}

// defaultConfig mirrors USBI3C_CONTROL_TRANSFER_ENDPOINT_INDEX and the
// device class's customary endpoint layout: interface 0, alt-setting 0,
// bulk-OUT/IN on endpoints 1/1 and interrupt on endpoint 2, both IN.
func defaultConfig() *BridgeConfig {
	return &BridgeConfig{
		ConfigNum:     1,
		InterfaceNum:  0,
		AltSetting:    0,
		BulkOutAddr:   0x01,
		BulkInAddr:    0x81,
		InterruptAddr: 0x82,
		ReattemptMax:  2,
		Label:         "i3c0",
	}
}

var (
	bridgeConfig *BridgeConfig
	configLoaded bool
)

// LoadBridgeConfig loads the bridge configuration once, caching it for
// subsequent calls.
func LoadBridgeConfig() (*BridgeConfig, error) {
	if bridgeConfig != nil && configLoaded {
		return bridgeConfig, nil
	}

	cfg := defaultConfig()

	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data), cfg)
	}

	applyEnvOverrides(cfg)

	bridgeConfig = cfg
	configLoaded = true
	return cfg, nil
}

func applyEnvOverrides(cfg *BridgeConfig) {
	if v := os.Getenv("USBI3C_VENDOR_ID"); v != "" {
		cfg.VendorID = parseID(v, cfg.VendorID)
	}
	if v := os.Getenv("USBI3C_PRODUCT_ID"); v != "" {
		cfg.ProductID = parseID(v, cfg.ProductID)
	}
	if v := os.Getenv("USBI3C_CONFIG_NUM"); v != "" {
		cfg.ConfigNum = parseInt(v, cfg.ConfigNum)
	}
	if v := os.Getenv("USBI3C_INTERFACE_NUM"); v != "" {
		cfg.InterfaceNum = parseInt(v, cfg.InterfaceNum)
	}
	if v := os.Getenv("USBI3C_REATTEMPT_MAX"); v != "" {
		cfg.ReattemptMax = parseInt(v, cfg.ReattemptMax)
	}
	if v := os.Getenv("USBI3C_LABEL"); v != "" {
		cfg.Label = v
	}
}

func parseEnvFile(content string, cfg *BridgeConfig) {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "USBI3C_VENDOR_ID":
			cfg.VendorID = parseID(value, cfg.VendorID)
		case "USBI3C_PRODUCT_ID":
			cfg.ProductID = parseID(value, cfg.ProductID)
		case "USBI3C_CONFIG_NUM":
			cfg.ConfigNum = parseInt(value, cfg.ConfigNum)
		case "USBI3C_INTERFACE_NUM":
			cfg.InterfaceNum = parseInt(value, cfg.InterfaceNum)
		case "USBI3C_REATTEMPT_MAX":
			cfg.ReattemptMax = parseInt(value, cfg.ReattemptMax)
		case "USBI3C_LABEL":
			cfg.Label = value
		}
	}
}

func parseID(s string, fallback gousb.ID) gousb.ID {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return fallback
	}
	return gousb.ID(v)
}

func parseInt(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
