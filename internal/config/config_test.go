package config

import (
	"testing"

	"github.com/google/gousb"
	"github.com/stretchr/testify/assert"
)

func TestParseIDHexPrefixed(t *testing.T) {
	assert.Equal(t, gousb.ID(0x1234), parseID("0x1234", 0))
	assert.Equal(t, gousb.ID(0xABCD), parseID("abcd", 0))
	assert.Equal(t, gousb.ID(0x9), parseID("not-hex", 0x9), "falls back on parse failure")
}

func TestParseIntFallback(t *testing.T) {
	assert.Equal(t, 42, parseInt("42", 0))
	assert.Equal(t, 7, parseInt("garbage", 7))
}

func TestParseEnvFileOverridesKnownKeys(t *testing.T) {
	cfg := defaultConfig()
	content := "USBI3C_VENDOR_ID=0x0403\n" +
		"# a comment\n" +
		"\n" +
		"USBI3C_LABEL=bridge1\n" +
		"USBI3C_REATTEMPT_MAX=5\n"

	parseEnvFile(content, cfg)

	assert.Equal(t, gousb.ID(0x0403), cfg.VendorID)
	assert.Equal(t, "bridge1", cfg.Label)
	assert.Equal(t, 5, cfg.ReattemptMax)
}

func TestParseEnvFileIgnoresMalformedLines(t *testing.T) {
	cfg := defaultConfig()
	parseEnvFile("this line has no equals sign", cfg)
	assert.Equal(t, defaultConfig(), cfg)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("USBI3C_PRODUCT_ID", "0x6014")
	t.Setenv("USBI3C_LABEL", "env-bridge")

	cfg := defaultConfig()
	applyEnvOverrides(cfg)

	assert.Equal(t, gousb.ID(0x6014), cfg.ProductID)
	assert.Equal(t, "env-bridge", cfg.Label)
}

func TestDefaultConfigEndpointLayout(t *testing.T) {
	cfg := defaultConfig()
	assert.Equal(t, uint8(0x01), cfg.BulkOutAddr)
	assert.Equal(t, uint8(0x81), cfg.BulkInAddr)
	assert.Equal(t, uint8(0x82), cfg.InterruptAddr)
	assert.Equal(t, 2, cfg.ReattemptMax)
}
