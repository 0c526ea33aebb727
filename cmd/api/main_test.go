package main

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/joel-Y/WizLock-Tech-App/internal/config"
)

func TestStartSimulatorsKeepsConfiguredURLs(t *testing.T) {
	cfg := &config.Config{
		CloudBaseURL:  "http://cloud.local",
		CloudClientID: "cid",
	}
	startSimulators(cfg, zerolog.Nop())

	assert.Equal(t, "http://cloud.local", cfg.CloudBaseURL)
	assert.Equal(t, "cid", cfg.CloudClientID)
	assert.Empty(t, cfg.CloudAccessToken)
	assert.True(t, strings.HasPrefix(cfg.InventoryBaseURL, "http://127.0.0.1:"), cfg.InventoryBaseURL)
}

func TestStartSimulatorsServesCloudWhenUnset(t *testing.T) {
	cfg := &config.Config{
		CloudClientID:    "cid",
		InventoryBaseURL: "http://inventory.local",
	}
	startSimulators(cfg, zerolog.Nop())

	assert.True(t, strings.HasPrefix(cfg.CloudBaseURL, "http://127.0.0.1:"), cfg.CloudBaseURL)
	assert.Equal(t, "cid", cfg.CloudClientID)
	assert.Equal(t, "dev-token", cfg.CloudAccessToken)
	assert.Equal(t, "http://inventory.local", cfg.InventoryBaseURL)
}
