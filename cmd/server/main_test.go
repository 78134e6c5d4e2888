package main

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lifeos/decision-engine/api"
	"github.com/lifeos/decision-engine/assistant"
	"github.com/lifeos/decision-engine/config"
	"github.com/lifeos/decision-engine/finance"
	"github.com/lifeos/decision-engine/finance/store"
	"github.com/lifeos/decision-engine/intent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, name := range []string{"OPENROUTER_API_KEY", "LLM_TIMEOUT", "LLM_TURN_TIMEOUT", "LLM_MAX_ATTEMPTS"} {
		t.Setenv(name, "")
	}
	t.Setenv("LLM_TURN_TIMEOUT", "45s")
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestOrchestratorOptions_WireTurnTimeout(t *testing.T) {
	// GIVEN: A configuration with llm.turn_timeout of 45s
	// WHEN: Building the orchestrator and the HTTP server the way serve does
	// THEN: Both use the configured bound instead of the built-in default

	cfg := loadTestConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewTxMemory()

	o := assistant.New(s, finance.NewGuard(s), orchestratorOptions(cfg, intent.NewExtractor(nil, logger), logger)...)

	assert.Equal(t, 45*time.Second, o.TurnTimeout())
	assert.NotEqual(t, assistant.DefaultTurnTimeout, o.TurnTimeout())

	server := newHTTPServer(cfg, api.NewHandler(o, nil, logger))
	assert.Equal(t, 60*time.Second, server.WriteTimeout)
	assert.Equal(t, cfg.Server.Addr, server.Addr)
}

func TestOrchestratorOptions_CompleterOnlyWithAPIKey(t *testing.T) {
	cfg := loadTestConfig(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	without := orchestratorOptions(cfg, nil, logger)

	cfg.LLM.APIKey = "sk-test"
	with := orchestratorOptions(cfg, nil, logger)

	assert.Len(t, with, len(without)+1)
}
