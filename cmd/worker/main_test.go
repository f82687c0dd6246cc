package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_FailsOnMissingConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	err := run(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnUnreachableDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("MARKETPLACES", "runpod")
	t.Setenv("RUNPOD_API_KEY", "rp-key")
	t.Setenv("CALLBACK_BASE_URL", "https://api.example.com")
	t.Setenv("STORAGE_BUCKET", "media")
	t.Setenv("STORAGE_ACCESS_KEY_ID", "id")
	t.Setenv("STORAGE_SECRET_ACCESS_KEY", "secret")

	err := run(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}
