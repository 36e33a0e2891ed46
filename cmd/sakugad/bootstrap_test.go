package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"sakuga/internal/logging"
	"sakuga/internal/store"
	"sakuga/internal/testsupport"
)

func TestBootstrapWiresDaemon(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Paths.APIBind = "127.0.0.1:0"
	cfg.Comfy.DefaultCheckpoint = "anime_v1.safetensors"

	st, err := store.Open(cfg)
	require.NoError(t, err)
	defer st.Close()

	d, err := bootstrap(cfg, st, logging.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Start(ctx))
	status := d.Status(ctx)
	require.True(t, status.Running)
	require.Contains(t, status.Breakers, "comfy")
	require.Contains(t, status.Breakers, "llm")
	require.Contains(t, status.Breakers, "vision")

	cancel()
	d.Stop()
}
