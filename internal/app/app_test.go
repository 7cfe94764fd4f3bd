package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relaycast/internal/config"
	"relaycast/internal/event"
	"relaycast/internal/publish"
	"relaycast/internal/signer"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relaycast.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func startApp(t *testing.T, body string) *App {
	t.Helper()
	a, err := New(writeConfig(t, body))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx)
	})
	return a
}

func TestNewUsesConfiguredIdentity(t *testing.T) {
	t.Parallel()
	k, err := signer.Generate()
	require.NoError(t, err)
	a, err := New(writeConfig(t, fmt.Sprintf(`{"identity":{"secret_key":%q},"relay":{"default":["ws://127.0.0.1:1"]}}`, k.SecretHex())))
	require.NoError(t, err)
	require.Equal(t, k.PubKey(), a.PubKey())
	require.Equal(t, []string{"ws://127.0.0.1:1"}, a.DefaultRelays())

	_, err = a.Publish(publish.Request{})
	require.ErrorIs(t, err, ErrNotStarted)
	require.NoError(t, a.Stop(context.Background()))
}

func TestNewRejectsBadIdentity(t *testing.T) {
	t.Parallel()
	_, err := New(writeConfig(t, `{"identity":{"secret_key":"nothex"},"relay":{"default":[]}}`))
	require.ErrorIs(t, err, signer.ErrBadKey)
}

func TestPublishUsesDefaultRelays(t *testing.T) {
	t.Parallel()
	a := startApp(t, `{"relay":{"default":["ws://127.0.0.1:1"],"dial_timeout":"500ms","timeout":"1s"},"worker":{"delay":"1ms"}}`)

	u, err := a.Publish(publish.Request{Event: event.Event{Kind: 1, Content: "hello"}})
	require.NoError(t, err)
	require.Equal(t, []string{"ws://127.0.0.1:1"}, u.Relays())
	require.Equal(t, a.PubKey(), u.Event().PubKey)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := u.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, publish.Failure, st["ws://127.0.0.1:1"].Kind)

	stored, ok, err := a.Store().Get(ctx, u.ID())
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, stored.Sig)
}

func TestApplyReloadsRuntimeSettings(t *testing.T) {
	t.Parallel()
	a := startApp(t, `{"relay":{"default":["wss://a"]},"maintenance":{"idle_sweep":"@every 1h"}}`)
	require.Len(t, a.cron.Entries(), 1)
	prev := a.cfgm.Get()

	k, err := signer.Generate()
	require.NoError(t, err)
	next := &config.Config{
		Identity: config.IdentityConfig{SecretKey: k.SecretHex()},
		Relay:    config.RelayConfig{Default: []string{"wss://b", "wss://c"}},
	}
	a.apply(prev, next)

	require.Equal(t, k.PubKey(), a.PubKey())
	require.Equal(t, []string{"wss://b", "wss://c"}, a.DefaultRelays())
	require.Empty(t, a.cron.Entries())
	_, ok := a.keys.SignerFor(k.PubKey())
	require.True(t, ok)
}

func TestValidateRejectsBadReloads(t *testing.T) {
	t.Parallel()
	a, err := New(writeConfig(t, `{"relay":{"default":[]}}`))
	require.NoError(t, err)
	defer func() { _ = a.Stop(context.Background()) }()

	ctx := context.Background()
	require.NoError(t, a.validate(ctx, &config.Config{}))
	require.Error(t, a.validate(ctx, &config.Config{Maintenance: config.MaintenanceConfig{IdleSweep: "every tuesday"}}))
	require.Error(t, a.validate(ctx, &config.Config{Identity: config.IdentityConfig{SecretKey: "zz"}}))
	require.Error(t, a.validate(ctx, &config.Config{Relay: config.RelayConfig{Default: []string{"http://x"}}}))
}

func TestStatusReportsCounters(t *testing.T) {
	t.Parallel()
	a := startApp(t, `{"relay":{"default":[]},"debug":{"addr":"127.0.0.1:0"}}`)
	st := a.Status()
	require.Equal(t, a.PubKey(), st.PubKey)
	require.NotEmpty(t, st.Run)
	require.Zero(t, st.Registered)
	require.NotEmpty(t, a.dbg.Addr())
}
