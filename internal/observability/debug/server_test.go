package debug

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	logx "relaycast/pkg/logx"
)

func TestHandlerAuth(t *testing.T) {
	t.Parallel()
	s := New(Config{Token: "secret"}, func() any { return map[string]int{"queued": 3} }, logx.Nop())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/status?token=wrong")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.JSONEq(t, `{"queued":3}`, string(body))
}

func TestStartServesAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0"}, nil, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "ok", string(body))

	require.NoError(t, s.Stop(context.Background()))
	require.Empty(t, s.Addr())
	require.NoError(t, s.Stop(context.Background()))
}

func TestStartRefusesPublicBindWithoutToken(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: ":0"}, nil, logx.Nop())
	require.ErrorIs(t, s.Start(context.Background()), ErrInsecureBind)

	require.NoError(t, New(Config{}, nil, logx.Nop()).Start(context.Background()))
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:1":        true,
		":6060":          false,
		"0.0.0.0:1":      false,
		"garbage":        false,
	}
	for addr, want := range cases {
		require.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
