package app

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logpipe/pkg/config"
	"logpipe/pkg/ingest"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) config.EffectiveConfigResult {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir(), Node: "test-node"}
	cfg.Server.Address = "127.0.0.1"
	cfg.Server.Port = freePort(t)
	cfg.Security.AdminKeys = []string{"0123456789abcdef"}
	cfg.Inputs.GELFUDP.Enabled = true
	cfg.Inputs.GELFUDP.Address = "127.0.0.1:0"
	cfg.Inputs.GELFTCP.Enabled = true
	cfg.Inputs.GELFTCP.Address = fmt.Sprintf("127.0.0.1:%d", freePort(t))
	cfg.Buffers.InputSize = 64
	cfg.Buffers.OutputSize = 64
	cfg.Shutdown.DrainTimeout = config.Duration(2 * time.Second)
	config.ApplyDefaults(cfg)
	require.NoError(t, config.Validate(cfg))
	return config.EffectiveConfigResult{Config: cfg, Addr: cfg.Addr()}
}

func TestValidateConfigRejectsPortClash(t *testing.T) {
	eff := testConfig(t)
	eff.Config.Inputs.GELFHTTP.Enabled = true
	eff.Config.Inputs.GELFHTTP.Address = eff.Config.Inputs.GELFTCP.Address
	require.ErrorContains(t, validateConfig(eff), "both listen")
}

func TestValidateConfigMissingCert(t *testing.T) {
	eff := testConfig(t)
	eff.Config.Server.TLS.CertFile = "/nonexistent/cert.pem"
	eff.Config.Server.TLS.KeyFile = "/nonexistent/key.pem"
	require.Error(t, validateConfig(eff))
}

func TestAppEndToEnd(t *testing.T) {
	eff := testConfig(t)
	a, err := New(eff, "test", "none", "unknown")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	base := "http://" + eff.Addr
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/readyz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	conn, err := net.Dial("tcp", eff.Config.Inputs.GELFTCP.Address)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := fmt.Fprintf(conn, `{"version":"1.1","host":"tcp-host","short_message":"tcp %d"}`+"\x00", i)
		require.NoError(t, err)
	}
	require.NoError(t, conn.Close())

	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	_, _ = zw.Write([]byte(`{"version":"1.1","host":"udp-host","short_message":"compressed"}`))
	require.NoError(t, zw.Close())
	udp, err := net.Dial("udp", a.inputs[0].(interface{ Addr() net.Addr }).Addr().String())
	require.NoError(t, err)
	_, err = udp.Write(zbuf.Bytes())
	require.NoError(t, err)
	udp.Close()

	require.Eventually(t, func() bool {
		n, err := a.store.Count(a.store.ActiveIndex())
		return err == nil && n == 6
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		off, _ := a.journal.CommittedOffset(ingest.DefaultReaderName)
		return off == 6
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Get(base + "/api/system/lbstatus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not shut down")
	}
	assert.False(t, a.store.Ready())
}
