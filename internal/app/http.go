package app

import (
	"context"
	"net/http"
	"os"
	"time"

	"logpipe/pkg/api"
	"logpipe/pkg/auth"
	"logpipe/pkg/banner"
)

// printBanner prints the startup banner and build info.
func (a *App) printBanner() {
	verStr := a.version
	if a.commit != "" && a.commit != "none" {
		verStr += " (" + a.commit + ")"
	}
	if a.buildDate != "" && a.buildDate != "unknown" {
		verStr += " @ " + a.buildDate
	}
	banner.Fprint(os.Stdout, a.eff, verStr)
}

func (a *App) apiServer(ctx context.Context) *api.Server {
	sec := a.eff.Config.Security
	secCfg := auth.SecConfig{
		AllowedOrigins: append([]string{}, sec.AllowedOrigins...),
		RPS:            sec.RateLimit.RPS,
		Burst:          sec.RateLimit.Burst,
		IPWhitelist:    append([]string{}, sec.IPWhitelist...),
		AdminKeys:      map[string]struct{}{},
	}
	for _, k := range sec.AdminKeys {
		secCfg.AdminKeys[k] = struct{}{}
	}
	return api.New(api.Options{
		Lifecycle:     a.lc,
		Journal:       a.journal,
		Buffers:       []api.BufferStatus{a.inBuf, a.outBuf},
		Notifications: a.notes,
		Jobs:          a.jobs,
		Store:         a.store,
		Metrics:       a.reg,
		Security:      secCfg,
		Version:       a.version,
		DrainTimeout:  a.eff.Config.Shutdown.DrainTimeout.Duration(),
		BaseContext:   ctx,
	})
}

// startHTTP starts the management server in a goroutine and returns a
// channel that receives its terminal error.
func (a *App) startHTTP(ctx context.Context) <-chan error {
	a.srv = &http.Server{
		Addr:              a.eff.Addr,
		Handler:           a.apiServer(ctx).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		cert := a.eff.Config.Server.TLS.CertFile
		key := a.eff.Config.Server.TLS.KeyFile
		if cert != "" && key != "" {
			errCh <- a.srv.ListenAndServeTLS(cert, key)
		} else {
			errCh <- a.srv.ListenAndServe()
		}
	}()
	return errCh
}

func (a *App) stopHTTP() {
	if a.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.srv.Shutdown(ctx)
}
