package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/petervdpas/consultcall/internal/config"
	"github.com/petervdpas/consultcall/internal/logbuf"
	"github.com/petervdpas/consultcall/internal/relay"
	"github.com/petervdpas/consultcall/internal/util"
)

// Options is what main resolves before running a mode.
type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// setupLogging tees the standard logger into an in-memory buffer served by
// the relay and the console.
func setupLogging() *logbuf.Buffer {
	buf := logbuf.New(800)
	log.SetOutput(io.MultiWriter(os.Stderr, buf))
	return buf
}

// RunRelay serves the signaling relay until ctx ends.
func RunRelay(ctx context.Context, opt Options) error {
	logs := setupLogging()
	cfg := opt.Cfg
	logBanner("relay", opt.Dir, opt.CfgPath)

	callDB := ""
	if cfg.Relay.CallDBPath != "" {
		callDB = util.ResolvePath(opt.Dir, cfg.Relay.CallDBPath)
	}
	if cfg.Relay.JWTSecret == "" {
		log.Printf("RELAY: no jwt secret configured, tokens are NOT verified")
	}

	rs := relay.New(relay.Options{
		Addr:        fmt.Sprintf("%s:%d", cfg.Relay.Bind, cfg.Relay.Port),
		JWTSecret:   cfg.Relay.JWTSecret,
		RingTimeout: time.Duration(cfg.Relay.RingTimeoutSec) * time.Second,
		SweepSpec:   cfg.Relay.SweepSpec,
		CallDBPath:  callDB,
		Logs:        logs,
	})
	if err := rs.Start(ctx); err != nil {
		return err
	}
	log.Println("────────────────────────────────────────────────────────")
	log.Printf("Relay endpoint : %s", rs.URL())
	if callDB != "" {
		log.Printf("Call log       : %s", callDB)
	}
	log.Println("────────────────────────────────────────────────────────")

	<-ctx.Done()
	return nil
}
