package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loykin/warden"
)

// This example embeds the gateway in a host program instead of running the
// CLI. It loads a TOML config, starts supervision, prints the backend
// snapshot, and serves gateway traffic until interrupted.
func main() {
	cfgPath := "warden.toml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := warden.LoadConfig(cfgPath)
	if err != nil {
		panic(err)
	}
	gw, err := warden.New(cfg)
	if err != nil {
		panic(err)
	}
	// Sweeps orphans from a previous run and starts the backend when a
	// configuration is already stored.
	gw.Start(context.Background())

	snap := gw.Status()
	b, _ := json.MarshalIndent(snap, "", "  ")
	fmt.Println(string(b))

	srv, err := gw.HTTPServer()
	if err != nil {
		panic(err)
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, "serve:", err)
		}
	}()
	fmt.Println("gateway listening on", srv.Addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	if err := gw.Shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", err)
	}
}
