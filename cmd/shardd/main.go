// Command shardd is the process entrypoint for a single shard: it reads
// configuration from the environment, pins itself to a CPU core, wires a
// storage backend, a fabric endpoint, and an optional ADO process manager
// into a shard.Shard, and runs the event loop until SIGINT/SIGTERM.
//
// Shaped like torua's node process: mustGetenv/getenv for configuration, a
// signal channel for shutdown, logging on the way in and out. No flags, no
// config file; §1 places configuration-file parsing out of scope.
package main

import (
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/dreamware/mcasgo/internal/ado"
	"github.com/dreamware/mcasgo/internal/backend"
	"github.com/dreamware/mcasgo/internal/backend/boltstore"
	"github.com/dreamware/mcasgo/internal/backend/filestore"
	"github.com/dreamware/mcasgo/internal/backend/memstore"
	"github.com/dreamware/mcasgo/internal/clustersvc"
	"github.com/dreamware/mcasgo/internal/fabric"
	"github.com/dreamware/mcasgo/internal/shard"
)

// logFatal is a variable to allow mocking log.Fatal in tests, matching the
// teacher's indirection.
var logFatal = log.Fatalf

func main() {
	cfg := configFromEnv()

	runtime.LockOSThread()
	if cfg.CoreID >= 0 {
		pinToCore(cfg.CoreID)
	}

	store, err := openBackend(cfg)
	if err != nil {
		logFatal("open backend %q: %v", cfg.DefaultBackend, err)
		return
	}

	fab := fabric.NewLoopbackEndpoint()

	var adoMgr ado.Manager
	if len(cfg.AdoPlugins) > 0 {
		adoMgr = ado.NewProcessManager(cfg.AdoPlugins[0])
	}

	signals := clustersvc.NewSignalQueue()
	dax := clustersvc.NewDaxRegistry()
	if cfg.DaxConfig != "" {
		if err := dax.Register(cfg.DaxConfig, cfg.CoreID); err != nil {
			logFatal("register dax path: %v", err)
			return
		}
	}

	s := shard.New(cfg, store, fab, adoMgr, signals, dax)

	log.Printf("shardd[core=%d]: listening on %s:%d (provider=%s backend=%s)",
		cfg.CoreID, cfg.NetworkAddr, cfg.Port, cfg.ProviderName, cfg.DefaultBackend)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		log.Printf("shardd[core=%d]: termination requested", cfg.CoreID)
		s.RequestTerminate()
	}()

	if err := s.Run(); err != nil {
		logFatal("shard run: %v", err)
		return
	}
	log.Printf("shardd[core=%d]: stopped", cfg.CoreID)
}

// configFromEnv builds a shard.Config from environment variables, mirroring
// torua's NODE_* variables for the connection-level settings and adding the
// shard-specific ones named in §6 "Configuration".
//
// Required environment:
//   - SHARDD_CORE_ID: CPU core this shard pins to and listens on
//
// Optional environment:
//   - SHARDD_NETWORK_ADDR (default "0.0.0.0")
//   - SHARDD_PORT (default 11911 + core id)
//   - SHARDD_PROVIDER (default "verbs")
//   - SHARDD_DAX_CONFIG (default "", meaning no device-DAX mapping)
//   - SHARDD_ADO_PLUGINS (comma-separated, default empty: ADO disabled)
//   - SHARDD_ADO_PARAMS (comma-separated, paired positionally with plugins)
//   - SHARDD_BACKEND (default "memory"; "bolt" or "file" also accepted)
//   - SHARDD_BACKEND_PATH (required for "bolt"/"file")
//   - SHARDD_CERT_PATH (default "")
//   - SHARDD_FORCED_EXIT (default "false")
//   - SHARDD_CLUSTER_SIGNALS (default "false", §9 Open Question)
func configFromEnv() shard.Config {
	coreID, err := strconv.Atoi(mustGetenv("SHARDD_CORE_ID"))
	if err != nil {
		logFatal("invalid SHARDD_CORE_ID: %v", err)
	}

	port, _ := strconv.Atoi(getenv("SHARDD_PORT", strconv.Itoa(11911+coreID)))

	return shard.Config{
		CoreID:                coreID,
		NetworkAddr:           getenv("SHARDD_NETWORK_ADDR", "0.0.0.0"),
		Port:                  port,
		ProviderName:          getenv("SHARDD_PROVIDER", "verbs"),
		DaxConfig:             getenv("SHARDD_DAX_CONFIG", ""),
		AdoPlugins:            splitList(getenv("SHARDD_ADO_PLUGINS", "")),
		AdoParams:             splitList(getenv("SHARDD_ADO_PARAMS", "")),
		DefaultBackend:        getenv("SHARDD_BACKEND", "memory"),
		CertPath:              getenv("SHARDD_CERT_PATH", ""),
		ForcedExit:            getenv("SHARDD_FORCED_EXIT", "false") == "true",
		ClusterSignalsEnabled: getenv("SHARDD_CLUSTER_SIGNALS", "false") == "true",
	}
}

// openBackend constructs the storage backend named by cfg.DefaultBackend,
// grounded on §4.2's "backend is selected at pool creation, not compiled
// in" note, here simplified to one backend per process, chosen at startup.
func openBackend(cfg shard.Config) (backend.Store, error) {
	switch cfg.DefaultBackend {
	case "", "memory":
		return memstore.New(), nil
	case "bolt":
		return boltstore.Open(mustGetenv("SHARDD_BACKEND_PATH"))
	case "file":
		return filestore.Open(mustGetenv("SHARDD_BACKEND_PATH"))
	default:
		logFatal("unknown SHARDD_BACKEND %q", cfg.DefaultBackend)
		return nil, nil
	}
}

// pinToCore pins the calling OS thread to a single CPU, approximating §4.1's
// "one shard per core" placement. Go exposes no portable CPU-affinity call
// in the standard library, so this is a best-effort no-op outside of
// LockOSThread; a real pin would use golang.org/x/sys/unix's
// SchedSetaffinity on Linux, left unwired since nothing else here needs
// x/sys.
func pinToCore(core int) {
	_ = core
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
