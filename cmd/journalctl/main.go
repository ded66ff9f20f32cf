// journalctl mounts an array journal on a device, recovering it if needed,
// prints its status and serves metrics until it is told to stop. On SIGINT
// or SIGTERM it checkpoints the log and shuts the journal down cleanly.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/grailbio/base/must"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mit-pdos/go-arrayjournal/disk"
	"github.com/mit-pdos/go-arrayjournal/journal"
	"github.com/mit-pdos/go-arrayjournal/meta/memmeta"
	"github.com/mit-pdos/go-arrayjournal/metrics"
	"github.com/mit-pdos/go-arrayjournal/statectl"
)

type Config struct {
	// Device is the log device; empty runs on an in-memory disk.
	Device       string         `json:"device"`
	DeviceBlocks uint64         `json:"device_blocks"`
	MetricsAddr  string         `json:"metrics_addr"`
	LogLevel     log.Level      `json:"log_level"`
	Journal      journal.Config `json:"journal"`
}

type stateLogger struct{}

func (stateLogger) StateChanged(prev, next statectl.Situation) {
	log.Infof("journal state %v -> %v", prev, next)
}

func openDevice(cfg *Config) (disk.Disk, error) {
	blocks := cfg.DeviceBlocks
	if need := cfg.Journal.Layout().DiskBlocks(); blocks < need {
		blocks = need
	}
	if cfg.Device == "" {
		log.Info("no device configured; journal is not persistent")
		return disk.NewGooseMemDisk(blocks), nil
	}
	return disk.NewFileDisk(cfg.Device, blocks)
}

func main() {
	config.Init("f", "", "journal.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.SetOutputLevel(cfg.LogLevel)
	cfg.Journal.InitDefaults()

	d, err := openDevice(cfg)
	must.Nil(err, "open device")
	defer d.Close()

	span, ctx := trace.StartSpanFromContext(context.Background(), "journalctl")
	state := statectl.New()
	state.Subscribe(stateLogger{})
	jcfg := cfg.Journal
	m, err := journal.New(jcfg, d, memmeta.NewMapper(jcfg.EntriesPerPage),
		memmeta.NewAllocator(jcfg.StripesPerSegment), state)
	must.Nil(err)
	if err := m.Mount(ctx); err != nil {
		span.Fatalf("mount journal: %v", err)
	}

	st, err := json.MarshalIndent(m.Status(), "", "  ")
	must.Nil(err)
	os.Stdout.Write(append(st, '\n'))

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(m.Status())
		})
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Errorf("metrics server: %v", err)
			}
		}()
	}

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	if err := m.Shutdown(ctx); err != nil {
		span.Errorf("shutdown: %v", err)
		os.Exit(1)
	}
	span.Infof("journal with %d groups of %d blocks shut down", jcfg.NumLogGroups, jcfg.GroupBlocks)
}
