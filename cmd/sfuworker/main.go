// SPDX-License-Identifier: MPL-2.0
// Copyright (C) 2024 Emir Aganovic

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/google/uuid"
	"github.com/pion/rtp"

	"github.com/emiago/sfuworker/ice"
	"github.com/emiago/sfuworker/sfu"
	"github.com/emiago/sfuworker/statsexport"
)

type loggingListener struct{}

func (loggingListener) OnStateChange(s ice.State) {
	log.Info().Str("state", s.String()).Msg("sfuworker: ice state change")
}
func (loggingListener) OnTupleAdded(t ice.TransportTuple) {}
func (loggingListener) OnSelectedTupleChanged(t ice.TransportTuple) {
	log.Info().Msg("sfuworker: ice selected tuple changed")
}
func (loggingListener) OnLocalUfragReleased(ufrag string) {}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	lev, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lev == zerolog.NoLevel {
		lev = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lev)

	reg := prometheus.NewRegistry()
	exporter := statsexport.New(reg)

	workerID := uuid.NewString()
	w := sfu.New(workerID, ice.Config{
		Credentials: ice.Credentials{
			LocalUfrag:    uuid.NewString()[:8],
			LocalPassword: uuid.NewString(),
		},
		ConsentTimeout: 5 * time.Second,
	}, loggingListener{},
		sfu.WithStatsExporter(exporter),
		sfu.WithRTCPSender(func(pkt []byte) {
			log.Debug().Int("bytes", len(pkt)).Msg("sfuworker: outbound rtcp")
		}),
		sfu.WithRTPSender(func(pkt *rtp.Packet) {
			log.Debug().Uint16("seq", pkt.SequenceNumber).Msg("sfuworker: outbound rtp")
		}),
	)

	go serveMetrics(reg)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	log.Info().Str("worker_id", workerID).Msg("sfuworker: started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("worker_id", workerID).Msg("sfuworker: shutting down")
			return
		case t := <-ticker.C:
			w.Tick(t.UnixMilli())
		}
	}
}

func serveMetrics(reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		addr = ":9090"
	}
	log.Info().Str("addr", addr).Msg("sfuworker: serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("sfuworker: metrics server stopped")
	}
}
