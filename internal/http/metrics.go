package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"spotsync/internal/core"
)

// Metrics records sync telemetry on its own registry so tests and repeated
// runs never collide with the global one.
type Metrics struct {
	registry *prometheus.Registry

	PlaylistsTotal   *prometheus.CounterVec
	PlaylistDuration *prometheus.HistogramVec
	TracksAdded      *prometheus.GaugeVec
	TracksRemoved    *prometheus.GaugeVec
	PlaylistSize     *prometheus.GaugeVec
	RetriesTotal     *prometheus.CounterVec
	MetadataTotal    *prometheus.CounterVec
	LastRunTimestamp prometheus.Gauge
}

var _ core.Metrics = (*Metrics)(nil)

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PlaylistsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotsync_playlists_total",
				Help: "Total number of playlists processed, by outcome",
			},
			[]string{"status"},
		),
		PlaylistDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spotsync_playlist_duration_seconds",
				Help:    "Time spent reconciling one playlist",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		TracksAdded: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spotsync_tracks_added",
				Help: "Tracks added to the playlist by the last sync",
			},
			[]string{"playlist"},
		),
		TracksRemoved: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spotsync_tracks_removed",
				Help: "Tracks removed from the playlist by the last sync",
			},
			[]string{"playlist"},
		),
		PlaylistSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "spotsync_playlist_size",
				Help: "Number of tracks in the playlist after the last sync",
			},
			[]string{"playlist"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotsync_retries_total",
				Help: "Total number of retried remote calls",
			},
			[]string{"op"},
		),
		MetadataTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spotsync_metadata_refresh_total",
				Help: "Total number of metadata refreshes, by result",
			},
			[]string{"playlist", "result"},
		),
		LastRunTimestamp: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "spotsync_last_run_timestamp_seconds",
				Help: "Unix time the last run finished",
			},
		),
	}

	m.registry.MustRegister(
		m.PlaylistsTotal,
		m.PlaylistDuration,
		m.TracksAdded,
		m.TracksRemoved,
		m.PlaylistSize,
		m.RetriesTotal,
		m.MetadataTotal,
		m.LastRunTimestamp,
	)
	return m
}

// Registry returns the registry all sync metrics live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordPlaylist(status core.PlaylistStatus, duration time.Duration) {
	m.PlaylistsTotal.WithLabelValues(string(status)).Inc()
	m.PlaylistDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
}

func (m *Metrics) RecordChanges(playlist string, added, removed, final int) {
	m.TracksAdded.WithLabelValues(playlist).Set(float64(added))
	m.TracksRemoved.WithLabelValues(playlist).Set(float64(removed))
	m.PlaylistSize.WithLabelValues(playlist).Set(float64(final))
}

func (m *Metrics) RecordRetry(op string) {
	m.RetriesTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) RecordMetadata(playlist string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.MetadataTotal.WithLabelValues(playlist, result).Inc()
}

// RecordRun stamps the finish time of a run.
func (m *Metrics) RecordRun(report *core.RunReport) {
	m.LastRunTimestamp.Set(float64(report.FinishedAt.Unix()))
}

// WriteTextfile writes all metrics in the node_exporter textfile format, for
// cron runs that exit before anything could scrape them.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
