// Package exporter serves fleet state as Prometheus metrics, plus a
// plain health endpoint for uptime monitors.
package exporter

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"vpnfleet/internal/fleet"
	"vpnfleet/internal/model"
)

// Registry is the read side of the fleet manager the exporter scrapes.
type Registry interface {
	GetSummary() fleet.Summary
	ListServers(enabledOnly bool, tags []string) []*model.ServerProfile
}

const namespace = "vpnfleet"

var (
	descServersTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "servers_total"),
		"Number of registered servers.", nil, nil)
	descServersEnabled = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "servers_enabled"),
		"Number of enabled servers.", nil, nil)
	descServersOnline = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "servers_online"),
		"Number of servers online at last check.", nil, nil)
	descGroupsTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "groups_total"),
		"Number of server groups.", nil, nil)
	descSSHSessions = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "ssh_sessions_active"),
		"Number of live pooled SSH connections.", nil, nil)

	serverLabels = []string{"server"}

	descServerUp = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "server", "up"),
		"Whether the server was reachable at last check.", serverLabels, nil)
	descServerVPNUp = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "server", "vpn_up"),
		"Whether the VPN interface was up at last check.", serverLabels, nil)
	descServerUptime = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "server", "uptime_seconds"),
		"Server uptime in seconds.", serverLabels, nil)
	descServerClients = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "server", "active_clients"),
		"Peers with a recent WireGuard handshake.", serverLabels, nil)
	descServerClientsTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "server", "clients_total"),
		"Configured WireGuard peers.", serverLabels, nil)
	descServerRxBytes = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "server", "received_bytes"),
		"Bytes received over the VPN interface.", serverLabels, nil)
	descServerTxBytes = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "server", "transmitted_bytes"),
		"Bytes transmitted over the VPN interface.", serverLabels, nil)
	descServerRxRate = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "server", "receive_bytes_per_second"),
		"Receive rate between the last two metric samples.", serverLabels, nil)
	descServerTxRate = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "server", "transmit_bytes_per_second"),
		"Transmit rate between the last two metric samples.", serverLabels, nil)
)

// collector reads the registry on every scrape so metrics are never
// staler than the last poll cycle.
type collector struct {
	registry Registry
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descServersTotal
	ch <- descServersEnabled
	ch <- descServersOnline
	ch <- descGroupsTotal
	ch <- descSSHSessions
	ch <- descServerUp
	ch <- descServerVPNUp
	ch <- descServerUptime
	ch <- descServerClients
	ch <- descServerClientsTotal
	ch <- descServerRxBytes
	ch <- descServerTxBytes
	ch <- descServerRxRate
	ch <- descServerTxRate
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	summary := c.registry.GetSummary()
	ch <- prometheus.MustNewConstMetric(descServersTotal, prometheus.GaugeValue, float64(summary.TotalServers))
	ch <- prometheus.MustNewConstMetric(descServersEnabled, prometheus.GaugeValue, float64(summary.EnabledServers))
	ch <- prometheus.MustNewConstMetric(descServersOnline, prometheus.GaugeValue, float64(summary.OnlineServers))
	ch <- prometheus.MustNewConstMetric(descGroupsTotal, prometheus.GaugeValue, float64(summary.TotalGroups))
	ch <- prometheus.MustNewConstMetric(descSSHSessions, prometheus.GaugeValue, float64(summary.ActiveSessions))

	for _, p := range c.registry.ListServers(false, nil) {
		status := p.StatusSnapshot()
		metrics := p.MetricsSnapshot()

		ch <- prometheus.MustNewConstMetric(descServerUp, prometheus.GaugeValue, boolValue(status.Online), p.Name)
		ch <- prometheus.MustNewConstMetric(descServerVPNUp, prometheus.GaugeValue, boolValue(status.VPNRunning), p.Name)
		ch <- prometheus.MustNewConstMetric(descServerUptime, prometheus.GaugeValue, float64(status.UptimeSec), p.Name)
		ch <- prometheus.MustNewConstMetric(descServerClients, prometheus.GaugeValue, float64(metrics.ActiveClients), p.Name)
		ch <- prometheus.MustNewConstMetric(descServerClientsTotal, prometheus.GaugeValue, float64(metrics.TotalClients), p.Name)
		ch <- prometheus.MustNewConstMetric(descServerRxBytes, prometheus.CounterValue, float64(metrics.BytesReceived), p.Name)
		ch <- prometheus.MustNewConstMetric(descServerTxBytes, prometheus.CounterValue, float64(metrics.BytesTransmitted), p.Name)
		ch <- prometheus.MustNewConstMetric(descServerRxRate, prometheus.GaugeValue, metrics.BandwidthRx, p.Name)
		ch <- prometheus.MustNewConstMetric(descServerTxRate, prometheus.GaugeValue, metrics.BandwidthTx, p.Name)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Server is the HTTP side of the exporter.
type Server struct {
	log  *zap.Logger
	http *http.Server
}

// New wires the collector into a fresh Prometheus registry and builds
// the HTTP server. The default registry is avoided so tests can run
// multiple exporters.
func New(listen string, registry Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(&collector{registry: registry})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", handleHealth(registry))

	return &Server{
		log: log,
		http: &http.Server{
			Addr:              listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.log.Info("exporter listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight scrapes and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func handleHealth(registry Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary := registry.GetSummary()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":         "ok",
			"servers_total":  summary.TotalServers,
			"servers_online": summary.OnlineServers,
		})
	}
}
