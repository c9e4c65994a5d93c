package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	soapCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ktvcast_soap_calls_total",
		Help: "AVTransport SOAP calls by action and outcome",
	}, []string{"action", "outcome"})

	proxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ktvcast_proxy_requests_total",
		Help: "Media proxy requests by upstream status class",
	}, []string{"status"})

	proxyBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ktvcast_proxy_bytes_total",
		Help: "Bytes streamed through the media proxy",
	})

	discoveryScans = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ktvcast_discovery_scans_total",
		Help: "SSDP discovery scans performed",
	})
)

func init() {
	registry.MustRegister(soapCalls, proxyRequests, proxyBytes, discoveryScans)
}

// Handler serves the process metrics. Mounted on the media proxy router.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func RecordSOAPCall(action, outcome string) {
	soapCalls.WithLabelValues(action, outcome).Inc()
}

func RecordProxyRequest(status int) {
	proxyRequests.WithLabelValues(strconv.Itoa(status/100) + "xx").Inc()
}

func RecordProxyBytes(n int64) {
	proxyBytes.Add(float64(n))
}

func RecordDiscoveryScan() {
	discoveryScans.Inc()
}
