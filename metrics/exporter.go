package metrics

import (
	"net/http"

	"contrib.go.opencensus.io/exporter/prometheus"
	log "github.com/ipfs/go-log/v2"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opencensus.io/stats/view"
)

var logger = log.Logger("paychan/metrics")

// NewExporter registers the default views plus any extras and returns a
// prometheus scrape handler backed by a fresh registry
func NewExporter(views ...*view.View) (http.Handler, error) {
	if err := view.Register(DefaultViews...); err != nil {
		return nil, err
	}
	if err := view.Register(views...); err != nil {
		return nil, err
	}

	registry := promclient.NewRegistry()
	_ = registry.Register(collectors.NewGoCollector())
	_ = registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	exp, err := prometheus.NewExporter(prometheus.Options{
		Registry:  registry,
		Namespace: "paychan",
	})
	if err != nil {
		return nil, err
	}
	return exp, nil
}
