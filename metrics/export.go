package metrics

import (
	"bytes"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// collector adapts a Registry snapshot into Prometheus's pull model: each
// call to Collect gathers the current samples, so there is no separate
// registration step per metric name as names appear and disappear freely.
type collector struct{ r *Registry }

func (c *collector) Describe(chan<- *prometheus.Desc) {
	// Deliberately unchecked: the metric name set is dynamic (one DICOM
	// store can emit arbitrarily named per-resource gauges), so this
	// collector does not declare a fixed descriptor set up front.
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for name, s := range c.r.snapshot() {
		desc := prometheus.NewDesc(sanitizeMetricName(name), "dcmstore metric "+name, nil, nil)
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, s.value)
	}
}

var invalidMetricChar = regexp.MustCompile(`[^a-zA-Z0-9_:]`)

func sanitizeMetricName(name string) string {
	return invalidMetricChar.ReplaceAllString(name, "_")
}

// ExportText serializes every sample in the registry in Prometheus text
// exposition format (spec §4.10: "An exporter serializes all samples in
// Prometheus text format").
func (r *Registry) ExportText() (string, error) {
	preg := prometheus.NewRegistry()
	if err := preg.Register(&collector{r: r}); err != nil {
		return "", err
	}
	mfs, err := preg.Gather()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	enc := expfmt.NewEncoder(&buf, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}
