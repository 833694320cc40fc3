package main

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromExporter collects metrics in Prometheus format from a chat server.
type PromExporter struct {
	address   string
	timeout   time.Duration
	namespace string

	scraper *Scraper

	up            *prometheus.Desc
	identities    *prometheus.Desc
	conversations *prometheus.Desc
	messagesToday *prometheus.Desc
	liveQueries   *prometheus.Desc
	goroutines    *prometheus.Desc
	malloced      *prometheus.Desc
}

// NewPromExporter returns an initialized Prometheus exporter.
func NewPromExporter(server, namespace string, timeout time.Duration, scraper *Scraper) *PromExporter {
	return &PromExporter{
		address:   server,
		timeout:   timeout,
		namespace: namespace,
		scraper:   scraper,
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "up"),
			"If the chat server instance is reachable.",
			nil,
			nil,
		),
		identities: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "identities_total"),
			"Number of registered identities.",
			nil,
			nil,
		),
		conversations: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "conversations_total"),
			"Number of conversations, direct ones included.",
			nil,
			nil,
		),
		messagesToday: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "messages_today"),
			"Number of messages sent since midnight UTC.",
			nil,
			nil,
		),
		liveQueries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "live_queries_count"),
			"Number of currently open live queries.",
			nil,
			nil,
		),
		goroutines: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "goroutines_count"),
			"Number of goroutines in the server process.",
			nil,
			nil,
		),
		malloced: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "malloced_bytes"),
			"Number of bytes of memory allocated and in use.",
			nil,
			nil,
		),
	}
}

// Describe describes all the metrics exported by this exporter. It
// implements prometheus.Collector.
func (e *PromExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.up
	ch <- e.identities
	ch <- e.conversations
	ch <- e.messagesToday
	ch <- e.liveQueries
	ch <- e.goroutines
	ch <- e.malloced
}

// Collect fetches statistics from the configured server instance, and
// delivers them as Prometheus metrics. It implements prometheus.Collector.
func (e *PromExporter) Collect(ch chan<- prometheus.Metric) {
	up := float64(1)
	if stats, err := e.scraper.Scrape(); err != nil {
		log.Println("Failed to fetch or parse response", err)
		up = 0
	} else {
		if err := e.parseStats(ch, stats); err != nil {
			up = 0
		}
	}

	ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, up)
}

func (e *PromExporter) parseStats(ch chan<- prometheus.Metric, stats map[string]interface{}) error {
	err := firstError(
		e.parseAndUpdate(ch, e.identities, prometheus.GaugeValue, stats, "TotalIdentities"),
		e.parseAndUpdate(ch, e.conversations, prometheus.GaugeValue, stats, "TotalConversations"),
		e.parseAndUpdate(ch, e.messagesToday, prometheus.GaugeValue, stats, "MessagesToday"),
		e.parseAndUpdate(ch, e.liveQueries, prometheus.GaugeValue, stats, "LiveQueries"),
		e.parseAndUpdate(ch, e.goroutines, prometheus.GaugeValue, stats, "NumGoroutines"),
		e.parseAndUpdate(ch, e.malloced, prometheus.GaugeValue, stats, "memstats.Alloc"),
	)

	return err
}

func (e *PromExporter) parseAndUpdate(ch chan<- prometheus.Metric, desc *prometheus.Desc, valueType prometheus.ValueType,
	stats map[string]interface{}, key string) error {
	v, err := parseMetric(stats, key)
	if err != nil {
		return err
	}
	ch <- prometheus.MustNewConstMetric(desc, valueType, v)
	return nil
}

func firstError(errs ...error) error {
	for _, v := range errs {
		if v != nil {
			return v
		}
	}
	return nil
}
