package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	articlesFetchedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "articles_fetched_total",
			Help: "Total number of articles fetched from PubMed.",
		},
	)
	icsrDetectedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "icsr_detected_total",
			Help: "Total number of articles classified as ICSR.",
		},
	)
	jobsCompletedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "search_jobs_completed_total",
			Help: "Total number of search jobs that reached completed status.",
		},
	)
)

func init() {
	prometheus.MustRegister(articlesFetchedCounter, icsrDetectedCounter, jobsCompletedCounter)
}
