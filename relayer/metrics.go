// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package relayer

import (
	"github.com/prometheus/client_golang/prometheus"
)

type LinkMetrics struct {
	indexedMessageCount         *prometheus.CounterVec
	decodeFailureCount          *prometheus.CounterVec
	duplicateMessageCount       *prometheus.CounterVec
	successfulRelayMessageCount *prometheus.CounterVec
	failedRelayMessageCount     *prometheus.CounterVec
	retriedSubmissionCount      *prometheus.CounterVec
	submissionLatencyMS         *prometheus.GaugeVec
	leafCount                   *prometheus.GaugeVec
	lastIndexedBlock            *prometheus.GaugeVec
}

func NewLinkMetrics(registerer prometheus.Registerer) *LinkMetrics {
	m := LinkMetrics{
		indexedMessageCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexed_message_count",
				Help: "Number of messages committed to the accumulator",
			},
			[]string{"link"},
		),
		decodeFailureCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decode_failure_count",
				Help: "Number of launch events whose message could not be decoded",
			},
			[]string{"link"},
		),
		duplicateMessageCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duplicate_message_count",
				Help: "Number of indexed messages skipped as duplicates",
			},
			[]string{"link"},
		),
		successfulRelayMessageCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "successful_relay_message_count",
				Help: "Number of messages that relayed successfully",
			},
			[]string{"link"},
		),
		failedRelayMessageCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "failed_relay_message_count",
				Help: "Number of messages that failed to relay",
			},
			[]string{"link", "failure_reason"},
		),
		retriedSubmissionCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retried_submission_count",
				Help: "Number of submissions that failed transiently and were rescheduled",
			},
			[]string{"link"},
		),
		submissionLatencyMS: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "submission_latency_ms",
				Help: "Latency of the last landing submission in milliseconds",
			},
			[]string{"link"},
		),
		leafCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leaf_count",
				Help: "Number of leaves in the link's accumulator",
			},
			[]string{"link"},
		),
		lastIndexedBlock: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "last_indexed_block",
				Help: "Last finalized source block the link has indexed",
			},
			[]string{"link"},
		),
	}

	registerer.MustRegister(m.indexedMessageCount)
	registerer.MustRegister(m.decodeFailureCount)
	registerer.MustRegister(m.duplicateMessageCount)
	registerer.MustRegister(m.successfulRelayMessageCount)
	registerer.MustRegister(m.failedRelayMessageCount)
	registerer.MustRegister(m.retriedSubmissionCount)
	registerer.MustRegister(m.submissionLatencyMS)
	registerer.MustRegister(m.leafCount)
	registerer.MustRegister(m.lastIndexedBlock)

	return &m
}
