package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reader metrics
	BytesRead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "redotail_bytes_read_total",
			Help: "Total bytes read from redo log files",
		},
	)

	BlocksValidated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "redotail_blocks_validated_total",
			Help: "Total redo blocks that passed header validation",
		},
	)

	BlockCrcErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "redotail_block_crc_errors_total",
			Help: "Total redo blocks that failed checksum validation",
		},
	)

	LogSwitches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "redotail_log_switches_total",
			Help: "Total redo log files fully consumed",
		},
	)

	// Parser metrics
	BytesParsed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "redotail_bytes_parsed_total",
			Help: "Total redo bytes consumed by the parser",
		},
	)

	ChangeVectors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redotail_change_vectors_total",
			Help: "Total change vectors decoded by opcode",
		},
		[]string{"opcode"},
	)

	// Transaction metrics
	TransactionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "redotail_transactions_active",
			Help: "Transactions currently being assembled",
		},
	)

	TransactionsCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "redotail_transactions_committed_total",
			Help: "Total transactions emitted on commit",
		},
	)

	TransactionsRolledBack = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "redotail_transactions_rolled_back_total",
			Help: "Total transactions discarded on rollback",
		},
	)

	TransactionsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "redotail_transactions_skipped_total",
			Help: "Total transactions dropped by skip-xid or size cap",
		},
	)

	// Memory metrics
	ChunksAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redotail_memory_chunks_allocated",
			Help: "Memory chunks currently allocated by module",
		},
		[]string{"module"},
	)

	ChunksHighWater = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "redotail_memory_chunks_hwm",
			Help: "High-water mark of allocated memory chunks",
		},
	)

	SwapOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redotail_swap_operations_mb_total",
			Help: "Megabytes swapped by direction (write, read, discard)",
		},
		[]string{"direction"},
	)

	// Writer metrics
	MessagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "redotail_messages_sent_total",
			Help: "Total messages sent to the client",
		},
	)

	MessagesConfirmed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "redotail_messages_confirmed_total",
			Help: "Total messages acknowledged by the client",
		},
	)

	BytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "redotail_bytes_sent_total",
			Help: "Total payload bytes sent to the client",
		},
	)

	BytesConfirmed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "redotail_bytes_confirmed_total",
			Help: "Total payload bytes acknowledged by the client",
		},
	)

	CheckpointsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "redotail_checkpoints_written_total",
			Help: "Total durable checkpoints persisted",
		},
	)

	ConfirmedScn = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "redotail_confirmed_scn",
			Help: "Highest SCN acknowledged by the client",
		},
	)

	WriterQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "redotail_writer_queue_depth",
			Help: "Messages sent but not yet acknowledged",
		},
	)
)

// Register registers all metrics with Prometheus
func Register() error {
	collectors := []prometheus.Collector{
		BytesRead,
		BlocksValidated,
		BlockCrcErrors,
		LogSwitches,
		BytesParsed,
		ChangeVectors,
		TransactionsActive,
		TransactionsCommitted,
		TransactionsRolledBack,
		TransactionsSkipped,
		ChunksAllocated,
		ChunksHighWater,
		SwapOperations,
		MessagesSent,
		MessagesConfirmed,
		BytesSent,
		BytesConfirmed,
		CheckpointsWritten,
		ConfirmedScn,
		WriterQueueDepth,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the metrics HTTP server on the given address. It returns once
// the listener fails or the server is shut down.
func Serve(bind string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", HealthzHandler)

	server := &http.Server{
		Addr:              bind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return server.ListenAndServe()
}
