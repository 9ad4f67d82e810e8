package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfTokenOperation is perf metric for hardware operations
	PerfTokenOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_token_op",
		Help:         "perf_token_op provides the sample metrics of token operations",
		RequiredTags: []string{"action"},
	}

	// PerfSessionOpen is perf metric for session establishment
	PerfSessionOpen = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_token_session_open",
		Help:         "perf_token_session_open provides the sample metrics of session establishment",
		RequiredTags: []string{"token"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfTokenOperation,
	&PerfSessionOpen,
}
