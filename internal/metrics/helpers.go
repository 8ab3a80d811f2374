package metrics

import "github.com/prometheus/client_golang/prometheus"

// Los helpers toleran que Register no haya corrido (tests, tooling CLI):
// sin registro, incrementar es un no-op.

func inc(c *prometheus.CounterVec, labels ...string) {
	if c != nil {
		c.WithLabelValues(labels...).Inc()
	}
}

func add(c *prometheus.CounterVec, n float64, labels ...string) {
	if c != nil && n > 0 {
		c.WithLabelValues(labels...).Add(n)
	}
}

func IncTokensIssued(tenant string) { inc(TokensIssued, tenant) }
func IncVerification(result string) { inc(Verifications, result) }
func IncKeyRotation(result string) { inc(KeyRotations, result) }
func IncRefresh(result string) { inc(Refreshes, result) }
func IncSessionsRevoked(cause string) { inc(SessionsRevoked, cause) }

func AddSessionsRevoked(cause string, n int) { add(SessionsRevoked, float64(n), cause) }
func AddPurged(kind string, n int) { add(PurgedRows, float64(n), kind) }
