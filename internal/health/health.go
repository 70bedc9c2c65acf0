// Package health provides system health monitoring and status reporting.
package health

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// NetworkHealth contains health metrics for one watched crypto code.
type NetworkHealth struct {
	CryptoCode      string       `json:"crypto_code"`
	Status          SystemStatus `json:"status"`
	ListenerState   string       `json:"listener_state"`
	PendingInvoices int          `json:"pending_invoices"`
	StorageOK       bool         `json:"storage_ok"`
}
