package constants

// Static route constants
const (
	CallbackRoute = "/kkpay/callback"
	HealthRoute   = "/health"
	MetricsRoute  = "/metrics"
	// API group prefixes for the order service
	APIRoute   = "/api"
	APIV1Route = "/v1"
)
