package api

const MaxBodyBytes = 256 * 1024

const WarningDedupeDegraded = "dedupe_degraded"

const (
	HeaderTenantID       = "X-Tenant-ID"
	HeaderBusinessUnitID = "X-Business-Unit-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

const (
	ErrInvalidJSON         = "invalid_json"
	ErrMissingTemplate     = "missing_template_name"
	ErrMissingTenant       = "missing_tenant_id"
	ErrMissingBusinessUnit = "missing_business_unit_id"
	ErrBodyTooLarge        = "body_too_large"
	ErrTemplateNotFound    = "template_not_found"
	ErrSagaNotFound        = "saga_not_found"
	ErrStateConflict       = "state_conflict"
	ErrStore               = "store_error"
	ErrBadRequest          = "bad_request"
)

type StartSagaRequest struct {
	TemplateName  string         `json:"template_name"`
	PaymentID     string         `json:"payment_id"`
	CorrelationID string         `json:"correlation_id"`
	Data          map[string]any `json:"data"`
}

type SagaResponse struct {
	SagaID  string `json:"saga_id"`
	Status  string `json:"status"`
	Warning string `json:"warning,omitempty"`
}

type CompensateRequest struct {
	Reason string `json:"reason"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
