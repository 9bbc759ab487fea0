package commission

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing commission operation.
type OperationLog struct {
	Operation    string
	AffiliateID  AffiliateID
	Currency     Currency
	Amount       AmountCents
	InvoiceID    InvoiceID
	RedemptionID string
	Reason       ReasonCode
	Status       string
	Error        error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}
