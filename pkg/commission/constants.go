package commission

const (
	operationAccrue  = "accrue"
	operationReverse = "reverse"
	operationMature  = "mature"
	operationRedeem  = "redeem"

	operationStatusOK      = "ok"
	operationStatusError   = "error"
	operationStatusSkipped = "skipped"

	idempotencyKeyDelimiter = ":"
	idempotencyKeyPrefix    = "redeem"

	reversalReasonRefund = "payment_reversed"
)
