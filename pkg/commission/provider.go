package commission

import "context"

// AccountStatus is the provider's view of a payout destination.
type AccountStatus struct {
	PayoutsEnabled     bool
	SettlementCurrency Currency
}

// TransferInstruction describes one outbound transfer.
type TransferInstruction struct {
	AmountCents          AmountCents
	Currency             Currency
	DestinationAccountID string
}

// Transfer is the provider's acknowledgement of a created transfer.
type Transfer struct {
	TransferID string
}

// PayoutProvider abstracts the third-party transfer API. CreateTransfer must
// surface ErrTransferOutcomeUnknown for transport failures where the transfer
// may still have been applied, and any other error for definite rejections.
type PayoutProvider interface {
	GetAccountStatus(ctx context.Context, payoutAccountID string) (AccountStatus, error)
	CreateTransfer(ctx context.Context, instruction TransferInstruction, idempotencyKey IdempotencyKey) (Transfer, error)
}
