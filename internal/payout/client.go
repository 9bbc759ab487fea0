// Package payout implements commission.PayoutProvider against an HTTP
// transfer API. Transport failures after the request left the process are
// reported as ErrTransferOutcomeUnknown because the provider may have applied
// the transfer anyway; the idempotency key header makes a later replay safe.
package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/MarkoPoloResearchLab/commission/pkg/commission"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 15 * time.Second

	headerAuthorization  = "Authorization"
	headerContentType    = "Content-Type"
	headerIdempotencyKey = "Idempotency-Key"
	contentTypeJSON      = "application/json"

	pathAccounts  = "/v1/accounts/"
	pathTransfers = "/v1/transfers"

	errorOperationPayout = "payout"
	errorSubjectAccount  = "account"
	errorSubjectTransfer = "transfer"
	errorCodeRequest     = "request"
	errorCodeTransport   = "transport"
	errorCodeDecode      = "decode"
	errorCodeRejected    = "rejected"
	errorCodeStatus      = "status"
)

// Client calls the payout provider over HTTP with bearer authentication.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

type accountStatusResponse struct {
	PayoutsEnabled     bool   `json:"payouts_enabled"`
	SettlementCurrency string `json:"settlement_currency"`
}

type transferRequest struct {
	AmountCents          int64  `json:"amount_cents"`
	Currency             string `json:"currency"`
	DestinationAccountID string `json:"destination_account_id"`
}

type transferResponse struct {
	TransferID string `json:"transfer_id"`
}

type providerErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewClient(baseURL string, apiKey string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil || baseURL == "" {
		return nil, fmt.Errorf("payout: invalid base url %q", baseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// GetAccountStatus reports whether the destination can receive payouts and in
// which settlement currency.
func (client *Client) GetAccountStatus(ctx context.Context, payoutAccountID string) (commission.AccountStatus, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+pathAccounts+url.PathEscape(payoutAccountID), nil)
	if err != nil {
		return commission.AccountStatus{}, wrapPayoutError(errorSubjectAccount, errorCodeRequest, err)
	}
	client.authorize(request)
	response, err := client.httpClient.Do(request)
	if err != nil {
		return commission.AccountStatus{}, wrapPayoutError(errorSubjectAccount, errorCodeTransport, err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return commission.AccountStatus{}, wrapPayoutError(errorSubjectAccount, errorCodeStatus,
			fmt.Errorf("account status returned %d: %s", response.StatusCode, readProviderMessage(response.Body)))
	}
	var decoded accountStatusResponse
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return commission.AccountStatus{}, wrapPayoutError(errorSubjectAccount, errorCodeDecode, err)
	}
	currency, err := commission.ParseCurrency(decoded.SettlementCurrency)
	if err != nil {
		return commission.AccountStatus{}, wrapPayoutError(errorSubjectAccount, errorCodeDecode, err)
	}
	return commission.AccountStatus{
		PayoutsEnabled:     decoded.PayoutsEnabled,
		SettlementCurrency: currency,
	}, nil
}

// CreateTransfer submits one transfer. The idempotency key makes retries of
// an ambiguous outcome safe for the provider to dedupe.
func (client *Client) CreateTransfer(ctx context.Context, instruction commission.TransferInstruction, idempotencyKey commission.IdempotencyKey) (commission.Transfer, error) {
	body, err := json.Marshal(transferRequest{
		AmountCents:          instruction.AmountCents.Int64(),
		Currency:             instruction.Currency.String(),
		DestinationAccountID: instruction.DestinationAccountID,
	})
	if err != nil {
		return commission.Transfer{}, wrapPayoutError(errorSubjectTransfer, errorCodeRequest, err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, client.baseURL+pathTransfers, bytes.NewReader(body))
	if err != nil {
		return commission.Transfer{}, wrapPayoutError(errorSubjectTransfer, errorCodeRequest, err)
	}
	client.authorize(request)
	request.Header.Set(headerContentType, contentTypeJSON)
	request.Header.Set(headerIdempotencyKey, idempotencyKey.String())

	response, err := client.httpClient.Do(request)
	if err != nil {
		client.logger.Warn("transfer outcome unknown",
			zap.String("idempotency_key", idempotencyKey.String()),
			zap.Error(err))
		return commission.Transfer{}, wrapPayoutError(errorSubjectTransfer, errorCodeTransport,
			errors.Join(commission.ErrTransferOutcomeUnknown, err))
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusOK || response.StatusCode == http.StatusCreated:
		var decoded transferResponse
		if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
			// The provider accepted the transfer but the ack was lost.
			return commission.Transfer{}, wrapPayoutError(errorSubjectTransfer, errorCodeDecode,
				errors.Join(commission.ErrTransferOutcomeUnknown, err))
		}
		return commission.Transfer{TransferID: decoded.TransferID}, nil
	case response.StatusCode >= http.StatusInternalServerError:
		// A 5xx does not prove the transfer was discarded.
		return commission.Transfer{}, wrapPayoutError(errorSubjectTransfer, errorCodeStatus,
			errors.Join(commission.ErrTransferOutcomeUnknown,
				fmt.Errorf("transfer returned %d: %s", response.StatusCode, readProviderMessage(response.Body))))
	default:
		return commission.Transfer{}, wrapPayoutError(errorSubjectTransfer, errorCodeRejected,
			fmt.Errorf("transfer rejected with %d: %s", response.StatusCode, readProviderMessage(response.Body)))
	}
}

func (client *Client) authorize(request *http.Request) {
	if client.apiKey != "" {
		request.Header.Set(headerAuthorization, "Bearer "+client.apiKey)
	}
}

func readProviderMessage(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	var decoded providerErrorResponse
	if json.Unmarshal(raw, &decoded) == nil && decoded.Message != "" {
		return decoded.Message
	}
	return string(raw)
}

func wrapPayoutError(subject string, code string, err error) error {
	return commission.WrapError(errorOperationPayout, subject, code, err)
}
