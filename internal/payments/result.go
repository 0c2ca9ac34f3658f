package payments

// ErrorKind - причина неуспешной инициации оплаты.
type ErrorKind string

const (
	KindAuthentication   ErrorKind = "authentication_failure"
	KindValidation       ErrorKind = "validation_error"
	KindGatewayRejection ErrorKind = "gateway_rejection"
	KindNetwork          ErrorKind = "network_error"
	KindInternal         ErrorKind = "internal_error"
)

// MessagePromptSent показывается покупателю при успешной отправке push.
const MessagePromptSent = "payment request sent, check your phone"

// InitiateResult - результат Initiator.Initiate. При Success == false заполнен Reason.
type InitiateResult struct {
	Success           bool      `json:"success"`
	CheckoutID        string    `json:"checkout_id,omitempty"`
	MerchantRequestID string    `json:"merchant_request_id,omitempty"`
	AttemptID         int64     `json:"-"`
	Message           string    `json:"message"`
	Reason            ErrorKind `json:"reason,omitempty"`
}

func failure(kind ErrorKind, message string) InitiateResult {
	return InitiateResult{Success: false, Reason: kind, Message: message}
}

type FinalizeStatus string

const (
	// FinalizeApplied - эта попытка перевела платеж в терминальный статус.
	FinalizeApplied FinalizeStatus = "applied"
	// FinalizeNoopUnknown - нет попытки с таким checkout id.
	FinalizeNoopUnknown FinalizeStatus = "noop_unknown"
	// FinalizeNoopTerminal - попытка уже завершена другим источником.
	FinalizeNoopTerminal FinalizeStatus = "noop_terminal"
	FinalizeError        FinalizeStatus = "error"
)

// FinalizeResult - результат Reconciler.Finalize. Err заполнен только при FinalizeError.
type FinalizeResult struct {
	Status    FinalizeStatus
	AttemptID int64
	OrderID   int64
	EventID   string
	Err       error
}

func (r FinalizeResult) Applied() bool {
	return r.Status == FinalizeApplied
}
