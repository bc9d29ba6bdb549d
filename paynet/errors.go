package paynet

type ErrCode int

// Error represents an error to be returned by the node.
type Error struct {
	Detail string  `json:"detail"`
	Code   ErrCode `json:"code"`
}

func BuildError(detail string, code ErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

const (
	StandardErrCode ErrCode = 10000

	// These are never returned in a response. Used to identify
	// internally where the error originated and log appropriately.
	DBErrCode      ErrCode = 1
	BackendErrCode ErrCode = 2

	// permanent ledger violations
	DoubleSpendErrCode    ErrCode = 11001
	InsufficientErrCode   ErrCode = 11002
	InvalidProofErrCode   ErrCode = 10003
	UnknownKeysetErrCode  ErrCode = 12001
	InactiveKeysetErrCode ErrCode = 12002
	AmountMismatchErrCode ErrCode = 11003
	ExpiredErrCode        ErrCode = 11004

	// protocol usage errors
	UnitErrCode               ErrCode = 11005
	UnknownQuoteErrCode       ErrCode = 20000
	QuoteNotPaidErrCode       ErrCode = 20001
	QuoteAlreadyIssuedErrCode ErrCode = 20002
	InvalidRequestErrCode     ErrCode = 20003
	BlindedMessageSignedErr   ErrCode = 10002
	MeltQuotePendingErrCode   ErrCode = 20005
	MeltQuoteAlreadyPaidErr   ErrCode = 20006

	// transient, retriable with backoff
	SignerUnavailableErrCode  ErrCode = 30001
	DBContentionErrCode       ErrCode = 30002
	CashierUnavailableErrCode ErrCode = 30003
)

var (
	StandardErr             = Error{Detail: "node is currently unable to process request", Code: StandardErrCode}
	EmptyBodyErr            = Error{Detail: "request body cannot be empty", Code: StandardErrCode}
	UnitNotSupportedErr     = Error{Detail: "unit not supported", Code: UnitErrCode}
	UnknownKeysetErr        = Error{Detail: "unknown keyset", Code: UnknownKeysetErrCode}
	InactiveKeysetErr       = Error{Detail: "requested signature from inactive keyset", Code: InactiveKeysetErrCode}
	InvalidBlindedAmountErr = Error{Detail: "invalid amount in blinded message", Code: StandardErrCode}
	BlindedMessageSigned    = Error{Detail: "blinded message already signed", Code: BlindedMessageSignedErr}
	UnknownQuoteErr         = Error{Detail: "quote does not exist", Code: UnknownQuoteErrCode}
	QuoteNotPaidErr         = Error{Detail: "quote request has not been paid", Code: QuoteNotPaidErrCode}
	QuoteAlreadyIssuedErr   = Error{Detail: "quote already issued", Code: QuoteAlreadyIssuedErrCode}
	QuoteExpiredErr         = Error{Detail: "quote is expired", Code: ExpiredErrCode}
	MeltQuotePendingErr     = Error{Detail: "quote is pending", Code: MeltQuotePendingErrCode}
	MeltQuoteAlreadyPaid    = Error{Detail: "quote already paid", Code: MeltQuoteAlreadyPaidErr}
	InvalidPaymentRequest   = Error{Detail: "invalid payment request", Code: InvalidRequestErrCode}
	DoubleSpendErr          = Error{Detail: "proof already used", Code: DoubleSpendErrCode}
	InvalidProofErr         = Error{Detail: "invalid proof", Code: InvalidProofErrCode}
	NoProofsProvided        = Error{Detail: "no proofs provided", Code: InvalidProofErrCode}
	DuplicateProofs         = Error{Detail: "duplicate proofs", Code: InvalidProofErrCode}
	DuplicateOutputs        = Error{Detail: "duplicate blinded messages", Code: StandardErrCode}
	AmountMismatchErr       = Error{Detail: "sum of outputs does not match quote amount", Code: AmountMismatchErrCode}
	InsufficientProofsErr   = Error{
		Detail: "amount of input proofs is below amount needed for transaction",
		Code:   InsufficientErrCode,
	}
	MultipleUnitsErr      = Error{Detail: "inputs and outputs must all share one unit", Code: UnitErrCode}
	SignerUnavailableErr  = Error{Detail: "signer unavailable", Code: SignerUnavailableErrCode}
	DBContentionErr       = Error{Detail: "database contention, retry", Code: DBContentionErrCode}
	CashierUnavailableErr = Error{Detail: "cashier unavailable", Code: CashierUnavailableErrCode}
	AmountOverflowErr     = Error{Detail: "amount overflow", Code: StandardErrCode}
)
