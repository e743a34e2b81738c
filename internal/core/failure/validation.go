package failure

// ValidationKind discriminates business-rule failures raised while preparing
// a signing session.
type ValidationKind string

const (
	FirstSignerEmailMissing  ValidationKind = "FIRST_SIGNER_EMAIL_MISSING"
	CounterpartyEmailMissing ValidationKind = "COUNTERPARTY_EMAIL_MISSING"
	SignerEmailsCollide      ValidationKind = "SIGNER_EMAILS_COLLIDE"
	DocumentEmpty            ValidationKind = "DOCUMENT_EMPTY"
)

// ValidationError is a non-retryable business-rule failure. Callers match it
// with errors.As and switch on Kind.
type ValidationError struct {
	Kind   ValidationKind
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "validation: " + string(e.Kind)
	}
	return "validation: " + string(e.Kind) + ": " + e.Detail
}

// UserMessage is the text shown to the person trying to start the signing.
func (e *ValidationError) UserMessage() string {
	switch e.Kind {
	case FirstSignerEmailMissing:
		return "The first signer has no email address on file."
	case CounterpartyEmailMissing:
		return "The counterparty has no email address on file."
	case SignerEmailsCollide:
		return "Both signers use the same email address; each signer needs their own."
	case DocumentEmpty:
		return "The document to sign is empty."
	default:
		return "The signing request is invalid."
	}
}

// NewValidation builds a ValidationError.
func NewValidation(kind ValidationKind, detail string) *ValidationError {
	return &ValidationError{Kind: kind, Detail: detail}
}
