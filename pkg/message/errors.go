package message

import "fmt"

// Severity of an ebMS3 error.
type Severity string

const (
	SeverityFailure Severity = "failure"
	SeverityWarning Severity = "warning"
)

// ErrorCode is one entry of the ebMS3 error code table.
type ErrorCode struct {
	Code             string
	ShortDescription string
	Severity         Severity
	Category         string
}

// ebMS3 core and AS4 error codes used by the receiving engine.
var (
	ErrValueNotRecognized     = ErrorCode{"EBMS:0001", "ValueNotRecognized", SeverityFailure, "Content"}
	ErrFeatureNotSupported    = ErrorCode{"EBMS:0002", "FeatureNotSupported", SeverityWarning, "Content"}
	ErrValueInconsistent      = ErrorCode{"EBMS:0003", "ValueInconsistent", SeverityFailure, "Content"}
	ErrOther                  = ErrorCode{"EBMS:0004", "Other", SeverityFailure, "Content"}
	ErrConnectionFailure      = ErrorCode{"EBMS:0005", "ConnectionFailure", SeverityFailure, "Communication"}
	ErrEmptyMPC               = ErrorCode{"EBMS:0006", "EmptyMessagePartitionChannel", SeverityWarning, "Communication"}
	ErrMimeInconsistency      = ErrorCode{"EBMS:0007", "MimeInconsistency", SeverityFailure, "Unpackaging"}
	ErrInvalidHeader          = ErrorCode{"EBMS:0009", "InvalidHeader", SeverityFailure, "Unpackaging"}
	ErrProcessingModeMismatch = ErrorCode{"EBMS:0010", "ProcessingModeMismatch", SeverityFailure, "Processing"}
	ErrExternalPayloadError   = ErrorCode{"EBMS:0011", "ExternalPayloadError", SeverityFailure, "Content"}
	ErrFailedAuthentication   = ErrorCode{"EBMS:0101", "FailedAuthentication", SeverityFailure, "Processing"}
	ErrFailedDecryption       = ErrorCode{"EBMS:0102", "FailedDecryption", SeverityFailure, "Processing"}
	ErrPolicyNoncompliance    = ErrorCode{"EBMS:0103", "PolicyNoncompliance", SeverityFailure, "Processing"}
	ErrDeliveryFailure        = ErrorCode{"EBMS:0202", "DeliveryFailure", SeverityFailure, "Communication"}
	ErrDecompressionFailure   = ErrorCode{"EBMS:0303", "DecompressionFailure", SeverityFailure, "Content"}
)

// Detail creates an error instance of this code.
func (c ErrorCode) Detail(refToMessageID, description string) *ErrorDetail {
	return &ErrorDetail{
		Code:           c,
		RefToMessageID: refToMessageID,
		Description:    description,
	}
}

// ErrorDetail is a single protocol level error collected while processing
// an inbound message.
type ErrorDetail struct {
	Code           ErrorCode
	RefToMessageID string
	Description    string
	Detail         string
	Origin         string
}

func (e *ErrorDetail) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s %s", e.Code.Code, e.Code.ShortDescription)
	}
	return fmt.Sprintf("%s %s: %s", e.Code.Code, e.Code.ShortDescription, e.Description)
}

// IsFailure reports whether the error has failure severity.
func (e *ErrorDetail) IsFailure() bool {
	return e.Code.Severity == SeverityFailure
}

// HasFailure reports whether any of the errors has failure severity.
func HasFailure(errs []*ErrorDetail) bool {
	for _, e := range errs {
		if e.IsFailure() {
			return true
		}
	}
	return false
}
