package exchange

import (
	"errors"
	"fmt"

	"options-core/pkg/ws"
)

var (
	ErrRateLimited  = errors.New("exchange: rate limited")
	ErrUnauthorized = errors.New("exchange: not authorized")
	ErrTimeout      = errors.New("exchange: call timed out")
	ErrClosed       = errors.New("exchange: client closed")
)

// ProtocolError reports a response we could not parse.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "exchange protocol: " + e.Detail
}

// UpstreamError is a structured rejection from the exchange,
// shaped {"error":{"code","message"}} on the wire.
type UpstreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("exchange rejected (%s): %s", e.Code, e.Message)
}

// permanentCodes are rejections that no amount of retrying will fix: the
// request itself is invalid for this credential.
var permanentCodes = map[string]bool{
	"InvalidToken":          true,
	"InvalidContractId":     true,
	"ContractNotFound":      true,
	"InputValidationFailed": true,
	"AuthorizationRequired": true,
	"PermissionDenied":      true,
}

// IsPermanent reports whether err is an upstream rejection that must not be
// retried.
func IsPermanent(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return permanentCodes[ue.Code]
	}
	return false
}

// IsConnectionErr reports whether err smells like a dead or unusable
// transport, meaning a reconnect is worth attempting before the next try.
func IsConnectionErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ws.ErrNotConnected) || errors.Is(err, ws.ErrConnectionClosed) {
		return true
	}
	var de *ws.DialError
	if errors.As(err, &de) {
		return true
	}
	var he *ws.HandshakeError
	return errors.As(err, &he)
}
