package h3

import (
	"fmt"
)

// ErrorCode is an HTTP/3 application error code (RFC 9114 §8.1).
type ErrorCode uint64

const (
	ErrCodeNoError              ErrorCode = 0x100
	ErrCodeGeneralProtocolError ErrorCode = 0x101
	ErrCodeInternalError        ErrorCode = 0x102
	ErrCodeStreamCreationError  ErrorCode = 0x103
	ErrCodeClosedCriticalStream ErrorCode = 0x104
	ErrCodeFrameUnexpected      ErrorCode = 0x105
	ErrCodeFrameError           ErrorCode = 0x106
	ErrCodeExcessiveLoad        ErrorCode = 0x107
	ErrCodeIDError              ErrorCode = 0x108
	ErrCodeSettingsError        ErrorCode = 0x109
	ErrCodeMissingSettings      ErrorCode = 0x10a
	ErrCodeRequestRejected      ErrorCode = 0x10b
	ErrCodeRequestCancelled     ErrorCode = 0x10c
	ErrCodeRequestIncomplete    ErrorCode = 0x10d
	ErrCodeMessageError         ErrorCode = 0x10e
	ErrCodeConnectError         ErrorCode = 0x10f
	ErrCodeVersionFallback      ErrorCode = 0x110
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeNoError:              "H3_NO_ERROR",
	ErrCodeGeneralProtocolError: "H3_GENERAL_PROTOCOL_ERROR",
	ErrCodeInternalError:        "H3_INTERNAL_ERROR",
	ErrCodeStreamCreationError:  "H3_STREAM_CREATION_ERROR",
	ErrCodeClosedCriticalStream: "H3_CLOSED_CRITICAL_STREAM",
	ErrCodeFrameUnexpected:      "H3_FRAME_UNEXPECTED",
	ErrCodeFrameError:           "H3_FRAME_ERROR",
	ErrCodeExcessiveLoad:        "H3_EXCESSIVE_LOAD",
	ErrCodeIDError:              "H3_ID_ERROR",
	ErrCodeSettingsError:        "H3_SETTINGS_ERROR",
	ErrCodeMissingSettings:      "H3_MISSING_SETTINGS",
	ErrCodeRequestRejected:      "H3_REQUEST_REJECTED",
	ErrCodeRequestCancelled:     "H3_REQUEST_CANCELLED",
	ErrCodeRequestIncomplete:    "H3_REQUEST_INCOMPLETE",
	ErrCodeMessageError:         "H3_MESSAGE_ERROR",
	ErrCodeConnectError:         "H3_CONNECT_ERROR",
	ErrCodeVersionFallback:      "H3_VERSION_FALLBACK",
}

func (e ErrorCode) String() string {
	if s, ok := errorCodeNames[e]; ok {
		return s
	}
	return fmt.Sprintf("H3_ERROR_0x%x", uint64(e))
}

// ConnError is a connection-level HTTP/3 error. It closes the QUIC connection, and all its
// streams, with Code.
type ConnError struct {
	Code   ErrorCode
	Reason string
}

func (e *ConnError) Error() string {
	if e.Reason == "" {
		return "h3: connection error " + e.Code.String()
	}
	return "h3: connection error " + e.Code.String() + ": " + e.Reason
}

func connErrorf(code ErrorCode, format string, args ...interface{}) *ConnError {
	return &ConnError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// StreamError is a stream-level error, resetting only one request.
type StreamError struct {
	StreamID int64
	Code     ErrorCode
	Reason   string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("h3: stream %d error %s: %s", e.StreamID, e.Code, e.Reason)
}
