package toolserver

import "fmt"

// TransportError wraps a network-level failure reaching a tool server.
type TransportError struct {
	ServerID string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error calling server %s: %v", e.ServerID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPStatusError reports a non-success HTTP status from a tool server.
type HTTPStatusError struct {
	ServerID string
	Status   int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("server %s returned HTTP %d", e.ServerID, e.Status)
}

// ProtocolError reports a JSON-RPC error payload from a tool server.
type ProtocolError struct {
	ServerID string
	Code     int
	Message  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("server %s returned error %d: %s", e.ServerID, e.Code, e.Message)
}

// ResponseTooLargeError reports a response body that exceeded the byte cap.
type ResponseTooLargeError struct {
	ServerID string
	Actual   int64
	Limit    int64
}

func (e *ResponseTooLargeError) Error() string {
	return fmt.Sprintf("response from server %s too large: %d bytes exceeds limit of %d", e.ServerID, e.Actual, e.Limit)
}
