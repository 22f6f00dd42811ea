package adapters

// Envelope is the mandatory result shape of every inbound handler. Callers
// must unwrap it; raw data shapes are never returned across the boundary.
type Envelope struct {
	Status string `json:"status"` // "success" or "error"
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// OK builds a success envelope.
func OK(data any) Envelope {
	return Envelope{Status: "success", Data: data}
}

// Fail builds an error envelope.
func Fail(msg string) Envelope {
	return Envelope{Status: "error", Error: msg}
}

// FailErr builds an error envelope from an error.
func FailErr(err error) Envelope {
	if err == nil {
		return OK(nil)
	}
	return Envelope{Status: "error", Error: err.Error()}
}

// Success reports whether the envelope carries a success status.
func (e Envelope) Success() bool { return e.Status == "success" }
