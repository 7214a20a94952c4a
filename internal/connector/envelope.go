package connector

import "encoding/json"

// outboundEnvelope is the unencrypted wire object wrapping an outbound
// encrypted request, or the unencrypted change-public-keys request.
type outboundEnvelope struct {
	Action        string `json:"action"`
	Message       string `json:"message,omitempty"`
	PublicKey     string `json:"publicKey,omitempty"`
	Nonce         string `json:"nonce"`
	ClientID      string `json:"clientID,omitempty"`
	TriggerUnlock string `json:"triggerUnlock,omitempty"`
}

// inboundEnvelope is the generic shape of any frame received from the
// helper process, encrypted or not. Fields are parsed loosely since
// different actions populate different subsets.
type inboundEnvelope struct {
	Action    string          `json:"action"`
	Success   *bool           `json:"success,omitempty"`
	Message   string          `json:"message,omitempty"`
	Nonce     string          `json:"nonce,omitempty"`
	PublicKey string          `json:"publicKey,omitempty"`
	Version   string          `json:"version,omitempty"`
	ErrorCode json.Number     `json:"errorCode,omitempty"`
	Error     string          `json:"error,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

func parseInboundEnvelope(payload []byte) (inboundEnvelope, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return inboundEnvelope{}, err
	}
	env.Raw = payload
	return env, nil
}

// hasFailureSignal reports whether env represents a wire-level failure per
// the success gate: success:false, or errorCode/error present without an
// explicit success:true. A present errorCode of 0 is treated as success
// (see package doc for the open-question resolution this implements).
func (env inboundEnvelope) hasFailureSignal() bool {
	if env.Success != nil && !*env.Success {
		return true
	}
	if env.Success != nil && *env.Success {
		return false
	}
	if env.Error != "" {
		return true
	}
	if env.ErrorCode != "" {
		code, err := env.ErrorCode.Int64()
		if err != nil || code != 0 {
			return true
		}
	}
	return false
}
