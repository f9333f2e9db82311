package tgui

import (
	"strings"
)

// CallbackData is a parsed "scope:action:payload" token.
type CallbackData struct {
	Scope   string
	Action  string
	Payload string
}

func (d CallbackData) String() string { return Data(d.Scope, d.Action, d.Payload) }

// Data formats inline callback data as "scope:action[:payload]".
// The payload is kept as-is and may itself contain ':'.
func Data(scope, action, payload string) string {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	if payload == "" {
		return scope + ":" + action
	}
	return scope + ":" + action + ":" + payload
}

// CheckedData is Data plus the Telegram size check.
func CheckedData(scope, action, payload string) (string, error) {
	s := Data(scope, action, payload)
	if len(s) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return s, nil
}

// ParseData splits raw callback data. Scope and action are required.
func ParseData(raw string) (CallbackData, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > MaxCallbackDataLen {
		return CallbackData{}, ErrCallbackDataInvalid
	}
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return CallbackData{}, ErrCallbackDataInvalid
	}
	d := CallbackData{Scope: parts[0], Action: parts[1]}
	if len(parts) == 3 {
		d.Payload = parts[2]
	}
	return d, nil
}
