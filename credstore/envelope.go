// Package credstore provides persisted credential store backends for
// echolink: a JSON file watched with fsnotify for cross-process change
// notification, and a Redis key paired with a pub/sub channel. Both store
// the token inside a shared envelope and preserve unrelated envelope fields
// on every write.
package credstore

import "encoding/json"

// The envelope is the persisted document: a top-level object with a "state"
// field holding at least {"token": "..."}. Other fields, at both levels,
// belong to other features and must survive our writes.

type envelope map[string]json.RawMessage

// tokenFromEnvelope extracts the token. Any malformed layer reads as
// absent; storage corruption must never surface as a fatal error.
func tokenFromEnvelope(data []byte) (string, bool) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", false
	}
	var state map[string]json.RawMessage
	if err := json.Unmarshal(env["state"], &state); err != nil {
		return "", false
	}
	var token string
	if err := json.Unmarshal(state["token"], &token); err != nil {
		return "", false
	}
	if token == "" {
		return "", false
	}
	return token, true
}

// updateEnvelope sets or removes (token == nil) the token in the envelope,
// preserving every other field. Malformed existing data is replaced with a
// fresh envelope rather than propagated.
func updateEnvelope(data []byte, token *string) ([]byte, error) {
	env := envelope{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &env); err != nil {
			env = envelope{}
		}
	}
	state := map[string]json.RawMessage{}
	if raw, ok := env["state"]; ok {
		if err := json.Unmarshal(raw, &state); err != nil {
			state = map[string]json.RawMessage{}
		}
	}

	if token == nil {
		delete(state, "token")
	} else {
		enc, err := json.Marshal(*token)
		if err != nil {
			return nil, err
		}
		state["token"] = enc
	}

	rawState, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	env["state"] = rawState
	return json.Marshal(env)
}
