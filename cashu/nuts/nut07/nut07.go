// Package nut07 holds the types for the proof state check endpoint.
// See https://github.com/cashubtc/nuts/blob/main/07.md
package nut07

import (
	"encoding/json"
	"errors"
)

type State int

const (
	Unspent State = iota
	Pending
	Spent
	Unknown
)

func (state State) String() string {
	switch state {
	case Unspent:
		return "UNSPENT"
	case Pending:
		return "PENDING"
	case Spent:
		return "SPENT"
	default:
		return "unknown"
	}
}

func StringToState(state string) State {
	switch state {
	case "UNSPENT":
		return Unspent
	case "PENDING":
		return Pending
	case "SPENT":
		return Spent
	}
	return Unknown
}

type PostCheckStateRequest struct {
	Ys []string `json:"Ys"`
}

type PostCheckStateResponse struct {
	States []ProofState `json:"states"`
}

// ProofState reports the mint's view of one proof, keyed by Y, the
// hash-to-curve point of the proof secret.
type ProofState struct {
	Y       string `json:"Y"`
	State   State  `json:"state"`
	Witness string `json:"witness,omitempty"`
}

func (proofState *ProofState) UnmarshalJSON(data []byte) error {
	var temp struct {
		Y       string `json:"Y"`
		State   string `json:"state"`
		Witness string `json:"witness"`
	}
	if err := json.Unmarshal(data, &temp); err != nil {
		return err
	}

	state := StringToState(temp.State)
	if state == Unknown {
		return errors.New("invalid state")
	}

	proofState.Y = temp.Y
	proofState.State = state
	proofState.Witness = temp.Witness
	return nil
}

func (proofState ProofState) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Y       string `json:"Y"`
		State   string `json:"state"`
		Witness string `json:"witness,omitempty"`
	}{
		Y:       proofState.Y,
		State:   proofState.State.String(),
		Witness: proofState.Witness,
	})
}
