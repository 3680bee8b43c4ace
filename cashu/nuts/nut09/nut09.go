// Package nut09 holds the types for the signature restore endpoint.
// See https://github.com/cashubtc/nuts/blob/main/09.md
package nut09

import "github.com/cashtill/cashtill/cashu"

type PostRestoreRequest struct {
	Outputs cashu.BlindedMessages `json:"outputs"`
}

// PostRestoreResponse echoes back the subset of outputs the mint has ever
// signed, in request order, together with the signatures it issued for them.
type PostRestoreResponse struct {
	Outputs    cashu.BlindedMessages   `json:"outputs"`
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
