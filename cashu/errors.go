package cashu

type CashuErrCode int

// Error represents an explicit rejection returned by a mint. A mint that
// answers with one of these has refused the operation before consuming any
// inputs, which is what separates it from a transport fault.
type Error struct {
	Detail string       `json:"detail"`
	Code   CashuErrCode `json:"code"`
}

func BuildCashuError(detail string, code CashuErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

// Error codes the wallet side cares about.
// See https://github.com/cashubtc/nuts/blob/main/error_codes.md
const (
	StandardErrCode CashuErrCode = 10000

	BlindedMessageAlreadySignedErrCode CashuErrCode = 10002
	InvalidProofErrCode                CashuErrCode = 10003
	ProofAlreadyUsedErrCode            CashuErrCode = 11001
	InsufficientProofAmountErrCode     CashuErrCode = 11002
	UnitErrCode                        CashuErrCode = 11005

	UnknownKeysetErrCode  CashuErrCode = 12001
	InactiveKeysetErrCode CashuErrCode = 12002

	MintQuoteRequestNotPaidErrCode CashuErrCode = 20001
	MeltQuotePendingErrCode        CashuErrCode = 20005
	MeltQuoteAlreadyPaidErrCode    CashuErrCode = 20006
	MeltQuoteErrCode               CashuErrCode = 20009
)
