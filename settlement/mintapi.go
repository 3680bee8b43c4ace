package settlement

import (
	"context"

	"github.com/cashtill/cashtill/cashu/nuts/nut01"
	"github.com/cashtill/cashtill/cashu/nuts/nut02"
	"github.com/cashtill/cashtill/cashu/nuts/nut03"
	"github.com/cashtill/cashtill/cashu/nuts/nut04"
	"github.com/cashtill/cashtill/cashu/nuts/nut05"
	"github.com/cashtill/cashtill/cashu/nuts/nut07"
	"github.com/cashtill/cashtill/cashu/nuts/nut09"
)

// MintAPI is the slice of the mint interface the engines consume,
// implemented by mintclient.Client. Implementations must preserve the
// transport-vs-protocol error classification: a *cashu.Error is a definite
// rejection, a *mintclient.TransportError an indeterminate outcome.
type MintAPI interface {
	GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error)
	GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error)
	GetKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error)
	CreateMintQuote(ctx context.Context, mintURL string, request nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error)
	CreateMeltQuote(ctx context.Context, mintURL string, request nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error)
	Swap(ctx context.Context, mintURL string, request nut03.PostSwapRequest) (*nut03.PostSwapResponse, error)
	Melt(ctx context.Context, mintURL string, request nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error)
	CheckProofStates(ctx context.Context, mintURL string, request nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error)
	Restore(ctx context.Context, mintURL string, request nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error)
}
