// Package mintclient implements the HTTP client for the subset of the mint
// REST interface the settlement engine uses. Errors are split into two
// classes: an explicit mint rejection decodes into a cashu.Error, anything
// where the outcome at the mint is unknowable becomes a TransportError.
package mintclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/cashu/nuts/nut01"
	"github.com/cashtill/cashtill/cashu/nuts/nut02"
	"github.com/cashtill/cashtill/cashu/nuts/nut03"
	"github.com/cashtill/cashtill/cashu/nuts/nut04"
	"github.com/cashtill/cashtill/cashu/nuts/nut05"
	"github.com/cashtill/cashtill/cashu/nuts/nut06"
	"github.com/cashtill/cashtill/cashu/nuts/nut07"
	"github.com/cashtill/cashtill/cashu/nuts/nut09"
)

// Timeouts by operation class. Metadata lookups should be snappy, proof
// mutating calls can take as long as the mint needs, and melts additionally
// wait on a Lightning payment.
const (
	metadataTimeout = 10 * time.Second
	proofOpTimeout  = 1 * time.Minute
	meltTimeout     = 5 * time.Minute
)

// TransportError marks a request that failed without a definitive answer
// from the mint. The mint may or may not have processed the inputs, so the
// caller has to treat the operation as indeterminate.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NormalizeMintURL canonicalizes a mint URL so that the same mint always
// maps to the same registry key.
func NormalizeMintURL(mintURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(mintURL))
	if err != nil {
		return "", fmt.Errorf("invalid mint url: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("invalid mint url scheme: %v", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("invalid mint url: missing host")
	}
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Path = strings.TrimSuffix(parsed.Path, "/")
	parsed.Fragment = ""
	return parsed.String(), nil
}

type Client struct {
	httpClient *http.Client
}

func New() *Client {
	return &Client{httpClient: &http.Client{}}
}

func (c *Client) GetMintInfo(ctx context.Context, mintURL string) (*nut06.MintInfo, error) {
	var info nut06.MintInfo
	if err := c.get(ctx, mintURL+"/v1/info", metadataTimeout, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error) {
	var keysRes nut01.GetKeysResponse
	if err := c.get(ctx, mintURL+"/v1/keys", metadataTimeout, &keysRes); err != nil {
		return nil, err
	}
	return &keysRes, nil
}

func (c *Client) GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error) {
	var keysRes nut01.GetKeysResponse
	if err := c.get(ctx, mintURL+"/v1/keys/"+id, metadataTimeout, &keysRes); err != nil {
		return nil, err
	}
	return &keysRes, nil
}

func (c *Client) GetKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error) {
	var keysetsRes nut02.GetKeysetsResponse
	if err := c.get(ctx, mintURL+"/v1/keysets", metadataTimeout, &keysetsRes); err != nil {
		return nil, err
	}
	return &keysetsRes, nil
}

func (c *Client) CreateMintQuote(ctx context.Context, mintURL string, request nut04.PostMintQuoteBolt11Request) (
	*nut04.PostMintQuoteBolt11Response, error) {
	var quoteRes nut04.PostMintQuoteBolt11Response
	if err := c.post(ctx, mintURL+"/v1/mint/quote/bolt11", metadataTimeout, request, &quoteRes); err != nil {
		return nil, err
	}
	return &quoteRes, nil
}

func (c *Client) CreateMeltQuote(ctx context.Context, mintURL string, request nut05.PostMeltQuoteBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var quoteRes nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, mintURL+"/v1/melt/quote/bolt11", metadataTimeout, request, &quoteRes); err != nil {
		return nil, err
	}
	return &quoteRes, nil
}

func (c *Client) GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var quoteRes nut05.PostMeltQuoteBolt11Response
	if err := c.get(ctx, mintURL+"/v1/melt/quote/bolt11/"+quoteId, metadataTimeout, &quoteRes); err != nil {
		return nil, err
	}
	return &quoteRes, nil
}

func (c *Client) Swap(ctx context.Context, mintURL string, request nut03.PostSwapRequest) (
	*nut03.PostSwapResponse, error) {
	var swapRes nut03.PostSwapResponse
	if err := c.post(ctx, mintURL+"/v1/swap", proofOpTimeout, request, &swapRes); err != nil {
		return nil, err
	}
	return &swapRes, nil
}

func (c *Client) Melt(ctx context.Context, mintURL string, request nut05.PostMeltBolt11Request) (
	*nut05.PostMeltQuoteBolt11Response, error) {
	var meltRes nut05.PostMeltQuoteBolt11Response
	if err := c.post(ctx, mintURL+"/v1/melt/bolt11", meltTimeout, request, &meltRes); err != nil {
		return nil, err
	}
	return &meltRes, nil
}

func (c *Client) CheckProofStates(ctx context.Context, mintURL string, request nut07.PostCheckStateRequest) (
	*nut07.PostCheckStateResponse, error) {
	var stateRes nut07.PostCheckStateResponse
	if err := c.post(ctx, mintURL+"/v1/checkstate", proofOpTimeout, request, &stateRes); err != nil {
		return nil, err
	}
	return &stateRes, nil
}

func (c *Client) Restore(ctx context.Context, mintURL string, request nut09.PostRestoreRequest) (
	*nut09.PostRestoreResponse, error) {
	var restoreRes nut09.PostRestoreResponse
	if err := c.post(ctx, mintURL+"/v1/restore", proofOpTimeout, request, &restoreRes); err != nil {
		return nil, err
	}
	return &restoreRes, nil
}

func (c *Client) get(ctx context.Context, url string, timeout time.Duration, response any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &TransportError{Op: "GET " + url, Err: err}
	}
	return c.do(req, response)
}

func (c *Client) post(ctx context.Context, url string, timeout time.Duration, request, response any) error {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("json.Marshal: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(requestBody))
	if err != nil {
		return &TransportError{Op: "POST " + url, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, response)
}

func (c *Client) do(req *http.Request, response any) error {
	op := req.Method + " " + req.URL.String()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}

	if resp.StatusCode == http.StatusBadRequest {
		var mintErr cashu.Error
		if err := json.Unmarshal(body, &mintErr); err == nil && mintErr.Code != 0 {
			return &mintErr
		}
		return cashu.BuildCashuError(string(body), cashu.StandardErrCode)
	}
	if resp.StatusCode >= 300 {
		return &TransportError{
			Op:  op,
			Err: fmt.Errorf("mint responded with %v: %s", resp.StatusCode, body),
		}
	}

	if err := json.Unmarshal(body, response); err != nil {
		// a success status with an unreadable body leaves the outcome unknowable
		return &TransportError{Op: op, Err: fmt.Errorf("error reading response from mint: %v", err)}
	}
	return nil
}
