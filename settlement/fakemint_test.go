package settlement

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/cashu/nuts/nut01"
	"github.com/cashtill/cashtill/cashu/nuts/nut02"
	"github.com/cashtill/cashtill/cashu/nuts/nut03"
	"github.com/cashtill/cashtill/cashu/nuts/nut04"
	"github.com/cashtill/cashtill/cashu/nuts/nut05"
	"github.com/cashtill/cashtill/cashu/nuts/nut07"
	"github.com/cashtill/cashtill/cashu/nuts/nut09"
	"github.com/cashtill/cashtill/crypto"
	"github.com/cashtill/cashtill/lightning"
	"github.com/cashtill/cashtill/mintclient"
	"github.com/cashtill/cashtill/storage"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/google/uuid"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/sirupsen/logrus"
	"github.com/tyler-smith/go-bip39"
)

// fakeMint implements MintAPI in-process with a real signing keyset, so the
// engines run the full blind-sign-unblind path without a network. Faults are
// injected per call through the err fields.
type fakeMint struct {
	mu sync.Mutex

	url        string
	keyset     *crypto.MintKeyset
	feeReserve uint64
	// portion of the fee reserve the mint "spends" on routing; the rest
	// comes back as change
	actualFee uint64

	// the merchant node; melts settle invoices here by payment hash
	merchantNode *lightning.FakeBackend
	// the mint's own node, used to issue mint quote invoices
	mintNode *lightning.FakeBackend
	// millisatoshis one token unit buys when quoting mints
	unitPriceMsat uint64

	spent      map[string]bool
	signed     map[string]cashu.BlindedSignature
	meltQuotes map[string]*nut05.PostMeltQuoteBolt11Response
	// quote id to payment hash on the merchant node
	meltQuoteHash map[string]string

	swapErr error
	// perform the swap, then report a transport failure
	swapErrAfterProcess bool
	// return this many fewer signatures than outputs
	dropSignatures int
	meltErr        error
	// perform the melt, then report a transport failure
	meltErrButPaid  bool
	checkStatesErr error
	restoreErr     error
	// called at the start of every restore request, before processing
	restoreHook     func()
	meltQuoteCalls  int
	checkStateCalls int
	restoreCalls    int
}

func newFakeMint(merchantNode *lightning.FakeBackend) *fakeMint {
	return &fakeMint{
		url:           "http://127.0.0.1:3338",
		keyset:        crypto.GenerateKeyset("fakemintseed", "0/0/0", 100),
		feeReserve:    2,
		actualFee:     1,
		merchantNode:  merchantNode,
		mintNode:      lightning.NewFakeBackend(),
		unitPriceMsat: 1000,
		spent:         make(map[string]bool),
		signed:        make(map[string]cashu.BlindedSignature),
		meltQuotes:    make(map[string]*nut05.PostMeltQuoteBolt11Response),
		meltQuoteHash: make(map[string]string),
	}
}

func transportFault(op string) error {
	return &mintclient.TransportError{Op: op, Err: fmt.Errorf("connection reset by peer")}
}

func (f *fakeMint) GetActiveKeysets(ctx context.Context, mintURL string) (*nut01.GetKeysResponse, error) {
	return &nut01.GetKeysResponse{Keysets: []nut01.Keyset{{
		Id:   f.keyset.Id,
		Unit: f.keyset.Unit,
		Keys: f.keyset.PublicKeys(),
	}}}, nil
}

func (f *fakeMint) GetKeysetById(ctx context.Context, mintURL, id string) (*nut01.GetKeysResponse, error) {
	if id != f.keyset.Id {
		return nil, cashu.BuildCashuError("keyset does not exist", cashu.UnknownKeysetErrCode)
	}
	return f.GetActiveKeysets(ctx, mintURL)
}

func (f *fakeMint) GetKeysets(ctx context.Context, mintURL string) (*nut02.GetKeysetsResponse, error) {
	return &nut02.GetKeysetsResponse{Keysets: []nut02.Keyset{{
		Id:          f.keyset.Id,
		Unit:        f.keyset.Unit,
		Active:      f.keyset.Active,
		InputFeePpk: f.keyset.InputFeePpk,
	}}}, nil
}

func (f *fakeMint) CreateMintQuote(ctx context.Context, mintURL string,
	request nut04.PostMintQuoteBolt11Request) (*nut04.PostMintQuoteBolt11Response, error) {

	f.mu.Lock()
	unitPriceMsat := f.unitPriceMsat
	f.mu.Unlock()

	sats := request.Amount * unitPriceMsat / 1000
	invoice, err := f.mintNode.CreateInvoice(ctx, sats, "", time.Minute*10)
	if err != nil {
		return nil, err
	}
	return &nut04.PostMintQuoteBolt11Response{
		Quote:   uuid.NewString(),
		Request: invoice.PaymentRequest,
		State:   nut04.Unpaid,
		Expiry:  uint64(time.Now().Add(time.Minute * 10).Unix()),
	}, nil
}

func (f *fakeMint) CreateMeltQuote(ctx context.Context, mintURL string,
	request nut05.PostMeltQuoteBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {

	bolt11, err := decodepay.Decodepay(request.Request)
	if err != nil {
		return nil, cashu.BuildCashuError("invalid payment request", cashu.StandardErrCode)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.meltQuoteCalls++

	quote := &nut05.PostMeltQuoteBolt11Response{
		Quote:      uuid.NewString(),
		Amount:     uint64(bolt11.MSatoshi) / 1000,
		FeeReserve: f.feeReserve,
		State:      nut05.Unpaid,
		Expiry:     uint64(time.Now().Add(time.Minute * 10).Unix()),
	}
	f.meltQuotes[quote.Quote] = quote
	f.meltQuoteHash[quote.Quote] = bolt11.PaymentHash
	return quote, nil
}

func (f *fakeMint) GetMeltQuoteState(ctx context.Context, mintURL, quoteId string) (*nut05.PostMeltQuoteBolt11Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	quote, ok := f.meltQuotes[quoteId]
	if !ok {
		return nil, cashu.BuildCashuError("quote not found", cashu.StandardErrCode)
	}
	copied := *quote
	return &copied, nil
}

func (f *fakeMint) Swap(ctx context.Context, mintURL string, request nut03.PostSwapRequest) (*nut03.PostSwapResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.swapErr != nil {
		err := f.swapErr
		f.swapErr = nil
		return nil, err
	}

	if err := f.spendInputs(request.Inputs); err != nil {
		return nil, err
	}

	signatures := make(cashu.BlindedSignatures, 0, len(request.Outputs))
	for _, output := range request.Outputs {
		signature, err := f.signOutput(output, output.Amount)
		if err != nil {
			return nil, err
		}
		signatures = append(signatures, signature)
	}

	if f.swapErrAfterProcess {
		f.swapErrAfterProcess = false
		return nil, transportFault("swap")
	}
	if f.dropSignatures > 0 && f.dropSignatures < len(signatures) {
		signatures = signatures[:len(signatures)-f.dropSignatures]
	}
	return &nut03.PostSwapResponse{Signatures: signatures}, nil
}

func (f *fakeMint) Melt(ctx context.Context, mintURL string, request nut05.PostMeltBolt11Request) (*nut05.PostMeltQuoteBolt11Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.meltErr != nil {
		err := f.meltErr
		f.meltErr = nil
		return nil, err
	}

	quote, ok := f.meltQuotes[request.Quote]
	if !ok {
		return nil, cashu.BuildCashuError("quote not found", cashu.StandardErrCode)
	}
	if request.Inputs.Amount() < quote.Amount+f.actualFee {
		return nil, cashu.BuildCashuError("insufficient inputs for melt", cashu.StandardErrCode)
	}
	if err := f.spendInputs(request.Inputs); err != nil {
		return nil, err
	}

	if err := f.merchantNode.SettleInvoice(f.meltQuoteHash[request.Quote]); err != nil {
		return nil, cashu.BuildCashuError("payment failed", cashu.StandardErrCode)
	}

	change := cashu.BlindedSignatures{}
	overpaid := quote.FeeReserve - f.actualFee
	if overpaid > 0 && len(request.Outputs) > 0 {
		changeAmounts := cashu.AmountSplit(overpaid)
		if len(changeAmounts) > len(request.Outputs) {
			changeAmounts = changeAmounts[:len(request.Outputs)]
		}
		for i, amount := range changeAmounts {
			signature, err := f.signOutput(request.Outputs[i], amount)
			if err != nil {
				return nil, err
			}
			change = append(change, signature)
		}
	}

	quote.State = nut05.Paid
	quote.Preimage = "fakepreimage"
	quote.Change = change

	if f.meltErrButPaid {
		f.meltErrButPaid = false
		return nil, transportFault("melt")
	}
	copied := *quote
	return &copied, nil
}

func (f *fakeMint) CheckProofStates(ctx context.Context, mintURL string, request nut07.PostCheckStateRequest) (*nut07.PostCheckStateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkStateCalls++

	if f.checkStatesErr != nil {
		err := f.checkStatesErr
		f.checkStatesErr = nil
		return nil, err
	}

	states := make([]nut07.ProofState, len(request.Ys))
	for i, Y := range request.Ys {
		state := nut07.Unspent
		if f.spent[Y] {
			state = nut07.Spent
		}
		states[i] = nut07.ProofState{Y: Y, State: state}
	}
	return &nut07.PostCheckStateResponse{States: states}, nil
}

func (f *fakeMint) Restore(ctx context.Context, mintURL string, request nut09.PostRestoreRequest) (*nut09.PostRestoreResponse, error) {
	f.mu.Lock()
	f.restoreCalls++
	hook := f.restoreHook
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.restoreErr != nil {
		err := f.restoreErr
		f.restoreErr = nil
		return nil, err
	}

	response := &nut09.PostRestoreResponse{}
	for _, output := range request.Outputs {
		if signature, ok := f.signed[output.B_]; ok {
			response.Outputs = append(response.Outputs, output)
			response.Signatures = append(response.Signatures, signature)
		}
	}
	return response, nil
}

// spendInputs verifies each proof against the keyset's private keys and
// marks its Y spent. Callers hold the lock.
func (f *fakeMint) spendInputs(inputs cashu.Proofs) error {
	Ys := make([]string, len(inputs))
	for i, proof := range inputs {
		keyPair, ok := f.keyset.Keys[proof.Amount]
		if !ok {
			return cashu.BuildCashuError("unknown amount", cashu.StandardErrCode)
		}
		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return cashu.BuildCashuError("invalid proof", cashu.StandardErrCode)
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return cashu.BuildCashuError("invalid proof", cashu.StandardErrCode)
		}
		if !crypto.Verify(proof.Secret, keyPair.PrivateKey, C) {
			return cashu.BuildCashuError("invalid proof signature", cashu.StandardErrCode)
		}

		Y, err := crypto.HashToCurve([]byte(proof.Secret))
		if err != nil {
			return cashu.BuildCashuError("invalid proof", cashu.StandardErrCode)
		}
		Ys[i] = hex.EncodeToString(Y.SerializeCompressed())
		if f.spent[Ys[i]] {
			return cashu.BuildCashuError("proof already used", cashu.ProofAlreadyUsedErrCode)
		}
	}
	for _, Y := range Ys {
		f.spent[Y] = true
	}
	return nil
}

// signOutput signs a blinded message with the key for the given amount and
// attaches a DLEQ proof. Callers hold the lock.
func (f *fakeMint) signOutput(output cashu.BlindedMessage, amount uint64) (cashu.BlindedSignature, error) {
	keyPair, ok := f.keyset.Keys[amount]
	if !ok {
		return cashu.BlindedSignature{}, cashu.BuildCashuError("unknown amount", cashu.StandardErrCode)
	}

	Bbytes, err := hex.DecodeString(output.B_)
	if err != nil {
		return cashu.BlindedSignature{}, cashu.BuildCashuError("invalid blinded message", cashu.StandardErrCode)
	}
	B_, err := secp256k1.ParsePubKey(Bbytes)
	if err != nil {
		return cashu.BlindedSignature{}, cashu.BuildCashuError("invalid blinded message", cashu.StandardErrCode)
	}

	C_ := crypto.SignBlindedMessage(B_, keyPair.PrivateKey)
	e, s, err := crypto.GenerateDLEQ(keyPair.PrivateKey, B_, C_)
	if err != nil {
		return cashu.BlindedSignature{}, err
	}

	signature := cashu.BlindedSignature{
		Amount: amount,
		C_:     hex.EncodeToString(C_.SerializeCompressed()),
		Id:     f.keyset.Id,
		DLEQ: &cashu.DLEQProof{
			E: hex.EncodeToString(e.Serialize()),
			S: hex.EncodeToString(s.Serialize()),
		},
	}
	f.signed[output.B_] = signature
	return signature, nil
}

// mintProofs issues fresh proofs directly, the way a customer wallet would
// hold them before paying the merchant.
func (f *fakeMint) mintProofs(t *testing.T, amounts []uint64) cashu.Proofs {
	t.Helper()

	proofs := make(cashu.Proofs, len(amounts))
	for i, amount := range amounts {
		r, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			t.Fatalf("generating blinding factor: %v", err)
		}
		secret := uuid.NewString()
		B_, r, err := crypto.BlindMessage(secret, r)
		if err != nil {
			t.Fatalf("blinding message: %v", err)
		}

		keyPair := f.keyset.Keys[amount]
		C_ := crypto.SignBlindedMessage(B_, keyPair.PrivateKey)
		C := crypto.UnblindSignature(C_, r, keyPair.PublicKey)

		proofs[i] = cashu.Proof{
			Amount: amount,
			Id:     f.keyset.Id,
			Secret: secret,
			C:      hex.EncodeToString(C.SerializeCompressed()),
		}
	}
	return proofs
}

type registeredPayment struct {
	invoiceId string
	amount    uint64
}

type fakeSink struct {
	mu       sync.Mutex
	payments []registeredPayment
}

func (s *fakeSink) RegisterPayment(invoiceId string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = append(s.payments, registeredPayment{invoiceId: invoiceId, amount: amount})
	return nil
}

func (s *fakeSink) registered() []registeredPayment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]registeredPayment{}, s.payments...)
}

// testEnv wires a bolt store, a fake mint and a fake merchant node into the
// settlement components under test.
type testEnv struct {
	mint     *fakeMint
	node     *lightning.FakeBackend
	store    *storage.BoltDB
	registry *KeysetRegistry
	deriver  *OutputDeriver
	sink     *fakeSink
	logger   *logrus.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.InitBolt(t.TempDir())
	if err != nil {
		t.Fatalf("initializing store: %v", err)
	}

	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		t.Fatalf("generating entropy: %v", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		t.Fatalf("generating mnemonic: %v", err)
	}
	if err := store.SaveMnemonicSeed(mnemonic, bip39.NewSeed(mnemonic, "")); err != nil {
		t.Fatalf("saving seed: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	node := lightning.NewFakeBackend()
	mint := newFakeMint(node)
	registry := NewKeysetRegistry(mint, store, logger)

	return &testEnv{
		mint:     mint,
		node:     node,
		store:    store,
		registry: registry,
		deriver:  NewOutputDeriver(store),
		sink:     &fakeSink{},
		logger:   logger,
	}
}
