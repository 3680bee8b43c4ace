package mintclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cashtill/cashtill/cashu"
	"github.com/cashtill/cashtill/cashu/nuts/nut03"
	"github.com/cashtill/cashtill/cashu/nuts/nut07"
)

func TestNormalizeMintURL(t *testing.T) {
	tests := []struct {
		url      string
		expected string
		valid    bool
	}{
		{"https://mint.example.com/", "https://mint.example.com", true},
		{"https://Mint.Example.com/cashu/", "https://mint.example.com/cashu", true},
		{"  http://localhost:3338 ", "http://localhost:3338", true},
		{"ftp://mint.example.com", "", false},
		{"not a url", "", false},
		{"https://", "", false},
	}

	for _, test := range tests {
		normalized, err := NormalizeMintURL(test.url)
		if test.valid {
			if err != nil {
				t.Errorf("unexpected error for '%v': %v", test.url, err)
				continue
			}
			if normalized != test.expected {
				t.Errorf("expected '%v' but got '%v' instead", test.expected, normalized)
			}
		} else if err == nil {
			t.Errorf("expected error for '%v' but got '%v'", test.url, normalized)
		}
	}
}

func TestMintRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"Token already spent.","code":11001}`))
	}))
	defer server.Close()

	client := New()
	_, err := client.Swap(context.Background(), server.URL, nut03.PostSwapRequest{})
	if err == nil {
		t.Fatal("expected error from mint")
	}

	var mintErr *cashu.Error
	if !errors.As(err, &mintErr) {
		t.Fatalf("expected cashu.Error but got %T: %v", err, err)
	}
	if mintErr.Code != cashu.ProofAlreadyUsedErrCode {
		t.Errorf("expected code %v but got %v", cashu.ProofAlreadyUsedErrCode, mintErr.Code)
	}
}

func TestTransportFault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := New()
	_, err := client.Swap(context.Background(), server.URL, nut03.PostSwapRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError for 502 but got %T: %v", err, err)
	}

	// unreachable mint
	_, err = client.CheckProofStates(context.Background(), "http://127.0.0.1:1", nut07.PostCheckStateRequest{})
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError for unreachable mint but got %T: %v", err, err)
	}
}

func TestUndecodableSuccessBody(t *testing.T) {
	// a proxy answering 200 with HTML instead of the mint's JSON; the swap
	// may well have gone through, so the error must read as indeterminate
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>gateway</body></html>"))
	}))
	defer server.Close()

	client := New()
	_, err := client.Swap(context.Background(), server.URL, nut03.PostSwapRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError for undecodable 200 body but got %T: %v", err, err)
	}
}

func TestCheckProofStates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkstate" {
			t.Errorf("unexpected path '%v'", r.URL.Path)
		}
		w.Write([]byte(`{"states":[{"Y":"02deadbeef","state":"SPENT"}]}`))
	}))
	defer server.Close()

	client := New()
	stateRes, err := client.CheckProofStates(context.Background(), server.URL, nut07.PostCheckStateRequest{
		Ys: []string{"02deadbeef"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stateRes.States) != 1 {
		t.Fatalf("expected 1 state but got %v", len(stateRes.States))
	}
	if stateRes.States[0].State != nut07.Spent {
		t.Errorf("expected SPENT but got '%v'", stateRes.States[0].State)
	}
}
