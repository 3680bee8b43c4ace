package lightning

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

type LndConfig struct {
	// REST host, e.g. https://localhost:8080
	Host         string
	TLSCertPath  string
	MacaroonPath string
}

// LndClient talks to an lnd node over its REST API. It implements Client
// for the invoice-receiving side the settlement engine needs.
type LndClient struct {
	host       string
	macaroon   string
	httpClient *http.Client
}

func NewLndClient(config LndConfig) (*LndClient, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("lnd host cannot be empty")
	}

	macaroonBytes, err := os.ReadFile(config.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("error reading macaroon: %v", err)
	}

	cert, err := os.ReadFile(config.TLSCertPath)
	if err != nil {
		return nil, fmt.Errorf("error reading tls cert: %v", err)
	}
	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(cert) {
		return nil, fmt.Errorf("invalid tls cert at %v", config.TLSCertPath)
	}

	return &LndClient{
		host:     strings.TrimSuffix(config.Host, "/"),
		macaroon: hex.EncodeToString(macaroonBytes),
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: certPool},
			},
		},
	}, nil
}

func (lnd *LndClient) do(req *http.Request, response any) error {
	req.Header.Add("Grpc-Metadata-macaroon", lnd.macaroon)
	resp, err := lnd.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lnd returned status %v", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(response)
}

func (lnd *LndClient) CreateInvoice(ctx context.Context, amount uint64, memo string, expiry time.Duration) (Invoice, error) {
	body, err := json.Marshal(map[string]any{
		"value":  amount,
		"memo":   memo,
		"expiry": int64(expiry.Seconds()),
	})
	if err != nil {
		return Invoice{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		lnd.host+"/v1/invoices", bytes.NewBuffer(body))
	if err != nil {
		return Invoice{}, err
	}

	var res struct {
		PaymentRequest string `json:"payment_request"`
		RHash          string `json:"r_hash"`
	}
	if err := lnd.do(req, &res); err != nil {
		return Invoice{}, fmt.Errorf("lnd create invoice: %v", err)
	}

	return Invoice{
		Id:             res.RHash,
		PaymentRequest: res.PaymentRequest,
		PaymentHash:    res.RHash,
		Amount:         amount,
		Status:         Unpaid,
		ExpiresAt:      time.Now().Add(expiry),
	}, nil
}

func (lnd *LndClient) InvoiceStatus(ctx context.Context, id string) (Invoice, error) {
	// r_hash is base64, the lookup endpoint wants the url-safe alphabet
	hash := strings.ReplaceAll(strings.ReplaceAll(id, "/", "_"), "+", "-")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		lnd.host+"/v2/invoices/lookup?payment_hash="+hash, nil)
	if err != nil {
		return Invoice{}, err
	}

	var res struct {
		PaymentRequest string `json:"payment_request"`
		State          string `json:"state"`
		Value          string `json:"value"`
		CreationDate   string `json:"creation_date"`
		Expiry         string `json:"expiry"`
	}
	if err := lnd.do(req, &res); err != nil {
		return Invoice{}, fmt.Errorf("lnd lookup invoice: %v", err)
	}

	status := Unpaid
	switch res.State {
	case "SETTLED":
		status = Paid
	case "CANCELED":
		status = Expired
	}

	amount, _ := strconv.ParseUint(res.Value, 10, 64)
	created, _ := strconv.ParseInt(res.CreationDate, 10, 64)
	expirySecs, _ := strconv.ParseInt(res.Expiry, 10, 64)
	invoice := Invoice{
		Id:             id,
		PaymentRequest: res.PaymentRequest,
		PaymentHash:    id,
		Amount:         amount,
		Status:         status,
		ExpiresAt:      time.Unix(created+expirySecs, 0),
	}
	if status == Unpaid && time.Now().After(invoice.ExpiresAt) {
		invoice.Status = Expired
	}
	return invoice, nil
}
