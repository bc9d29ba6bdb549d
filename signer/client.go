package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elnosh/paynode/paynet"
)

// Client talks to a remote signer daemon over its HTTP surface.
type Client struct {
	signerURL  string
	httpClient *http.Client
}

func NewClient(signerURL string) *Client {
	return &Client{
		signerURL:  signerURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type declareRequest struct {
	Unit     string `json:"unit"`
	Index    uint32 `json:"index"`
	MaxOrder uint   `json:"max_order"`
}

type signRequest struct {
	Messages paynet.BlindedMessages `json:"messages"`
}

type signResponse struct {
	Signatures paynet.BlindedSignatures `json:"signatures"`
}

type verifyRequest struct {
	Proofs paynet.Proofs `json:"proofs"`
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

func (c *Client) DeclareKeyset(ctx context.Context, unit string, index uint32, maxOrder uint) (*DeclaredKeyset, error) {
	var keyset DeclaredKeyset
	req := declareRequest{Unit: unit, Index: index, MaxOrder: maxOrder}
	if err := c.post(ctx, "/v1/declare", req, &keyset); err != nil {
		return nil, err
	}
	return &keyset, nil
}

func (c *Client) SignBlindedMessages(ctx context.Context, messages paynet.BlindedMessages) (paynet.BlindedSignatures, error) {
	var res signResponse
	if err := c.post(ctx, "/v1/sign", signRequest{Messages: messages}, &res); err != nil {
		return nil, err
	}
	return res.Signatures, nil
}

func (c *Client) VerifyProofs(ctx context.Context, proofs paynet.Proofs) (bool, error) {
	var res verifyResponse
	if err := c.post(ctx, "/v1/verify", verifyRequest{Proofs: proofs}, &res); err != nil {
		return false, err
	}
	return res.Valid, nil
}

func (c *Client) post(ctx context.Context, path string, reqBody, resBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.signerURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error making request to signer: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var signerErr paynet.Error
		if err := json.Unmarshal(body, &signerErr); err == nil && signerErr.Detail != "" {
			return signerErr
		}
		return fmt.Errorf("signer returned status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, resBody); err != nil {
		return fmt.Errorf("error reading response from signer: %v", err)
	}
	return nil
}
