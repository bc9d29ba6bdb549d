package wallet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/elnosh/paynode/paynet"
)

func GetNodeInfo(nodeURL string) (*paynet.InfoResponse, error) {
	var info paynet.InfoResponse
	if err := httpGet(nodeURL+"/v1/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func GetAllKeysets(nodeURL string) (*paynet.GetKeysetsResponse, error) {
	var keysets paynet.GetKeysetsResponse
	if err := httpGet(nodeURL+"/v1/keysets", &keysets); err != nil {
		return nil, err
	}
	return &keysets, nil
}

func GetActiveKeysets(nodeURL string) (*paynet.GetKeysResponse, error) {
	var keys paynet.GetKeysResponse
	if err := httpGet(nodeURL+"/v1/keys", &keys); err != nil {
		return nil, err
	}
	return &keys, nil
}

func GetKeysetById(nodeURL, id string) (*paynet.GetKeysResponse, error) {
	var keys paynet.GetKeysResponse
	if err := httpGet(nodeURL+"/v1/keys/"+id, &keys); err != nil {
		return nil, err
	}
	return &keys, nil
}

func PostMintQuote(nodeURL string, request paynet.MintQuoteRequest) (*paynet.MintQuoteResponse, error) {
	var quote paynet.MintQuoteResponse
	if err := httpPost(nodeURL+"/v1/mintquote", request, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

func GetMintQuoteState(nodeURL, quoteId string) (*paynet.MintQuoteResponse, error) {
	var quote paynet.MintQuoteResponse
	if err := httpGet(nodeURL+"/v1/mintquote/"+quoteId, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

func PostMint(nodeURL string, request paynet.MintRequest) (*paynet.MintResponse, error) {
	var response paynet.MintResponse
	if err := httpPost(nodeURL+"/v1/mint", request, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func PostMeltQuote(nodeURL string, request paynet.MeltQuoteRequest) (*paynet.MeltQuoteResponse, error) {
	var quote paynet.MeltQuoteResponse
	if err := httpPost(nodeURL+"/v1/meltquote", request, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

func GetMeltQuoteState(nodeURL, quoteId string) (*paynet.MeltQuoteResponse, error) {
	var quote paynet.MeltQuoteResponse
	if err := httpGet(nodeURL+"/v1/meltquote/"+quoteId, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

func PostMelt(nodeURL string, request paynet.MeltRequest) (*paynet.MeltQuoteResponse, error) {
	var response paynet.MeltQuoteResponse
	if err := httpPost(nodeURL+"/v1/melt", request, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func PostSwap(nodeURL string, request paynet.SwapRequest) (*paynet.SwapResponse, error) {
	var response paynet.SwapResponse
	if err := httpPost(nodeURL+"/v1/swap", request, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

func httpGet(url string, response any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("error making request to node: %v", err)
	}
	return readResponse(resp, response)
}

func httpPost(url string, request, response any) error {
	body, err := json.Marshal(request)
	if err != nil {
		return err
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error making request to node: %v", err)
	}
	return readResponse(resp, response)
}

func readResponse(resp *http.Response, response any) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		var nodeErr paynet.Error
		if err := json.Unmarshal(body, &nodeErr); err == nil && nodeErr.Detail != "" {
			return nodeErr
		}
		return fmt.Errorf("node returned status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, response); err != nil {
		return fmt.Errorf("error reading response from node: %v", err)
	}
	return nil
}
