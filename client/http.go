package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// httpGet performs a GET request and decodes the JSON response.
func httpGet(url string, result any) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// httpPostJSON performs a POST request with JSON body and decodes the JSON response.
func httpPostJSON(url string, body any, result any) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	resp, err := http.Post(url, "application/json", bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("POST %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("POST %s: status %d", url, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

// httpPutJSON performs a PUT request with JSON body and decodes the JSON response.
func httpPutJSON(url string, body any, result any) error {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body:\n%w", err)
	}

	req, err := http.NewRequest(http.MethodPut, url, bytes.NewReader(jsonBytes))
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("PUT %s: status %d", url, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(result)
}
