// Package client is a thin HTTP client for a scheduler node. It mirrors
// the JSON API one to one and holds no local state beyond the node
// address.
package client

import (
	"encoding/hex"
	"fmt"
)

// Client connects to a scheduler node via HTTP.
type Client struct {
	nodeAddr string // nodeAddr is the HTTP address (e.g. "127.0.0.1:8080")
}

// Status describes a node's current state.
type Status struct {
	Round     uint64 `json:"round"`
	Users     int    `json:"users"`
	Operators int    `json:"operators"`
}

// Selection describes one operator's outcome in an advanced round.
type Selection struct {
	Operator string `json:"operator"`
	User     string `json:"user"`
	Rate     uint64 `json:"rate"`
	Duration uint64 `json:"duration"`
}

// Settlement describes one billed service in an advanced round.
type Settlement struct {
	User      string `json:"user"`
	Operator  string `json:"operator"`
	Duration  uint64 `json:"duration"`
	Bandwidth uint64 `json:"bandwidth"`
	Cost      uint64 `json:"cost"`
}

// RoundResult is the outcome of one advanced round.
type RoundResult struct {
	Round       uint64       `json:"round"`
	Selected    []Selection  `json:"selected"`
	Settlements []Settlement `json:"settlements"`
}

// NewClient creates a client connected to a node.
func NewClient(nodeAddr string) *Client {
	return &Client{nodeAddr: nodeAddr}
}

// RegisterUser registers a user identifier on the node.
func (c *Client) RegisterUser(id string) error {
	var resp struct {
		ID string `json:"id"`
	}

	if err := httpPostJSON("http://"+c.nodeAddr+"/users", map[string]string{"id": id}, &resp); err != nil {
		return fmt.Errorf("register user:\n%w", err)
	}

	return nil
}

// RegisterOperator registers an operator identifier on the node.
func (c *Client) RegisterOperator(id string) error {
	var resp struct {
		ID string `json:"id"`
	}

	if err := httpPostJSON("http://"+c.nodeAddr+"/operators", map[string]string{"id": id}, &resp); err != nil {
		return fmt.Errorf("register operator:\n%w", err)
	}

	return nil
}

// SubmitReport submits a raw channel report for a user/operator pair.
// Returns the rate the node estimated from the report.
func (c *Client) SubmitReport(user, operator string, report []byte) (uint64, error) {
	body := map[string]string{
		"user":     user,
		"operator": operator,
		"report":   hex.EncodeToString(report),
	}

	var resp struct {
		Rate uint64 `json:"rate"`
	}

	if err := httpPostJSON("http://"+c.nodeAddr+"/report", body, &resp); err != nil {
		return 0, fmt.Errorf("submit report:\n%w", err)
	}

	return resp.Rate, nil
}

// SetOperatorRate configures the billing rate of an operator. The rate
// can be set once; later calls fail.
func (c *Client) SetOperatorRate(operator string, rate uint64) error {
	var resp struct {
		Rate uint64 `json:"rate"`
	}

	url := "http://" + c.nodeAddr + "/operators/" + operator + "/rate"

	if err := httpPutJSON(url, map[string]uint64{"rate": rate}, &resp); err != nil {
		return fmt.Errorf("set operator rate:\n%w", err)
	}

	return nil
}

// AdvanceRound runs one scheduling and settlement round on the node.
func (c *Client) AdvanceRound() (RoundResult, error) {
	var resp RoundResult

	if err := httpPostJSON("http://"+c.nodeAddr+"/round/advance", map[string]string{}, &resp); err != nil {
		return RoundResult{}, fmt.Errorf("advance round:\n%w", err)
	}

	return resp, nil
}

// Status fetches the node's current state.
func (c *Client) Status() (Status, error) {
	var resp Status

	if err := httpGet("http://"+c.nodeAddr+"/status", &resp); err != nil {
		return Status{}, fmt.Errorf("get status:\n%w", err)
	}

	return resp, nil
}
