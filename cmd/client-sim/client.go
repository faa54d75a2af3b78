package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// apiClient talks to the ledger service. It keeps the aid and rate-limit
// cookies in a jar so the simulated client behaves like a browser session.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) (*apiClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &apiClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 5 * time.Second,
			Jar:     jar,
		},
	}, nil
}

type startResponse struct {
	OK    bool   `json:"ok"`
	Token string `json:"token"`
	Error string `json:"error"`
}

type completeResponse struct {
	OK            bool   `json:"ok"`
	GrantedAmount int    `json:"grantedAmount"`
	Error         string `json:"error"`
	MsToNext      int64  `json:"msToNext"`
}

type creditsResponse struct {
	OK           bool   `json:"ok"`
	Credits      int    `json:"credits"`
	TodayEarned  int    `json:"todayEarned"`
	LastEarnedAt int64  `json:"lastEarnedAt"`
	LastResetAt  int64  `json:"lastResetAt"`
	LastRefillAt int64  `json:"lastRefillAt"`
	RefillArmed  bool   `json:"refillArmed"`
	Error        string `json:"error"`
}

func (c *apiClient) StartAction(actionID string) (string, error) {
	var out startResponse
	if err := c.postJSON("/action/start", map[string]string{"clientActionId": actionID}, &out); err != nil {
		return "", err
	}
	if !out.OK {
		return "", fmt.Errorf("action start rejected: %s", out.Error)
	}
	return out.Token, nil
}

// CompleteAction redeems a token. Redemption is never retried on a
// transport error: the token may already be consumed server-side and a
// retry would just report a false NONCE_CONSUMED.
func (c *apiClient) CompleteAction(token string) (completeResponse, error) {
	var out completeResponse
	if err := c.postJSON("/action/complete", map[string]string{"token": token}, &out); err != nil {
		return completeResponse{}, err
	}
	return out, nil
}

func (c *apiClient) FetchCredits() (ServerSnapshot, error) {
	resp, err := c.http.Get(c.baseURL + "/credits/me")
	if err != nil {
		return ServerSnapshot{}, err
	}
	defer resp.Body.Close()

	var out creditsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ServerSnapshot{}, err
	}
	if !out.OK {
		return ServerSnapshot{}, fmt.Errorf("credits read rejected: %s", out.Error)
	}
	return ServerSnapshot{
		Credits:      out.Credits,
		TodayEarned:  out.TodayEarned,
		LastEarnedAt: out.LastEarnedAt,
		LastResetAt:  out.LastResetAt,
		LastRefillAt: out.LastRefillAt,
		RefillArmed:  out.RefillArmed,
	}, nil
}

func (c *apiClient) postJSON(path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}
