package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

type client struct {
	baseURL       string
	userHeader    string
	userID        string
	internalToken string
	http          *http.Client
}

func newClient(baseURL, userHeader, userID, internalToken string) *client {
	return &client{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		userHeader:    userHeader,
		userID:        userID,
		internalToken: internalToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func newRunID() string {
	return uuid.New().String()[:8]
}

func (c *client) issueKeys(kind, id string, segments int) ([]string, error) {
	body := map[string]interface{}{"totalSegments": segments}
	switch kind {
	case "movie":
		body["movieId"] = id
	case "episode":
		body["episodeId"] = id
	case "documentary":
		body["documentaryId"] = id
	case "short-film":
		body["shortFilmId"] = id
	case "song":
		body["songId"] = id
	default:
		return nil, fmt.Errorf("unknown content kind %q", kind)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/keys/issue", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.internalToken != "" {
		req.Header.Set("X-Internal-Token", c.internalToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("issue returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var issued []struct {
		KeyID string `json:"keyId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&issued); err != nil {
		return nil, fmt.Errorf("failed to decode issued keys: %w", err)
	}
	ids := make([]string, 0, len(issued))
	for _, k := range issued {
		ids = append(ids, k.KeyID)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("gateway issued no keys")
	}
	return ids, nil
}

func (c *client) get(path string) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set(c.userHeader, c.userID)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s returned %d", path, resp.StatusCode)
	}
	return nil
}

func (c *client) fetchKey(keyID string) error {
	return c.get("/keys/" + keyID)
}

func (c *client) fetchMaster(kind, id string) error {
	return c.get("/playlists/master/" + kind + "/" + id)
}
