package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"mural/wire"
)

// API wraps the server's REST surface: token issuance and board snapshots.
type API struct {
	base string
	http *http.Client
}

func NewAPI(base string) *API {
	return &API{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// FetchSnapshot downloads the full board as raw row-major RGB bytes.
func (a *API) FetchSnapshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.base+"/api/paintboard/getboard", nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch snapshot: status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	return data, nil
}

// Token exchanges an identity's access key for a paint token. The server
// has shipped several response shapes over time, so the token is looked up
// at both the top level and under data.
func (a *API) Token(ctx context.Context, uid uint32, accessKey string) (uuid.UUID, error) {
	body, err := json.Marshal(map[string]any{
		"uid":        uid,
		"access_key": accessKey,
	})
	if err != nil {
		return uuid.UUID{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/api/auth/gettoken", bytes.NewReader(body))
	if err != nil {
		return uuid.UUID{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.http.Do(req)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("get token: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		Token     string `json:"token"`
		ErrorType string `json:"errorType"`
		Data      struct {
			Token     string `json:"token"`
			ErrorType string `json:"errorType"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return uuid.UUID{}, fmt.Errorf("get token: decode: %w", err)
	}
	raw := payload.Token
	if raw == "" {
		raw = payload.Data.Token
	}
	if raw == "" {
		reason := payload.ErrorType
		if reason == "" {
			reason = payload.Data.ErrorType
		}
		if reason == "" {
			reason = resp.Status
		}
		return uuid.UUID{}, fmt.Errorf("get token for uid %d: %s", uid, reason)
	}
	tok, err := wire.ParseToken(raw)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("get token for uid %d: %w", uid, err)
	}
	return tok, nil
}
