package segclient

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type openSessionResponse struct {
	SessionID string `json:"session_id"`
}

func parseSessionID(resp *http.Response) (string, error) {
	var body openSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("segclient: decode open-session response: %w", err)
	}
	if body.SessionID == "" {
		return "", fmt.Errorf("segclient: open-session response missing session_id")
	}
	return body.SessionID, nil
}
