package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/pi-cli/amp-proxy/internal/credstore"
)

// Cloud Code Assist endpoints in project-discovery order.
var codeAssistEndpoints = []string{
	"https://cloudcode-pa.googleapis.com",
	"https://daily-cloudcode-pa.googleapis.com",
	"https://autopush-cloudcode-pa.sandbox.googleapis.com",
}

// fallbackProjectID is used when no endpoint reports a Cloud project
// for the account.
const fallbackProjectID = "rising-fact-p41fc"

const userinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// googleIdentity fetches the account email and discovers the Cloud Code
// Assist project the credentials are attached to.
func googleIdentity(ctx context.Context, client *http.Client, _ map[string]any, creds *credstore.Credentials) error {
	email, err := fetchGoogleEmail(ctx, client, creds.AccessToken)
	if err != nil {
		return fmt.Errorf("fetch userinfo: %w", err)
	}
	creds.Email = email

	creds.ProjectID = discoverProject(ctx, client, creds.AccessToken)
	return nil
}

func fetchGoogleEmail(ctx context.Context, client *http.Client, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", userinfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return "", err
	}
	return info.Email, nil
}

// discoverProject asks each Cloud Code Assist endpoint which project
// the account maps to, returning the first answer. All endpoints
// failing is survivable; the fixed fallback project works for free-tier
// accounts.
func discoverProject(ctx context.Context, client *http.Client, accessToken string) string {
	payload, _ := json.Marshal(map[string]any{
		"metadata": map[string]any{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})

	for _, endpoint := range codeAssistEndpoints {
		project, err := loadCodeAssist(ctx, client, endpoint, accessToken, payload)
		if err != nil {
			slog.Debug("loadCodeAssist failed", "endpoint", endpoint, "error", err)
			continue
		}
		if project != "" {
			return project
		}
	}

	slog.Warn("project discovery failed on all endpoints, using fallback", "project", fallbackProjectID)
	return fallbackProjectID
}

func loadCodeAssist(ctx context.Context, client *http.Client, endpoint, accessToken string, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint+"/v1internal:loadCodeAssist", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("loadCodeAssist returned %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var result struct {
		Project json.RawMessage `json:"cloudaicompanionProject"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	return projectID(result.Project), nil
}

// projectID handles both shapes the field arrives in: a bare string or
// an object carrying an id.
func projectID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
