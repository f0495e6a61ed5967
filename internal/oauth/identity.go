package oauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pi-cli/amp-proxy/internal/credstore"
)

// anthropicIdentity reads the account block the token endpoint embeds.
func anthropicIdentity(_ context.Context, _ *http.Client, tokenResp map[string]any, creds *credstore.Credentials) error {
	account, _ := tokenResp["account"].(map[string]any)
	if account == nil {
		return nil
	}
	if email, _ := account["email_address"].(string); email != "" {
		creds.Email = email
	}
	if id, _ := account["uuid"].(string); id != "" {
		creds.AccountID = id
	}
	return nil
}

// codexIdentity pulls the ChatGPT account id out of the access token's
// JWT claims and fetches the email separately.
func codexIdentity(ctx context.Context, client *http.Client, _ map[string]any, creds *credstore.Credentials) error {
	id, err := chatGPTAccountID(creds.AccessToken)
	if err != nil {
		return err
	}
	creds.AccountID = id

	if email, err := fetchCodexEmail(ctx, client, creds.AccessToken); err != nil {
		// Email only matters for slot matching; the account id already
		// covers that.
		return nil
	} else {
		creds.Email = email
	}
	return nil
}

// chatGPTAccountID decodes the JWT payload and reads the auth claim.
func chatGPTAccountID(accessToken string) (string, error) {
	parts := strings.Split(accessToken, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("access token is not a JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode JWT payload: %w", err)
	}
	id := gjson.GetBytes(payload, `https://api\.openai\.com/auth.chatgpt_account_id`).String()
	if id == "" {
		return "", fmt.Errorf("JWT missing chatgpt_account_id claim")
	}
	return id, nil
}

func fetchCodexEmail(ctx context.Context, client *http.Client, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", "https://api.openai.com/v1/me", nil)
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
		return "", fmt.Errorf("me endpoint returned %d", resp.StatusCode)
	}

	var me struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(body, &me); err != nil {
		return "", err
	}
	return me.Email, nil
}
