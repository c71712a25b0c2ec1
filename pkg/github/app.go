package github

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// appAuth holds GitHub App credentials and mints installation tokens.
type appAuth struct {
	appID      int64
	privateKey *rsa.PrivateKey
}

// newAppAuth parses the App ID and base64-encoded PEM private key.
func newAppAuth(appID string, privateKeyBase64 string) (*appAuth, error) {
	id, err := strconv.ParseInt(appID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid app ID: %w", err)
	}

	keyBytes, err := base64.StdEncoding.DecodeString(privateKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode private key: %w", err)
	}

	block, _ := pem.Decode(keyBytes)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		// Try PKCS8 format
		keyInterface, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		key, ok = keyInterface.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not RSA")
		}
	}

	return &appAuth{appID: id, privateKey: key}, nil
}

// generateJWT creates a JWT for GitHub App authentication.
func (a *appAuth) generateJWT() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-60 * time.Second).Unix(), // 60s buffer for clock skew
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": a.appID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(a.privateKey)
}

// installationToken exchanges the App JWT for an installation access token
// scoped to the owner. Tries the org installation first, then falls back to
// a user installation for personal accounts.
func (a *appAuth) installationToken(ctx context.Context, httpClient *http.Client, baseURL, owner string) (string, error) {
	if owner == "" {
		return "", fmt.Errorf("owner is required")
	}

	appJWT, err := a.generateJWT()
	if err != nil {
		return "", fmt.Errorf("failed to generate JWT: %w", err)
	}

	// Find installation for org (using Bearer auth for JWT)
	reqURL := fmt.Sprintf("%s/orgs/%s/installation", baseURL, owner)
	resp, err := appGet(ctx, httpClient, reqURL, appJWT)
	if err != nil {
		return "", fmt.Errorf("failed to find installation: %w", err)
	}

	// Fall back to user installation if org not found
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()

		reqURL = fmt.Sprintf("%s/users/%s/installation", baseURL, owner)
		resp, err = appGet(ctx, httpClient, reqURL, appJWT)
		if err != nil {
			return "", fmt.Errorf("failed to find user installation: %w", err)
		}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("failed to find installation for %s: %w", owner,
			&APIError{StatusCode: resp.StatusCode, Body: string(body)})
	}

	var installation struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&installation); err != nil {
		return "", fmt.Errorf("failed to decode installation: %w", err)
	}

	// Create installation token
	tokenURL := fmt.Sprintf("%s/app/installations/%d/access_tokens", baseURL, installation.ID)
	req, err := http.NewRequestWithContext(ctx, "POST", tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	tokenResp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to create installation token: %w", err)
	}
	defer func() { _ = tokenResp.Body.Close() }()

	if tokenResp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(tokenResp.Body)
		return "", fmt.Errorf("failed to create installation token: %w",
			&APIError{StatusCode: tokenResp.StatusCode, Body: string(body)})
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(tokenResp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	return result.Token, nil
}

// appGet performs a JWT-authenticated GET (go-github's WithAuthToken uses
// the token prefix, so App endpoints need raw requests with Bearer).
func appGet(ctx context.Context, httpClient *http.Client, reqURL, appJWT string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")
	return httpClient.Do(req)
}
