package store

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Credentials is the location-scoped CRM credential produced by the OAuth flow.
type Credentials struct {
	AccessToken string `json:"access_token"`
	LocationID  string `json:"location_id"`
}

// LoadCredentials reads the location token file. Callers re-read it per
// request; the OAuth flow may rewrite it at any time.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read location token: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse location token: %w", err)
	}
	creds.AccessToken = strings.TrimSpace(creds.AccessToken)
	creds.LocationID = strings.TrimSpace(creds.LocationID)
	return creds, nil
}

// CredentialSource resolves credentials for outbound CRM calls.
type CredentialSource interface {
	Credentials() (Credentials, error)
}

// FileCredentials is a CredentialSource backed by the location token file.
type FileCredentials string

func (p FileCredentials) Credentials() (Credentials, error) {
	return LoadCredentials(string(p))
}

// StaticCredentials is a fixed CredentialSource, mostly useful in tests.
type StaticCredentials Credentials

func (c StaticCredentials) Credentials() (Credentials, error) {
	return Credentials(c), nil
}
