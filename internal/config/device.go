package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Identity is the printer's cloud identity, assembled from the two
// files the vendor firmware writes during provisioning.
type Identity struct {
	DeviceID string
	Username string
	Password string
	ModelID  string
}

// LoadIdentity reads the device account file and the API config file.
// Every field must be present; the broker rejects partial credentials
// and the topic layout embeds both model and device ids.
func LoadIdentity(accountPath, apiPath string) (*Identity, error) {
	account, err := os.ReadFile(accountPath)
	if err != nil {
		return nil, fmt.Errorf("config: device account: %w", err)
	}
	var acct struct {
		DeviceID string `json:"deviceId"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.Unmarshal(account, &acct); err != nil {
		return nil, fmt.Errorf("config: device account %s: %w", accountPath, err)
	}

	api, err := os.ReadFile(apiPath)
	if err != nil {
		return nil, fmt.Errorf("config: api config: %w", err)
	}
	var apiCfg struct {
		Cloud struct {
			ModelID string `json:"modelId"`
		} `json:"cloud"`
	}
	if err := json.Unmarshal(api, &apiCfg); err != nil {
		return nil, fmt.Errorf("config: api config %s: %w", apiPath, err)
	}

	id := &Identity{
		DeviceID: acct.DeviceID,
		Username: acct.Username,
		Password: acct.Password,
		ModelID:  apiCfg.Cloud.ModelID,
	}
	if id.DeviceID == "" || id.Username == "" || id.Password == "" {
		return nil, fmt.Errorf("config: device account %s missing credentials", accountPath)
	}
	if id.ModelID == "" {
		return nil, fmt.Errorf("config: api config %s missing cloud.modelId", apiPath)
	}
	return id, nil
}
