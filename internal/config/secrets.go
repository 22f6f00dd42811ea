package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Secrets holds adapter credentials. They are supplied through a separate
// secrets file, never through environment variables.
type Secrets struct {
	TelegramToken string `yaml:"telegram_token"`
	DiscordToken  string `yaml:"discord_token"`
	SlackToken    string `yaml:"slack_token"`
	SlackChannel  string `yaml:"slack_channel"`
}

// LoadSecrets reads the secrets YAML file at path. A missing file is not an
// error; it yields empty secrets so token-less adapters can still run.
func LoadSecrets(path string) (*Secrets, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Secrets{}, nil
		}
		return nil, fmt.Errorf("config: read secrets %s: %w", path, err)
	}
	var s Secrets
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("config: parse secrets: %w", err)
	}
	return &s, nil
}
