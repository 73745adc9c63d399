// Package vault loads platform secrets (Stripe keys, webhook secrets, bot
// tokens) from HashiCorp Vault. When Vault is disabled the configuration
// file and environment remain the only secret source.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"github.com/leogray15-maker/arcane-archives/config"
)

// Secret keys under the platform secret path.
const (
	KeyStripeSecretKey     = "stripe_secret_key"
	KeyStripeWebhookSecret = "stripe_webhook_secret"
	KeyJWTSecret           = "jwt_secret"
	KeyTelegramBotToken    = "telegram_bot_token"
	KeyDiscordWebhookURL   = "discord_webhook_url"
)

// Client wraps the HashiCorp Vault client for KV v2 reads.
type Client struct {
	client *api.Client
	config config.VaultConfig
	mu     sync.RWMutex
	cache  map[string]map[string]string // secret path -> key/value
}

// NewClient creates a new Vault client. A disabled config yields a client
// whose reads report not found.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if !cfg.Enabled {
		return &Client{
			config: cfg,
			cache:  make(map[string]map[string]string),
		}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}

	client.SetToken(cfg.Token)

	return &Client{
		client: client,
		config: cfg,
		cache:  make(map[string]map[string]string),
	}, nil
}

// IsEnabled returns whether Vault is enabled
func (c *Client) IsEnabled() bool {
	return c.config.Enabled
}

// GetSecret reads one key from the platform secret path. Returns "" when
// Vault is disabled or the key is absent.
func (c *Client) GetSecret(ctx context.Context, key string) (string, error) {
	if !c.config.Enabled {
		return "", nil
	}

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)

	c.mu.RLock()
	if cached, ok := c.cache[path]; ok {
		c.mu.RUnlock()
		return cached[key], nil
	}
	c.mu.RUnlock()

	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("invalid secret format at %s", path)
	}

	values := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			values[k] = s
		}
	}

	c.mu.Lock()
	c.cache[path] = values
	c.mu.Unlock()

	return values[key], nil
}

// ApplySecrets overlays Vault-held secrets onto the configuration. Values
// already set by file or environment are only replaced when Vault has a
// non-empty value, so Vault wins where it is authoritative and stays silent
// elsewhere.
func (c *Client) ApplySecrets(ctx context.Context, cfg *config.Config) error {
	if !c.config.Enabled {
		return nil
	}

	overlay := func(key string, target *string) error {
		val, err := c.GetSecret(ctx, key)
		if err != nil {
			return err
		}
		if val != "" {
			*target = val
		}
		return nil
	}

	if err := overlay(KeyStripeSecretKey, &cfg.BillingConfig.StripeSecretKey); err != nil {
		return err
	}
	if err := overlay(KeyStripeWebhookSecret, &cfg.BillingConfig.StripeWebhookSecret); err != nil {
		return err
	}
	if err := overlay(KeyJWTSecret, &cfg.AuthConfig.JWTSecret); err != nil {
		return err
	}
	if err := overlay(KeyTelegramBotToken, &cfg.NotificationConfig.Telegram.BotToken); err != nil {
		return err
	}
	if err := overlay(KeyDiscordWebhookURL, &cfg.NotificationConfig.Discord.WebhookURL); err != nil {
		return err
	}

	return nil
}

// ClearCache clears the in-memory cache
func (c *Client) ClearCache() {
	c.mu.Lock()
	c.cache = make(map[string]map[string]string)
	c.mu.Unlock()
}

// Health checks the Vault connection
func (c *Client) Health(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	health, err := c.client.Sys().Health()
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}

	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}

	return nil
}
