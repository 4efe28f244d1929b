package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/skydesk/odoo-provisioner/pkg/password"
)

// Config carries everything the pipeline needs: the remote platform
// endpoints, the fallback storage connection, mail submission settings and
// the password policy. It is loaded once from the environment and passed
// explicitly into each component.
type Config struct {
	Odoo     OdooConfig
	Storage  StorageConfig
	SMTP     SMTPConfig
	Audit    AuditConfig
	Password PasswordConfig
}

// OdooConfig addresses the remote platform's JSON-RPC endpoint.
type OdooConfig struct {
	URL      string        `default:"http://localhost:8069" validate:"required,url"`
	Database string        `default:"odoo_db" validate:"required"`
	Username string        `default:"admin" validate:"required"`
	Password string        `validate:"required"`
	Timeout  time.Duration `default:"30s"`
}

// StorageConfig addresses the platform's database for the direct-storage
// fallback. An empty DSN disables the fallback entirely.
type StorageConfig struct {
	DSN string
}

// SMTPConfig addresses the mail submission service for credential
// notifications. Disabled is a valid state: dispatch becomes a no-op.
type SMTPConfig struct {
	Enabled  bool   `default:"false"`
	Host     string `validate:"required_if=Enabled true"`
	Port     int    `default:"587"`
	Username string
	Password string
	From     string `validate:"required_if=Enabled true,omitempty,email"`
}

type AuditConfig struct {
	Path string `default:"provisioning_audit.log" validate:"required"`
}

type PasswordConfig struct {
	Length         int `default:"12" validate:"gte=12"`
	HashIterations int `split_words:"true" validate:"gte=100000"`
}

// Load reads configuration from PROV_-prefixed environment variables and
// validates it. Validation failures are configuration errors: the run must
// not start.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("PROV", cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	if cfg.Password.HashIterations == 0 {
		cfg.Password.HashIterations = password.DefaultIterations
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
