package config

import (
	"strings"
	"testing"
)

func validLocal() Config {
	return Config{
		App:   AppConfig{Env: "local", Port: 8080},
		DB:    DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "crm", SSLMode: ""},
		Redis: RedisConfig{Host: "localhost", Port: 6379},
		Auth:  AuthConfig{JWTSecret: "secret"},
		Vonage: VonageConfig{
			ApplicationID:  "app-1",
			PrivateKeyPath: "/etc/crm/private.key",
			FromNumber:     "390212345678",
		},
		Voice: VoiceConfig{WebhookBaseURL: "https://crm.example.com/webhooks/voice"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_LocalConfigPasses(t *testing.T) {
	c := validLocal()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "crm"
	c.Auth.JWTAudience = "crm-api"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_RequiresProviderCredentials(t *testing.T) {
	c := validLocal()
	c.Vonage.ApplicationID = ""
	err := c.Validate()
	if err == nil || !strings.Contains(err.Error(), "VONAGE_APPLICATION_ID") {
		t.Fatalf("expected VONAGE_APPLICATION_ID error, got %v", err)
	}
}

func TestValidate_WebhookBaseURLMustBeAbsolute(t *testing.T) {
	c := validLocal()
	c.Voice.WebhookBaseURL = "crm.example.com/webhooks"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for relative webhook base URL")
	}
}

func TestValidate_ProductionRejectsPlainHTTPWebhooks(t *testing.T) {
	c := validLocal()
	c.App.Env = "production"
	c.DB.SSLMode = "require"
	c.Auth.JWTIssuer = "crm"
	c.Auth.JWTAudience = "crm-api"
	c.Voice.WebhookBaseURL = "http://crm.example.com/webhooks/voice"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for http webhook base URL in production")
	}
}
