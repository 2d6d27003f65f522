package installs

import "time"

// Installation is one tenant of the system. Each installation signs its
// webhook URLs with its own shared secret; the external provider echoes the
// token back on every event delivery.
//
// The shared secret never leaves the server: it is only used to derive and
// verify HMAC tokens.
type Installation struct {
	InstallationID string    `json:"installation_id" db:"installation_id"`
	Name           string    `json:"name" db:"name"`
	SharedSecret   string    `json:"-" db:"shared_secret"`
	WebhookBaseURL string    `json:"webhook_base_url,omitempty" db:"webhook_base_url"`
	Active         bool      `json:"active" db:"active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// DefaultInstallationID is the single-tenant installation provisioned on
// first run. Multi-tenant deployments register additional rows.
const DefaultInstallationID = "default"

// placeholderSecret is the value shipped by the installer; it must be rotated
// before the first webhook URL is ever signed.
const placeholderSecret = "changeme_on_first_run"
