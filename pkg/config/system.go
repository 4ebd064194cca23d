package config

// AuthConfig holds resolved token verification settings.
type AuthConfig struct {
	JWTSecretEnv string `yaml:"jwt_secret_env"` // Env var holding the HS256 secret (default: "AGENTBRIDGE_JWT_SECRET")
	Issuer       string `yaml:"issuer"`         // Required "iss" claim (empty = not checked)

	// Secret is read from JWTSecretEnv at load time; never from YAML.
	Secret []byte `yaml:"-"`
}

// DefaultAuthConfig returns the built-in auth defaults.
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{JWTSecretEnv: "AGENTBRIDGE_JWT_SECRET"}
}

// SystemConfig groups HTTP surface settings.
type SystemConfig struct {
	// AllowedWSOrigins are extra origin patterns accepted on /ws, in
	// addition to same-origin requests.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}
