package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Default routing table for the platform services the gateway fronts.
// Any entry can be overridden with a SERVICE_URL_<NAME> variable.
var defaultServiceURLs = map[string]string{
	"ledger":     "http://localhost:8006/api/v1",
	"anchors":    "http://localhost:8005/api/v1",
	"protect":    "http://localhost:3003/api",
	"transit":    "http://localhost:3004/api",
	"home":       "http://localhost:9003/api",
	"properties": "http://localhost:8001/api/v1",
	"ops":        "http://localhost:8002/api/v1",
	"bids":       "http://localhost:3005/api",
	"claimsiq":   "http://localhost:3006/api",
	"capital":    "http://localhost:3007/api",
	"service":    "http://localhost:3008/api",
	"origins":    "http://localhost:3009/api",
}

type Config struct {
	Port string
	Env  string

	// DBSource is optional; without it assets live in memory only.
	DBSource string

	LedgerURL     string
	LedgerAPIKey  string
	LedgerTimeout time.Duration

	ServiceURLs map[string]string

	// AuthTokens maps bearer tokens to user ids. Empty disables
	// authentication entirely.
	AuthTokens map[string]string
}

func Load() (*Config, error) {
	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	ledgerURL := os.Getenv("LEDGER_URL")
	if ledgerURL == "" {
		ledgerURL = "http://localhost:8006/api/v1"
	}

	ledgerTimeout := 10 * time.Second
	if raw := os.Getenv("LEDGER_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("LEDGER_TIMEOUT: %w", err)
		}
		ledgerTimeout = d
	}

	serviceURLs := make(map[string]string, len(defaultServiceURLs))
	for name, url := range defaultServiceURLs {
		if override := os.Getenv("SERVICE_URL_" + strings.ToUpper(name)); override != "" {
			url = override
		}
		serviceURLs[name] = url
	}

	authTokens, err := parseAuthTokens(os.Getenv("AUTH_TOKENS"))
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:          port,
		Env:           env,
		DBSource:      os.Getenv("DB_SOURCE"),
		LedgerURL:     ledgerURL,
		LedgerAPIKey:  os.Getenv("LEDGER_API_KEY"),
		LedgerTimeout: ledgerTimeout,
		ServiceURLs:   serviceURLs,
		AuthTokens:    authTokens,
	}, nil
}

// parseAuthTokens parses "token=uid,token2=uid2" pairs.
func parseAuthTokens(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	tokens := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, uid, ok := strings.Cut(pair, "=")
		if !ok || token == "" || uid == "" {
			return nil, fmt.Errorf("AUTH_TOKENS: malformed entry %q", pair)
		}
		tokens[token] = uid
	}
	return tokens, nil
}
