package node

import (
	"os"

	"github.com/algoaster/algoarena-v1/risk"
	"github.com/xyths/hs"
)

// ModelConf binds one model to its venue credentials. Key/Secret may be
// given inline or, preferably, as environment variable names resolved at
// startup (godotenv loads a .env file first).
type ModelConf struct {
	Name      string `json:"name"`
	Key       string `json:"key,omitempty"`
	Secret    string `json:"secret,omitempty"`
	KeyEnv    string `json:"keyEnv,omitempty"`
	SecretEnv string `json:"secretEnv,omitempty"`
}

// Credentials resolves the effective key pair.
func (m ModelConf) Credentials() (key, secret string) {
	key, secret = m.Key, m.Secret
	if m.KeyEnv != "" {
		key = os.Getenv(m.KeyEnv)
	}
	if m.SecretEnv != "" {
		secret = os.Getenv(m.SecretEnv)
	}
	return
}

type ExchangeConf struct {
	Host   string      `json:"host"`
	Models []ModelConf `json:"models"`
}

type ServerConf struct {
	Addr string `json:"addr"`
}

type SyncConf struct {
	// Interval between reconciliation sweeps, e.g. "30s".
	Interval string `json:"interval"`
}

type Config struct {
	Exchange ExchangeConf       `json:"exchange"`
	Mongo    hs.MongoConf       `json:"mongo"`
	Log      hs.LogConf         `json:"log"`
	Server   ServerConf         `json:"server"`
	Sync     SyncConf           `json:"sync"`
	Risk     *risk.Limits       `json:"risk,omitempty"`
	Symbols  []string           `json:"symbols"`
	Robots   []hs.BroadcastConf `json:"robots"`
}
