package config

import (
	"fmt"
	"os"
)

// Template is a complete, commented labctl config with default values.
const Template = `[instrument]
address = "127.0.0.1:13000"
# Optional advisory schema (TOML). Missing or broken files fall back to the built-in rules.
schema = ""
handshake = true

[session]
connect_timeout = "5s"
write_timeout = "5s"
reply_timeout = "10s"
poll_interval = "100ms"
# 0 retries forever.
max_connect_attempts = 5
backoff_initial = "250ms"
backoff_max = "5s"

[shim]
protocol = "SHIM"
mode = "QuickShim"
max_line_width_50 = 1.0
max_line_width_0_55 = 20.0
max_attempts = 3
validity = "24h"

[store]
# file | sqlite | redis
backend = "file"
path = "labctl-shim.toml"
redis_addr = ""
redis_db = 0
redis_prefix = "labctl:shim:"

[diag]
addr = "127.0.0.1:9300"
cors_origins = ["http://localhost:3000"]
`

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}
