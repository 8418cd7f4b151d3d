package wasm

import (
	"fmt"
	"os"
	"strings"
)

// sensitiveEnv are substrings of variable names never passed to plugins,
// even when a manifest asks for them.
var sensitiveEnv = []string{
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"SSH_PRIVATE_KEY",
	"API_KEY",
	"SECRET",
	"TOKEN",
	"PASSWORD",
}

func isSensitiveEnv(key string) bool {
	upper := strings.ToUpper(key)
	for _, s := range sensitiveEnv {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}

// checkEnv rejects a manifest asking for sensitive variables.
func checkEnv(keys []string) error {
	for _, key := range keys {
		if isSensitiveEnv(key) {
			return fmt.Errorf("access to sensitive environment variable denied: %s", key)
		}
	}
	return nil
}

// environ returns the allowed variables that are set, in manifest order.
func environ(keys []string) [][2]string {
	var env [][2]string
	for _, key := range keys {
		if isSensitiveEnv(key) {
			continue
		}
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, [2]string{key, v})
		}
	}
	return env
}
