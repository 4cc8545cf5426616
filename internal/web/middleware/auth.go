package middleware

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"strings"
)

// APIKeyHeader carries the client's API key.
const APIKeyHeader = "X-Api-Key"

// LoadAPIKeys reads one key per line. Blank lines and lines starting with # are ignored.
func LoadAPIKeys(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening API keys file: %w", err)
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading API keys file: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("API keys file %s contains no keys", path)
	}
	return keys, nil
}

func validKey(key string, keys []string) bool {
	if key == "" {
		return false
	}
	found := 0
	for _, k := range keys {
		found |= subtle.ConstantTimeCompare([]byte(key), []byte(k))
	}
	return found == 1
}

// RequireAPIKey is middleware that requires one of keys in the X-Api-Key header.
// With no keys configured every request is let through.
func RequireAPIKey(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(keys) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !validKey(r.Header.Get(APIKeyHeader), keys) {
				http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
