package server

import (
	"crypto/rand"
	"crypto/subtle"
	"log"
	"math/big"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// AdminPasswordHeader carries the operator password on operator endpoints.
const AdminPasswordHeader = "X-Admin-Password"

// requireSecret only lets through requests bearing the monitoring secret.
func requireSecret(secret string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// requireAdmin checks the operator password against its bcrypt hash.
func requireAdmin(hashed string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		password := r.Header.Get(AdminPasswordHeader)
		if password == "" {
			http.Error(w, "missing password", http.StatusUnauthorized)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)); err != nil {
			http.Error(w, "invalid password", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func extractToken(r *http.Request) string {
	// Prefer "Authorization: Bearer TOKEN"
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[len("Bearer "):])
	}
	// Fallback: raw secret header used by older consumers
	return r.Header.Get("X-Monitoring-Secret")
}

func generateRandomPassword(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			log.Fatalf("failed to generate password: %v", err)
		}
		b[i] = charset[n.Int64()]
	}
	return string(b)
}

// ensureAdminPassword returns the configured hash, or the hash of a random
// password logged once when none is configured.
func ensureAdminPassword(hashed string) string {
	if hashed != "" {
		return hashed
	}
	rawPassword := generateRandomPassword(16)
	h, err := bcrypt.GenerateFromPassword([]byte(rawPassword), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("failed to hash generated password: %v", err)
	}
	log.Printf("⚠️ No admin password configured, generated one for this run: %s", rawPassword)
	log.Printf("⚠️ Set monitor.admin_hashed_password (see `abmonitor hashpassword`) to keep it stable.")
	return string(h)
}
