// Package basicauth implements the optional HTTP Basic Auth gate in front
// of the query engine. It is disabled unless a username is configured,
// and uses bcrypt's own constant-time comparison rather than a hand-rolled
// one.
package basicauth

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/blackbox-rec/blackboxd/internal/logger"
)

// Middleware returns an http middleware that requires HTTP Basic credentials
// matching username/bcryptHash. If username is empty, auth is disabled and
// the handler passes every request through unchanged.
func Middleware(username, bcryptHash string) func(http.Handler) http.Handler {
	log := logger.Component("basicauth")

	return func(next http.Handler) http.Handler {
		if username == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != username || bcrypt.CompareHashAndPassword([]byte(bcryptHash), []byte(pass)) != nil {
				log.Warn("rejected request", "remote_addr", r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", `Basic realm="black-box"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HashPassword bcrypt-hashes a plaintext password for storage in the config
// file's auth.bcrypt_hash field.
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
