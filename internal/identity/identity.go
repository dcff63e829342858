// Package identity gives every browser a stable anonymous learner id.
package identity

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// LearnerCookieName carries the anonymous learner id.
	LearnerCookieName   = "cps_learner_id"
	// LearnerHeaderName lets non-browser clients name the learner explicitly.
	LearnerHeaderName   = "X-CPS-Learner-ID"
	learnerCookieMaxAge = 180 * 24 * time.Hour
)

type contextKey int

const learnerIDKey contextKey = iota

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	learnerIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)
)

// LearnerIDFromContext extracts the learner id from the request context.
func LearnerIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(learnerIDKey).(string); ok {
		return v
	}
	return ""
}

// WithLearnerID returns a copy of ctx carrying id.
func WithLearnerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, learnerIDKey, id)
}

func generateAnonID() string {
	return "anon_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

// SanitizeLearnerID trims id and returns "" when it is not an acceptable id.
func SanitizeLearnerID(id string) string {
	id = strings.TrimSpace(id)
	if !learnerIDPattern.MatchString(id) {
		return ""
	}
	return id
}

func setLearnerCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     LearnerCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(learnerCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(learnerCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func learnerIDFromRequest(w http.ResponseWriter, r *http.Request, isDev bool) string {
	if id := SanitizeLearnerID(r.Header.Get(LearnerHeaderName)); id != "" {
		return id
	}
	if c, err := r.Cookie(LearnerCookieName); err == nil && isValidAnonID(c.Value) {
		setLearnerCookie(w, c.Value, isDev)
		return c.Value
	}
	id := generateAnonID()
	setLearnerCookie(w, id, isDev)
	return id
}

// Middleware injects the learner id. An explicit header wins over the cookie;
// without either a new anonymous id is issued.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := learnerIDFromRequest(w, r, isDev)
			next.ServeHTTP(w, r.WithContext(WithLearnerID(r.Context(), id)))
		})
	}
}

// IPFromRequest returns a normalized remote IP.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
