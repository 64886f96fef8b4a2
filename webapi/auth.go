package webapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Authorizer checks HS256 bearer tokens.  A token grants access to the user
// named by its "sub" claim and to every user listed in its "patients" claim,
// which is how a linked health professional reaches their patients' data.
type Authorizer struct {
	key []byte
}

func NewAuthorizer(key []byte) *Authorizer {
	return &Authorizer{key: key}
}

// Sign mints a token for subject that also grants access to patients.
func (a *Authorizer) Sign(subject string, patients []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if len(patients) != 0 {
		claims["patients"] = patients
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
}

type principal struct {
	subject  string
	patients []string
}

func (p *principal) mayAccess(userID string) bool {
	return p.subject == userID || slices.Contains(p.patients, userID)
}

func (a *Authorizer) verify(tokenStr string) (*principal, error) {
	t, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		return a.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("while parsing token: %w", err)
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("missing sub")
	}

	p := &principal{subject: sub}
	if raw, ok := claims["patients"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				p.patients = append(p.patients, s)
			}
		}
	}
	return p, nil
}

type ctxKey string

const subjectKey ctxKey = "subject"

// SubjectFromContext returns the authenticated token subject, if any.
func SubjectFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(subjectKey).(string)
	return s, ok
}

// logOnBehalf records a write made by a linked health professional rather
// than by the patient.
func logOnBehalf(r *http.Request, action string) {
	userID := chi.URLParam(r, "userID")
	subject, ok := SubjectFromContext(r.Context())
	if !ok || subject == userID {
		return
	}
	slog.InfoContext(r.Context(), "Write on behalf of patient",
		slog.String("action", action),
		slog.String("subject", subject),
		slog.String("user", userID))
}

// RequireUser rejects requests whose bearer token does not grant access to
// the {userID} route parameter.
func (a *Authorizer) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		p, err := a.verify(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			slog.DebugContext(r.Context(), "Rejected bearer token", slog.Any("err", err))
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if !p.mayAccess(chi.URLParam(r, "userID")) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), subjectKey, p.subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
