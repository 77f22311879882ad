package www

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionName   = "agvlink_session"
	sessionMaxAge = 12 * time.Hour
)

// adminSessions wraps a signed cookie store holding the logged-in admin and
// the login time.
type adminSessions struct {
	cookies *sessions.CookieStore
}

// newAdminSessions keys the cookie store from a base64 secret. Without a
// usable secret a random key is generated, so sessions do not survive a
// restart.
func newAdminSessions(secret string) *adminSessions {
	key, _ := base64.StdEncoding.DecodeString(secret)
	if len(key) < 32 {
		key = make([]byte, 32)
		rand.Read(key)
	}
	cs := sessions.NewCookieStore(key)
	cs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
	return &adminSessions{cookies: cs}
}

// user returns the session's admin name if the session is present and not
// older than sessionMaxAge.
func (s *adminSessions) user(r *http.Request) (string, bool) {
	sess, err := s.cookies.Get(r, sessionName)
	if err != nil {
		return "", false
	}
	name, _ := sess.Values["user"].(string)
	at, _ := sess.Values["at"].(int64)
	if name == "" || time.Since(time.Unix(at, 0)) > sessionMaxAge {
		return "", false
	}
	return name, true
}

func (s *adminSessions) login(w http.ResponseWriter, r *http.Request, name string) error {
	sess, _ := s.cookies.Get(r, sessionName)
	sess.Values["user"] = name
	sess.Values["at"] = time.Now().Unix()
	return sess.Save(r, w)
}

func (s *adminSessions) logout(w http.ResponseWriter, r *http.Request) {
	sess, _ := s.cookies.Get(r, sessionName)
	sess.Values = map[any]any{}
	sess.Options.MaxAge = -1
	sess.Save(r, w)
}

// HashPassword returns the bcrypt hash stored in web.admin_password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// readCredentials accepts a JSON body or a form post.
func readCredentials(r *http.Request) (credentials, error) {
	var c credentials
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); ct == "application/json" {
		err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&c)
		return c, err
	}
	c.Username = r.FormValue("username")
	c.Password = r.FormValue("password")
	return c, nil
}

func (h *Handlers) handleLogin(w http.ResponseWriter, r *http.Request) {
	web := h.engine.AppConfig().Web
	if web.AdminPasswordHash == "" {
		writeError(w, http.StatusForbidden, "admin login is not configured")
		return
	}
	c, err := readCredentials(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// bcrypt runs even for an unknown user
	okPass := bcrypt.CompareHashAndPassword([]byte(web.AdminPasswordHash), []byte(c.Password)) == nil
	if !okPass || c.Username != web.AdminUser {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := h.sessions.login(w, r, c.Username); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "user": c.Username})
}

func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.logout(w, r)
	writeJSON(w, map[string]string{"status": "ok"})
}

// requireAdmin rejects requests without a live session for the currently
// configured admin user. Renaming the admin in the config ends old sessions.
func (h *Handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, ok := h.sessions.user(r)
		if !ok || name != h.engine.AppConfig().Web.AdminUser {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
