package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"

	"fastpan/internal/auth"
	"fastpan/internal/logging"
	"fastpan/internal/share"
)

type shareRequest struct {
	Path     string `json:"path"`
	TTL      int64  `json:"ttl"`
	Password string `json:"password"`
}

// handleShareCreate serves both POST /api/share and the original
// GET /share/{path...}?ttl= form. Passwords are never read from the URL.
func (s *Server) handleShareCreate(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	switch {
	case r.Method == http.MethodGet:
		if r.URL.Query().Has("password") {
			writeError(w, http.StatusBadRequest, "send the password in the X-Share-Password header")
			return
		}
		req.Path = r.PathValue("path")
		req.Password = r.Header.Get("X-Share-Password")
		if v := r.URL.Query().Get("ttl"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad ttl")
				return
			}
			req.TTL = n
		}
	case isJSONBody(r):
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
	default:
		req.Path = r.PostFormValue("path")
		req.Password = r.PostFormValue("password")
		if v := r.PostFormValue("ttl"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "bad ttl")
				return
			}
			req.TTL = n
		}
	}

	issued, err := s.shares.Issue(auth.IsAuthenticated(r.Context()), req.Path, req.TTL, req.Password)
	if err != nil {
		s.shareError(w, r, err)
		return
	}
	resp := map[string]any{
		"token":      issued.Token,
		"url":        issued.URL,
		"path":       issued.Path,
		"expires_in": nil,
		"expires_at": nil,
	}
	if issued.ExpiresAt != nil {
		resp["expires_in"] = issued.TTLSeconds
		resp["expires_at"] = issued.ExpiresAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

type shareView struct {
	Token       string  `json:"token"`
	URL         string  `json:"url"`
	Path        string  `json:"path"`
	ExpiresAt   *string `json:"expires_at"`
	HasPassword bool    `json:"has_password"`
	CreatedAt   string  `json:"created_at"`
}

func (s *Server) handleShareList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.shares.List(auth.IsAuthenticated(r.Context()))
	if err != nil {
		s.shareError(w, r, err)
		return
	}
	out := make([]shareView, 0, len(entries))
	for _, e := range entries {
		v := shareView{
			Token:       e.Token,
			URL:         s.shares.URL(e.Token),
			Path:        e.Path,
			HasPassword: e.HasPassword(),
			CreatedAt:   e.CreatedAt.Format(time.RFC3339),
		}
		if e.ExpiresAt != nil {
			exp := e.ExpiresAt.Format(time.RFC3339)
			v.ExpiresAt = &exp
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"shares": out})
}

func (s *Server) handleShareRevoke(w http.ResponseWriter, r *http.Request) {
	if err := s.shares.Revoke(auth.IsAuthenticated(r.Context()), r.PathValue("token")); err != nil {
		s.shareError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type sharePage struct {
	Dead             bool
	Error            string
	Token            string
	Name             string
	IsDir            bool
	ExpiresAt        string
	Human            string
	PasswordRequired bool
}

// handleShareLanding shows what a link points at without asking for its
// password: browsers get a page, API clients the same facts as JSON.
func (s *Server) handleShareLanding(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	t, err := s.shares.Inspect(token)
	if err != nil {
		if wantsJSON(r) {
			s.shareError(w, r, err)
			return
		}
		status, msg := shareStatus(err)
		s.render(w, status, "share.html", sharePage{Dead: true, Error: msg})
		return
	}
	page, size := s.describe(t)
	if wantsJSON(r) {
		var exp *string
		if t.ExpiresAt != nil {
			v := t.ExpiresAt.Format(time.RFC3339)
			exp = &v
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"name":              page.Name,
			"is_dir":            page.IsDir,
			"size":              size,
			"expires_at":        exp,
			"password_required": page.PasswordRequired,
		})
		return
	}
	s.render(w, http.StatusOK, "share.html", page)
}

func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	password := r.PostFormValue("password")
	if password == "" {
		password = r.Header.Get("X-Share-Password")
	}
	t, err := s.shares.Redeem(token, password)
	if err != nil {
		if errors.Is(err, share.ErrWrongPassword) && !wantsJSON(r) {
			// send the browser back to the form with a hint
			if it, ierr := s.shares.Inspect(token); ierr == nil {
				page, _ := s.describe(it)
				if password != "" {
					page.Error = "Wrong password."
				}
				s.render(w, http.StatusForbidden, "share.html", page)
				return
			}
		}
		s.shareError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("share download", zap.String("path", t.Path))
	s.serveTarget(w, r, t.Abs, "share")
}

func (s *Server) describe(t share.Target) (sharePage, int64) {
	page := sharePage{
		Token:            t.Token,
		Name:             path.Base("/" + t.Path),
		PasswordRequired: t.HasPassword(),
	}
	if t.Path == "" {
		page.Name = "files"
	}
	if t.ExpiresAt != nil {
		page.ExpiresAt = t.ExpiresAt.Local().Format("2006-01-02 15:04:05 MST")
	}
	var size int64
	if st, err := os.Stat(t.Abs); err == nil {
		page.IsDir = st.IsDir()
		size = st.Size()
		if page.IsDir {
			size = dirSize(t.Abs)
		}
	}
	page.Human = humanSize(size)
	return page, size
}

// shareStatus maps the share error taxonomy onto HTTP.
func shareStatus(err error) (int, string) {
	switch {
	case errors.Is(err, share.ErrUnauthorized):
		return http.StatusUnauthorized, "login required"
	case errors.Is(err, share.ErrNotFound):
		return http.StatusNotFound, "Link not found."
	case errors.Is(err, share.ErrExpired):
		return http.StatusGone, "Link expired."
	case errors.Is(err, share.ErrWrongPassword):
		return http.StatusForbidden, "Password required or wrong."
	case errors.Is(err, share.ErrPathViolation):
		return http.StatusNotFound, "The shared file is no longer available."
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func (s *Server) shareError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := shareStatus(err)
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error("share request failed", zap.Error(err))
	}
	if status == http.StatusForbidden {
		writeJSON(w, status, map[string]any{"error": msg, "code": status, "password_required": true})
		return
	}
	writeError(w, status, msg)
}
