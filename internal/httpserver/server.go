package httpserver

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"fastpan/internal/auth"
	"fastpan/internal/config"
	"fastpan/internal/fsutil"
	"fastpan/internal/logging"
	"fastpan/internal/metrics"
	"fastpan/internal/share"
	"fastpan/internal/upload"
)

type Options struct {
	Config   config.Config
	Resolver *fsutil.Resolver
	Sessions *auth.Sessions
	Shares   *share.Service
	Uploads  *upload.Manager
}

type Server struct {
	cfg      config.Config
	resolver *fsutil.Resolver
	sessions *auth.Sessions
	shares   *share.Service
	uploads  *upload.Manager
	thumbs   *thumbnailer

	pages *template.Template
}

//go:embed web/*.html
var embeddedWeb embed.FS

func New(opts Options) (*Server, error) {
	if opts.Resolver == nil || opts.Sessions == nil || opts.Shares == nil || opts.Uploads == nil {
		return nil, errors.New("httpserver: missing dependency")
	}
	pages, err := template.ParseFS(embeddedWeb, "web/*.html")
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      opts.Config,
		resolver: opts.Resolver,
		sessions: opts.Sessions,
		shares:   opts.Shares,
		uploads:  opts.Uploads,
		thumbs:   newThumbnailer(filepath.Join(opts.Config.StateDir, "thumbs")),
		pages:    pages,
	}, nil
}

// Handler returns the full route table. Every request passes through the
// session middleware, which only marks it authenticated or anonymous;
// private routes are wrapped in requireLogin.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	// session
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("/logout", s.handleLogout)

	// UI
	mux.HandleFunc("GET /{$}", s.handleIndex)

	// scraped here unless a separate metrics listener is configured
	if s.cfg.MetricsAddr == "" {
		mux.Handle("GET /metrics", s.requireLogin(metrics.Handler().ServeHTTP))
	}

	// browsing and file operations
	mux.HandleFunc("GET /api/list", s.requireLogin(s.handleList))
	mux.HandleFunc("POST /api/mkdir", s.requireLogin(s.handleMkdir))
	mux.HandleFunc("POST /api/delete", s.requireLogin(s.handleDelete))
	mux.HandleFunc("POST /api/upload", s.requireLogin(s.handleMultipartUpload))
	mux.HandleFunc("POST /api/uploads", s.requireLogin(s.handleUploadCreate))
	mux.HandleFunc("GET /api/uploads/{id}", s.requireLogin(s.handleUploadStatus))
	mux.HandleFunc("PATCH /api/uploads/{id}", s.requireLogin(s.handleUploadPatch))
	mux.HandleFunc("POST /api/uploads/{id}/finish", s.requireLogin(s.handleUploadFinish))
	mux.HandleFunc("GET /download/{path...}", s.requireLogin(s.handleDownload))
	mux.HandleFunc("GET /thumb", s.requireLogin(s.handleThumb))

	// share management: authentication is checked by the share service
	mux.HandleFunc("POST /api/share", s.handleShareCreate)
	mux.HandleFunc("GET /share/{path...}", s.handleShareCreate)
	mux.HandleFunc("GET /api/shares", s.handleShareList)
	mux.HandleFunc("DELETE /api/share/{token}", s.handleShareRevoke)

	// public share redemption
	mux.HandleFunc("GET /s/{token}", s.handleShareLanding)
	mux.HandleFunc("GET /download-share/{token}", s.handleShareDownload)
	mux.HandleFunc("POST /download-share/{token}", s.handleShareDownload)

	// WebDAV
	dav := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: davFS{resolver: s.resolver, dir: webdav.Dir(s.resolver.Root())},
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				logging.FromContext(r.Context()).Debug("webdav", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
			}
		},
	}
	mux.Handle("/dav/", auth.BasicMiddleware(s.sessions, "fastpan", dav))

	return auth.Middleware(s.sessions, mux)
}

func (s *Server) requireLogin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !auth.IsAuthenticated(r.Context()) {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var username, password string
	if isJSONBody(r) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		username, password = req.Username, req.Password
	} else {
		username, password = r.FormValue("username"), r.FormValue("password")
	}

	token, exp, err := s.sessions.Login(username, password)
	if err != nil {
		logging.FromContext(r.Context()).Info("login failed", zap.String("remote", r.RemoteAddr))
		if wantsJSON(r) {
			writeError(w, http.StatusUnauthorized, "wrong username or password")
			return
		}
		http.Redirect(w, r, "/?msg=login_failed", http.StatusFound)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	logging.FromContext(r.Context()).Info("login", zap.String("remote", r.RemoteAddr))
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "token": token, "expires_at": exp.UTC().Format(time.RFC3339)})
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if tok := auth.TokenFromRequest(r); tok != "" {
		s.sessions.Logout(tok)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// --- helpers ---

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: status})
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") || isJSONBody(r)
}

func isJSONBody(r *http.Request) bool {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return ct == "application/json"
}

func (s *Server) render(w http.ResponseWriter, status int, page string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := s.pages.ExecuteTemplate(w, page, data); err != nil {
		logging.L().Error("render page", zap.String("page", page), zap.Error(err))
	}
}

func joinRel(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}

// humanSize formats n for people: "0B", "512B", "1.5KB", "2GB".
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + "B"
	}
	f := float64(n)
	suffix := "B"
	for _, u := range []string{"KB", "MB", "GB", "TB", "PB"} {
		f /= unit
		suffix = u
		if f < unit {
			break
		}
	}
	s := strconv.FormatFloat(f, 'f', 1, 64)
	s = strings.TrimSuffix(s, ".0")
	return s + suffix
}
