package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"fastpan/internal/archive"
	"fastpan/internal/auth"
	"fastpan/internal/fsutil"
	"fastpan/internal/logging"
	"fastpan/internal/metrics"
	"fastpan/internal/upload"
)

type listItem struct {
	Name  string `json:"name"`
	Path  string `json:"path"` // rel
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime"`
	Mime  string `json:"mime,omitempty"`
	Thumb string `json:"thumb,omitempty"`

	abs string
}

// listDir reads the confined directory rel. Entries that do not resolve
// (links out of the root, the hidden state dir) are left out.
func (s *Server) listDir(rel string) ([]listItem, error) {
	abs, err := s.resolver.ResolveExisting(rel)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, fsutil.ErrPathViolation
	}
	if !st.IsDir() {
		return nil, errNotDir
	}
	ents, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}
	rel = fsutil.CleanRelPath(rel)
	items := make([]listItem, 0, len(ents))
	for _, e := range ents {
		childRel := joinRel(rel, e.Name())
		childAbs, err := s.resolver.Resolve(childRel)
		if err != nil {
			continue
		}
		info, err := os.Stat(childAbs)
		if err != nil {
			continue
		}
		it := listItem{
			Name:  e.Name(),
			Path:  childRel,
			IsDir: info.IsDir(),
			Size:  info.Size(),
			Mtime: info.ModTime().Unix(),
			abs:   childAbs,
		}
		if !it.IsDir {
			it.Mime = contentTypeForName(it.Name)
			if isImageExt(strings.ToLower(filepath.Ext(it.Name))) {
				it.Thumb = "/thumb?path=" + url.QueryEscape(childRel)
			}
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].IsDir != items[j].IsDir {
			return items[i].IsDir
		}
		return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
	})
	return items, nil
}

var errNotDir = errors.New("not a directory")

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	items, err := s.listDir(rel)
	switch {
	case errors.Is(err, fsutil.ErrPathViolation):
		writeError(w, http.StatusNotFound, "not found")
		return
	case errors.Is(err, errNotDir):
		writeError(w, http.StatusBadRequest, "not a directory")
		return
	case err != nil:
		logging.FromContext(r.Context()).Error("list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "read failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"path":  fsutil.CleanRelPath(rel),
		"items": items,
	})
}

type crumb struct {
	Path string
	Name string
}

type indexItem struct {
	Name  string
	Path  string
	IsDir bool
	Human string
}

type indexPage struct {
	LoggedIn  bool
	Msg       string
	Path      string
	Parent    string
	Crumbs    []crumb
	TotalSize string
	Items     []indexItem
}

var indexMessages = map[string]string{
	"login_failed": "Wrong username or password.",
	"not_found":    "That folder does not exist.",
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page := indexPage{Msg: indexMessages[r.URL.Query().Get("msg")]}
	if !auth.IsAuthenticated(r.Context()) {
		s.render(w, http.StatusOK, "index.html", page)
		return
	}
	page.LoggedIn = true

	rel := fsutil.CleanRelPath(r.URL.Query().Get("path"))
	items, err := s.listDir(rel)
	if err != nil {
		if rel != "" {
			http.Redirect(w, r, "/?msg=not_found", http.StatusFound)
			return
		}
		logging.FromContext(r.Context()).Error("list root failed", zap.Error(err))
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	page.Path = rel
	if rel != "" {
		page.Parent = fsutil.CleanRelPath(path.Dir(rel))
		acc := ""
		for _, seg := range strings.Split(rel, "/") {
			acc = joinRel(acc, seg)
			page.Crumbs = append(page.Crumbs, crumb{Path: acc, Name: seg})
		}
	}
	var total int64
	for _, it := range items {
		size := it.Size
		if it.IsDir {
			size = dirSize(it.abs)
		}
		total += size
		page.Items = append(page.Items, indexItem{Name: it.Name, Path: it.Path, IsDir: it.IsDir, Human: humanSize(size)})
	}
	page.TotalSize = humanSize(total)
	s.render(w, http.StatusOK, "index.html", page)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		writeError(w, http.StatusBadRequest, "bad folder name")
		return
	}
	parent, err := s.resolver.ResolveExisting(req.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	rel := joinRel(fsutil.CleanRelPath(req.Path), name)
	abs, err := s.resolver.Resolve(rel)
	if err != nil || filepath.Dir(abs) != parent {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		logging.FromContext(r.Context()).Error("mkdir failed", zap.String("path", rel), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "mkdir failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": rel})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad json")
		return
	}
	// a symlink is removed as itself, never through to its target
	abs, err := s.resolver.ResolveEntry(req.Path)
	if err != nil || abs == s.resolver.Root() {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err := os.RemoveAll(abs); err != nil {
		logging.FromContext(r.Context()).Error("delete failed", zap.String("path", s.resolver.Rel(abs)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	logging.FromContext(r.Context()).Info("deleted", zap.String("path", s.resolver.Rel(abs)))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMultipartUpload(w http.ResponseWriter, r *http.Request) {
	dirAbs, err := s.resolver.ResolveExisting(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if st, err := os.Stat(dirAbs); err != nil || !st.IsDir() {
		writeError(w, http.StatusBadRequest, "not a directory")
		return
	}
	if s.cfg.MaxUploadMB > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadMB<<20)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "bad multipart")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()
	fh := firstFile(r.MultipartForm)
	if fh == nil {
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	name := filepath.Base(strings.ReplaceAll(fh.Filename, `\`, "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		writeError(w, http.StatusBadRequest, "bad file name")
		return
	}
	rel := joinRel(s.resolver.Rel(dirAbs), name)
	dstAbs, err := s.resolver.Resolve(rel)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	src, err := fh.Open()
	if err != nil {
		writeError(w, http.StatusBadRequest, "open upload")
		return
	}
	defer src.Close()

	n, err := s.uploads.WriteFile(dstAbs, src)
	if err != nil {
		logging.FromContext(r.Context()).Error("upload failed", zap.String("path", rel), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}
	logging.FromContext(r.Context()).Info("uploaded", zap.String("path", rel), zap.Int64("size", n))
	if !wantsJSON(r) && strings.Contains(r.Header.Get("Accept"), "text/html") {
		http.Redirect(w, r, "/?path="+url.QueryEscape(s.resolver.Rel(dirAbs)), http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": rel, "size": n})
}

func firstFile(mf *multipart.Form) *multipart.FileHeader {
	if mf == nil || len(mf.File) == 0 {
		return nil
	}
	if v := mf.File["file"]; len(v) > 0 {
		return v[0]
	}
	keys := make([]string, 0, len(mf.File))
	for k := range mf.File {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := mf.File[k]; len(v) > 0 {
			return v[0]
		}
	}
	return nil
}

func (s *Server) handleUploadCreate(w http.ResponseWriter, r *http.Request) {
	total := int64(-1)
	if v := r.URL.Query().Get("size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad size")
			return
		}
		total = n
	}
	sess, err := s.uploads.Create(r.URL.Query().Get("path"), total)
	if err != nil {
		s.uploadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": sess.ID, "offset": sess.Offset, "size": sess.Size})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.uploads.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such upload")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": sess.ID, "offset": sess.Offset, "size": sess.Size, "dest": sess.DestRel})
}

func (s *Server) handleUploadPatch(w http.ResponseWriter, r *http.Request) {
	sess, err := s.uploads.Patch(r.Context(), r.PathValue("id"), r.Header.Get("Content-Range"), r.Body)
	if err != nil {
		s.uploadError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": sess.ID, "offset": sess.Offset, "size": sess.Size})
}

func (s *Server) handleUploadFinish(w http.ResponseWriter, r *http.Request) {
	dst, size, err := s.uploads.Finish(r.Context(), r.PathValue("id"))
	if err != nil {
		s.uploadError(w, r, err)
		return
	}
	rel := s.resolver.Rel(dst)
	logging.FromContext(r.Context()).Info("uploaded", zap.String("path", rel), zap.Int64("size", size))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "path": rel, "size": size})
}

func (s *Server) uploadError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, upload.ErrNotFound):
		writeError(w, http.StatusNotFound, "no such upload")
	case errors.Is(err, fsutil.ErrPathViolation):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, upload.ErrOffset), errors.Is(err, upload.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logging.FromContext(r.Context()).Warn("upload request failed", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	abs, err := s.resolver.ResolveExisting(r.PathValue("path"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.serveTarget(w, r, abs, "file")
}

// serveTarget sends a file (with Range support) or streams a directory as
// <name>.zip. kind labels the bytes-served metric.
func (s *Server) serveTarget(w http.ResponseWriter, r *http.Request, abs, kind string) {
	st, err := os.Stat(abs)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if st.IsDir() {
		name := archive.BaseName(st.Name()) + ".zip"
		if abs == s.resolver.Root() {
			name = "download.zip"
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", contentDisposition(name))
		n, err := archive.WriteZip(r.Context(), w, abs)
		metrics.RecordBytesServed(kind, n)
		if err != nil {
			// headers are gone; all we can do is log and cut the stream
			logging.FromContext(r.Context()).Warn("zip stream aborted", zap.String("path", s.resolver.Rel(abs)), zap.Error(err))
		}
		return
	}

	f, err := os.Open(abs)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	defer f.Close()
	if ct := contentTypeForName(st.Name()); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Disposition", contentDisposition(st.Name()))
	cw := &countingResponseWriter{ResponseWriter: w}
	http.ServeContent(cw, r, st.Name(), st.ModTime(), f)
	metrics.RecordBytesServed(kind, cw.n)
}

type countingResponseWriter struct {
	http.ResponseWriter
	n int64
}

func (c *countingResponseWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	c.n += int64(n)
	return n, err
}

func contentDisposition(name string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": name})
}

// dirSize sums regular files under abs without following links. Unreadable
// parts count as zero.
func dirSize(abs string) int64 {
	var total int64
	_ = filepath.WalkDir(abs, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

func isImageExt(ext string) bool {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	default:
		return false
	}
}

func contentTypeForName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	// Fallbacks for systems with sparse mime tables.
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".mp3":
		return "audio/mpeg"
	case ".flac":
		return "audio/flac"
	case ".pdf":
		return "application/pdf"
	case ".txt", ".log", ".md", ".json", ".yaml", ".yml", ".go", ".sh":
		return "text/plain; charset=utf-8"
	case ".zip":
		return "application/zip"
	case ".gz":
		return "application/gzip"
	default:
		return ""
	}
}
