package httpserver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/jpeg"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	// decoders
	_ "image/gif"
	_ "image/png"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"fastpan/internal/logging"
)

const thumbMax = 256

// thumbnailer renders JPEG previews and caches them on disk, keyed by the
// source path and mtime so an edited image gets a fresh thumbnail.
type thumbnailer struct {
	dir  string
	once sync.Once
}

func newThumbnailer(dir string) *thumbnailer {
	return &thumbnailer{dir: dir}
}

func (t *thumbnailer) get(abs string, st os.FileInfo) ([]byte, error) {
	t.once.Do(func() { _ = os.MkdirAll(t.dir, 0o755) })

	sum := sha256.Sum256([]byte(abs))
	key := hex.EncodeToString(sum[:12]) + "-" + strconv.FormatInt(st.ModTime().UnixNano(), 36) + ".jpg"
	p := filepath.Join(t.dir, key)
	if b, err := os.ReadFile(p); err == nil {
		return b, nil
	}
	b, err := makeThumb(abs, thumbMax)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(p, b, 0o644); err != nil {
		logging.L().Debug("thumb cache write failed", zap.Error(err))
	}
	return b, nil
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	abs, err := s.resolver.ResolveExisting(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	st, err := os.Stat(abs)
	if err != nil || st.IsDir() || !isImageExt(strings.ToLower(filepath.Ext(abs))) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	b, err := s.thumbs.get(abs, st)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(b)
}

func makeThumb(absPath string, max int) ([]byte, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}

	nw, nh := w, h
	if w > h && w > max {
		nw, nh = max, h*max/w
	} else if h >= w && h > max {
		nw, nh = w*max/h, max
	}
	nw, nh = max1(nw), max1(nh)

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: 82}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
