package gateway

import (
	"embed"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strconv"

	"chatrelay/internal/adapter/media"
	"chatrelay/internal/domain"
)

//go:embed web
var webFS embed.FS

var pages = template.Must(template.ParseFS(webFS, "web/index.html", "web/login.html"))

// ShellConfig is injected into the page as JSON.
type ShellConfig struct {
	AppName      string             `json:"appName"`
	Models       []domain.ModelInfo `json:"models"`
	DefaultModel string             `json:"defaultModel"`
}

type pageData struct {
	AppName string
	Config  ShellConfig
}

func (s *Server) shellConfig() ShellConfig {
	return ShellConfig{
		AppName:      s.cfg.AppName,
		Models:       domain.SupportedModels,
		DefaultModel: domain.ResolveModel(s.cfg.Provider.Model, ""),
	}
}

func (s *Server) renderPage(w http.ResponseWriter, name string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	data := pageData{AppName: s.cfg.AppName, Config: s.shellConfig()}
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		s.logger.Error("render page", "page", name, "error", err)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	s.renderPage(w, "index.html")
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.sessions.Enabled() {
		if _, err := s.sessions.User(r); err == nil {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
	}
	s.renderPage(w, "login.html")
}

type manifestIcon struct {
	Src   string `json:"src"`
	Sizes string `json:"sizes"`
	Type  string `json:"type"`
}

type webManifest struct {
	Name            string         `json:"name"`
	ShortName       string         `json:"short_name"`
	StartURL        string         `json:"start_url"`
	Display         string         `json:"display"`
	BackgroundColor string         `json:"background_color"`
	ThemeColor      string         `json:"theme_color"`
	Icons           []manifestIcon `json:"icons"`
}

func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/manifest+json")
	_ = json.NewEncoder(w).Encode(webManifest{
		Name:            s.cfg.AppName,
		ShortName:       s.cfg.AppName,
		StartURL:        "/",
		Display:         "standalone",
		BackgroundColor: "#0f172a",
		ThemeColor:      "#0f172a",
		Icons:           []manifestIcon{{Src: "/icon.svg", Sizes: "any", Type: "image/svg+xml"}},
	})
}

func (s *Server) handleServiceWorker(w http.ResponseWriter, _ *http.Request) {
	s.serveAsset(w, "web/sw.js", "text/javascript; charset=utf-8")
}

func (s *Server) handleIcon(w http.ResponseWriter, _ *http.Request) {
	s.serveAsset(w, "web/icon.svg", "image/svg+xml")
}

func (s *Server) serveAsset(w http.ResponseWriter, name, contentType string) {
	data, err := webFS.ReadFile(name)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(data)
}

type modelsResponse struct {
	Models  []domain.ModelInfo `json:"models"`
	Default string             `json:"default"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modelsResponse{
		Models:  domain.SupportedModels,
		Default: domain.ResolveModel(s.cfg.Provider.Model, ""),
	})
}

// handleMedia serves a stored attachment by content id.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id, ok := media.IsStoredRef(media.RoutePrefix + r.PathValue("id"))
	if !ok || s.blobs == nil {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("If-None-Match") == strconv.Quote(id) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	blob, err := s.blobs.Get(r.Context(), id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Error("media lookup failed", "id", id, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", blob.MediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.Header().Set("ETag", strconv.Quote(id))
	_, _ = w.Write(blob.Data)
}
