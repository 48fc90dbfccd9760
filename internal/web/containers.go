// ABOUTME: HTTP handlers for container reads, QR label downloads, the viewer page and authoring
// ABOUTME: Reads go through the access gateway; authoring requires a JWT with the author or admin role

package web

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/2389/coven-locker/internal/auth"
	"github.com/2389/coven-locker/internal/render"
	"github.com/2389/coven-locker/internal/store"
	"github.com/2389/coven-locker/internal/vault"
)

type containerResponse struct {
	ID        string    `json:"id"`
	Scope     string    `json:"scope,omitempty"`
	Size      int       `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ViewerURL string    `json:"viewerUrl"`
}

type putContainerRequest struct {
	Content string `json:"content"`
	Scope   string `json:"scope"`
}

func (s *Server) containerResponse(info *store.ContainerInfo) containerResponse {
	return containerResponse{
		ID:        info.ID,
		Scope:     info.Scope,
		Size:      info.Size,
		CreatedAt: info.CreatedAt,
		UpdatedAt: info.UpdatedAt,
		ViewerURL: render.ViewerURL(s.cfg.BaseURL, info.ID),
	}
}

// rawContentCSP keeps stored bytes inert if a browser navigates to them.
const rawContentCSP = "default-src 'none'; sandbox"

// handleReadContainer handles GET /api/containers/{id}. With ?format=html
// the content is rendered as Markdown and sanitized; otherwise the stored
// bytes are served as plain text, or as a download when they are not UTF-8.
func (s *Server) handleReadContainer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	content, err := s.access.Read(r.Context(), sessionToken(r), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if r.URL.Query().Get("format") == "html" {
		var buf bytes.Buffer
		if err := s.markdown.Convert(content, &buf); err != nil {
			s.writeError(w, fmt.Errorf("rendering container %s: %w", id, err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(s.policy.SanitizeBytes(buf.Bytes()))
		return
	}

	w.Header().Set("Content-Security-Policy", rawContentCSP)
	if utf8.Valid(content) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id))
	}
	_, _ = w.Write(content)
}

// handleQR handles GET /containers/{id}/qr.png. The label carries only the
// viewer URL, so it is served without a session.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := vault.ValidateContainerID(id); err != nil {
		s.writeError(w, err)
		return
	}

	png, err := render.Label(render.ViewerURL(s.cfg.BaseURL, id), id)
	if err != nil {
		s.writeError(w, fmt.Errorf("rendering label for %s: %w", id, err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".png"))
	_, _ = w.Write(png)
}

type viewData struct {
	ContainerID string
}

// handleView handles GET /view?cid=, the page a scanned label opens.
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("cid")
	if err := vault.ValidateContainerID(id); err != nil {
		http.Error(w, "invalid container id", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := viewTemplate.Execute(w, viewData{ContainerID: id}); err != nil {
		s.logger.Error("failed to render view page", "error", err)
	}
}

var viewTemplate = template.Must(template.ParseFS(templateFS, "templates/view.html"))

// handleListContainers handles GET /api/admin/containers.
func (s *Server) handleListContainers(w http.ResponseWriter, r *http.Request) {
	infos, err := s.vault.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]containerResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, s.containerResponse(info))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"containers": out})
}

// handlePutContainer handles PUT /api/admin/containers/{id}.
func (s *Server) handlePutContainer(w http.ResponseWriter, r *http.Request) {
	var req putContainerRequest
	if err := decodeJSON(w, r, maxContentBody, &req); err != nil {
		s.writeError(w, err)
		return
	}

	ctx := r.Context()
	if claims := auth.FromContext(ctx); claims != nil {
		ctx = vault.ActorContext(ctx, claims.Subject)
	}

	info, err := s.vault.Put(ctx, r.PathValue("id"), []byte(req.Content), req.Scope)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.containerResponse(info))
}

// handleDeleteContainer handles DELETE /api/admin/containers/{id}.
func (s *Server) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if claims := auth.FromContext(ctx); claims != nil {
		ctx = vault.ActorContext(ctx, claims.Subject)
	}
	if err := s.vault.Delete(ctx, r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
