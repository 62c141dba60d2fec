// Package httpapi is the thin HTTP surface over the session and the
// renderer: input validation, readiness gating and error translation.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/abdoul9859/wagateway/engine"
	"github.com/abdoul9859/wagateway/internal/render"
	"github.com/abdoul9859/wagateway/pkg/phone"
)

// Session is the slice of the engine session the handlers need.
type Session interface {
	SendText(ctx context.Context, target, text string) (string, error)
	SendDocument(ctx context.Context, target string, doc engine.Document) (string, error)
	Status() engine.Status
	QRImage() ([]byte, error)
	Reset()
}

// Renderer converts a remote HTML document into PDF bytes.
type Renderer interface {
	RenderPDF(ctx context.Context, sourceURL, filename string) ([]byte, error)
}

// Journal lists recent outbound sends. Optional.
type Journal interface {
	Recent(ctx context.Context, limit int) ([]engine.SentMessage, error)
}

// Handler holds the gateway's HTTP handlers.
type Handler struct {
	session  Session
	renderer Renderer
	journal  Journal
	log      zerolog.Logger
}

// New builds the handler set. journal may be nil.
func New(session Session, renderer Renderer, journal Journal, log zerolog.Logger) *Handler {
	return &Handler{session: session, renderer: renderer, journal: journal, log: log}
}

// RegisterRoutes mounts the gateway surface on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/send", h.handleSendText)
	r.Post("/api/sendText", h.handleSendText)
	r.Post("/api/sendPdf", h.handleSendPdf)
	r.Get("/status", h.handleStatus)
	r.Get("/qr", h.handleQR)
	r.Post("/reset", h.handleReset)
	r.Get("/api/sent", h.handleSent)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func (h *Handler) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
		Text  string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target := phone.Normalize(req.Phone)
	if target == "" || strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "phone and text are required")
		return
	}

	if _, err := h.session.SendText(r.Context(), target, req.Text); err != nil {
		h.respondSendError(w, err)
		return
	}
	respondOK(w, "")
}

func (h *Handler) handleSendPdf(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone    string `json:"phone"`
		HTMLURL  string `json:"htmlUrl"`
		Filename string `json:"filename"`
		Caption  string `json:"caption"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target := phone.Normalize(req.Phone)
	if target == "" || strings.TrimSpace(req.HTMLURL) == "" {
		respondError(w, http.StatusBadRequest, "phone and htmlUrl are required")
		return
	}
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = "document.pdf"
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		filename += ".pdf"
	}

	// Gate on readiness before paying the render cost.
	if !h.session.Status().Connected {
		respondError(w, http.StatusServiceUnavailable, engine.ErrNotReady.Error())
		return
	}

	pdf, err := h.renderer.RenderPDF(r.Context(), req.HTMLURL, filename)
	if err != nil {
		h.log.Error().Err(err).Str("url", req.HTMLURL).Msg("pdf render failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	doc := engine.Document{
		Data:     pdf,
		FileName: filename,
		MimeType: "application/pdf",
		Caption:  req.Caption,
	}
	if _, err := h.session.SendDocument(r.Context(), target, doc); err != nil {
		h.respondSendError(w, err)
		return
	}
	respondOK(w, "")
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, h.session.Status())
}

func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	png, err := h.session.QRImage()
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, qrPage, base64.StdEncoding.EncodeToString(png))
}

func (h *Handler) handleReset(w http.ResponseWriter, _ *http.Request) {
	h.session.Reset()
	respondOK(w, "session reset scheduled; a new pairing code will be issued")
}

func (h *Handler) handleSent(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		respondError(w, http.StatusNotFound, "journal disabled")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := h.journal.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []engine.SentMessage{}
	}
	respondJSON(w, http.StatusOK, msgs)
}

// respondSendError maps the engine error taxonomy onto HTTP statuses.
func (h *Handler) respondSendError(w http.ResponseWriter, err error) {
	var te *engine.TransportError
	var fe *render.FetchError
	switch {
	case errors.Is(err, engine.ErrNotReady):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &te), errors.As(err, &fe):
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

const qrPage = `<!DOCTYPE html>
<html>
<head><title>WhatsApp pairing</title></head>
<body style="display:flex;flex-direction:column;align-items:center;font-family:sans-serif">
<h2>Scan to link WhatsApp</h2>
<img alt="pairing code" width="256" height="256" src="data:image/png;base64,%s">
<p>Open WhatsApp &gt; Linked devices &gt; Link a device.</p>
</body>
</html>
`
