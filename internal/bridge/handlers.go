package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/identitylabs/samlgate/internal/policy"
	"github.com/identitylabs/samlgate/internal/saml"
	"github.com/identitylabs/samlgate/internal/session"
)

// Handler serves the SP's HTTP surface: the login kickoff, the assertion
// consumer service, single logout, SP metadata, and the admin endpoints.
type Handler struct {
	orchestrator *Orchestrator
	secure       bool
	logger       *log.Logger
}

// NewHandler creates a Handler. secure controls the Secure flag on session
// cookies and should be true everywhere except local development.
func NewHandler(orchestrator *Orchestrator, secure bool, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{orchestrator: orchestrator, secure: secure, logger: logger}
}

// RegisterRoutes mounts the SAML endpoints on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/saml", func(r chi.Router) {
		r.Get("/login", h.handleLogin)
		r.Post("/acs", h.handleACS)
		r.Get("/slo", h.handleSLO)
		r.Post("/slo", h.handleSLO)
		r.Get("/logout", h.handleLogout)
		r.Get("/metadata", h.handleSPMetadata)
		r.Get("/idps", h.handleIdPLinks)
		r.Get("/session", h.handleSession)

		r.Route("/admin", func(r chi.Router) {
			r.Put("/config", h.handleSaveConfig)
			r.Get("/config", h.handleGetConfig)
			r.Put("/idps/{name}", h.handleSaveIdP)
		})
	})
}

// handleLogin kicks off SP-initiated login. Query parameters: idp selects
// the provider, dest the post-login destination, force requests fresh IdP
// authentication.
func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	idpName := r.URL.Query().Get("idp")
	destination := r.URL.Query().Get("dest")
	forceAuthn := r.URL.Query().Get("force") == "1"

	artifact, err := h.orchestrator.BeginLogin(r.Context(), idpName, destination, forceAuthn)
	if err != nil {
		h.renderError(w, err)
		return
	}
	h.sendArtifact(w, r, artifact)
}

// handleACS receives the IdP's Response over HTTP-POST and completes the
// login attempt.
func (h *Handler) handleACS(w http.ResponseWriter, r *http.Request) {
	inbound, err := saml.ParseInbound(r)
	if err != nil {
		h.renderError(w, err)
		return
	}
	if inbound.IsRequest {
		h.renderError(w, &saml.ProtocolError{
			Code:    saml.ErrCodeMalformedResponse,
			Message: "expected a SAMLResponse at the assertion consumer service",
		})
		return
	}

	idpName := r.URL.Query().Get("idp")
	outcome, err := h.orchestrator.CompleteLogin(r.Context(), idpName, inbound.XML, inbound.RelayState)
	if err != nil {
		h.renderError(w, err)
		return
	}

	http.SetCookie(w, session.Cookie(outcome.Token, outcome.Session.ExpiresAt, h.secure))
	http.Redirect(w, r, outcome.Destination, http.StatusFound)
}

// handleLogout terminates the local session, then forwards the browser to
// the IdP's SLO endpoint when one exists. The cookie is cleared before any
// IdP interaction so local logout cannot be blocked.
func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(session.CookieName)
	http.SetCookie(w, session.ClearCookie(h.secure))
	if err != nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	record, err := h.orchestrator.ValidateSession(cookie.Value)
	if err != nil || record == nil {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	outcome := h.orchestrator.LogoutHook(r.Context(), record.ID)
	if outcome.Artifact != nil {
		h.sendArtifact(w, r, outcome.Artifact)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleSLO receives logout traffic from the IdP: LogoutResponses answering
// our requests, and IdP-initiated LogoutRequests.
func (h *Handler) handleSLO(w http.ResponseWriter, r *http.Request) {
	inbound, err := saml.ParseInbound(r)
	if err != nil {
		// Nothing decodable arrived; the local session state is already
		// whatever logout left it as.
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	idpName := r.URL.Query().Get("idp")

	if inbound.IsRequest {
		artifact, err := h.orchestrator.HandleLogoutRequest(r.Context(), idpName, inbound.XML)
		if err != nil {
			h.renderError(w, err)
			return
		}
		http.SetCookie(w, session.ClearCookie(h.secure))
		h.sendArtifact(w, r, artifact)
		return
	}

	h.orchestrator.HandleLogoutResponse(r.Context(), idpName, inbound.XML)
	http.SetCookie(w, session.ClearCookie(h.secure))
	http.Redirect(w, r, "/", http.StatusFound)
}

// handleSPMetadata serves this SP's metadata document for IdP registration.
func (h *Handler) handleSPMetadata(w http.ResponseWriter, r *http.Request) {
	doc, err := h.orchestrator.SPMetadataDocument(r.Context())
	if err != nil {
		h.renderError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	w.Write(doc)
}

// handleIdPLinks lists configured IdPs for the host login page.
func (h *Handler) handleIdPLinks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"identity_providers": h.orchestrator.IdentityProviderLinks(),
	})
}

// handleSession reports the caller's session, for the host UI.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(session.CookieName)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}
	record, err := h.orchestrator.ValidateSession(cookie.Value)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "session invalid")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":       record.UserKey,
		"idp":        record.IdPName,
		"expires_at": record.ExpiresAt,
	})
}

func (h *Handler) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	var raw map[string]string
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object of string settings")
		return
	}
	if err := h.orchestrator.SaveSettings(r.Context(), raw); err != nil {
		var confErr *saml.ConfigurationError
		if errors.As(err, &confErr) {
			writeError(w, http.StatusUnprocessableEntity, confErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to save configuration")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	raw, err := h.orchestrator.configs.GetConfig(r.Context(), ConfigNamespace)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load configuration")
		return
	}
	writeJSON(w, http.StatusOK, raw)
}

func (h *Handler) handleSaveIdP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	document, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	if err := h.orchestrator.SaveIdPMetadata(r.Context(), name, document); err != nil {
		var confErr *saml.ConfigurationError
		if errors.As(err, &confErr) {
			// The previously active metadata, if any, is still in effect.
			writeError(w, http.StatusUnprocessableEntity, confErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to save metadata")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "idp": name})
}

// sendArtifact delivers an outbound SAML message to the browser via
// whichever binding the engine chose.
func (h *Handler) sendArtifact(w http.ResponseWriter, r *http.Request, artifact *saml.RequestArtifact) {
	if artifact.RedirectURL != "" {
		http.Redirect(w, r, artifact.RedirectURL, http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, artifact.PostForm)
}

// renderError maps the error taxonomy onto user-visible responses.
// Protocol failures get a deliberately generic message; policy denials get
// the administrator-configured text; provisioning gaps get their own page
// so the host can explain account creation.
func (h *Handler) renderError(w http.ResponseWriter, err error) {
	var denial *policy.Denial
	var gap *ProvisioningGap
	var protoErr *saml.ProtocolError
	var confErr *saml.ConfigurationError

	switch {
	case errors.As(err, &denial):
		h.logger.Printf("login denied: reason=%s", denial.Reason)
		renderPage(w, http.StatusForbidden, denial.Message)
	case errors.As(err, &gap):
		h.logger.Printf("login failed: %v", gap)
		renderPage(w, http.StatusForbidden, "Your account has not been set up for this application. Contact your administrator.")
	case errors.As(err, &protoErr):
		h.logger.Printf("saml validation failed: %s: %s", protoErr.Code, protoErr.Details)
		renderPage(w, http.StatusBadRequest, "Authentication failed. Please try signing in again.")
	case errors.As(err, &confErr):
		h.logger.Printf("configuration error: %v", confErr)
		renderPage(w, http.StatusInternalServerError, "Sign-in is not available right now. Contact your administrator.")
	default:
		h.logger.Printf("login error: %v", err)
		renderPage(w, http.StatusInternalServerError, "Authentication failed. Please try signing in again.")
	}
}

func renderPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Sign in</title></head>
<body>
    <p>%s</p>
    <p><a href="/">Return to the application</a></p>
</body>
</html>`, html.EscapeString(message))
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
