package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"dashsync/internal/engine"
	"dashsync/internal/syncer"
)

const (
	signatureHeader = "X-Hub-Signature-256"
	eventHeader     = "X-GitHub-Event"
	deliveryHeader  = "X-GitHub-Delivery"
)

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

// validSignature checks a "sha256=<hex>" header against the HMAC of body.
func validSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Sign returns the X-Hub-Signature-256 value GitHub sends for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func registerWebhook(r chi.Router, basePath string, e engine.Engine, secret string) {
	log := e.Logger.WithField("component", "webhook")
	r.Post(path.Join(basePath, "webhooks/github"), func(w http.ResponseWriter, req *http.Request) {
		if strings.TrimSpace(secret) == "" {
			respondStatusError(w, newAPIError(http.StatusServiceUnavailable, "webhook_disabled", "webhook secret not configured", nil))
			return
		}
		body := bodyBytes(req.Context())
		if !validSignature(secret, body, req.Header.Get(signatureHeader)) {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", "signature mismatch", nil))
			return
		}
		event := req.Header.Get(eventHeader)
		dlog := log.WithFields(logrus.Fields{"event": event, "delivery": req.Header.Get(deliveryHeader)})
		if event == "ping" {
			writeJSON(w, http.StatusOK, WebhookResponse{Status: "pong", Event: event})
			return
		}
		res, err := e.ApplyWebhook(req.Context(), event, body)
		switch {
		case errors.Is(err, syncer.ErrUnsupportedEvent):
			dlog.Debug("webhook event ignored")
			writeJSON(w, http.StatusAccepted, WebhookResponse{Status: "ignored", Event: event})
			return
		case err != nil && res.ID == "":
			dlog.WithError(err).Warn("webhook rejected")
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil))
			return
		case err != nil:
			dlog.WithError(err).Error("webhook applied but not recorded")
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()}))
			return
		}
		writeJSON(w, http.StatusOK, WebhookResponse{
			Status:      "applied",
			Event:       event,
			ImportLogID: res.ID,
			ImportState: string(res.Status),
		})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
