package app

import (
	"errors"
	"net/http"

	"github.com/MrWong99/callwire/internal/media"
	"github.com/MrWong99/callwire/internal/observe"
	"github.com/MrWong99/callwire/internal/orchestrator"
	"github.com/MrWong99/callwire/internal/token"
)

// unavailableMessage is spoken when the webhook cannot hand the call to a
// media stream.
const unavailableMessage = "We're sorry, we can't take your call right now. Please try again later. Goodbye."

// Carrier webhook form fields.
const (
	formCalled  = "To"
	formCaller  = "From"
	formCallSID = "CallSid"
)

// handleVoice answers the carrier's inbound-call webhook. Only a request with
// a valid signature gets a stream token; the reply carries the token but
// never the phone numbers it is bound to.
func (a *App) handleVoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)

	if err := a.webhook.Validate(r); err != nil {
		a.metrics.RecordTokenRejected(ctx, "bad-signature")
		log.Warn("voice webhook rejected", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	called := r.PostForm.Get(formCalled)
	caller := r.PostForm.Get(formCaller)
	if called == "" {
		log.Warn("voice webhook without dialed number", "call_sid", r.PostForm.Get(formCallSID))
		http.Error(w, "missing To", http.StatusBadRequest)
		return
	}

	tok := a.tokens.Issue(called, caller)
	a.metrics.TokensIssued.Add(ctx, 1)

	body, err := media.StreamInstruction(a.streamURL, tok)
	if err != nil {
		log.Error("render stream instruction", "call_sid", r.PostForm.Get(formCallSID), "err", err)
		body, err = media.SayAndHangup(unavailableMessage)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	log.Info("inbound call accepted", "call_sid", r.PostForm.Get(formCallSID))
	writeTwiML(w, body)
}

// handleMedia upgrades the carrier's media connection and hands it to the
// orchestrator for the life of the call.
func (a *App) handleMedia(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	if a.draining {
		a.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	a.streams.Add(1)
	a.mu.Unlock()
	defer a.streams.Done()

	log := observe.Logger(r.Context())
	conn, err := media.Accept(w, r)
	if err != nil {
		log.Warn("media upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	err = a.orch.Serve(r.Context(), conn)
	switch {
	case err == nil:
	case errors.Is(err, token.ErrRejected):
		log.Warn("media stream refused", "remote", r.RemoteAddr, "err", err)
	case errors.Is(err, orchestrator.ErrContextNotFound):
		log.Info("media stream for unserved number closed", "err", err)
	case errors.Is(err, orchestrator.ErrContextUnavailable):
		log.Error("media stream closed, call context unavailable", "err", err)
	default:
		log.Error("media stream failed", "err", err)
	}
}

func writeTwiML(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
