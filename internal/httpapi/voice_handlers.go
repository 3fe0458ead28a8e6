package httpapi

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/tomasbenes/sara/internal/dialog"
	"github.com/tomasbenes/sara/internal/eventlog"
	"github.com/tomasbenes/sara/internal/speech"
	"github.com/tomasbenes/sara/internal/store"
)

// Minimal TwiML for a gather-based conversation.
// Twilio expects Content-Type: text/xml; verbs execute in struct order.
type twimlResponse struct {
	XMLName  xml.Name       `xml:"Response"`
	Say      *twimlSay      `xml:"Say,omitempty"`
	Play     *twimlPlay     `xml:"Play,omitempty"`
	Gather   *twimlGather   `xml:"Gather,omitempty"`
	Redirect *twimlRedirect `xml:"Redirect,omitempty"`
	Hangup   *twimlHangup   `xml:"Hangup,omitempty"`
}

type twimlSay struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
}

type twimlPlay struct {
	URL string `xml:",chardata"`
}

// twimlGather nests the prompt so the customer can barge in over it.
type twimlGather struct {
	Input         string     `xml:"input,attr"`
	Action        string     `xml:"action,attr"`
	Method        string     `xml:"method,attr,omitempty"`
	SpeechTimeout string     `xml:"speechTimeout,attr,omitempty"`
	Say           *twimlSay  `xml:"Say,omitempty"`
	Play          *twimlPlay `xml:"Play,omitempty"`
}

type twimlRedirect struct {
	Method string `xml:"method,attr,omitempty"`
	URL    string `xml:",chardata"`
}

type twimlHangup struct{}

func writeTwiML(w http.ResponseWriter, resp twimlResponse) {
	out, _ := xml.MarshalIndent(resp, "", "  ")
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(out)
}

// promptVerbs renders a synthesized prompt as Play, or Say when every TTS
// provider was down and only the raw text is available.
func promptVerbs(ref speech.AudioRef) (*twimlPlay, *twimlSay) {
	if ref.Degraded {
		return nil, &twimlSay{Text: ref.Text}
	}
	return &twimlPlay{URL: ref.URL}, nil
}

func (r *Router) gatherFor(callID string, ref speech.AudioRef) twimlResponse {
	action := r.cfg.PublicBaseURL + "/gather/" + callID
	play, say := promptVerbs(ref)
	return twimlResponse{
		Gather: &twimlGather{
			Input:         "speech",
			Action:        action,
			Method:        "POST",
			SpeechTimeout: "auto",
			Play:          play,
			Say:           say,
		},
		// No speech at all: re-enter the gather handler with an empty
		// result so the re-prompt policy runs.
		Redirect: &twimlRedirect{Method: "POST", URL: action},
	}
}

// handleVoice answers Twilio's call-answered webhook for an originated
// call and opens the conversation. Duplicate deliveries replay the cached
// greeting instead of synthesizing (and billing) twice.
func (r *Router) handleVoice(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	callSid := req.FormValue("CallSid")
	from := req.FormValue("From")
	to := req.FormValue("To") // the customer on an outbound leg

	if callSid == "" {
		http.Error(w, "missing CallSid", http.StatusBadRequest)
		return
	}

	if r.registry.IsDraining() {
		r.logger.Printf("voice: draining, hanging up call %s", callSid)
		writeTwiML(w, twimlResponse{Hangup: &twimlHangup{}})
		return
	}

	sess, created := r.machine.Begin(callSid, to)
	if created {
		if !r.registry.Add() {
			// Lost the race with shutdown.
			r.sessions.Remove(callSid)
			writeTwiML(w, twimlResponse{Hangup: &twimlHangup{}})
			return
		}

		// Best effort: match the customer so the outcome lands on their row.
		// The lookup must not delay answering past Twilio's webhook timeout.
		var customerRef *string
		lookupCtx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		cust, err := r.records.GetCustomer(lookupCtx, to)
		cancel()
		if err == nil {
			sess.Lock()
			sess.CustomerRef = cust.Ref
			sess.Unlock()
			customerRef = &cust.Ref
		} else {
			r.logger.Printf("voice: no record-store match for %s: %v", to, err)
		}

		if r.store != nil {
			_ = r.store.UpsertCall(req.Context(), store.Call{
				Provider:       "twilio",
				ProviderCallID: callSid,
				FromNumber:     from,
				ToNumber:       to,
				CustomerRef:    customerRef,
				Status:         "in_progress",
				StartedAt:      nowUTC(),
			})
		}
	}

	ref := sess.EnsureGreeting(func() speech.AudioRef {
		synth, err := r.speech.Synthesize(req.Context(), r.machine.Greeting(), r.cfg.TTSVoice)
		if err != nil {
			captureError(req, err, "greeting synthesis")
		}
		r.eventLog.LogAsync(callSid, eventlog.EventGreetingSpoken, map[string]any{"degraded": synth.Degraded})
		return synth
	})

	writeTwiML(w, r.gatherFor(callSid, ref))
}

// handleGather processes one customer answer. Twilio's own speech result
// is used when present; a recording URL goes through the speech adapter
// with its provider fallback chain.
func (r *Router) handleGather(w http.ResponseWriter, req *http.Request) {
	callID := req.PathValue("callID")
	if err := req.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	transcript := req.FormValue("SpeechResult")
	confidence := 0.0
	turnFailed := false

	if transcript != "" {
		confidence, _ = strconv.ParseFloat(req.FormValue("Confidence"), 64)
	} else if recordingURL := req.FormValue("RecordingUrl"); recordingURL != "" {
		tr, err := r.speech.Transcribe(req.Context(), recordingURL)
		if err != nil {
			captureError(req, err, "transcription")
		}
		transcript = tr.Text
		confidence = tr.Confidence
		turnFailed = tr.Degraded
	}

	next, err := r.machine.Advance(req.Context(), callID, transcript, confidence, turnFailed)
	if err != nil {
		if errors.Is(err, dialog.ErrUnknownSession) || errors.Is(err, dialog.ErrSessionTerminal) {
			// Stale webhook; answer politely so Twilio stops retrying.
			writeTwiML(w, twimlResponse{Hangup: &twimlHangup{}})
			return
		}
		captureError(req, err, "advance")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ref, err := r.speech.Synthesize(req.Context(), next.Text, r.cfg.TTSVoice)
	if err != nil {
		captureError(req, err, "prompt synthesis")
	}

	if next.EndCall {
		play, say := promptVerbs(ref)
		writeTwiML(w, twimlResponse{Play: play, Say: say, Hangup: &twimlHangup{}})
		return
	}
	writeTwiML(w, r.gatherFor(callID, ref))
}

// handleStatus consumes Twilio call status callbacks. Terminal statuses
// close the session and hand the outcome to the dispatcher.
func (r *Router) handleStatus(w http.ResponseWriter, req *http.Request) {
	_ = req.ParseForm()
	callSid := req.FormValue("CallSid")
	status := req.FormValue("CallStatus") // queued/ringing/in-progress/completed/...

	if callSid == "" || status == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if r.store != nil {
		_ = r.store.UpdateCallStatus(req.Context(), callSid, status, nowUTC())
	}

	switch status {
	case "completed", "failed", "busy", "no-answer", "canceled":
		if err := r.machine.End(callSid, status); err != nil && !errors.Is(err, dialog.ErrUnknownSession) {
			captureError(req, err, "call end")
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleAudio serves synthesized prompts back to Twilio for playback.
func (r *Router) handleAudio(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	audio, ok := r.audio.Get(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	contentType := "audio/basic" // ulaw 8k from the primary provider
	if bytes.HasPrefix(audio, []byte("RIFF")) {
		contentType = "audio/wav"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(audio)
}
