package httpapi

import (
	"errors"
	"net/http"
	"time"

	"gymbot/internal/storage"
	"gymbot/internal/wa"
	logx "gymbot/pkg/logx"
)

type statusResponse struct {
	State            string `json:"state"`
	PairingChallenge string `json:"pairing_challenge,omitempty"`
	Retries          int    `json:"retries"`
}

func toStatusResponse(st wa.Status) statusResponse {
	return statusResponse{
		State:            st.State.String(),
		PairingChallenge: st.PairingChallenge,
		Retries:          st.Retries,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toStatusResponse(s.deps.Session.Status()))
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Session.Initialize(r.Context())
	if err != nil {
		var be *wa.BringUpError
		if errors.As(err, &be) {
			writeJSON(w, http.StatusBadGateway, struct {
				statusResponse
				Error string `json:"error"`
			}{toStatusResponse(st), err.Error()})
			return
		}
		writeError(w, http.StatusInternalServerError, "initialize: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(st))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.deps.Session.Disconnect(r.Context())
	writeJSON(w, http.StatusOK, toStatusResponse(s.deps.Session.Status()))
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Session.Restart(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, struct {
			statusResponse
			Error string `json:"error"`
		}{toStatusResponse(st), err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, toStatusResponse(st))
}

type sendRequest struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

type sendResponse struct {
	Status    string `json:"status"`
	Phone     string `json:"phone"`
	Canonical string `json:"canonical,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Attempts  int    `json:"attempts"`
	ErrKind   string `json:"err_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}

	out := s.deps.Sender.Send(r.Context(), req.Phone, req.Text)
	s.logDelivery(r, "manual", out)

	resp := sendResponse{
		Status:    out.Status.String(),
		Phone:     out.Recipient.Raw,
		Canonical: out.Recipient.Canonical,
		MessageID: out.MessageID,
		Attempts:  out.Attempts,
		Error:     out.Err,
	}
	if out.Status != wa.DeliverySent {
		resp.ErrKind = out.ErrKind.String()
	}
	writeJSON(w, outcomeStatus(out), resp)
}

// logDelivery appends the outcome to the persistent delivery log.
// Best-effort: a logging failure never fails the send.
func (s *Server) logDelivery(r *http.Request, kind string, out wa.Outcome) {
	rec := storage.DeliveryRecord{
		At:        time.Now(),
		Kind:      kind,
		Phone:     out.Recipient.Raw,
		Canonical: out.Recipient.Canonical,
		Status:    out.Status.String(),
		MessageID: out.MessageID,
		Attempts:  out.Attempts,
		Err:       out.Err,
	}
	if out.Status != wa.DeliverySent {
		rec.ErrKind = out.ErrKind.String()
	}
	if err := s.deps.Store.AppendDelivery(r.Context(), rec); err != nil {
		s.log.Warn("delivery log append failed", logx.Err(err))
	}
}

type validatePhoneRequest struct {
	Phone string `json:"phone"`
}

type validatePhoneResponse struct {
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	Canonical string `json:"canonical,omitempty"`
	RoutingID string `json:"routing_id,omitempty"`
}

func (s *Server) handleValidatePhone(w http.ResponseWriter, r *http.Request) {
	var req validatePhoneRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	res := wa.ValidatePhone(req.Phone)
	resp := validatePhoneResponse{OK: res.OK, Reason: res.Reason}
	if res.OK {
		resp.Canonical = res.Recipient.Canonical
		resp.RoutingID = res.Recipient.RoutingID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunFeeReminders(w http.ResponseWriter, r *http.Request) {
	go s.deps.Reminders.RunFeeReminders(s.backgroundCtx())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) handleRunExpiryReminders(w http.ResponseWriter, r *http.Request) {
	go s.deps.Reminders.RunExpiryReminders(s.backgroundCtx())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}
