package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"gymbot/internal/storage"
)

type customerPayload struct {
	Name       string `json:"name"`
	RollNumber string `json:"roll_number"`
	Phone      string `json:"phone"`
	Package    string `json:"package"`
	TotalFee   int64  `json:"total_fee"`
	PaidFee    int64  `json:"paid_fee"`
	StartDate  string `json:"start_date"` // YYYY-MM-DD
	EndDate    string `json:"end_date"`
}

type customerResponse struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	RollNumber string `json:"roll_number"`
	Phone      string `json:"phone"`
	Package    string `json:"package"`
	TotalFee   int64  `json:"total_fee"`
	PaidFee    int64  `json:"paid_fee"`
	Remaining  int64  `json:"remaining"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`

	LastFeeReminder    string `json:"last_fee_reminder,omitempty"`
	LastExpiryReminder string `json:"last_expiry_reminder,omitempty"`
	CreatedAt          string `json:"created_at"`
}

func toCustomerResponse(c storage.Customer) customerResponse {
	resp := customerResponse{
		ID:         c.ID,
		Name:       c.Name,
		RollNumber: c.RollNumber,
		Phone:      c.Phone,
		Package:    c.Package,
		TotalFee:   c.TotalFee,
		PaidFee:    c.PaidFee,
		Remaining:  c.Remaining(),
		StartDate:  c.StartDate.Format(dateFormat),
		EndDate:    c.EndDate.Format(dateFormat),
		CreatedAt:  c.CreatedAt.Format(time.RFC3339),
	}
	if c.LastFeeReminder != nil {
		resp.LastFeeReminder = c.LastFeeReminder.Format(time.RFC3339)
	}
	if c.LastExpiryReminder != nil {
		resp.LastExpiryReminder = c.LastExpiryReminder.Format(time.RFC3339)
	}
	return resp
}

func (p customerPayload) toCustomer() (storage.Customer, error) {
	start, err := time.Parse(dateFormat, p.StartDate)
	if err != nil {
		return storage.Customer{}, err
	}
	end, err := time.Parse(dateFormat, p.EndDate)
	if err != nil {
		return storage.Customer{}, err
	}
	return storage.Customer{
		Name:       p.Name,
		RollNumber: p.RollNumber,
		Phone:      p.Phone,
		Package:    p.Package,
		TotalFee:   p.TotalFee,
		PaidFee:    p.PaidFee,
		StartDate:  start,
		EndDate:    end,
	}, nil
}

func (s *Server) handleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req customerPayload
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	c, err := req.toCustomer()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dates: %v", err)
		return
	}
	if err := s.deps.Store.CreateCustomer(r.Context(), &c); err != nil {
		writeError(w, http.StatusBadRequest, "create customer: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, toCustomerResponse(c))
}

func (s *Server) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := s.deps.Store.ListCustomers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list customers: %v", err)
		return
	}
	out := make([]customerResponse, 0, len(customers))
	for _, c := range customers {
		out = append(out, toCustomerResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	c, err := s.deps.Store.GetCustomer(r.Context(), id)
	if err != nil {
		writeError(w, storeStatus(err), "get customer: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerResponse(c))
}

func (s *Server) handleUpdateCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	var req customerPayload
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	c, err := req.toCustomer()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dates: %v", err)
		return
	}
	c.ID = id
	if err := s.deps.Store.UpdateCustomer(r.Context(), c); err != nil {
		writeError(w, storeStatus(err), "update customer: %v", err)
		return
	}
	updated, err := s.deps.Store.GetCustomer(r.Context(), id)
	if err != nil {
		writeError(w, storeStatus(err), "get customer: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, toCustomerResponse(updated))
}

func (s *Server) handleDeleteCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := s.deps.Store.DeleteCustomer(r.Context(), id); err != nil {
		writeError(w, storeStatus(err), "delete customer: %v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkInRequest struct {
	At string `json:"at,omitempty"` // RFC3339, default now
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	// Unknown customers get a 404 instead of a constraint error.
	if _, err := s.deps.Store.GetCustomer(r.Context(), id); err != nil {
		writeError(w, storeStatus(err), "get customer: %v", err)
		return
	}

	at := time.Now()
	if r.ContentLength != 0 {
		var req checkInRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "decode request: %v", err)
			return
		}
		if req.At != "" {
			at, err = time.Parse(time.RFC3339, req.At)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid at %q: want RFC3339", req.At)
				return
			}
		}
	}
	if err := s.deps.Store.RecordAttendance(r.Context(), id, at); err != nil {
		writeError(w, http.StatusInternalServerError, "record attendance: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"checked_in": at.Format(time.RFC3339)})
}

func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	now := time.Now()
	from, err := parseDateQuery(r, "from", now.AddDate(0, -1, 0))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	to, err := parseDateQuery(r, "to", now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	times, err := s.deps.Store.AttendanceBetween(r.Context(), id, from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "attendance: %v", err)
		return
	}
	out := make([]string, 0, len(times))
	for _, t := range times {
		out = append(out, t.Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, map[string]any{"customer_id": id, "check_ins": out})
}

type deliveryResponse struct {
	ID        int64  `json:"id"`
	At        string `json:"at"`
	Kind      string `json:"kind"`
	Phone     string `json:"phone"`
	Canonical string `json:"canonical,omitempty"`
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	Attempts  int    `json:"attempts"`
	ErrKind   string `json:"err_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit %q", raw)
			return
		}
		limit = n
	}
	records, err := s.deps.Store.RecentDeliveries(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "deliveries: %v", err)
		return
	}
	out := make([]deliveryResponse, 0, len(records))
	for _, d := range records {
		out = append(out, deliveryResponse{
			ID:        d.ID,
			At:        d.At.Format(time.RFC3339),
			Kind:      d.Kind,
			Phone:     d.Phone,
			Canonical: d.Canonical,
			Status:    d.Status,
			MessageID: d.MessageID,
			Attempts:  d.Attempts,
			ErrKind:   d.ErrKind,
			Error:     d.Err,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type summaryResponse struct {
	Customers   int64  `json:"customers"`
	Collected   int64  `json:"collected"`
	Outstanding int64  `json:"outstanding"`
	CheckIns    int64  `json:"check_ins"`
	SentLast30d int64  `json:"sent_last_30d"`
	From        string `json:"from"`
	To          string `json:"to"`
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	from, err := parseDateQuery(r, "from", now.AddDate(0, -1, 0))
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	to, err := parseDateQuery(r, "to", now)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	sum, err := s.deps.Store.SummaryBetween(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "summary: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{
		Customers:   sum.Customers,
		Collected:   sum.Collected,
		Outstanding: sum.Outstanding,
		CheckIns:    sum.CheckIns,
		SentLast30d: sum.SentLast30d,
		From:        from.Format(dateFormat),
		To:          to.Format(dateFormat),
	})
}
