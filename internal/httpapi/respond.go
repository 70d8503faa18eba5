package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"gymbot/internal/storage"
	"gymbot/internal/wa"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorBody{Error: fmt.Sprintf(format, args...)})
}

// decodeJSON strictly decodes the request body into v. Unknown fields and
// trailing garbage are rejected so typos surface as 400s instead of being
// silently dropped.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return err
	}
	if len(body) > maxBodyBytes {
		return errors.New("request body too large")
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return errors.New("trailing data after JSON body")
		}
		return err
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", r.PathValue("id"))
	}
	return id, nil
}

// storeStatus maps storage errors onto HTTP statuses.
func storeStatus(err error) int {
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// outcomeStatus maps a delivery outcome onto an HTTP status. Local
// rejections are the caller's fault; a not-ready session is temporary;
// everything else failed upstream.
func outcomeStatus(out wa.Outcome) int {
	switch out.Status {
	case wa.DeliverySent:
		return http.StatusOK
	case wa.DeliveryRejected:
		if out.ErrKind == wa.KindNotReady {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

const dateFormat = "2006-01-02"

// parseDateQuery reads an optional ?name=YYYY-MM-DD query parameter.
func parseDateQuery(r *http.Request, name string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	t, err := time.Parse(dateFormat, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: want YYYY-MM-DD", name, raw)
	}
	return t, nil
}
