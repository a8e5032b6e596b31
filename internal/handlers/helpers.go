package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

const maxBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// decodeJSON reads a size-limited JSON body into v. An empty body leaves v
// untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func uintParam(r *http.Request, name string) (uint, bool) {
	n, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || n == 0 {
		return 0, false
	}
	return uint(n), true
}
