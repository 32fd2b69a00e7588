package httpapi

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/stepherg/fhemsync"
	"github.com/stepherg/fhemsync/session"
)

// ParameterSource lists known parameters.
type ParameterSource interface {
	All() []fhemsync.Parameter
}

// StatusSource reports engine status.
type StatusSource interface {
	Status() session.Status
}

// ParametersHandler serves the parameter store. An "id" query parameter
// narrows the listing to one identity.
func ParametersHandler(src ParameterSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		params := src.All()
		if id := r.URL.Query().Get("id"); id != "" {
			filtered := params[:0:0]
			for _, p := range params {
				if string(p.ID) == id {
					filtered = append(filtered, p)
				}
			}
			params = filtered
		}
		sort.Slice(params, func(i, j int) bool { return params[i].ID < params[j].ID })
		out := struct {
			Parameters []fhemsync.Parameter `json:"parameters"`
			Count      int                  `json:"count"`
		}{Parameters: params, Count: len(params)}
		if out.Parameters == nil {
			out.Parameters = []fhemsync.Parameter{}
		}
		writeJSON(w, out)
	}
}

// StatusHandler serves the connectivity status.
func StatusHandler(src StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !allowGet(w, r) {
			return
		}
		writeJSON(w, src.Status())
	}
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	writeCORS(w)
	switch r.Method {
	case http.MethodGet:
		return true
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
	return false
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}
