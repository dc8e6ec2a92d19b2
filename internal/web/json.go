package web

import (
	"encoding/json"
	"net/http"

	"github.com/sweeney/irrigation-controller/internal/status"
)

type valvesBody struct {
	Valves []status.ValveJSON `json:"valves"`
}

type stateRequest struct {
	State string `json:"state"`
}

type statsBody struct {
	TotalMinutes float64 `json:"totalMinutes"`
}

type depthBody struct {
	Depth *float64 `json:"depth"`
}

type schedulerBody struct {
	Enabled bool `json:"enabled"`
}

type okBody struct {
	OK bool `json:"ok"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
