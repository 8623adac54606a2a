package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/temscope/eventgw/internal/codec"
	"github.com/temscope/eventgw/internal/device"
	"github.com/temscope/eventgw/internal/ws"
)

const maxBodyBytes = 64 << 20

// resourceName is the greedy remainder of the path after /v1/, always
// unescaped. chi matches on RawPath when the request carries one, so the
// captured remainder is still escaped in that case.
func resourceName(r *http.Request) string {
	name := chi.URLParam(r, "*")
	if r.URL.RawPath == "" {
		return name
	}
	if unescaped, err := url.PathUnescape(name); err == nil {
		return unescaped
	}
	return name
}

func (g *Gateway) handleRead(w http.ResponseWriter, r *http.Request) {
	name := resourceName(r)
	if name == "" {
		http.NotFound(w, r)
		return
	}

	g.coordinator.Notify(ws.ReadEvent(name))

	if g.device == nil {
		writeText(w, fmt.Sprintf("HTTP -GET for %s", name))
		return
	}

	v, err := g.device.Get(r.Context(), name)
	if err != nil {
		g.writeError(w, name, err)
		return
	}
	g.writeValue(w, name, v)
}

func (g *Gateway) handleWrite(w http.ResponseWriter, r *http.Request) {
	name := resourceName(r)
	if name == "" {
		http.NotFound(w, r)
		return
	}

	g.coordinator.Notify(ws.WriteEvent(name))

	if g.device == nil {
		writeText(w, fmt.Sprintf("HTTP-PUT for %s", name))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	value, err := codec.Decode(body)
	if err != nil {
		g.writeError(w, name, fmt.Errorf("%w: %v", device.ErrInvalidValue, err))
		return
	}

	v, err := g.device.Set(r.Context(), name, value)
	if err != nil {
		g.writeError(w, name, err)
		return
	}
	g.writeValue(w, name, v)
}

type healthResponse struct {
	Status     string `json:"status"`
	Sessions   int    `json:"sessions"`
	Overloaded bool   `json:"overloaded"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Sessions:   g.registry.Count(),
		Overloaded: g.overload.Overloaded(),
	}
	if resp.Overloaded {
		resp.Status = "overloaded"
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, body)
}

func (g *Gateway) writeValue(w http.ResponseWriter, name string, v any) {
	data, err := codec.Marshal(v)
	if err != nil {
		g.writeError(w, name, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (g *Gateway) writeError(w http.ResponseWriter, name string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, device.ErrUnknownResource):
		status = http.StatusNotFound
	case errors.Is(err, device.ErrReadOnly):
		status = http.StatusMethodNotAllowed
	case errors.Is(err, device.ErrInvalidValue), errors.Is(err, codec.ErrInvalidArray):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		g.log.Error("resource request failed", zap.String("name", name), zap.Error(err))
	}
	http.Error(w, err.Error(), status)
}
