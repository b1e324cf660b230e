//go:build unix

package fleet

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

const mimeJson = "application/json; charset=UTF-8"

// adminHandler exposes a read-only view of a running Supervisor over
// HTTP. Mutating the fleet stays in the signal protocol; the API is
// for inspection only.
type adminHandler struct {
	s *Supervisor
	r *mux.Router
}

func (h *adminHandler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *adminHandler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *adminHandler) getInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, h.s.GetInfo())
}

func (h *adminHandler) listChildren(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, h.s.Children())
}

func (h *adminHandler) getChild(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name := vars["name"]
	for _, c := range h.s.Children() {
		if c.Name == name {
			h.writeJson(w, c)
			return
		}
	}
	http.Error(w, "no such child", http.StatusNotFound)
}

func (h *adminHandler) getLog(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, h.s.Notices())
}

func (h *adminHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

// Handler returns the admin API handler for s. The supervisor serves
// it on the admin address when one is configured; callers embedding a
// Supervisor can also mount it themselves.
func (s *Supervisor) Handler() http.Handler {
	r := mux.NewRouter()
	h := &adminHandler{s: s, r: r}
	r.HandleFunc("/fleet", h.getInfo).Methods("GET")
	r.HandleFunc("/fleet/children", h.listChildren).Methods("GET")
	r.HandleFunc("/fleet/children/{name}", h.getChild).Methods("GET")
	r.HandleFunc("/fleet/log", h.getLog).Methods("GET")
	return h
}
