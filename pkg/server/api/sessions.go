package api

import (
	"net/http"

	"github.com/IpsoVeritas/aquiles"
	"github.com/IpsoVeritas/logger"
	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
)

// SessionController lets an operator inspect the connected sessions and suspend one,
// which the client sees as the service disconnecting.
type SessionController struct {
	sessions aquiles.SessionRegistry
}

func NewSessionController(sessions aquiles.SessionRegistry) *SessionController {
	return &SessionController{
		sessions: sessions,
	}
}

type sessionInfo struct {
	ID           string               `json:"id"`
	Capabilities []aquiles.Capability `json:"capabilities"`
}

func (s *SessionController) List(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	list := s.sessions.List()
	infos := make([]sessionInfo, 0, len(list))
	for _, sess := range list {
		infos = append(infos, sessionInfo{
			ID:           sess.ID(),
			Capabilities: sess.Capabilities(),
		})
	}

	writeJSON(w, http.StatusOK, infos)
}

func (s *SessionController) Suspend(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sessionID := params.ByName("sessionID")

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		http.Error(w, errors.Wrap(err, "failed to get session").Error(), http.StatusNotFound)
		return
	}

	if err := sess.Suspend(aquiles.CauseServiceDisconnected); err != nil {
		logger.Error(err)
		http.Error(w, errors.Wrap(err, "failed to suspend session").Error(), http.StatusConflict)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := aquiles.Marshal(v)
	if err != nil {
		logger.Error(errors.Wrap(err, "failed to marshal response"))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
