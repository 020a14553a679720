package ops

import (
	"encoding/json"
	"net/http"

	"exec-guard-go/infrastructure/logger"
)

// Handler 返回运维HTTP接口。只做参数解析与编解码，逻辑全在 Service。
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ops/killswitch/activate", s.handleActivate)
	mux.HandleFunc("/ops/killswitch/deactivate", s.handleDeactivate)
	mux.HandleFunc("/ops/killswitch/status", s.handleKillSwitchStatus)
	mux.HandleFunc("/ops/risk/status", s.handleRiskStatus)
	mux.HandleFunc("/ops/canary/status", s.handleCanaryStatus)
	mux.HandleFunc("/ops/canary/start", s.handleCanaryStart)
	mux.HandleFunc("/ops/mode/shadow", s.handleForceShadow)
	mux.HandleFunc("/ops/recon/run", s.handleReconRun)
	mux.HandleFunc("/ops/adapter/resync", s.handleResync)
	return mux
}

// Serve 在addr上阻塞运行运维接口。
func (s *Service) Serve(addr string, log *logger.Logger) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	return srv.ListenAndServe()
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Service) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodePost(w, r, &req) {
		return
	}
	res, err := s.ActivateKillSwitch(req.Reason)
	respond(w, res, err)
}

func (s *Service) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodePost(w, r, &req) {
		return
	}
	res, err := s.DeactivateKillSwitch(req.Reason)
	respond(w, res, err)
}

func (s *Service) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	st, history, err := s.KillSwitchStatus(50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state": st, "history": history,
	})
}

func (s *Service) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.RiskStatus())
}

func (s *Service) handleCanaryStatus(w http.ResponseWriter, r *http.Request) {
	mode, st := s.CanaryStatus()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mode": mode, "canary": st,
	})
}

func (s *Service) handleCanaryStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	res, err := s.StartCanary()
	respond(w, res, err)
}

func (s *Service) handleForceShadow(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if !decodePost(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.ForceShadow(req.Reason))
}

func (s *Service) handleReconRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	res, _, err := s.RunReconciliationNow(r.Context())
	respond(w, res, err)
}

func (s *Service) handleResync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	res, err := s.ResyncAdapter(r.Context())
	respond(w, res, err)
}

var errMethodNotAllowed = &opsError{"method not allowed"}

type opsError struct{ msg string }

func (e *opsError) Error() string { return e.msg }

func decodePost(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func respond(w http.ResponseWriter, res Result, err error) {
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
