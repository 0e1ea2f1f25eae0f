package server

import (
	"net/http"

	"neuralmri-go/internal/analysis"
	"neuralmri-go/internal/perturb"
)

type loadRequest struct {
	ModelID string `json:"model_id"`
	Path    string `json:"path"`
}

func (s *Server) loadModel(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	info, err := s.session.LoadModel(r.Context(), req.ModelID, req.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) modelInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.session.ModelInfo()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) unloadModel(w http.ResponseWriter, _ *http.Request) {
	s.session.UnloadModel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "unloaded"})
}

// handle decodes a request of type Req, runs fn and writes its result.
func handle[Req, Res any](w http.ResponseWriter, r *http.Request, req Req, fn func(*http.Request, Req) (Res, error)) {
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := fn(r, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) scanStructural(w http.ResponseWriter, r *http.Request) {
	res, err := s.session.ScanStructural(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) scanWeights(w http.ResponseWriter, r *http.Request) {
	handle(w, r, analysis.WeightRequest{}, func(r *http.Request, req analysis.WeightRequest) (*analysis.WeightData, error) {
		return s.session.ScanWeights(r.Context(), req)
	})
}

func (s *Server) scanActivation(w http.ResponseWriter, r *http.Request) {
	handle(w, r, analysis.ActivationRequest{}, func(r *http.Request, req analysis.ActivationRequest) (*analysis.ActivationData, error) {
		return s.session.ScanActivation(r.Context(), req)
	})
}

func (s *Server) scanCircuit(w http.ResponseWriter, r *http.Request) {
	handle(w, r, analysis.CircuitRequest{TargetTokenIdx: -1}, func(r *http.Request, req analysis.CircuitRequest) (*analysis.CircuitData, error) {
		return s.session.ScanCircuit(r.Context(), req)
	})
}

func (s *Server) scanAnomaly(w http.ResponseWriter, r *http.Request) {
	handle(w, r, analysis.AnomalyRequest{}, func(r *http.Request, req analysis.AnomalyRequest) (*analysis.AnomalyData, error) {
		return s.session.ScanAnomaly(r.Context(), req)
	})
}

func (s *Server) scanSAE(w http.ResponseWriter, r *http.Request) {
	handle(w, r, analysis.SAERequest{TopK: analysis.DefaultSAETopK}, func(r *http.Request, req analysis.SAERequest) (*analysis.SAEData, error) {
		return s.session.ScanSAE(r.Context(), req)
	})
}

func (s *Server) saeInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.session.SAEInfo())
}

func (s *Server) saeSupport(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.session.SAESupport())
}

func (s *Server) zeroOut(w http.ResponseWriter, r *http.Request) {
	handle(w, r, perturb.ComponentRequest{}, func(r *http.Request, req perturb.ComponentRequest) (*perturb.PerturbResult, error) {
		return s.session.ZeroOut(r.Context(), req)
	})
}

func (s *Server) amplify(w http.ResponseWriter, r *http.Request) {
	handle(w, r, perturb.AmplifyRequest{}, func(r *http.Request, req perturb.AmplifyRequest) (*perturb.PerturbResult, error) {
		return s.session.Amplify(r.Context(), req)
	})
}

func (s *Server) ablate(w http.ResponseWriter, r *http.Request) {
	handle(w, r, perturb.ComponentRequest{}, func(r *http.Request, req perturb.ComponentRequest) (*perturb.PerturbResult, error) {
		return s.session.Ablate(r.Context(), req)
	})
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request) {
	handle(w, r, perturb.PatchRequest{TargetTokenIdx: -1}, func(r *http.Request, req perturb.PatchRequest) (*perturb.PatchResult, error) {
		return s.session.Patch(r.Context(), req)
	})
}

func (s *Server) causalTrace(w http.ResponseWriter, r *http.Request) {
	handle(w, r, perturb.CausalTraceRequest{TargetTokenIdx: -1}, func(r *http.Request, req perturb.CausalTraceRequest) (*perturb.CausalTraceResult, error) {
		return s.session.CausalTrace(r.Context(), req)
	})
}

type cacheStatus struct {
	EntryCount int      `json:"entry_count"`
	MaxEntries int      `json:"max_entries"`
	Hits       int64    `json:"hits"`
	Misses     int64    `json:"misses"`
	Keys       []string `json:"keys"`
}

func (s *Server) cacheStatus(w http.ResponseWriter, _ *http.Request) {
	c := s.session.Cache()
	hits, misses := c.Stats()
	writeJSON(w, http.StatusOK, cacheStatus{
		EntryCount: c.Len(),
		MaxEntries: c.Capacity(),
		Hits:       hits,
		Misses:     misses,
		Keys:       c.Keys(),
	})
}

func (s *Server) clearCache(w http.ResponseWriter, _ *http.Request) {
	s.session.Cache().Clear()
	s.log.Info("scan cache cleared")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
