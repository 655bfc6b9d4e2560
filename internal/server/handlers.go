package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/spigell/cv-screener/internal/apperr"
	"github.com/spigell/cv-screener/internal/documents"
	"github.com/spigell/cv-screener/internal/jobs"
)

const multipartMemory = 8 << 20

type uploadResponse struct {
	CVID     string `json:"cv_id"`
	ReportID string `json:"report_id"`
}

type evaluateRequest struct {
	JobTitle string `json:"job_title" validate:"required,max=200"`
	CVID     string `json:"cv_id" validate:"required,uuid"`
	ReportID string `json:"report_id" validate:"required,uuid"`
}

type evaluateResponse struct {
	ID     string      `json:"id"`
	Status jobs.Status `json:"status"`
}

type resultResponse struct {
	ID     string       `json:"id"`
	Status jobs.Status  `json:"status"`
	Result *jobs.Result `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

type healthResponse struct {
	OK         bool   `json:"ok"`
	App        string `json:"app"`
	LLMModel   string `json:"llm_model"`
	EmbedModel string `json:"embed_model"`
	Index      string `json:"index"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, fmt.Errorf("upload body: %w", documents.ErrTooLarge))
			return
		}
		s.writeError(w, r, apperr.Validation("multipart", "request must be multipart/form-data with cv and report files: %v", err))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	cvID, err := s.saveUpload(r, "cv")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	reportID, err := s.saveUpload(r, "report")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("documents uploaded", zap.String("cv_id", cvID), zap.String("report_id", reportID))
	s.writeJSON(w, http.StatusOK, uploadResponse{CVID: cvID, ReportID: reportID})
}

func (s *Server) saveUpload(r *http.Request, field string) (string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", apperr.Validation(field, "missing %s file", field)
	}
	defer file.Close()

	id, err := s.documents.Save(header.Filename, file)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, apperr.Validation("body", "invalid JSON body: %v", err))
		return
	}
	req.JobTitle = strings.TrimSpace(req.JobTitle)
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, r, err)
		return
	}

	for _, doc := range []struct{ field, id string }{{"cv_id", req.CVID}, {"report_id", req.ReportID}} {
		ok, err := s.documents.Exists(r.Context(), doc.id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !ok {
			s.writeError(w, r, apperr.NotFound("document", doc.id))
			return
		}
	}

	job, _, err := s.submitter.Submit(r.Context(), req.JobTitle, req.CVID, req.ReportID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, evaluateResponse{ID: job.ID, Status: job.Status})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := resultResponse{ID: job.ID, Status: job.Status}
	switch job.Status {
	case jobs.StatusCompleted:
		resp.Result = job.Result
	case jobs.StatusFailed:
		resp.Error = job.Error
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		OK:         true,
		App:        s.info.App,
		LLMModel:   s.info.LLMModel,
		EmbedModel: s.info.EmbedModel,
		Index:      s.info.Index,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		s.logger.Error("encode response", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := httpStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = http.StatusText(status)
	}
	s.writeJSON(w, status, errorBody{Error: code, Message: msg, Field: fieldOf(err)})
}
