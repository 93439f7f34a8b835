package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/zombor/invoice-extractor/internal/batch"
	"github.com/zombor/invoice-extractor/internal/export"
	"github.com/zombor/invoice-extractor/internal/extraction"
	"github.com/zombor/invoice-extractor/internal/llm"
)

// maxUploadSize bounds a whole batch upload
const maxUploadSize = int64(100 << 20)

// corsError writes a plain error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes {"error": message}
func jsonError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(indexHTML)
}

func (s *Server) handleStaticCSS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/css")
	w.Write(appCSS)
}

func (s *Server) handleStaticJS(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Write(appJS)
}

// readDocuments collects every uploaded file in form order. Both the
// "files" and the single "file" field are accepted.
func readDocuments(form *multipart.Form) ([]extraction.Document, error) {
	var headers []*multipart.FileHeader
	headers = append(headers, form.File["files"]...)
	headers = append(headers, form.File["file"]...)

	docs := make([]extraction.Document, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", header.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", header.Filename, err)
		}
		docs = append(docs, extraction.NewDocument(header.Filename, header.Header.Get("Content-Type"), data))
	}
	return docs, nil
}

// handleExtract runs one batch over the uploaded files
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "Upload is too large. Maximum size is 100MB per batch.", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "Error parsing form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	docs, err := readDocuments(r.MultipartForm)
	if err != nil {
		slog.Error("Error reading uploaded files", "error", err)
		jsonError(w, "Error reading files. Please try again.", http.StatusInternalServerError)
		return
	}
	if len(docs) == 0 {
		jsonError(w, "No files were selected. Please choose at least one document.", http.StatusBadRequest)
		return
	}

	credential := llm.Credential(strings.TrimSpace(r.FormValue("api_key")))

	slog.Info("Extraction requested",
		"documents", len(docs),
		"interactive_key", credential != llm.NoCredential,
	)

	run, err := s.service.ProcessDocuments(r.Context(), docs, ProcessOptions{
		Credential: credential,
		Progress: func(p batch.Progress) {
			slog.Debug("Extraction progress",
				"completed", p.Completed,
				"total", p.Total,
				"filename", p.Outcome.Document,
				"state", p.Outcome.State,
			)
		},
	})
	switch {
	case run != nil && errors.Is(err, context.Canceled):
		slog.Warn("Extraction cancelled by client", "id", run.ID)
		return
	case errors.Is(err, ErrNoCredentials):
		jsonError(w, "No API key is configured. Please enter an API key.", http.StatusBadRequest)
		return
	case errors.Is(err, llm.ErrPoolExhausted):
		slog.Error("No usable model", "error", err)
		jsonError(w, "No API key and model combination is available. Check your API keys.", http.StatusBadGateway)
		return
	case err != nil:
		slog.Error("Error processing documents", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.service.ListRuns()
	if err != nil {
		slog.Error("Error listing runs", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.service.GetRun(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			corsError(w, "Run not found", http.StatusNotFound)
			return
		}
		slog.Error("Error getting run", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetRunWorkbook(w http.ResponseWriter, r *http.Request) {
	data, name, err := s.service.GetRunWorkbook(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrNoWorkbook) {
			corsError(w, "Workbook not found", http.StatusNotFound)
			return
		}
		slog.Error("Error getting workbook", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Write(data)
}

func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteRun(r.PathValue("id")); err != nil {
		if errors.Is(err, ErrRunNotFound) {
			corsError(w, "Run not found", http.StatusNotFound)
			return
		}
		slog.Error("Error deleting run", "error", err)
		corsError(w, "Error deleting run", http.StatusInternalServerError)
		return
	}
	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}
