package webapp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/candidatelabs/slackrag/internal/digest"
)

type indexData struct {
	Error string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.renderIndex(w, indexData{})
}

func (s *Server) renderIndex(w http.ResponseWriter, data indexData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.templates.Render(w, "index.html", data); err != nil {
		s.logger.Printf("failed to render index: %v", err)
	}
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	startDate := r.FormValue("start_date")
	endDate := r.FormValue("end_date")
	userEmail := r.FormValue("user_email")
	if startDate == "" || endDate == "" || userEmail == "" {
		http.Error(w, "start_date, end_date and user_email are required", http.StatusBadRequest)
		return
	}

	submissions, err := s.submissions.CollectSubmissions(r.Context(), digest.GenerateOptions{
		StartDate: startDate,
		EndDate:   endDate,
		UserEmail: userEmail,
	})
	if err != nil {
		s.logger.Printf("failed to collect submissions: %v", err)
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusBadRequest)
		return
	}
	if len(submissions) == 0 {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "No submissions found for %s between %s and %s", userEmail, startDate, endDate)
		return
	}

	path, err := s.submissions.WriteSubmissionsCSV(submissions, s.config.OutputDir, startDate, endDate)
	if err != nil {
		s.logger.Printf("failed to write submissions csv: %v", err)
		http.Error(w, fmt.Sprintf("Error: %v", err), http.StatusInternalServerError)
		return
	}

	s.serveFile(w, r, path)
}

// handleDownload serves a previously generated file from the output dir.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/download/")
	// Reject anything that could escape the output dir.
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		http.Error(w, "Invalid file name", http.StatusBadRequest)
		return
	}

	path := filepath.Join(s.config.OutputDir, name)
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}

	s.serveFile(w, r, path)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	name := filepath.Base(path)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if strings.HasSuffix(name, ".csv") {
		w.Header().Set("Content-Type", "text/csv")
	}
	http.ServeFile(w, r, path)
}

type apiUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Title string `json:"title"`
}

func (s *Server) handleAPIUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	users, err := s.users.ListUsers(r.Context())
	if err != nil {
		s.logger.Printf("failed to list users: %v", err)
		http.Error(w, "Failed to list users", http.StatusBadGateway)
		return
	}

	out := make([]apiUser, 0, len(users))
	for _, user := range users {
		if user.IsBot || user.Deleted || user.Email == "" {
			continue
		}
		out = append(out, apiUser{
			ID:    user.ID,
			Email: user.Email,
			Name:  user.DisplayLabel(),
			Title: user.Title,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})

	writeJSON(w, out)
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
