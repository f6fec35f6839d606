package webui

import (
	"encoding/json"
	"net/http"
	"regexp"

	"riskteam/pkg/config"
	"riskteam/pkg/logx"
)

var secretNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// SecretEntry represents a secret for the API response (name only, no value).
type SecretEntry struct {
	Name string `json:"name"`
}

// handleSecretsList implements GET /api/secrets.
// Values are never returned.
func (s *Server) handleSecretsList(w http.ResponseWriter, _ *http.Request) {
	names := config.GetDecryptedSecretNames()
	entries := make([]SecretEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, SecretEntry{Name: name})
	}
	s.writeJSON(w, http.StatusOK, entries)
	s.logger.Debug("Served secrets list: %d secrets", len(entries))
}

// handleSecretsSet implements POST /api/secrets.
func (s *Server) handleSecretsSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		http.Error(w, "Secret name is required", http.StatusBadRequest)
		return
	}
	if body.Value == "" {
		http.Error(w, "Secret value is required", http.StatusBadRequest)
		return
	}
	if !secretNamePattern.MatchString(body.Name) {
		http.Error(w, "Secret name must contain only alphanumeric characters and underscores", http.StatusBadRequest)
		return
	}

	config.SetSecret(body.Name, body.Value)
	if err := s.persistSecrets(); err != nil {
		http.Error(w, "Secret set in memory but could not be saved", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "name": body.Name})
	s.logger.Info("Secret %q set", body.Name)
}

// handleSecretsDelete implements DELETE /api/secrets/{name}.
func (s *Server) handleSecretsDelete(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !secretNamePattern.MatchString(name) {
		http.Error(w, "Invalid secret name", http.StatusBadRequest)
		return
	}

	config.DeleteSecret(name)
	if err := s.persistSecrets(); err != nil {
		http.Error(w, "Secret deleted in memory but could not be saved", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "name": name})
	s.logger.Info("Secret %q deleted", name)
}

// persistSecrets writes the in-memory secrets to the encrypted file. Without
// a password secrets live in memory only.
func (s *Server) persistSecrets() error {
	if s.secretsKey == "" {
		s.logger.Warn("No secrets password set - secrets kept in memory only")
		return nil
	}
	return logx.Wrap(config.SaveSecretsToFile(s.projectDir, s.secretsKey), "persist secrets")
}
