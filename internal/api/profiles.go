package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/autopublisher/internal/publishing"
)

// profileRequest is the writable shape of a profile. Author secrets may be
// left blank on update to keep the stored credential.
type profileRequest struct {
	SiteURL       string              `json:"site_url"`
	Authors       []publishing.Author `json:"authors"`
	MinGapMinutes int                 `json:"min_gap_minutes"`
	MaxGapMinutes int                 `json:"max_gap_minutes"`
	CategoryID    string              `json:"category_id"`
	Sections      []string            `json:"sections"`
}

func (p profileRequest) toProfile(id, ownerID string) publishing.Profile {
	return publishing.Profile{
		ID:            id,
		OwnerID:       ownerID,
		SiteURL:       strings.TrimSpace(p.SiteURL),
		Authors:       p.Authors,
		MinGapMinutes: p.MinGapMinutes,
		MaxGapMinutes: p.MaxGapMinutes,
		CategoryID:    p.CategoryID,
		Sections:      p.Sections,
	}
}

type authorDTO struct {
	Username       string `json:"username"`
	ExternalUserID string `json:"external_user_id"`
	HasSecret      bool   `json:"has_secret"`
}

type profileDTO struct {
	ID            string      `json:"id"`
	SiteURL       string      `json:"site_url"`
	Authors       []authorDTO `json:"authors"`
	MinGapMinutes int         `json:"min_gap_minutes"`
	MaxGapMinutes int         `json:"max_gap_minutes"`
	CategoryID    string      `json:"category_id,omitempty"`
	Sections      []string    `json:"sections,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// toProfileDTO strips credentials.
func toProfileDTO(p publishing.Profile) profileDTO {
	authors := make([]authorDTO, 0, len(p.Authors))
	for _, a := range p.Authors {
		authors = append(authors, authorDTO{
			Username:       a.Username,
			ExternalUserID: a.ExternalUserID,
			HasSecret:      a.Secret != "",
		})
	}
	return profileDTO{
		ID:            p.ID,
		SiteURL:       p.SiteURL,
		Authors:       authors,
		MinGapMinutes: p.MinGapMinutes,
		MaxGapMinutes: p.MaxGapMinutes,
		CategoryID:    p.CategoryID,
		Sections:      p.Sections,
		UpdatedAt:     p.UpdatedAt,
	}
}

func decodeProfile(w http.ResponseWriter, r *http.Request) (profileRequest, bool) {
	var req profileRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return profileRequest{}, false
	}
	return req, true
}

func (s *Server) createProfile(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeProfile(w, r)
	if !ok {
		return
	}
	saved, err := s.profiles.Save(r.Context(), req.toProfile("", owner(r)))
	if err != nil {
		s.writeDomainError(w, "create profile", err)
		return
	}
	writeJSON(w, http.StatusCreated, toProfileDTO(saved))
}

// putProfile creates or replaces the profile at {id}.
func (s *Server) putProfile(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeProfile(w, r)
	if !ok {
		return
	}
	ownerID := owner(r)
	p := req.toProfile(chi.URLParam(r, "id"), ownerID)

	existing, err := s.profiles.GetOwned(r.Context(), ownerID, p.ID)
	switch {
	case errors.Is(err, publishing.ErrNotFound):
	case err != nil:
		s.writeDomainError(w, "update profile", err)
		return
	default:
		p.Authors = keepSecrets(p.Authors, existing.Authors)
	}

	saved, err := s.profiles.Save(r.Context(), p)
	if err != nil {
		s.writeDomainError(w, "update profile", err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileDTO(saved))
}

// keepSecrets fills blank secrets from the stored author with the same
// username.
func keepSecrets(next, prev []publishing.Author) []publishing.Author {
	stored := make(map[string]string, len(prev))
	for _, a := range prev {
		stored[strings.ToLower(a.Username)] = a.Secret
	}
	out := make([]publishing.Author, len(next))
	for i, a := range next {
		if a.Secret == "" {
			a.Secret = stored[strings.ToLower(a.Username)]
		}
		out[i] = a
	}
	return out
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.profiles.GetOwned(r.Context(), owner(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, "get profile", err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileDTO(p))
}

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.profiles.List(r.Context(), owner(r))
	if err != nil {
		s.writeDomainError(w, "list profiles", err)
		return
	}
	out := make([]profileDTO, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, toProfileDTO(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": out})
}
