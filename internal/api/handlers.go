package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/schaermu/sitesyncd/internal/apperr"
	"github.com/schaermu/sitesyncd/internal/auth"
	"github.com/schaermu/sitesyncd/internal/status"
	"github.com/schaermu/sitesyncd/internal/store"
	"github.com/schaermu/sitesyncd/internal/sync"
)

type syncRequest struct {
	Files  *[]sync.ManifestEntry `json:"files"`
	DryRun bool                  `json:"dryRun"`
}

// handleSync authenticates, authorises and decodes a sync request, in that
// order, before handing the manifest to the engine.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	siteID := mux.Vars(r)["siteId"]

	principal, err := s.auth.Resolve(r.Header.Get("Authorization"))
	if err != nil {
		writeError(w, err)
		return
	}

	site, err := s.sites.GetSite(siteID)
	if err != nil {
		writeError(w, err)
		return
	}
	if site.OwnerID != principal.UserID {
		s.logger.Warn("rejecting sync by non-owner", "site_id", siteID, "user_id", principal.UserID)
		writeError(w, apperr.New(apperr.CodeForbidden, "not the owner of this site"))
		return
	}

	req, err := decodeSyncRequest(w, r)
	if err != nil {
		writeError(w, err)
		return
	}
	req.SiteID = site.ID

	result, err := s.engine.Sync(r.Context(), req)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal {
			s.logger.Error("sync failed", "site_id", siteID, "error", err)
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func decodeSyncRequest(w http.ResponseWriter, r *http.Request) (sync.Request, error) {
	var body syncRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return sync.Request{}, apperr.New(apperr.CodePayloadTooLarge, "request body too large")
		}
		return sync.Request{}, apperr.Wrap(apperr.CodeInvalidInput, "malformed request body", err)
	}
	if body.Files == nil {
		return sync.Request{}, apperr.New(apperr.CodeInvalidInput, "files is required")
	}

	dryRun := body.DryRun
	if q := r.URL.Query().Get("dryRun"); q != "" {
		v, err := strconv.ParseBool(q)
		if err != nil {
			return sync.Request{}, apperr.New(apperr.CodeInvalidInput, "dryRun must be a boolean")
		}
		dryRun = dryRun || v
	}

	return sync.Request{Files: *body.Files, DryRun: dryRun}, nil
}

// handleStatus reports a site's processing state. Anyone may read the
// summary; the owner also gets per-blob detail.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	siteID := mux.Vars(r)["siteId"]

	site, err := s.sites.GetSite(siteID)
	if err != nil {
		writeError(w, err)
		return
	}

	blobs, err := s.sites.ListBlobs(site.ID)
	if err != nil {
		s.logger.Error("failed to list blobs", "site_id", siteID, "error", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, status.Aggregate(site.ID, blobs, s.isOwner(r, site)))
}

func (s *Server) isOwner(r *http.Request, site store.Site) bool {
	header := r.Header.Get("Authorization")
	if header == "" {
		return false
	}
	principal, err := s.auth.Resolve(header)
	return err == nil && principal.UserID == site.OwnerID
}

type blobStatusRequest struct {
	Status store.Status `json:"status"`
	Error  *string      `json:"error"`
	Width  *int         `json:"width"`
	Height *int         `json:"height"`
}

// handleBlobStatus records a processing outcome reported by the ingestion
// pipeline.
func (s *Server) handleBlobStatus(w http.ResponseWriter, r *http.Request) {
	if !s.callbackAuthorized(r) {
		writeError(w, apperr.New(apperr.CodeUnauthorized, "invalid callback token"))
		return
	}

	var body blobStatusRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, apperr.Wrap(apperr.CodeInvalidInput, "malformed request body", err))
		return
	}
	if (body.Width == nil) != (body.Height == nil) {
		writeError(w, apperr.New(apperr.CodeInvalidInput, "width and height must be set together"))
		return
	}

	blobID := mux.Vars(r)["blobId"]
	blob, err := s.sites.SetStatus(blobID, body.Status, body.Error)
	if err != nil {
		writeError(w, err)
		return
	}

	if body.Width != nil {
		if err := s.sites.SetDimensions(blobID, *body.Width, *body.Height); err != nil {
			writeError(w, err)
			return
		}
	}

	s.logger.Info("blob status updated", "blob_id", blobID, "site_id", blob.SiteID, "status", blob.SyncStatus)
	writeJSON(w, http.StatusOK, status.BlobStatus{
		ID:         blob.ID,
		Path:       blob.Path,
		SyncStatus: blob.SyncStatus,
		SyncError:  blob.SyncError,
		Extension:  blob.Extension,
	})
}

func (s *Server) callbackAuthorized(r *http.Request) bool {
	if s.opts.CallbackToken == "" {
		return false
	}
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.CallbackToken)) == 1
}
