package store

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/schaermu/sitesyncd/internal/apperr"
)

// Site is a publishing target backed by a repository branch.
type Site struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Repository     string    `json:"repository"`
	Branch         string    `json:"branch"`
	RootDir        string    `json:"root_dir,omitempty"`
	AutoSync       bool      `json:"auto_sync"`
	InstallationID int64     `json:"installation_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Installation tracks the state of a GitHub App installation.
type Installation struct {
	ID        int64     `json:"id"`
	Suspended bool      `json:"suspended"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeRootDir strips surrounding slashes and a leading "./".
func NormalizeRootDir(dir string) string {
	dir = strings.TrimPrefix(dir, "./")
	dir = strings.Trim(dir, "/")
	if dir == "." {
		return ""
	}
	return dir
}

// CreateSite stores a new site, assigning an ID when none is set.
func (s *Store) CreateSite(site Site) (Site, error) {
	if site.OwnerID == "" {
		return Site{}, apperr.New(apperr.CodeInvalidInput, "owner is required")
	}
	if site.ID == "" {
		site.ID = uuid.NewString()
	}
	site.RootDir = NormalizeRootDir(site.RootDir)
	site.CreatedAt = s.now().UTC()
	site.UpdatedAt = site.CreatedAt

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSites)
		if b.Get([]byte(site.ID)) != nil {
			return apperr.New(apperr.CodeConflict, "site already exists")
		}
		return putJSON(b, []byte(site.ID), site)
	})
	if err != nil {
		return Site{}, err
	}
	return site, nil
}

// GetSite returns the site with the given ID.
func (s *Store) GetSite(id string) (Site, error) {
	var site Site
	err := s.db.View(func(tx *bbolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketSites), []byte(id), &site)
		if err != nil {
			return err
		}
		if !found {
			return apperr.New(apperr.CodeNotFound, "site not found")
		}
		return nil
	})
	return site, err
}

// UpdateSite replaces the mutable fields of an existing site.
func (s *Store) UpdateSite(site Site) (Site, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSites)
		var existing Site
		found, err := getJSON(b, []byte(site.ID), &existing)
		if err != nil {
			return err
		}
		if !found {
			return apperr.New(apperr.CodeNotFound, "site not found")
		}
		existing.Repository = site.Repository
		existing.Branch = site.Branch
		existing.RootDir = NormalizeRootDir(site.RootDir)
		existing.AutoSync = site.AutoSync
		existing.InstallationID = site.InstallationID
		existing.UpdatedAt = s.now().UTC()
		site = existing
		return putJSON(b, []byte(site.ID), site)
	})
	if err != nil {
		return Site{}, err
	}
	return site, nil
}

// ListSites returns every site.
func (s *Store) ListSites() ([]Site, error) {
	sites := make([]Site, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSites).ForEach(func(k, v []byte) error {
			var site Site
			if err := decodeJSON(k, v, &site); err != nil {
				return err
			}
			sites = append(sites, site)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sites, nil
}

// DeleteSite removes a site together with all of its blob records. The
// removed blobs are returned so their storage objects can be cleaned up.
func (s *Store) DeleteSite(id string) ([]Blob, error) {
	var removed []Blob
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sites := tx.Bucket(bucketSites)
		if sites.Get([]byte(id)) == nil {
			return apperr.New(apperr.CodeNotFound, "site not found")
		}

		blobs := tx.Bucket(bucketBlobs)
		if sb := blobs.Bucket([]byte(id)); sb != nil {
			ids := tx.Bucket(bucketBlobIDs)
			err := sb.ForEach(func(k, v []byte) error {
				var blob Blob
				if err := decodeJSON(k, v, &blob); err != nil {
					return err
				}
				removed = append(removed, blob)
				return ids.Delete([]byte(blob.ID))
			})
			if err != nil {
				return err
			}
			if err := blobs.DeleteBucket([]byte(id)); err != nil {
				return fmt.Errorf("failed to drop blob bucket: %w", err)
			}
		}
		return sites.Delete([]byte(id))
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// SitesForPush returns the auto-sync sites tracking repository and branch
// whose installation is present and not suspended.
func (s *Store) SitesForPush(repository, branch string) ([]Site, error) {
	var matches []Site
	err := s.db.View(func(tx *bbolt.Tx) error {
		installs := tx.Bucket(bucketInstallations)
		b := tx.Bucket(bucketSites)
		return b.ForEach(func(k, v []byte) error {
			var site Site
			if err := decodeJSON(k, v, &site); err != nil {
				return err
			}
			if !site.AutoSync || site.InstallationID == 0 {
				return nil
			}
			if !strings.EqualFold(site.Repository, repository) || site.Branch != branch {
				return nil
			}
			var inst Installation
			found, err := getJSON(installs, installationKey(site.InstallationID), &inst)
			if err != nil {
				return err
			}
			if found && inst.Suspended {
				return nil
			}
			matches = append(matches, site)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// SetInstallationSuspended records whether an installation is suspended.
func (s *Store) SetInstallationSuspended(id int64, suspended bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		inst := Installation{ID: id, Suspended: suspended, UpdatedAt: s.now().UTC()}
		return putJSON(tx.Bucket(bucketInstallations), installationKey(id), inst)
	})
}

func installationKey(id int64) []byte {
	return []byte(strconv.FormatInt(id, 10))
}
