// Package tokenstore persists the auth token, server URL, and API URL used
// by the control session across runs, at ~/.retunnel.conf.
package tokenstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
)

// ErrNoToken is returned by Get when no token is currently stored. It is
// distinct from an empty-string token, which the store never persists.
var ErrNoToken = errors.New("tokenstore: no token")

const defaultFileName = ".retunnel.conf"

// Document is the persisted JSON document.
type Document struct {
	AuthToken string `json:"auth_token"`
	ServerURL string `json:"server_url"`
	APIURL    string `json:"api_url"`
}

// DefaultDocument returns the document written the first time the store
// sees no file or a corrupt one.
func DefaultDocument() Document {
	return Document{
		ServerURL: "wss://retunnel.net",
		APIURL:    "https://retunnel.net",
	}
}

// Store reads and writes the persisted document at a fixed path.
type Store struct {
	path string
}

// New creates a store at the default path (~/.retunnel.conf).
func New() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewAt(filepath.Join(home, defaultFileName)), nil
}

// NewAt creates a store at an explicit path, mainly for tests.
func NewAt(path string) *Store {
	return &Store{path: path}
}

// Get returns the persisted token, or ErrNoToken if none is stored.
func (s *Store) Get() (string, error) {
	doc, err := s.load()
	if err != nil {
		return "", err
	}
	if doc.AuthToken == "" {
		return "", ErrNoToken
	}
	return doc.AuthToken, nil
}

// Set persists a new token, preserving the other document fields.
func (s *Store) Set(token string) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.AuthToken = token
	return s.save(doc)
}

// Clear removes the persisted token, keeping server/API URLs intact.
func (s *Store) Clear() error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.AuthToken = ""
	return s.save(doc)
}

// Document returns the full persisted document.
func (s *Store) Document() (Document, error) {
	return s.load()
}

// SetServerURL persists a new server URL.
func (s *Store) SetServerURL(url string) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.ServerURL = url
	return s.save(doc)
}

// SetAPIURL persists a new API URL.
func (s *Store) SetAPIURL(url string) error {
	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.APIURL = url
	return s.save(doc)
}

func (s *Store) load() (Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		doc := DefaultDocument()
		if saveErr := s.save(doc); saveErr != nil {
			return doc, saveErr
		}
		return doc, nil
	}
	if err != nil {
		return Document{}, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Warn("token store contents unreadable, resetting to defaults", "path", s.path, "error", err)
		doc = DefaultDocument()
		if saveErr := s.save(doc); saveErr != nil {
			return doc, saveErr
		}
		return doc, nil
	}

	return doc, nil
}

// save writes the document atomically (temp file + rename) with mode 0600.
func (s *Store) save(doc Document) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".retunnel-conf-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}
