// Package credstore reads and writes the INI file holding per-source
// credentials and session tokens:
//
//	[Credentials]
//	shodan = user:pass
//
//	[Cookies]
//	shodan = <value of the polito cookie>
package credstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"metabigor/internal/session"

	"gopkg.in/ini.v1"
)

const (
	SectionCredentials = "Credentials"
	SectionCookies     = "Cookies"
)

var ErrNoCredentials = errors.New("credstore: no credentials")

type Store struct {
	path string

	mu   sync.Mutex
	file *ini.File
}

// Open loads the file at path, an absent file starts an empty store that is
// created on the first write.
func Open(path string) (*Store, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		Loose:                   true,
		IgnoreInlineComment:     true,
		SkipUnrecognizableLines: true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("credstore: load %s: %w", path, err)
	}
	return &Store{path: path, file: file}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Token returns the stored session token for a source, "" when absent.
func (s *Store) Token(source string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	value := strings.TrimSpace(s.file.Section(SectionCookies).Key(source).String())
	// older files store the python None for an unset cookie
	if value == "None" {
		return ""
	}
	return value
}

func (s *Store) Credentials(source string) (session.Credentials, error) {
	s.mu.Lock()
	raw := strings.TrimSpace(s.file.Section(SectionCredentials).Key(source).String())
	s.mu.Unlock()

	if raw == "" {
		return session.Credentials{}, fmt.Errorf("%w for %s in %s", ErrNoCredentials, source, s.path)
	}
	username, password, ok := strings.Cut(raw, ":")
	if !ok {
		return session.Credentials{}, fmt.Errorf("credstore: credentials for %s are not in user:pass form", source)
	}
	return session.Credentials{
		Username: strings.TrimSpace(username),
		Password: strings.TrimSpace(password),
	}, nil
}

// SaveToken overwrites the stored token for source and writes the file
// back to disk.
func (s *Store) SaveToken(source, token string) error {
	return s.set(SectionCookies, source, token)
}

func (s *Store) SaveCredentials(source string, creds session.Credentials) error {
	return s.set(SectionCredentials, source, creds.Username+":"+creds.Password)
}

func (s *Store) set(section, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.file.Section(section).Key(key).SetValue(value)

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := s.file.SaveTo(s.path); err != nil {
		return fmt.Errorf("credstore: save %s: %w", s.path, err)
	}
	return nil
}
