package rules

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// UserList is the human-editable whitelist/blacklist. Entries are wildcard
// patterns matched against "tool:command" (e.g. "exec:git push *" or
// "write:~/notes/*"). A bare pattern without a tool prefix matches the
// command string of any tool.
type UserList struct {
	mu    sync.RWMutex
	path  string
	allow []string
	deny  []string

	watcher *fsnotify.Watcher
}

type userListFile struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// LoadUserList reads the list file, creating a commented-out empty one when
// missing, and starts watching it for edits.
func LoadUserList(path string) (*UserList, error) {
	ul := &UserList{path: path}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, err
		}
		seed, _ := json.MarshalIndent(userListFile{Allow: []string{}, Deny: []string{}}, "", "  ")
		if err := os.WriteFile(path, seed, 0600); err != nil {
			return nil, err
		}
	}

	if err := ul.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("User list watcher unavailable, edits require restart")
		return ul, nil
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		log.Warn().Err(err).Str("path", path).Msg("Cannot watch user list directory")
		return ul, nil
	}
	ul.watcher = watcher
	go ul.watchLoop()

	return ul, nil
}

func (ul *UserList) watchLoop() {
	for {
		select {
		case event, ok := <-ul.watcher.Events:
			if !ok {
				return
			}
			if event.Name != ul.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := ul.reload(); err != nil {
				log.Warn().Err(err).Msg("Failed to reload user list after edit")
			} else {
				log.Info().Str("path", ul.path).Msg("User list reloaded")
			}
		case err, ok := <-ul.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("User list watcher error")
		}
	}
}

func (ul *UserList) reload() error {
	data, err := os.ReadFile(ul.path)
	if err != nil {
		return err
	}
	var file userListFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	ul.mu.Lock()
	ul.allow = file.Allow
	ul.deny = file.Deny
	ul.mu.Unlock()
	return nil
}

// Close stops the file watcher.
func (ul *UserList) Close() {
	if ul.watcher != nil {
		ul.watcher.Close()
	}
}

// Decision outcomes for a user-list match.
type ListMatch int

const (
	ListNone ListMatch = iota
	ListAllow
	ListDeny
)

// Match checks tool+command against the deny list first, then the allow list.
func (ul *UserList) Match(tool, command string) ListMatch {
	ul.mu.RLock()
	defer ul.mu.RUnlock()

	qualified := tool + ":" + command
	for _, pattern := range ul.deny {
		if matchEntry(pattern, tool, command, qualified) {
			return ListDeny
		}
	}
	for _, pattern := range ul.allow {
		if matchEntry(pattern, tool, command, qualified) {
			return ListAllow
		}
	}
	return ListNone
}

func matchEntry(pattern, tool, command, qualified string) bool {
	if strings.Contains(pattern, ":") {
		return wildcard.Match(pattern, qualified)
	}
	return wildcard.Match(pattern, command)
}
