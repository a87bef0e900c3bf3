package servers

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jayleekr/Claude-Code-Remote-sub000/internal/domain"
)

// fileEntry is the on-disk shape of one servers.json record.
type fileEntry struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Hostname     string `json:"hostname"`
	User         string `json:"user"`
	Port         int    `json:"port"`
	KeyPath      string `json:"keyPath"`
	SharedSecret string `json:"sharedSecret"`
}

// LoadFile reads the server registry configuration from a JSON file of the
// form `[{"id": "...", "type": "local"|"remote", ...}]` and returns the
// Entry slice New expects.
func LoadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read servers config %s: %w", path, err)
	}

	var raw []fileEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse servers config %s: %w", path, err)
	}

	entries := make([]Entry, 0, len(raw))
	for _, f := range raw {
		if f.ID == "" {
			return nil, fmt.Errorf("servers config %s: entry missing id", path)
		}
		serverType := domain.ServerType(f.Type)
		if serverType != domain.ServerLocal && serverType != domain.ServerRemote {
			return nil, fmt.Errorf("servers config %s: entry %q has invalid type %q", path, f.ID, f.Type)
		}

		entries = append(entries, Entry{
			Server: domain.Server{
				ID:       f.ID,
				Type:     serverType,
				Hostname: f.Hostname,
				User:     f.User,
				Port:     f.Port,
				KeyPath:  f.KeyPath,
				Status:   domain.StatusUnknown,
			},
			SharedSecret: f.SharedSecret,
		})
	}

	return entries, nil
}
