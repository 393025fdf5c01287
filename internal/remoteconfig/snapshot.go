// ABOUTME: Immutable remote config snapshot offered to OpAMP agents
// ABOUTME: Builds the AgentConfigMap from named files and hashes it with SHA-256

package remoteconfig

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"google.golang.org/protobuf/proto"
)

// ErrNoFiles is returned when a snapshot would contain no config files.
var ErrNoFiles = errors.New("remote config has no files")

// ErrDuplicateFile is returned when two files share a name.
var ErrDuplicateFile = errors.New("duplicate remote config file name")

// File is one named entry of the config map.
type File struct {
	Name        string
	ContentType string
	Body        []byte
}

// Snapshot is the desired config at one point in time. It is never modified
// after construction and may be shared between sessions.
type Snapshot struct {
	config   *protobufs.AgentRemoteConfig
	names    []string
	loadedAt time.Time
}

// NewSnapshot builds a snapshot from files.
func NewSnapshot(files []File) (*Snapshot, error) {
	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	configMap := &protobufs.AgentConfigMap{
		ConfigMap: make(map[string]*protobufs.AgentConfigFile, len(files)),
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		if f.Name == "" {
			return nil, fmt.Errorf("remote config file name is required")
		}
		if _, exists := configMap.ConfigMap[f.Name]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateFile, f.Name)
		}
		configMap.ConfigMap[f.Name] = &protobufs.AgentConfigFile{
			Body:        append([]byte(nil), f.Body...),
			ContentType: f.ContentType,
		}
		names = append(names, f.Name)
	}
	sort.Strings(names)

	hash, err := Hash(configMap)
	if err != nil {
		return nil, err
	}

	return &Snapshot{
		config: &protobufs.AgentRemoteConfig{
			Config:     configMap,
			ConfigHash: hash,
		},
		names:    names,
		loadedAt: time.Now(),
	}, nil
}

// Hash returns the SHA-256 digest of the deterministic protobuf encoding of m.
// Map entries are serialized in key order, so equal maps hash equally.
func Hash(m *protobufs.AgentConfigMap) ([]byte, error) {
	data, err := proto.MarshalOptions{Deterministic: true}.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("serializing config map: %w", err)
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// RemoteConfig returns the config and its hash as one message. Callers must
// not modify it.
func (s *Snapshot) RemoteConfig() *protobufs.AgentRemoteConfig {
	return s.config
}

// Hash returns a copy of the content hash.
func (s *Snapshot) Hash() []byte {
	return append([]byte(nil), s.config.GetConfigHash()...)
}

// HashHex renders the content hash as hex.
func (s *Snapshot) HashHex() string {
	return hex.EncodeToString(s.config.GetConfigHash())
}

// HashBase64 renders the content hash as base64.
func (s *Snapshot) HashBase64() string {
	return base64.StdEncoding.EncodeToString(s.config.GetConfigHash())
}

// FileNames returns the config file names in sorted order.
func (s *Snapshot) FileNames() []string {
	return append([]string(nil), s.names...)
}

// LoadedAt returns when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}
