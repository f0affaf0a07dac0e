package hierarchy

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// avatarSize is the square edge every stored avatar is normalized to.
const avatarSize = 256

const maxAvatarBytes = 4 << 20 // 4 MiB upload cap

// AvatarStore normalizes uploaded agent portraits: any decodable image comes
// out as a centered 256x256 PNG under dir, named by agent id.
type AvatarStore struct {
	dir string
}

func NewAvatarStore(dir string) *AvatarStore {
	return &AvatarStore{dir: dir}
}

// SetFromBase64 decodes a base64 payload (raw or data: URL) and stores it as
// the agent's avatar. Returns the file path for the registry record.
func (s *AvatarStore) SetFromBase64(agentID, payload string) (string, error) {
	if i := strings.Index(payload, ","); i >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[i+1:]
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", fmt.Errorf("decode avatar payload: %w", err)
	}
	return s.SetFromBytes(agentID, data)
}

// SetFromBytes normalizes raw image bytes and writes the avatar file.
func (s *AvatarStore) SetFromBytes(agentID string, data []byte) (string, error) {
	if agentID == "" {
		return "", fmt.Errorf("agent id required")
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty avatar image")
	}
	if len(data) > maxAvatarBytes {
		return "", fmt.Errorf("avatar image too large (%d bytes, limit %d)", len(data), maxAvatarBytes)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode avatar image: %w", err)
	}
	thumb := imaging.Fill(img, avatarSize, avatarSize, imaging.Center, imaging.Lanczos)

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, agentID+".png")
	if err := imaging.Save(thumb, path); err != nil {
		return "", fmt.Errorf("save avatar: %w", err)
	}
	return path, nil
}

// Path returns where the agent's avatar would live, and whether it exists.
func (s *AvatarStore) Path(agentID string) (string, bool) {
	path := filepath.Join(s.dir, agentID+".png")
	_, err := os.Stat(path)
	return path, err == nil
}

// Remove deletes the stored avatar, if any.
func (s *AvatarStore) Remove(agentID string) error {
	err := os.Remove(filepath.Join(s.dir, agentID+".png"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
