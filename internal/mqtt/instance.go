package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// instanceFile is the marker file under data_dir holding the ID.
const instanceFile = "instance_id"

// LoadOrCreateInstanceID returns the bridge's persistent instance ID,
// minting and storing a UUIDv7 on first run. The ID seeds the MQTT
// client ID, so the broker sees one stable session across restarts
// instead of a parade of random identities.
//
// A present-but-empty file (a truncated first run) is treated the same
// as a missing one and regenerated.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceFile)

	if raw, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}

	fresh, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("mint instance ID: %w", err)
	}
	id := fresh.String()

	if err := os.WriteFile(path, []byte(id+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return id, nil
}
