// Package deploy keeps installed packages in step with the deployments the
// primary publishes for this host.
package deploy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/g960059/posrelay/internal/model"
)

const (
	ActionInstall = "install"
	ActionRemove  = "remove"
)

// Notification is one deployment the primary wants applied on this host.
// It may be delivered more than once.
type Notification struct {
	TargetID    string `json:"target_id" yaml:"target_id"`
	Package     string `json:"package" yaml:"package"`
	Version     string `json:"version" yaml:"version"`
	DownloadURL string `json:"download_url,omitempty" yaml:"download_url,omitempty"`
	Checksum    string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
	Action      string `json:"action" yaml:"action"`
}

func (n Notification) Validate() error {
	if strings.TrimSpace(n.TargetID) == "" {
		return fmt.Errorf("%w: target_id is required", model.ErrInvalid)
	}
	if strings.TrimSpace(n.Package) == "" {
		return fmt.Errorf("%w: package is required for %s", model.ErrInvalid, n.TargetID)
	}
	switch n.action() {
	case ActionInstall:
		if n.DownloadURL == "" || n.Checksum == "" {
			return fmt.Errorf("%w: install %s needs download_url and checksum", model.ErrInvalid, n.TargetID)
		}
	case ActionRemove:
	default:
		return fmt.Errorf("%w: unknown action %q for %s", model.ErrInvalid, n.Action, n.TargetID)
	}
	return nil
}

func (n Notification) action() string {
	a := strings.ToLower(strings.TrimSpace(n.Action))
	if a == "" {
		return ActionInstall
	}
	return a
}

// Target converts n into the sync worker's unit of work.
func (n Notification) Target() (model.SyncTarget, error) {
	if err := n.Validate(); err != nil {
		return model.SyncTarget{}, err
	}
	body, err := json.Marshal(n)
	if err != nil {
		return model.SyncTarget{}, fmt.Errorf("encode notification %s: %w", n.TargetID, err)
	}
	return model.SyncTarget{TargetID: n.TargetID, Payload: body, Action: n.action()}, nil
}

func ParseNotification(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: decode notification: %v", model.ErrInvalid, err)
	}
	if err := n.Validate(); err != nil {
		return Notification{}, err
	}
	return n, nil
}
