package api

import (
	"errors"

	"github.com/codeready-toolchain/agentbridge/pkg/models"
)

// validatePublishRequest checks the fields every ingested event needs.
// Phase ordering is left to the sequencer.
func validatePublishRequest(req *models.PublishEventRequest) error {
	if req.Type == "" {
		return errors.New("type is required")
	}
	if req.RunID == "" {
		return errors.New("run_id is required")
	}
	return nil
}
