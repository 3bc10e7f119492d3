package translator

import (
	"inference-gateway/internal/apierr"
	"inference-gateway/internal/models"
)

// CheckCapabilities rejects request features the candidate cannot serve.
func CheckCapabilities(req models.ChatRequest, cand models.Candidate) error {
	caps := cand.Capabilities
	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case models.FormatJSONSchema:
			if !caps.JSONOutputSchema {
				return apierr.UnsupportedCapability(cand.Provider, cand.UpstreamModel, "response_format json_schema")
			}
		case models.FormatJSONObject:
			if !caps.JSONOutput {
				return apierr.UnsupportedCapability(cand.Provider, cand.UpstreamModel, "response_format json_object")
			}
		}
	}
	if len(req.Tools) > 0 && !caps.Tools {
		return apierr.UnsupportedCapability(cand.Provider, cand.UpstreamModel, "tools")
	}
	if req.HasImages() && !caps.Vision {
		return apierr.UnsupportedCapability(cand.Provider, cand.UpstreamModel, "image input")
	}
	return nil
}

// Supports reports whether cand can serve req.
func Supports(req models.ChatRequest, cand models.Candidate) bool {
	return CheckCapabilities(req, cand) == nil
}
