package operations

import (
	"context"
	"strings"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
	"github.com/ShantanuVr/registry-adapter-api/pkg/canonicalize"
	"github.com/ShantanuVr/registry-adapter-api/pkg/derive"
	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger"
	"github.com/ShantanuVr/registry-adapter-api/pkg/receipts"
)

// AnchorEvidence commits the Merkle aggregate of the evidence hashes. When
// an archive is configured the evidence manifest is stored first and its
// reference recorded in the receipt params.
func (s *Service) AnchorEvidence(ctx context.Context, req AnchorRequest, meta Meta) (*receipts.Receipt, error) {
	if err := requireText("topic", req.Topic, maxTopicLength); err != nil {
		return nil, err
	}
	if len(req.EvidenceHashes) == 0 {
		return nil, apperr.New(apperr.CodeInvalidInput, "evidence_hashes must not be empty")
	}
	if len(req.EvidenceHashes) > s.maxEvidence {
		return nil, apperr.New(apperr.CodeInvalidInput, "evidence_hashes exceeds %d entries", s.maxEvidence)
	}
	hashes, err := derive.ParseEvidenceHashes(req.EvidenceHashes)
	if err != nil {
		return nil, err
	}

	return s.execute(ctx, receipts.KindAnchor, meta, req, func(ctx context.Context) (*plan, error) {
		root := derive.AggregateEvidence(hashes)
		normalized := make([]string, len(hashes))
		for i, h := range hashes {
			normalized[i] = strings.ToLower(h.Hex())
		}
		manifest := map[string]any{
			"topic":           req.Topic,
			"evidence_root":   root.Hex(),
			"evidence_count":  len(hashes),
			"evidence_hashes": normalized,
		}

		params := map[string]any{
			"topic":          req.Topic,
			"evidence_root":  root.Hex(),
			"evidence_count": len(hashes),
		}
		if s.archive != nil {
			doc, err := canonicalize.JCS(manifest)
			if err != nil {
				return nil, err
			}
			ref, err := s.archive.Put(ctx, doc)
			if err != nil {
				return nil, apperr.Wrap(apperr.CodeStoreUnavailable, err, "failed to archive evidence manifest")
			}
			params["evidence_ref"] = ref
		} else {
			params["evidence_hashes"] = normalized
		}

		encoded, err := canonicalize.JCS(params)
		if err != nil {
			return nil, err
		}
		return &plan{
			draft: receipts.Draft{Params: encoded},
			call: ledger.Call{
				Method:        ledger.MethodAnchor,
				Topic:         req.Topic,
				EvidenceRoot:  root,
				EvidenceCount: len(hashes),
			},
		}, nil
	})
}
