package operations

import (
	"context"

	"github.com/ShantanuVr/registry-adapter-api/pkg/canonicalize"
	"github.com/ShantanuVr/registry-adapter-api/pkg/derive"
	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger"
	"github.com/ShantanuVr/registry-adapter-api/pkg/receipts"
)

// FinalizeIssuance mints credits for a project window into the class derived
// from it.
func (s *Service) FinalizeIssuance(ctx context.Context, req IssueRequest, meta Meta) (*receipts.Receipt, error) {
	if err := requireText("project_id", req.ProjectID, maxRefLength); err != nil {
		return nil, err
	}
	qty, err := parseQuantity(req.Quantity)
	if err != nil {
		return nil, err
	}
	recipient, err := parseAccount("recipient", req.Recipient)
	if err != nil {
		return nil, err
	}
	if err := requireText("issuance_ref", req.IssuanceRef, maxRefLength); err != nil {
		return nil, err
	}
	window := derive.Window{Start: req.WindowStart, End: req.WindowEnd}
	if err := window.Validate(s.resolver.MaxWindowSpan()); err != nil {
		return nil, err
	}

	return s.execute(ctx, receipts.KindIssue, meta, req, func(ctx context.Context) (*plan, error) {
		classID, err := s.resolver.Resolve(ctx, req.ProjectID, window)
		if err != nil {
			return nil, err
		}
		params, err := canonicalize.JCS(map[string]any{
			"project_id":   req.ProjectID,
			"window_start": derive.FormatTimestamp(window.Start),
			"window_end":   derive.FormatTimestamp(window.End),
			"class_id":     classID,
			"quantity":     qty.String(),
			"recipient":    recipient,
			"issuance_ref": req.IssuanceRef,
		})
		if err != nil {
			return nil, err
		}
		return &plan{
			draft: receipts.Draft{ClassID: classID, Quantity: qty.String(), Params: params},
			call: ledger.Call{
				Method:  ledger.MethodIssue,
				ClassID: classID,
				Account: recipient,
				Amount:  qty,
				Memo:    req.IssuanceRef,
			},
		}, nil
	})
}
