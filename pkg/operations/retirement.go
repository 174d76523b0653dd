package operations

import (
	"context"
	"math/big"

	"github.com/ShantanuVr/registry-adapter-api/pkg/apperr"
	"github.com/ShantanuVr/registry-adapter-api/pkg/canonicalize"
	"github.com/ShantanuVr/registry-adapter-api/pkg/derive"
	"github.com/ShantanuVr/registry-adapter-api/pkg/ledger"
	"github.com/ShantanuVr/registry-adapter-api/pkg/receipts"
)

// RetireCredits burns a holding on behalf of a beneficiary.
func (s *Service) RetireCredits(ctx context.Context, req RetireRequest, meta Meta) (*receipts.Receipt, error) {
	if !derive.ValidClassID(req.ClassID) {
		return nil, apperr.New(apperr.CodeInvalidInput, "class_id must be 32 lowercase hex characters")
	}
	qty, err := parseQuantity(req.Quantity)
	if err != nil {
		return nil, err
	}
	holder, err := parseAccount("holder", req.Holder)
	if err != nil {
		return nil, err
	}
	if err := limitText("beneficiary", req.Beneficiary, maxRefLength); err != nil {
		return nil, err
	}
	if err := limitText("reason", req.Reason, maxReasonLength); err != nil {
		return nil, err
	}

	return s.execute(ctx, receipts.KindRetire, meta, req, func(ctx context.Context) (*plan, error) {
		if err := s.checkBalance(ctx, req.ClassID, holder, qty); err != nil {
			return nil, err
		}
		memo, err := canonicalize.JCS(map[string]string{"beneficiary": req.Beneficiary, "reason": req.Reason})
		if err != nil {
			return nil, err
		}
		params, err := canonicalize.JCS(map[string]any{
			"class_id":    req.ClassID,
			"quantity":    qty.String(),
			"holder":      holder,
			"beneficiary": req.Beneficiary,
			"reason":      req.Reason,
		})
		if err != nil {
			return nil, err
		}
		return &plan{
			draft: receipts.Draft{ClassID: req.ClassID, Quantity: qty.String(), Params: params},
			call: ledger.Call{
				Method:  ledger.MethodRetire,
				ClassID: req.ClassID,
				Account: holder,
				Amount:  qty,
				Memo:    string(memo),
			},
		}, nil
	})
}

// checkBalance is advisory: it only rejects when the ledger positively
// reports too little. Failures of the check itself are ignored.
func (s *Service) checkBalance(ctx context.Context, classID, holder string, qty *big.Int) error {
	bal, supported, err := s.executor.Balance(ctx, classID, holder)
	if !supported {
		return nil
	}
	if err != nil {
		s.logger.WarnContext(ctx, "balance pre-flight failed, continuing", "class_id", classID, "holder", holder, "error", err)
		return nil
	}
	if bal.Cmp(qty) < 0 {
		return apperr.New(apperr.CodeInsufficientBalance, "holder balance %s is below requested %s", bal, qty)
	}
	return nil
}
