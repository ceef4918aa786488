package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"gigmarket/internal/domain"
	"gigmarket/internal/engine"
	"gigmarket/internal/engine/auth"
)

type walletBody struct {
	Body WalletResponse `json:"body"`
}

type userPath struct {
	UserID string `path:"user_id"`
}

type walletOp func(ctx context.Context, actor auth.Principal, principalID string, amount decimal.Decimal, cur string) (domain.Wallet, error)

func registerWallets(api huma.API, e engine.Engine) {
	errs := []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusInternalServerError}

	huma.Register(api, huma.Operation{
		OperationID:   "create-wallet",
		Method:        http.MethodPost,
		Path:          "/wallets",
		Summary:       "Create wallet",
		DefaultStatus: http.StatusCreated,
		Errors:        errs,
	}, func(ctx context.Context, input *struct {
		Body CreateWalletRequest `json:"body"`
	}) (*walletBody, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		owner := strings.TrimSpace(input.Body.UserID)
		if owner == "" {
			owner = actor.ID
		}
		w, err := e.CreateWallet(ctx, actor, owner, input.Body.Currency)
		if err != nil {
			return nil, handleError(err)
		}
		return &walletBody{Body: walletResponse(w)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-wallet",
		Method:      http.MethodGet,
		Path:        "/wallets/{user_id}",
		Summary:     "Get wallet",
		Errors:      errs,
	}, func(ctx context.Context, input *userPath) (*walletBody, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.GetWallet(ctx, actor, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &walletBody{Body: walletResponse(w)}, nil
	})

	amountOps := []struct {
		id, path, summary string
		op                walletOp
	}{
		{"add-funds", "/wallets/{user_id}/add", "Add funds", e.AddFunds},
		{"deduct-funds", "/wallets/{user_id}/deduct", "Deduct funds", e.DeductFunds},
		{"transfer-to-freelancer", "/wallets/{user_id}/transfer-to-freelancer", "Credit a freelancer from the site wallet", e.TransferToFreelancer},
		{"transfer-to-site", "/wallets/{user_id}/transfer-to-site", "Credit the site wallet", e.TransferToSiteAccount},
		{"hold-escrow", "/wallets/{user_id}/escrow/hold", "Hold funds in escrow", e.HoldFundsInEscrow},
		{"release-escrow", "/wallets/{user_id}/escrow/release", "Release escrow funds", e.ReleaseEscrowFunds},
	}
	for _, o := range amountOps {
		op := o.op
		huma.Register(api, huma.Operation{
			OperationID: o.id,
			Method:      http.MethodPatch,
			Path:        o.path,
			Summary:     o.summary,
			Errors:      errs,
		}, func(ctx context.Context, input *struct {
			UserID string        `path:"user_id"`
			Body   AmountRequest `json:"body"`
		}) (*walletBody, error) {
			actor, authErr := principalFromRequest(ctx)
			if authErr != nil {
				return nil, authErr
			}
			amount, apiErr := parseAmount("amount", input.Body.Amount)
			if apiErr != nil {
				return nil, apiErr
			}
			w, err := op(ctx, actor, input.UserID, amount, input.Body.Currency)
			if err != nil {
				return nil, handleError(err)
			}
			return &walletBody{Body: walletResponse(w)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID:   "refund-transaction",
		Method:        http.MethodPost,
		Path:          "/wallets/{user_id}/refund/{transaction_id}",
		Summary:       "Refund a withdrawal",
		DefaultStatus: http.StatusCreated,
		Errors:        errs,
	}, func(ctx context.Context, input *struct {
		UserID        string `path:"user_id"`
		TransactionID string `path:"transaction_id"`
	}) (*struct {
		Body TransactionResponse `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RefundTransaction(ctx, actor, input.UserID, input.TransactionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransactionResponse `json:"body"`
		}{Body: transactionResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transactions",
		Method:      http.MethodGet,
		Path:        "/wallets/{user_id}/transactions",
		Summary:     "List wallet transactions",
		Errors:      errs,
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TransactionResponse `json:"body"`
	}, error) {
		actor, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.GetTransactions(ctx, actor, input.UserID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TransactionResponse `json:"body"`
		}{Body: mapSlice(items, transactionResponse)}, nil
	})
}
