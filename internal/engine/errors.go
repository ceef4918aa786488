package engine

import "errors"

var (
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrSiteWalletNotFound = errors.New("site wallet not found")

	ErrInvalidState        = errors.New("invalid state")
	ErrProjectNotOpen      = errors.New("project is not open for bids")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrInsufficientEscrow  = errors.New("insufficient escrow")
	ErrDailyQuotaExceeded  = errors.New("daily bid limit reached")
	ErrDuplicateBid        = errors.New("bid already submitted for this project")
	ErrCannotRefundDeposit = errors.New("cannot refund a deposit")
	ErrNoAcceptedBid       = errors.New("project has no accepted bid")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidInput        = errors.New("invalid input")
)
