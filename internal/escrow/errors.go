package escrow

import (
	xerrors "basilisk-escrow/internal/errors"
)

const (
	CodeUnauthorized           xerrors.Code = "UNAUTHORIZED"
	CodeUnauthorizedArbitrator xerrors.Code = "UNAUTHORIZED_ARBITRATOR"

	CodeInvalidStatus      xerrors.Code = "INVALID_STATUS"
	CodeJobAlreadyTaken    xerrors.Code = "JOB_ALREADY_TAKEN"
	CodeCannotCancel       xerrors.Code = "CANNOT_CANCEL"
	CodeNotDisputed        xerrors.Code = "NOT_DISPUTED"
	CodeJobNotFound        xerrors.Code = "JOB_NOT_FOUND"
	CodeJobIDAlreadyExists xerrors.Code = "JOB_ID_ALREADY_EXISTS"
	CodeAlreadyInitialized xerrors.Code = "ALREADY_INITIALIZED"
	CodeNotInitialized     xerrors.Code = "NOT_INITIALIZED"

	CodeZeroAmount         xerrors.Code = "ZERO_AMOUNT"
	CodeInvalidPercentage  xerrors.Code = "INVALID_PERCENTAGE"
	CodeInvalidRating      xerrors.Code = "INVALID_RATING"
	CodeInvalidJobID       xerrors.Code = "INVALID_JOB_ID"
	CodeJobIDTooLong       xerrors.Code = "JOB_ID_TOO_LONG"
	CodeDescriptionTooLong xerrors.Code = "DESCRIPTION_TOO_LONG"
	CodeDeliverableTooLong xerrors.Code = "DELIVERABLE_TOO_LONG"
	CodeDeadlineExpired    xerrors.Code = "DEADLINE_EXPIRED"
	CodeInvalidDeadline    xerrors.Code = "INVALID_DEADLINE"
	CodeInvalidActor       xerrors.Code = "INVALID_ACTOR"

	CodeOverflow xerrors.Code = "OVERFLOW"

	CodeInvalidTokenOwner xerrors.Code = "INVALID_TOKEN_OWNER"
	CodeInvalidMint       xerrors.Code = "INVALID_MINT"
	CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"

	CodeClockUnavailable xerrors.Code = "CLOCK_UNAVAILABLE"
)

var codeAttributes = map[xerrors.Code]xerrors.Attributes{
	CodeUnauthorized:           {Message: "caller is not authorized for this job", Kind: xerrors.KindAuthorization, Severity: xerrors.SeverityWarning},
	CodeUnauthorizedArbitrator: {Message: "caller is not the configured arbitrator", Kind: xerrors.KindAuthorization, Severity: xerrors.SeverityWarning},

	CodeInvalidStatus:      {Message: "job status does not allow this operation", Kind: xerrors.KindState, Severity: xerrors.SeverityInfo},
	CodeJobAlreadyTaken:    {Message: "job already has an agent", Kind: xerrors.KindState, Severity: xerrors.SeverityInfo},
	CodeCannotCancel:       {Message: "job cannot be cancelled", Kind: xerrors.KindState, Severity: xerrors.SeverityInfo},
	CodeNotDisputed:        {Message: "job is not disputed", Kind: xerrors.KindState, Severity: xerrors.SeverityInfo},
	CodeJobNotFound:        {Message: "job not found", Kind: xerrors.KindState, Severity: xerrors.SeverityInfo},
	CodeJobIDAlreadyExists: {Message: "job id already exists", Kind: xerrors.KindState, Severity: xerrors.SeverityInfo},
	CodeAlreadyInitialized: {Message: "program config already initialized", Kind: xerrors.KindState, Severity: xerrors.SeverityInfo},
	CodeNotInitialized:     {Message: "program config not initialized", Kind: xerrors.KindState, Severity: xerrors.SeverityWarning},

	CodeZeroAmount:         {Message: "amount must be greater than zero", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo},
	CodeInvalidPercentage:  {Message: "agent percentage must be between 0 and 100", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo},
	CodeInvalidRating:      {Message: "rating must be between 1 and 5", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo},
	CodeInvalidJobID:       {Message: "job id must not be empty", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo},
	CodeJobIDTooLong:       {Message: "job id exceeds 36 bytes", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo},
	CodeDescriptionTooLong: {Message: "description exceeds 200 bytes", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo},
	CodeDeliverableTooLong: {Message: "deliverable exceeds 500 bytes", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo},
	CodeDeadlineExpired:    {Message: "job deadline has passed", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo},
	CodeInvalidDeadline:    {Message: "deadline must be between 1 and 255 days", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo},
	CodeInvalidActor:       {Message: "actor must not be empty", Kind: xerrors.KindValidation, Severity: xerrors.SeverityInfo},

	CodeOverflow: {Message: "arithmetic overflow", Kind: xerrors.KindArithmetic, Severity: xerrors.SeverityCritical},

	CodeInvalidTokenOwner: {Message: "token account owner mismatch", Kind: xerrors.KindAssetBinding, Severity: xerrors.SeverityWarning},
	CodeInvalidMint:       {Message: "token account asset does not match job asset", Kind: xerrors.KindAssetBinding, Severity: xerrors.SeverityWarning},
	CodeInsufficientFunds: {Message: "insufficient funds in token account", Kind: xerrors.KindAssetBinding, Severity: xerrors.SeverityInfo},

	CodeClockUnavailable: {Message: "clock unavailable", Kind: xerrors.KindInternal, Severity: xerrors.SeverityCritical},
}

func init() {
	for code, attr := range codeAttributes {
		xerrors.Register(code, attr)
	}
}

func sentinel(code xerrors.Code) *xerrors.Error {
	return xerrors.New(code, codeAttributes[code].Message)
}

// 哨兵错误，配合 errors.Is 使用。
var (
	ErrUnauthorized           = sentinel(CodeUnauthorized)
	ErrUnauthorizedArbitrator = sentinel(CodeUnauthorizedArbitrator)

	ErrInvalidStatus      = sentinel(CodeInvalidStatus)
	ErrJobAlreadyTaken    = sentinel(CodeJobAlreadyTaken)
	ErrCannotCancel       = sentinel(CodeCannotCancel)
	ErrNotDisputed        = sentinel(CodeNotDisputed)
	ErrJobNotFound        = sentinel(CodeJobNotFound)
	ErrJobIDAlreadyExists = sentinel(CodeJobIDAlreadyExists)
	ErrAlreadyInitialized = sentinel(CodeAlreadyInitialized)
	ErrNotInitialized     = sentinel(CodeNotInitialized)

	ErrZeroAmount         = sentinel(CodeZeroAmount)
	ErrInvalidPercentage  = sentinel(CodeInvalidPercentage)
	ErrInvalidRating      = sentinel(CodeInvalidRating)
	ErrInvalidJobID       = sentinel(CodeInvalidJobID)
	ErrJobIDTooLong       = sentinel(CodeJobIDTooLong)
	ErrDescriptionTooLong = sentinel(CodeDescriptionTooLong)
	ErrDeliverableTooLong = sentinel(CodeDeliverableTooLong)
	ErrDeadlineExpired    = sentinel(CodeDeadlineExpired)
	ErrInvalidDeadline    = sentinel(CodeInvalidDeadline)
	ErrInvalidActor       = sentinel(CodeInvalidActor)

	ErrOverflow = sentinel(CodeOverflow)

	ErrInvalidTokenOwner = sentinel(CodeInvalidTokenOwner)
	ErrInvalidMint       = sentinel(CodeInvalidMint)
	// ErrAssetMismatch 与 ErrInvalidMint 为同一错误码。
	ErrAssetMismatch     = ErrInvalidMint
	ErrInsufficientFunds = sentinel(CodeInsufficientFunds)
)
