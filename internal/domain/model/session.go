package model

// SignOutReason — причина завершения сессии портала.
type SignOutReason string

const (
	// SignOutTimeout — выход по бездействию.
	SignOutTimeout SignOutReason = "timeout"
	// SignOutManual — выход по запросу пользователя.
	SignOutManual SignOutReason = "manual"
)
