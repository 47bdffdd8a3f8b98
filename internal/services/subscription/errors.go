package subscription

import "errors"

// Ошибки нарушенных предусловий. Возвращаются вызывающему как есть:
// каждая превращается в отдельное понятное сообщение, так как исходит
// из прямого действия пользователя или администратора.
var (
	ErrAlreadyStartedTrial = errors.New("trial already started")
	ErrUserNotSubscribed   = errors.New("user has no active subscription")
	ErrDateMustBeInFuture  = errors.New("date must be in the future")
	ErrUserBanned          = errors.New("user is banned")
)
