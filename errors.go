package userdata

import "errors"

var (
	// ErrInvalidGCID is reported when a handshake names a gcid with no
	// pending session.
	ErrInvalidGCID = errors.New("invalid gcid")

	// ErrUndefinedFunction is reported when a call names a method that is
	// neither published nor handled by a fallback.
	ErrUndefinedFunction = errors.New("undefined function")

	// ErrAnonymousUser is reported when a client calls a player method
	// before logging in.
	ErrAnonymousUser = errors.New("invalid attribute for anonymous user")

	// ErrLoginFailed is the fatal result of the game-data service
	// rejecting the game's credentials.
	ErrLoginFailed = errors.New("game login failed")

	// ErrBadArguments is reported when a handshake call carries the wrong
	// argument count or types.
	ErrBadArguments = errors.New("invalid arguments")
)
