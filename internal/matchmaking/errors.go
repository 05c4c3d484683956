package matchmaking

import "errors"

var (
	ErrDuplicateQueueEntry   = errors.New("player already in queue")
	ErrAlreadyInGame         = errors.New("player already in game")
	ErrGameNotFound          = errors.New("game not found")
	ErrPlayerNotInGame       = errors.New("player not in this game")
	ErrInvalidDirection      = errors.New("choice must be up or down")
	ErrPredictionAlreadyMade = errors.New("prediction already made")
	ErrGameResolved          = errors.New("game already resolved")
	ErrRoundClosed           = errors.New("round closed, predictions are no longer accepted")
	ErrPairAbandoned         = errors.New("player left before the game started")
	ErrSamePlayer            = errors.New("cannot pair a player with themselves")
)

// IsConflict reports whether err rejects an intent because of existing state
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateQueueEntry) ||
		errors.Is(err, ErrAlreadyInGame) ||
		errors.Is(err, ErrPlayerNotInGame) ||
		errors.Is(err, ErrPredictionAlreadyMade) ||
		errors.Is(err, ErrGameResolved) ||
		errors.Is(err, ErrRoundClosed) ||
		errors.Is(err, ErrPairAbandoned) ||
		errors.Is(err, ErrSamePlayer)
}
