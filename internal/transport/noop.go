package transport

import (
	"context"

	"github.com/rs/zerolog/log"

	"tasksync/internal/model"
)

// Noop reports one local account without lists.
type Noop struct{}

func (n *Noop) FetchAccounts(_ context.Context) ([]Account, error) {
	log.Info().Msg("noop transport fetch accounts call")
	return []Account{{UUID: "noop", Name: "noop", Type: model.AccountTypeNoop}}, nil
}

func (n *Noop) FetchLists(_ context.Context, account Account) ([]List, error) {
	log.Info().Str("account", account.UUID).Msg("noop transport fetch lists call")
	return nil, nil
}

func (n *Noop) FetchTasks(_ context.Context, list List) ([]Object, error) {
	log.Info().Str("calendar", list.URL).Msg("noop transport fetch tasks call")
	return nil, nil
}

func (n *Noop) Upload(_ context.Context, list List, object, _ string, _ []byte) (string, error) {
	log.Info().Str("calendar", list.URL).Str("object", object).Msg("noop transport upload call")
	return "", nil
}
