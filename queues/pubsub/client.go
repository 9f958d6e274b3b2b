package pubsub

import (
	"context"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// newClient opens a Pub/Sub client, using credsFile when set and ambient credentials otherwise.
func newClient(ctx context.Context, projectID, credsFile string, logger zerolog.Logger) (*gpubsub.Client, error) {
	var opts []option.ClientOption
	if credsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credsFile))
	}
	logger.Debug().Str("projectID", projectID).Bool("explicitCredentials", credsFile != "").Msg("pubsub: opening client")
	client, err := gpubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		logger.Error().Err(err).Str("projectID", projectID).Msg("pubsub: client creation failed")
		return nil, err
	}
	return client, nil
}

func componentLogger(kind, name string) zerolog.Logger {
	return log.With().Str("component", "pubsub-"+kind).Str(kind, name).Logger()
}
