package bootstrap

import (
	"io"
	"net/http"

	"github.com/artpar/usagegate/adapters/notify"
	"github.com/artpar/usagegate/config"
	"github.com/artpar/usagegate/ports"
	"github.com/rs/zerolog"
)

// buildNotifier always logs alerts and fans out to the configured outbound
// channels, each behind its own throttle. An unreachable broker degrades to
// log-only delivery rather than failing startup.
func buildNotifier(cfg config.NotifyConfig, logger zerolog.Logger) (ports.Notifier, []io.Closer) {
	targets := notify.Multi{notify.NewLog(logger)}
	var closers []io.Closer

	if cfg.WebhookURL != "" {
		client := &http.Client{Timeout: cfg.Timeout}
		targets = append(targets, notify.NewThrottled(notify.NewHTTP(cfg.WebhookURL, client), cfg.MinInterval, cfg.Burst))
		logger.Info().Msg("alert webhook enabled")
	}

	if cfg.AMQPURL != "" {
		pub, err := notify.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			logger.Warn().Err(err).Msg("alert broker unreachable, alerts will only be logged")
		} else {
			targets = append(targets, notify.NewThrottled(pub, cfg.MinInterval, cfg.Burst))
			closers = append(closers, pub)
			logger.Info().Msg("alert broker enabled")
		}
	}

	return targets, closers
}
