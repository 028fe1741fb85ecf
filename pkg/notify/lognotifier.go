package notify

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// LogNotifier renders comments and writes them to the log instead of a
// collaboration platform. It backs dry runs and deployments without
// platform credentials. A rate limiter keeps a misbehaving reconciliation
// loop from flooding the log.
type LogNotifier struct {
	Templates map[TemplateKey]string

	log     *zap.Logger
	limiter *rate.Limiter
}

// NewLogNotifier allows a burst of 10 comments and a sustained rate of
// one per second.
func NewLogNotifier(templates map[TemplateKey]string, log *zap.Logger) *LogNotifier {
	return &LogNotifier{
		Templates: templates,
		log:       log,
		limiter:   rate.NewLimiter(rate.Limit(1), 10),
	}
}

func (n *LogNotifier) PostComment(ctx context.Context, prNumber int, key TemplateKey, vals map[string]string) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}
	n.log.Info("pull request comment",
		zap.Int("pr", prNumber),
		zap.String("template", string(key)),
		zap.String("body", Render(n.Templates, key, vals)))
	return nil
}
