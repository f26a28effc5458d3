package denial

import (
	"context"
	"time"

	"github.com/rcm/rcm/internal/platform/cache"
	"github.com/rcm/rcm/internal/platform/metrics"
)

// ResultTTL is how long an analysis is reused for the same denial code.
const ResultTTL = 24 * time.Hour

// Analyzer memoizes rule evaluation per denial code.
type Analyzer struct {
	cache *cache.Cache
}

func NewAnalyzer(c *cache.Cache) *Analyzer {
	return &Analyzer{cache: c}
}

func resultKey(code string) string {
	return "ai:denial:" + code
}

func (a *Analyzer) Analyze(ctx context.Context, code string) Result {
	code = NormalizeCode(code)
	key := resultKey(code)

	var res Result
	if a.cache != nil && a.cache.Get(ctx, key, &res) {
		metrics.DenialAnalyses.WithLabelValues("cache").Inc()
		return res
	}
	res = Evaluate(code)
	metrics.DenialAnalyses.WithLabelValues("rules").Inc()
	if a.cache != nil {
		a.cache.Set(ctx, key, res, ResultTTL)
	}
	return res
}
