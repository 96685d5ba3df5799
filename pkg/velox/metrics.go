package velox

import (
	"bytes"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// MetricsHandler serves the metrics gathered by g in the Prometheus text
// format. Pass the registry given as Config.MetricsRegisterer to expose the
// engine metrics.
func MetricsHandler(g prometheus.Gatherer) Handler {
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	return HandlerFunc(func(ctx *Context) error {
		families, err := g.Gather()
		if err != nil && len(families) == 0 {
			return ctx.Plain(500, fmt.Sprintf("gather metrics: %v", err))
		}
		var buf bytes.Buffer
		enc := expfmt.NewEncoder(&buf, format)
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return fmt.Errorf("encode metrics: %w", err)
			}
		}
		return ctx.Data(200, string(format), buf.Bytes())
	})
}
