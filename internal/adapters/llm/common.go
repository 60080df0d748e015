package llm

import (
	"time"

	"github.com/ariagent/callengine/internal/config"
)

func pipelineTimeout(opts config.RoleOptions) time.Duration {
	if opts.ResponseTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return opts.Timeout()
}
