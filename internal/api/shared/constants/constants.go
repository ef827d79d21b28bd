package constants

import "time"

const (
	MAX_PAGE_SIZE              = 100
	DEFAULT_TRANSACTIONS_LIMIT = 50
	MAX_DEPLOY_WAIT            = 30 * time.Second // upper bound of the ?wait= parameter on deploy
	SSE_KEEPALIVE_INTERVAL     = 15 * time.Second
)
