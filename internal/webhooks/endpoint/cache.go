package endpoint

import (
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/clinicore/clinicore/internal/cache"
	"github.com/clinicore/clinicore/internal/webhooks/domain"
)

// EndpointCache keeps a clinic's active endpoints in memory so event fan-out
// does not hit the database on every emit. Endpoint writes invalidate it.
type EndpointCache = cache.TTLCache[snowflake.ID, []domain.WebhookEndpoint]

const cacheTTL = 30 * time.Second

func ProvideEndpointCache() *EndpointCache {
	return cache.NewTTLCache[snowflake.ID, []domain.WebhookEndpoint](cacheTTL)
}
