package worker

import (
	"container/list"
	"context"
	"sync"

	"github.com/mhabedinpour-collector/collector/internal/broker/fetcher"
	"github.com/mhabedinpour-collector/collector/pkg/domain"
)

// authorCacheCap bounds how many distinct accounts one job's collection
// memoizes before evicting the least recently used entry.
const authorCacheCap = 4096

// authorCache memoizes GetUser lookups within one job's collection: collect
// creates a new cache for every job, so nothing is shared across jobs. Issues
// and comments from the same repository are frequently authored by the same
// handful of accounts, so this avoids one upstream round trip per item.
type authorCache struct {
	mu      sync.Mutex
	order   *list.List
	entries map[domain.UserID]*list.Element
}

type authorCacheEntry struct {
	id   domain.UserID
	user domain.User
}

func newAuthorCache() *authorCache {
	return &authorCache{order: list.New(), entries: make(map[domain.UserID]*list.Element)}
}

// resolve returns the full profile for the account embedded in an issue or
// comment payload, fetching and upserting it on a cache miss. embedded
// already carries the account's id and login as observed live on the item;
// that identity is kept even if the standalone profile lookup 404s, since
// the item is proof the account existed at fetch time.
func (c *authorCache) resolve(
	ctx context.Context,
	fetch *fetcher.Facade,
	store userUpserter,
	embedded fetcher.UserPayload,
) (domain.User, error) {
	id := domain.UserID(embedded.ID)

	c.mu.Lock()
	if el, ok := c.entries[id]; ok {
		c.order.MoveToFront(el)
		user := el.Value.(*authorCacheEntry).user //nolint:forcetypeassert
		c.mu.Unlock()

		return user, nil
	}
	c.mu.Unlock()

	payload := domain.User{ID: id, Login: embedded.Login, Type: embedded.Type, Found: true}

	full, err := fetch.GetUser(ctx, embedded.Login)
	switch {
	case err == nil:
		payload = domain.User{
			ID: id, Login: full.Login, Type: full.Type, SiteAdmin: full.SiteAdmin, Found: true,
			CreatedAt: full.CreatedAt, Followers: full.Followers, Following: full.Following,
			PublicRepos: full.PublicRepos, Raw: full.Raw,
		}
	case isNotFound(err):
		// account still referenced by the item but the profile endpoint 404s
		// (suspended or rename race); keep the identity, skip enrichment.
	default:
		return domain.User{}, err
	}

	saved, err := store.UpsertUser(ctx, payload)
	if err != nil {
		return domain.User{}, err
	}

	c.put(*saved)

	return *saved, nil
}

func (c *authorCache) put(user domain.User) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[user.ID]; ok {
		el.Value.(*authorCacheEntry).user = user //nolint:forcetypeassert
		c.order.MoveToFront(el)

		return
	}

	el := c.order.PushFront(&authorCacheEntry{id: user.ID, user: user})
	c.entries[user.ID] = el

	if c.order.Len() > authorCacheCap {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*authorCacheEntry).id) //nolint:forcetypeassert
		}
	}
}
