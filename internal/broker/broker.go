// Package broker composes the cache, token pool, per-budget schedulers and
// executors, and the fetcher facade into the single object the collection
// worker depends on. It is the request broker's composition root.
package broker

import (
	"net/http"
	"time"

	"github.com/mhabedinpour-collector/collector/internal/broker/cache"
	"github.com/mhabedinpour-collector/collector/internal/broker/executor"
	"github.com/mhabedinpour-collector/collector/internal/broker/fetcher"
	"github.com/mhabedinpour-collector/collector/internal/broker/scheduler"
	"github.com/mhabedinpour-collector/collector/internal/broker/tokenpool"
	"github.com/mhabedinpour-collector/collector/internal/config"
)

// BaseURL is the upstream API's REST/GraphQL root. It is not operator
// configuration (spec.md §6 does not list it as a recognised option): the
// broker always targets the same upstream, so it is a constant rather than
// a config.Config field.
const BaseURL = "https://api.github.com"

// New wires one Cache, one token Pool, and one Scheduler+Executor pair per
// configured budget, and returns the fetcher.Facade built on top of them.
func New(cfg *config.Config) *fetcher.Facade {
	pool := tokenpool.New(cfg.Tokens)
	c := cache.New(cfg.Cache.MaxBytes)

	client := &http.Client{Timeout: 2 * time.Minute} //nolint:mnd

	execCfg := executor.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseMS) * time.Millisecond,
		CapDelay:    time.Duration(cfg.Retry.CapMS) * time.Millisecond,
	}

	executors := make(map[string]*executor.Executor, len(cfg.Budgets))

	for name, budgetCfg := range cfg.Budgets {
		classes := make([]scheduler.Class, len(budgetCfg.Classes))
		for i, cc := range budgetCfg.Classes {
			classes[i] = scheduler.Class{Name: cc.Name, Weight: cc.Weight, QueueCap: cc.QueueCap}
		}

		sched := scheduler.New(name, pool, budgetCfg.Concurrency, classes)
		executors[name] = executor.New(name, client, c, pool, sched, execCfg, cfg.UserAgent)
	}

	return fetcher.New(executors, BaseURL, cfg.FetchMode)
}
