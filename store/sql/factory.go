package sqlstore

import (
	"fmt"
	"time"

	"github.com/goliatone/go-automation/core"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/uptrace/bun"
)

// RepositoryFactory builds every SQL-backed store over one bun database.
type RepositoryFactory struct {
	db *bun.DB

	dedupRetention time.Duration
	ruleCacheTTL   time.Duration

	ruleStore       *RuleStore
	cachedRuleStore *CachedRuleStore
	outcomeStore    *OutcomeStore
	dedupLedger     *DedupLedger
	bucketStore     *BucketStore
	jobQueue        *JobQueue
}

type FactoryOption func(*RepositoryFactory)

// WithDedupRetention sets how long an admitted event blocks redeliveries.
func WithDedupRetention(retention time.Duration) FactoryOption {
	return func(f *RepositoryFactory) {
		if retention > 0 {
			f.dedupRetention = retention
		}
	}
}

// WithRuleCacheTTL enables the active-rule cache. Zero keeps rule reads uncached.
func WithRuleCacheTTL(ttl time.Duration) FactoryOption {
	return func(f *RepositoryFactory) {
		if ttl > 0 {
			f.ruleCacheTTL = ttl
		}
	}
}

func NewRepositoryFactory(opts ...FactoryOption) *RepositoryFactory {
	factory := &RepositoryFactory{dedupRetention: defaultDedupRetention}
	for _, opt := range opts {
		if opt != nil {
			opt(factory)
		}
	}
	return factory
}

func NewRepositoryFactoryFromPersistence(client *persistence.Client, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.Build(client); err != nil {
		return nil, err
	}
	return factory, nil
}

func NewRepositoryFactoryFromDB(db *bun.DB, opts ...FactoryOption) (*RepositoryFactory, error) {
	factory := NewRepositoryFactory(opts...)
	if err := factory.Build(db); err != nil {
		return nil, err
	}
	return factory, nil
}

// Build resolves the bun database from a *bun.DB or anything exposing DB()
// and creates the stores once.
func (f *RepositoryFactory) Build(persistenceClient any) error {
	if f == nil {
		return fmt.Errorf("sqlstore: repository factory is nil")
	}
	if f.db == nil {
		db, err := resolveBunDB(persistenceClient)
		if err != nil {
			return err
		}
		f.db = db
	}
	if f.ruleStore != nil && f.outcomeStore != nil {
		return nil
	}
	return f.initStores()
}

func (f *RepositoryFactory) DB() *bun.DB {
	if f == nil {
		return nil
	}
	return f.db
}

// RuleStore returns the cached rule store when a cache TTL is configured,
// otherwise the plain SQL store.
func (f *RepositoryFactory) RuleStore() core.RuleRepository {
	if f == nil {
		return nil
	}
	if f.cachedRuleStore != nil {
		return f.cachedRuleStore
	}
	return f.ruleStore
}

func (f *RepositoryFactory) OutcomeStore() *OutcomeStore {
	if f == nil {
		return nil
	}
	return f.outcomeStore
}

func (f *RepositoryFactory) DedupLedger() *DedupLedger {
	if f == nil {
		return nil
	}
	return f.dedupLedger
}

func (f *RepositoryFactory) BucketStore() *BucketStore {
	if f == nil {
		return nil
	}
	return f.bucketStore
}

// JobQueue returns the go-job queue holding reconcile and purge jobs.
func (f *RepositoryFactory) JobQueue() *JobQueue {
	if f == nil {
		return nil
	}
	return f.jobQueue
}

func (f *RepositoryFactory) initStores() error {
	ruleStore, err := NewRuleStore(f.db)
	if err != nil {
		return err
	}
	f.ruleStore = ruleStore

	if f.ruleCacheTTL > 0 {
		config := repositorycache.DefaultConfig()
		config.TTL = f.ruleCacheTTL
		cacheService, cacheErr := repositorycache.NewCacheService(config)
		if cacheErr != nil {
			return fmt.Errorf("sqlstore: build rule cache: %w", cacheErr)
		}
		cached, cacheErr := NewCachedRuleStore(ruleStore, cacheService)
		if cacheErr != nil {
			return cacheErr
		}
		f.cachedRuleStore = cached
	}

	outcomeStore, err := NewOutcomeStore(f.db)
	if err != nil {
		return err
	}
	f.outcomeStore = outcomeStore

	dedupLedger, err := NewDedupLedger(f.db, f.dedupRetention)
	if err != nil {
		return err
	}
	f.dedupLedger = dedupLedger

	bucketStore, err := NewBucketStore(f.db)
	if err != nil {
		return err
	}
	f.bucketStore = bucketStore

	jobQueue, err := NewJobQueue(f.db, 0)
	if err != nil {
		return err
	}
	f.jobQueue = jobQueue
	return nil
}

func resolveBunDB(candidate any) (*bun.DB, error) {
	switch typed := candidate.(type) {
	case nil:
		return nil, fmt.Errorf("sqlstore: persistence client is required")
	case *bun.DB:
		return typed, nil
	case interface{ DB() *bun.DB }:
		db := typed.DB()
		if db == nil {
			return nil, fmt.Errorf("sqlstore: persistence client returned nil bun db")
		}
		return db, nil
	default:
		return nil, fmt.Errorf("sqlstore: unsupported persistence client type %T", candidate)
	}
}
