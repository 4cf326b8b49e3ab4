package metrics

import (
	"context"
	"time"

	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var defaultMillisecondsDistribution = view.Distribution(0.01, 0.05, 0.1, 0.3, 0.6, 0.8, 1, 2, 3, 4, 5, 6, 8, 10, 13, 16, 20, 25, 30, 40, 50, 65, 80, 100, 130, 160, 200, 250, 300, 400, 500, 650, 800, 1000, 2000, 5000, 10000, 20000, 30000, 50000)

var (
	Name, _       = tag.NewKey("name")       // name of the running registry instance
	Store, _      = tag.NewKey("store")      // name of the entity store
	Operation, _  = tag.NewKey("operation")  // registry operation
	Network, _    = tag.NewKey("network")    // blockchain network
	Error, _      = tag.NewKey("error")      // class of error
	Deployment, _ = tag.NewKey("deployment") // deployment id
)

var (
	PersistDuration   = stats.Float64("persist_duration_ms", "Duration of a store commit", stats.UnitMilliseconds)
	PersistModel      = stats.Int64("persist_model", "Number of records written by commits", stats.UnitDimensionless)
	TxnConflicts      = stats.Int64("txn_conflicts", "Number of transactions retried after a conflict", stats.UnitDimensionless)
	OperationDuration = stats.Float64("operation_duration_ms", "Time taken by a registry operation", stats.UnitMilliseconds)
	OperationFailure  = stats.Int64("operation_failure", "Number of failed registry operations", stats.UnitDimensionless)
	LatestBlock       = stats.Int64("latest_block", "Latest block processed by a deployment", stats.UnitDimensionless)
	Reorgs            = stats.Int64("reorgs", "Number of reorgs handled", stats.UnitDimensionless)
	ReorgDepth        = stats.Int64("reorg_depth", "Depth of handled reorgs in blocks", stats.UnitDimensionless)
	IndexingErrors    = stats.Int64("indexing_errors", "Number of indexing errors recorded", stats.UnitDimensionless)
	ChainHead         = stats.Int64("chain_head", "Head block number of a network", stats.UnitDimensionless)
	ManifestCacheHit  = stats.Int64("manifest_cache_hit", "Number of manifest reads served from cache", stats.UnitDimensionless)
	ManifestCacheMiss = stats.Int64("manifest_cache_miss", "Number of manifest reads assembled from the store", stats.UnitDimensionless)
	BlockCacheDepth   = stats.Int64("block_cache_depth", "Number of blocks currently held by the follower cache", stats.UnitDimensionless)
)

var DefaultViews = []*view.View{
	{
		Measure:     PersistDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Store},
	},
	{
		Name:        PersistModel.Name() + "_total",
		Measure:     PersistModel,
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{Store},
	},
	{
		Name:        TxnConflicts.Name() + "_total",
		Measure:     TxnConflicts,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Error},
	},
	{
		Measure:     OperationDuration,
		Aggregation: defaultMillisecondsDistribution,
		TagKeys:     []tag.Key{Operation},
	},
	{
		Name:        OperationFailure.Name() + "_total",
		Measure:     OperationFailure,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Operation, Error},
	},
	{
		Measure:     LatestBlock,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Deployment},
	},
	{
		Name:        Reorgs.Name() + "_total",
		Measure:     Reorgs,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Deployment},
	},
	{
		Measure:     ReorgDepth,
		Aggregation: view.Distribution(1, 2, 3, 5, 8, 13, 21, 34, 55, 89, 144),
		TagKeys:     []tag.Key{Deployment},
	},
	{
		Name:        IndexingErrors.Name() + "_total",
		Measure:     IndexingErrors,
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{Deployment, Error},
	},
	{
		Measure:     ChainHead,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Network},
	},
	{
		Name:        ManifestCacheHit.Name() + "_total",
		Measure:     ManifestCacheHit,
		Aggregation: view.Count(),
	},
	{
		Name:        ManifestCacheMiss.Name() + "_total",
		Measure:     ManifestCacheMiss,
		Aggregation: view.Count(),
	},
	{
		Measure:     BlockCacheDepth,
		Aggregation: view.LastValue(),
		TagKeys:     []tag.Key{Deployment},
	},
}

// SinceInMilliseconds returns the duration of time since the provide time as a float64.
func SinceInMilliseconds(startTime time.Time) float64 {
	return float64(time.Since(startTime).Nanoseconds()) / 1e6
}

// Timer is a function stopwatch, calling it starts the timer,
// calling the returned function will record the duration.
func Timer(ctx context.Context, m *stats.Float64Measure) func() {
	start := time.Now()
	return func() {
		stats.Record(ctx, m.M(SinceInMilliseconds(start)))
	}
}

// RecordInc is a convenience function that increments a counter.
func RecordInc(ctx context.Context, m *stats.Int64Measure) {
	stats.Record(ctx, m.M(1))
}

// RecordCount is a convenience function that increments a counter by a count.
func RecordCount(ctx context.Context, m *stats.Int64Measure, count int) {
	stats.Record(ctx, m.M(int64(count)))
}

// RecordValue records the current value of a gauge.
func RecordValue(ctx context.Context, m *stats.Int64Measure, v int64) {
	stats.Record(ctx, m.M(v))
}

// WithTagValue is a convenience function that upserts the tag value in the given context.
func WithTagValue(ctx context.Context, k tag.Key, v string) context.Context {
	ctx, _ = tag.New(ctx, tag.Upsert(k, v))
	return ctx
}

