package cassandra

import (
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
)

// Config contains configuration for connecting to a Cassandra cluster and the
// shopmesh keyspace.
type Config struct {
	// ClusterHosts lists contact points for the Cassandra cluster.
	ClusterHosts []string
	// Keyspace is the keyspace used for shopmesh tables.
	Keyspace string
	// Consistency is the default consistency level for queries.
	Consistency gocql.Consistency
	// ConnectionTimeout is the session connection timeout.
	ConnectionTimeout time.Duration
	// Authenticator is used when the cluster requires authentication.
	Authenticator gocql.Authenticator
	// ReplicationClause defines the keyspace replication (e.g., SimpleStrategy).
	ReplicationClause string

	// ConsistencyBook allows overriding per-API consistency levels.
	ConsistencyBook ConsistencyBook
}

// ConsistencyBook enumerates per-API consistency levels used by this package.
// Order and stock-log writes default to LocalQuorum; audit-only reads can run at
// LocalOne.
type ConsistencyBook struct {
	OrderAdd    gocql.Consistency
	OrderUpdate gocql.Consistency
	OrderGet    gocql.Consistency
	StockLogAdd gocql.Consistency
	AuditGet    gocql.Consistency
	OfflineAdd  gocql.Consistency
	OfflineGet  gocql.Consistency
}

// Connection wraps a Cassandra session and its configuration.
type Connection struct {
	Session *gocql.Session
	Config
}

var connection *Connection
var mux sync.Mutex

// IsConnectionInstantiated reports whether a global Connection has been created.
func IsConnectionInstantiated() bool {
	return connection != nil
}

// tableDDL is every table this package owns, issued IF NOT EXISTS on open. The
// schema is query-driven: one table per access path, denormalized from the order
// and message entities.
var tableDDL = []string{
	// Activity definitions and the status scan the lifecycle manager runs on.
	"CREATE TABLE IF NOT EXISTS %[1]s.activities (activity_id text PRIMARY KEY, sku_id text, name text, total_stock bigint, start_ts timestamp, end_ts timestamp, per_user_limit bigint, status text);",
	"CREATE TABLE IF NOT EXISTS %[1]s.activities_by_sku (sku_id text PRIMARY KEY, activity_id text);",
	"CREATE TABLE IF NOT EXISTS %[1]s.activities_by_status (status text, activity_id text, PRIMARY KEY (status, activity_id));",

	// Orders and the per-access-path projections.
	"CREATE TABLE IF NOT EXISTS %[1]s.orders (order_id text PRIMARY KEY, user_id text, sku_id text, activity_id text, qty bigint, status text, created_at timestamp, paid_at timestamp, cancelled_at timestamp);",
	"CREATE TABLE IF NOT EXISTS %[1]s.orders_by_sku (sku_id text, status text, order_id text, user_id text, qty bigint, created_at timestamp, PRIMARY KEY ((sku_id, status), order_id));",
	"CREATE TABLE IF NOT EXISTS %[1]s.orders_by_user (user_id text, sku_id text, status text, order_id text, qty bigint, PRIMARY KEY ((user_id, sku_id), order_id));",
	"CREATE TABLE IF NOT EXISTS %[1]s.orders_by_status (status text, created_hour text, created_at timestamp, order_id text, sku_id text, user_id text, qty bigint, PRIMARY KEY ((status, created_hour), created_at, order_id));",

	// Append-only stock audit; (order_id, op) uniqueness backs rollback idempotency.
	"CREATE TABLE IF NOT EXISTS %[1]s.stock_log (order_id text, op text, sku_id text, qty bigint, before bigint, after bigint, ts timestamp, PRIMARY KEY (order_id, op));",
	"CREATE TABLE IF NOT EXISTS %[1]s.stock_log_by_sku (sku_id text, ts timestamp, order_id text, op text, qty bigint, before bigint, after bigint, PRIMARY KEY (sku_id, ts, order_id, op));",

	// Reconciler run records, newest first per SKU.
	"CREATE TABLE IF NOT EXISTS %[1]s.reconciliation_log (sku_id text, ts timestamp, id text, redis_stock bigint, redis_sold bigint, durable_order_count bigint, discrepancies text, status text, PRIMARY KEY (sku_id, ts, id)) WITH CLUSTERING ORDER BY (ts DESC);",

	// Conversation counter checkpoints; latest row wins per (scope, conv_id).
	"CREATE TABLE IF NOT EXISTS %[1]s.counter_snapshots (scope text, conv_id text, seq bigint, snapshot_ts timestamp, PRIMARY KEY ((scope, conv_id), seq)) WITH CLUSTERING ORDER BY (seq DESC);",

	// Offline messages partitioned by recipient, clustered by seq ascending, plus
	// the hour-bucketed expiry index the TTL sweeper scans.
	"CREATE TABLE IF NOT EXISTS %[1]s.offline_messages (user_id text, seq bigint, msg_id text, sender_id text, conv_id text, conv_type text, content text, ts timestamp, created_at timestamp, expires_at timestamp, PRIMARY KEY (user_id, seq));",
	"CREATE TABLE IF NOT EXISTS %[1]s.offline_msg_expiry (expiry_hour text, expires_at timestamp, user_id text, seq bigint, PRIMARY KEY (expiry_hour, expires_at, user_id, seq));",

	// Read receipts; the primary key is the idempotency key.
	"CREATE TABLE IF NOT EXISTS %[1]s.read_receipts (msg_id text, reader_id text, device_id text, sender_id text, conv_id text, conv_type text, read_at timestamp, PRIMARY KEY (msg_id, reader_id, device_id));",
}

// OpenConnection returns the existing global Connection or opens a new one using the
// provided config, creating the keyspace and all tables if needed.
func OpenConnection(config Config) (*Connection, error) {
	if connection != nil {
		return connection, nil
	}
	mux.Lock()
	defer mux.Unlock()

	if connection != nil {
		return connection, nil
	}
	if config.Keyspace == "" {
		// default keyspace
		config.Keyspace = "shopmesh"
	}
	if config.Consistency == gocql.Any {
		// Defaults to LocalQuorum consistency. You should set it to an appropriate level.
		config.Consistency = gocql.LocalQuorum
	}
	cluster := gocql.NewCluster(config.ClusterHosts...)
	cluster.Consistency = config.Consistency
	if config.ReplicationClause == "" {
		// Specify an appropriate replication feature.
		config.ReplicationClause = "{'class':'SimpleStrategy', 'replication_factor':1}"
	}
	if config.ConnectionTimeout > 0 {
		cluster.ConnectTimeout = config.ConnectionTimeout
	}
	if config.Authenticator != nil {
		cluster.Authenticator = config.Authenticator
		// Clear the authenticator just to be safer, we don't need to keep it hanging around.
		config.Authenticator = nil
	}
	var c = Connection{
		Config: config,
	}
	s, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}

	if err := s.Query(fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = %s;", config.Keyspace, config.ReplicationClause)).Exec(); err != nil {
		return nil, err
	}
	for _, ddl := range tableDDL {
		if err := s.Query(fmt.Sprintf(ddl, config.Keyspace)).Exec(); err != nil {
			return nil, err
		}
	}

	c.Session = s
	connection = &c
	return connection, nil
}

// CloseConnection closes and clears the global connection, if it exists.
func CloseConnection() {
	if connection != nil {
		mux.Lock()
		defer mux.Unlock()
		if connection == nil {
			return
		}
		connection.Session.Close()
		connection = nil
	}
}

var errNotOpen = fmt.Errorf("cassandra connection is closed; call OpenConnection(config) to open it")

// consistencyOrDefault falls back to the session default when a per-API level is not set.
func consistencyOrDefault(c gocql.Consistency) gocql.Consistency {
	if c == gocql.Any {
		return connection.Config.Consistency
	}
	return c
}
