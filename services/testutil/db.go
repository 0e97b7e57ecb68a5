package testutil

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	cachedb "rewards-core/pkg/db"
)

var dsnName = strings.NewReplacer("/", "_", " ", "_", "#", "_")

// NewTestDB opens an in-memory cache private to t, configured like the
// production store (UTC timestamps, zap gorm logger) and migrated with models.
// One connection keeps the shared-cache database alive and serializes writers
// the way a device's sqlite file does.
func NewTestDB(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", dsnName.Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  cachedb.NewZapGormLogger(zap.L(), logger.Silent, false),
		NowFunc: cachedb.UTCNow,
	})
	require.NoError(t, err, "open test cache")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, cachedb.Migrate(db, models...), "migrate test cache")
	return db
}
