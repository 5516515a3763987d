package database

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/membership"
)

func TestOpenKeepsMissingRecordLookupsQuiet(testContext *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	database, err := Open(DriverSQLite, filepath.Join(testContext.TempDir(), "quiet.db"), zap.New(core))
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}

	var missing membership.Member
	if err := database.Where("project_id = ?", "absent").Take(&missing).Error; err == nil {
		testContext.Fatalf("expected a missing record")
	}
	if warnings := logs.FilterLevelExact(zapcore.WarnLevel).Len(); warnings != 0 {
		testContext.Fatalf("expected no gorm warnings for a missing record, got %d", warnings)
	}

	if err := database.Exec("SELECT * FROM no_such_table").Error; err == nil {
		testContext.Fatalf("expected a failed statement")
	}
	if failures := logs.FilterLevelExact(zapcore.WarnLevel).Len(); failures == 0 {
		testContext.Fatalf("expected failed statements to be logged")
	}
}
