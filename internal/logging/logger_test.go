package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// resetState clears package globals so each test starts from a clean slate.
func resetState() {
	CloseAll()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	stateDir = ""
	configLoaded = false
	config = loggingConfig{}
}

func writeLoggingConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("Failed to create state dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "logging.json"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

// TestAllCategoriesLog tests that all categories create log files when debug_mode is true
func TestAllCategoriesLog(t *testing.T) {
	tempDir := t.TempDir()

	writeLoggingConfig(t, tempDir, `{
		"level": "debug",
		"debug_mode": true,
		"categories": {
			"boot": true,
			"broker": true,
			"session": true,
			"ledger": true,
			"rewrite": true,
			"transport": true,
			"policy": true,
			"scheduler": true,
			"metrics": true,
			"store": true
		}
	}`)

	resetState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsDebugMode() {
		t.Error("Expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot,
		CategoryBroker,
		CategorySession,
		CategoryLedger,
		CategoryRewrite,
		CategoryTransport,
		CategoryPolicy,
		CategoryScheduler,
		CategoryMetrics,
		CategoryStore,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}

		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	// Also exercise the convenience functions
	Boot("Convenience boot log")
	Broker("Convenience broker log")
	Session("Convenience session log")
	Ledger("Convenience ledger log")
	Rewrite("Convenience rewrite log")
	Transport("Convenience transport log")
	Policy("Convenience policy log")
	Scheduler("Convenience scheduler log")
	Metrics("Convenience metrics log")
	Store("Convenience store log")

	CloseAll()

	logsPath := filepath.Join(tempDir, "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	t.Logf("Created %d log files in %s", len(entries), logsPath)

	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if strings.Contains(entry.Name(), string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
				if err != nil {
					t.Errorf("Failed to read log file for %s: %v", cat, err)
					continue
				}
				if len(content) == 0 {
					t.Errorf("Log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("No log file found for category: %s", cat)
		}
	}
}

// TestDebugModeDisabled tests that no logs are created when debug_mode is false
func TestDebugModeDisabled(t *testing.T) {
	tempDir := t.TempDir()

	writeLoggingConfig(t, tempDir, `{
		"level": "debug",
		"debug_mode": false,
		"categories": {
			"boot": true,
			"broker": true
		}
	}`)

	resetState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if IsDebugMode() {
		t.Error("Expected debug mode to be DISABLED (production mode)")
	}

	for _, cat := range []Category{CategoryBoot, CategoryBroker, CategoryTransport} {
		if IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be DISABLED when debug_mode=false", cat)
		}
	}

	// Should all be no-ops.
	Boot("This should NOT be logged")
	Broker("This should NOT be logged")

	logger := Get(CategoryBoot)
	logger.Info("This should NOT be logged")
	logger.Error("This should NOT be logged")

	CloseAll()

	logsPath := filepath.Join(tempDir, "logs")
	if _, err := os.Stat(logsPath); err == nil {
		entries, _ := os.ReadDir(logsPath)
		if len(entries) > 0 {
			t.Errorf("Expected NO log files in production mode, but found %d files", len(entries))
		}
	}
}

// TestCategoryToggle tests individual category enable/disable
func TestCategoryToggle(t *testing.T) {
	tempDir := t.TempDir()

	writeLoggingConfig(t, tempDir, `{
		"level": "debug",
		"debug_mode": true,
		"categories": {
			"boot": true,
			"transport": true,
			"ledger": false,
			"rewrite": false
		}
	}`)

	resetState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	if !IsCategoryEnabled(CategoryBoot) {
		t.Error("boot should be enabled")
	}
	if !IsCategoryEnabled(CategoryTransport) {
		t.Error("transport should be enabled")
	}
	if IsCategoryEnabled(CategoryLedger) {
		t.Error("ledger should be DISABLED")
	}
	if IsCategoryEnabled(CategoryRewrite) {
		t.Error("rewrite should be DISABLED")
	}

	// A category missing from the config defaults to enabled in debug mode.
	if !IsCategoryEnabled(CategoryBroker) {
		t.Error("broker (not in config) should default to enabled")
	}

	Boot("This SHOULD be logged")
	Transport("This SHOULD be logged")
	Ledger("This should NOT be logged")
	Rewrite("This should NOT be logged")
	Broker("This SHOULD be logged (default enabled)")

	CloseAll()

	logsPath := filepath.Join(tempDir, "logs")
	entries, _ := os.ReadDir(logsPath)

	var hasBoot, hasTransport, hasLedger, hasRewrite bool
	for _, e := range entries {
		name := e.Name()
		if strings.Contains(name, "boot") {
			hasBoot = true
		}
		if strings.Contains(name, "transport") {
			hasTransport = true
		}
		if strings.Contains(name, "ledger") {
			hasLedger = true
		}
		if strings.Contains(name, "rewrite") {
			hasRewrite = true
		}
	}

	if !hasBoot {
		t.Error("Expected boot log file")
	}
	if !hasTransport {
		t.Error("Expected transport log file")
	}
	if hasLedger {
		t.Error("Should NOT have ledger log file (disabled)")
	}
	if hasRewrite {
		t.Error("Should NOT have rewrite log file (disabled)")
	}
}

// TestTimerLogging tests the timing helper
func TestTimerLogging(t *testing.T) {
	tempDir := t.TempDir()

	writeLoggingConfig(t, tempDir, `{"level": "debug", "debug_mode": true}`)

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	timer := StartTimer(CategoryBroker, "TestOperation")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()

	if elapsed <= 0 {
		t.Error("Timer should have recorded non-zero duration")
	}

	CloseAll()
}
