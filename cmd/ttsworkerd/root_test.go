package main

import "testing"

func TestNewRootCmd_HasExpectedSubcommands(t *testing.T) {
	root := NewRootCmd()

	want := []string{"synth", "bench", "serve", "health", "doctor"}
	for _, name := range want {
		found := false

		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}

		if !found {
			t.Errorf("expected subcommand %q not found in root", name)
		}
	}
}

func TestNewRootCmd_HasPersistentConfigFlag(t *testing.T) {
	root := NewRootCmd()
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("expected --config persistent flag to be registered")
	}
}

func TestSetupLogger_DoesNotPanic(_ *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		setupLogger(level)
	}
}

func TestSetupLogger_InvalidLevelFallsBackToInfo(_ *testing.T) {
	setupLogger("not-a-level")
}

func TestRequireConfig_FailsWhenNotInitialized(t *testing.T) {
	origLoaded, origCfg := cfgLoaded, activeCfg
	t.Cleanup(func() { cfgLoaded, activeCfg = origLoaded, origCfg })

	cfgLoaded = false

	_, err := requireConfig()
	if err == nil {
		t.Fatal("expected error when config is not loaded")
	}
}

func TestRequireConfig_SucceedsWhenLoaded(t *testing.T) {
	origLoaded, origCfg := cfgLoaded, activeCfg
	t.Cleanup(func() { cfgLoaded, activeCfg = origLoaded, origCfg })

	activeCfg.Model = "test-model"
	cfgLoaded = true

	got, err := requireConfig()
	if err != nil {
		t.Fatalf("requireConfig returned unexpected error: %v", err)
	}

	if got.Model != "test-model" {
		t.Errorf("unexpected Model: %q", got.Model)
	}
}

func TestParsePriority(t *testing.T) {
	for _, valid := range []string{"low", "normal", "high"} {
		if _, err := parsePriority(valid); err != nil {
			t.Errorf("parsePriority(%q) returned error: %v", valid, err)
		}
	}
	if _, err := parsePriority("urgent"); err == nil {
		t.Error("parsePriority(urgent) should return an error")
	}
}
