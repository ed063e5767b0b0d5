package log

import "testing"

func TestMapLevel(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
		{Level("bogus"), "info"},
	}

	for _, tt := range tests {
		if got := mapLevel(tt.level).String(); got != tt.want {
			t.Errorf("mapLevel(%q) = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestGetInitializesDefault(t *testing.T) {
	Reset()
	defer Reset()

	if Get() == nil {
		t.Fatal("Get() returned nil logger")
	}
}

func TestInitJSONFormat(t *testing.T) {
	Reset()
	defer Reset()

	if err := Init(Config{Level: LevelDebug, Format: "json"}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if Get() == nil {
		t.Fatal("Get() returned nil logger after Init")
	}
}
