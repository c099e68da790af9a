package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGetVersionInfo(t *testing.T) {
	info := GetVersionInfo()

	if !strings.Contains(info, "voiceloop version") {
		t.Error("version info should contain 'voiceloop version'")
	}
	if !strings.Contains(info, Version) {
		t.Errorf("version info should contain %q", Version)
	}
	if !strings.Contains(info, runtime.Version()) {
		t.Errorf("version info should contain Go version %s", runtime.Version())
	}
}
