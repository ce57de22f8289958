package log

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestInitLevels(t *testing.T) {
	for _, level := range []string{"trace", "debug", "info", "warn", "error"} {
		if err := Init(Config{Level: level, Format: "text"}); err != nil {
			t.Errorf("Init with level %q failed: %v", level, err)
		}
	}

	if err := Init(Config{Level: "loud", Format: "text"}); err == nil {
		t.Error("Init accepted an invalid level")
	}
}

func TestInitFormats(t *testing.T) {
	if err := Init(Config{Level: "info", Format: "json"}); err != nil {
		t.Errorf("Init with json format failed: %v", err)
	}
	if _, ok := GetLogger().Formatter.(*logrus.JSONFormatter); !ok {
		t.Error("json format did not install a JSONFormatter")
	}

	if err := Init(Config{Level: "info", Format: "xml"}); err == nil {
		t.Error("Init accepted an unsupported format")
	}
}
