package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestConfigureRejectsUnknownLevelAndFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	l := New()
	if err := l.Configure("loud", "json", "stdout", 0); err == nil {
		t.Fatal("未知级别应报错")
	}
	if err := l.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatal("未知格式应报错")
	}
}

func TestComponentFieldInJSONOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	l := New()
	if err := l.Configure("debug", "json", "stdout", 0); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	var buf bytes.Buffer
	l.SetOutput(&buf)

	l.WithComponent("breaker").WithFields(Fields{"provider": "tushare"}).Info("熔断")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("输出不是JSON: %v (%s)", err, buf.String())
	}
	if line["component"] != "breaker" || line["provider"] != "tushare" || line["message"] != "熔断" {
		t.Fatalf("字段缺失: %v", line)
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "quotehub.log")
	l := New()
	if err := l.Configure("info", "text", path, 7); err != nil {
		t.Fatalf("Configure: %v", err)
	}
}
