package metadata

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNewWriterWithoutDSNIsNoop(t *testing.T) {
	w, err := NewWriter(context.Background(), CatalogConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()
	if _, ok := w.(noopWriter); !ok {
		t.Fatalf("writer is %T, want noopWriter", w)
	}
	if err := w.RecordUpload(context.Background(), UploadRecord{ItemID: "x"}); err != nil {
		t.Errorf("RecordUpload: %v", err)
	}
	if err := w.RecordManifest(context.Background(), ManifestRecord{ManifestID: "m"}); err != nil {
		t.Errorf("RecordManifest: %v", err)
	}
}

func TestTablePrefix(t *testing.T) {
	tests := []struct {
		ns      string
		want    string
		wantErr bool
	}{
		{"", "_meta_", false},
		{"uploader", "uploader_", false},
		{"Robert'); DROP TABLE x;--", "", true},
		{"9lives", "", true},
	}
	for _, tt := range tests {
		got, err := tablePrefix(tt.ns)
		if (err != nil) != tt.wantErr {
			t.Errorf("tablePrefix(%q) err = %v", tt.ns, err)
			continue
		}
		if got != tt.want {
			t.Errorf("tablePrefix(%q) = %q, want %q", tt.ns, got, tt.want)
		}
	}
}

func TestBadDSN(t *testing.T) {
	_, err := NewPostgresWriter(context.Background(), CatalogConfig{PostgresDSN: "postgres://%zz"})
	if err == nil || !strings.Contains(err.Error(), "parse DSN") {
		t.Errorf("err = %v, want parse DSN error", err)
	}
}

func TestHelpers(t *testing.T) {
	if nullable("") != nil {
		t.Error("empty string should be NULL")
	}
	if p := nullable("a"); p == nil || *p != "a" {
		t.Error("non-empty string should be kept")
	}
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if !timestampOrNow(fixed).Equal(fixed) {
		t.Error("explicit time should be kept")
	}
	if timestampOrNow(time.Time{}).IsZero() {
		t.Error("zero time should become now")
	}
}
