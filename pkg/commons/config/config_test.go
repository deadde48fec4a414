package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type sample struct {
	Name    string   `json:"name" yaml:"name"`
	Timeout Duration `json:"timeout" yaml:"timeout"`
}

func TestLoadFileFormats(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		file    string
		body    string
		wantErr bool
	}{
		{file: "a.json", body: `{"name":"x","timeout":"5s"}`},
		{file: "b.yml", body: "name: x\ntimeout: 5s\n"},
		{file: "c.yaml", body: "name: x\ntimeout: 5s\nbogus: 1\n", wantErr: true},
		{file: "d.json", body: `{"name":"x","timeout":"soon"}`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.file, func(t *testing.T) {
			path := filepath.Join(dir, tc.file)
			if err := os.WriteFile(path, []byte(tc.body), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			var out sample
			err := LoadFile(path, &out)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if out.Name != "x" || out.Timeout.Duration != 5*time.Second {
				t.Fatalf("unexpected decode: %+v", out)
			}
		})
	}
}

func TestLoadFileMissing(t *testing.T) {
	var out sample
	if err := LoadFile(filepath.Join(t.TempDir(), "nope.json"), &out); err == nil {
		t.Fatalf("expected read error")
	}
}
