package presets

import (
	"errors"
	"testing"

	"github.com/spf13/afero"

	"github.com/FildCommander/ytptube/internal/item"
)

func testDefaults() Defaults {
	return Defaults{
		Preset:   "default",
		Folder:   "",
		Template: "%(title)s.%(ext)s",
	}
}

func TestSetBuiltinDefault(t *testing.T) {
	s := NewSet(afero.NewMemMapFs(), "presets.json", testDefaults())
	if !s.Has("default") {
		t.Fatal("default preset missing")
	}
	if s.Has("audio") {
		t.Fatal("unknown preset reported present")
	}
}

func TestSetLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	body := `[{"name": "audio", "format": "bestaudio", "folder": "music"}]`
	if err := afero.WriteFile(fs, "presets.json", []byte(body), 0o600); err != nil {
		t.Fatalf("seed presets: %v", err)
	}

	s := NewSet(fs, "presets.json", testDefaults())
	if err := s.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	p, ok := s.Get("audio")
	if !ok {
		t.Fatal("loaded preset missing")
	}
	if p.Format != "bestaudio" || p.Folder != "music" {
		t.Fatalf("preset fields lost: %+v", p)
	}
	if !s.Has("default") {
		t.Fatal("Load dropped the built-in default")
	}
}

func TestSetLoadMissingFile(t *testing.T) {
	s := NewSet(afero.NewMemMapFs(), "presets.json", testDefaults())
	if err := s.Load(); err != nil {
		t.Fatalf("Load of missing file failed: %v", err)
	}
	if !s.Has("default") {
		t.Fatal("default preset missing after empty load")
	}
}

func TestSetLoadRejectsNamelessPreset(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "presets.json", []byte(`[{"format": "best"}]`), 0o600); err != nil {
		t.Fatalf("seed presets: %v", err)
	}
	s := NewSet(fs, "presets.json", testDefaults())
	if err := s.Load(); err == nil {
		t.Fatal("expected error for nameless preset")
	}
}

func TestSetReplaceIsAtomic(t *testing.T) {
	s := NewSet(afero.NewMemMapFs(), "presets.json", testDefaults())
	s.Replace([]Preset{{Name: "audio"}})
	if !s.Has("audio") {
		t.Fatal("Replace did not install new preset")
	}
	s.Replace([]Preset{{Name: "video"}})
	if s.Has("audio") {
		t.Fatal("Replace kept stale preset")
	}
	if !s.Has("video") || !s.Has("default") {
		t.Fatal("Replace lost expected presets")
	}
}

func TestMergePrecedence(t *testing.T) {
	s := NewSet(afero.NewMemMapFs(), "presets.json", testDefaults())
	s.Replace([]Preset{{
		Name:     "audio",
		Folder:   "music",
		Template: "%(artist)s - %(title)s.%(ext)s",
		Format:   "bestaudio",
	}})

	tests := []struct {
		name         string
		req          item.Request
		wantFolder   string
		wantTemplate string
	}{
		{
			name:         "request wins over preset",
			req:          item.Request{Preset: "audio", Folder: "podcasts"},
			wantFolder:   "podcasts",
			wantTemplate: "%(artist)s - %(title)s.%(ext)s",
		},
		{
			name:         "preset wins over default",
			req:          item.Request{Preset: "audio"},
			wantFolder:   "music",
			wantTemplate: "%(artist)s - %(title)s.%(ext)s",
		},
		{
			name:         "default fills the rest",
			req:          item.Request{},
			wantFolder:   "",
			wantTemplate: "%(title)s.%(ext)s",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opt, err := s.Merge(tc.req)
			if err != nil {
				t.Fatalf("Merge failed: %v", err)
			}
			if opt.Folder != tc.wantFolder {
				t.Fatalf("folder = %q, want %q", opt.Folder, tc.wantFolder)
			}
			if opt.Template != tc.wantTemplate {
				t.Fatalf("template = %q, want %q", opt.Template, tc.wantTemplate)
			}
		})
	}
}

func TestMergeUnknownPreset(t *testing.T) {
	s := NewSet(afero.NewMemMapFs(), "presets.json", testDefaults())
	_, err := s.Merge(item.Request{Preset: "nope"})
	if err == nil {
		t.Fatal("expected error for unknown preset")
	}
	var verr *item.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want ValidationError", err)
	}
}
